package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// Store is the in-memory Repository used for development and tests. A single
// mutex stands in for the database transaction: every sale operation
// validates everything first and only then mutates, so a failed operation
// leaves no partial state behind.
type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	transactions map[string]*domain.Transaction
	users        map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		transactions: make(map[string]*domain.Transaction),
		users:        make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. The in-memory store
// is never used in production (the backend uses PostgreSQL when DATABASE_URL
// is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prod-soda-300", Name: "Soda 300ml", Barcode: "6161100000014", Price: 50, CostPrice: 35, Stock: 240, Active: true},
		{ID: "prod-soda-crate", Name: "Soda Crate 24x300ml", Price: 1100, CostPrice: 840, Stock: 0, IsBundle: true, BaseProductID: "prod-soda-300", BundleQuantity: 24, Active: true},
		{ID: "prod-unga-2kg", Name: "Maize Flour 2kg", Barcode: "6161100000021", Price: 165, CostPrice: 138, Stock: 80, Active: true},
		{ID: "prod-bread-400", Name: "Bread 400g", Barcode: "6161100000038", Price: 65, CostPrice: 52, Stock: 40, Active: true},
		{ID: "prod-milk-500", Name: "Milk 500ml", Barcode: "6161100000045", Price: 60, CostPrice: 48, Stock: 60, Active: true},
		{ID: "prod-sugar-1kg", Name: "Sugar 1kg", Barcode: "6161100000052", Price: 210, CostPrice: 182, Stock: 50, Active: true},
		{ID: "prod-oil-1l", Name: "Cooking Oil 1L", Barcode: "6161100000069", Price: 330, CostPrice: 285, Stock: 30, Active: true},
		{ID: "prod-tea-250", Name: "Tea Leaves 250g", Barcode: "6161100000076", Price: 145, CostPrice: 112, Stock: 45, Active: true},
		{ID: "prod-soap-bar", Name: "Bar Soap", Barcode: "6161100000083", Price: 85, CostPrice: 64, Stock: 70, Active: true},
		{ID: "prod-matches", Name: "Matches", Price: 10, CostPrice: 6, Stock: 200, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Store{
		products:     productMap,
		transactions: make(map[string]*domain.Transaction),
		users:        seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})

	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.Price <= 0 || product.CostPrice < 0 || product.Stock < 0 {
		return nil, fmt.Errorf("product fields: %w", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("product %s: %w", product.ID, store.ErrDuplicate)
	}
	if err := s.barcodeFree(product.Barcode, product.ID); err != nil {
		return nil, err
	}
	if err := s.validateBundle(product); err != nil {
		return nil, err
	}

	product.Active = true
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || product.Price <= 0 || product.CostPrice < 0 || product.Stock < 0 {
		return nil, fmt.Errorf("product fields: %w", store.ErrValidation)
	}
	existing, exists := s.products[product.ID]
	if !exists || !existing.Active {
		return nil, fmt.Errorf("product %s: %w", product.ID, store.ErrNotFound)
	}
	if err := s.barcodeFree(product.Barcode, product.ID); err != nil {
		return nil, err
	}
	if err := s.validateBundle(product); err != nil {
		return nil, err
	}

	product.Active = true
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeactivateProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[id]
	if !exists || !product.Active {
		return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	product.Active = false
	s.products[id] = product
	return nil
}

func (s *Store) barcodeFree(barcode, selfID string) error {
	if barcode == "" {
		return nil
	}
	for _, p := range s.products {
		if p.ID != selfID && p.Barcode == barcode {
			return fmt.Errorf("barcode %s: %w", barcode, store.ErrDuplicate)
		}
	}
	return nil
}

func (s *Store) validateBundle(product domain.Product) error {
	if !product.IsBundle {
		return nil
	}
	if product.BaseProductID == "" || product.BundleQuantity < 1 {
		return fmt.Errorf("bundle requires base product and positive bundle quantity: %w", store.ErrValidation)
	}
	if product.BaseProductID == product.ID {
		return fmt.Errorf("bundle cannot reference itself: %w", store.ErrValidation)
	}
	base, exists := s.products[product.BaseProductID]
	if !exists {
		return fmt.Errorf("base product %s does not exist: %w", product.BaseProductID, store.ErrValidation)
	}
	if !base.Active {
		return fmt.Errorf("base product %s is inactive: %w", product.BaseProductID, store.ErrValidation)
	}
	if base.IsBundle {
		return fmt.Errorf("base product %s is itself a bundle: %w", product.BaseProductID, store.ErrValidation)
	}
	return nil
}

// resolveStockTarget maps a sold product onto the stock row it moves and by
// how much. Bundles move bundle_quantity units of the base product per unit
// sold.
func resolveStockTarget(product domain.Product, qty int) (string, int, error) {
	if !product.IsBundle {
		return product.ID, qty, nil
	}
	if product.BaseProductID == "" || product.BundleQuantity < 1 {
		return "", 0, fmt.Errorf("bundle %s misconfigured: %w", product.Name, store.ErrInvalidBundle)
	}
	return product.BaseProductID, product.BundleQuantity * qty, nil
}

// stageDeductions walks every cart line against a scratch copy of the
// affected stock levels. Lines that share a base product accumulate, so a
// cart that is only collectively too large still fails. Nothing in s.products
// is touched; the caller commits the scratch map after all lines pass.
func (s *Store) stageDeductions(items []domain.CartItem) (map[string]int, error) {
	scratch := make(map[string]int, len(items))
	for _, item := range items {
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("product %s: %w", item.ProductID, store.ErrUnknownProduct)
		}
		targetID, delta, err := resolveStockTarget(product, item.Quantity)
		if err != nil {
			return nil, err
		}
		target, exists := s.products[targetID]
		if !exists {
			return nil, fmt.Errorf("product %s missing during deduction: %w", targetID, store.ErrUnknownProduct)
		}
		remaining, staged := scratch[targetID]
		if !staged {
			remaining = target.Stock
		}
		if remaining < delta {
			return nil, fmt.Errorf("insufficient stock for %s: %w", product.Name, store.ErrInsufficientStock)
		}
		scratch[targetID] = remaining - delta
	}
	return scratch, nil
}

func (s *Store) commitStock(scratch map[string]int) {
	for id, stock := range scratch {
		product := s.products[id]
		product.Stock = stock
		s.products[id] = product
	}
}

// buildLines snapshots the cart against the catalog: names and cost prices
// come from the products, the charged price from the cart.
func (s *Store) buildLines(items []domain.CartItem) ([]domain.TransactionLine, float64, float64, error) {
	var totalAmount, totalProfit float64
	lines := make([]domain.TransactionLine, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, 0, 0, fmt.Errorf("quantity for %s must be positive: %w", item.ProductID, store.ErrValidation)
		}
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, 0, 0, fmt.Errorf("product %s: %w", item.ProductID, store.ErrUnknownProduct)
		}
		totalAmount += item.Price * float64(item.Quantity)
		totalProfit += (item.Price - product.CostPrice) * float64(item.Quantity)
		lines = append(lines, domain.TransactionLine{
			ProductID:       product.ID,
			Name:            product.Name,
			Quantity:        item.Quantity,
			PriceAtSale:     item.Price,
			CostPriceAtSale: product.CostPrice,
		})
	}
	return lines, totalAmount, totalProfit, nil
}

func (s *Store) CompleteSale(_ context.Context, userID string, items []domain.CartItem, payments []domain.Payment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(items) == 0 || len(payments) == 0 {
		return "", fmt.Errorf("items and payments are required: %w", store.ErrValidation)
	}

	lines, totalAmount, totalProfit, err := s.buildLines(items)
	if err != nil {
		return "", err
	}

	totalPaid := sumPayments(payments)
	if math.Abs(totalAmount-totalPaid) > domain.PaymentEpsilon {
		return "", fmt.Errorf("payments %.2f do not match total %.2f: %w", totalPaid, totalAmount, store.ErrPaymentMismatch)
	}

	scratch, err := s.stageDeductions(items)
	if err != nil {
		return "", err
	}
	s.commitStock(scratch)

	txID := xid.New("tx")
	s.transactions[txID] = &domain.Transaction{
		ID:          txID,
		UserID:      userID,
		TotalAmount: totalAmount,
		TotalProfit: totalProfit,
		Status:      domain.TxStatusCompleted,
		CreatedAt:   time.Now().UTC(),
		Items:       lines,
		Payments:    slices.Clone(payments),
	}
	return txID, nil
}

func (s *Store) HoldSale(_ context.Context, userID string, customerName string, items []domain.CartItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(items) == 0 {
		return "", fmt.Errorf("items are required: %w", store.ErrValidation)
	}
	if strings.TrimSpace(customerName) == "" {
		return "", fmt.Errorf("customer name is required: %w", store.ErrValidation)
	}

	lines, totalAmount, totalProfit, err := s.buildLines(items)
	if err != nil {
		return "", err
	}

	txID := xid.New("tx")
	s.transactions[txID] = &domain.Transaction{
		ID:           txID,
		UserID:       userID,
		TotalAmount:  totalAmount,
		TotalProfit:  totalProfit,
		Status:       domain.TxStatusPending,
		CustomerName: customerName,
		CreatedAt:    time.Now().UTC(),
		Items:        lines,
	}
	return txID, nil
}

func (s *Store) CompletePendingSale(_ context.Context, id string, payments []domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(payments) == 0 {
		return fmt.Errorf("payments are required: %w", store.ErrValidation)
	}

	tx, exists := s.transactions[id]
	if !exists || len(tx.Items) == 0 {
		return fmt.Errorf("transaction %s: %w", id, store.ErrEmptyTransaction)
	}
	if tx.Status != domain.TxStatusPending {
		return fmt.Errorf("transaction %s is %s: %w", id, tx.Status, store.ErrTransactionState)
	}

	totalPaid := sumPayments(payments)
	if math.Abs(tx.TotalAmount-totalPaid) > domain.PaymentEpsilon {
		return fmt.Errorf("payments %.2f do not match total %.2f: %w", totalPaid, tx.TotalAmount, store.ErrPaymentMismatch)
	}

	items := make([]domain.CartItem, 0, len(tx.Items))
	for _, line := range tx.Items {
		items = append(items, domain.CartItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	scratch, err := s.stageDeductions(items)
	if err != nil {
		return err
	}
	s.commitStock(scratch)

	tx.Payments = slices.Clone(payments)
	tx.Status = domain.TxStatusCompleted
	return nil
}

func (s *Store) CancelSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactions[id]
	if !exists {
		return fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	if tx.Status != domain.TxStatusCompleted {
		return fmt.Errorf("transaction %s is %s, only completed transactions can be cancelled: %w", id, tx.Status, store.ErrTransactionState)
	}

	// Resolve every line before restoring anything so a misconfigured bundle
	// leaves stock untouched.
	type restore struct {
		targetID string
		delta    int
	}
	restores := make([]restore, 0, len(tx.Items))
	for _, line := range tx.Items {
		product, exists := s.products[line.ProductID]
		if !exists {
			return fmt.Errorf("product %s missing during restock: %w", line.ProductID, store.ErrUnknownProduct)
		}
		targetID, delta, err := resolveStockTarget(product, line.Quantity)
		if err != nil {
			return err
		}
		if _, exists := s.products[targetID]; !exists {
			return fmt.Errorf("product %s missing during restock: %w", targetID, store.ErrUnknownProduct)
		}
		restores = append(restores, restore{targetID: targetID, delta: delta})
	}

	for _, r := range restores {
		product := s.products[r.targetID]
		product.Stock += r.delta
		s.products[r.targetID] = product
	}

	tx.Status = domain.TxStatusCancelled
	return nil
}

func (s *Store) DeletePendingSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactions[id]
	if !exists || tx.Status != domain.TxStatusPending {
		return fmt.Errorf("pending transaction %s: %w", id, store.ErrNotFound)
	}
	delete(s.transactions, id)
	return nil
}

func (s *Store) ListCompletedSales(_ context.Context) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if tx.Status != domain.TxStatusCompleted && tx.Status != domain.TxStatusCancelled {
			continue
		}
		result = append(result, cloneTransaction(tx))
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ListPendingSales(_ context.Context) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if tx.Status != domain.TxStatusPending {
			continue
		}
		result = append(result, cloneTransaction(tx))
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("username and password are required: %w", store.ErrValidation)
	}
	if _, exists := s.users[user.Username]; exists {
		return fmt.Errorf("user %s: %w", user.Username, store.ErrDuplicate)
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("username and password are required: %w", store.ErrValidation)
	}
	user, exists := s.users[username]
	if !exists {
		return fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func cloneTransaction(tx *domain.Transaction) domain.Transaction {
	clone := *tx
	clone.Items = slices.Clone(tx.Items)
	clone.Payments = slices.Clone(tx.Payments)
	return clone
}

func sumPayments(payments []domain.Payment) float64 {
	var total float64
	for _, payment := range payments {
		total += payment.Amount
	}
	return total
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
