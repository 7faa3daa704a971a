package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for startup migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(barcode, ''), price, cost_price, stock,
		       is_bundle, COALESCE(base_product_id, ''), COALESCE(bundle_quantity, 0), is_active
		FROM products
		WHERE is_active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Barcode, &p.Price, &p.CostPrice, &p.Stock,
			&p.IsBundle, &p.BaseProductID, &p.BundleQuantity, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(barcode, ''), price, cost_price, stock,
		       is_bundle, COALESCE(base_product_id, ''), COALESCE(bundle_quantity, 0), is_active
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Barcode, &p.Price, &p.CostPrice, &p.Stock,
		&p.IsBundle, &p.BaseProductID, &p.BundleQuantity, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price <= 0 || product.CostPrice < 0 || product.Stock < 0 {
		return nil, fmt.Errorf("product fields: %w", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := validateBundleTx(ctx, tx, product); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, barcode, price, cost_price, stock,
			is_bundle, base_product_id, bundle_quantity, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
	`, product.ID, product.Name, nullIfEmpty(product.Barcode), product.Price, product.CostPrice,
		product.Stock, product.IsBundle, nullIfEmpty(product.BaseProductID),
		nullIfZero(product.BundleQuantity), product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("barcode %s: %w", product.Barcode, store.ErrDuplicate)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Price <= 0 || product.CostPrice < 0 || product.Stock < 0 {
		return nil, fmt.Errorf("product fields: %w", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := validateBundleTx(ctx, tx, product); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, barcode = $3, price = $4, cost_price = $5, stock = $6,
			is_bundle = $7, base_product_id = $8, bundle_quantity = $9, updated_at = now()
		WHERE id = $1 AND is_active = true
	`, product.ID, product.Name, nullIfEmpty(product.Barcode), product.Price, product.CostPrice,
		product.Stock, product.IsBundle, nullIfEmpty(product.BaseProductID),
		nullIfZero(product.BundleQuantity))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("barcode %s: %w", product.Barcode, store.ErrDuplicate)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("product %s: %w", product.ID, store.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	product.Active = true
	updated := product
	return &updated, nil
}

func (s *Store) DeactivateProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET is_active = false, updated_at = now()
		WHERE id = $1 AND is_active = true
	`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// validateBundleTx enforces the bundle rules at catalog-write time: a bundle
// must point at an existing, active base product that is not itself a bundle.
func validateBundleTx(ctx context.Context, tx *sql.Tx, product domain.Product) error {
	if !product.IsBundle {
		return nil
	}
	if product.BaseProductID == "" || product.BundleQuantity < 1 {
		return fmt.Errorf("bundle requires base product and positive bundle quantity: %w", store.ErrValidation)
	}
	if product.BaseProductID == product.ID {
		return fmt.Errorf("bundle cannot reference itself: %w", store.ErrValidation)
	}

	var baseIsBundle, baseActive bool
	err := tx.QueryRowContext(ctx, `
		SELECT is_bundle, is_active
		FROM products
		WHERE id = $1
	`, product.BaseProductID).Scan(&baseIsBundle, &baseActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("base product %s does not exist: %w", product.BaseProductID, store.ErrValidation)
		}
		return err
	}
	if !baseActive {
		return fmt.Errorf("base product %s is inactive: %w", product.BaseProductID, store.ErrValidation)
	}
	if baseIsBundle {
		return fmt.Errorf("base product %s is itself a bundle: %w", product.BaseProductID, store.ErrValidation)
	}
	return nil
}

// saleProduct carries the catalog fields the sale engine needs inside one
// database transaction.
type saleProduct struct {
	id             string
	name           string
	costPrice      float64
	isBundle       bool
	baseProductID  string
	bundleQuantity int
}

func fetchSaleProducts(ctx context.Context, tx *sql.Tx, ids []string) (map[string]saleProduct, error) {
	result := make(map[string]saleProduct, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, cost_price, is_bundle, COALESCE(base_product_id, ''), COALESCE(bundle_quantity, 0)
		FROM products
		WHERE is_active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p saleProduct
		if err := rows.Scan(&p.id, &p.name, &p.costPrice, &p.isBundle, &p.baseProductID, &p.bundleQuantity); err != nil {
			return nil, err
		}
		result[p.id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// deductStock applies one cart line's stock movement. Bundles deduct
// bundle_quantity units of the base product per bundle sold; plain products
// deduct their own row. The WHERE stock >= delta guard is what keeps stock
// non-negative under concurrency: zero rows affected means another sale won.
func deductStock(ctx context.Context, tx *sql.Tx, product saleProduct, qty int) error {
	targetID := product.id
	delta := qty
	if product.isBundle {
		if product.baseProductID == "" || product.bundleQuantity < 1 {
			return fmt.Errorf("bundle %s misconfigured: %w", product.name, store.ErrInvalidBundle)
		}
		targetID = product.baseProductID
		delta = product.bundleQuantity * qty
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $1, updated_at = now()
		WHERE id = $2 AND stock >= $1
	`, delta, targetID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("insufficient stock for %s: %w", product.name, store.ErrInsufficientStock)
	}
	return nil
}

// restoreStock reverses deductStock for one recorded line. The addition is
// unguarded: putting stock back cannot violate the non-negative invariant.
func restoreStock(ctx context.Context, tx *sql.Tx, product saleProduct, qty int) error {
	targetID := product.id
	delta := qty
	if product.isBundle {
		if product.baseProductID == "" || product.bundleQuantity < 1 {
			return fmt.Errorf("bundle %s misconfigured: %w", product.name, store.ErrInvalidBundle)
		}
		targetID = product.baseProductID
		delta = product.bundleQuantity * qty
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $1, updated_at = now()
		WHERE id = $2
	`, delta, targetID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %s missing during restock: %w", targetID, store.ErrUnknownProduct)
	}
	return nil
}

func (s *Store) CompleteSale(ctx context.Context, userID string, items []domain.CartItem, payments []domain.Payment) (string, error) {
	if len(items) == 0 || len(payments) == 0 {
		return "", fmt.Errorf("items and payments are required: %w", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := uniqueProductIDs(items)
	productMap, err := fetchSaleProducts(ctx, pgTx, ids)
	if err != nil {
		return "", err
	}

	var totalAmount, totalProfit float64
	lines := make([]domain.TransactionLine, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return "", fmt.Errorf("quantity for %s must be positive: %w", item.ProductID, store.ErrValidation)
		}
		product, exists := productMap[item.ProductID]
		if !exists {
			return "", fmt.Errorf("product %s: %w", item.ProductID, store.ErrUnknownProduct)
		}

		totalAmount += item.Price * float64(item.Quantity)
		totalProfit += (item.Price - product.costPrice) * float64(item.Quantity)
		lines = append(lines, domain.TransactionLine{
			ProductID:       product.id,
			Name:            product.name,
			Quantity:        item.Quantity,
			PriceAtSale:     item.Price,
			CostPriceAtSale: product.costPrice,
		})
	}

	totalPaid := sumPayments(payments)
	if math.Abs(totalAmount-totalPaid) > domain.PaymentEpsilon {
		return "", fmt.Errorf("payments %.2f do not match total %.2f: %w", totalPaid, totalAmount, store.ErrPaymentMismatch)
	}

	txID := xid.New("tx")
	createdAt := time.Now().UTC()
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, total_amount, total_profit, status, customer_name, created_at)
		VALUES ($1,$2,$3,$4,$5,NULL,$6)
	`, txID, userID, totalAmount, totalProfit, domain.TxStatusCompleted, createdAt)
	if err != nil {
		return "", err
	}

	for _, line := range lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, product_id, name, quantity, price_at_sale, cost_price_at_sale)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, txID, line.ProductID, line.Name, line.Quantity, line.PriceAtSale, line.CostPriceAtSale)
		if err != nil {
			return "", err
		}
	}

	if err := insertPayments(ctx, pgTx, txID, payments); err != nil {
		return "", err
	}

	for _, item := range items {
		if err := deductStock(ctx, pgTx, productMap[item.ProductID], item.Quantity); err != nil {
			return "", err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return "", err
	}

	return txID, nil
}

func (s *Store) HoldSale(ctx context.Context, userID string, customerName string, items []domain.CartItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("items are required: %w", store.ErrValidation)
	}
	if strings.TrimSpace(customerName) == "" {
		return "", fmt.Errorf("customer name is required: %w", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := uniqueProductIDs(items)
	productMap, err := fetchSaleProducts(ctx, pgTx, ids)
	if err != nil {
		return "", err
	}

	var totalAmount, totalProfit float64
	lines := make([]domain.TransactionLine, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return "", fmt.Errorf("quantity for %s must be positive: %w", item.ProductID, store.ErrValidation)
		}
		product, exists := productMap[item.ProductID]
		if !exists {
			return "", fmt.Errorf("product %s: %w", item.ProductID, store.ErrUnknownProduct)
		}

		totalAmount += item.Price * float64(item.Quantity)
		totalProfit += (item.Price - product.costPrice) * float64(item.Quantity)
		lines = append(lines, domain.TransactionLine{
			ProductID:       product.id,
			Name:            product.name,
			Quantity:        item.Quantity,
			PriceAtSale:     item.Price,
			CostPriceAtSale: product.costPrice,
		})
	}

	txID := xid.New("tx")
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, total_amount, total_profit, status, customer_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, txID, userID, totalAmount, totalProfit, domain.TxStatusPending, customerName, time.Now().UTC())
	if err != nil {
		return "", err
	}

	for _, line := range lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, product_id, name, quantity, price_at_sale, cost_price_at_sale)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, txID, line.ProductID, line.Name, line.Quantity, line.PriceAtSale, line.CostPriceAtSale)
		if err != nil {
			return "", err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return "", err
	}

	return txID, nil
}

func (s *Store) CompletePendingSale(ctx context.Context, id string, payments []domain.Payment) error {
	if len(payments) == 0 {
		return fmt.Errorf("payments are required: %w", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	var totalAmount float64
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, total_amount
		FROM transactions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status, &totalAmount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", id, store.ErrEmptyTransaction)
		}
		return err
	}
	if status != domain.TxStatusPending {
		return fmt.Errorf("transaction %s is %s: %w", id, status, store.ErrTransactionState)
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT ti.product_id, ti.quantity, p.name, p.cost_price, p.is_bundle,
		       COALESCE(p.base_product_id, ''), COALESCE(p.bundle_quantity, 0)
		FROM transaction_items ti
		JOIN products p ON p.id = ti.product_id
		WHERE ti.transaction_id = $1
	`, id)
	if err != nil {
		return err
	}
	type pendingLine struct {
		product saleProduct
		qty     int
	}
	lines := make([]pendingLine, 0, 8)
	for itemRows.Next() {
		var line pendingLine
		if err := itemRows.Scan(&line.product.id, &line.qty, &line.product.name, &line.product.costPrice,
			&line.product.isBundle, &line.product.baseProductID, &line.product.bundleQuantity); err != nil {
			_ = itemRows.Close()
			return err
		}
		lines = append(lines, line)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	if len(lines) == 0 {
		return fmt.Errorf("transaction %s: %w", id, store.ErrEmptyTransaction)
	}

	totalPaid := sumPayments(payments)
	if math.Abs(totalAmount-totalPaid) > domain.PaymentEpsilon {
		return fmt.Errorf("payments %.2f do not match total %.2f: %w", totalPaid, totalAmount, store.ErrPaymentMismatch)
	}

	for _, line := range lines {
		if err := deductStock(ctx, pgTx, line.product, line.qty); err != nil {
			return err
		}
	}

	if err := insertPayments(ctx, pgTx, id, payments); err != nil {
		return err
	}

	res, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2
		WHERE id = $1 AND status = $3
	`, id, domain.TxStatusCompleted, domain.TxStatusPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("transaction %s: %w", id, store.ErrTransactionState)
	}

	return pgTx.Commit()
}

func (s *Store) CancelSale(ctx context.Context, id string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM transactions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
		}
		return err
	}
	if status != domain.TxStatusCompleted {
		return fmt.Errorf("transaction %s is %s, only completed transactions can be cancelled: %w", id, status, store.ErrTransactionState)
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT ti.product_id, ti.quantity, p.name, p.is_bundle,
		       COALESCE(p.base_product_id, ''), COALESCE(p.bundle_quantity, 0)
		FROM transaction_items ti
		JOIN products p ON p.id = ti.product_id
		WHERE ti.transaction_id = $1
	`, id)
	if err != nil {
		return err
	}
	type cancelLine struct {
		product saleProduct
		qty     int
	}
	lines := make([]cancelLine, 0, 8)
	for itemRows.Next() {
		var line cancelLine
		if err := itemRows.Scan(&line.product.id, &line.qty, &line.product.name,
			&line.product.isBundle, &line.product.baseProductID, &line.product.bundleQuantity); err != nil {
			_ = itemRows.Close()
			return err
		}
		lines = append(lines, line)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	for _, line := range lines {
		if err := restoreStock(ctx, pgTx, line.product, line.qty); err != nil {
			return err
		}
	}

	res, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2
		WHERE id = $1 AND status = $3
	`, id, domain.TxStatusCancelled, domain.TxStatusCompleted)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("transaction %s: %w", id, store.ErrTransactionState)
	}

	return pgTx.Commit()
}

func (s *Store) DeletePendingSale(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE id = $1 AND status = $2
	`, id, domain.TxStatusPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("pending transaction %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListCompletedSales(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.total_amount, t.total_profit, t.status, COALESCE(t.customer_name, ''), t.created_at,
		       ti.product_id, ti.name, ti.quantity, ti.price_at_sale, ti.cost_price_at_sale,
		       COALESCE((
		           SELECT string_agg(tp.method || ':' || tp.amount::text, ';' ORDER BY tp.id)
		           FROM transaction_payments tp
		           WHERE tp.transaction_id = t.id
		       ), '')
		FROM transactions t
		JOIN transaction_items ti ON ti.transaction_id = t.id
		WHERE t.status IN ($1, $2)
		ORDER BY t.created_at DESC, t.id, ti.id
	`, domain.TxStatusCompleted, domain.TxStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return groupSaleRows(rows, true)
}

func (s *Store) ListPendingSales(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.total_amount, t.total_profit, t.status, COALESCE(t.customer_name, ''), t.created_at,
		       ti.product_id, ti.name, ti.quantity, ti.price_at_sale, ti.cost_price_at_sale,
		       ''
		FROM transactions t
		JOIN transaction_items ti ON ti.transaction_id = t.id
		WHERE t.status = $1
		ORDER BY t.created_at ASC, t.id, ti.id
	`, domain.TxStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return groupSaleRows(rows, false)
}

// groupSaleRows folds the flat transaction/item join back into nested
// transactions, preserving row order.
func groupSaleRows(rows *sql.Rows, withPayments bool) ([]domain.Transaction, error) {
	transactions := make([]domain.Transaction, 0, 32)
	index := make(map[string]int, 32)

	for rows.Next() {
		var (
			tx       domain.Transaction
			line     domain.TransactionLine
			payments string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.TotalAmount, &tx.TotalProfit, &tx.Status,
			&tx.CustomerName, &tx.CreatedAt,
			&line.ProductID, &line.Name, &line.Quantity, &line.PriceAtSale, &line.CostPriceAtSale,
			&payments); err != nil {
			return nil, err
		}
		tx.CreatedAt = tx.CreatedAt.UTC()

		pos, seen := index[tx.ID]
		if !seen {
			tx.Items = make([]domain.TransactionLine, 0, 4)
			if withPayments {
				tx.Payments = parsePayments(payments)
			}
			transactions = append(transactions, tx)
			pos = len(transactions) - 1
			index[tx.ID] = pos
		}
		transactions[pos].Items = append(transactions[pos].Items, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

// parsePayments decodes the "method:amount;method:amount" aggregate produced
// by ListCompletedSales. Malformed pairs are dropped rather than failing the
// whole listing.
func parsePayments(agg string) []domain.Payment {
	if agg == "" {
		return nil
	}
	parts := strings.Split(agg, ";")
	payments := make([]domain.Payment, 0, len(parts))
	for _, part := range parts {
		method, rawAmount, ok := strings.Cut(part, ":")
		if !ok || method == "" {
			continue
		}
		amount, err := strconv.ParseFloat(rawAmount, 64)
		if err != nil {
			continue
		}
		payments = append(payments, domain.Payment{Method: method, Amount: amount})
	}
	if len(payments) == 0 {
		return nil
	}
	return payments
}

func insertPayments(ctx context.Context, tx *sql.Tx, txID string, payments []domain.Payment) error {
	for _, payment := range payments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_payments (transaction_id, method, amount)
			VALUES ($1,$2,$3)
		`, txID, payment.Method, payment.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("username and password are required: %w", store.ErrValidation)
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Username, store.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("username and password are required: %w", store.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	return nil
}

func sumPayments(payments []domain.Payment) float64 {
	var total float64
	for _, payment := range payments {
		total += payment.Amount
	}
	return total
}

func uniqueProductIDs(items []domain.CartItem) []string {
	if len(items) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		set[item.ProductID] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfZero(val int) any {
	if val == 0 {
		return nil
	}
	return val
}
