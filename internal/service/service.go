package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const catalogCacheKey = "dukapos:catalog"

type Service struct {
	repo       store.Repository
	catalog    cache.ProductCache
	catalogTTL time.Duration
}

func New(repo store.Repository, catalog cache.ProductCache, catalogTTL time.Duration) *Service {
	if catalog == nil {
		catalog = cache.NoopProductCache{}
	}
	if catalogTTL <= 0 {
		catalogTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		catalog:    catalog,
		catalogTTL: catalogTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	cached, hit, err := s.catalog.Get(ctx, catalogCacheKey)
	if err != nil {
		log.Printf("[service] WARN: catalog cache read failed: %v", err)
	}
	if hit {
		return cached, nil
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Set(ctx, catalogCacheKey, products, s.catalogTTL); err != nil {
		log.Printf("[service] WARN: catalog cache write failed: %v", err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, fmt.Errorf("product id is required: %w", store.ErrValidation)
	}
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if req.Name == "" {
		return domain.Product{}, fmt.Errorf("product name is required: %w", store.ErrValidation)
	}
	if req.Price <= 0 || req.CostPrice < 0 || req.Stock < 0 {
		return domain.Product{}, fmt.Errorf("price must be positive and cost/stock non-negative: %w", store.ErrValidation)
	}

	product := domain.Product{
		Name:           req.Name,
		Barcode:        req.Barcode,
		Price:          req.Price,
		CostPrice:      req.CostPrice,
		Stock:          req.Stock,
		IsBundle:       req.IsBundle,
		BaseProductID:  strings.TrimSpace(req.BaseProductID),
		BundleQuantity: req.BundleQuantity,
		Active:         true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateCatalog(ctx)
	log.Printf("[service] product created id=%s name=%q by=%s", created.ID, created.Name, actor.Username)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, fmt.Errorf("product id is required: %w", store.ErrValidation)
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Product{}, fmt.Errorf("product name is required: %w", store.ErrValidation)
	}
	if req.Price <= 0 || req.CostPrice < 0 || req.Stock < 0 {
		return domain.Product{}, fmt.Errorf("price must be positive and cost/stock non-negative: %w", store.ErrValidation)
	}

	product := domain.Product{
		ID:             id,
		Name:           req.Name,
		Barcode:        strings.TrimSpace(req.Barcode),
		Price:          req.Price,
		CostPrice:      req.CostPrice,
		Stock:          req.Stock,
		IsBundle:       req.IsBundle,
		BaseProductID:  strings.TrimSpace(req.BaseProductID),
		BundleQuantity: req.BundleQuantity,
	}

	updated, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateCatalog(ctx)
	log.Printf("[service] product updated id=%s by=%s", updated.ID, actor.Username)
	return *updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("product id is required: %w", store.ErrValidation)
	}
	if err := s.repo.DeactivateProduct(ctx, id); err != nil {
		return err
	}

	s.invalidateCatalog(ctx)
	log.Printf("[service] product deactivated id=%s by=%s", id, actor.Username)
	return nil
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: catalog cache invalidation failed: %v", err)
	}
}

func (s *Service) CompleteSale(ctx context.Context, req domain.SaleRequest) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return "", fmt.Errorf("authenticated user required")
	}

	if err := validateItems(req.Items); err != nil {
		return "", err
	}
	if err := validatePayments(req.Payments); err != nil {
		return "", err
	}

	txID, err := s.repo.CompleteSale(ctx, actor.Username, req.Items, req.Payments)
	if err != nil {
		return "", err
	}

	log.Printf("[service] sale completed id=%s items=%d by=%s", txID, len(req.Items), actor.Username)
	return txID, nil
}

func (s *Service) HoldSale(ctx context.Context, req domain.HoldSaleRequest) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return "", fmt.Errorf("authenticated user required")
	}

	if err := validateItems(req.Items); err != nil {
		return "", err
	}
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if req.CustomerName == "" {
		return "", fmt.Errorf("customer name is required: %w", store.ErrValidation)
	}

	txID, err := s.repo.HoldSale(ctx, actor.Username, req.CustomerName, req.Items)
	if err != nil {
		return "", err
	}

	log.Printf("[service] sale held id=%s customer=%q by=%s", txID, req.CustomerName, actor.Username)
	return txID, nil
}

func (s *Service) CompletePendingSale(ctx context.Context, id string, req domain.CompletePendingRequest) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("transaction id is required: %w", store.ErrValidation)
	}
	if err := validatePayments(req.Payments); err != nil {
		return err
	}

	if err := s.repo.CompletePendingSale(ctx, id, req.Payments); err != nil {
		return err
	}

	log.Printf("[service] pending sale completed id=%s", id)
	return nil
}

func (s *Service) CancelSale(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("transaction id is required: %w", store.ErrValidation)
	}

	if err := s.repo.CancelSale(ctx, id); err != nil {
		return err
	}

	log.Printf("[service] sale cancelled id=%s", id)
	return nil
}

func (s *Service) DeletePendingSale(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("transaction id is required: %w", store.ErrValidation)
	}

	if err := s.repo.DeletePendingSale(ctx, id); err != nil {
		return err
	}

	log.Printf("[service] pending sale deleted id=%s", id)
	return nil
}

func (s *Service) ListCompletedSales(ctx context.Context) ([]domain.Transaction, error) {
	return s.repo.ListCompletedSales(ctx)
}

func (s *Service) ListPendingSales(ctx context.Context) ([]domain.Transaction, error) {
	return s.repo.ListPendingSales(ctx)
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserInfo, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	accounts, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	users := make([]domain.UserInfo, 0, len(accounts))
	for _, account := range accounts {
		users = append(users, domain.UserInfo{
			Username:  account.Username,
			Role:      account.Role,
			Active:    account.Active,
			CreatedAt: account.CreatedAt,
		})
	}
	return users, nil
}

func validateItems(items []domain.CartItem) error {
	if len(items) == 0 {
		return fmt.Errorf("at least one item is required: %w", store.ErrValidation)
	}
	for _, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("item product id is required: %w", store.ErrValidation)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("quantity for %s must be positive: %w", item.ProductID, store.ErrValidation)
		}
		if item.Price < 0 {
			return fmt.Errorf("price for %s cannot be negative: %w", item.ProductID, store.ErrValidation)
		}
	}
	return nil
}

func validatePayments(payments []domain.Payment) error {
	if len(payments) == 0 {
		return fmt.Errorf("at least one payment is required: %w", store.ErrValidation)
	}
	for _, payment := range payments {
		if !domain.IsSupportedPaymentMethod(payment.Method) {
			return fmt.Errorf("unsupported payment method %q: %w", payment.Method, store.ErrValidation)
		}
		if payment.Amount <= 0 {
			return fmt.Errorf("payment amount must be positive: %w", store.ErrValidation)
		}
	}
	return nil
}
