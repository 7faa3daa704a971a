package store

import (
	"context"
	"errors"

	"dukapos/backend/internal/domain"
)

// Tagged failure kinds for the sale engine and catalog. Every error returned
// by a Repository wraps exactly one of these, so callers classify with
// errors.Is instead of inspecting messages.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("duplicate")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrPaymentMismatch   = errors.New("payment mismatch")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidBundle     = errors.New("invalid bundle configuration")
	ErrTransactionState  = errors.New("invalid transaction state")
	ErrEmptyTransaction  = errors.New("transaction has no items or does not exist")
)

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeactivateProduct(ctx context.Context, id string) error

	// CompleteSale atomically records an immediate sale: recompute totals
	// from the catalog cost, reconcile payments against the total, deduct
	// stock (bundles deduct from their base product) and persist the
	// transaction as completed. Returns the new transaction id.
	CompleteSale(ctx context.Context, userID string, items []domain.CartItem, payments []domain.Payment) (string, error)

	// HoldSale records a pending transaction with computed totals but no
	// stock movement and no payments.
	HoldSale(ctx context.Context, userID string, customerName string, items []domain.CartItem) (string, error)

	// CompletePendingSale finalizes a held transaction: locks it, verifies
	// it is still pending, reconciles payments against the held total,
	// deducts stock and flips the status to completed.
	CompletePendingSale(ctx context.Context, id string, payments []domain.Payment) error

	// CancelSale reverses a completed transaction: restores stock (bundles
	// restore to their base product) and marks it cancelled. Rows are kept
	// for audit.
	CancelSale(ctx context.Context, id string) error

	DeletePendingSale(ctx context.Context, id string) error
	ListCompletedSales(ctx context.Context) ([]domain.Transaction, error)
	ListPendingSales(ctx context.Context) ([]domain.Transaction, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
