package service

import (
	"context"
	"errors"
	"testing"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	return New(repo, nil, 0), repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func mustCreateProduct(t *testing.T, repo *memory.Store, p domain.Product) domain.Product {
	t.Helper()
	created, err := repo.CreateProduct(context.Background(), p)
	if err != nil {
		t.Fatalf("create product %s: %v", p.Name, err)
	}
	return *created
}

func stockOf(t *testing.T, repo *memory.Store, id string) int {
	t.Helper()
	p, err := repo.GetProductByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get product %s: %v", id, err)
	}
	return p.Stock
}

func TestCompleteSaleDeductsStockAndRecordsPayments(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	txID, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items:    []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 3}},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 100}, {Method: domain.PaymentMpesa, Amount: 50}},
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	if txID == "" {
		t.Fatalf("expected transaction id")
	}

	if got := stockOf(t, repo, soda.ID); got != 7 {
		t.Fatalf("expected stock 7 after sale, got %d", got)
	}

	sales, err := svc.ListCompletedSales(context.Background())
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 1 {
		t.Fatalf("expected 1 completed sale, got %d", len(sales))
	}
	tx := sales[0]
	if tx.ID != txID || tx.Status != domain.TxStatusCompleted {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if tx.TotalAmount != 150 {
		t.Fatalf("expected total 150, got %.2f", tx.TotalAmount)
	}
	if tx.TotalProfit != 45 {
		t.Fatalf("expected profit 45, got %.2f", tx.TotalProfit)
	}
	if len(tx.Payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(tx.Payments))
	}
	if tx.UserID != "cashier" {
		t.Fatalf("expected sale attributed to cashier, got %q", tx.UserID)
	}
}

func TestCompleteSalePaymentEpsilon(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	// Off by exactly the tolerance: accepted.
	_, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items:    []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 50.01}},
	})
	if err != nil {
		t.Fatalf("expected sale within epsilon to succeed, got %v", err)
	}

	// Off by more than the tolerance: rejected, no stock movement.
	before := stockOf(t, repo, soda.ID)
	_, err = svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items:    []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 50.02}},
	})
	if !errors.Is(err, store.ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != before {
		t.Fatalf("expected stock unchanged on payment mismatch, got %d want %d", got, before)
	}
}

func TestCompleteSaleInsufficientStockIsAtomic(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})
	bread := mustCreateProduct(t, repo, domain.Product{Name: "Bread 400g", Price: 65, CostPrice: 52, Stock: 1})

	// Second line is short. The first line must not be deducted either.
	_, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartItem{
			{ProductID: soda.ID, Price: 50, Quantity: 2},
			{ProductID: bread.ID, Price: 65, Quantity: 5},
		},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 425}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != 10 {
		t.Fatalf("expected soda stock untouched, got %d", got)
	}
	if got := stockOf(t, repo, bread.ID); got != 1 {
		t.Fatalf("expected bread stock untouched, got %d", got)
	}

	sales, _ := svc.ListCompletedSales(context.Background())
	if len(sales) != 0 {
		t.Fatalf("expected no transaction recorded, got %d", len(sales))
	}
}

func TestCompleteSaleBundleDeductsFromBase(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 100})
	crate := mustCreateProduct(t, repo, domain.Product{
		Name: "Soda Crate", Price: 1100, CostPrice: 840, Stock: 0,
		IsBundle: true, BaseProductID: soda.ID, BundleQuantity: 24,
	})

	_, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items:    []domain.CartItem{{ProductID: crate.ID, Price: 1100, Quantity: 2}},
		Payments: []domain.Payment{{Method: domain.PaymentCard, Amount: 2200}},
	})
	if err != nil {
		t.Fatalf("bundle sale: %v", err)
	}

	if got := stockOf(t, repo, soda.ID); got != 52 {
		t.Fatalf("expected base stock 52 (100 - 2*24), got %d", got)
	}
	if got := stockOf(t, repo, crate.ID); got != 0 {
		t.Fatalf("expected bundle stock untouched, got %d", got)
	}
}

func TestCompleteSaleBundleAndBaseShareStock(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 25})
	crate := mustCreateProduct(t, repo, domain.Product{
		Name: "Soda Crate", Price: 1100, CostPrice: 840, Stock: 0,
		IsBundle: true, BaseProductID: soda.ID, BundleQuantity: 24,
	})

	// 24 + 2 > 25: collectively too large even though each line fits alone.
	_, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartItem{
			{ProductID: crate.ID, Price: 1100, Quantity: 1},
			{ProductID: soda.ID, Price: 50, Quantity: 2},
		},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 1200}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock for shared base, got %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != 25 {
		t.Fatalf("expected stock unchanged, got %d", got)
	}
}

func TestCompleteSaleUnknownProduct(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items:    []domain.CartItem{{ProductID: "prod-missing", Price: 10, Quantity: 1}},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 10}},
	})
	if !errors.Is(err, store.ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
}

func TestCompleteSaleValidation(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	cases := []struct {
		name string
		req  domain.SaleRequest
	}{
		{"no items", domain.SaleRequest{Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 1}}}},
		{"no payments", domain.SaleRequest{Items: []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}}}},
		{"zero quantity", domain.SaleRequest{
			Items:    []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 0}},
			Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 0.01}},
		}},
		{"unsupported method", domain.SaleRequest{
			Items:    []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
			Payments: []domain.Payment{{Method: "cheque", Amount: 50}},
		}},
		{"non-positive payment", domain.SaleRequest{
			Items:    []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
			Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 0}},
		}},
	}
	for _, tc := range cases {
		if _, err := svc.CompleteSale(cashierCtx(), tc.req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestHoldSaleDefersStock(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	txID, err := svc.HoldSale(cashierCtx(), domain.HoldSaleRequest{
		Items:        []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 4}},
		CustomerName: "Wanjiku",
	})
	if err != nil {
		t.Fatalf("hold sale: %v", err)
	}

	if got := stockOf(t, repo, soda.ID); got != 10 {
		t.Fatalf("expected stock untouched by hold, got %d", got)
	}

	pending, err := svc.ListPendingSales(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != txID {
		t.Fatalf("expected held transaction in pending list, got %+v", pending)
	}
	if pending[0].CustomerName != "Wanjiku" {
		t.Fatalf("expected customer name preserved, got %q", pending[0].CustomerName)
	}
	if pending[0].TotalAmount != 200 {
		t.Fatalf("expected held total 200, got %.2f", pending[0].TotalAmount)
	}
	if len(pending[0].Payments) != 0 {
		t.Fatalf("expected no payments on a held sale")
	}
}

func TestHoldSaleRequiresCustomerName(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	_, err := svc.HoldSale(cashierCtx(), domain.HoldSaleRequest{
		Items:        []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
		CustomerName: "   ",
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank customer, got %v", err)
	}
}

func TestCompletePendingSaleDeductsOnceAndGuardsDoubleCompletion(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	txID, err := svc.HoldSale(cashierCtx(), domain.HoldSaleRequest{
		Items:        []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 4}},
		CustomerName: "Wanjiku",
	})
	if err != nil {
		t.Fatalf("hold sale: %v", err)
	}

	payments := domain.CompletePendingRequest{Payments: []domain.Payment{{Method: domain.PaymentMpesa, Amount: 200}}}
	if err := svc.CompletePendingSale(context.Background(), txID, payments); err != nil {
		t.Fatalf("complete pending: %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != 6 {
		t.Fatalf("expected stock 6 after completion, got %d", got)
	}

	// Second completion must fail and must not deduct again.
	err = svc.CompletePendingSale(context.Background(), txID, payments)
	if !errors.Is(err, store.ErrTransactionState) {
		t.Fatalf("expected ErrTransactionState on double completion, got %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != 6 {
		t.Fatalf("expected stock still 6 after failed double completion, got %d", got)
	}
}

func TestCompletePendingSalePaymentMismatch(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	txID, err := svc.HoldSale(cashierCtx(), domain.HoldSaleRequest{
		Items:        []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 4}},
		CustomerName: "Wanjiku",
	})
	if err != nil {
		t.Fatalf("hold sale: %v", err)
	}

	err = svc.CompletePendingSale(context.Background(), txID, domain.CompletePendingRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 150}},
	})
	if !errors.Is(err, store.ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != 10 {
		t.Fatalf("expected stock unchanged on mismatch, got %d", got)
	}
}

func TestCompletePendingSaleMissingTransaction(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.CompletePendingSale(context.Background(), "tx-missing", domain.CompletePendingRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 10}},
	})
	if !errors.Is(err, store.ErrEmptyTransaction) {
		t.Fatalf("expected ErrEmptyTransaction, got %v", err)
	}
}

func TestCancelSaleRestoresStock(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 100})
	crate := mustCreateProduct(t, repo, domain.Product{
		Name: "Soda Crate", Price: 1100, CostPrice: 840, Stock: 0,
		IsBundle: true, BaseProductID: soda.ID, BundleQuantity: 24,
	})

	txID, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartItem{
			{ProductID: crate.ID, Price: 1100, Quantity: 1},
			{ProductID: soda.ID, Price: 50, Quantity: 6},
		},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 1400}},
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != 70 {
		t.Fatalf("expected stock 70 after sale, got %d", got)
	}

	if err := svc.CancelSale(context.Background(), txID); err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != 100 {
		t.Fatalf("expected stock fully restored to 100, got %d", got)
	}

	sales, _ := svc.ListCompletedSales(context.Background())
	if len(sales) != 1 || sales[0].Status != domain.TxStatusCancelled {
		t.Fatalf("expected cancelled transaction kept in ledger, got %+v", sales)
	}
}

func TestCancelSaleOnlyFromCompleted(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	heldID, err := svc.HoldSale(cashierCtx(), domain.HoldSaleRequest{
		Items:        []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
		CustomerName: "Wanjiku",
	})
	if err != nil {
		t.Fatalf("hold sale: %v", err)
	}

	if err := svc.CancelSale(context.Background(), heldID); !errors.Is(err, store.ErrTransactionState) {
		t.Fatalf("expected ErrTransactionState cancelling a pending sale, got %v", err)
	}

	if err := svc.CancelSale(context.Background(), "tx-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}

	soldID, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items:    []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 50}},
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	if err := svc.CancelSale(context.Background(), soldID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := svc.CancelSale(context.Background(), soldID); !errors.Is(err, store.ErrTransactionState) {
		t.Fatalf("expected ErrTransactionState on double cancel, got %v", err)
	}
	if got := stockOf(t, repo, soda.ID); got != 10 {
		t.Fatalf("expected stock restored exactly once, got %d", got)
	}
}

func TestDeletePendingSale(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	heldID, err := svc.HoldSale(cashierCtx(), domain.HoldSaleRequest{
		Items:        []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
		CustomerName: "Wanjiku",
	})
	if err != nil {
		t.Fatalf("hold sale: %v", err)
	}

	if err := svc.DeletePendingSale(context.Background(), heldID); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	pending, _ := svc.ListPendingSales(context.Background())
	if len(pending) != 0 {
		t.Fatalf("expected pending list empty after delete, got %d", len(pending))
	}

	soldID, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items:    []domain.CartItem{{ProductID: soda.ID, Price: 50, Quantity: 1}},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 50}},
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	if err := svc.DeletePendingSale(context.Background(), soldID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting a completed sale, got %v", err)
	}
}

func TestCreateProductBundleValidation(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})
	crate := mustCreateProduct(t, repo, domain.Product{
		Name: "Soda Crate", Price: 1100, CostPrice: 840, Stock: 0,
		IsBundle: true, BaseProductID: soda.ID, BundleQuantity: 24,
	})

	cases := []struct {
		name string
		req  domain.ProductCreateRequest
	}{
		{"missing base", domain.ProductCreateRequest{Name: "Ghost Pack", Price: 10, IsBundle: true, BaseProductID: "prod-missing", BundleQuantity: 6}},
		{"zero bundle quantity", domain.ProductCreateRequest{Name: "Empty Pack", Price: 10, IsBundle: true, BaseProductID: soda.ID, BundleQuantity: 0}},
		{"bundle of a bundle", domain.ProductCreateRequest{Name: "Crate of Crates", Price: 10, IsBundle: true, BaseProductID: crate.ID, BundleQuantity: 2}},
	}
	for _, tc := range cases {
		if _, err := svc.CreateProduct(adminCtx(), tc.req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestCatalogWritesRequireAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{Name: "Soda", Price: 50})
	if err == nil {
		t.Fatalf("expected cashier product creation to fail")
	}
	if err := svc.DeleteProduct(cashierCtx(), "prod-any"); err == nil {
		t.Fatalf("expected cashier product delete to fail")
	}
}

func TestDeleteProductSoftDeletes(t *testing.T) {
	svc, repo := newTestService(t)
	soda := mustCreateProduct(t, repo, domain.Product{Name: "Soda 300ml", Price: 50, CostPrice: 35, Stock: 10})

	if err := svc.DeleteProduct(adminCtx(), soda.ID); err != nil {
		t.Fatalf("delete product: %v", err)
	}

	products, err := svc.ListProducts(context.Background())
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) != 0 {
		t.Fatalf("expected deactivated product hidden from listing, got %d", len(products))
	}

	// The row survives for historical transactions.
	p, err := repo.GetProductByID(context.Background(), soda.ID)
	if err != nil {
		t.Fatalf("expected soft-deleted product still readable, got %v", err)
	}
	if p.Active {
		t.Fatalf("expected product inactive after delete")
	}
}
