package domain

import "time"

type Product struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Barcode        string  `json:"barcode,omitempty"`
	Price          float64 `json:"price"`
	CostPrice      float64 `json:"costPrice"`
	Stock          int     `json:"stock"`
	IsBundle       bool    `json:"is_bundle"`
	BaseProductID  string  `json:"base_product_id,omitempty"`
	BundleQuantity int     `json:"bundle_quantity,omitempty"`
	Active         bool    `json:"is_active"`
}

type ProductCreateRequest struct {
	Name           string  `json:"name"`
	Barcode        string  `json:"barcode"`
	Price          float64 `json:"price"`
	CostPrice      float64 `json:"costPrice"`
	Stock          int     `json:"stock"`
	IsBundle       bool    `json:"is_bundle"`
	BaseProductID  string  `json:"base_product_id"`
	BundleQuantity int     `json:"bundle_quantity"`
}

// ProductUpdateRequest is a full replacement; the product endpoint uses PUT
// semantics rather than patch.
type ProductUpdateRequest struct {
	Name           string  `json:"name"`
	Barcode        string  `json:"barcode"`
	Price          float64 `json:"price"`
	CostPrice      float64 `json:"costPrice"`
	Stock          int     `json:"stock"`
	IsBundle       bool    `json:"is_bundle"`
	BaseProductID  string  `json:"base_product_id"`
	BundleQuantity int     `json:"bundle_quantity"`
}

// CartItem is a client-supplied cart line. Price is the unit price actually
// charged at the register; the catalog cost price is always re-fetched
// server-side when the sale is reconciled.
type CartItem struct {
	ProductID string  `json:"id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type Payment struct {
	Method string  `json:"method"`
	Amount float64 `json:"amount"`
}

type SaleRequest struct {
	Items    []CartItem `json:"items"`
	Payments []Payment  `json:"payments"`
}

type HoldSaleRequest struct {
	Items        []CartItem `json:"items"`
	CustomerName string     `json:"customerName"`
}

type CompletePendingRequest struct {
	Payments []Payment `json:"payments"`
}

// TransactionLine is a frozen snapshot of a sold item: price and cost are
// captured at the moment of sale and never follow later catalog changes.
type TransactionLine struct {
	ProductID       string  `json:"id"`
	Name            string  `json:"name"`
	Quantity        int     `json:"quantity"`
	PriceAtSale     float64 `json:"price"`
	CostPriceAtSale float64 `json:"costPrice"`
}

type Transaction struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id,omitempty"`
	TotalAmount  float64           `json:"total"`
	TotalProfit  float64           `json:"profit"`
	Status       string            `json:"status"`
	CustomerName string            `json:"customerName,omitempty"`
	CreatedAt    time.Time         `json:"timestamp"`
	Items        []TransactionLine `json:"items"`
	Payments     []Payment         `json:"payments,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserInfo struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusCancelled = "cancelled"
)

const (
	PaymentCash  = "cash"
	PaymentMpesa = "mpesa"
	PaymentCard  = "card"
)

// PaymentEpsilon is the tolerance used when reconciling the sum of payments
// against a transaction total.
const PaymentEpsilon = 0.01

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentMpesa, PaymentCard:
		return true
	}
	return false
}
