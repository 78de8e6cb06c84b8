package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        int64           `json:"id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Cost      decimal.Decimal `json:"cost"`
	StockQty  decimal.Decimal `json:"stock_qty"`
	StockMin  decimal.Decimal `json:"stock_min"`
	Weighable bool            `json:"weighable"`
	SaleUnit  string          `json:"sale_unit"`
	Active    bool            `json:"active"`
}

type Actor struct {
	Username string
	Role     string
}

type PromotionKind string

const (
	PromotionNPayM      PromotionKind = "N_PAY_M"
	PromotionNthPercent PromotionKind = "NTH_PERCENT"
	PromotionCombo      PromotionKind = "COMBO"
)

// PromotionRule is a single-product rule. M is used by N_PAY_M, Percent by NTH_PERCENT.
type PromotionRule struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	ProductID int64           `json:"product_id"`
	Kind      PromotionKind   `json:"kind"`
	N         int64           `json:"n"`
	M         int64           `json:"m,omitempty"`
	Percent   decimal.Decimal `json:"percent"`
	Enabled   bool            `json:"enabled"`
	ValidFrom *time.Time      `json:"valid_from,omitempty"`
	ValidTo   *time.Time      `json:"valid_to,omitempty"`
}

type ComboItem struct {
	ProductID int64           `json:"product_id"`
	Qty       decimal.Decimal `json:"qty"`
}

type ComboPromotion struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Items     []ComboItem     `json:"items"`
	Enabled   bool            `json:"enabled"`
	ValidFrom *time.Time      `json:"valid_from,omitempty"`
	ValidTo   *time.Time      `json:"valid_to,omitempty"`
}

type CartLine struct {
	ProductID       int64            `json:"product_id"`
	Quantity        decimal.Decimal  `json:"quantity"`
	ListUnitPrice   decimal.Decimal  `json:"list_unit_price"`
	ManualUnitPrice *decimal.Decimal `json:"manual_unit_price,omitempty"`
	Weighable       bool             `json:"weighable"`
}

type AppliedPromotion struct {
	Kind        PromotionKind   `json:"kind"`
	PromotionID int64           `json:"promotion_id"`
	Name        string          `json:"name"`
	Amount      decimal.Decimal `json:"amount"`
}

type PricedLine struct {
	CartLine
	UnitPrice        decimal.Decimal    `json:"unit_price"`
	Gross            decimal.Decimal    `json:"gross"`
	Discount         decimal.Decimal    `json:"discount"`
	Subtotal         decimal.Decimal    `json:"subtotal"`
	ChargedUnitPrice decimal.Decimal    `json:"charged_unit_price"`
	Promotions       []AppliedPromotion `json:"promotions"`
}

type LineDiscount struct {
	Line      int             `json:"line"`
	ProductID int64           `json:"product_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// PromotionApplication is one entry of the promotion ledger kept for receipts and audit.
type PromotionApplication struct {
	Kind        PromotionKind   `json:"kind"`
	PromotionID int64           `json:"promotion_id"`
	Name        string          `json:"name"`
	Instance    int             `json:"instance"`
	Discount    decimal.Decimal `json:"discount"`
	Lines       []LineDiscount  `json:"lines"`
}

type Totals struct {
	Gross    decimal.Decimal `json:"gross"`
	Discount decimal.Decimal `json:"discount"`
	Net      decimal.Decimal `json:"net"`
}

type Quote struct {
	Lines      []PricedLine           `json:"lines"`
	Promotions []PromotionApplication `json:"promotions"`
	Totals     Totals                 `json:"totals"`
}

type SaleState string

const (
	SaleEmitted SaleState = "EMITTED"
	SaleVoid    SaleState = "VOID"
)

type Sale struct {
	ID             string                 `json:"id"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	Actor          string                 `json:"actor"`
	PaymentMethod  string                 `json:"payment_method"`
	Paid           decimal.Decimal        `json:"paid"`
	Change         decimal.Decimal        `json:"change"`
	Gross          decimal.Decimal        `json:"gross"`
	Discount       decimal.Decimal        `json:"discount"`
	Total          decimal.Decimal        `json:"total"`
	State          SaleState              `json:"state"`
	CashSessionID  string                 `json:"cash_session_id,omitempty"`
	VoidedAt       *time.Time             `json:"voided_at,omitempty"`
	VoidedBy       string                 `json:"voided_by,omitempty"`
	VoidReason     string                 `json:"void_reason,omitempty"`
	Items          []SaleItem             `json:"items"`
	Promotions     []PromotionApplication `json:"promotions"`
}

type SaleItem struct {
	Line          int             `json:"line"`
	ProductID     int64           `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	ListUnitPrice decimal.Decimal `json:"list_unit_price"`
	Discount      decimal.Decimal `json:"discount"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

// VoidInfo is written once, when a sale moves from EMITTED to VOID.
type VoidInfo struct {
	At     time.Time
	Actor  string
	Reason string
}

type MovementKind string

const (
	MovementSale          MovementKind = "SALE"
	MovementPurchase      MovementKind = "PURCHASE"
	MovementAdjustmentPos MovementKind = "ADJUSTMENT_POS"
	MovementAdjustmentNeg MovementKind = "ADJUSTMENT_NEG"
	MovementVoidReversal  MovementKind = "VOID_REVERSAL"
	MovementReturn        MovementKind = "RETURN"
)

// Sign reports the direction a movement of this kind applies to stock.
func (k MovementKind) Sign() int {
	switch k {
	case MovementSale, MovementAdjustmentNeg:
		return -1
	case MovementPurchase, MovementAdjustmentPos, MovementVoidReversal, MovementReturn:
		return 1
	default:
		return 0
	}
}

type StockMovement struct {
	ID        string          `json:"id"`
	ProductID int64           `json:"product_id"`
	Kind      MovementKind    `json:"kind"`
	Quantity  decimal.Decimal `json:"quantity"`
	SaleID    string          `json:"sale_id,omitempty"`
	Note      string          `json:"note,omitempty"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`
}

type CashSession struct {
	ID             string                     `json:"id"`
	OpeningBalance decimal.Decimal            `json:"opening_balance"`
	OpenedAt       time.Time                  `json:"opened_at"`
	OpenedBy       string                     `json:"opened_by"`
	ClosedAt       *time.Time                 `json:"closed_at,omitempty"`
	ClosedBy       string                     `json:"closed_by,omitempty"`
	Totals         map[string]decimal.Decimal `json:"totals"`
	SaleCount      int64                      `json:"sale_count"`
	ItemCount      int64                      `json:"item_count"`
	VoidCount      int64                      `json:"void_count"`
	Declared       *decimal.Decimal           `json:"declared,omitempty"`
	SystemBalance  *decimal.Decimal           `json:"system_balance,omitempty"`
	Difference     *decimal.Decimal           `json:"difference,omitempty"`
	Notes          string                     `json:"notes,omitempty"`
}

func (s CashSession) IsOpen() bool {
	return s.ClosedAt == nil
}

// Clone returns a copy whose Totals map can be mutated independently.
func (s CashSession) Clone() CashSession {
	out := s
	out.Totals = make(map[string]decimal.Decimal, len(s.Totals))
	for method, amount := range s.Totals {
		out.Totals[method] = amount
	}
	return out
}

const (
	InvoiceIssued = "issued"
	InvoiceVoided = "voided"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
	PaymentQRIS     = "qris"
	PaymentEWallet  = "ewallet"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Request and response contracts of the JSON API.

type CartLineRequest struct {
	ProductID       int64            `json:"product_id"`
	Quantity        decimal.Decimal  `json:"quantity"`
	ManualUnitPrice *decimal.Decimal `json:"manual_unit_price,omitempty"`
}

type PreviewRequest struct {
	Lines []CartLineRequest `json:"lines"`
}

type CommitSaleRequest struct {
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	PaymentMethod  string            `json:"payment_method"`
	Paid           decimal.Decimal   `json:"paid"`
	Lines          []CartLineRequest `json:"lines"`
}

type CommitSaleResponse struct {
	SaleID        string          `json:"sale_id"`
	Total         decimal.Decimal `json:"total"`
	Paid          decimal.Decimal `json:"paid"`
	Change        decimal.Decimal `json:"change"`
	PaymentMethod string          `json:"payment_method"`
	CashSessionID string          `json:"cash_session_id,omitempty"`
	Duplicate     bool            `json:"duplicate"`
	Quote         Quote           `json:"quote"`
	CreatedAt     string          `json:"created_at"`
}

type VoidSaleRequest struct {
	SaleID string `json:"sale_id"`
	Reason string `json:"reason,omitempty"`
}

type VoidSaleResponse struct {
	SaleID   string `json:"sale_id"`
	State    string `json:"state"`
	VoidedAt string `json:"voided_at"`
}

type ActivePromotionsResponse struct {
	Rules  []PromotionRule  `json:"rules"`
	Combos []ComboPromotion `json:"combos"`
}

type OpenCashSessionRequest struct {
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Notes          string          `json:"notes,omitempty"`
}

type OpenCashSessionResponse struct {
	SessionID string `json:"session_id"`
	OpenedAt  string `json:"opened_at"`
}

type CloseCashSessionRequest struct {
	SessionID string           `json:"session_id,omitempty"`
	Declared  *decimal.Decimal `json:"declared"`
	Notes     string           `json:"notes,omitempty"`
}

// Reconciliation is the summary returned when a cash session is closed.
type Reconciliation struct {
	SessionID      string                     `json:"session_id"`
	OpeningBalance decimal.Decimal            `json:"opening_balance"`
	CashTotal      decimal.Decimal            `json:"cash_total"`
	Totals         map[string]decimal.Decimal `json:"totals"`
	SaleCount      int64                      `json:"sale_count"`
	ItemCount      int64                      `json:"item_count"`
	VoidCount      int64                      `json:"void_count"`
	SystemBalance  decimal.Decimal            `json:"system_balance"`
	Declared       decimal.Decimal            `json:"declared"`
	Difference     decimal.Decimal            `json:"difference"`
	OpenedAt       string                     `json:"opened_at"`
	ClosedAt       string                     `json:"closed_at"`
}

type StockAdjustmentRequest struct {
	ProductID int64           `json:"product_id"`
	Kind      MovementKind    `json:"kind"`
	Quantity  decimal.Decimal `json:"quantity"`
	Note      string          `json:"note,omitempty"`
}

type StockAdjustmentResponse struct {
	Movement StockMovement   `json:"movement"`
	StockQty decimal.Decimal `json:"stock_qty"`
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

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
