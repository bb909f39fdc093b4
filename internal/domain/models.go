package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	UnitModeDiscrete = "discrete"
	UnitModeKeg      = "keg"
)

// Movement types. Entries increase stock, exits decrease it.
const (
	MovementPurchase            = "purchase"
	MovementSupplierReturn      = "supplier_return"
	MovementTransferIn          = "transfer_in"
	MovementTransferOut         = "transfer_out"
	MovementSale                = "sale"
	MovementCustomerReturn      = "customer_return"
	MovementPositiveAdjustment  = "positive_adjustment"
	MovementNegativeAdjustment  = "negative_adjustment"
	MovementWaste               = "waste"
	MovementDonation            = "donation"
	MovementSample              = "sample"
	MovementInternalConsumption = "internal_consumption"
	MovementProduction          = "production"
)

const (
	OrderStatusOpen      = "open"
	OrderStatusClosed    = "closed"
	OrderStatusCancelled = "cancelled"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	PaymentCash     = "cash"
	PaymentTransfer = "transfer"
	PaymentCard     = "card"
	PaymentOther    = "other"
)

// LowCupThreshold is the tap level at or below which a low_cups signal fires.
const LowCupThreshold = 15

// MovementDirection returns +1 for entry types, -1 for exit types and 0 for
// unknown types.
func MovementDirection(movementType string) int {
	switch movementType {
	case MovementPurchase, MovementCustomerReturn, MovementTransferIn,
		MovementPositiveAdjustment, MovementProduction:
		return 1
	case MovementSupplierReturn, MovementTransferOut, MovementSale,
		MovementNegativeAdjustment, MovementWaste, MovementDonation,
		MovementSample, MovementInternalConsumption:
		return -1
	default:
		return 0
	}
}

type Product struct {
	ID                string          `json:"id"`
	Code              string          `json:"code"`
	Name              string          `json:"name"`
	Category          string          `json:"category"`
	UnitMode          string          `json:"unit_mode"`
	SalePrice         decimal.Decimal `json:"sale_price"`
	AverageCost       decimal.Decimal `json:"average_cost"`
	LastUnitCost      decimal.Decimal `json:"last_unit_cost"`
	KegCapacityCups   int             `json:"keg_capacity_cups"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Code              string          `json:"code"`
	Name              string          `json:"name"`
	Category          string          `json:"category"`
	UnitMode          string          `json:"unit_mode"`
	SalePrice         decimal.Decimal `json:"sale_price"`
	KegCapacityCups   int             `json:"keg_capacity_cups"`
	LowStockThreshold int             `json:"low_stock_threshold"`
}

type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type StockLevel struct {
	ProductID  string    `json:"product_id"`
	LocationID string    `json:"location_id"`
	Qty        int       `json:"qty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Movement is one immutable row of the stock ledger. Quantity is signed:
// positive for entries, negative for exits. StockAfter is always
// StockBefore + Quantity for the (product, location) pair.
type Movement struct {
	ID               string           `json:"id"`
	ProductID        string           `json:"product_id"`
	LocationID       string           `json:"location_id"`
	Type             string           `json:"type"`
	Quantity         int              `json:"quantity"`
	StockBefore      int              `json:"stock_before"`
	StockAfter       int              `json:"stock_after"`
	UnitCost         *decimal.Decimal `json:"unit_cost,omitempty"`
	TotalCost        *decimal.Decimal `json:"total_cost,omitempty"`
	SupplierRef      string           `json:"supplier_ref,omitempty"`
	OrderID          string           `json:"order_id,omitempty"`
	PairedMovementID string           `json:"paired_movement_id,omitempty"`
	SourceLocationID string           `json:"source_location_id,omitempty"`
	DestLocationID   string           `json:"dest_location_id,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	ActorID          string           `json:"actor_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

type MovementInput struct {
	ProductID   string           `json:"product_id"`
	LocationID  string           `json:"location_id"`
	Type        string           `json:"type"`
	Quantity    int              `json:"quantity"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
	SupplierRef string           `json:"supplier_ref,omitempty"`
	OrderID     string           `json:"order_id,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	ActorID     string           `json:"actor_id,omitempty"`
}

type TransferInput struct {
	ProductID        string `json:"product_id"`
	SourceLocationID string `json:"source_location_id"`
	DestLocationID   string `json:"dest_location_id"`
	Quantity         int    `json:"quantity"`
	Reason           string `json:"reason,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
}

type KegTap struct {
	ProductID     string     `json:"product_id"`
	LocationID    string     `json:"location_id"`
	Active        bool       `json:"active"`
	CupsRemaining int        `json:"cups_remaining"`
	TappedAt      *time.Time `json:"tapped_at,omitempty"`
}

type OrderLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Order struct {
	ID               string          `json:"id"`
	LocationID       string          `json:"location_id"`
	Status           string          `json:"status"`
	Lines            []OrderLine     `json:"lines"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	CourtesyDiscount decimal.Decimal `json:"courtesy_discount"`
	Total            decimal.Decimal `json:"total"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	ActorID          string          `json:"actor_id,omitempty"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
}

type Shift struct {
	ID            string          `json:"id"`
	LocationID    string          `json:"location_id"`
	CashierName   string          `json:"cashier_name"`
	Status        string          `json:"status"`
	OpeningCash   decimal.Decimal `json:"opening_cash"`
	CountedCash   decimal.Decimal `json:"counted_cash"`
	ExpectedCash  decimal.Decimal `json:"expected_cash"`
	CashVariance  decimal.Decimal `json:"cash_variance"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	CashSales     decimal.Decimal `json:"cash_sales"`
	TransferSales decimal.Decimal `json:"transfer_sales"`
	OtherSales    decimal.Decimal `json:"other_sales"`
	CourtesyTotal decimal.Decimal `json:"courtesy_total"`
	OrderCount    int             `json:"order_count"`
	Notes         string          `json:"notes,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

type AuditEntry struct {
	ID         string    `json:"id"`
	LocationID string    `json:"location_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// StockEffect reports what an order-line mutation did to inventory, so the
// caller can decide whether to publish a threshold signal.
type StockEffect struct {
	ProductID         string `json:"product_id"`
	LocationID        string `json:"location_id"`
	UnitMode          string `json:"unit_mode"`
	StockAfter        int    `json:"stock_after"`
	CupsRemaining     int    `json:"cups_remaining"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

type Actor struct {
	ID   string
	Name string
}
