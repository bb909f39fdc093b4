package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"barstock/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInsufficientCups  = errors.New("insufficient cups")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidMovement   = errors.New("invalid movement")
	ErrInvalidTransfer   = errors.New("invalid transfer")
	ErrKegAlreadyActive  = errors.New("keg already active")
	ErrKegNotActive      = errors.New("keg not active")
	ErrNoKegStock        = errors.New("no keg stock")
	ErrOrderNotOpen      = errors.New("order not open")
	ErrShiftAlreadyOpen  = errors.New("shift already open")
	ErrShiftNotOpen      = errors.New("shift not open")
	ErrLockTimeout       = errors.New("lock timeout")
)

// InsufficientStockError carries the shortfall detail. errors.Is against
// ErrInsufficientStock matches it.
type InsufficientStockError struct {
	ProductID  string
	LocationID string
	Available  int
	Requested  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s at %s: available %d, requested %d",
		e.ProductID, e.LocationID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type InsufficientCupsError struct {
	ProductID  string
	LocationID string
	Remaining  int
	Requested  int
}

func (e *InsufficientCupsError) Error() string {
	return fmt.Sprintf("insufficient cups for %s at %s: remaining %d, requested %d",
		e.ProductID, e.LocationID, e.Remaining, e.Requested)
}

func (e *InsufficientCupsError) Is(target error) bool {
	return target == ErrInsufficientCups
}

// Repository is the storage contract for the inventory core. Every method
// that mutates stock is atomic: the ledger row, the materialized counter and
// any dependent state change commit together or not at all.
type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductByCode(ctx context.Context, code string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	DeactivateProduct(ctx context.Context, productID string) (*domain.Product, error)

	CreateLocation(ctx context.Context, location domain.Location) (*domain.Location, error)
	ListLocations(ctx context.Context) ([]domain.Location, error)

	GetStockLevel(ctx context.Context, productID string, locationID string) (int, error)
	ListStockLevels(ctx context.Context, productID string) ([]domain.StockLevel, error)
	StockFromLedger(ctx context.Context, productID string, locationID string) (int, error)
	ListMovements(ctx context.Context, productID string, locationID string, limit int) ([]domain.Movement, error)

	ApplyMovement(ctx context.Context, input domain.MovementInput) (*domain.Movement, error)
	Transfer(ctx context.Context, input domain.TransferInput) (*domain.Movement, *domain.Movement, error)

	GetKegTap(ctx context.Context, productID string, locationID string) (*domain.KegTap, error)
	ActivateKeg(ctx context.Context, productID string, locationID string, actorID string) (*domain.KegTap, error)
	// DeactivateKeg also reports how many cups were still on the tap, read
	// inside the same atomic mutation.
	DeactivateKeg(ctx context.Context, productID string, locationID string) (*domain.KegTap, int, error)
	ServeCups(ctx context.Context, productID string, locationID string, cups int) (*domain.KegTap, error)
	AdjustCups(ctx context.Context, productID string, locationID string, cups int) (*domain.KegTap, error)
	// ReturnCups also reports how many cups the capacity clamp discarded.
	ReturnCups(ctx context.Context, productID string, locationID string, cups int) (*domain.KegTap, int, error)

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	AddOrderLine(ctx context.Context, orderID string, productID string, qty int, actorID string) (*domain.Order, *domain.StockEffect, error)
	RemoveOrderLine(ctx context.Context, orderID string, productID string, qty int, actorID string) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string, actorID string) (*domain.Order, error)
	CloseOrder(ctx context.Context, orderID string, paymentMethod string, courtesyDiscount decimal.Decimal, at time.Time) (*domain.Order, error)

	OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetOpenShift(ctx context.Context, locationID string) (*domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, countedCash decimal.Decimal, notes string, at time.Time) (*domain.Shift, error)

	CreateAuditEntry(ctx context.Context, entry domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, locationID string, limit int) ([]domain.AuditEntry, error)
}
