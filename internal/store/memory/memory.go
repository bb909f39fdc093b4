package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"barstock/backend/internal/costing"
	"barstock/backend/internal/domain"
	"barstock/backend/internal/store"
	"barstock/backend/internal/xid"
)

// Store is an in-memory Repository used for development mode and tests.
// A single mutex serializes every mutation, which is what makes each
// operation atomic here; the postgres store relies on row locks instead.
type Store struct {
	mu                  sync.RWMutex
	products            map[string]domain.Product
	productIDByCode     map[string]string
	locations           map[string]domain.Location
	stock               map[string]int
	movements           []domain.Movement
	kegTaps             map[string]domain.KegTap
	ordersByID          map[string]domain.Order
	shiftsByID          map[string]domain.Shift
	openShiftByLocation map[string]string
	auditLog            []domain.AuditEntry
}

func New() *Store {
	return &Store{
		products:            make(map[string]domain.Product),
		productIDByCode:     make(map[string]string),
		locations:           make(map[string]domain.Location),
		stock:               make(map[string]int),
		movements:           make([]domain.Movement, 0, 256),
		kegTaps:             make(map[string]domain.KegTap),
		ordersByID:          make(map[string]domain.Order),
		shiftsByID:          make(map[string]domain.Shift),
		openShiftByLocation: make(map[string]string),
		auditLog:            make([]domain.AuditEntry, 0, 128),
	}
}

// NewSeeded builds a store preloaded with a small bar fixture: two
// locations, a couple of kegs and the usual bottled stock.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	locations := []domain.Location{
		{ID: "main-bar", Name: "Main Bar", CreatedAt: now},
		{ID: "terrace-bar", Name: "Terrace Bar", CreatedAt: now},
	}
	for _, loc := range locations {
		s.locations[loc.ID] = loc
	}

	products := []domain.Product{
		{ID: "prd-lager-keg", Code: "KEG-LAGER-50", Name: "Lager Keg 50L", Category: "draft", UnitMode: domain.UnitModeKeg, SalePrice: dec("180"), AverageCost: dec("2400"), KegCapacityCups: 120, LowStockThreshold: 2},
		{ID: "prd-ipa-keg", Code: "KEG-IPA-30", Name: "IPA Keg 30L", Category: "draft", UnitMode: domain.UnitModeKeg, SalePrice: dec("220"), AverageCost: dec("1900"), KegCapacityCups: 72, LowStockThreshold: 1},
		{ID: "prd-pilsner-btl", Code: "BTL-PILS-330", Name: "Pilsner Bottle 330ml", Category: "bottled", UnitMode: domain.UnitModeDiscrete, SalePrice: dec("250"), AverageCost: dec("110"), LowStockThreshold: 24},
		{ID: "prd-stout-btl", Code: "BTL-STOUT-440", Name: "Stout Bottle 440ml", Category: "bottled", UnitMode: domain.UnitModeDiscrete, SalePrice: dec("320"), AverageCost: dec("150"), LowStockThreshold: 12},
		{ID: "prd-whisky", Code: "SPR-WHISKY-700", Name: "Whisky 700ml", Category: "spirits", UnitMode: domain.UnitModeDiscrete, SalePrice: dec("4500"), AverageCost: dec("2100"), LowStockThreshold: 3},
		{ID: "prd-gin", Code: "SPR-GIN-700", Name: "Gin 700ml", Category: "spirits", UnitMode: domain.UnitModeDiscrete, SalePrice: dec("3800"), AverageCost: dec("1700"), LowStockThreshold: 3},
		{ID: "prd-soda", Code: "MIX-SODA-200", Name: "Soda Water 200ml", Category: "mixers", UnitMode: domain.UnitModeDiscrete, SalePrice: dec("120"), AverageCost: dec("40"), LowStockThreshold: 48},
		{ID: "prd-peanuts", Code: "SNK-PEANUT-100", Name: "Salted Peanuts 100g", Category: "snacks", UnitMode: domain.UnitModeDiscrete, SalePrice: dec("350"), AverageCost: dec("160"), LowStockThreshold: 10},
	}
	for _, p := range products {
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		p.LastUnitCost = p.AverageCost
		s.products[p.ID] = p
		s.productIDByCode[p.Code] = p.ID
	}

	seedQty := map[string]int{
		"prd-lager-keg": 6, "prd-ipa-keg": 4, "prd-pilsner-btl": 180,
		"prd-stout-btl": 96, "prd-whisky": 12, "prd-gin": 10,
		"prd-soda": 240, "prd-peanuts": 60,
	}
	for _, loc := range locations {
		for productID, qty := range seedQty {
			mv := domain.Movement{
				ID:          xid.New("mov"),
				ProductID:   productID,
				LocationID:  loc.ID,
				Type:        domain.MovementPurchase,
				Quantity:    qty,
				StockBefore: 0,
				StockAfter:  qty,
				Reason:      "opening stock",
				ActorID:     "seed",
				CreatedAt:   now,
			}
			cost := s.products[productID].AverageCost
			total := cost.Mul(decimal.NewFromInt(int64(qty)))
			mv.UnitCost = &cost
			mv.TotalCost = &total
			s.movements = append(s.movements, mv)
			s.stock[stockKey(productID, loc.ID)] = qty
		}
	}

	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func stockKey(productID string, locationID string) string {
	return productID + "|" + locationID
}

// ---- catalog ----

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Code == "" || product.Name == "" {
		return nil, store.ErrInvalidMovement
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if _, exists := s.productIDByCode[product.Code]; exists {
		return nil, store.ErrDuplicate
	}

	product.Active = true
	s.products[product.ID] = product
	s.productIDByCode[product.Code] = product.ID
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	cloned := product
	return &cloned, nil
}

func (s *Store) GetProductByCode(_ context.Context, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	productID, exists := s.productIDByCode[strings.ToUpper(strings.TrimSpace(code))]
	if !exists {
		return nil, store.ErrNotFound
	}
	product := s.products[productID]
	cloned := product
	return &cloned, nil
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
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) DeactivateProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Active = false
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	cloned := product
	return &cloned, nil
}

func (s *Store) CreateLocation(_ context.Context, location domain.Location) (*domain.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if location.ID == "" || location.Name == "" {
		return nil, store.ErrInvalidMovement
	}
	if _, exists := s.locations[location.ID]; exists {
		return nil, store.ErrDuplicate
	}
	s.locations[location.ID] = location
	created := location
	return &created, nil
}

func (s *Store) ListLocations(_ context.Context) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locations := make([]domain.Location, 0, len(s.locations))
	for _, loc := range s.locations {
		locations = append(locations, loc)
	}
	slices.SortFunc(locations, func(a, b domain.Location) int {
		return strings.Compare(a.ID, b.ID)
	})
	return locations, nil
}

// ---- stock reads ----

func (s *Store) GetStockLevel(_ context.Context, productID string, locationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.products[productID]; !exists {
		return 0, store.ErrNotFound
	}
	if _, exists := s.locations[locationID]; !exists {
		return 0, store.ErrNotFound
	}
	return s.stock[stockKey(productID, locationID)], nil
}

func (s *Store) ListStockLevels(_ context.Context, productID string) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.products[productID]; !exists {
		return nil, store.ErrNotFound
	}

	levels := make([]domain.StockLevel, 0, len(s.locations))
	for locationID := range s.locations {
		levels = append(levels, domain.StockLevel{
			ProductID:  productID,
			LocationID: locationID,
			Qty:        s.stock[stockKey(productID, locationID)],
		})
	}
	slices.SortFunc(levels, func(a, b domain.StockLevel) int {
		return strings.Compare(a.LocationID, b.LocationID)
	})
	return levels, nil
}

func (s *Store) StockFromLedger(_ context.Context, productID string, locationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.products[productID]; !exists {
		return 0, store.ErrNotFound
	}
	sum := 0
	for _, mv := range s.movements {
		if mv.ProductID == productID && mv.LocationID == locationID {
			sum += mv.Quantity
		}
	}
	return sum, nil
}

func (s *Store) ListMovements(_ context.Context, productID string, locationID string, limit int) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	movements := make([]domain.Movement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(movements) < limit; i-- {
		mv := s.movements[i]
		if productID != "" && mv.ProductID != productID {
			continue
		}
		if locationID != "" && mv.LocationID != locationID {
			continue
		}
		movements = append(movements, mv)
	}
	return movements, nil
}

// ---- ledger writes ----

// applyMovementLocked validates and applies one movement. Callers must hold
// the write lock; nothing is mutated until every check has passed.
func (s *Store) applyMovementLocked(input domain.MovementInput, now time.Time) (*domain.Movement, error) {
	direction := domain.MovementDirection(input.Type)
	if direction == 0 {
		return nil, store.ErrInvalidMovement
	}
	if input.Quantity < 1 {
		return nil, store.ErrInvalidQuantity
	}

	product, exists := s.products[input.ProductID]
	if !exists {
		return nil, store.ErrNotFound
	}
	// Reverts must keep working after a product is soft-deleted, so only
	// forward movements require an active product.
	if !product.Active && input.Type != domain.MovementCustomerReturn {
		return nil, store.ErrNotFound
	}
	if _, exists := s.locations[input.LocationID]; !exists {
		return nil, store.ErrNotFound
	}

	if input.Type == domain.MovementPurchase {
		if input.UnitCost == nil || !input.UnitCost.IsPositive() {
			return nil, store.ErrInvalidMovement
		}
	}
	if input.UnitCost != nil && input.UnitCost.IsNegative() {
		return nil, store.ErrInvalidMovement
	}

	key := stockKey(input.ProductID, input.LocationID)
	stockBefore := s.stock[key]
	if direction < 0 && stockBefore < input.Quantity {
		return nil, &store.InsufficientStockError{
			ProductID:  input.ProductID,
			LocationID: input.LocationID,
			Available:  stockBefore,
			Requested:  input.Quantity,
		}
	}

	recompute := input.UnitCost != nil && input.UnitCost.IsPositive() &&
		(input.Type == domain.MovementPurchase || input.Type == domain.MovementCustomerReturn)
	if recompute {
		// On-hand total across all locations, read before the counter moves.
		onHand := 0
		for locationID := range s.locations {
			onHand += s.stock[stockKey(input.ProductID, locationID)]
		}
		product.AverageCost = costing.WeightedAverage(onHand, product.AverageCost, input.Quantity, *input.UnitCost)
		product.LastUnitCost = *input.UnitCost
		product.UpdatedAt = now
		s.products[product.ID] = product
	}

	unitCost := input.UnitCost
	if unitCost == nil && input.Type == domain.MovementCustomerReturn && product.AverageCost.IsPositive() {
		avg := product.AverageCost
		unitCost = &avg
	}

	movement := domain.Movement{
		ID:          xid.New("mov"),
		ProductID:   input.ProductID,
		LocationID:  input.LocationID,
		Type:        input.Type,
		Quantity:    input.Quantity * direction,
		StockBefore: stockBefore,
		StockAfter:  stockBefore + input.Quantity*direction,
		SupplierRef: input.SupplierRef,
		OrderID:     input.OrderID,
		Reason:      input.Reason,
		ActorID:     input.ActorID,
		CreatedAt:   now,
	}
	if unitCost != nil {
		cost := *unitCost
		total := cost.Mul(decimal.NewFromInt(int64(input.Quantity)))
		movement.UnitCost = &cost
		movement.TotalCost = &total
	}

	s.movements = append(s.movements, movement)
	s.stock[key] = movement.StockAfter

	created := movement
	return &created, nil
}

func (s *Store) ApplyMovement(_ context.Context, input domain.MovementInput) (*domain.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyMovementLocked(input, time.Now().UTC())
}

func (s *Store) Transfer(_ context.Context, input domain.TransferInput) (*domain.Movement, *domain.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.SourceLocationID == input.DestLocationID {
		return nil, nil, store.ErrInvalidTransfer
	}
	if input.Quantity < 1 {
		return nil, nil, store.ErrInvalidQuantity
	}
	product, exists := s.products[input.ProductID]
	if !exists || !product.Active {
		return nil, nil, store.ErrNotFound
	}
	if _, exists := s.locations[input.SourceLocationID]; !exists {
		return nil, nil, store.ErrNotFound
	}
	if _, exists := s.locations[input.DestLocationID]; !exists {
		return nil, nil, store.ErrNotFound
	}

	srcKey := stockKey(input.ProductID, input.SourceLocationID)
	dstKey := stockKey(input.ProductID, input.DestLocationID)
	srcBefore := s.stock[srcKey]
	if srcBefore < input.Quantity {
		return nil, nil, &store.InsufficientStockError{
			ProductID:  input.ProductID,
			LocationID: input.SourceLocationID,
			Available:  srcBefore,
			Requested:  input.Quantity,
		}
	}
	dstBefore := s.stock[dstKey]

	now := time.Now().UTC()
	outID := xid.New("mov")
	inID := xid.New("mov")

	out := domain.Movement{
		ID:               outID,
		ProductID:        input.ProductID,
		LocationID:       input.SourceLocationID,
		Type:             domain.MovementTransferOut,
		Quantity:         -input.Quantity,
		StockBefore:      srcBefore,
		StockAfter:       srcBefore - input.Quantity,
		PairedMovementID: inID,
		SourceLocationID: input.SourceLocationID,
		DestLocationID:   input.DestLocationID,
		Reason:           input.Reason,
		ActorID:          input.ActorID,
		CreatedAt:        now,
	}
	in := domain.Movement{
		ID:               inID,
		ProductID:        input.ProductID,
		LocationID:       input.DestLocationID,
		Type:             domain.MovementTransferIn,
		Quantity:         input.Quantity,
		StockBefore:      dstBefore,
		StockAfter:       dstBefore + input.Quantity,
		PairedMovementID: outID,
		SourceLocationID: input.SourceLocationID,
		DestLocationID:   input.DestLocationID,
		Reason:           input.Reason,
		ActorID:          input.ActorID,
		CreatedAt:        now,
	}

	s.movements = append(s.movements, out, in)
	s.stock[srcKey] = out.StockAfter
	s.stock[dstKey] = in.StockAfter

	outClone := out
	inClone := in
	return &outClone, &inClone, nil
}

// ---- keg taps ----

func (s *Store) GetKegTap(_ context.Context, productID string, locationID string) (*domain.KegTap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tap, err := s.kegTapLocked(productID, locationID)
	if err != nil {
		return nil, err
	}
	cloned := tap
	return &cloned, nil
}

func (s *Store) kegTapLocked(productID string, locationID string) (domain.KegTap, error) {
	product, exists := s.products[productID]
	if !exists {
		return domain.KegTap{}, store.ErrNotFound
	}
	if product.UnitMode != domain.UnitModeKeg {
		return domain.KegTap{}, store.ErrInvalidMovement
	}
	if _, exists := s.locations[locationID]; !exists {
		return domain.KegTap{}, store.ErrNotFound
	}
	tap, exists := s.kegTaps[stockKey(productID, locationID)]
	if !exists {
		tap = domain.KegTap{ProductID: productID, LocationID: locationID}
	}
	return tap, nil
}

func (s *Store) ActivateKeg(_ context.Context, productID string, locationID string, actorID string) (*domain.KegTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tap, err := s.kegTapLocked(productID, locationID)
	if err != nil {
		return nil, err
	}
	if tap.Active {
		return nil, store.ErrKegAlreadyActive
	}

	key := stockKey(productID, locationID)
	if s.stock[key] < 1 {
		return nil, store.ErrNoKegStock
	}

	now := time.Now().UTC()
	if _, err := s.applyMovementLocked(domain.MovementInput{
		ProductID:  productID,
		LocationID: locationID,
		Type:       domain.MovementInternalConsumption,
		Quantity:   1,
		Reason:     "keg tapped",
		ActorID:    actorID,
	}, now); err != nil {
		return nil, err
	}

	product := s.products[productID]
	tap.Active = true
	tap.CupsRemaining = product.KegCapacityCups
	tap.TappedAt = &now
	s.kegTaps[key] = tap

	cloned := tap
	return &cloned, nil
}

func (s *Store) DeactivateKeg(_ context.Context, productID string, locationID string) (*domain.KegTap, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tap, err := s.kegTapLocked(productID, locationID)
	if err != nil {
		return nil, 0, err
	}
	if !tap.Active {
		return nil, 0, store.ErrKegNotActive
	}

	discarded := tap.CupsRemaining
	tap.Active = false
	tap.CupsRemaining = 0
	tap.TappedAt = nil
	s.kegTaps[stockKey(productID, locationID)] = tap

	cloned := tap
	return &cloned, discarded, nil
}

func (s *Store) serveCupsLocked(productID string, locationID string, cups int) (domain.KegTap, error) {
	tap, err := s.kegTapLocked(productID, locationID)
	if err != nil {
		return domain.KegTap{}, err
	}
	if !tap.Active {
		return domain.KegTap{}, store.ErrKegNotActive
	}
	if cups < 1 {
		return domain.KegTap{}, store.ErrInvalidQuantity
	}
	if tap.CupsRemaining < cups {
		return domain.KegTap{}, &store.InsufficientCupsError{
			ProductID:  productID,
			LocationID: locationID,
			Remaining:  tap.CupsRemaining,
			Requested:  cups,
		}
	}

	tap.CupsRemaining -= cups
	s.kegTaps[stockKey(productID, locationID)] = tap
	return tap, nil
}

func (s *Store) ServeCups(_ context.Context, productID string, locationID string, cups int) (*domain.KegTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tap, err := s.serveCupsLocked(productID, locationID, cups)
	if err != nil {
		return nil, err
	}
	cloned := tap
	return &cloned, nil
}

func (s *Store) AdjustCups(_ context.Context, productID string, locationID string, cups int) (*domain.KegTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tap, err := s.kegTapLocked(productID, locationID)
	if err != nil {
		return nil, err
	}
	if !tap.Active {
		return nil, store.ErrKegNotActive
	}

	product := s.products[productID]
	if cups < 0 {
		cups = 0
	}
	if cups > product.KegCapacityCups {
		cups = product.KegCapacityCups
	}
	tap.CupsRemaining = cups
	s.kegTaps[stockKey(productID, locationID)] = tap

	cloned := tap
	return &cloned, nil
}

// returnCupsLocked adds cups back to the tap, clamping at capacity. It
// returns the tap and how many cups the clamp discarded.
func (s *Store) returnCupsLocked(productID string, locationID string, cups int) (domain.KegTap, int, error) {
	tap, err := s.kegTapLocked(productID, locationID)
	if err != nil {
		return domain.KegTap{}, 0, err
	}
	if !tap.Active {
		return domain.KegTap{}, 0, store.ErrKegNotActive
	}
	if cups < 1 {
		return domain.KegTap{}, 0, store.ErrInvalidQuantity
	}

	product := s.products[productID]
	remaining := tap.CupsRemaining + cups
	clamped := 0
	if remaining > product.KegCapacityCups {
		clamped = remaining - product.KegCapacityCups
		remaining = product.KegCapacityCups
	}
	tap.CupsRemaining = remaining
	s.kegTaps[stockKey(productID, locationID)] = tap
	return tap, clamped, nil
}

func (s *Store) ReturnCups(_ context.Context, productID string, locationID string, cups int) (*domain.KegTap, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tap, clamped, err := s.returnCupsLocked(productID, locationID, cups)
	if err != nil {
		return nil, 0, err
	}
	cloned := tap
	return &cloned, clamped, nil
}

// ---- orders ----

func cloneOrder(order domain.Order) domain.Order {
	cloned := order
	cloned.Lines = slices.Clone(order.Lines)
	return cloned
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		return nil, store.ErrInvalidMovement
	}
	if _, exists := s.locations[order.LocationID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, store.ErrDuplicate
	}

	order.Status = domain.OrderStatusOpen
	order.Lines = nil
	order.Subtotal = decimal.Zero
	order.Total = decimal.Zero
	s.ordersByID[order.ID] = order

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) AddOrderLine(_ context.Context, orderID string, productID string, qty int, actorID string) (*domain.Order, *domain.StockEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, nil, store.ErrOrderNotOpen
	}
	product, exists := s.products[productID]
	if !exists || !product.Active {
		return nil, nil, store.ErrNotFound
	}
	if qty < 1 {
		return nil, nil, store.ErrInvalidQuantity
	}

	now := time.Now().UTC()
	effect := domain.StockEffect{
		ProductID:         productID,
		LocationID:        order.LocationID,
		UnitMode:          product.UnitMode,
		LowStockThreshold: product.LowStockThreshold,
	}

	if product.UnitMode == domain.UnitModeKeg {
		tap, err := s.serveCupsLocked(productID, order.LocationID, qty)
		if err != nil {
			return nil, nil, err
		}
		effect.CupsRemaining = tap.CupsRemaining
	} else {
		mv, err := s.applyMovementLocked(domain.MovementInput{
			ProductID:  productID,
			LocationID: order.LocationID,
			Type:       domain.MovementSale,
			Quantity:   qty,
			OrderID:    orderID,
			ActorID:    actorID,
		}, now)
		if err != nil {
			return nil, nil, err
		}
		effect.StockAfter = mv.StockAfter
	}

	lineTotal := product.SalePrice.Mul(decimal.NewFromInt(int64(qty)))
	merged := false
	for i := range order.Lines {
		if order.Lines[i].ProductID == productID {
			order.Lines[i].Quantity += qty
			order.Lines[i].Subtotal = order.Lines[i].Subtotal.Add(lineTotal)
			merged = true
			break
		}
	}
	if !merged {
		order.Lines = append(order.Lines, domain.OrderLine{
			ProductID: productID,
			Name:      product.Name,
			Quantity:  qty,
			UnitPrice: product.SalePrice,
			Subtotal:  lineTotal,
		})
	}
	order.Subtotal = order.Subtotal.Add(lineTotal)
	order.Total = order.Subtotal
	s.ordersByID[orderID] = order

	cloned := cloneOrder(order)
	return &cloned, &effect, nil
}

// revertLineLocked puts qty units of a line back into inventory, used by
// both line removal and order cancellation.
func (s *Store) revertLineLocked(order *domain.Order, productID string, qty int, reason string, actorID string, now time.Time) error {
	product, exists := s.products[productID]
	if !exists {
		return store.ErrNotFound
	}

	if product.UnitMode == domain.UnitModeKeg {
		if _, _, err := s.returnCupsLocked(productID, order.LocationID, qty); err != nil {
			return err
		}
		return nil
	}

	_, err := s.applyMovementLocked(domain.MovementInput{
		ProductID:  productID,
		LocationID: order.LocationID,
		Type:       domain.MovementCustomerReturn,
		Quantity:   qty,
		OrderID:    order.ID,
		Reason:     reason,
		ActorID:    actorID,
	}, now)
	return err
}

func (s *Store) RemoveOrderLine(_ context.Context, orderID string, productID string, qty int, actorID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrOrderNotOpen
	}
	if qty < 1 {
		return nil, store.ErrInvalidQuantity
	}

	lineIdx := -1
	for i := range order.Lines {
		if order.Lines[i].ProductID == productID {
			lineIdx = i
			break
		}
	}
	if lineIdx < 0 {
		return nil, store.ErrNotFound
	}
	if order.Lines[lineIdx].Quantity < qty {
		return nil, store.ErrInvalidQuantity
	}

	now := time.Now().UTC()
	if err := s.revertLineLocked(&order, productID, qty, "line removed", actorID, now); err != nil {
		return nil, err
	}

	line := &order.Lines[lineIdx]
	lineTotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	line.Quantity -= qty
	line.Subtotal = line.Subtotal.Sub(lineTotal)
	if line.Quantity == 0 {
		order.Lines = slices.Delete(order.Lines, lineIdx, lineIdx+1)
	}
	order.Subtotal = order.Subtotal.Sub(lineTotal)
	order.Total = order.Subtotal
	s.ordersByID[orderID] = order

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string, actorID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrOrderNotOpen
	}

	// Validate every line before touching anything so a failure leaves the
	// order and stock untouched.
	for _, line := range order.Lines {
		product, exists := s.products[line.ProductID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if product.UnitMode == domain.UnitModeKeg {
			tap, err := s.kegTapLocked(line.ProductID, order.LocationID)
			if err != nil {
				return nil, err
			}
			if !tap.Active {
				return nil, store.ErrKegNotActive
			}
		}
	}

	now := time.Now().UTC()
	for _, line := range order.Lines {
		if err := s.revertLineLocked(&order, line.ProductID, line.Quantity, "order cancelled", actorID, now); err != nil {
			return nil, err
		}
	}

	order.Status = domain.OrderStatusCancelled
	order.Total = decimal.Zero
	order.ClosedAt = &now
	s.ordersByID[orderID] = order

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) CloseOrder(_ context.Context, orderID string, paymentMethod string, courtesyDiscount decimal.Decimal, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrOrderNotOpen
	}

	total := order.Subtotal.Sub(courtesyDiscount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	order.Status = domain.OrderStatusClosed
	order.PaymentMethod = paymentMethod
	order.CourtesyDiscount = courtesyDiscount
	order.Total = total
	order.ClosedAt = &at
	s.ordersByID[orderID] = order

	cloned := cloneOrder(order)
	return &cloned, nil
}

// ---- shifts ----

func (s *Store) OpenShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locations[shift.LocationID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, open := s.openShiftByLocation[shift.LocationID]; open {
		return nil, store.ErrShiftAlreadyOpen
	}

	shift.Status = domain.ShiftStatusOpen
	s.shiftsByID[shift.ID] = shift
	s.openShiftByLocation[shift.LocationID] = shift.ID

	cloned := shift
	return &cloned, nil
}

func (s *Store) GetOpenShift(_ context.Context, locationID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, open := s.openShiftByLocation[locationID]
	if !open {
		return nil, store.ErrNotFound
	}
	shift := s.shiftsByID[shiftID]
	cloned := shift
	return &cloned, nil
}

func (s *Store) CloseShift(_ context.Context, shiftID string, countedCash decimal.Decimal, notes string, at time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrShiftNotOpen
	}

	for _, order := range s.ordersByID {
		if order.Status != domain.OrderStatusClosed || order.LocationID != shift.LocationID {
			continue
		}
		if order.ClosedAt == nil || order.ClosedAt.Before(shift.OpenedAt) || order.ClosedAt.After(at) {
			continue
		}
		shift.TotalSales = shift.TotalSales.Add(order.Total)
		shift.CourtesyTotal = shift.CourtesyTotal.Add(order.CourtesyDiscount)
		shift.OrderCount++
		switch order.PaymentMethod {
		case domain.PaymentCash:
			shift.CashSales = shift.CashSales.Add(order.Total)
		case domain.PaymentTransfer:
			shift.TransferSales = shift.TransferSales.Add(order.Total)
		default:
			shift.OtherSales = shift.OtherSales.Add(order.Total)
		}
	}

	shift.Status = domain.ShiftStatusClosed
	shift.CountedCash = countedCash
	shift.ExpectedCash = shift.OpeningCash.Add(shift.CashSales)
	shift.CashVariance = countedCash.Sub(shift.ExpectedCash)
	shift.Notes = notes
	shift.ClosedAt = &at
	s.shiftsByID[shiftID] = shift
	delete(s.openShiftByLocation, shift.LocationID)

	cloned := shift
	return &cloned, nil
}

// ---- audit ----

func (s *Store) CreateAuditEntry(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLog = append(s.auditLog, entry)
	return nil
}

func (s *Store) ListAuditEntries(_ context.Context, locationID string, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	entries := make([]domain.AuditEntry, 0, limit)
	for i := len(s.auditLog) - 1; i >= 0 && len(entries) < limit; i-- {
		entry := s.auditLog[i]
		if locationID != "" && entry.LocationID != locationID {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
