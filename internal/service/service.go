package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"barstock/backend/internal/domain"
	"barstock/backend/internal/notify"
	"barstock/backend/internal/store"
	"barstock/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	dispatcher        notify.Dispatcher
	defaultLocationID string
	supervisorPINHash []byte
}

// New wires the inventory service. supervisorPIN may be empty, in which case
// operations that need supervisor approval are refused.
func New(repo store.Repository, dispatcher notify.Dispatcher, defaultLocationID string, supervisorPIN string) (*Service, error) {
	if defaultLocationID == "" {
		defaultLocationID = "main-bar"
	}
	if dispatcher == nil {
		dispatcher = notify.NoopDispatcher{}
	}

	svc := &Service{
		repo:              repo,
		dispatcher:        dispatcher,
		defaultLocationID: defaultLocationID,
	}
	if supervisorPIN != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(supervisorPIN), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash supervisor pin: %w", err)
		}
		svc.supervisorPINHash = hash
	}
	return svc, nil
}

func (s *Service) verifySupervisorPIN(pin string) error {
	if len(s.supervisorPINHash) == 0 {
		return fmt.Errorf("supervisor PIN not configured")
	}
	if err := bcrypt.CompareHashAndPassword(s.supervisorPINHash, []byte(pin)); err != nil {
		return fmt.Errorf("supervisor approval required")
	}
	return nil
}

func (s *Service) actorID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.ID
	}
	return "system"
}

// ---- catalog ----

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, productID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.UnitMode == "" {
		req.UnitMode = domain.UnitModeDiscrete
	}

	if req.Code == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidMovement
	}
	if req.UnitMode != domain.UnitModeDiscrete && req.UnitMode != domain.UnitModeKeg {
		return domain.Product{}, store.ErrInvalidMovement
	}
	if req.UnitMode == domain.UnitModeKeg && req.KegCapacityCups < 1 {
		return domain.Product{}, store.ErrInvalidMovement
	}
	if req.SalePrice.IsNegative() || req.LowStockThreshold < 0 {
		return domain.Product{}, store.ErrInvalidMovement
	}

	now := time.Now().UTC()
	product := domain.Product{
		ID:                xid.New("prd"),
		Code:              req.Code,
		Name:              req.Name,
		Category:          req.Category,
		UnitMode:          req.UnitMode,
		SalePrice:         req.SalePrice,
		KegCapacityCups:   req.KegCapacityCups,
		LowStockThreshold: req.LowStockThreshold,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, s.defaultLocationID, "product_create", "product", created.ID, fmt.Sprintf("code=%s,mode=%s", created.Code, created.UnitMode))
	return *created, nil
}

func (s *Service) DeactivateProduct(ctx context.Context, productID string) (domain.Product, error) {
	deactivated, err := s.repo.DeactivateProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, s.defaultLocationID, "product_deactivate", "product", productID, "")
	return *deactivated, nil
}

func (s *Service) CreateLocation(ctx context.Context, id string, name string) (domain.Location, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return domain.Location{}, store.ErrInvalidMovement
	}
	created, err := s.repo.CreateLocation(ctx, domain.Location{ID: id, Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return domain.Location{}, err
	}
	return *created, nil
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	return s.repo.ListLocations(ctx)
}

// ---- stock reads ----

func (s *Service) StockLevel(ctx context.Context, productID string, locationID string) (int, error) {
	return s.repo.GetStockLevel(ctx, productID, locationID)
}

func (s *Service) StockLevels(ctx context.Context, productID string) ([]domain.StockLevel, error) {
	return s.repo.ListStockLevels(ctx, productID)
}

// LedgerBalance recomputes stock from the movement ledger. It must always
// agree with the materialized counter; audits read both.
func (s *Service) LedgerBalance(ctx context.Context, productID string, locationID string) (int, error) {
	return s.repo.StockFromLedger(ctx, productID, locationID)
}

func (s *Service) Kardex(ctx context.Context, productID string, locationID string, limit int) ([]domain.Movement, error) {
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListMovements(ctx, productID, locationID, limit)
}

// ---- ledger ----

func (s *Service) ApplyMovement(ctx context.Context, input domain.MovementInput) (domain.Movement, error) {
	if input.Type == domain.MovementPositiveAdjustment || input.Type == domain.MovementNegativeAdjustment {
		return domain.Movement{}, fmt.Errorf("manual adjustments require supervisor approval")
	}
	if input.Type == domain.MovementTransferIn || input.Type == domain.MovementTransferOut {
		return domain.Movement{}, store.ErrInvalidMovement
	}
	return s.applyMovement(ctx, input)
}

// ApplyAdjustment records a manual positive or negative adjustment after
// checking the supervisor PIN.
func (s *Service) ApplyAdjustment(ctx context.Context, input domain.MovementInput, supervisorPIN string) (domain.Movement, error) {
	if input.Type != domain.MovementPositiveAdjustment && input.Type != domain.MovementNegativeAdjustment {
		return domain.Movement{}, store.ErrInvalidMovement
	}
	if err := s.verifySupervisorPIN(supervisorPIN); err != nil {
		return domain.Movement{}, err
	}
	return s.applyMovement(ctx, input)
}

func (s *Service) applyMovement(ctx context.Context, input domain.MovementInput) (domain.Movement, error) {
	if input.LocationID == "" {
		input.LocationID = s.defaultLocationID
	}
	if input.ActorID == "" {
		input.ActorID = s.actorID(ctx)
	}
	if domain.MovementDirection(input.Type) == 0 {
		return domain.Movement{}, store.ErrInvalidMovement
	}
	if input.Quantity < 1 {
		return domain.Movement{}, store.ErrInvalidQuantity
	}

	product, err := s.repo.GetProduct(ctx, input.ProductID)
	if err != nil {
		return domain.Movement{}, err
	}

	movement, err := s.repo.ApplyMovement(ctx, input)
	if err != nil {
		return domain.Movement{}, err
	}

	s.logAudit(ctx, movement.LocationID, "movement_apply", "movement", movement.ID,
		fmt.Sprintf("type=%s,qty=%d,before=%d,after=%d", movement.Type, movement.Quantity, movement.StockBefore, movement.StockAfter))

	if movement.Quantity < 0 && movement.StockAfter <= product.LowStockThreshold {
		s.publish(ctx, notify.Event{
			Kind:        notify.EventLowStock,
			ProductID:   product.ID,
			ProductName: product.Name,
			LocationID:  movement.LocationID,
			Remaining:   movement.StockAfter,
			Threshold:   product.LowStockThreshold,
			At:          time.Now().UTC(),
		})
	}

	return *movement, nil
}

func (s *Service) Transfer(ctx context.Context, input domain.TransferInput) (domain.Movement, domain.Movement, error) {
	if input.ActorID == "" {
		input.ActorID = s.actorID(ctx)
	}
	if input.SourceLocationID == "" || input.DestLocationID == "" {
		return domain.Movement{}, domain.Movement{}, store.ErrInvalidTransfer
	}
	if input.SourceLocationID == input.DestLocationID {
		return domain.Movement{}, domain.Movement{}, store.ErrInvalidTransfer
	}
	if input.Quantity < 1 {
		return domain.Movement{}, domain.Movement{}, store.ErrInvalidQuantity
	}

	product, err := s.repo.GetProduct(ctx, input.ProductID)
	if err != nil {
		return domain.Movement{}, domain.Movement{}, err
	}

	out, in, err := s.repo.Transfer(ctx, input)
	if err != nil {
		return domain.Movement{}, domain.Movement{}, err
	}

	s.logAudit(ctx, input.SourceLocationID, "transfer", "movement", out.ID,
		fmt.Sprintf("product=%s,qty=%d,from=%s,to=%s", input.ProductID, input.Quantity, input.SourceLocationID, input.DestLocationID))

	if out.StockAfter <= product.LowStockThreshold {
		s.publish(ctx, notify.Event{
			Kind:        notify.EventLowStock,
			ProductID:   product.ID,
			ProductName: product.Name,
			LocationID:  input.SourceLocationID,
			Remaining:   out.StockAfter,
			Threshold:   product.LowStockThreshold,
			At:          time.Now().UTC(),
		})
	}

	return *out, *in, nil
}

// ---- keg taps ----

func (s *Service) KegTap(ctx context.Context, productID string, locationID string) (domain.KegTap, error) {
	tap, err := s.repo.GetKegTap(ctx, productID, locationID)
	if err != nil {
		return domain.KegTap{}, err
	}
	return *tap, nil
}

func (s *Service) ActivateKeg(ctx context.Context, productID string, locationID string) (domain.KegTap, error) {
	tap, err := s.repo.ActivateKeg(ctx, productID, locationID, s.actorID(ctx))
	if err != nil {
		return domain.KegTap{}, err
	}
	s.logAudit(ctx, locationID, "keg_activate", "keg_tap", productID, fmt.Sprintf("cups=%d", tap.CupsRemaining))
	return *tap, nil
}

func (s *Service) DeactivateKeg(ctx context.Context, productID string, locationID string) (domain.KegTap, error) {
	tap, discarded, err := s.repo.DeactivateKeg(ctx, productID, locationID)
	if err != nil {
		return domain.KegTap{}, err
	}
	s.logAudit(ctx, locationID, "keg_deactivate", "keg_tap", productID, fmt.Sprintf("cups_discarded=%d", discarded))
	return *tap, nil
}

func (s *Service) ServeCups(ctx context.Context, productID string, locationID string, cups int) (domain.KegTap, error) {
	tap, err := s.repo.ServeCups(ctx, productID, locationID, cups)
	if err != nil {
		return domain.KegTap{}, err
	}
	s.maybeSignalLowCups(ctx, productID, locationID, tap.CupsRemaining)
	return *tap, nil
}

func (s *Service) AdjustCups(ctx context.Context, productID string, locationID string, cups int, supervisorPIN string) (domain.KegTap, error) {
	if err := s.verifySupervisorPIN(supervisorPIN); err != nil {
		return domain.KegTap{}, err
	}
	before, err := s.repo.GetKegTap(ctx, productID, locationID)
	if err != nil {
		return domain.KegTap{}, err
	}
	tap, err := s.repo.AdjustCups(ctx, productID, locationID, cups)
	if err != nil {
		return domain.KegTap{}, err
	}
	s.logAudit(ctx, locationID, "keg_adjust_cups", "keg_tap", productID,
		fmt.Sprintf("before=%d,after=%d", before.CupsRemaining, tap.CupsRemaining))
	s.maybeSignalLowCups(ctx, productID, locationID, tap.CupsRemaining)
	return *tap, nil
}

func (s *Service) ReturnCups(ctx context.Context, productID string, locationID string, cups int) (domain.KegTap, error) {
	tap, clamped, err := s.repo.ReturnCups(ctx, productID, locationID, cups)
	if err != nil {
		return domain.KegTap{}, err
	}
	if clamped > 0 {
		s.logAudit(ctx, locationID, "keg_return_clamped", "keg_tap", productID,
			fmt.Sprintf("returned=%d,clamped=%d", cups, clamped))
	}
	return *tap, nil
}

func (s *Service) maybeSignalLowCups(ctx context.Context, productID string, locationID string, remaining int) {
	if remaining > domain.LowCupThreshold {
		return
	}
	s.publish(ctx, notify.Event{
		Kind:       notify.EventLowCups,
		ProductID:  productID,
		LocationID: locationID,
		Remaining:  remaining,
		Threshold:  domain.LowCupThreshold,
		At:         time.Now().UTC(),
	})
}

// ---- orders ----

func (s *Service) OpenOrder(ctx context.Context, locationID string) (domain.Order, error) {
	if locationID == "" {
		locationID = s.defaultLocationID
	}
	order := domain.Order{
		ID:         xid.New("ord"),
		LocationID: locationID,
		ActorID:    s.actorID(ctx),
		OpenedAt:   time.Now().UTC(),
	}
	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}
	return *created, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) AddLineItem(ctx context.Context, orderID string, productID string, qty int) (domain.Order, error) {
	if qty < 1 {
		return domain.Order{}, store.ErrInvalidQuantity
	}
	order, effect, err := s.repo.AddOrderLine(ctx, orderID, productID, qty, s.actorID(ctx))
	if err != nil {
		return domain.Order{}, err
	}

	switch effect.UnitMode {
	case domain.UnitModeKeg:
		s.maybeSignalLowCups(ctx, productID, effect.LocationID, effect.CupsRemaining)
	default:
		if effect.StockAfter <= effect.LowStockThreshold {
			s.publish(ctx, notify.Event{
				Kind:       notify.EventLowStock,
				ProductID:  productID,
				LocationID: effect.LocationID,
				Remaining:  effect.StockAfter,
				Threshold:  effect.LowStockThreshold,
				At:         time.Now().UTC(),
			})
		}
	}

	return *order, nil
}

func (s *Service) RemoveLineItem(ctx context.Context, orderID string, productID string, qty int) (domain.Order, error) {
	if qty < 1 {
		return domain.Order{}, store.ErrInvalidQuantity
	}
	order, err := s.repo.RemoveOrderLine(ctx, orderID, productID, qty, s.actorID(ctx))
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.CancelOrder(ctx, orderID, s.actorID(ctx))
	if err != nil {
		return domain.Order{}, err
	}
	s.logAudit(ctx, order.LocationID, "order_cancel", "order", order.ID, fmt.Sprintf("lines=%d", len(order.Lines)))
	return *order, nil
}

func (s *Service) CloseOrder(ctx context.Context, orderID string, paymentMethod string, courtesyDiscount decimal.Decimal) (domain.Order, error) {
	switch paymentMethod {
	case domain.PaymentCash, domain.PaymentTransfer, domain.PaymentCard, domain.PaymentOther:
	default:
		return domain.Order{}, fmt.Errorf("unknown payment method %q", paymentMethod)
	}
	if courtesyDiscount.IsNegative() {
		return domain.Order{}, store.ErrInvalidQuantity
	}

	order, err := s.repo.CloseOrder(ctx, orderID, paymentMethod, courtesyDiscount, time.Now().UTC())
	if err != nil {
		return domain.Order{}, err
	}
	s.logAudit(ctx, order.LocationID, "order_close", "order", order.ID,
		fmt.Sprintf("method=%s,total=%s,courtesy=%s", order.PaymentMethod, order.Total, order.CourtesyDiscount))
	return *order, nil
}

// ---- shifts ----

func (s *Service) OpenShift(ctx context.Context, locationID string, cashierName string, openingCash decimal.Decimal) (domain.Shift, error) {
	if locationID == "" {
		locationID = s.defaultLocationID
	}
	cashierName = strings.TrimSpace(cashierName)
	if cashierName == "" {
		return domain.Shift{}, fmt.Errorf("cashier name required")
	}
	if openingCash.IsNegative() {
		return domain.Shift{}, store.ErrInvalidQuantity
	}

	shift := domain.Shift{
		ID:          xid.New("shift"),
		LocationID:  locationID,
		CashierName: cashierName,
		OpeningCash: openingCash,
		OpenedAt:    time.Now().UTC(),
	}
	opened, err := s.repo.OpenShift(ctx, shift)
	if err != nil {
		return domain.Shift{}, err
	}
	s.logAudit(ctx, locationID, "shift_open", "shift", opened.ID, fmt.Sprintf("cashier=%s,opening=%s", cashierName, openingCash))
	return *opened, nil
}

func (s *Service) ActiveShift(ctx context.Context, locationID string) (domain.Shift, error) {
	if locationID == "" {
		locationID = s.defaultLocationID
	}
	shift, err := s.repo.GetOpenShift(ctx, locationID)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

func (s *Service) CloseShift(ctx context.Context, shiftID string, countedCash decimal.Decimal, notes string) (domain.Shift, error) {
	if countedCash.IsNegative() {
		return domain.Shift{}, store.ErrInvalidQuantity
	}
	closed, err := s.repo.CloseShift(ctx, shiftID, countedCash, notes, time.Now().UTC())
	if err != nil {
		return domain.Shift{}, err
	}
	s.logAudit(ctx, closed.LocationID, "shift_close", "shift", closed.ID,
		fmt.Sprintf("expected=%s,counted=%s,variance=%s", closed.ExpectedCash, closed.CountedCash, closed.CashVariance))
	return *closed, nil
}

// ---- audit ----

func (s *Service) AuditTrail(ctx context.Context, locationID string, limit int) ([]domain.AuditEntry, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditEntries(ctx, locationID, limit)
}

func (s *Service) logAudit(ctx context.Context, locationID string, action string, entityType string, entityID string, detail string) {
	entry := domain.AuditEntry{
		ID:         xid.New("aud"),
		LocationID: locationID,
		ActorID:    s.actorID(ctx),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateAuditEntry(ctx, entry); err != nil {
		log.Printf("[service] WARN: failed to write audit entry action=%s entity=%s: %v", action, entityID, err)
	}
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		log.Printf("[service] WARN: event publish failed kind=%s product=%s: %v", event.Kind, event.ProductID, err)
	}
}
