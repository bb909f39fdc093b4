package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"barstock/backend/internal/domain"
	"barstock/backend/internal/notify"
	"barstock/backend/internal/store"
	"barstock/backend/internal/store/memory"
)

const testSupervisorPIN = "739154"

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Publish(_ context.Context, event notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) byKind(kind string) []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	matched := make([]notify.Event, 0, len(d.events))
	for _, event := range d.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func newTestService(t *testing.T) (*Service, *recordingDispatcher) {
	t.Helper()
	dispatcher := &recordingDispatcher{}
	svc, err := New(memory.NewSeeded(), dispatcher, "main-bar", testSupervisorPIN)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, dispatcher
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func createBottle(t *testing.T, svc *Service, code string, price string, threshold int) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(context.Background(), domain.ProductCreateRequest{
		Code:              code,
		Name:              "Test Bottle " + code,
		Category:          "bottled",
		UnitMode:          domain.UnitModeDiscrete,
		SalePrice:         dec(price),
		LowStockThreshold: threshold,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product
}

func purchase(t *testing.T, svc *Service, productID string, locationID string, qty int, unitCost string) domain.Movement {
	t.Helper()
	cost := dec(unitCost)
	mv, err := svc.ApplyMovement(context.Background(), domain.MovementInput{
		ProductID:   productID,
		LocationID:  locationID,
		Type:        domain.MovementPurchase,
		Quantity:    qty,
		UnitCost:    &cost,
		SupplierRef: "sup-brewery",
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	return mv
}

func TestPurchaseRecomputesWeightedAverageCost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-AVG-01", "300", 0)

	purchase(t, svc, product.ID, "main-bar", 10, "100")
	purchase(t, svc, product.ID, "main-bar", 10, "200")

	reloaded, err := svc.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !reloaded.AverageCost.Equal(dec("150")) {
		t.Fatalf("expected average cost 150, got %s", reloaded.AverageCost)
	}
	if !reloaded.LastUnitCost.Equal(dec("200")) {
		t.Fatalf("expected last unit cost 200, got %s", reloaded.LastUnitCost)
	}
}

func TestPurchaseIntoZeroStockTakesReceivedCost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-AVG-02", "300", 0)

	purchase(t, svc, product.ID, "main-bar", 5, "42.5")

	reloaded, err := svc.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !reloaded.AverageCost.Equal(dec("42.5")) {
		t.Fatalf("expected average cost 42.5, got %s", reloaded.AverageCost)
	}
}

func TestPurchaseRequiresUnitCost(t *testing.T) {
	svc, _ := newTestService(t)
	product := createBottle(t, svc, "BTL-NOCOST", "300", 0)

	_, err := svc.ApplyMovement(context.Background(), domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementPurchase,
		Quantity:   5,
	})
	if !errors.Is(err, store.ErrInvalidMovement) {
		t.Fatalf("expected invalid movement, got %v", err)
	}
}

func TestCustomerReturnWithoutCostKeepsAverage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-RET-01", "300", 0)
	purchase(t, svc, product.ID, "main-bar", 10, "100")

	mv, err := svc.ApplyMovement(ctx, domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementCustomerReturn,
		Quantity:   2,
	})
	if err != nil {
		t.Fatalf("customer return: %v", err)
	}
	if mv.UnitCost == nil || !mv.UnitCost.Equal(dec("100")) {
		t.Fatalf("expected return valued at average cost 100, got %v", mv.UnitCost)
	}

	reloaded, err := svc.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !reloaded.AverageCost.Equal(dec("100")) {
		t.Fatalf("expected average cost unchanged at 100, got %s", reloaded.AverageCost)
	}
}

func TestSaleShortfallCarriesDetailAndChangesNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-SHORT", "300", 0)
	purchase(t, svc, product.ID, "main-bar", 3, "100")

	before, err := svc.Kardex(ctx, product.ID, "main-bar", 100)
	if err != nil {
		t.Fatalf("kardex: %v", err)
	}

	_, err = svc.ApplyMovement(ctx, domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementSale,
		Quantity:   5,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var shortfall *store.InsufficientStockError
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected typed shortfall error, got %T", err)
	}
	if shortfall.Available != 3 || shortfall.Requested != 5 {
		t.Fatalf("unexpected shortfall detail: %+v", shortfall)
	}

	qty, err := svc.StockLevel(ctx, product.ID, "main-bar")
	if err != nil {
		t.Fatalf("stock level: %v", err)
	}
	if qty != 3 {
		t.Fatalf("expected stock unchanged at 3, got %d", qty)
	}
	after, err := svc.Kardex(ctx, product.ID, "main-bar", 100)
	if err != nil {
		t.Fatalf("kardex: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("failed movement must not append to the ledger: %d -> %d", len(before), len(after))
	}
}

func TestCounterAlwaysAgreesWithLedger(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-SUM", "300", 0)

	purchase(t, svc, product.ID, "main-bar", 20, "100")
	for _, step := range []struct {
		movementType string
		qty          int
	}{
		{domain.MovementSale, 4},
		{domain.MovementWaste, 1},
		{domain.MovementCustomerReturn, 2},
		{domain.MovementSample, 1},
		{domain.MovementDonation, 1},
		{domain.MovementSupplierReturn, 3},
	} {
		if _, err := svc.ApplyMovement(ctx, domain.MovementInput{
			ProductID:  product.ID,
			LocationID: "main-bar",
			Type:       step.movementType,
			Quantity:   step.qty,
		}); err != nil {
			t.Fatalf("%s: %v", step.movementType, err)
		}
	}

	counter, err := svc.StockLevel(ctx, product.ID, "main-bar")
	if err != nil {
		t.Fatalf("stock level: %v", err)
	}
	ledger, err := svc.LedgerBalance(ctx, product.ID, "main-bar")
	if err != nil {
		t.Fatalf("ledger balance: %v", err)
	}
	if counter != ledger {
		t.Fatalf("counter %d disagrees with ledger %d", counter, ledger)
	}
	if counter != 12 {
		t.Fatalf("expected 12 on hand, got %d", counter)
	}
}

func TestMovementRowsRecordBeforeAndAfter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-BEFAF", "300", 0)

	purchase(t, svc, product.ID, "main-bar", 10, "100")
	mv, err := svc.ApplyMovement(ctx, domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementSale,
		Quantity:   3,
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if mv.Quantity != -3 || mv.StockBefore != 10 || mv.StockAfter != 7 {
		t.Fatalf("unexpected ledger row: %+v", mv)
	}
}

func TestTransferConservesStockAndLinksPair(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-TRF", "300", 0)
	purchase(t, svc, product.ID, "main-bar", 10, "100")

	out, in, err := svc.Transfer(ctx, domain.TransferInput{
		ProductID:        product.ID,
		SourceLocationID: "main-bar",
		DestLocationID:   "terrace-bar",
		Quantity:         4,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if out.Type != domain.MovementTransferOut || in.Type != domain.MovementTransferIn {
		t.Fatalf("unexpected movement types: %s / %s", out.Type, in.Type)
	}
	if out.PairedMovementID != in.ID || in.PairedMovementID != out.ID {
		t.Fatalf("transfer pair not linked: %+v / %+v", out, in)
	}

	src, _ := svc.StockLevel(ctx, product.ID, "main-bar")
	dst, _ := svc.StockLevel(ctx, product.ID, "terrace-bar")
	if src != 6 || dst != 4 {
		t.Fatalf("expected 6/4 after transfer, got %d/%d", src, dst)
	}
	if src+dst != 10 {
		t.Fatalf("transfer must conserve total stock, got %d", src+dst)
	}
}

func TestTransferRejectsSameLocationAndShortfall(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-TRF-BAD", "300", 0)
	purchase(t, svc, product.ID, "main-bar", 2, "100")

	_, _, err := svc.Transfer(ctx, domain.TransferInput{
		ProductID:        product.ID,
		SourceLocationID: "main-bar",
		DestLocationID:   "main-bar",
		Quantity:         1,
	})
	if !errors.Is(err, store.ErrInvalidTransfer) {
		t.Fatalf("expected invalid transfer, got %v", err)
	}

	_, _, err = svc.Transfer(ctx, domain.TransferInput{
		ProductID:        product.ID,
		SourceLocationID: "main-bar",
		DestLocationID:   "terrace-bar",
		Quantity:         5,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	src, _ := svc.StockLevel(ctx, product.ID, "main-bar")
	dst, _ := svc.StockLevel(ctx, product.ID, "terrace-bar")
	if src != 2 || dst != 0 {
		t.Fatalf("failed transfer must not move stock, got %d/%d", src, dst)
	}
}

func TestKegLifecycle(t *testing.T) {
	svc, dispatcher := newTestService(t)
	ctx := context.Background()
	const kegID = "prd-ipa-keg" // seeded: capacity 72, 4 kegs at main-bar

	tap, err := svc.ActivateKeg(ctx, kegID, "main-bar")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !tap.Active || tap.CupsRemaining != 72 {
		t.Fatalf("unexpected tap after activate: %+v", tap)
	}

	qty, _ := svc.StockLevel(ctx, kegID, "main-bar")
	if qty != 3 {
		t.Fatalf("activation must consume one keg, stock is %d", qty)
	}
	movements, err := svc.Kardex(ctx, kegID, "main-bar", 1)
	if err != nil || len(movements) != 1 {
		t.Fatalf("kardex: %v (%d rows)", err, len(movements))
	}
	if movements[0].Type != domain.MovementInternalConsumption || movements[0].Quantity != -1 {
		t.Fatalf("activation must write an internal consumption row, got %+v", movements[0])
	}

	if _, err := svc.ActivateKeg(ctx, kegID, "main-bar"); !errors.Is(err, store.ErrKegAlreadyActive) {
		t.Fatalf("expected keg already active, got %v", err)
	}

	tap, err = svc.ServeCups(ctx, kegID, "main-bar", 60)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if tap.CupsRemaining != 12 {
		t.Fatalf("expected 12 cups remaining, got %d", tap.CupsRemaining)
	}
	lowCups := dispatcher.byKind(notify.EventLowCups)
	if len(lowCups) == 0 || lowCups[0].Remaining != 12 {
		t.Fatalf("expected low cups signal at 12 remaining, got %+v", lowCups)
	}

	_, err = svc.ServeCups(ctx, kegID, "main-bar", 20)
	if !errors.Is(err, store.ErrInsufficientCups) {
		t.Fatalf("expected insufficient cups, got %v", err)
	}
	var cupsErr *store.InsufficientCupsError
	if !errors.As(err, &cupsErr) || cupsErr.Remaining != 12 || cupsErr.Requested != 20 {
		t.Fatalf("unexpected cups error detail: %v", err)
	}

	tap, err = svc.ReturnCups(ctx, kegID, "main-bar", 100)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if tap.CupsRemaining != 72 {
		t.Fatalf("return must clamp at capacity 72, got %d", tap.CupsRemaining)
	}

	tap, err = svc.DeactivateKeg(ctx, kegID, "main-bar")
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if tap.Active || tap.CupsRemaining != 0 {
		t.Fatalf("unexpected tap after deactivate: %+v", tap)
	}
	if _, err := svc.ServeCups(ctx, kegID, "main-bar", 1); !errors.Is(err, store.ErrKegNotActive) {
		t.Fatalf("expected keg not active, got %v", err)
	}
	if _, err := svc.DeactivateKeg(ctx, kegID, "main-bar"); !errors.Is(err, store.ErrKegNotActive) {
		t.Fatalf("expected keg not active on second deactivate, got %v", err)
	}
}

func TestActivateKegRequiresKegStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Code:            "KEG-EMPTY",
		Name:            "Empty Cellar Keg",
		Category:        "draft",
		UnitMode:        domain.UnitModeKeg,
		SalePrice:       dec("200"),
		KegCapacityCups: 80,
	})
	if err != nil {
		t.Fatalf("create keg product: %v", err)
	}

	if _, err := svc.ActivateKeg(ctx, product.ID, "main-bar"); !errors.Is(err, store.ErrNoKegStock) {
		t.Fatalf("expected no keg stock, got %v", err)
	}
}

func TestAdjustCupsRequiresSupervisorPIN(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	const kegID = "prd-ipa-keg"

	if _, err := svc.ActivateKeg(ctx, kegID, "main-bar"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, err := svc.AdjustCups(ctx, kegID, "main-bar", 30, "000000"); err == nil {
		t.Fatalf("expected wrong PIN to be rejected")
	}

	tap, err := svc.AdjustCups(ctx, kegID, "main-bar", 30, testSupervisorPIN)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if tap.CupsRemaining != 30 {
		t.Fatalf("expected 30 cups after adjust, got %d", tap.CupsRemaining)
	}

	// Values outside [0, capacity] clamp.
	tap, err = svc.AdjustCups(ctx, kegID, "main-bar", 500, testSupervisorPIN)
	if err != nil {
		t.Fatalf("adjust high: %v", err)
	}
	if tap.CupsRemaining != 72 {
		t.Fatalf("expected clamp at capacity 72, got %d", tap.CupsRemaining)
	}
}

func TestManualAdjustmentsRequireSupervisorPIN(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-ADJ", "300", 0)
	purchase(t, svc, product.ID, "main-bar", 10, "100")

	_, err := svc.ApplyMovement(ctx, domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementNegativeAdjustment,
		Quantity:   2,
	})
	if err == nil {
		t.Fatalf("expected adjustment via ApplyMovement to be refused")
	}

	if _, err := svc.ApplyAdjustment(ctx, domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementNegativeAdjustment,
		Quantity:   2,
		Reason:     "stocktake",
	}, "111111"); err == nil {
		t.Fatalf("expected wrong PIN to be rejected")
	}

	mv, err := svc.ApplyAdjustment(ctx, domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementNegativeAdjustment,
		Quantity:   2,
		Reason:     "stocktake",
	}, testSupervisorPIN)
	if err != nil {
		t.Fatalf("adjustment: %v", err)
	}
	if mv.Quantity != -2 || mv.StockAfter != 8 {
		t.Fatalf("unexpected adjustment row: %+v", mv)
	}
}

func TestConcurrentSalesOfLastUnit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-RACE", "300", 0)
	purchase(t, svc, product.ID, "main-bar", 1, "100")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyMovement(ctx, domain.MovementInput{
				ProductID:  product.ID,
				LocationID: "main-bar",
				Type:       domain.MovementSale,
				Quantity:   1,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, shortfalls int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrInsufficientStock):
			shortfalls++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || shortfalls != 1 {
		t.Fatalf("expected exactly one sale to win, got %d successes and %d shortfalls", successes, shortfalls)
	}

	qty, _ := svc.StockLevel(ctx, product.ID, "main-bar")
	if qty != 0 {
		t.Fatalf("expected 0 on hand, got %d", qty)
	}
	ledger, _ := svc.LedgerBalance(ctx, product.ID, "main-bar")
	if ledger != 0 {
		t.Fatalf("ledger disagrees after race: %d", ledger)
	}
}

func TestOrderLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ActivateKeg(ctx, "prd-lager-keg", "main-bar"); err != nil {
		t.Fatalf("activate keg: %v", err)
	}

	order, err := svc.OpenOrder(ctx, "main-bar")
	if err != nil {
		t.Fatalf("open order: %v", err)
	}

	// Two bottles (seeded price 250) and three cups of lager (seeded 180).
	order, err = svc.AddLineItem(ctx, order.ID, "prd-pilsner-btl", 2)
	if err != nil {
		t.Fatalf("add bottles: %v", err)
	}
	order, err = svc.AddLineItem(ctx, order.ID, "prd-lager-keg", 3)
	if err != nil {
		t.Fatalf("add cups: %v", err)
	}
	if !order.Subtotal.Equal(dec("1040")) {
		t.Fatalf("expected subtotal 1040, got %s", order.Subtotal)
	}

	bottleStock, _ := svc.StockLevel(ctx, "prd-pilsner-btl", "main-bar")
	if bottleStock != 178 {
		t.Fatalf("expected 178 bottles after sale, got %d", bottleStock)
	}
	tap, _ := svc.KegTap(ctx, "prd-lager-keg", "main-bar")
	if tap.CupsRemaining != 117 {
		t.Fatalf("expected 117 cups remaining, got %d", tap.CupsRemaining)
	}

	// Removing one bottle puts it back without touching the average cost.
	order, err = svc.RemoveLineItem(ctx, order.ID, "prd-pilsner-btl", 1)
	if err != nil {
		t.Fatalf("remove bottle: %v", err)
	}
	if !order.Subtotal.Equal(dec("790")) {
		t.Fatalf("expected subtotal 790, got %s", order.Subtotal)
	}
	bottleStock, _ = svc.StockLevel(ctx, "prd-pilsner-btl", "main-bar")
	if bottleStock != 179 {
		t.Fatalf("expected 179 bottles after removal, got %d", bottleStock)
	}

	closed, err := svc.CloseOrder(ctx, order.ID, domain.PaymentCash, dec("40"))
	if err != nil {
		t.Fatalf("close order: %v", err)
	}
	if closed.Status != domain.OrderStatusClosed || !closed.Total.Equal(dec("750")) {
		t.Fatalf("unexpected closed order: status=%s total=%s", closed.Status, closed.Total)
	}

	if _, err := svc.CloseOrder(ctx, order.ID, domain.PaymentCash, decimal.Zero); !errors.Is(err, store.ErrOrderNotOpen) {
		t.Fatalf("expected order not open on second close, got %v", err)
	}
	if _, err := svc.AddLineItem(ctx, order.ID, "prd-pilsner-btl", 1); !errors.Is(err, store.ErrOrderNotOpen) {
		t.Fatalf("expected order not open on add after close, got %v", err)
	}
}

func TestCancelOrderRestoresStockExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ActivateKeg(ctx, "prd-lager-keg", "main-bar"); err != nil {
		t.Fatalf("activate keg: %v", err)
	}

	order, err := svc.OpenOrder(ctx, "main-bar")
	if err != nil {
		t.Fatalf("open order: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, order.ID, "prd-stout-btl", 4); err != nil {
		t.Fatalf("add bottles: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, order.ID, "prd-lager-keg", 5); err != nil {
		t.Fatalf("add cups: %v", err)
	}

	cancelled, err := svc.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}

	stock, _ := svc.StockLevel(ctx, "prd-stout-btl", "main-bar")
	if stock != 96 {
		t.Fatalf("expected bottle stock restored to 96, got %d", stock)
	}
	tap, _ := svc.KegTap(ctx, "prd-lager-keg", "main-bar")
	if tap.CupsRemaining != 120 {
		t.Fatalf("expected cups restored to 120, got %d", tap.CupsRemaining)
	}

	// A second cancel fails and must not credit stock again.
	if _, err := svc.CancelOrder(ctx, order.ID); !errors.Is(err, store.ErrOrderNotOpen) {
		t.Fatalf("expected order not open, got %v", err)
	}
	stock, _ = svc.StockLevel(ctx, "prd-stout-btl", "main-bar")
	if stock != 96 {
		t.Fatalf("double cancel credited stock: %d", stock)
	}

	ledger, _ := svc.LedgerBalance(ctx, "prd-stout-btl", "main-bar")
	if ledger != stock {
		t.Fatalf("counter %d disagrees with ledger %d", stock, ledger)
	}
}

func TestCancelOrderWithDeactivatedProduct(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.OpenOrder(ctx, "main-bar")
	if err != nil {
		t.Fatalf("open order: %v", err)
	}
	// Seeded: 10 gin, 12 whisky at main-bar.
	if _, err := svc.AddLineItem(ctx, order.ID, "prd-gin", 2); err != nil {
		t.Fatalf("add gin: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, order.ID, "prd-whisky", 1); err != nil {
		t.Fatalf("add whisky: %v", err)
	}

	// Delisting a product while an open order still holds a line for it.
	if _, err := svc.DeactivateProduct(ctx, "prd-whisky"); err != nil {
		t.Fatalf("deactivate product: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, order.ID, "prd-whisky", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale of delisted product to be refused, got %v", err)
	}

	// The line can still be reduced and the order cancelled.
	if _, err := svc.RemoveLineItem(ctx, order.ID, "prd-whisky", 1); err != nil {
		t.Fatalf("remove whisky line: %v", err)
	}
	whisky, _ := svc.StockLevel(ctx, "prd-whisky", "main-bar")
	if whisky != 12 {
		t.Fatalf("expected whisky stock restored to 12, got %d", whisky)
	}

	cancelled, err := svc.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}
	gin, _ := svc.StockLevel(ctx, "prd-gin", "main-bar")
	if gin != 10 {
		t.Fatalf("expected gin stock restored to 10, got %d", gin)
	}
	if _, err := svc.CancelOrder(ctx, order.ID); !errors.Is(err, store.ErrOrderNotOpen) {
		t.Fatalf("expected order not open on second cancel, got %v", err)
	}
	ledger, _ := svc.LedgerBalance(ctx, "prd-gin", "main-bar")
	if ledger != gin {
		t.Fatalf("counter %d disagrees with ledger %d", gin, ledger)
	}
}

func TestCancelOrderWithDeactivatedProductIsAtomic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.OpenOrder(ctx, "main-bar")
	if err != nil {
		t.Fatalf("open order: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, order.ID, "prd-gin", 2); err != nil {
		t.Fatalf("add gin: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, order.ID, "prd-whisky", 1); err != nil {
		t.Fatalf("add whisky: %v", err)
	}
	if _, err := svc.DeactivateProduct(ctx, "prd-whisky"); err != nil {
		t.Fatalf("deactivate product: %v", err)
	}

	// Cancel must credit every line in one shot, not fail mid-way with
	// some lines already restored and the order left open.
	if _, err := svc.CancelOrder(ctx, order.ID); err != nil {
		t.Fatalf("cancel with delisted line: %v", err)
	}
	gin, _ := svc.StockLevel(ctx, "prd-gin", "main-bar")
	whisky, _ := svc.StockLevel(ctx, "prd-whisky", "main-bar")
	if gin != 10 || whisky != 12 {
		t.Fatalf("expected 10 gin and 12 whisky restored, got %d/%d", gin, whisky)
	}
	reloaded, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if reloaded.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", reloaded.Status)
	}
}

func TestKegAuditFiguresComeFromTheMutation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	const kegID = "prd-ipa-keg" // capacity 72

	if _, err := svc.ActivateKeg(ctx, kegID, "main-bar"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := svc.ServeCups(ctx, kegID, "main-bar", 10); err != nil {
		t.Fatalf("serve: %v", err)
	}

	// 62 on the tap, returning 20 overflows capacity by 10.
	tap, err := svc.ReturnCups(ctx, kegID, "main-bar", 20)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if tap.CupsRemaining != 72 {
		t.Fatalf("expected clamp at 72, got %d", tap.CupsRemaining)
	}
	if detail := findAuditDetail(t, svc, "main-bar", "keg_return_clamped"); detail != "returned=20,clamped=10" {
		t.Fatalf("unexpected clamp audit detail: %q", detail)
	}

	if _, err := svc.DeactivateKeg(ctx, kegID, "main-bar"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if detail := findAuditDetail(t, svc, "main-bar", "keg_deactivate"); detail != "cups_discarded=72" {
		t.Fatalf("unexpected deactivate audit detail: %q", detail)
	}
}

func findAuditDetail(t *testing.T, svc *Service, locationID string, action string) string {
	t.Helper()
	entries, err := svc.AuditTrail(context.Background(), locationID, 50)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	for _, entry := range entries {
		if entry.Action == action {
			return entry.Detail
		}
	}
	t.Fatalf("no %q audit entry found", action)
	return ""
}

func TestLowStockSignalOnSale(t *testing.T) {
	svc, dispatcher := newTestService(t)
	ctx := context.Background()
	product := createBottle(t, svc, "BTL-LOW", "300", 5)
	purchase(t, svc, product.ID, "main-bar", 7, "100")

	if _, err := svc.ApplyMovement(ctx, domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementSale,
		Quantity:   1,
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if events := dispatcher.byKind(notify.EventLowStock); len(events) != 0 {
		t.Fatalf("no signal expected above threshold, got %+v", events)
	}

	if _, err := svc.ApplyMovement(ctx, domain.MovementInput{
		ProductID:  product.ID,
		LocationID: "main-bar",
		Type:       domain.MovementSale,
		Quantity:   1,
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	events := dispatcher.byKind(notify.EventLowStock)
	if len(events) != 1 || events[0].Remaining != 5 || events[0].Threshold != 5 {
		t.Fatalf("expected low stock signal at threshold, got %+v", events)
	}
}

func TestShiftReconciliation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	shift, err := svc.OpenShift(ctx, "terrace-bar", "Dana", dec("1000"))
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	if _, err := svc.OpenShift(ctx, "terrace-bar", "Robin", dec("500")); !errors.Is(err, store.ErrShiftAlreadyOpen) {
		t.Fatalf("expected shift already open, got %v", err)
	}

	// Cash order: 3 stout bottles at 320 = 960.
	cashOrder, err := svc.OpenOrder(ctx, "terrace-bar")
	if err != nil {
		t.Fatalf("open order: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, cashOrder.ID, "prd-stout-btl", 3); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := svc.CloseOrder(ctx, cashOrder.ID, domain.PaymentCash, decimal.Zero); err != nil {
		t.Fatalf("close cash order: %v", err)
	}

	// Card order: 2 pilsner bottles at 250 with a 100 courtesy = 400.
	cardOrder, err := svc.OpenOrder(ctx, "terrace-bar")
	if err != nil {
		t.Fatalf("open order: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, cardOrder.ID, "prd-pilsner-btl", 2); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := svc.CloseOrder(ctx, cardOrder.ID, domain.PaymentCard, dec("100")); err != nil {
		t.Fatalf("close card order: %v", err)
	}

	closed, err := svc.CloseShift(ctx, shift.ID, dec("1900"), "till light")
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if closed.OrderCount != 2 {
		t.Fatalf("expected 2 orders, got %d", closed.OrderCount)
	}
	if !closed.CashSales.Equal(dec("960")) || !closed.OtherSales.Equal(dec("400")) {
		t.Fatalf("unexpected sales split: cash=%s other=%s", closed.CashSales, closed.OtherSales)
	}
	if !closed.CourtesyTotal.Equal(dec("100")) {
		t.Fatalf("expected courtesy total 100, got %s", closed.CourtesyTotal)
	}
	if !closed.ExpectedCash.Equal(dec("1960")) {
		t.Fatalf("expected cash 1960, got %s", closed.ExpectedCash)
	}
	if !closed.CashVariance.Equal(dec("-60")) {
		t.Fatalf("expected variance -60, got %s", closed.CashVariance)
	}

	if _, err := svc.CloseShift(ctx, shift.ID, dec("1900"), ""); !errors.Is(err, store.ErrShiftNotOpen) {
		t.Fatalf("expected shift not open on second close, got %v", err)
	}
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := WithActor(context.Background(), domain.Actor{ID: "usr-dana", Name: "Dana"})
	product := createBottle(t, svc, "BTL-AUD", "300", 0)
	cost := dec("100")
	if _, err := svc.ApplyMovement(ctx, domain.MovementInput{
		ProductID:   product.ID,
		LocationID:  "main-bar",
		Type:        domain.MovementPurchase,
		Quantity:    5,
		UnitCost:    &cost,
		SupplierRef: "sup-brewery",
	}); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	entries, err := svc.AuditTrail(ctx, "main-bar", 10)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected audit entries after a purchase")
	}
	if entries[0].Action != "movement_apply" || entries[0].ActorID != "usr-dana" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}
