package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"barstock/backend/internal/costing"
	"barstock/backend/internal/domain"
	"barstock/backend/internal/store"
	"barstock/backend/internal/xid"
)

type Store struct {
	db            *sql.DB
	lockTimeoutMS int
}

func New(ctx context.Context, databaseURL string, lockTimeoutMS int) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if lockTimeoutMS < 100 {
		lockTimeoutMS = 3000
	}
	return &Store{db: db, lockTimeoutMS: lockTimeoutMS}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// beginTx opens a serializable transaction with a bounded lock wait, so a
// contended FOR UPDATE surfaces as store.ErrLockTimeout instead of hanging.
func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, s.lockTimeoutMS)); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

// ---- catalog ----

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Code == "" || product.Name == "" {
		return nil, store.ErrInvalidMovement
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, code, name, category, unit_mode, sale_price, average_cost,
			last_unit_cost, keg_capacity_cups, low_stock_threshold, active,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true, $11, $11)
	`, product.ID, product.Code, product.Name, product.Category, product.UnitMode,
		product.SalePrice, product.AverageCost, product.LastUnitCost,
		product.KegCapacityCups, product.LowStockThreshold, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	product.Active = true
	created := product
	return &created, nil
}

const productColumns = `
	id, code, name, category, unit_mode, sale_price, average_cost,
	last_unit_cost, keg_capacity_cups, low_stock_threshold, active,
	created_at, updated_at
`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Category, &p.UnitMode,
		&p.SalePrice, &p.AverageCost, &p.LastUnitCost, &p.KegCapacityCups,
		&p.LowStockThreshold, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
	return scanProduct(row)
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE code = $1`, code)
	return scanProduct(row)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) DeactivateProduct(ctx context.Context, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET active = false, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns+`
	`, productID)
	return scanProduct(row)
}

func (s *Store) CreateLocation(ctx context.Context, location domain.Location) (*domain.Location, error) {
	if location.ID == "" || location.Name == "" {
		return nil, store.ErrInvalidMovement
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, created_at)
		VALUES ($1, $2, $3)
	`, location.ID, location.Name, location.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := location
	return &created, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM locations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := make([]domain.Location, 0, 8)
	for rows.Next() {
		var loc domain.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.CreatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locations, nil
}

// ---- stock reads ----

func (s *Store) GetStockLevel(ctx context.Context, productID string, locationID string) (int, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, store.ErrNotFound
	}

	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT qty FROM stock_levels WHERE product_id = $1 AND location_id = $2
	`, productID, locationID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (s *Store) ListStockLevels(ctx context.Context, productID string) ([]domain.StockLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, location_id, qty, updated_at
		FROM stock_levels
		WHERE product_id = $1
		ORDER BY location_id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 8)
	for rows.Next() {
		var level domain.StockLevel
		if err := rows.Scan(&level.ProductID, &level.LocationID, &level.Qty, &level.UpdatedAt); err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

func (s *Store) StockFromLedger(ctx context.Context, productID string, locationID string) (int, error) {
	var sum int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM movements
		WHERE product_id = $1 AND location_id = $2
	`, productID, locationID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum, nil
}

const movementColumns = `
	id, product_id, location_id, type, quantity, stock_before, stock_after,
	unit_cost, total_cost, supplier_ref, order_id, paired_movement_id,
	source_location_id, dest_location_id, reason, actor_id, created_at
`

func scanMovement(row interface{ Scan(...any) error }) (*domain.Movement, error) {
	var mv domain.Movement
	var unitCost, totalCost decimal.NullDecimal
	var supplierRef, orderID, pairedID, sourceLoc, destLoc, reason, actorID sql.NullString

	err := row.Scan(&mv.ID, &mv.ProductID, &mv.LocationID, &mv.Type, &mv.Quantity,
		&mv.StockBefore, &mv.StockAfter, &unitCost, &totalCost, &supplierRef,
		&orderID, &pairedID, &sourceLoc, &destLoc, &reason, &actorID, &mv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if unitCost.Valid {
		mv.UnitCost = &unitCost.Decimal
	}
	if totalCost.Valid {
		mv.TotalCost = &totalCost.Decimal
	}
	mv.SupplierRef = supplierRef.String
	mv.OrderID = orderID.String
	mv.PairedMovementID = pairedID.String
	mv.SourceLocationID = sourceLoc.String
	mv.DestLocationID = destLoc.String
	mv.Reason = reason.String
	mv.ActorID = actorID.String
	return &mv, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, locationID string, limit int) ([]domain.Movement, error) {
	if limit < 1 {
		limit = 50
	}

	query := `SELECT ` + movementColumns + ` FROM movements`
	args := make([]any, 0, 3)
	conds := make([]string, 0, 2)
	if productID != "" {
		args = append(args, productID)
		conds = append(conds, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if locationID != "" {
		args = append(args, locationID)
		conds = append(conds, fmt.Sprintf("location_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.Movement, 0, limit)
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, *mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// ---- ledger writes ----

type lockedProduct struct {
	id                string
	unitMode          string
	averageCost       decimal.Decimal
	kegCapacityCups   int
	lowStockThreshold int
	active            bool
}

// lockProduct takes the product row lock. Every mutating transaction locks
// the product first and stock rows second, so concurrent writers always
// acquire locks in the same order.
func lockProduct(ctx context.Context, tx *sql.Tx, productID string) (*lockedProduct, error) {
	var p lockedProduct
	err := tx.QueryRowContext(ctx, `
		SELECT id, unit_mode, average_cost, keg_capacity_cups, low_stock_threshold, active
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&p.id, &p.unitMode, &p.averageCost, &p.kegCapacityCups, &p.lowStockThreshold, &p.active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapRetryableError(err)
	}
	return &p, nil
}

func locationExists(ctx context.Context, tx *sql.Tx, locationID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM locations WHERE id = $1)`, locationID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

// lockStockRow materializes the stock row if needed and takes its lock,
// returning the quantity read under that lock.
func lockStockRow(ctx context.Context, tx *sql.Tx, productID string, locationID string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_levels (product_id, location_id, qty, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (product_id, location_id) DO NOTHING
	`, productID, locationID); err != nil {
		return 0, err
	}

	var qty int
	err := tx.QueryRowContext(ctx, `
		SELECT qty FROM stock_levels
		WHERE product_id = $1 AND location_id = $2
		FOR UPDATE
	`, productID, locationID).Scan(&qty)
	if err != nil {
		return 0, mapRetryableError(err)
	}
	return qty, nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, mv domain.Movement) error {
	var unitCost, totalCost decimal.NullDecimal
	if mv.UnitCost != nil {
		unitCost = decimal.NullDecimal{Decimal: *mv.UnitCost, Valid: true}
	}
	if mv.TotalCost != nil {
		totalCost = decimal.NullDecimal{Decimal: *mv.TotalCost, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO movements (
			id, product_id, location_id, type, quantity, stock_before, stock_after,
			unit_cost, total_cost, supplier_ref, order_id, paired_movement_id,
			source_location_id, dest_location_id, reason, actor_id, created_at
		)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
			NULLIF($13, ''), NULLIF($14, ''), NULLIF($15, ''), NULLIF($16, ''), $17
		)
	`, mv.ID, mv.ProductID, mv.LocationID, mv.Type, mv.Quantity, mv.StockBefore,
		mv.StockAfter, unitCost, totalCost, mv.SupplierRef, mv.OrderID,
		mv.PairedMovementID, mv.SourceLocationID, mv.DestLocationID, mv.Reason,
		mv.ActorID, mv.CreatedAt)
	return err
}

func setStockRow(ctx context.Context, tx *sql.Tx, productID string, locationID string, qty int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE stock_levels
		SET qty = $3, updated_at = now()
		WHERE product_id = $1 AND location_id = $2
	`, productID, locationID, qty)
	return err
}

// applyMovementTx runs the full single-movement protocol inside the caller's
// transaction: product lock, stock row lock, stock_before read, shortfall
// check, ledger insert, counter update and (for costed receipts) the
// weighted-average recomputation over the snapshot on-hand total.
func applyMovementTx(ctx context.Context, tx *sql.Tx, input domain.MovementInput, now time.Time) (*domain.Movement, error) {
	direction := domain.MovementDirection(input.Type)
	if direction == 0 {
		return nil, store.ErrInvalidMovement
	}
	if input.Quantity < 1 {
		return nil, store.ErrInvalidQuantity
	}
	if input.Type == domain.MovementPurchase {
		if input.UnitCost == nil || !input.UnitCost.IsPositive() {
			return nil, store.ErrInvalidMovement
		}
	}
	if input.UnitCost != nil && input.UnitCost.IsNegative() {
		return nil, store.ErrInvalidMovement
	}

	product, err := lockProduct(ctx, tx, input.ProductID)
	if err != nil {
		return nil, err
	}
	// Reverts must keep working after a product is soft-deleted, so only
	// forward movements require an active product.
	if !product.active && input.Type != domain.MovementCustomerReturn {
		return nil, store.ErrNotFound
	}
	if err := locationExists(ctx, tx, input.LocationID); err != nil {
		return nil, err
	}

	stockBefore, err := lockStockRow(ctx, tx, input.ProductID, input.LocationID)
	if err != nil {
		return nil, err
	}
	if direction < 0 && stockBefore < input.Quantity {
		return nil, &store.InsufficientStockError{
			ProductID:  input.ProductID,
			LocationID: input.LocationID,
			Available:  stockBefore,
			Requested:  input.Quantity,
		}
	}

	averageCost := product.averageCost
	recompute := input.UnitCost != nil && input.UnitCost.IsPositive() &&
		(input.Type == domain.MovementPurchase || input.Type == domain.MovementCustomerReturn)
	if recompute {
		var onHand int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(qty), 0) FROM stock_levels WHERE product_id = $1
		`, input.ProductID).Scan(&onHand); err != nil {
			return nil, err
		}
		averageCost = costing.WeightedAverage(onHand, product.averageCost, input.Quantity, *input.UnitCost)
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET average_cost = $2, last_unit_cost = $3, updated_at = now()
			WHERE id = $1
		`, input.ProductID, averageCost, *input.UnitCost); err != nil {
			return nil, err
		}
	}

	unitCost := input.UnitCost
	if unitCost == nil && input.Type == domain.MovementCustomerReturn && averageCost.IsPositive() {
		avg := averageCost
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

	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}
	if err := setStockRow(ctx, tx, input.ProductID, input.LocationID, movement.StockAfter); err != nil {
		return nil, err
	}

	created := movement
	return &created, nil
}

func (s *Store) ApplyMovement(ctx context.Context, input domain.MovementInput) (*domain.Movement, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	movement, err := applyMovementTx(ctx, tx, input, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapRetryableError(err)
	}
	return movement, nil
}

func (s *Store) Transfer(ctx context.Context, input domain.TransferInput) (*domain.Movement, *domain.Movement, error) {
	if input.SourceLocationID == input.DestLocationID {
		return nil, nil, store.ErrInvalidTransfer
	}
	if input.Quantity < 1 {
		return nil, nil, store.ErrInvalidQuantity
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := lockProduct(ctx, tx, input.ProductID)
	if err != nil {
		return nil, nil, err
	}
	if !product.active {
		return nil, nil, store.ErrNotFound
	}
	if err := locationExists(ctx, tx, input.SourceLocationID); err != nil {
		return nil, nil, err
	}
	if err := locationExists(ctx, tx, input.DestLocationID); err != nil {
		return nil, nil, err
	}

	// Lock both stock rows in location-id order so two opposing transfers
	// cannot deadlock each other.
	ordered := []string{input.SourceLocationID, input.DestLocationID}
	if ordered[1] < ordered[0] {
		ordered[0], ordered[1] = ordered[1], ordered[0]
	}
	qtyByLocation := make(map[string]int, 2)
	for _, locationID := range ordered {
		qty, err := lockStockRow(ctx, tx, input.ProductID, locationID)
		if err != nil {
			return nil, nil, err
		}
		qtyByLocation[locationID] = qty
	}

	srcBefore := qtyByLocation[input.SourceLocationID]
	dstBefore := qtyByLocation[input.DestLocationID]
	if srcBefore < input.Quantity {
		return nil, nil, &store.InsufficientStockError{
			ProductID:  input.ProductID,
			LocationID: input.SourceLocationID,
			Available:  srcBefore,
			Requested:  input.Quantity,
		}
	}

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

	if err := insertMovement(ctx, tx, out); err != nil {
		return nil, nil, err
	}
	if err := insertMovement(ctx, tx, in); err != nil {
		return nil, nil, err
	}
	if err := setStockRow(ctx, tx, input.ProductID, input.SourceLocationID, out.StockAfter); err != nil {
		return nil, nil, err
	}
	if err := setStockRow(ctx, tx, input.ProductID, input.DestLocationID, in.StockAfter); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapRetryableError(err)
	}

	outCopy := out
	inCopy := in
	return &outCopy, &inCopy, nil
}

// ---- keg taps ----

type lockedTap struct {
	active        bool
	cupsRemaining int
}

// lockTap materializes and locks the tap row for a keg product. The product
// row must already be locked by the caller.
func lockTap(ctx context.Context, tx *sql.Tx, product *lockedProduct, locationID string) (*lockedTap, error) {
	if product.unitMode != domain.UnitModeKeg {
		return nil, store.ErrInvalidMovement
	}
	if err := locationExists(ctx, tx, locationID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO keg_taps (product_id, location_id, active, cups_remaining)
		VALUES ($1, $2, false, 0)
		ON CONFLICT (product_id, location_id) DO NOTHING
	`, product.id, locationID); err != nil {
		return nil, err
	}

	var tap lockedTap
	err := tx.QueryRowContext(ctx, `
		SELECT active, cups_remaining FROM keg_taps
		WHERE product_id = $1 AND location_id = $2
		FOR UPDATE
	`, product.id, locationID).Scan(&tap.active, &tap.cupsRemaining)
	if err != nil {
		return nil, mapRetryableError(err)
	}
	return &tap, nil
}

func saveTap(ctx context.Context, tx *sql.Tx, productID string, locationID string, active bool, cups int, tappedAt *time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE keg_taps
		SET active = $3, cups_remaining = $4, tapped_at = $5
		WHERE product_id = $1 AND location_id = $2
	`, productID, locationID, active, cups, tappedAt)
	return err
}

func (s *Store) GetKegTap(ctx context.Context, productID string, locationID string) (*domain.KegTap, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.UnitMode != domain.UnitModeKeg {
		return nil, store.ErrInvalidMovement
	}

	tap := domain.KegTap{ProductID: productID, LocationID: locationID}
	var tappedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT active, cups_remaining, tapped_at FROM keg_taps
		WHERE product_id = $1 AND location_id = $2
	`, productID, locationID).Scan(&tap.Active, &tap.CupsRemaining, &tappedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if tappedAt.Valid {
		t := tappedAt.Time
		tap.TappedAt = &t
	}
	return &tap, nil
}

func (s *Store) ActivateKeg(ctx context.Context, productID string, locationID string, actorID string) (*domain.KegTap, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	tap, err := lockTap(ctx, tx, product, locationID)
	if err != nil {
		return nil, err
	}
	if tap.active {
		return nil, store.ErrKegAlreadyActive
	}

	stock, err := lockStockRow(ctx, tx, productID, locationID)
	if err != nil {
		return nil, err
	}
	if stock < 1 {
		return nil, store.ErrNoKegStock
	}

	now := time.Now().UTC()
	movement := domain.Movement{
		ID:          xid.New("mov"),
		ProductID:   productID,
		LocationID:  locationID,
		Type:        domain.MovementInternalConsumption,
		Quantity:    -1,
		StockBefore: stock,
		StockAfter:  stock - 1,
		Reason:      "keg tapped",
		ActorID:     actorID,
		CreatedAt:   now,
	}
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}
	if err := setStockRow(ctx, tx, productID, locationID, movement.StockAfter); err != nil {
		return nil, err
	}
	if err := saveTap(ctx, tx, productID, locationID, true, product.kegCapacityCups, &now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapRetryableError(err)
	}

	return &domain.KegTap{
		ProductID:     productID,
		LocationID:    locationID,
		Active:        true,
		CupsRemaining: product.kegCapacityCups,
		TappedAt:      &now,
	}, nil
}

func (s *Store) DeactivateKeg(ctx context.Context, productID string, locationID string) (*domain.KegTap, int, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return nil, 0, err
	}
	tap, err := lockTap(ctx, tx, product, locationID)
	if err != nil {
		return nil, 0, err
	}
	if !tap.active {
		return nil, 0, store.ErrKegNotActive
	}

	// Read the closing count under the same row lock as the mutation so
	// the caller's audit figure cannot race a concurrent pour.
	discarded := tap.cupsRemaining

	if err := saveTap(ctx, tx, productID, locationID, false, 0, nil); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, mapRetryableError(err)
	}

	return &domain.KegTap{ProductID: productID, LocationID: locationID}, discarded, nil
}

// serveCupsTx decrements the tap under its row lock. The product row must
// already be locked by the caller.
func serveCupsTx(ctx context.Context, tx *sql.Tx, product *lockedProduct, locationID string, cups int) (int, error) {
	if cups < 1 {
		return 0, store.ErrInvalidQuantity
	}
	tap, err := lockTap(ctx, tx, product, locationID)
	if err != nil {
		return 0, err
	}
	if !tap.active {
		return 0, store.ErrKegNotActive
	}
	if tap.cupsRemaining < cups {
		return 0, &store.InsufficientCupsError{
			ProductID:  product.id,
			LocationID: locationID,
			Remaining:  tap.cupsRemaining,
			Requested:  cups,
		}
	}

	remaining := tap.cupsRemaining - cups
	if _, err := tx.ExecContext(ctx, `
		UPDATE keg_taps SET cups_remaining = $3
		WHERE product_id = $1 AND location_id = $2
	`, product.id, locationID, remaining); err != nil {
		return 0, err
	}
	return remaining, nil
}

// returnCupsTx adds cups back, clamped at tap capacity. It returns the new
// count and how many cups the clamp discarded.
func returnCupsTx(ctx context.Context, tx *sql.Tx, product *lockedProduct, locationID string, cups int) (int, int, error) {
	if cups < 1 {
		return 0, 0, store.ErrInvalidQuantity
	}
	tap, err := lockTap(ctx, tx, product, locationID)
	if err != nil {
		return 0, 0, err
	}
	if !tap.active {
		return 0, 0, store.ErrKegNotActive
	}

	remaining := tap.cupsRemaining + cups
	clamped := 0
	if remaining > product.kegCapacityCups {
		clamped = remaining - product.kegCapacityCups
		remaining = product.kegCapacityCups
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE keg_taps SET cups_remaining = $3
		WHERE product_id = $1 AND location_id = $2
	`, product.id, locationID, remaining); err != nil {
		return 0, 0, err
	}
	return remaining, clamped, nil
}

func (s *Store) ServeCups(ctx context.Context, productID string, locationID string, cups int) (*domain.KegTap, error) {
	return s.tapMutation(ctx, productID, locationID, func(tx *sql.Tx, product *lockedProduct) (int, error) {
		return serveCupsTx(ctx, tx, product, locationID, cups)
	})
}

func (s *Store) ReturnCups(ctx context.Context, productID string, locationID string, cups int) (*domain.KegTap, int, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return nil, 0, err
	}
	remaining, clamped, err := returnCupsTx(ctx, tx, product, locationID, cups)
	if err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, mapRetryableError(err)
	}

	return &domain.KegTap{
		ProductID:     productID,
		LocationID:    locationID,
		Active:        true,
		CupsRemaining: remaining,
	}, clamped, nil
}

func (s *Store) AdjustCups(ctx context.Context, productID string, locationID string, cups int) (*domain.KegTap, error) {
	return s.tapMutation(ctx, productID, locationID, func(tx *sql.Tx, product *lockedProduct) (int, error) {
		tap, err := lockTap(ctx, tx, product, locationID)
		if err != nil {
			return 0, err
		}
		if !tap.active {
			return 0, store.ErrKegNotActive
		}
		if cups < 0 {
			cups = 0
		}
		if cups > product.kegCapacityCups {
			cups = product.kegCapacityCups
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE keg_taps SET cups_remaining = $3
			WHERE product_id = $1 AND location_id = $2
		`, productID, locationID, cups); err != nil {
			return 0, err
		}
		return cups, nil
	})
}

func (s *Store) tapMutation(ctx context.Context, productID string, locationID string, mutate func(*sql.Tx, *lockedProduct) (int, error)) (*domain.KegTap, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	remaining, err := mutate(tx, product)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapRetryableError(err)
	}

	return &domain.KegTap{
		ProductID:     productID,
		LocationID:    locationID,
		Active:        true,
		CupsRemaining: remaining,
	}, nil
}

// ---- orders ----

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadOrder(ctx context.Context, q queryer, orderID string) (*domain.Order, error) {
	var order domain.Order
	var paymentMethod, actorID sql.NullString
	var closedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, location_id, status, subtotal, courtesy_discount, total,
		       payment_method, actor_id, opened_at, closed_at
		FROM orders
		WHERE id = $1
	`, orderID).Scan(&order.ID, &order.LocationID, &order.Status, &order.Subtotal,
		&order.CourtesyDiscount, &order.Total, &paymentMethod, &actorID,
		&order.OpenedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	order.PaymentMethod = paymentMethod.String
	order.ActorID = actorID.String
	if closedAt.Valid {
		t := closedAt.Time
		order.ClosedAt = &t
	}

	rows, err := q.QueryContext(ctx, `
		SELECT ol.product_id, p.name, ol.quantity, ol.unit_price, ol.subtotal
		FROM order_lines ol
		JOIN products p ON p.id = ol.product_id
		WHERE ol.order_id = $1
		ORDER BY ol.product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" {
		return nil, store.ErrInvalidMovement
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, location_id, status, subtotal, courtesy_discount, total, actor_id, opened_at)
		VALUES ($1, $2, 'open', 0, 0, 0, NULLIF($3, ''), $4)
	`, order.ID, order.LocationID, order.ActorID, order.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return loadOrder(ctx, s.db, order.ID)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return loadOrder(ctx, s.db, orderID)
}

// lockOrder takes the order row lock and checks the order is still open.
func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (string, error) {
	var status, locationID string
	err := tx.QueryRowContext(ctx, `
		SELECT status, location_id FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&status, &locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", mapRetryableError(err)
	}
	if status != domain.OrderStatusOpen {
		return "", store.ErrOrderNotOpen
	}
	return locationID, nil
}

func (s *Store) AddOrderLine(ctx context.Context, orderID string, productID string, qty int, actorID string) (*domain.Order, *domain.StockEffect, error) {
	if qty < 1 {
		return nil, nil, store.ErrInvalidQuantity
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	locationID, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, nil, err
	}
	product, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return nil, nil, err
	}
	if !product.active {
		return nil, nil, store.ErrNotFound
	}

	effect := domain.StockEffect{
		ProductID:         productID,
		LocationID:        locationID,
		UnitMode:          product.unitMode,
		LowStockThreshold: product.lowStockThreshold,
	}

	now := time.Now().UTC()
	if product.unitMode == domain.UnitModeKeg {
		remaining, err := serveCupsTx(ctx, tx, product, locationID, qty)
		if err != nil {
			return nil, nil, err
		}
		effect.CupsRemaining = remaining
	} else {
		movement, err := applyMovementTx(ctx, tx, domain.MovementInput{
			ProductID:  productID,
			LocationID: locationID,
			Type:       domain.MovementSale,
			Quantity:   qty,
			OrderID:    orderID,
			ActorID:    actorID,
		}, now)
		if err != nil {
			return nil, nil, err
		}
		effect.StockAfter = movement.StockAfter
	}

	var salePrice decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT sale_price FROM products WHERE id = $1`, productID).Scan(&salePrice); err != nil {
		return nil, nil, err
	}
	lineTotal := salePrice.Mul(decimal.NewFromInt(int64(qty)))

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO order_lines (order_id, product_id, quantity, unit_price, subtotal)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id, product_id)
		DO UPDATE SET quantity = order_lines.quantity + EXCLUDED.quantity,
		              subtotal = order_lines.subtotal + EXCLUDED.subtotal
	`, orderID, productID, qty, salePrice, lineTotal); err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET subtotal = subtotal + $2, total = subtotal + $2
		WHERE id = $1
	`, orderID, lineTotal); err != nil {
		return nil, nil, err
	}

	order, err := loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapRetryableError(err)
	}
	return order, &effect, nil
}

// revertLineTx returns qty units of an order line to inventory inside the
// caller's transaction.
func revertLineTx(ctx context.Context, tx *sql.Tx, orderID string, locationID string, product *lockedProduct, qty int, reason string, actorID string, now time.Time) error {
	if product.unitMode == domain.UnitModeKeg {
		_, _, err := returnCupsTx(ctx, tx, product, locationID, qty)
		return err
	}
	_, err := applyMovementTx(ctx, tx, domain.MovementInput{
		ProductID:  product.id,
		LocationID: locationID,
		Type:       domain.MovementCustomerReturn,
		Quantity:   qty,
		OrderID:    orderID,
		Reason:     reason,
		ActorID:    actorID,
	}, now)
	return err
}

func (s *Store) RemoveOrderLine(ctx context.Context, orderID string, productID string, qty int, actorID string) (*domain.Order, error) {
	if qty < 1 {
		return nil, store.ErrInvalidQuantity
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	locationID, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	product, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	var lineQty int
	var unitPrice decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT quantity, unit_price FROM order_lines
		WHERE order_id = $1 AND product_id = $2
		FOR UPDATE
	`, orderID, productID).Scan(&lineQty, &unitPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapRetryableError(err)
	}
	if lineQty < qty {
		return nil, store.ErrInvalidQuantity
	}

	now := time.Now().UTC()
	if err := revertLineTx(ctx, tx, orderID, locationID, product, qty, "line removed", actorID, now); err != nil {
		return nil, err
	}

	lineTotal := unitPrice.Mul(decimal.NewFromInt(int64(qty)))
	if lineQty == qty {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM order_lines WHERE order_id = $1 AND product_id = $2
		`, orderID, productID); err != nil {
			return nil, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE order_lines
			SET quantity = quantity - $3, subtotal = subtotal - $4
			WHERE order_id = $1 AND product_id = $2
		`, orderID, productID, qty, lineTotal); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET subtotal = subtotal - $2, total = subtotal - $2
		WHERE id = $1
	`, orderID, lineTotal); err != nil {
		return nil, err
	}

	order, err := loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapRetryableError(err)
	}
	return order, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID string, actorID string) (*domain.Order, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	locationID, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_lines
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	type lineRow struct {
		productID string
		quantity  int
	}
	lines := make([]lineRow, 0, 8)
	for rows.Next() {
		var line lineRow
		if err := rows.Scan(&line.productID, &line.quantity); err != nil {
			rows.Close()
			return nil, err
		}
		lines = append(lines, line)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, line := range lines {
		product, err := lockProduct(ctx, tx, line.productID)
		if err != nil {
			return nil, err
		}
		if err := revertLineTx(ctx, tx, orderID, locationID, product, line.quantity, "order cancelled", actorID, now); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = 'cancelled', total = 0, closed_at = $2
		WHERE id = $1
	`, orderID, now); err != nil {
		return nil, err
	}

	order, err := loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapRetryableError(err)
	}
	return order, nil
}

func (s *Store) CloseOrder(ctx context.Context, orderID string, paymentMethod string, courtesyDiscount decimal.Decimal, at time.Time) (*domain.Order, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockOrder(ctx, tx, orderID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'closed',
		    payment_method = $2,
		    courtesy_discount = $3,
		    total = GREATEST(subtotal - $3, 0),
		    closed_at = $4
		WHERE id = $1
	`, orderID, paymentMethod, courtesyDiscount, at); err != nil {
		return nil, err
	}

	order, err := loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapRetryableError(err)
	}
	return order, nil
}

// ---- shifts ----

const shiftColumns = `
	id, location_id, cashier_name, status, opening_cash, counted_cash,
	expected_cash, cash_variance, total_sales, cash_sales, transfer_sales,
	other_sales, courtesy_total, order_count, notes, opened_at, closed_at
`

func scanShift(row interface{ Scan(...any) error }) (*domain.Shift, error) {
	var shift domain.Shift
	var notes sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&shift.ID, &shift.LocationID, &shift.CashierName, &shift.Status,
		&shift.OpeningCash, &shift.CountedCash, &shift.ExpectedCash,
		&shift.CashVariance, &shift.TotalSales, &shift.CashSales,
		&shift.TransferSales, &shift.OtherSales, &shift.CourtesyTotal,
		&shift.OrderCount, &notes, &shift.OpenedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	shift.Notes = notes.String
	if closedAt.Valid {
		t := closedAt.Time
		shift.ClosedAt = &t
	}
	return &shift, nil
}

func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := locationExists(ctx, tx, shift.LocationID); err != nil {
		return nil, err
	}

	var openID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM shifts WHERE location_id = $1 AND status = 'open' FOR UPDATE
	`, shift.LocationID).Scan(&openID)
	if err == nil {
		return nil, store.ErrShiftAlreadyOpen
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapRetryableError(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shifts (
			id, location_id, cashier_name, status, opening_cash, counted_cash,
			expected_cash, cash_variance, total_sales, cash_sales, transfer_sales,
			other_sales, courtesy_total, order_count, opened_at
		)
		VALUES ($1, $2, $3, 'open', $4, 0, 0, 0, 0, 0, 0, 0, 0, 0, $5)
	`, shift.ID, shift.LocationID, shift.CashierName, shift.OpeningCash, shift.OpenedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrShiftAlreadyOpen
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapRetryableError(err)
	}

	shift.Status = domain.ShiftStatusOpen
	opened := shift
	return &opened, nil
}

func (s *Store) GetOpenShift(ctx context.Context, locationID string) (*domain.Shift, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+` FROM shifts
		WHERE location_id = $1 AND status = 'open'
	`, locationID)
	return scanShift(row)
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, countedCash decimal.Decimal, notes string, at time.Time) (*domain.Shift, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status, locationID string
	var openingCash decimal.Decimal
	var openedAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT status, location_id, opening_cash, opened_at
		FROM shifts WHERE id = $1 FOR UPDATE
	`, shiftID).Scan(&status, &locationID, &openingCash, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapRetryableError(err)
	}
	if status != domain.ShiftStatusOpen {
		return nil, store.ErrShiftNotOpen
	}

	var totalSales, cashSales, transferSales, otherSales, courtesyTotal decimal.Decimal
	var orderCount int
	err = tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total), 0),
			COALESCE(SUM(CASE WHEN payment_method = 'cash' THEN total ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN payment_method = 'transfer' THEN total ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN payment_method NOT IN ('cash', 'transfer') THEN total ELSE 0 END), 0),
			COALESCE(SUM(courtesy_discount), 0),
			COUNT(*)
		FROM orders
		WHERE location_id = $1 AND status = 'closed' AND closed_at >= $2 AND closed_at <= $3
	`, locationID, openedAt, at).Scan(&totalSales, &cashSales, &transferSales, &otherSales, &courtesyTotal, &orderCount)
	if err != nil {
		return nil, err
	}

	expectedCash := openingCash.Add(cashSales)
	variance := countedCash.Sub(expectedCash)

	row := tx.QueryRowContext(ctx, `
		UPDATE shifts
		SET status = 'closed', counted_cash = $2, expected_cash = $3,
		    cash_variance = $4, total_sales = $5, cash_sales = $6,
		    transfer_sales = $7, other_sales = $8, courtesy_total = $9,
		    order_count = $10, notes = NULLIF($11, ''), closed_at = $12
		WHERE id = $1
		RETURNING `+shiftColumns+`
	`, shiftID, countedCash, expectedCash, variance, totalSales, cashSales,
		transferSales, otherSales, courtesyTotal, orderCount, notes, at)
	shift, err := scanShift(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapRetryableError(err)
	}
	return shift, nil
}

// ---- audit ----

func (s *Store) CreateAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, location_id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.LocationID, entry.ActorID, entry.Action, entry.EntityType,
		entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, locationID string, limit int) ([]domain.AuditEntry, error) {
	if limit < 1 {
		limit = 100
	}

	query := `
		SELECT id, location_id, actor_id, action, entity_type, entity_id, detail, created_at
		FROM audit_entries
	`
	args := []any{limit}
	if locationID != "" {
		query += ` WHERE location_id = $2`
		args = append(args, locationID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, limit)
	for rows.Next() {
		var entry domain.AuditEntry
		if err := rows.Scan(&entry.ID, &entry.LocationID, &entry.ActorID, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ---- error mapping ----

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// mapRetryableError converts transient concurrency failures into the store
// sentinel so callers can retry without parsing driver errors: lock_timeout
// (SQLSTATE 55P03) and serialization_failure (SQLSTATE 40001, the abort a
// serializable transaction can take at commit).
func mapRetryableError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "40001") {
		return store.ErrLockTimeout
	}
	return err
}
