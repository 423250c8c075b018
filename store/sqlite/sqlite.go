/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine (TxFactStore,
  DimensionStore, Manifest, RunLog) in one database file, so a merge commit
  and the manifest share the same durable storage.

INTERFACES IMPLEMENTED:
  core.TxFactStore:    Monthly facts, daily history, change log
  core.DimensionStore: Customers, products, gross prices, dates
  core.Manifest:       Per-file processing status with compare-and-set
  core.RunLog:         Pipeline run history

KEY TABLES:
  fact_sales:          (period_start, customer_code, product_code) -> sold_quantity
  fact_sales_daily:    (order_date, raw_customer_id, raw_product_id) -> resolved codes, quantity
  fact_sales_changes:  Append-only log of applied fact mutations
  dim_*:               Reference tables
  file_manifest:       pending/merged/archived per landing file
  pipeline_runs:       One row per run with its JSON report

UPSERT SEMANTICS:
  fact_sales rows are replaced, never accumulated. The previous value is
  read inside the transaction so the change log records old and new
  quantities and the merge result separates inserts from updates.

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. Every call runs under
  Store.Timeout; an expired call reports core.ErrStorageUnavailable. SQLITE_BUSY and SQLITE_LOCKED
  surface as core.ErrMergeConflict so the merge engine can retry them.

WAL MODE:
  File databases are opened with WAL and a busy timeout.

USAGE:
  store, err := sqlite.New("./data/facts.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/fact-engine/core"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// Now returns the time used for change tracking.
	Now func() time.Time

	// Timeout bounds every call. Zero disables the bound.
	Timeout time.Duration
}

// DefaultTimeout bounds store calls unless Store.Timeout is changed.
const DefaultTimeout = 30 * time.Second

var (
	_ core.TxFactStore    = (*Store)(nil)
	_ core.DimensionStore = (*Store)(nil)
	_ core.Manifest       = (*Store)(nil)
	_ core.RunLog         = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, Now: func() time.Time { return time.Now().UTC() }, Timeout: DefaultTimeout}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return classify("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Facts at the target grain
	CREATE TABLE IF NOT EXISTS fact_sales (
		period_start TEXT NOT NULL,
		customer_code TEXT NOT NULL,
		product_code TEXT NOT NULL,
		sold_quantity TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		batch_id TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (period_start, customer_code, product_code)
	);

	-- Daily history the facts are aggregated from
	-- keyed by the raw ids so distinct unresolved ids never collapse
	CREATE TABLE IF NOT EXISTS fact_sales_daily (
		order_date TEXT NOT NULL,
		raw_customer_id TEXT NOT NULL,
		raw_product_id TEXT NOT NULL,
		customer_code TEXT NOT NULL,
		product_code TEXT NOT NULL,
		quantity TEXT NOT NULL,
		source_file TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		PRIMARY KEY (order_date, raw_customer_id, raw_product_id)
	);

	-- Change log of applied fact mutations (append-only)
	CREATE TABLE IF NOT EXISTS fact_sales_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		customer_code TEXT NOT NULL,
		product_code TEXT NOT NULL,
		op TEXT NOT NULL,
		old_quantity TEXT NOT NULL,
		new_quantity TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fact_sales_changes_batch
		ON fact_sales_changes(batch_id);

	-- Dimensions
	CREATE TABLE IF NOT EXISTS dim_customers (
		customer_code TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		market TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS dim_products (
		product_code TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		division TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		variant TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS dim_gross_price (
		product_code TEXT NOT NULL,
		year INTEGER NOT NULL,
		price TEXT NOT NULL,
		PRIMARY KEY (product_code, year)
	);

	CREATE TABLE IF NOT EXISTS dim_date (
		date TEXT PRIMARY KEY,
		year INTEGER NOT NULL,
		month_name TEXT NOT NULL,
		quarter INTEGER NOT NULL,
		month_start TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dimension_refresh (
		table_name TEXT PRIMARY KEY,
		refreshed_at TEXT NOT NULL
	);

	-- Processing manifest (exactly-once source of truth)
	CREATE TABLE IF NOT EXISTS file_manifest (
		file_id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('pending', 'merged', 'archived')),
		batch_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_file_manifest_status
		ON file_manifest(status);

	-- Pipeline runs
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		status TEXT NOT NULL,
		batch_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		report_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started
		ON pipeline_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// FACT STORE (core.FactStore interface)
// =============================================================================

// factOps implements core.FactStore over a querier. The Store uses it with
// the database handle, the transactional view with a *sql.Tx.
type factOps struct {
	q   querier
	now func() time.Time
}

func (s *Store) ops() factOps { return factOps{q: s.db, now: s.Now} }

// GetFact returns one fact by key.
func (s *Store) GetFact(ctx context.Context, key core.FactKey) (core.FactRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops().GetFact(ctx, key)
}

// UpsertFacts applies rows in their own transaction.
func (s *Store) UpsertFacts(ctx context.Context, batchID core.BatchID, rows []core.AggregatedFactRow) (core.MergeResult, error) {
	var result core.MergeResult
	err := s.WithTx(ctx, func(tx core.FactStore) error {
		var err error
		result, err = tx.UpsertFacts(ctx, batchID, rows)
		return err
	})
	return result, err
}

// UpsertDaily writes daily history in its own transaction.
func (s *Store) UpsertDaily(ctx context.Context, batchID core.BatchID, recs []core.DailyFact) (int, error) {
	var n int
	err := s.WithTx(ctx, func(tx core.FactStore) error {
		var err error
		n, err = tx.UpsertDaily(ctx, batchID, recs)
		return err
	})
	return n, err
}

// MarkMerged marks files merged in its own transaction.
func (s *Store) MarkMerged(ctx context.Context, batchID core.BatchID, files []core.FileID) error {
	return s.WithTx(ctx, func(tx core.FactStore) error {
		return tx.MarkMerged(ctx, batchID, files)
	})
}

func (s *Store) DailyInPeriods(ctx context.Context, grain core.Grain, starts []time.Time) ([]core.DailyFact, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops().DailyInPeriods(ctx, grain, starts)
}

func (s *Store) ListFacts(ctx context.Context, filter core.FactFilter) ([]core.FactRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops().ListFacts(ctx, filter)
}

func (s *Store) Changes(ctx context.Context, batchID core.BatchID) ([]core.FactChange, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops().Changes(ctx, batchID)
}

func (o factOps) GetFact(ctx context.Context, key core.FactKey) (core.FactRow, error) {
	query := `
		SELECT period_start, customer_code, product_code, sold_quantity, version, batch_id, updated_at
		FROM fact_sales
		WHERE period_start = ? AND customer_code = ? AND product_code = ?
	`
	rows, err := o.q.QueryContext(ctx, query, key.PeriodStart.Format(core.DateLayout), key.CustomerCode, key.ProductCode)
	if err != nil {
		return core.FactRow{}, classify("get fact", err)
	}
	facts, err := scanFacts(rows)
	if err != nil {
		return core.FactRow{}, err
	}
	if len(facts) == 0 {
		return core.FactRow{}, fmt.Errorf("fact %s: %w", key, core.ErrNotFound)
	}
	return facts[0], nil
}

func (o factOps) UpsertFacts(ctx context.Context, batchID core.BatchID, rows []core.AggregatedFactRow) (core.MergeResult, error) {
	result := core.MergeResult{BatchID: batchID}
	seen := make(map[string]bool, len(rows))
	now := o.now().Format(time.RFC3339Nano)

	for _, row := range rows {
		k := row.FactKey.String()
		if seen[k] {
			return core.MergeResult{}, fmt.Errorf("%s: %w", k, core.ErrDuplicateKey)
		}
		seen[k] = true

		period := row.PeriodStart.Format(core.DateLayout)
		var (
			old     decimal.Decimal
			version int64
		)
		err := o.q.QueryRowContext(ctx, `
			SELECT sold_quantity, version FROM fact_sales
			WHERE period_start = ? AND customer_code = ? AND product_code = ?
		`, period, row.CustomerCode, row.ProductCode).Scan(&old, &version)

		op := core.ChangeUpdate
		switch {
		case errors.Is(err, sql.ErrNoRows):
			op = core.ChangeInsert
			old = decimal.Zero
			_, err = o.q.ExecContext(ctx, `
				INSERT INTO fact_sales
				(period_start, customer_code, product_code, sold_quantity, version, batch_id, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, ?)
			`, period, row.CustomerCode, row.ProductCode, row.SoldQuantity.String(), string(batchID), now)
			result.Inserted++
		case err == nil:
			_, err = o.q.ExecContext(ctx, `
				UPDATE fact_sales
				SET sold_quantity = ?, version = ?, batch_id = ?, updated_at = ?
				WHERE period_start = ? AND customer_code = ? AND product_code = ?
			`, row.SoldQuantity.String(), version+1, string(batchID), now, period, row.CustomerCode, row.ProductCode)
			result.Updated++
		}
		if err != nil {
			return core.MergeResult{}, classify("upsert fact", err)
		}

		_, err = o.q.ExecContext(ctx, `
			INSERT INTO fact_sales_changes
			(batch_id, period_start, customer_code, product_code, op, old_quantity, new_quantity, changed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, string(batchID), period, row.CustomerCode, row.ProductCode, string(op), old.String(), row.SoldQuantity.String(), now)
		if err != nil {
			return core.MergeResult{}, classify("append change log", err)
		}
	}
	return result, nil
}

func (o factOps) UpsertDaily(ctx context.Context, batchID core.BatchID, recs []core.DailyFact) (int, error) {
	query := `
		INSERT INTO fact_sales_daily
		(order_date, raw_customer_id, raw_product_id, customer_code, product_code, quantity, source_file, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_date, raw_customer_id, raw_product_id) DO UPDATE SET
			customer_code = excluded.customer_code,
			product_code = excluded.product_code,
			quantity = excluded.quantity,
			source_file = excluded.source_file,
			batch_id = excluded.batch_id
	`
	for _, r := range recs {
		_, err := o.q.ExecContext(ctx, query,
			r.OrderDate.Format(core.DateLayout),
			r.RawCustomerID,
			r.RawProductID,
			r.CustomerCode,
			r.ProductCode,
			r.Quantity.String(),
			string(r.SourceFile),
			string(batchID),
		)
		if err != nil {
			return 0, classify("upsert daily", err)
		}
	}
	return len(recs), nil
}

func (o factOps) DailyInPeriods(ctx context.Context, grain core.Grain, starts []time.Time) ([]core.DailyFact, error) {
	query := `
		SELECT order_date, raw_customer_id, raw_product_id, customer_code, product_code, quantity, source_file, batch_id
		FROM fact_sales_daily
		WHERE order_date >= ? AND order_date < ?
		ORDER BY order_date, raw_customer_id, raw_product_id
	`
	done := make(map[string]bool, len(starts))
	var out []core.DailyFact
	for _, start := range starts {
		from := grain.PeriodStart(start)
		if done[from.Format(core.DateLayout)] {
			continue
		}
		done[from.Format(core.DateLayout)] = true

		rows, err := o.q.QueryContext(ctx, query, from.Format(core.DateLayout), grain.Next(from).Format(core.DateLayout))
		if err != nil {
			return nil, classify("read daily history", err)
		}
		daily, err := scanDaily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, daily...)
	}
	return out, nil
}

func (o factOps) ListFacts(ctx context.Context, filter core.FactFilter) ([]core.FactRow, error) {
	var (
		where []string
		args  []any
	)
	if !filter.From.IsZero() {
		where = append(where, "period_start >= ?")
		args = append(args, filter.From.Format(core.DateLayout))
	}
	if !filter.To.IsZero() {
		where = append(where, "period_start <= ?")
		args = append(args, filter.To.Format(core.DateLayout))
	}
	if filter.CustomerCode != "" {
		where = append(where, "customer_code = ?")
		args = append(args, filter.CustomerCode)
	}
	if filter.ProductCode != "" {
		where = append(where, "product_code = ?")
		args = append(args, filter.ProductCode)
	}

	query := `
		SELECT period_start, customer_code, product_code, sold_quantity, version, batch_id, updated_at
		FROM fact_sales`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period_start, customer_code, product_code"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list facts", err)
	}
	return scanFacts(rows)
}

func (o factOps) Changes(ctx context.Context, batchID core.BatchID) ([]core.FactChange, error) {
	query := `
		SELECT batch_id, period_start, customer_code, product_code, op, old_quantity, new_quantity, changed_at
		FROM fact_sales_changes`
	var args []any
	if batchID != "" {
		query += " WHERE batch_id = ?"
		args = append(args, string(batchID))
	}
	query += " ORDER BY id"

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("read change log", err)
	}
	defer rows.Close()

	var out []core.FactChange
	for rows.Next() {
		var (
			c                 core.FactChange
			batch, period, op string
			changedAt         string
		)
		if err := rows.Scan(&batch, &period, &c.Key.CustomerCode, &c.Key.ProductCode, &op, &c.OldQuantity, &c.NewQuantity, &changedAt); err != nil {
			return nil, classify("scan change", err)
		}
		c.BatchID = core.BatchID(batch)
		c.Op = core.ChangeOp(op)
		c.Key.PeriodStart, _ = core.ParseDate(period)
		c.ChangedAt, _ = time.Parse(time.RFC3339Nano, changedAt)
		out = append(out, c)
	}
	return out, classify("read change log", rows.Err())
}

func (o factOps) MarkMerged(ctx context.Context, batchID core.BatchID, files []core.FileID) error {
	for _, id := range files {
		if err := compareAndSet(ctx, o.q, o.now(), id, core.StatusPending, core.StatusMerged, batchID); err != nil {
			return err
		}
	}
	return nil
}

func scanFacts(rows *sql.Rows) ([]core.FactRow, error) {
	defer rows.Close()

	var out []core.FactRow
	for rows.Next() {
		var (
			f                         core.FactRow
			period, batch, updatedAt string
		)
		if err := rows.Scan(&period, &f.CustomerCode, &f.ProductCode, &f.SoldQuantity, &f.Version, &batch, &updatedAt); err != nil {
			return nil, classify("scan fact", err)
		}
		f.PeriodStart, _ = core.ParseDate(period)
		f.BatchID = core.BatchID(batch)
		f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, f)
	}
	return out, classify("read facts", rows.Err())
}

func scanDaily(rows *sql.Rows) ([]core.DailyFact, error) {
	defer rows.Close()

	var out []core.DailyFact
	for rows.Next() {
		var (
			d                    core.DailyFact
			date, source, batch string
		)
		if err := rows.Scan(&date, &d.RawCustomerID, &d.RawProductID, &d.CustomerCode, &d.ProductCode, &d.Quantity, &source, &batch); err != nil {
			return nil, classify("scan daily", err)
		}
		d.OrderDate, _ = core.ParseDate(date)
		d.SourceFile = core.FileID(source)
		d.BatchID = core.BatchID(batch)
		out = append(out, d)
	}
	return out, classify("read daily history", rows.Err())
}

// =============================================================================
// TRANSACTION SUPPORT (core.TxFactStore interface)
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store core.FactStore) error) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{factOps{q: sqlTx, now: s.Now}}); err != nil {
		return err
	}

	return classify("commit", sqlTx.Commit())
}

// txStore is the transaction-scoped view handed to WithTx callbacks.
type txStore struct {
	factOps
}

// =============================================================================
// DIMENSION STORE (core.DimensionStore interface)
// =============================================================================

func (s *Store) Customers(ctx context.Context) (map[string]core.Customer, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_code, name, city, market, platform, channel FROM dim_customers
	`)
	if err != nil {
		return nil, classify("read customers", err)
	}
	defer rows.Close()

	out := make(map[string]core.Customer)
	for rows.Next() {
		var c core.Customer
		if err := rows.Scan(&c.Code, &c.Name, &c.City, &c.Market, &c.Platform, &c.Channel); err != nil {
			return nil, classify("scan customer", err)
		}
		out[c.Code] = c
	}
	return out, classify("read customers", rows.Err())
}

func (s *Store) Products(ctx context.Context) (map[string]core.Product, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_code, name, division, category, variant FROM dim_products
	`)
	if err != nil {
		return nil, classify("read products", err)
	}
	defer rows.Close()

	out := make(map[string]core.Product)
	for rows.Next() {
		var p core.Product
		if err := rows.Scan(&p.Code, &p.Name, &p.Division, &p.Category, &p.Variant); err != nil {
			return nil, classify("scan product", err)
		}
		out[p.Code] = p
	}
	return out, classify("read products", rows.Err())
}

func (s *Store) GrossPrices(ctx context.Context) ([]core.GrossPrice, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_code, year, price FROM dim_gross_price ORDER BY product_code, year
	`)
	if err != nil {
		return nil, classify("read gross prices", err)
	}
	defer rows.Close()

	var out []core.GrossPrice
	for rows.Next() {
		var p core.GrossPrice
		if err := rows.Scan(&p.ProductCode, &p.Year, &p.Price); err != nil {
			return nil, classify("scan gross price", err)
		}
		out = append(out, p)
	}
	return out, classify("read gross prices", rows.Err())
}

func (s *Store) Dates(ctx context.Context, from, to time.Time) ([]core.DateDim, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := "0000-01-01", "9999-12-31"
	if !from.IsZero() {
		lo = from.Format(core.DateLayout)
	}
	if !to.IsZero() {
		hi = to.Format(core.DateLayout)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, year, month_name, quarter, month_start FROM dim_date
		WHERE date >= ? AND date <= ?
		ORDER BY date
	`, lo, hi)
	if err != nil {
		return nil, classify("read dates", err)
	}
	defer rows.Close()

	var out []core.DateDim
	for rows.Next() {
		var (
			d                 core.DateDim
			date, monthStart string
		)
		if err := rows.Scan(&date, &d.Year, &d.MonthName, &d.Quarter, &monthStart); err != nil {
			return nil, classify("scan date", err)
		}
		d.Date, _ = core.ParseDate(date)
		d.MonthStart, _ = core.ParseDate(monthStart)
		out = append(out, d)
	}
	return out, classify("read dates", rows.Err())
}

// UpsertCustomers merges rows in: matched keys update all columns,
// unmatched keys are inserted.
func (s *Store) UpsertCustomers(ctx context.Context, rows []core.Customer) (core.UpsertCounts, error) {
	return s.upsertDimension(ctx, "dim_customers", "customer_code", len(rows), func(i int) (string, string, []any) {
		c := rows[i]
		return c.Code, `
			INSERT INTO dim_customers (customer_code, name, city, market, platform, channel)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (customer_code) DO UPDATE SET
				name = excluded.name, city = excluded.city, market = excluded.market,
				platform = excluded.platform, channel = excluded.channel
		`, []any{c.Code, c.Name, c.City, c.Market, c.Platform, c.Channel}
	})
}

func (s *Store) UpsertProducts(ctx context.Context, rows []core.Product) (core.UpsertCounts, error) {
	return s.upsertDimension(ctx, "dim_products", "product_code", len(rows), func(i int) (string, string, []any) {
		p := rows[i]
		return p.Code, `
			INSERT INTO dim_products (product_code, name, division, category, variant)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (product_code) DO UPDATE SET
				name = excluded.name, division = excluded.division,
				category = excluded.category, variant = excluded.variant
		`, []any{p.Code, p.Name, p.Division, p.Category, p.Variant}
	})
}

func (s *Store) UpsertGrossPrices(ctx context.Context, rows []core.GrossPrice) (core.UpsertCounts, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.UpsertCounts{}, classify("begin transaction", err)
	}
	defer tx.Rollback()

	var counts core.UpsertCounts
	for _, p := range rows {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM dim_gross_price WHERE product_code = ? AND year = ?
		`, p.ProductCode, p.Year).Scan(&exists)
		if err != nil {
			return core.UpsertCounts{}, classify("read gross price", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dim_gross_price (product_code, year, price) VALUES (?, ?, ?)
			ON CONFLICT (product_code, year) DO UPDATE SET price = excluded.price
		`, p.ProductCode, p.Year, p.Price.String()); err != nil {
			return core.UpsertCounts{}, classify("upsert gross price", err)
		}
		if exists > 0 {
			counts.Updated++
		} else {
			counts.Inserted++
		}
	}
	return counts, classify("commit", tx.Commit())
}

// upsertDimension runs n keyed upserts in one transaction, counting
// inserts and updates by probing keyColumn first.
func (s *Store) upsertDimension(ctx context.Context, table, keyColumn string, n int, row func(i int) (key, query string, args []any)) (core.UpsertCounts, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.UpsertCounts{}, classify("begin transaction", err)
	}
	defer tx.Rollback()

	existsQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, keyColumn)
	var counts core.UpsertCounts
	for i := 0; i < n; i++ {
		key, query, args := row(i)
		var exists int
		if err := tx.QueryRowContext(ctx, existsQuery, key).Scan(&exists); err != nil {
			return core.UpsertCounts{}, classify("lookup "+table, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return core.UpsertCounts{}, classify("upsert "+table, err)
		}
		if exists > 0 {
			counts.Updated++
		} else {
			counts.Inserted++
		}
	}
	return counts, classify("commit", tx.Commit())
}

func (s *Store) SaveDates(ctx context.Context, rows []core.DateDim) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	for _, d := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO dim_date (date, year, month_name, quarter, month_start)
			VALUES (?, ?, ?, ?, ?)
		`, d.Date.Format(core.DateLayout), d.Year, d.MonthName, d.Quarter, d.MonthStart.Format(core.DateLayout)); err != nil {
			return classify("save date", err)
		}
	}
	return classify("commit", tx.Commit())
}

func (s *Store) MarkRefreshed(ctx context.Context, table core.DimensionTable, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dimension_refresh (table_name, refreshed_at) VALUES (?, ?)
		ON CONFLICT (table_name) DO UPDATE SET refreshed_at = excluded.refreshed_at
	`, string(table), at.UTC().Format(time.RFC3339Nano))
	return classify("mark refreshed", err)
}

func (s *Store) RefreshedAt(ctx context.Context, table core.DimensionTable) (time.Time, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var at string
	err := s.db.QueryRowContext(ctx, `
		SELECT refreshed_at FROM dimension_refresh WHERE table_name = ?
	`, string(table)).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, classify("read refresh marker", err)
	}
	return time.Parse(time.RFC3339Nano, at)
}

// =============================================================================
// MANIFEST (core.Manifest interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, id core.FileID) (core.ManifestEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func getEntry(ctx context.Context, q querier, id core.FileID) (core.ManifestEntry, error) {
	var status, batch, updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT status, batch_id, updated_at FROM file_manifest WHERE file_id = ?
	`, string(id)).Scan(&status, &batch, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ManifestEntry{FileID: id, Status: core.StatusPending}, nil
	}
	if err != nil {
		return core.ManifestEntry{}, classify("read manifest", err)
	}
	e := core.ManifestEntry{FileID: id, Status: core.FileStatus(status), BatchID: core.BatchID(batch)}
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return e, nil
}

func (s *Store) List(ctx context.Context, statuses ...core.FileStatus) ([]core.ManifestEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT file_id, status, batch_id, updated_at FROM file_manifest"
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY file_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list manifest", err)
	}
	defer rows.Close()

	var out []core.ManifestEntry
	for rows.Next() {
		var id, status, batch, updatedAt string
		if err := rows.Scan(&id, &status, &batch, &updatedAt); err != nil {
			return nil, classify("scan manifest", err)
		}
		e := core.ManifestEntry{FileID: core.FileID(id), Status: core.FileStatus(status), BatchID: core.BatchID(batch)}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, e)
	}
	return out, classify("list manifest", rows.Err())
}

// CompareAndSet moves id from one status to another in a single statement.
func (s *Store) CompareAndSet(ctx context.Context, id core.FileID, from, to core.FileStatus, batchID core.BatchID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return compareAndSet(ctx, s.db, s.Now(), id, from, to, batchID)
}

func compareAndSet(ctx context.Context, q querier, now time.Time, id core.FileID, from, to core.FileStatus, batchID core.BatchID) error {
	stamp := now.Format(time.RFC3339Nano)
	var (
		res sql.Result
		err error
	)
	if from == core.StatusPending {
		// A missing row is pending.
		res, err = q.ExecContext(ctx, `
			INSERT INTO file_manifest (file_id, status, batch_id, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (file_id) DO UPDATE SET
				status = excluded.status, batch_id = excluded.batch_id, updated_at = excluded.updated_at
			WHERE file_manifest.status = 'pending'
		`, string(id), string(to), string(batchID), stamp)
	} else {
		res, err = q.ExecContext(ctx, `
			UPDATE file_manifest SET status = ?, batch_id = ?, updated_at = ?
			WHERE file_id = ? AND status = ?
		`, string(to), string(batchID), stamp, string(id), string(from))
	}
	if err != nil {
		return classify("update manifest", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return classify("update manifest", err)
	} else if n == 1 {
		return nil
	}

	current, err := getEntry(ctx, q, id)
	if err != nil {
		return err
	}
	return &core.StatusConflictError{File: id, Expected: from, Actual: current.Status}
}

// =============================================================================
// RUN LOG (core.RunLog interface)
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, run core.RunRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, started_at, finished_at, status, batch_id, error, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(run.Status),
		string(run.BatchID),
		run.Error,
		nullString(string(run.Report)),
	)
	return classify("save run", err)
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]core.RunRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, batch_id, error, report_json
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, classify("list runs", err)
	}
	defer rows.Close()

	var out []core.RunRecord
	for rows.Next() {
		var (
			r                                core.RunRecord
			started, finished, status, batch string
			report                           sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &finished, &status, &batch, &r.Error, &report); err != nil {
			return nil, classify("scan run", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		r.Status = core.RunStatus(status)
		r.BatchID = core.BatchID(batch)
		if report.Valid {
			r.Report = []byte(report.String)
		}
		out = append(out, r)
	}
	return out, classify("list runs", rows.Err())
}

// =============================================================================
// UTILITIES
// =============================================================================

// bound applies Timeout to ctx.
func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.Timeout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// classify maps driver errors onto the core taxonomy: busy/locked become
// merge conflicts, deadlines and other failures storage unavailability.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConflict(err) {
		return fmt.Errorf("%s: %w: %v", op, core.ErrMergeConflict, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return core.Unavailable(op, err)
}

func isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
