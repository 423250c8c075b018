// Package store provides in-memory implementations of the core store interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/fact-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements core.TxFactStore, core.DimensionStore, core.Manifest
// and core.RunLog.
type Memory struct {
	mu sync.RWMutex

	facts    map[string]core.FactRow
	daily    map[core.DayKey]core.DailyFact
	changes  []core.FactChange
	manifest map[core.FileID]core.ManifestEntry

	customers map[string]core.Customer
	products  map[string]core.Product
	prices    map[priceKey]core.GrossPrice
	dates     map[string]core.DateDim
	refreshed map[core.DimensionTable]time.Time
	runs      []core.RunRecord

	// CommitHook, when set, runs before a transaction commits. A non-nil
	// error rolls the transaction back and is returned from WithTx.
	CommitHook func() error

	// Now returns the time used for change tracking.
	Now func() time.Time
}

type priceKey struct {
	ProductCode string
	Year        int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		facts:     make(map[string]core.FactRow),
		daily:     make(map[core.DayKey]core.DailyFact),
		manifest:  make(map[core.FileID]core.ManifestEntry),
		customers: make(map[string]core.Customer),
		products:  make(map[string]core.Product),
		prices:    make(map[priceKey]core.GrossPrice),
		dates:     make(map[string]core.DateDim),
		refreshed: make(map[core.DimensionTable]time.Time),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// FACT STORE
// =============================================================================

func (m *Memory) GetFact(_ context.Context, key core.FactKey) (core.FactRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getFactLocked(key)
}

func (m *Memory) getFactLocked(key core.FactKey) (core.FactRow, error) {
	row, ok := m.facts[key.String()]
	if !ok {
		return core.FactRow{}, fmt.Errorf("fact %s: %w", key, core.ErrNotFound)
	}
	return row, nil
}

// UpsertFacts applies the batch atomically.
func (m *Memory) UpsertFacts(_ context.Context, batchID core.BatchID, rows []core.AggregatedFactRow) (core.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	result, err := m.upsertFactsLocked(batchID, rows)
	if err != nil {
		m.restore(snapshot)
	}
	return result, err
}

func (m *Memory) upsertFactsLocked(batchID core.BatchID, rows []core.AggregatedFactRow) (core.MergeResult, error) {
	result := core.MergeResult{BatchID: batchID}
	seen := make(map[string]bool, len(rows))
	now := m.Now()

	for _, row := range rows {
		k := row.FactKey.String()
		if seen[k] {
			return core.MergeResult{}, fmt.Errorf("%s: %w", k, core.ErrDuplicateKey)
		}
		seen[k] = true

		existing, ok := m.facts[k]
		change := core.FactChange{BatchID: batchID, Key: row.FactKey, NewQuantity: row.SoldQuantity, ChangedAt: now}
		next := core.FactRow{AggregatedFactRow: row, BatchID: batchID, UpdatedAt: now, Version: 1}
		if ok {
			change.Op = core.ChangeUpdate
			change.OldQuantity = existing.SoldQuantity
			next.Version = existing.Version + 1
			result.Updated++
		} else {
			change.Op = core.ChangeInsert
			change.OldQuantity = core.NewQuantity(0)
			result.Inserted++
		}
		m.facts[k] = next
		m.changes = append(m.changes, change)
	}
	return result, nil
}

func (m *Memory) UpsertDaily(_ context.Context, batchID core.BatchID, recs []core.DailyFact) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertDailyLocked(batchID, recs), nil
}

func (m *Memory) upsertDailyLocked(batchID core.BatchID, recs []core.DailyFact) int {
	for _, r := range recs {
		r.BatchID = batchID
		r.OrderDate = core.DateOf(r.OrderDate)
		m.daily[r.DayKey()] = r
	}
	return len(recs)
}

func (m *Memory) DailyInPeriods(_ context.Context, grain core.Grain, starts []time.Time) ([]core.DailyFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyInPeriodsLocked(grain, starts), nil
}

func (m *Memory) dailyInPeriodsLocked(grain core.Grain, starts []time.Time) []core.DailyFact {
	want := make(map[string]bool, len(starts))
	for _, s := range starts {
		want[grain.PeriodStart(s).Format(core.DateLayout)] = true
	}
	var out []core.DailyFact
	for _, d := range m.daily {
		if want[grain.PeriodStart(d.OrderDate).Format(core.DateLayout)] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DayKey().Less(out[j].DayKey())
	})
	return out
}

// MarkMerged moves files from pending to merged in its own transaction.
func (m *Memory) MarkMerged(ctx context.Context, batchID core.BatchID, files []core.FileID) error {
	return m.WithTx(ctx, func(tx core.FactStore) error {
		return tx.MarkMerged(ctx, batchID, files)
	})
}

func (m *Memory) markMergedLocked(batchID core.BatchID, files []core.FileID) error {
	for _, id := range files {
		if err := m.compareAndSetLocked(id, core.StatusPending, core.StatusMerged, batchID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ListFacts(_ context.Context, filter core.FactFilter) ([]core.FactRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listFactsLocked(filter), nil
}

func (m *Memory) listFactsLocked(filter core.FactFilter) []core.FactRow {
	out := make([]core.FactRow, 0, len(m.facts))
	for _, row := range m.facts {
		if filter.Match(row.FactKey) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactKey.Less(out[j].FactKey) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (m *Memory) Changes(_ context.Context, batchID core.BatchID) ([]core.FactChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changesLocked(batchID), nil
}

func (m *Memory) changesLocked(batchID core.BatchID) []core.FactChange {
	var out []core.FactChange
	for _, c := range m.changes {
		if batchID == "" || c.BatchID == batchID {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(core.FactStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	view := &txMemoryView{parent: m}

	err := fn(view)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && m.CommitHook != nil {
		err = m.CommitHook()
	}
	if err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	facts    map[string]core.FactRow
	daily    map[core.DayKey]core.DailyFact
	changes  []core.FactChange
	manifest map[core.FileID]core.ManifestEntry
}

func (m *Memory) snapshot() memorySnapshot {
	facts := make(map[string]core.FactRow, len(m.facts))
	for k, v := range m.facts {
		facts[k] = v
	}
	daily := make(map[core.DayKey]core.DailyFact, len(m.daily))
	for k, v := range m.daily {
		daily[k] = v
	}
	manifest := make(map[core.FileID]core.ManifestEntry, len(m.manifest))
	for k, v := range m.manifest {
		manifest[k] = v
	}
	return memorySnapshot{
		facts:    facts,
		daily:    daily,
		changes:  append([]core.FactChange(nil), m.changes...),
		manifest: manifest,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.facts = s.facts
	m.daily = s.daily
	m.changes = s.changes
	m.manifest = s.manifest
}

type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetFact(_ context.Context, key core.FactKey) (core.FactRow, error) {
	return tv.parent.getFactLocked(key)
}

func (tv *txMemoryView) UpsertFacts(_ context.Context, batchID core.BatchID, rows []core.AggregatedFactRow) (core.MergeResult, error) {
	return tv.parent.upsertFactsLocked(batchID, rows)
}

func (tv *txMemoryView) UpsertDaily(_ context.Context, batchID core.BatchID, recs []core.DailyFact) (int, error) {
	return tv.parent.upsertDailyLocked(batchID, recs), nil
}

func (tv *txMemoryView) DailyInPeriods(_ context.Context, grain core.Grain, starts []time.Time) ([]core.DailyFact, error) {
	return tv.parent.dailyInPeriodsLocked(grain, starts), nil
}

func (tv *txMemoryView) MarkMerged(_ context.Context, batchID core.BatchID, files []core.FileID) error {
	return tv.parent.markMergedLocked(batchID, files)
}

func (tv *txMemoryView) ListFacts(_ context.Context, filter core.FactFilter) ([]core.FactRow, error) {
	return tv.parent.listFactsLocked(filter), nil
}

func (tv *txMemoryView) Changes(_ context.Context, batchID core.BatchID) ([]core.FactChange, error) {
	return tv.parent.changesLocked(batchID), nil
}

// =============================================================================
// MANIFEST
// =============================================================================

func (m *Memory) Get(_ context.Context, id core.FileID) (core.ManifestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.manifest[id]; ok {
		return e, nil
	}
	return core.ManifestEntry{FileID: id, Status: core.StatusPending}, nil
}

func (m *Memory) List(_ context.Context, statuses ...core.FileStatus) ([]core.ManifestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.ManifestEntry
	for _, e := range m.manifest {
		if len(statuses) == 0 || hasStatus(statuses, e.Status) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

// CompareAndSet moves id from one status to another atomically.
func (m *Memory) CompareAndSet(_ context.Context, id core.FileID, from, to core.FileStatus, batchID core.BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compareAndSetLocked(id, from, to, batchID)
}

func (m *Memory) compareAndSetLocked(id core.FileID, from, to core.FileStatus, batchID core.BatchID) error {
	current := core.StatusPending
	if e, ok := m.manifest[id]; ok {
		current = e.Status
	}
	if current != from {
		return &core.StatusConflictError{File: id, Expected: from, Actual: current}
	}
	m.manifest[id] = core.ManifestEntry{FileID: id, Status: to, BatchID: batchID, UpdatedAt: m.Now()}
	return nil
}

// =============================================================================
// DIMENSIONS
// =============================================================================

func (m *Memory) Customers(_ context.Context) (map[string]core.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.Customer, len(m.customers))
	for k, v := range m.customers {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Products(_ context.Context) (map[string]core.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.Product, len(m.products))
	for k, v := range m.products {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) GrossPrices(_ context.Context) ([]core.GrossPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.GrossPrice, 0, len(m.prices))
	for _, p := range m.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductCode != out[j].ProductCode {
			return out[i].ProductCode < out[j].ProductCode
		}
		return out[i].Year < out[j].Year
	})
	return out, nil
}

func (m *Memory) Dates(_ context.Context, from, to time.Time) ([]core.DateDim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.DateDim
	for _, d := range m.dates {
		if (from.IsZero() || !d.Date.Before(from)) && (to.IsZero() || !d.Date.After(to)) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *Memory) UpsertCustomers(_ context.Context, rows []core.Customer) (core.UpsertCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c core.UpsertCounts
	for _, r := range rows {
		if _, ok := m.customers[r.Code]; ok {
			c.Updated++
		} else {
			c.Inserted++
		}
		m.customers[r.Code] = r
	}
	return c, nil
}

func (m *Memory) UpsertProducts(_ context.Context, rows []core.Product) (core.UpsertCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c core.UpsertCounts
	for _, r := range rows {
		if _, ok := m.products[r.Code]; ok {
			c.Updated++
		} else {
			c.Inserted++
		}
		m.products[r.Code] = r
	}
	return c, nil
}

func (m *Memory) UpsertGrossPrices(_ context.Context, rows []core.GrossPrice) (core.UpsertCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c core.UpsertCounts
	for _, r := range rows {
		k := priceKey{ProductCode: r.ProductCode, Year: r.Year}
		if _, ok := m.prices[k]; ok {
			c.Updated++
		} else {
			c.Inserted++
		}
		m.prices[k] = r
	}
	return c, nil
}

func (m *Memory) SaveDates(_ context.Context, rows []core.DateDim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.dates[r.Date.Format(core.DateLayout)] = r
	}
	return nil
}

func (m *Memory) MarkRefreshed(_ context.Context, table core.DimensionTable, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed[table] = at.UTC()
	return nil
}

func (m *Memory) RefreshedAt(_ context.Context, table core.DimensionTable) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshed[table], nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run core.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListRuns returns the most recent runs first.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]core.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.RunRecord
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.runs[i])
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func hasStatus(statuses []core.FileStatus, s core.FileStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}
