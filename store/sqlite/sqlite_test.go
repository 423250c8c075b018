/*
sqlite_test.go - Tests for the SQLite store

Tests for:
- Replace-on-conflict fact upserts and the change log
- Transaction rollback on callback error
- Daily history re-read per period
- Manifest compare-and-set, inside and outside a merge transaction
- Bounded call timeouts
- Dimension merge-in counts and refresh markers
*/
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fact-engine/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func fact(period time.Time, cust, prod string, qty int64) core.AggregatedFactRow {
	return core.AggregatedFactRow{
		FactKey:      core.FactKey{PeriodStart: period, CustomerCode: cust, ProductCode: prod},
		SoldQuantity: core.NewQuantity(qty),
	}
}

func daily(date time.Time, cust, prod string, qty int64, source core.FileID) core.DailyFact {
	return core.DailyFact{
		OrderDate:     date,
		RawCustomerID: cust,
		RawProductID:  prod,
		CustomerCode:  cust,
		ProductCode:   prod,
		Quantity:      core.NewQuantity(qty),
		SourceFile:    source,
	}
}

func TestUpsertFacts_ReplacesExistingQuantity(t *testing.T) {
	// GIVEN: A fact with quantity 7
	store := newTestStore(t)
	ctx := context.Background()
	jan := core.Date(2024, time.January, 1)

	res, err := store.UpsertFacts(ctx, "b1", []core.AggregatedFactRow{fact(jan, "C1", "P1", 7)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	// WHEN: The same key is upserted with 5
	res, err = store.UpsertFacts(ctx, "b2", []core.AggregatedFactRow{fact(jan, "C1", "P1", 5)})
	require.NoError(t, err)

	// THEN: The quantity is replaced, not summed
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	got, err := store.GetFact(ctx, core.FactKey{PeriodStart: jan, CustomerCode: "C1", ProductCode: "P1"})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(got.SoldQuantity), "got %s", got.SoldQuantity)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, core.BatchID("b2"), got.BatchID)

	changes, err := store.Changes(ctx, "b2")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, core.ChangeUpdate, changes[0].Op)
	assert.True(t, decimal.NewFromInt(7).Equal(changes[0].OldQuantity))
	assert.True(t, decimal.NewFromInt(5).Equal(changes[0].NewQuantity))
}

func TestUpsertFacts_DuplicateKeyRollsBackBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	jan := core.Date(2024, time.January, 1)

	_, err := store.UpsertFacts(ctx, "b1", []core.AggregatedFactRow{
		fact(jan, "C1", "P1", 1),
		fact(jan, "C2", "P1", 2),
		fact(jan, "C1", "P1", 3),
	})
	assert.ErrorIs(t, err, core.ErrDuplicateKey)

	facts, err := store.ListFacts(ctx, core.FactFilter{})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestGetFact_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetFact(context.Background(), core.FactKey{PeriodStart: core.Date(2024, time.March, 1), CustomerCode: "C1", ProductCode: "P1"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes daily and fact rows, then fails
	store := newTestStore(t)
	ctx := context.Background()
	jan := core.Date(2024, time.January, 1)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx core.FactStore) error {
		if _, err := tx.UpsertDaily(ctx, "b1", []core.DailyFact{daily(core.Date(2024, time.January, 5), "C1", "P1", 3, "f1.csv")}); err != nil {
			return err
		}
		if _, err := tx.UpsertFacts(ctx, "b1", []core.AggregatedFactRow{fact(jan, "C1", "P1", 3)}); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing is visible
	assert.ErrorIs(t, err, boom)

	facts, err := store.ListFacts(ctx, core.FactFilter{})
	require.NoError(t, err)
	assert.Empty(t, facts)

	history, err := store.DailyInPeriods(ctx, core.GrainMonth, []time.Time{jan})
	require.NoError(t, err)
	assert.Empty(t, history)

	changes, err := store.Changes(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestWithTx_SeesOwnWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx core.FactStore) error {
		_, err := tx.UpsertDaily(ctx, "b1", []core.DailyFact{
			daily(core.Date(2024, time.January, 5), "C1", "P1", 3, "f1.csv"),
			daily(core.Date(2024, time.February, 2), "C1", "P1", 4, "f1.csv"),
		})
		require.NoError(t, err)

		got, err := tx.DailyInPeriods(ctx, core.GrainMonth, []time.Time{core.Date(2024, time.January, 20)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "2024-01-05", got[0].OrderDate.Format(core.DateLayout))
		assert.Equal(t, core.BatchID("b1"), got[0].BatchID)
		return nil
	})
	require.NoError(t, err)
}

func TestUpsertDaily_LaterWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := core.Date(2024, time.January, 5)

	_, err := store.UpsertDaily(ctx, "b1", []core.DailyFact{daily(day, "C1", "P1", 3, "a.csv")})
	require.NoError(t, err)
	_, err = store.UpsertDaily(ctx, "b2", []core.DailyFact{daily(day, "C1", "P1", 9, "b.csv")})
	require.NoError(t, err)

	history, err := store.DailyInPeriods(ctx, core.GrainMonth, []time.Time{day, day})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, decimal.NewFromInt(9).Equal(history[0].Quantity))
	assert.Equal(t, core.FileID("b.csv"), history[0].SourceFile)
}

func TestUpsertDaily_KeysOnRawIDs(t *testing.T) {
	// GIVEN: Two unknown products resolved to the sentinel on the same day
	store := newTestStore(t)
	ctx := context.Background()
	day := core.Date(2024, time.January, 5)
	px := daily(day, "C1", "PX", 3, "a.csv")
	px.ProductCode = core.SentinelKey
	py := daily(day, "C1", "PY", 4, "a.csv")
	py.ProductCode = core.SentinelKey

	// WHEN: Writing both
	_, err := store.UpsertDaily(ctx, "b1", []core.DailyFact{px, py})
	require.NoError(t, err)

	// THEN: Both rows are kept with their raw and resolved ids
	history, err := store.DailyInPeriods(ctx, core.GrainMonth, []time.Time{day})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "PX", history[0].RawProductID)
	assert.Equal(t, core.SentinelKey, history[0].ProductCode)
	assert.Equal(t, "PY", history[1].RawProductID)

	// AND: A later resolution of the same raw id updates the stored code
	px.ProductCode = "PX"
	_, err = store.UpsertDaily(ctx, "b2", []core.DailyFact{px})
	require.NoError(t, err)
	history, err = store.DailyInPeriods(ctx, core.GrainMonth, []time.Time{day})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "PX", history[0].ProductCode)
}

func TestListFacts_Filter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	jan := core.Date(2024, time.January, 1)
	feb := core.Date(2024, time.February, 1)

	_, err := store.UpsertFacts(ctx, "b1", []core.AggregatedFactRow{
		fact(feb, "C1", "P1", 1),
		fact(jan, "C2", "P1", 2),
		fact(jan, "C1", "P2", 3),
	})
	require.NoError(t, err)

	all, err := store.ListFacts(ctx, core.FactFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "C1", all[0].CustomerCode)
	assert.Equal(t, "C2", all[1].CustomerCode)
	assert.True(t, feb.Equal(all[2].PeriodStart))

	onlyFeb, err := store.ListFacts(ctx, core.FactFilter{From: feb})
	require.NoError(t, err)
	assert.Len(t, onlyFeb, 1)

	byProduct, err := store.ListFacts(ctx, core.FactFilter{ProductCode: "P1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byProduct, 1)
	assert.Equal(t, "C2", byProduct[0].CustomerCode)
}

// =============================================================================
// MANIFEST
// =============================================================================

func TestManifest_CompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Absent files are pending
	entry, err := store.Get(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, entry.Status)

	require.NoError(t, store.CompareAndSet(ctx, "a.csv", core.StatusPending, core.StatusMerged, "b1"))

	// A second pending->merged loses
	err = store.CompareAndSet(ctx, "a.csv", core.StatusPending, core.StatusMerged, "b2")
	var conflict *core.StatusConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, core.StatusMerged, conflict.Actual)

	require.NoError(t, store.CompareAndSet(ctx, "a.csv", core.StatusMerged, core.StatusArchived, "b1"))

	entry, err = store.Get(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, core.StatusArchived, entry.Status)
	assert.Equal(t, core.BatchID("b1"), entry.BatchID)

	err = store.CompareAndSet(ctx, "missing.csv", core.StatusMerged, core.StatusArchived, "b1")
	assert.ErrorIs(t, err, core.ErrStatusConflict)
}

func TestMarkMerged_CommitsWithTheBatch(t *testing.T) {
	// GIVEN: A batch that writes a fact and marks its files, then fails
	store := newTestStore(t)
	ctx := context.Background()
	jan := core.Date(2024, time.January, 1)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx core.FactStore) error {
		if _, err := tx.UpsertFacts(ctx, "b1", []core.AggregatedFactRow{fact(jan, "C1", "P1", 3)}); err != nil {
			return err
		}
		if err := tx.MarkMerged(ctx, "b1", []core.FileID{"a.csv", "b.csv"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN: The files are still pending
	entry, err := store.Get(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, entry.Status)

	// WHEN: The batch commits
	err = store.WithTx(ctx, func(tx core.FactStore) error {
		if _, err := tx.UpsertFacts(ctx, "b1", []core.AggregatedFactRow{fact(jan, "C1", "P1", 3)}); err != nil {
			return err
		}
		return tx.MarkMerged(ctx, "b1", []core.FileID{"a.csv", "b.csv"})
	})
	require.NoError(t, err)

	// THEN: Both files are merged by the batch
	merged, err := store.List(ctx, core.StatusMerged)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, core.BatchID("b1"), merged[1].BatchID)

	// AND: A batch claiming an already merged file rolls back its facts
	err = store.WithTx(ctx, func(tx core.FactStore) error {
		if _, err := tx.UpsertFacts(ctx, "b2", []core.AggregatedFactRow{fact(jan, "C1", "P1", 9)}); err != nil {
			return err
		}
		return tx.MarkMerged(ctx, "b2", []core.FileID{"c.csv", "a.csv"})
	})
	assert.ErrorIs(t, err, core.ErrStatusConflict)

	got, err := store.GetFact(ctx, core.FactKey{PeriodStart: jan, CustomerCode: "C1", ProductCode: "P1"})
	require.NoError(t, err)
	assert.Equal(t, "3", got.SoldQuantity.String())
	entry, err = store.Get(ctx, "c.csv")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, entry.Status)
}

func TestManifest_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CompareAndSet(ctx, "a.csv", core.StatusPending, core.StatusMerged, "b1"))
	require.NoError(t, store.CompareAndSet(ctx, "b.csv", core.StatusPending, core.StatusMerged, "b1"))
	require.NoError(t, store.CompareAndSet(ctx, "b.csv", core.StatusMerged, core.StatusArchived, "b1"))

	merged, err := store.List(ctx, core.StatusMerged)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, core.FileID("a.csv"), merged[0].FileID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// DIMENSIONS
// =============================================================================

func TestDimensions_UpsertCountsAndRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	counts, err := store.UpsertCustomers(ctx, []core.Customer{
		{Code: "C1", Name: "Acme", Market: "India"},
		{Code: "C2", Name: "Bolt", Market: "India"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.UpsertCounts{Inserted: 2}, counts)

	counts, err = store.UpsertCustomers(ctx, []core.Customer{{Code: "C1", Name: "Acme Ltd", Market: "India"}})
	require.NoError(t, err)
	assert.Equal(t, core.UpsertCounts{Updated: 1}, counts)

	customers, err := store.Customers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme Ltd", customers["C1"].Name)

	_, err = store.UpsertGrossPrices(ctx, []core.GrossPrice{{ProductCode: "P1", Year: 2024, Price: decimal.RequireFromString("12.50")}})
	require.NoError(t, err)
	prices, err := store.GrossPrices(ctx)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.True(t, decimal.RequireFromString("12.5").Equal(prices[0].Price))

	at, err := store.RefreshedAt(ctx, core.DimCustomers)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkRefreshed(ctx, core.DimCustomers, now))
	at, err = store.RefreshedAt(ctx, core.DimCustomers)
	require.NoError(t, err)
	assert.True(t, now.Equal(at))
}

func TestDates_RangeQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveDates(ctx, []core.DateDim{
		{Date: core.Date(2024, time.January, 1), Year: 2024, MonthName: "January", Quarter: 1, MonthStart: core.Date(2024, time.January, 1)},
		{Date: core.Date(2024, time.January, 2), Year: 2024, MonthName: "January", Quarter: 1, MonthStart: core.Date(2024, time.January, 1)},
	}))

	dates, err := store.Dates(ctx, core.Date(2024, time.January, 2), time.Time{})
	require.NoError(t, err)
	require.Len(t, dates, 1)
	assert.Equal(t, "January", dates[0].MonthName)
}

// =============================================================================
// RUN LOG
// =============================================================================

func TestRunLog_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveRun(ctx, core.RunRecord{ID: "r1", StartedAt: t0, FinishedAt: t0, Status: core.RunSucceeded}))
	require.NoError(t, store.SaveRun(ctx, core.RunRecord{
		ID: "r2", StartedAt: t0.Add(time.Hour), FinishedAt: t0.Add(time.Hour), Status: core.RunFailed,
		Error: "storage unavailable", Report: json.RawMessage(`{"files":1}`),
	}))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, core.RunFailed, runs[0].Status)
	assert.JSONEq(t, `{"files":1}`, string(runs[0].Report))
	assert.Nil(t, runs[1].Report)
}

// =============================================================================
// TIMEOUTS
// =============================================================================

func TestBound_AppliesTimeout(t *testing.T) {
	store := newTestStore(t)
	store.Timeout = time.Minute

	ctx, cancel := store.bound(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	store.Timeout = 0
	ctx, cancel = store.bound(context.Background())
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}

func TestExpiredDeadline_IsStorageUnavailable(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := store.List(ctx, core.StatusMerged)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)

	err = store.SaveRun(ctx, core.RunRecord{ID: "r1", Status: core.RunSucceeded})
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
}
