package transform

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fact-engine/core"
)

var (
	customers = map[string]core.Customer{"C1": {Code: "C1"}, "C2": {Code: "C2"}}
	products  = map[string]core.Product{"P1": {Code: "P1"}, "P2": {Code: "P2"}}
)

func staged(day int, cust, prod string, qty int64, line int) core.StagingRecord {
	return core.StagingRecord{
		OrderDate:     core.Date(2024, time.January, day),
		RawCustomerID: cust,
		RawProductID:  prod,
		Quantity:      core.NewQuantity(qty),
		SourceFile:    "f.csv",
		Line:          line,
	}
}

func resolved(day int, cust, prod string, qty int64, discovery, line int) core.ResolvedRecord {
	return core.ResolvedRecord{
		OrderDate:     core.Date(2024, time.January, day),
		RawCustomerID: cust,
		RawProductID:  prod,
		CustomerCode:  cust,
		ProductCode:   prod,
		Quantity:      core.NewQuantity(qty),
		Discovery:     discovery,
		Line:          line,
	}
}

// =============================================================================
// RESOLVE
// =============================================================================

func TestResolve_KnownReferences(t *testing.T) {
	got := Resolve(staged(5, " C1 ", "P2", 3, 2), customers, products)

	assert.Equal(t, "C1", got.CustomerCode)
	assert.Equal(t, "P2", got.ProductCode)
	assert.False(t, got.CustomerFallback)
	assert.False(t, got.ProductFallback)
	assert.Equal(t, 2, got.Line)
}

func TestResolve_UnknownProductFallsBackToSentinel(t *testing.T) {
	got := Resolve(staged(5, "C1", "P-UNKNOWN", 3, 2), customers, products)

	assert.Equal(t, "C1", got.CustomerCode)
	assert.Equal(t, core.SentinelKey, got.ProductCode)
	assert.True(t, got.ProductFallback)
	assert.True(t, core.NewQuantity(3).Equal(got.Quantity), "quantity is kept")
}

func TestResolver_CountsFallbacksAcrossWorkers(t *testing.T) {
	r := NewResolver(customers, products)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := r.ResolveAll([]core.StagingRecord{
				staged(1, "C1", "P1", 1, 2),
				staged(1, "nope", "P1", 1, 3),
				staged(1, "nope", "nope", 1, 4),
			}, w)
			assert.Len(t, out, 3)
			assert.Equal(t, w, out[0].Discovery)
		}(w)
	}
	wg.Wait()

	assert.Equal(t, FallbackCounts{Customer: 16, Product: 8}, r.Counts())
}

func TestResolver_Quarantine(t *testing.T) {
	r := NewResolver(customers, products)
	r.Quarantine = true

	out := r.ResolveAll([]core.StagingRecord{staged(1, "C1", "P1", 1, 2), staged(1, "C1", "nope", 1, 3)}, 0)

	require.Len(t, out, 1)
	assert.Equal(t, "P1", out[0].ProductCode)
	assert.Equal(t, int64(1), r.Counts().Quarantined)
}

// =============================================================================
// DEDUPE
// =============================================================================

func TestDedupe_LaterFileWins(t *testing.T) {
	// GIVEN: The same day key in two files (discovery 0 then 1)
	recs := []core.ResolvedRecord{
		resolved(1, "C1", "P1", 9, 1, 2),
		resolved(1, "C1", "P1", 4, 0, 7),
		resolved(2, "C1", "P1", 3, 0, 3),
	}

	// WHEN: Deduplicating
	out, removed := Dedupe(recs)

	// THEN: The record from the later file survives regardless of line numbers
	assert.Equal(t, 1, removed)
	require.Len(t, out, 2)
	assert.True(t, core.NewQuantity(9).Equal(out[0].Quantity))
	assert.Equal(t, 2, out[1].OrderDate.Day())
}

func TestDedupe_LaterLineWinsWithinFile(t *testing.T) {
	out, removed := Dedupe([]core.ResolvedRecord{
		resolved(1, "C1", "P1", 5, 0, 9),
		resolved(1, "C1", "P1", 2, 0, 3),
	})

	assert.Equal(t, 1, removed)
	require.Len(t, out, 1)
	assert.True(t, core.NewQuantity(5).Equal(out[0].Quantity))
}

func TestDedupe_KeepsDistinctUnknownIDsApart(t *testing.T) {
	// GIVEN: Two unknown products for the same customer and day
	r := NewResolver(customers, products)
	recs := r.ResolveAll([]core.StagingRecord{
		staged(5, "C1", "PX", 3, 2),
		staged(5, "C1", "PY", 4, 3),
	}, 0)

	// WHEN: Deduplicating and aggregating
	deduped, removed := Dedupe(recs)
	rows := Aggregate(deduped, core.GrainMonth)

	// THEN: Both survive and their quantities add up on the sentinel key
	assert.Zero(t, removed)
	require.Len(t, deduped, 2)
	assert.Equal(t, "PX", deduped[0].RawProductID)
	require.Len(t, rows, 1)
	assert.Equal(t, core.SentinelKey, rows[0].ProductCode)
	assert.Equal(t, "7", rows[0].SoldQuantity.String())

	// AND: The same unknown id resent on the same day still collapses
	again, removed := Dedupe(append(recs, r.ResolveAll([]core.StagingRecord{staged(5, "C1", "PX", 9, 2)}, 1)...))
	assert.Equal(t, 1, removed)
	assert.Equal(t, "13", Aggregate(again, core.GrainMonth)[0].SoldQuantity.String())
}

func TestDedupe_Idempotent(t *testing.T) {
	recs := []core.ResolvedRecord{
		resolved(1, "C2", "P1", 5, 0, 2),
		resolved(1, "C1", "P1", 2, 0, 3),
		resolved(1, "C1", "P1", 1, 1, 2),
	}
	once, _ := Dedupe(recs)
	twice, removed := Dedupe(once)

	assert.Zero(t, removed)
	assert.Equal(t, once, twice)
}

// =============================================================================
// AGGREGATE
// =============================================================================

func TestAggregate_SumsPerMonth(t *testing.T) {
	// Two distinct days in January sum; the sentinel is an ordinary key
	recs := []core.ResolvedRecord{
		resolved(5, "C1", "P1", 3, 0, 2),
		resolved(20, "C1", "P1", 4, 0, 3),
		resolved(20, "C1", core.SentinelKey, 2, 0, 4),
	}

	rows := Aggregate(recs, core.GrainMonth)

	require.Len(t, rows, 2)
	assert.Equal(t, core.SentinelKey, rows[0].ProductCode)
	assert.True(t, core.NewQuantity(2).Equal(rows[0].SoldQuantity))
	assert.Equal(t, "P1", rows[1].ProductCode)
	assert.True(t, core.NewQuantity(7).Equal(rows[1].SoldQuantity))
	assert.Equal(t, "2024-01-01", rows[1].PeriodStart.Format(core.DateLayout))
}

func TestAggregate_DuplicateCollapsedBeforeSum(t *testing.T) {
	// 3 on Jan 5, 4 on Jan 20, and a resent Jan 5 row of 3 in a later file
	recs := []core.ResolvedRecord{
		resolved(5, "C1", "P1", 3, 0, 2),
		resolved(20, "C1", "P1", 4, 0, 3),
		resolved(5, "C1", "P1", 3, 1, 2),
	}

	deduped, removed := Dedupe(recs)
	rows := Aggregate(deduped, core.GrainMonth)

	assert.Equal(t, 1, removed)
	require.Len(t, rows, 1)
	assert.True(t, core.NewQuantity(7).Equal(rows[0].SoldQuantity))
}

func TestAggregate_OrderIndependent(t *testing.T) {
	var recs []core.ResolvedRecord
	for i := 1; i <= 28; i++ {
		recs = append(recs, resolved(i, []string{"C1", "C2"}[i%2], []string{"P1", "P2"}[i%3%2], int64(i), 0, i))
	}
	want := Aggregate(recs, core.GrainQuarter)

	shuffled := append([]core.ResolvedRecord(nil), recs...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	got := Aggregate(shuffled, core.GrainQuarter)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].FactKey, got[i].FactKey)
		assert.True(t, want[i].SoldQuantity.Equal(got[i].SoldQuantity))
	}
}

func TestAggregateDaily_MatchesAggregate(t *testing.T) {
	recs := []core.ResolvedRecord{
		resolved(5, "C1", "P1", 3, 0, 2),
		resolved(20, "C1", "P1", 4, 0, 3),
	}
	daily := ToDaily(recs)

	a := Aggregate(recs, core.GrainMonth)
	b := AggregateDaily(daily, core.GrainMonth)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].FactKey, b[0].FactKey)
	assert.True(t, a[0].SoldQuantity.Equal(b[0].SoldQuantity))

	starts := PeriodStarts(append(daily, core.DailyFact{OrderDate: core.Date(2023, time.December, 31)}), core.GrainMonth)
	require.Len(t, starts, 2)
	assert.Equal(t, "2023-12-01", starts[0].Format(core.DateLayout))
}
