package transform

import (
	"sort"
	"time"

	"github.com/warp/fact-engine/core"
)

// Aggregate sums quantities per (period start, customer, product) at grain.
// The result is sorted by key and does not depend on input order.
func Aggregate(recs []core.ResolvedRecord, grain core.Grain) []core.AggregatedFactRow {
	acc := newAccumulator(len(recs))
	for _, r := range recs {
		acc.add(grain, r.OrderDate, r.CustomerCode, r.ProductCode, r.Quantity)
	}
	return acc.rows()
}

// AggregateDaily is Aggregate over persisted daily history.
func AggregateDaily(daily []core.DailyFact, grain core.Grain) []core.AggregatedFactRow {
	acc := newAccumulator(len(daily))
	for _, d := range daily {
		acc.add(grain, d.OrderDate, d.CustomerCode, d.ProductCode, d.Quantity)
	}
	return acc.rows()
}

// ToDaily converts deduplicated records into daily history rows.
func ToDaily(recs []core.ResolvedRecord) []core.DailyFact {
	out := make([]core.DailyFact, 0, len(recs))
	for _, r := range recs {
		out = append(out, core.DailyFact{
			OrderDate:     core.DateOf(r.OrderDate),
			RawCustomerID: r.RawCustomerID,
			RawProductID:  r.RawProductID,
			CustomerCode:  r.CustomerCode,
			ProductCode:   r.ProductCode,
			Quantity:      r.Quantity,
			SourceFile:    r.SourceFile,
		})
	}
	return out
}

// PeriodStarts returns the distinct period starts touched by daily, ascending.
func PeriodStarts(daily []core.DailyFact, grain core.Grain) []time.Time {
	seen := make(map[string]bool)
	var out []time.Time
	for _, d := range daily {
		start := grain.PeriodStart(d.OrderDate)
		k := start.Format(core.DateLayout)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, start)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

type accumulator struct {
	sums map[string]*core.AggregatedFactRow
}

func newAccumulator(n int) *accumulator {
	return &accumulator{sums: make(map[string]*core.AggregatedFactRow, n)}
}

func (a *accumulator) add(grain core.Grain, date time.Time, cust, prod string, qty core.Quantity) {
	key := core.FactKey{PeriodStart: grain.PeriodStart(date), CustomerCode: cust, ProductCode: prod}
	k := key.String()
	if row, ok := a.sums[k]; ok {
		row.SoldQuantity = row.SoldQuantity.Add(qty)
		return
	}
	a.sums[k] = &core.AggregatedFactRow{FactKey: key, SoldQuantity: qty}
}

func (a *accumulator) rows() []core.AggregatedFactRow {
	out := make([]core.AggregatedFactRow, 0, len(a.sums))
	for _, row := range a.sums {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactKey.Less(out[j].FactKey) })
	return out
}
