package dimension

import (
	"github.com/shopspring/decimal"

	"github.com/warp/fact-engine/core"
)

// Revenue joins facts with the yearly gross price of their product and the
// date dimension of their period start. Facts without a price are kept with
// Priced=false and zero revenue. Dates missing from the dimension are
// computed.
func Revenue(facts []core.FactRow, prices []core.GrossPrice, dates []core.DateDim) []core.RevenueRow {
	type priceKey struct {
		product string
		year    int
	}
	priceOf := make(map[priceKey]decimal.Decimal, len(prices))
	for _, p := range prices {
		priceOf[priceKey{p.ProductCode, p.Year}] = p.Price
	}
	dateOf := make(map[string]core.DateDim, len(dates))
	for _, d := range dates {
		dateOf[d.Date.Format(core.DateLayout)] = d
	}

	out := make([]core.RevenueRow, 0, len(facts))
	for _, f := range facts {
		d, ok := dateOf[f.PeriodStart.Format(core.DateLayout)]
		if !ok {
			d = DateFor(f.PeriodStart)
		}
		row := core.RevenueRow{
			AggregatedFactRow: f.AggregatedFactRow,
			Year:              d.Year,
			MonthName:         d.MonthName,
			Quarter:           d.Quarter,
		}
		if price, ok := priceOf[priceKey{f.ProductCode, d.Year}]; ok {
			row.Price = price
			row.Revenue = price.Mul(f.SoldQuantity)
			row.Priced = true
		}
		out = append(out, row)
	}
	return out
}
