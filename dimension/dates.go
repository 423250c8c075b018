package dimension

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fact-engine/core"
)

// GenerateDates returns one DateDim per day in [from, to].
func GenerateDates(from, to time.Time) []core.DateDim {
	from, to = core.DateOf(from), core.DateOf(to)
	if to.Before(from) {
		return nil
	}

	out := make([]core.DateDim, 0, int(to.Sub(from).Hours()/24)+1)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, DateFor(d))
	}
	return out
}

// DateFor computes the date dimension attributes of one day.
func DateFor(d time.Time) core.DateDim {
	d = core.DateOf(d)
	return core.DateDim{
		Date:       d,
		Year:       d.Year(),
		MonthName:  d.Month().String(),
		Quarter:    core.Quarter(d),
		MonthStart: core.GrainMonth.PeriodStart(d),
	}
}

// SeedDates writes the date dimension for [from, to] and marks it refreshed.
func (imp *Importer) SeedDates(ctx context.Context, from, to time.Time) (int, error) {
	dates := GenerateDates(from, to)
	if len(dates) == 0 {
		return 0, fmt.Errorf("empty date range %s..%s", from.Format(core.DateLayout), to.Format(core.DateLayout))
	}
	if err := imp.store.SaveDates(ctx, dates); err != nil {
		return 0, err
	}
	if err := imp.store.MarkRefreshed(ctx, core.DimDates, imp.Now()); err != nil {
		return 0, err
	}
	imp.log.Info("seeded date dimension",
		zap.String("from", dates[0].Date.Format(core.DateLayout)),
		zap.String("to", dates[len(dates)-1].Date.Format(core.DateLayout)),
		zap.Int("days", len(dates)),
	)
	return len(dates), nil
}
