package dimension

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/fact-engine/core"
)

// ResolutionTables are the tables an ingestion run resolves against.
var ResolutionTables = []core.DimensionTable{core.DimCustomers, core.DimProducts}

// CheckFresh fails with core.ErrDimensionsStale when any table was never
// refreshed, or was last refreshed more than maxAge before now. A zero
// maxAge only requires that each table was refreshed at some point.
func CheckFresh(ctx context.Context, store core.DimensionStore, tables []core.DimensionTable, now time.Time, maxAge time.Duration) error {
	var stale []string
	for _, table := range tables {
		at, err := store.RefreshedAt(ctx, table)
		if err != nil {
			return core.Unavailable("read refresh marker", err)
		}
		switch {
		case at.IsZero():
			stale = append(stale, string(table)+" (never refreshed)")
		case maxAge > 0 && now.Sub(at) > maxAge:
			stale = append(stale, fmt.Sprintf("%s (refreshed %s ago)", table, now.Sub(at).Truncate(time.Second)))
		}
	}
	if len(stale) > 0 {
		return fmt.Errorf("%w: %s", core.ErrDimensionsStale, strings.Join(stale, ", "))
	}
	return nil
}
