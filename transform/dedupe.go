package transform

import (
	"sort"

	"github.com/warp/fact-engine/core"
)

// Dedupe keeps one record per (order date, raw customer id, raw product id).
// Distinct raw ids stay distinct even when they resolve to the same
// sentinel code. The survivor is the last write: the record from the latest
// file in discovery order, and within one file the later line. Output is
// sorted by key; the second result is the number of records removed.
func Dedupe(recs []core.ResolvedRecord) ([]core.ResolvedRecord, int) {
	winners := make(map[core.DayKey]core.ResolvedRecord, len(recs))
	for _, rec := range recs {
		k := rec.DayKey()
		if cur, ok := winners[k]; !ok || laterThan(rec, cur) {
			winners[k] = rec
		}
	}

	out := make([]core.ResolvedRecord, 0, len(winners))
	for _, rec := range winners {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayKey().Less(out[j].DayKey()) })
	return out, len(recs) - len(out)
}

func laterThan(a, b core.ResolvedRecord) bool {
	if a.Discovery != b.Discovery {
		return a.Discovery > b.Discovery
	}
	return a.Line > b.Line
}
