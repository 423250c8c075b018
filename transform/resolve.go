/*
Package transform holds the pure stages between staging and merge.

PURPOSE:
  Reference resolution, deduplication and grain aggregation are plain
  functions over records. None of them touch storage, which keeps them
  deterministic and cheap to test.

STAGES:
  Resolve:   raw ids -> dimension keys, SentinelKey on a miss (resolve.go)
  Dedupe:    one record per daily key, last write wins (dedupe.go)
  Aggregate: daily records -> facts at the target grain (aggregate.go)

SEE ALSO:
  - pipeline/runner.go: Chains the stages
  - merge/engine.go: Re-aggregates daily history with AggregateDaily
*/
package transform

import (
	"strings"
	"sync/atomic"

	"github.com/warp/fact-engine/core"
)

// Resolve maps the raw ids of rec onto dimension keys. An id without a
// dimension row becomes core.SentinelKey and sets the matching fallback flag.
// The record is never dropped.
func Resolve(rec core.StagingRecord, customers map[string]core.Customer, products map[string]core.Product) core.ResolvedRecord {
	cust := strings.TrimSpace(rec.RawCustomerID)
	prod := strings.TrimSpace(rec.RawProductID)
	out := core.ResolvedRecord{
		OrderDate:     rec.OrderDate,
		RawCustomerID: cust,
		RawProductID:  prod,
		Quantity:      rec.Quantity,
		SourceFile:    rec.SourceFile,
		Line:          rec.Line,
	}

	if _, ok := customers[cust]; ok {
		out.CustomerCode = cust
	} else {
		out.CustomerCode = core.SentinelKey
		out.CustomerFallback = true
	}

	if _, ok := products[prod]; ok {
		out.ProductCode = prod
	} else {
		out.ProductCode = core.SentinelKey
		out.ProductFallback = true
	}
	return out
}

// Resolver resolves records against one dimension snapshot and counts
// fallbacks. It is safe for concurrent use.
type Resolver struct {
	customers map[string]core.Customer
	products  map[string]core.Product

	// Quarantine drops records with any unresolved reference instead of
	// substituting the sentinel.
	Quarantine bool

	customerFallbacks atomic.Int64
	productFallbacks  atomic.Int64
	quarantined       atomic.Int64
}

// NewResolver creates a resolver over a dimension snapshot. The maps must
// not be modified while the resolver is in use.
func NewResolver(customers map[string]core.Customer, products map[string]core.Product) *Resolver {
	return &Resolver{customers: customers, products: products}
}

// ResolveAll resolves recs, assigning discovery as their discovery index.
func (r *Resolver) ResolveAll(recs []core.StagingRecord, discovery int) []core.ResolvedRecord {
	out := make([]core.ResolvedRecord, 0, len(recs))
	for _, rec := range recs {
		res := Resolve(rec, r.customers, r.products)
		res.Discovery = discovery
		if res.CustomerFallback {
			r.customerFallbacks.Add(1)
		}
		if res.ProductFallback {
			r.productFallbacks.Add(1)
		}
		if r.Quarantine && (res.CustomerFallback || res.ProductFallback) {
			r.quarantined.Add(1)
			continue
		}
		out = append(out, res)
	}
	return out
}

// FallbackCounts reports how many records fell back per dimension, and how
// many were quarantined.
type FallbackCounts struct {
	Customer    int64
	Product     int64
	Quarantined int64
}

// Counts returns the fallback counters so far.
func (r *Resolver) Counts() FallbackCounts {
	return FallbackCounts{
		Customer:    r.customerFallbacks.Load(),
		Product:     r.productFallbacks.Load(),
		Quarantined: r.quarantined.Load(),
	}
}
