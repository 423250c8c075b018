/*
Package dimension maintains the reference tables ingestion resolves against.

PURPOSE:
  Converts delimited dimension extracts (customers, products, gross prices)
  into store rows and merges them in. The ingestion run only ever reads
  these tables; this package is the upstream collaborator that refreshes
  them before a cycle.

MERGE-IN SEMANTICS:
  A row whose business key already exists replaces every attribute of the
  stored row. A new key is inserted. Keys absent from the extract are left
  alone. Within one extract the last row of a repeated key wins.

CSV SCHEMA:
  customers:    customer_id | customer_code, customer_name | name, city,
                [market], [platform], [channel]
  products:     product_id | product_code, product_name | name, division,
                category, variant
  gross_prices: product_id | product_code, year | fiscal_year,
                gross_price | price

DEFAULTS:
  Customers without market, platform or channel get DefaultMarket,
  DefaultPlatform and DefaultChannel.

USAGE:
  imp := dimension.NewImporter(store, logger)
  counts, err := imp.ImportCustomers(ctx, file)

SEE ALSO:
  - dates.go: Static date dimension
  - fresh.go: Run precondition on refresh markers
  - revenue.go: Read model joining facts with prices and dates
*/
package dimension

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fact-engine/core"
)

// Default customer attributes.
const (
	DefaultMarket   = "India"
	DefaultPlatform = "Sport Bar"
	DefaultChannel  = "Acquisition"
)

// Importer merges dimension extracts into a DimensionStore.
type Importer struct {
	store core.DimensionStore
	log   *zap.Logger

	// Now stamps refresh markers.
	Now func() time.Time
}

// NewImporter creates an importer.
func NewImporter(store core.DimensionStore, log *zap.Logger) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Importer{store: store, log: log, Now: func() time.Time { return time.Now().UTC() }}
}

// =============================================================================
// IMPORTS
// =============================================================================

// ImportCustomers merges a customer extract and marks the table refreshed.
func (imp *Importer) ImportCustomers(ctx context.Context, r io.Reader) (core.UpsertCounts, error) {
	rows, err := readTable(r, map[string][]string{
		"code":     {"customer_id", "customer_code"},
		"name":     {"customer_name", "name", "customer"},
		"city":     {"city"},
		"market":   {"market"},
		"platform": {"platform"},
		"channel":  {"channel"},
	}, "code")
	if err != nil {
		return core.UpsertCounts{}, fmt.Errorf("customers: %w", err)
	}

	var customers []core.Customer
	index := make(map[string]int)
	for _, row := range rows {
		c := core.Customer{
			Code:     row["code"],
			Name:     row["name"],
			City:     row["city"],
			Market:   orDefault(row["market"], DefaultMarket),
			Platform: orDefault(row["platform"], DefaultPlatform),
			Channel:  orDefault(row["channel"], DefaultChannel),
		}
		if i, ok := index[c.Code]; ok {
			customers[i] = c
			continue
		}
		index[c.Code] = len(customers)
		customers = append(customers, c)
	}

	counts, err := imp.store.UpsertCustomers(ctx, customers)
	if err != nil {
		return core.UpsertCounts{}, err
	}
	return counts, imp.refreshed(ctx, core.DimCustomers, counts, len(rows))
}

// ImportProducts merges a product extract and marks the table refreshed.
func (imp *Importer) ImportProducts(ctx context.Context, r io.Reader) (core.UpsertCounts, error) {
	rows, err := readTable(r, map[string][]string{
		"code":     {"product_id", "product_code"},
		"name":     {"product_name", "name", "product"},
		"division": {"division"},
		"category": {"category"},
		"variant":  {"variant"},
	}, "code")
	if err != nil {
		return core.UpsertCounts{}, fmt.Errorf("products: %w", err)
	}

	var products []core.Product
	index := make(map[string]int)
	for _, row := range rows {
		p := core.Product{
			Code:     row["code"],
			Name:     row["name"],
			Division: row["division"],
			Category: row["category"],
			Variant:  row["variant"],
		}
		if i, ok := index[p.Code]; ok {
			products[i] = p
			continue
		}
		index[p.Code] = len(products)
		products = append(products, p)
	}

	counts, err := imp.store.UpsertProducts(ctx, products)
	if err != nil {
		return core.UpsertCounts{}, err
	}
	return counts, imp.refreshed(ctx, core.DimProducts, counts, len(rows))
}

// ImportGrossPrices merges a yearly gross price extract.
func (imp *Importer) ImportGrossPrices(ctx context.Context, r io.Reader) (core.UpsertCounts, error) {
	rows, err := readTable(r, map[string][]string{
		"code":  {"product_id", "product_code"},
		"year":  {"year", "fiscal_year"},
		"price": {"gross_price", "price"},
	}, "code", "year", "price")
	if err != nil {
		return core.UpsertCounts{}, fmt.Errorf("gross prices: %w", err)
	}

	var prices []core.GrossPrice
	index := make(map[string]int)
	for i, row := range rows {
		year, err := strconv.Atoi(row["year"])
		if err != nil {
			return core.UpsertCounts{}, fmt.Errorf("gross prices row %d: invalid year %q", i+2, row["year"])
		}
		price, err := decimal.NewFromString(row["price"])
		if err != nil || price.IsNegative() {
			return core.UpsertCounts{}, fmt.Errorf("gross prices row %d: invalid price %q", i+2, row["price"])
		}
		p := core.GrossPrice{ProductCode: row["code"], Year: year, Price: price}
		k := p.ProductCode + "|" + row["year"]
		if j, ok := index[k]; ok {
			prices[j] = p
			continue
		}
		index[k] = len(prices)
		prices = append(prices, p)
	}

	counts, err := imp.store.UpsertGrossPrices(ctx, prices)
	if err != nil {
		return core.UpsertCounts{}, err
	}
	return counts, imp.refreshed(ctx, core.DimGrossPrices, counts, len(rows))
}

func (imp *Importer) refreshed(ctx context.Context, table core.DimensionTable, counts core.UpsertCounts, read int) error {
	if err := imp.store.MarkRefreshed(ctx, table, imp.Now()); err != nil {
		return err
	}
	imp.log.Info("imported dimension",
		zap.String("table", string(table)),
		zap.Int("rows", read),
		zap.Int("inserted", counts.Inserted),
		zap.Int("updated", counts.Updated),
	)
	return nil
}

// =============================================================================
// CSV HELPERS
// =============================================================================

// readTable reads a headed CSV into maps keyed by logical column. Each
// logical column may appear under any of its aliases. Values are trimmed;
// rows with an empty required column are rejected.
func readTable(r io.Reader, aliases map[string][]string, required ...string) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pos := make(map[string]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for logical, names := range aliases {
			if _, done := pos[logical]; done {
				continue
			}
			for _, n := range names {
				if h == n {
					pos[logical] = i
				}
			}
		}
	}
	for _, col := range required {
		if _, ok := pos[col]; !ok {
			return nil, fmt.Errorf("missing column %s", aliases[col][0])
		}
	}

	var out []map[string]string
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(pos))
		for logical, i := range pos {
			if i < len(rec) {
				row[logical] = strings.TrimSpace(rec[i])
			}
		}
		for _, col := range required {
			if row[col] == "" {
				return nil, fmt.Errorf("line %d: empty %s", line, aliases[col][0])
			}
		}
		out = append(out, row)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
