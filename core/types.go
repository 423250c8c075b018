/*
Package core provides the domain model of the fact ingestion engine.

PURPOSE:
  This package contains the types shared by every stage of an ingestion
  run: staged rows read from increment files, rows resolved against the
  dimension tables, aggregated fact rows at the target grain, and the
  manifest entries that make file processing exactly-once.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: Exact decimal measure (never float)
  - StagingRecord: One raw line from an increment file
  - ResolvedRecord: A staged line with dimension keys substituted
  - FactKey / AggregatedFactRow: The fact store's composite key and row
  - ManifestEntry: Per-file processing status (pending/merged/archived)

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal so summed quantities are exact
  2. Determinism: Every ordering used by the engine is total and stable
  3. Type Safety: FileID and BatchID are distinct string types

SEE ALSO:
  - grain.go: Period truncation for the target grain
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
*/
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// SentinelKey replaces a customer or product reference that cannot be
// resolved against the dimension tables.
const SentinelKey = "999999"

// DateLayout is the canonical date-only layout used for keys and storage.
const DateLayout = "2006-01-02"

// =============================================================================
// QUANTITY
// =============================================================================

// Quantity is a sold quantity. Staged quantities are never negative.
type Quantity = decimal.Decimal

// NewQuantity returns a Quantity for an integral amount.
func NewQuantity(n int64) Quantity { return decimal.NewFromInt(n) }

// ParseQuantity parses a textual quantity.
func ParseQuantity(s string) (Quantity, error) { return decimal.NewFromString(s) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

// FileID identifies an increment file by its name inside the landing zone.
type FileID string

// BatchID identifies one merge batch (one transactional commit).
type BatchID string

// =============================================================================
// STAGING / RESOLVED RECORDS
// =============================================================================

// StagingRecord is one raw transactional line of an increment file.
type StagingRecord struct {
	OrderDate     time.Time
	RawCustomerID string
	RawProductID  string
	Quantity      Quantity
	SourceFile    FileID
	Line          int // 1-based physical line in the source file
}

// ResolvedRecord is a StagingRecord whose raw ids were replaced with
// dimension keys, or with SentinelKey when a lookup missed. The trimmed raw
// ids are kept: they, not the resolved codes, identify the daily record, so
// distinct unresolvable ids never collapse onto one sentinel row.
type ResolvedRecord struct {
	OrderDate        time.Time
	RawCustomerID    string
	RawProductID     string
	CustomerCode     string
	ProductCode      string
	Quantity         Quantity
	SourceFile       FileID
	Discovery        int // index of SourceFile in discovery order
	Line             int
	CustomerFallback bool
	ProductFallback  bool
}

// DayKey returns the natural key used for deduplication.
func (r ResolvedRecord) DayKey() DayKey {
	return DayKey{OrderDate: r.OrderDate.Format(DateLayout), CustomerID: r.RawCustomerID, ProductID: r.RawProductID}
}

// DayKey is the natural key of a daily record: the order date and the raw
// ids as they appeared in the source file.
type DayKey struct {
	OrderDate  string
	CustomerID string
	ProductID  string
}

// Less orders day keys by date, then customer id, then product id.
func (k DayKey) Less(o DayKey) bool {
	if k.OrderDate != o.OrderDate {
		return k.OrderDate < o.OrderDate
	}
	if k.CustomerID != o.CustomerID {
		return k.CustomerID < o.CustomerID
	}
	return k.ProductID < o.ProductID
}

// =============================================================================
// FACTS
// =============================================================================

// FactKey is the composite key of the fact store.
type FactKey struct {
	PeriodStart  time.Time
	CustomerCode string
	ProductCode  string
}

// String returns "period|customer|product".
func (k FactKey) String() string {
	return k.PeriodStart.Format(DateLayout) + "|" + k.CustomerCode + "|" + k.ProductCode
}

// Less orders keys by period, then customer, then product.
func (k FactKey) Less(o FactKey) bool {
	if !k.PeriodStart.Equal(o.PeriodStart) {
		return k.PeriodStart.Before(o.PeriodStart)
	}
	if k.CustomerCode != o.CustomerCode {
		return k.CustomerCode < o.CustomerCode
	}
	return k.ProductCode < o.ProductCode
}

// AggregatedFactRow is a fact at the store's grain.
type AggregatedFactRow struct {
	FactKey
	SoldQuantity Quantity
}

// FactRow is a persisted fact with change-tracking metadata.
type FactRow struct {
	AggregatedFactRow
	Version   int64
	BatchID   BatchID
	UpdatedAt time.Time
}

// DailyFact is a persisted daily record. The daily history lets a merge
// recompute a whole period rather than trusting a single increment. It is
// keyed by DayKey; aggregation uses the resolved codes.
type DailyFact struct {
	OrderDate     time.Time
	RawCustomerID string
	RawProductID  string
	CustomerCode  string
	ProductCode   string
	Quantity      Quantity
	SourceFile    FileID
	BatchID       BatchID
}

// DayKey returns the natural key of the daily record.
func (d DailyFact) DayKey() DayKey {
	return DayKey{OrderDate: d.OrderDate.Format(DateLayout), CustomerID: d.RawCustomerID, ProductID: d.RawProductID}
}

// ChangeOp is the kind of mutation recorded in the change log.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
)

// FactChange is one applied mutation of the fact store.
type FactChange struct {
	BatchID     BatchID
	Key         FactKey
	Op          ChangeOp
	OldQuantity Quantity
	NewQuantity Quantity
	ChangedAt   time.Time
}

// MergeResult reports what one merge applied.
type MergeResult struct {
	BatchID  BatchID
	Inserted int
	Updated  int
	Daily    int // daily history rows written (increment merges only)
}

// FactFilter narrows ListFacts. Zero values match everything.
type FactFilter struct {
	From         time.Time
	To           time.Time
	CustomerCode string
	ProductCode  string
	Limit        int
}

// Match reports whether a fact row satisfies the filter.
func (f FactFilter) Match(k FactKey) bool {
	if !f.From.IsZero() && k.PeriodStart.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && k.PeriodStart.After(f.To) {
		return false
	}
	if f.CustomerCode != "" && k.CustomerCode != f.CustomerCode {
		return false
	}
	if f.ProductCode != "" && k.ProductCode != f.ProductCode {
		return false
	}
	return true
}

// =============================================================================
// DIMENSIONS
// =============================================================================

// Customer is a row of the customer dimension keyed by Code.
type Customer struct {
	Code     string
	Name     string
	City     string
	Market   string
	Platform string
	Channel  string
}

// Product is a row of the product dimension keyed by Code.
type Product struct {
	Code     string
	Name     string
	Division string
	Category string
	Variant  string
}

// GrossPrice is the price of a product for one year.
type GrossPrice struct {
	ProductCode string
	Year        int
	Price       decimal.Decimal
}

// DateDim is a row of the static date dimension.
type DateDim struct {
	Date       time.Time
	Year       int
	MonthName  string
	Quarter    int
	MonthStart time.Time
}

// DimensionTable names a refreshable dimension table.
type DimensionTable string

const (
	DimCustomers   DimensionTable = "customers"
	DimProducts    DimensionTable = "products"
	DimGrossPrices DimensionTable = "gross_prices"
	DimDates       DimensionTable = "dates"
)

// RevenueRow is a fact joined with its gross price and date attributes.
type RevenueRow struct {
	AggregatedFactRow
	Year      int
	MonthName string
	Quarter   int
	Price     decimal.Decimal
	Revenue   decimal.Decimal
	Priced    bool // false when no gross price exists for (product, year)
}

// =============================================================================
// MANIFEST
// =============================================================================

// FileStatus is the processing state of a landing file.
type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusMerged   FileStatus = "merged"
	StatusArchived FileStatus = "archived"
)

// Done reports whether a file must not be submitted to a merge again.
func (s FileStatus) Done() bool { return s == StatusMerged || s == StatusArchived }

// ManifestEntry is the persisted status of one file.
type ManifestEntry struct {
	FileID    FileID
	Status    FileStatus
	BatchID   BatchID
	UpdatedAt time.Time
}
