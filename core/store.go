/*
store.go - Persistence interfaces for facts, dimensions and the manifest

PURPOSE:
  Defines the interface between the ingestion stages and the database.
  Implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  FactStore:      Keyed fact upsert, daily history, change log, merged marks
  TxFactStore:    FactStore with all-or-nothing transactions
  DimensionStore: Customer/product/price/date reference tables
  Manifest:       Per-file status with compare-and-set
  RunLog:         History of pipeline runs

UPSERT CONTRACT:
  UpsertFacts() replaces the quantity of existing keys and inserts new keys.
  It never accumulates. Every applied mutation is appended to the change log.

ATOMIC BATCHES:
  WithTx() ensures all-or-nothing semantics. A merge batch either lands
  completely or not at all, even when the context is canceled mid-way.
  The batch's files are marked merged in the same transaction, so a file
  is merged exactly when its rows are in the fact store.
  Inside fn the store shows a consistent view as of transaction start
  plus the transaction's own writes.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - core/store/memory.go: In-memory for testing

SEE ALSO:
  - merge/engine.go: Uses TxFactStore
  - merge/lifecycle.go: Uses Manifest
*/
package core

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// FACT STORE
// =============================================================================

// FactStore persists aggregated facts and the daily history they derive from.
type FactStore interface {
	// GetFact returns the fact for key, or ErrNotFound.
	GetFact(ctx context.Context, key FactKey) (FactRow, error)

	// UpsertFacts replaces or inserts rows keyed by FactKey.
	UpsertFacts(ctx context.Context, batchID BatchID, rows []AggregatedFactRow) (MergeResult, error)

	// UpsertDaily writes daily records; a later write of the same day key wins.
	UpsertDaily(ctx context.Context, batchID BatchID, recs []DailyFact) (int, error)

	// DailyInPeriods returns the daily history of the periods starting at starts.
	DailyInPeriods(ctx context.Context, grain Grain, starts []time.Time) ([]DailyFact, error)

	// ListFacts returns facts ordered by key.
	ListFacts(ctx context.Context, filter FactFilter) ([]FactRow, error)

	// Changes returns the change log, optionally for one batch.
	Changes(ctx context.Context, batchID BatchID) ([]FactChange, error)

	// MarkMerged moves every file of a batch from pending to merged. Inside
	// WithTx the status commits with the batch's facts or not at all.
	// Returns a *StatusConflictError if any file is not pending.
	MarkMerged(ctx context.Context, batchID BatchID, files []FileID) error
}

// TxFactStore wraps FactStore with transaction support.
type TxFactStore interface {
	FactStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(FactStore) error) error
}

// =============================================================================
// DIMENSION STORE
// =============================================================================

// UpsertCounts reports a dimension merge-in.
type UpsertCounts struct {
	Inserted int
	Updated  int
}

// DimensionStore holds the reference tables. The ingestion run only reads
// it; the importer merges in newly seen rows.
type DimensionStore interface {
	Customers(ctx context.Context) (map[string]Customer, error)
	Products(ctx context.Context) (map[string]Product, error)
	GrossPrices(ctx context.Context) ([]GrossPrice, error)
	Dates(ctx context.Context, from, to time.Time) ([]DateDim, error)

	UpsertCustomers(ctx context.Context, rows []Customer) (UpsertCounts, error)
	UpsertProducts(ctx context.Context, rows []Product) (UpsertCounts, error)
	UpsertGrossPrices(ctx context.Context, rows []GrossPrice) (UpsertCounts, error)
	SaveDates(ctx context.Context, rows []DateDim) error

	// MarkRefreshed records that table was refreshed at at.
	MarkRefreshed(ctx context.Context, table DimensionTable, at time.Time) error

	// RefreshedAt returns the last refresh time, zero if never refreshed.
	RefreshedAt(ctx context.Context, table DimensionTable) (time.Time, error)
}

// =============================================================================
// PROCESSING MANIFEST
// =============================================================================

// Manifest is the source of truth for exactly-once file processing.
// A file without an entry is pending.
type Manifest interface {
	// Get returns the entry for id. Absent files report StatusPending.
	Get(ctx context.Context, id FileID) (ManifestEntry, error)

	// List returns entries with any of the given statuses (all when empty).
	List(ctx context.Context, statuses ...FileStatus) ([]ManifestEntry, error)

	// CompareAndSet atomically moves id from status from to status to.
	// Returns a *StatusConflictError if the current status is not from.
	CompareAndSet(ctx context.Context, id FileID, from, to FileStatus, batchID BatchID) error
}

// =============================================================================
// RUN LOG
// =============================================================================

// RunStatus is the final state of a pipeline run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is one row of the run log.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     RunStatus
	BatchID    BatchID
	Error      string
	Report     json.RawMessage
}

// RunLog stores pipeline run history.
type RunLog interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}
