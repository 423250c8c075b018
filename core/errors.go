/*
errors.go - Centralized error types for the ingestion engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stage packages wrap these errors with file, batch or operation context.

ERROR CATEGORIES:
  1. Row/file errors   - SchemaMismatch, DataQualityBelowThreshold
  2. Store errors      - StorageUnavailable, MergeConflict
  3. Lifecycle errors  - StatusConflict on the processing manifest
  4. Run preconditions - DimensionsStale, RunInProgress

PROPAGATION POLICY:
  Row-level errors are absorbed with counters. File-level errors abort that
  file only. Store-level errors abort the whole run.

USAGE:
    if errors.Is(err, core.ErrDataQualityBelowThreshold) {
        // skip this file, continue with siblings
    }

SEE ALSO:
  - staging/loader.go: Produces SchemaError and QualityError
  - merge/engine.go: Retries MergeConflict
  - pipeline/runner.go: Applies the propagation policy
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStorageUnavailable is returned when a store or the landing location
	// cannot be reached or times out. Fatal to the run.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDataQualityBelowThreshold is returned when too few rows of a file
	// are valid. Fatal to that file only.
	ErrDataQualityBelowThreshold = errors.New("data quality below threshold")

	// ErrMergeConflict is returned when the fact store reports a concurrent
	// write. Retried with backoff, then fatal.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrSchemaMismatch is returned when a row or a file fails structural parsing.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrStatusConflict is returned when a manifest compare-and-set observes
	// a status other than the expected one.
	ErrStatusConflict = errors.New("manifest status conflict")

	// ErrDimensionsStale is returned when the dimension tables were not
	// refreshed for the current cycle.
	ErrDimensionsStale = errors.New("dimension tables are stale")

	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("pipeline run already in progress")

	// ErrDuplicateKey is returned when a merge batch repeats a fact key.
	ErrDuplicateKey = errors.New("duplicate fact key in batch")

	// ErrNotFound is returned when a referenced entry doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SchemaError describes a structural parse failure. Line is 0 for
// file-level failures such as a missing required column. Field names the
// offending column for row-level failures, empty when the row as a whole
// is malformed.
type SchemaError struct {
	File   FileID
	Line   int
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("schema mismatch in %s: %s", e.File, e.Reason)
	}
	return fmt.Sprintf("schema mismatch in %s line %d: %s", e.File, e.Line, e.Reason)
}

func (e *SchemaError) Unwrap() error {
	return ErrSchemaMismatch
}

// QualityError provides details about a file rejected for data quality.
type QualityError struct {
	File      FileID
	Valid     int
	Total     int
	Threshold float64
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("data quality below threshold in %s: %d/%d valid rows (minimum %.2f)",
		e.File, e.Valid, e.Total, e.Threshold)
}

func (e *QualityError) Unwrap() error {
	return ErrDataQualityBelowThreshold
}

// StorageError wraps a failing storage operation. It matches both
// ErrStorageUnavailable and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// Unavailable wraps err as a StorageError unless it already classifies.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrMergeConflict) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// StatusConflictError describes a lost manifest compare-and-set.
type StatusConflictError struct {
	File     FileID
	Expected FileStatus
	Actual   FileStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("manifest status conflict for %s: expected %s, found %s",
		e.File, e.Expected, e.Actual)
}

func (e *StatusConflictError) Unwrap() error {
	return ErrStatusConflict
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrMergeConflict)
}

// IsFileLevel returns true if the error only disqualifies a single file.
func IsFileLevel(err error) bool {
	return errors.Is(err, ErrDataQualityBelowThreshold) ||
		errors.Is(err, ErrSchemaMismatch)
}

// IsRunFatal returns true if the error must abort the whole run.
func IsRunFatal(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrMergeConflict) ||
		errors.Is(err, ErrDimensionsStale)
}
