package pipeline

import (
	"time"

	"github.com/warp/fact-engine/core"
)

// FileOutcome is what happened to one file in a run.
type FileOutcome string

const (
	OutcomeMerged         FileOutcome = "merged"
	OutcomeSkippedQuality FileOutcome = "skipped-quality"
	OutcomeFailed         FileOutcome = "failed"
)

// DropReasonQuality counts the invalid rows of a file that failed the
// quality gate.
const DropReasonQuality = "quality_gate"

// FileReport describes one discovered file.
type FileReport struct {
	File    core.FileID    `json:"file"`
	Outcome FileOutcome    `json:"outcome"`
	Rows    int            `json:"rows"`
	Valid   int            `json:"valid"`
	Dropped map[string]int `json:"dropped,omitempty"`
	Error   string         `json:"error,omitempty"`

	// ArchiveError is set when the file merged but could not be relocated.
	// It stays merged and is picked up by recovery.
	ArchiveError string `json:"archive_error,omitempty"`
}

// Report summarizes a pipeline run.
type Report struct {
	RunID      string       `json:"run_id"`
	BatchID    core.BatchID `json:"batch_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`

	Files     []FileReport  `json:"files"`
	Recovered []core.FileID `json:"recovered,omitempty"`

	RowsRead          int   `json:"rows_read"`
	RowsDropped       int   `json:"rows_dropped"`
	CustomerFallbacks int64 `json:"customer_fallbacks"`
	ProductFallbacks  int64 `json:"product_fallbacks"`
	Quarantined       int64 `json:"quarantined,omitempty"`
	Deduplicated      int   `json:"deduplicated"`
	DailyWritten      int   `json:"daily_written"`
	Inserted          int   `json:"inserted"`
	Updated           int   `json:"updated"`

	Error string `json:"error,omitempty"`
}

// Count returns the number of files with outcome.
func (r *Report) Count(outcome FileOutcome) int {
	n := 0
	for _, f := range r.Files {
		if f.Outcome == outcome {
			n++
		}
	}
	return n
}

// File returns the report of one file.
func (r *Report) File(id core.FileID) (FileReport, bool) {
	for _, f := range r.Files {
		if f.File == id {
			return f, true
		}
	}
	return FileReport{}, false
}
