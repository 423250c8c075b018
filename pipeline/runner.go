/*
Package pipeline runs one ingestion cycle end to end.

PURPOSE:
  Chains the stages: discover pending files, load and resolve them in
  parallel, deduplicate across files, merge the batch and mark its files
  merged in one transaction, then archive every merged file.

RUN FLOW:
  1. Acquire the run lock (one run per process)
  2. Check dimension freshness (when required)
  3. Recover files left merged by an interrupted run
  4. Discover pending files in discovery order
  5. Snapshot the dimension tables
  6. Load + resolve each file (bounded worker pool)
  7. Deduplicate across all loaded files
  8. Merge the batch and mark its files merged (one transaction)
  9. Archive each merged file
  10. Record the report (run log, metrics, log)

ERROR POLICY:
  Row errors are counted and dropped. A file failing the quality gate or
  failing to parse is reported and left pending; its siblings continue.
  Storage failures and exhausted merge retries abort the run. Facts and
  merged marks roll back together, so the next run retries the same files.
  A file that fails the quality gate still counts its invalid rows as
  dropped.

SEE ALSO:
  - staging/: Discovery and loading
  - transform/: Resolve, dedupe, aggregate
  - merge/: Merge engine and lifecycle
*/
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/fact-engine/core"
	"github.com/warp/fact-engine/dimension"
	"github.com/warp/fact-engine/merge"
	"github.com/warp/fact-engine/metrics"
	"github.com/warp/fact-engine/staging"
	"github.com/warp/fact-engine/transform"
)

// Options tune a runner.
type Options struct {
	Grain                core.Grain
	Workers              int
	QuarantineUnresolved bool

	RequireFreshDimensions bool
	MaxDimensionAge        time.Duration
}

// Deps are the components a runner drives.
type Deps struct {
	Scanner    *staging.Scanner
	Loader     *staging.Loader
	Dimensions core.DimensionStore
	Engine     *merge.Engine
	Lifecycle  *merge.Lifecycle
	RunLog     core.RunLog
	Metrics    *metrics.Collector // optional
}

// Runner executes ingestion runs. At most one run is active at a time.
type Runner struct {
	deps Deps
	opts Options
	log  *zap.Logger
	mu   sync.Mutex

	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

// NewRunner creates a runner.
func NewRunner(deps Deps, opts Options, log *zap.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Grain == "" {
		opts.Grain = core.GrainMonth
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		deps:  deps,
		opts:  opts,
		log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: func() string { return uuid.NewString() },
	}
}

// loaded is the per-file result of step 6.
type loaded struct {
	file     *staging.LoadedFile
	resolved []core.ResolvedRecord
	err      error
}

// Run executes one ingestion cycle. The report is returned even when the
// run fails, except when another run holds the lock.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, core.ErrRunInProgress
	}
	defer r.mu.Unlock()

	report := &Report{
		RunID:     r.NewID(),
		BatchID:   core.BatchID(r.NewID()),
		StartedAt: r.Now(),
	}
	log := r.log.With(zap.String("run", report.RunID), zap.String("batch", string(report.BatchID)))
	log.Info("pipeline run started")

	err := r.run(ctx, report, log)
	r.finish(ctx, report, err, log)
	return report, err
}

func (r *Runner) run(ctx context.Context, report *Report, log *zap.Logger) error {
	// 2. Dimension freshness
	if r.opts.RequireFreshDimensions {
		if err := dimension.CheckFresh(ctx, r.deps.Dimensions, dimension.ResolutionTables, r.Now(), r.opts.MaxDimensionAge); err != nil {
			return err
		}
	}

	// 3. Recovery of interrupted lifecycles (best effort)
	if rec, err := r.deps.Lifecycle.Recover(ctx); err != nil {
		log.Warn("recovery skipped", zap.Error(err))
	} else {
		report.Recovered = rec.Archived
	}

	// 4. Discovery
	files, err := r.deps.Scanner.DiscoverPending(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Info("no pending files")
		return nil
	}

	// 5. Dimension snapshot
	customers, err := r.deps.Dimensions.Customers(ctx)
	if err != nil {
		return core.Unavailable("read customers", err)
	}
	products, err := r.deps.Dimensions.Products(ctx)
	if err != nil {
		return core.Unavailable("read products", err)
	}
	resolver := transform.NewResolver(customers, products)
	resolver.Quarantine = r.opts.QuarantineUnresolved

	// 6. Load + resolve
	results := make([]loaded, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, id := range files {
		i, id := i, id
		g.Go(func() error {
			lf, err := r.deps.Loader.Load(gctx, id)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if core.IsRunFatal(err) {
					return err
				}
				results[i] = loaded{err: err}
				return nil
			}
			results[i] = loaded{file: lf, resolved: resolver.ResolveAll(lf.Records, i)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var (
		all      []core.ResolvedRecord
		mergeIdx []int
	)
	for i, id := range files {
		res := results[i]
		fr := FileReport{File: id}
		switch {
		case errors.Is(res.err, core.ErrDataQualityBelowThreshold):
			fr.Outcome = OutcomeSkippedQuality
			fr.Error = res.err.Error()
			var qe *core.QualityError
			if errors.As(res.err, &qe) {
				fr.Rows, fr.Valid = qe.Total, qe.Valid
				fr.Dropped = map[string]int{DropReasonQuality: qe.Total - qe.Valid}
				report.RowsRead += qe.Total
				report.RowsDropped += qe.Total - qe.Valid
			}
			log.Warn("file skipped for data quality", zap.String("file", string(id)), zap.Error(res.err))
		case res.err != nil:
			fr.Outcome = OutcomeFailed
			fr.Error = res.err.Error()
			log.Error("file failed to load", zap.String("file", string(id)), zap.Error(res.err))
		default:
			fr.Rows, fr.Valid, fr.Dropped = res.file.Total, res.file.Valid, res.file.Dropped
			report.RowsRead += res.file.Total
			report.RowsDropped += res.file.DroppedTotal()
			all = append(all, res.resolved...)
			mergeIdx = append(mergeIdx, len(report.Files))
		}
		report.Files = append(report.Files, fr)
	}

	counts := resolver.Counts()
	report.CustomerFallbacks = counts.Customer
	report.ProductFallbacks = counts.Product
	report.Quarantined = counts.Quarantined

	if len(mergeIdx) == 0 {
		log.Info("no files passed staging")
		return nil
	}

	// 7. Dedupe across files
	deduped, removed := transform.Dedupe(all)
	report.Deduplicated = removed

	// 8. Merge
	ids := make([]core.FileID, len(mergeIdx))
	for n, i := range mergeIdx {
		ids[n] = report.Files[i].File
	}
	var result core.MergeResult
	if r.deps.Engine.RebuildsFromHistory() {
		result, err = r.deps.Engine.MergeIncrement(ctx, report.BatchID, transform.ToDaily(deduped), r.opts.Grain, ids...)
	} else {
		result, err = r.deps.Engine.Merge(ctx, report.BatchID, transform.Aggregate(deduped, r.opts.Grain), ids...)
	}
	if err != nil {
		for _, i := range mergeIdx {
			report.Files[i].Outcome = OutcomeFailed
			report.Files[i].Error = "merge: " + err.Error()
		}
		return err
	}
	report.DailyWritten = result.Daily
	report.Inserted = result.Inserted
	report.Updated = result.Updated

	// 9. Lifecycle
	for _, i := range mergeIdx {
		fr := &report.Files[i]
		fr.Outcome = OutcomeMerged
		if err := r.deps.Lifecycle.Archive(ctx, fr.File, report.BatchID); err != nil {
			fr.ArchiveError = err.Error()
			log.Warn("file merged but not archived", zap.String("file", string(fr.File)), zap.Error(err))
		}
	}
	return nil
}

// finish stamps, records and exports the report.
func (r *Runner) finish(ctx context.Context, report *Report, runErr error, log *zap.Logger) {
	report.FinishedAt = r.Now()
	status := core.RunSucceeded
	if runErr != nil {
		status = core.RunFailed
		report.Error = runErr.Error()
	}

	if m := r.deps.Metrics; m != nil {
		m.RowsRead(report.RowsRead)
		for _, f := range report.Files {
			m.File(string(f.Outcome))
			for reason, n := range f.Dropped {
				m.RowsDropped(reason, n)
			}
		}
		m.Fallbacks("customer", report.CustomerFallbacks)
		m.Fallbacks("product", report.ProductFallbacks)
		m.Deduplicated(report.Deduplicated)
		m.FactsMerged(string(core.ChangeInsert), report.Inserted)
		m.FactsMerged(string(core.ChangeUpdate), report.Updated)
		m.RunFinished(report.FinishedAt.Sub(report.StartedAt), report.FinishedAt)
	}

	if r.deps.RunLog != nil {
		body, err := json.Marshal(report)
		if err != nil {
			log.Error("failed to encode run report", zap.Error(err))
		}
		rec := core.RunRecord{
			ID:         report.RunID,
			StartedAt:  report.StartedAt,
			FinishedAt: report.FinishedAt,
			Status:     status,
			BatchID:    report.BatchID,
			Error:      report.Error,
			Report:     body,
		}
		if err := r.deps.RunLog.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
			log.Error("failed to record run", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.Int("files", len(report.Files)),
		zap.Int("merged", report.Count(OutcomeMerged)),
		zap.Int("skipped_quality", report.Count(OutcomeSkippedQuality)),
		zap.Int("failed", report.Count(OutcomeFailed)),
		zap.Int("rows_read", report.RowsRead),
		zap.Int("rows_dropped", report.RowsDropped),
		zap.Int64("customer_fallbacks", report.CustomerFallbacks),
		zap.Int64("product_fallbacks", report.ProductFallbacks),
		zap.Int("deduplicated", report.Deduplicated),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	}
	if runErr != nil {
		log.Error("pipeline run failed", append(fields, zap.Error(runErr))...)
		return
	}
	log.Info("pipeline run finished", fields...)
}
