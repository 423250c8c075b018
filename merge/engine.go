/*
Package merge applies aggregated facts to the fact store and moves merged
files through their lifecycle.

PURPOSE:
  The merge engine is the only writer of the fact store. Each merge is a
  single transaction that replaces the quantity of existing keys, inserts
  new ones and marks the batch's files merged. The lifecycle manager then
  relocates the files out of the landing zone.

KEY TYPES:
  Engine:    Transactional upsert with bounded retry (engine.go)
  Lifecycle: merged -> archived with recovery (lifecycle.go)

INCREMENT MERGES:
  MergeIncrement first writes the increment's daily rows into the daily
  history, then recomputes every touched period from that history and
  upserts the result. A period's fact therefore always equals the sum of
  everything seen for it so far, and replaying a batch changes nothing.
  With RebuildFromHistory off the pipeline calls Merge instead, and an
  increment's aggregate replaces the stored facts as is.

RETRIES:
  Conflicts reported by the store are retried with exponential backoff up
  to Config.MaxAttempts. Each attempt starts a new transaction and re-reads
  current state. Every attempt is bounded by Config.Timeout; a timeout is
  reported as core.ErrStorageUnavailable.

SEE ALSO:
  - core/store.go: TxFactStore contract
  - transform/aggregate.go: AggregateDaily
*/
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/warp/fact-engine/core"
	"github.com/warp/fact-engine/transform"
)

// Config tunes the merge engine.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Timeout bounds each attempt. Zero disables the bound.
	Timeout time.Duration

	// RebuildFromHistory selects MergeIncrement over Merge for pipeline
	// runs. See RebuildsFromHistory.
	RebuildFromHistory bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		BackoffBase:        50 * time.Millisecond,
		BackoffMax:         5 * time.Second,
		Timeout:            30 * time.Second,
		RebuildFromHistory: true,
	}
}

// Attempt results passed to Engine.OnAttempt.
const (
	AttemptSuccess  = "success"
	AttemptConflict = "conflict"
	AttemptError    = "error"
)

// Engine merges fact rows into a TxFactStore.
type Engine struct {
	store core.TxFactStore
	cfg   Config
	log   *zap.Logger

	// OnAttempt, when set, observes the result of every attempt.
	OnAttempt func(result string)

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a merge engine.
func NewEngine(store core.TxFactStore, cfg Config, log *zap.Logger) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, cfg: cfg, log: log, sleep: sleepCtx}
}

// RebuildsFromHistory reports whether increments should go through
// MergeIncrement.
func (e *Engine) RebuildsFromHistory() bool { return e.cfg.RebuildFromHistory }

// =============================================================================
// MERGE OPERATIONS
// =============================================================================

// Merge upserts rows as one batch. Existing keys take the new quantity,
// absent keys are inserted, and files move from pending to merged; either
// all of it lands or none does.
func (e *Engine) Merge(ctx context.Context, batchID core.BatchID, rows []core.AggregatedFactRow, files ...core.FileID) (core.MergeResult, error) {
	if err := checkUnique(rows); err != nil {
		return core.MergeResult{}, err
	}

	var result core.MergeResult
	err := e.retry(ctx, batchID, func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx core.FactStore) error {
			var err error
			if result, err = tx.UpsertFacts(ctx, batchID, rows); err != nil {
				return err
			}
			return markMerged(ctx, tx, batchID, files)
		})
	})
	if err != nil {
		return core.MergeResult{}, err
	}

	e.log.Info("merged batch",
		zap.String("batch", string(batchID)),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
	)
	return result, nil
}

// MergeIncrement writes deduplicated daily records, replaces the facts of
// every period they touch with the sum of that period's history, and marks
// files merged, in one transaction.
func (e *Engine) MergeIncrement(ctx context.Context, batchID core.BatchID, daily []core.DailyFact, grain core.Grain, files ...core.FileID) (core.MergeResult, error) {
	if !grain.Valid() {
		return core.MergeResult{}, fmt.Errorf("invalid grain %q", grain)
	}
	starts := transform.PeriodStarts(daily, grain)

	var result core.MergeResult
	err := e.retry(ctx, batchID, func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx core.FactStore) error {
			n, err := tx.UpsertDaily(ctx, batchID, daily)
			if err != nil {
				return err
			}
			history, err := tx.DailyInPeriods(ctx, grain, starts)
			if err != nil {
				return err
			}

			if result, err = tx.UpsertFacts(ctx, batchID, transform.AggregateDaily(history, grain)); err != nil {
				return err
			}
			result.Daily = n
			return markMerged(ctx, tx, batchID, files)
		})
	})
	if err != nil {
		return core.MergeResult{}, err
	}

	e.log.Info("merged increment",
		zap.String("batch", string(batchID)),
		zap.String("grain", string(grain)),
		zap.Int("daily", result.Daily),
		zap.Int("periods", len(starts)),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
	)
	return result, nil
}

func markMerged(ctx context.Context, tx core.FactStore, batchID core.BatchID, files []core.FileID) error {
	if len(files) == 0 {
		return nil
	}
	return tx.MarkMerged(ctx, batchID, files)
}

func checkUnique(rows []core.AggregatedFactRow) error {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		k := r.FactKey.String()
		if seen[k] {
			return fmt.Errorf("%s: %w", k, core.ErrDuplicateKey)
		}
		seen[k] = true
	}
	return nil
}

// =============================================================================
// RETRY
// =============================================================================

func (e *Engine) retry(ctx context.Context, batchID core.BatchID, fn func(ctx context.Context) error) error {
	var err error
	schedule := e.newBackOff()
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err = e.attempt(ctx, fn)
		switch {
		case err == nil:
			e.observe(AttemptSuccess)
			return nil
		case !core.IsRetryable(err):
			e.observe(AttemptError)
			return err
		}
		e.observe(AttemptConflict)

		if attempt == e.cfg.MaxAttempts {
			break
		}
		wait := schedule.NextBackOff()
		e.log.Warn("merge conflict, retrying",
			zap.String("batch", string(batchID)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := e.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("batch %s: gave up after %d attempts: %w", batchID, e.cfg.MaxAttempts, err)
}

func (e *Engine) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.cfg.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return core.Unavailable("merge", err)
	}
	return err
}

// newBackOff returns the wait schedule of one merge: BackoffBase doubling
// per conflict, capped at BackoffMax, without jitter. MaxAttempts bounds
// the retries, not elapsed time.
func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffBase
	b.MaxInterval = e.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (e *Engine) observe(result string) {
	if e.OnAttempt != nil {
		e.OnAttempt(result)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
