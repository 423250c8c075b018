package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/warp/fact-engine/core"
)

// Lifecycle moves merged landing files to archived.
//
// The manifest is the source of truth. The merge transaction marks a file
// merged together with its facts, and discovery excludes it from then on,
// so a crash between merged and archived never re-merges it. Recover
// finishes the relocation of such files.
type Lifecycle struct {
	fs           afero.Fs
	landingDir   string
	processedDir string
	manifest     core.Manifest
	log          *zap.Logger
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(fs afero.Fs, landingDir, processedDir string, manifest core.Manifest, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{fs: fs, landingDir: landingDir, processedDir: processedDir, manifest: manifest, log: log}
}

// Archive relocates a merged file and marks it archived. A file in any
// other status is left in place with a *core.StatusConflictError. A
// relocation failure leaves the file merged and is returned; Recover
// retries it later.
func (l *Lifecycle) Archive(ctx context.Context, id core.FileID, batchID core.BatchID) error {
	entry, err := l.manifest.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != core.StatusMerged {
		return &core.StatusConflictError{File: id, Expected: core.StatusMerged, Actual: entry.Status}
	}
	return l.archive(ctx, id, batchID)
}

// RecoveryReport lists what Recover did.
type RecoveryReport struct {
	Archived []core.FileID         `json:"archived"`
	Failed   map[core.FileID]string `json:"failed,omitempty"`
}

// Recover relocates every file left merged by an interrupted run. It never
// merges anything.
func (l *Lifecycle) Recover(ctx context.Context) (RecoveryReport, error) {
	report := RecoveryReport{}

	entries, err := l.manifest.List(ctx, core.StatusMerged)
	if err != nil {
		return report, core.Unavailable("list merged files", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := l.archive(ctx, e.FileID, e.BatchID); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[core.FileID]string)
			}
			report.Failed[e.FileID] = err.Error()
			l.log.Warn("recovery failed", zap.String("file", string(e.FileID)), zap.Error(err))
			continue
		}
		report.Archived = append(report.Archived, e.FileID)
	}

	if len(entries) > 0 {
		l.log.Info("recovered merged files",
			zap.Int("archived", len(report.Archived)),
			zap.Int("failed", len(report.Failed)),
		)
	}
	return report, nil
}

func (l *Lifecycle) archive(ctx context.Context, id core.FileID, batchID core.BatchID) error {
	dst, err := l.relocate(id, batchID)
	if err != nil {
		return fmt.Errorf("relocate %s: %w", id, err)
	}
	if err := l.manifest.CompareAndSet(ctx, id, core.StatusMerged, core.StatusArchived, batchID); err != nil {
		return err
	}
	l.log.Debug("archived file", zap.String("file", string(id)), zap.String("to", dst))
	return nil
}

// relocate moves id from the landing zone into the processed location. A
// name already taken there gets the batch id appended. A source that is
// gone while a target exists counts as already moved.
func (l *Lifecycle) relocate(id core.FileID, batchID core.BatchID) (string, error) {
	src := filepath.Join(l.landingDir, string(id))
	dst := filepath.Join(l.processedDir, string(id))
	alt := dst + "." + string(batchID)

	if _, err := l.fs.Stat(src); errors.Is(err, os.ErrNotExist) {
		for _, candidate := range []string{alt, dst} {
			if ok, _ := afero.Exists(l.fs, candidate); ok {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("source and target both missing: %w", err)
	} else if err != nil {
		return "", err
	}

	if err := l.fs.MkdirAll(l.processedDir, 0o755); err != nil {
		return "", err
	}
	if ok, err := afero.Exists(l.fs, dst); err != nil {
		return "", err
	} else if ok {
		dst = alt
	}
	return dst, l.fs.Rename(src, dst)
}
