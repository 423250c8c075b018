/*
Package staging turns landing-zone increment files into staged records.

PURPOSE:
  The landing zone is a flat directory of delimited increment files. This
  package finds the ones that still need processing and reads them into
  core.StagingRecord values, validating every line on the way.

KEY TYPES:
  Scanner:      Lists pending files in discovery order (scanner.go)
  Loader:       Opens and validates one file (loader.go)
  RecordReader: Lazy, restartable record stream over one file
  LoadedFile:   Fully drained file with per-reason drop counts

DISCOVERY ORDER:
  Files are ordered by modification time, then by name. Later files in this
  order win when the deduplicator sees the same daily key twice.

STORAGE:
  All file access goes through an afero.Fs so the pipeline can run against
  the OS filesystem in production and afero.NewMemMapFs() in tests.

SEE ALSO:
  - merge/lifecycle.go: Moves files out of the landing zone after merge
  - transform/dedupe.go: Consumes discovery order
*/
package staging

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/warp/fact-engine/core"
)

// DefaultPattern matches increment files in the landing zone.
const DefaultPattern = "*.csv"

// Scanner lists the landing zone. It never modifies files or the manifest.
type Scanner struct {
	fs       afero.Fs
	dir      string
	pattern  string
	manifest core.Manifest
	log      *zap.Logger
}

// NewScanner creates a scanner over dir.
func NewScanner(fs afero.Fs, dir, pattern string, manifest core.Manifest, log *zap.Logger) *Scanner {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{fs: fs, dir: dir, pattern: pattern, manifest: manifest, log: log}
}

// Candidate is a landing file with the attributes discovery order uses.
type Candidate struct {
	ID      core.FileID
	ModTime int64
	Size    int64
}

// List returns every landing file matching the pattern in discovery order,
// regardless of manifest status.
func (s *Scanner) List(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, core.Unavailable("list landing zone "+s.dir, err)
	}

	var out []Candidate
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}
		ok, err := filepath.Match(s.pattern, info.Name())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Candidate{
			ID:      core.FileID(info.Name()),
			ModTime: info.ModTime().UnixNano(),
			Size:    info.Size(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime != out[j].ModTime {
			return out[i].ModTime < out[j].ModTime
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DiscoverPending returns the files not yet merged, in discovery order.
func (s *Scanner) DiscoverPending(ctx context.Context) ([]core.FileID, error) {
	candidates, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	done, err := s.manifest.List(ctx, core.StatusMerged, core.StatusArchived)
	if err != nil {
		return nil, core.Unavailable("read manifest", err)
	}
	processed := make(map[core.FileID]bool, len(done))
	for _, e := range done {
		processed[e.FileID] = true
	}

	pending := make([]core.FileID, 0, len(candidates))
	for _, c := range candidates {
		if processed[c.ID] {
			s.log.Debug("skipping processed file", zap.String("file", string(c.ID)))
			continue
		}
		pending = append(pending, c.ID)
	}

	s.log.Info("discovered landing files",
		zap.Int("listed", len(candidates)),
		zap.Int("pending", len(pending)),
	)
	return pending, nil
}
