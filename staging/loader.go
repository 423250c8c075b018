package staging

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/warp/fact-engine/core"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Columns names the required header columns of an increment file.
type Columns struct {
	Date     string `yaml:"date"`
	Customer string `yaml:"customer"`
	Product  string `yaml:"product"`
	Quantity string `yaml:"quantity"`
}

// Options control parsing and the data-quality gate.
type Options struct {
	Columns     Columns
	DateFormats []string

	// MinValidFraction is the lowest valid/total row ratio a file may have.
	MinValidFraction float64

	Delimiter rune
}

// DefaultOptions returns the options matching the standard order export.
func DefaultOptions() Options {
	return Options{
		Columns: Columns{
			Date:     "order_placement_date",
			Customer: "customer_id",
			Product:  "product_id",
			Quantity: "order_qty",
		},
		DateFormats: []string{
			"2006/01/02",
			"2006-01-02",
			"02-01-2006",
			"02/01/2006",
			"January 02, 2006",
		},
		MinValidFraction: 0.9,
		Delimiter:        ',',
	}
}

// Drop reasons reported by Load.
const (
	DropDate      = "date"
	DropQuantity  = "quantity"
	DropCustomer  = "customer"
	DropProduct   = "product"
	DropMalformed = "malformed"
)

// =============================================================================
// LOADER
// =============================================================================

// Loader reads increment files from the landing zone.
type Loader struct {
	fs   afero.Fs
	dir  string
	opts Options
	log  *zap.Logger
}

// NewLoader creates a loader for files under dir.
func NewLoader(fs afero.Fs, dir string, opts Options, log *zap.Logger) *Loader {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if len(opts.DateFormats) == 0 {
		opts.DateFormats = DefaultOptions().DateFormats
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{fs: fs, dir: dir, opts: opts, log: log}
}

// Open returns a lazy reader over one file. The header is read and checked
// immediately; a missing required column fails the whole file.
func (l *Loader) Open(ctx context.Context, id core.FileID) (*RecordReader, error) {
	f, err := l.fs.Open(filepath.Join(l.dir, string(id)))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}

	r := csv.NewReader(f)
	r.Comma = l.opts.Delimiter
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rr := &RecordReader{ctx: ctx, file: id, f: f, r: r, formats: l.opts.DateFormats}

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		rr.eof = true
		return rr, nil
	}
	if err != nil {
		f.Close()
		return nil, &core.SchemaError{File: id, Reason: "unreadable header: " + err.Error()}
	}
	if err := rr.bindHeader(header, l.opts.Columns); err != nil {
		f.Close()
		return nil, err
	}
	return rr, nil
}

// LoadedFile is a fully read and validated file.
type LoadedFile struct {
	File    core.FileID
	Records []core.StagingRecord
	Total   int
	Valid   int
	Dropped map[string]int
}

// DroppedTotal returns the number of invalid rows.
func (lf *LoadedFile) DroppedTotal() int { return lf.Total - lf.Valid }

// Load drains a file, dropping invalid rows. It fails with a *core.QualityError
// when the valid fraction is below the configured minimum. A file with no
// data rows is valid.
func (l *Loader) Load(ctx context.Context, id core.FileID) (*LoadedFile, error) {
	rr, err := l.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rr.Close()

	lf := &LoadedFile{File: id, Dropped: make(map[string]int)}
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *core.SchemaError
		if errors.As(err, &rowErr) && rowErr.Line > 0 {
			lf.Total++
			reason := rowErr.Field
			if reason == "" {
				reason = DropMalformed
			}
			lf.Dropped[reason]++
			l.log.Debug("dropping row", zap.String("file", string(id)), zap.Int("line", rowErr.Line), zap.String("reason", rowErr.Reason))
			continue
		}
		if err != nil {
			return nil, err
		}
		lf.Total++
		lf.Valid++
		lf.Records = append(lf.Records, rec)
	}

	if lf.Total > 0 && float64(lf.Valid)/float64(lf.Total) < l.opts.MinValidFraction {
		return nil, &core.QualityError{File: id, Valid: lf.Valid, Total: lf.Total, Threshold: l.opts.MinValidFraction}
	}
	return lf, nil
}

// =============================================================================
// RECORD READER
// =============================================================================

// RecordReader yields the records of one file. Next returns io.EOF after the
// last record; a row that fails validation is returned as a *core.SchemaError
// and the reader stays usable.
type RecordReader struct {
	ctx     context.Context
	file    core.FileID
	f       afero.File
	r       *csv.Reader
	formats []string
	eof     bool

	date, customer, product, quantity int
	width                             int
}

func (rr *RecordReader) bindHeader(header []string, cols Columns) error {
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	lookup := func(name string) (int, error) {
		i, ok := index[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, &core.SchemaError{File: rr.file, Reason: "missing required column " + name}
		}
		if i+1 > rr.width {
			rr.width = i + 1
		}
		return i, nil
	}

	var err error
	if rr.date, err = lookup(cols.Date); err != nil {
		return err
	}
	if rr.customer, err = lookup(cols.Customer); err != nil {
		return err
	}
	if rr.product, err = lookup(cols.Product); err != nil {
		return err
	}
	if rr.quantity, err = lookup(cols.Quantity); err != nil {
		return err
	}
	return nil
}

// Next returns the next record.
func (rr *RecordReader) Next() (core.StagingRecord, error) {
	if rr.eof {
		return core.StagingRecord{}, io.EOF
	}
	if err := rr.ctx.Err(); err != nil {
		return core.StagingRecord{}, err
	}

	fields, err := rr.r.Read()
	if errors.Is(err, io.EOF) {
		rr.eof = true
		return core.StagingRecord{}, io.EOF
	}
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return core.StagingRecord{}, &core.SchemaError{File: rr.file, Line: parseErr.StartLine, Reason: parseErr.Err.Error()}
	}
	if err != nil {
		return core.StagingRecord{}, fmt.Errorf("read %s: %w", rr.file, err)
	}

	line, _ := rr.r.FieldPos(0)
	rowErr := func(field, reason string) error {
		return &core.SchemaError{File: rr.file, Line: line, Field: field, Reason: reason}
	}

	if len(fields) < rr.width {
		return core.StagingRecord{}, rowErr("", fmt.Sprintf("expected at least %d fields, got %d", rr.width, len(fields)))
	}

	date, err := ParseDate(fields[rr.date], rr.formats)
	if err != nil {
		return core.StagingRecord{}, rowErr(DropDate, err.Error())
	}

	qty, err := core.ParseQuantity(strings.TrimSpace(fields[rr.quantity]))
	if err != nil {
		return core.StagingRecord{}, rowErr(DropQuantity, fmt.Sprintf("invalid quantity %q", fields[rr.quantity]))
	}
	if qty.IsNegative() {
		return core.StagingRecord{}, rowErr(DropQuantity, fmt.Sprintf("negative quantity %s", qty))
	}

	customer := strings.TrimSpace(fields[rr.customer])
	if customer == "" {
		return core.StagingRecord{}, rowErr(DropCustomer, "empty customer id")
	}
	product := strings.TrimSpace(fields[rr.product])
	if product == "" {
		return core.StagingRecord{}, rowErr(DropProduct, "empty product id")
	}

	return core.StagingRecord{
		OrderDate:     date,
		RawCustomerID: customer,
		RawProductID:  product,
		Quantity:      qty,
		SourceFile:    rr.file,
		Line:          line,
	}, nil
}

// Close releases the underlying file.
func (rr *RecordReader) Close() error {
	return rr.f.Close()
}

// =============================================================================
// DATE PARSING
// =============================================================================

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// ParseDate parses an order date under the first matching layout. A leading
// weekday name ("Tuesday, July 01, 2025") is ignored.
func ParseDate(raw string, layouts []string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, ','); i > 0 && weekdays[strings.ToLower(strings.TrimSpace(s[:i]))] {
		s = strings.TrimSpace(s[i+1:])
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return core.DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
