package staging

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/fact-engine/core"
	"github.com/warp/fact-engine/core/store"
)

const header = "order_id,order_placement_date,customer_id,product_id,order_qty\n"

func writeFile(t *testing.T, fs afero.Fs, name, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "landing/"+name, []byte(body), 0o644))
	require.NoError(t, fs.Chtimes("landing/"+name, mod, mod))
}

// =============================================================================
// SCANNER
// =============================================================================

func TestDiscoverPending_OrdersByModTimeThenName(t *testing.T) {
	// GIVEN: Three files, two with the same modification time
	fs := afero.NewMemMapFs()
	t0 := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	writeFile(t, fs, "c.csv", header, t0)
	writeFile(t, fs, "b.csv", header, t0.Add(time.Minute))
	writeFile(t, fs, "a.csv", header, t0.Add(time.Minute))
	writeFile(t, fs, "notes.txt", "ignored", t0)
	require.NoError(t, fs.MkdirAll("landing/sub.csv", 0o755))

	s := NewScanner(fs, "landing", "", store.NewMemory(), zaptest.NewLogger(t))

	// WHEN: Discovering
	files, err := s.DiscoverPending(context.Background())

	// THEN: Order is (mtime, name); non-matching entries and directories are skipped
	require.NoError(t, err)
	assert.Equal(t, []core.FileID{"c.csv", "a.csv", "b.csv"}, files)
}

func TestDiscoverPending_SkipsMergedAndArchived(t *testing.T) {
	fs := afero.NewMemMapFs()
	t0 := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	writeFile(t, fs, "a.csv", header, t0)
	writeFile(t, fs, "b.csv", header, t0.Add(time.Second))
	writeFile(t, fs, "c.csv", header, t0.Add(2*time.Second))

	manifest := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, manifest.CompareAndSet(ctx, "a.csv", core.StatusPending, core.StatusMerged, "b1"))
	require.NoError(t, manifest.CompareAndSet(ctx, "c.csv", core.StatusPending, core.StatusMerged, "b1"))
	require.NoError(t, manifest.CompareAndSet(ctx, "c.csv", core.StatusMerged, core.StatusArchived, "b1"))

	files, err := NewScanner(fs, "landing", "*.csv", manifest, nil).DiscoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.FileID{"b.csv"}, files)
}

func TestDiscoverPending_MissingLandingZoneIsStorageUnavailable(t *testing.T) {
	s := NewScanner(afero.NewMemMapFs(), "nowhere", "", store.NewMemory(), nil)

	_, err := s.DiscoverPending(context.Background())
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
}

// =============================================================================
// LOADER
// =============================================================================

func newLoader(t *testing.T, files map[string]string) *Loader {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, body := range files {
		require.NoError(t, afero.WriteFile(fs, "landing/"+name, []byte(body), 0o644))
	}
	return NewLoader(fs, "landing", DefaultOptions(), zaptest.NewLogger(t))
}

func TestLoad_ParsesDateFormats(t *testing.T) {
	body := header +
		"1,2024/07/01,C1,P1,3\n" +
		"2,2024-07-02,C1,P1,4\n" +
		"3,03-07-2024,C2,P2,5\n" +
		"4,\"Thursday, July 04, 2024\",C2,P2,6\n" +
		"5,05/07/2024, C3 ,P3,1.5\n"
	l := newLoader(t, map[string]string{"f.csv": body})

	lf, err := l.Load(context.Background(), "f.csv")
	require.NoError(t, err)
	require.Len(t, lf.Records, 5)
	assert.Equal(t, 5, lf.Valid)

	for i, rec := range lf.Records {
		assert.Equal(t, core.Date(2024, time.July, i+1), rec.OrderDate, "line %d", rec.Line)
		assert.Equal(t, i+2, rec.Line)
		assert.Equal(t, core.FileID("f.csv"), rec.SourceFile)
	}
	assert.Equal(t, "C3", lf.Records[4].RawCustomerID)
	assert.Equal(t, "1.5", lf.Records[4].Quantity.String())
}

func TestLoad_DropsInvalidRowsByReason(t *testing.T) {
	body := header +
		"1,2024-07-01,C1,P1,3\n" +
		"2,not-a-date,C1,P1,4\n" +
		"3,2024-07-01,C1,P1,-2\n" +
		"4,2024-07-01,,P1,1\n" +
		"5,2024-07-01,C1\n"
	for i := 0; i < 45; i++ {
		body += "9,2024-07-01,C1,P1,1\n"
	}
	l := newLoader(t, map[string]string{"f.csv": body})

	lf, err := l.Load(context.Background(), "f.csv")
	require.NoError(t, err)

	assert.Equal(t, 50, lf.Total)
	assert.Equal(t, 46, lf.Valid)
	assert.Equal(t, 4, lf.DroppedTotal())
	assert.Equal(t, map[string]int{DropDate: 1, DropQuantity: 1, DropCustomer: 1, DropMalformed: 1}, lf.Dropped)
}

func TestLoad_QualityBelowThreshold(t *testing.T) {
	body := header +
		"1,2024-07-01,C1,P1,3\n" +
		"2,garbage,C1,P1,4\n"
	l := newLoader(t, map[string]string{"f.csv": body})

	_, err := l.Load(context.Background(), "f.csv")

	var qe *core.QualityError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 1, qe.Valid)
	assert.Equal(t, 2, qe.Total)
	assert.True(t, core.IsFileLevel(err))
}

func TestLoad_EmptyFileIsValid(t *testing.T) {
	l := newLoader(t, map[string]string{"empty.csv": "", "header.csv": header})

	for _, name := range []core.FileID{"empty.csv", "header.csv"} {
		lf, err := l.Load(context.Background(), name)
		require.NoError(t, err, name)
		assert.Empty(t, lf.Records)
		assert.Zero(t, lf.Total)
	}
}

func TestOpen_MissingColumnFailsFile(t *testing.T) {
	l := newLoader(t, map[string]string{"f.csv": "order_placement_date,customer_id,product_id\n2024-07-01,C1,P1\n"})

	_, err := l.Open(context.Background(), "f.csv")

	var se *core.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Zero(t, se.Line)
	assert.Contains(t, se.Reason, "order_qty")
}

func TestOpen_HeaderIsCaseInsensitive(t *testing.T) {
	l := newLoader(t, map[string]string{"f.csv": " Order_Qty ,PRODUCT_ID,Customer_ID,order_placement_date,extra\n2,P1,C1,2024-07-01,x\n"})

	lf, err := l.Load(context.Background(), "f.csv")
	require.NoError(t, err)
	require.Len(t, lf.Records, 1)
	assert.Equal(t, "P1", lf.Records[0].RawProductID)
	assert.Equal(t, "2", lf.Records[0].Quantity.String())
}

func TestRecordReader_IsRestartable(t *testing.T) {
	body := header + "1,2024-07-01,C1,P1,3\n2,bad,C1,P1,4\n3,2024-07-02,C2,P1,5\n"
	l := newLoader(t, map[string]string{"f.csv": body})
	ctx := context.Background()

	drain := func() []core.StagingRecord {
		rr, err := l.Open(ctx, "f.csv")
		require.NoError(t, err)
		defer rr.Close()

		var out []core.StagingRecord
		for {
			rec, err := rr.Next()
			if errors.Is(err, io.EOF) {
				return out
			}
			if errors.Is(err, core.ErrSchemaMismatch) {
				continue
			}
			require.NoError(t, err)
			out = append(out, rec)
		}
	}

	first := drain()
	require.Len(t, first, 2)
	assert.Equal(t, first, drain())
}

func TestParseDate_Unrecognized(t *testing.T) {
	_, err := ParseDate("31st of June", DefaultOptions().DateFormats)
	assert.Error(t, err)

	d, err := ParseDate(" Monday, January 01, 2024 ", DefaultOptions().DateFormats)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", d.Format(core.DateLayout))
}
