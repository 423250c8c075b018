package core_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fact-engine/core"
)

// =============================================================================
// GRAIN TESTS
// =============================================================================

func TestGrain_PeriodStart(t *testing.T) {
	at := time.Date(2024, time.May, 20, 17, 45, 0, 0, time.UTC)

	tests := []struct {
		grain core.Grain
		want  time.Time
	}{
		{core.GrainDay, core.Date(2024, time.May, 20)},
		{core.GrainMonth, core.Date(2024, time.May, 1)},
		{core.GrainQuarter, core.Date(2024, time.April, 1)},
		{core.GrainYear, core.Date(2024, time.January, 1)},
	}
	for _, tt := range tests {
		t.Run(string(tt.grain), func(t *testing.T) {
			assert.True(t, tt.want.Equal(tt.grain.PeriodStart(at)), "got %s", tt.grain.PeriodStart(at))
		})
	}
}

func TestGrain_PeriodEnd_HandlesLeapYear(t *testing.T) {
	end := core.GrainMonth.PeriodEnd(core.Date(2024, time.February, 10))
	assert.Equal(t, "2024-02-29", end.Format(core.DateLayout))

	end = core.GrainQuarter.PeriodEnd(core.Date(2024, time.November, 3))
	assert.Equal(t, "2024-12-31", end.Format(core.DateLayout))
}

func TestGrain_PeriodStart_IgnoresLocation(t *testing.T) {
	// 23:30 on Jan 31 in UTC-5 is still January for the order.
	loc := time.FixedZone("EST", -5*3600)
	at := time.Date(2024, time.January, 31, 23, 30, 0, 0, loc)

	assert.Equal(t, "2024-01-01", core.GrainMonth.PeriodStart(at).Format(core.DateLayout))
}

func TestParseGrain(t *testing.T) {
	g, err := core.ParseGrain(" Month ")
	require.NoError(t, err)
	assert.Equal(t, core.GrainMonth, g)

	_, err = core.ParseGrain("fortnight")
	assert.Error(t, err)
}

func TestQuarter(t *testing.T) {
	assert.Equal(t, 1, core.Quarter(core.Date(2024, time.March, 31)))
	assert.Equal(t, 2, core.Quarter(core.Date(2024, time.April, 1)))
	assert.Equal(t, 4, core.Quarter(core.Date(2024, time.December, 1)))
}

// =============================================================================
// KEY ORDERING
// =============================================================================

func TestFactKey_Less(t *testing.T) {
	jan := core.Date(2024, time.January, 1)
	feb := core.Date(2024, time.February, 1)

	assert.True(t, core.FactKey{PeriodStart: jan, CustomerCode: "C9"}.Less(core.FactKey{PeriodStart: feb, CustomerCode: "C1"}))
	assert.True(t, core.FactKey{PeriodStart: jan, CustomerCode: "C1", ProductCode: "P2"}.Less(core.FactKey{PeriodStart: jan, CustomerCode: "C2", ProductCode: "P1"}))
	assert.False(t, core.FactKey{PeriodStart: jan, CustomerCode: "C1", ProductCode: "P1"}.Less(core.FactKey{PeriodStart: jan, CustomerCode: "C1", ProductCode: "P1"}))
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func TestErrors_Classification(t *testing.T) {
	quality := &core.QualityError{File: "a.csv", Valid: 1, Total: 10, Threshold: 0.9}
	schema := &core.SchemaError{File: "a.csv", Reason: "missing column order_qty"}
	storage := core.Unavailable("list landing", errors.New("permission denied"))
	conflict := fmt.Errorf("attempt 3: %w", core.ErrMergeConflict)

	assert.True(t, core.IsFileLevel(quality))
	assert.True(t, core.IsFileLevel(schema))
	assert.False(t, core.IsRunFatal(quality))

	assert.True(t, core.IsRunFatal(storage))
	assert.True(t, errors.Is(storage, core.ErrStorageUnavailable))
	assert.Contains(t, storage.Error(), "permission denied")

	assert.True(t, core.IsRetryable(conflict))
	assert.True(t, core.IsRunFatal(conflict))
}

func TestUnavailable_DoesNotRewrapClassifiedErrors(t *testing.T) {
	assert.Nil(t, core.Unavailable("noop", nil))

	conflict := fmt.Errorf("commit: %w", core.ErrMergeConflict)
	assert.Same(t, conflict, core.Unavailable("merge", conflict))
}
