package daterange_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealroom/internal/domain/shared/daterange"
)

func TestWindowBoundsAreInclusive(t *testing.T) {
	from := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)
	w, err := daterange.New(from, to)
	require.NoError(t, err)

	assert.True(t, w.NotBeforeStart(from))
	assert.True(t, w.NotAfterEnd(to))
	assert.True(t, w.NotBeforeStart(from.Add(time.Hour)))
	assert.True(t, w.NotAfterEnd(from.Add(time.Hour)))
	assert.False(t, w.NotBeforeStart(from.Add(-time.Nanosecond)))
	assert.False(t, w.NotAfterEnd(to.Add(time.Nanosecond)))
}

func TestWindowOpenBounds(t *testing.T) {
	now := time.Now()
	assert.True(t, daterange.Window{}.NotBeforeStart(now))
	assert.True(t, daterange.Window{}.NotAfterEnd(now))
	assert.True(t, daterange.Window{From: now}.NotAfterEnd(now.Add(time.Hour)))
	assert.False(t, daterange.Window{To: now}.NotAfterEnd(now.Add(time.Hour)))
	assert.True(t, daterange.Window{To: now}.NotBeforeStart(now.Add(-time.Hour)))
}

func TestNewRejectsInvertedWindow(t *testing.T) {
	now := time.Now()
	_, err := daterange.New(now, now.Add(-time.Second))
	assert.ErrorIs(t, err, daterange.ErrInvalidWindow)
}

func TestLastDays(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	w := daterange.LastDays(now, 7)
	assert.Equal(t, time.Date(2026, 10, 8, 12, 0, 0, 0, time.UTC), w.From)
	assert.Equal(t, now, w.To)
}
