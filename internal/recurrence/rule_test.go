package recurrence

import (
	"testing"
	"time"

	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anchor = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func TestRRuleNextIsStrictlyAfter(t *testing.T) {
	r, err := Parse("FREQ=HOURLY;INTERVAL=2", anchor, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, KindRRule, r.Kind())

	next, ok := r.Next(anchor)
	require.True(t, ok)
	assert.Equal(t, anchor.Add(2*time.Hour), next)

	next, ok = r.Next(anchor.Add(-time.Second))
	require.True(t, ok)
	assert.Equal(t, anchor, next)
}

func TestNthFireEqualsNthOccurrence(t *testing.T) {
	// Monthly on the 31st skips short months, so naive addition would drift.
	start := time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)
	r, err := Parse("RRULE:FREQ=MONTHLY;BYMONTHDAY=31", start, time.UTC)
	require.NoError(t, err)

	fired, ok := First(r, start)
	require.True(t, ok)
	assert.Equal(t, start, fired)

	want := []time.Time{
		time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 31, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
	}
	for _, w := range want {
		next, ok := r.Next(fired)
		require.True(t, ok)
		assert.Equal(t, w, next)
		fired = next
	}
}

func TestNextIsIdempotent(t *testing.T) {
	r, err := Parse("FREQ=DAILY;BYHOUR=7;BYMINUTE=30", anchor, time.UTC)
	require.NoError(t, err)
	a, _ := r.Next(anchor)
	b, _ := r.Next(anchor)
	assert.Equal(t, a, b)
	assert.Equal(t, time.Date(2026, 1, 6, 7, 30, 0, 0, time.UTC), a)
}

func TestRRuleExhaustion(t *testing.T) {
	r, err := Parse("FREQ=DAILY;COUNT=2", anchor, time.UTC)
	require.NoError(t, err)

	first, ok := First(r, anchor)
	require.True(t, ok)
	second, ok := r.Next(first)
	require.True(t, ok)
	_, ok = r.Next(second)
	assert.False(t, ok)

	r, err = Parse("FREQ=DAILY;UNTIL=20260106T090000Z", anchor, time.UTC)
	require.NoError(t, err)
	assert.Len(t, Upcoming(r, anchor.Add(-time.Second), 10), 2)
}

func TestRRuleDTStartLineWins(t *testing.T) {
	r, err := Parse("DTSTART:20260301T120000Z\nRRULE:FREQ=WEEKLY", anchor, time.UTC)
	require.NoError(t, err)
	first, ok := First(r, anchor)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), first)
}

func TestRRuleHonoursLocation(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)
	r, err := Parse("FREQ=DAILY;BYHOUR=6;BYMINUTE=0;BYSECOND=0", anchor, loc)
	require.NoError(t, err)
	next, ok := r.Next(anchor)
	require.True(t, ok)
	assert.Equal(t, 6, next.In(loc).Hour())
	assert.Equal(t, time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC), next.UTC())
}

func TestCronRule(t *testing.T) {
	r, err := Parse("*/15 * * * *", anchor, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, KindCron, r.Kind())

	next, ok := r.Next(anchor)
	require.True(t, ok)
	assert.Equal(t, anchor.Add(15*time.Minute), next)

	first, ok := First(r, anchor)
	require.True(t, ok)
	assert.Equal(t, anchor, first)

	// Occurrences before the anchor are not produced.
	early, ok := r.Next(anchor.Add(-48 * time.Hour))
	require.True(t, ok)
	assert.Equal(t, anchor, early)
}

func TestCronDescriptor(t *testing.T) {
	r, err := Parse("@every 1h30m", anchor, time.UTC)
	require.NoError(t, err)
	next, ok := r.Next(anchor)
	require.True(t, ok)
	assert.Equal(t, anchor.Add(90*time.Minute), next)
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{"", "FREQ=SOMETIMES", "not a rule", "61 * * * *"} {
		_, err := Parse(expr, anchor, time.UTC)
		assert.ErrorIs(t, err, kerrors.ErrInvalidInput, expr)
	}
	assert.NoError(t, Validate("FREQ=WEEKLY;BYDAY=MO,WE"))
	assert.Error(t, Validate("FREQ=WEEKLY;BYDAY=XX"))
}

func TestUpcoming(t *testing.T) {
	r, err := Parse("FREQ=MINUTELY;INTERVAL=10", anchor, time.UTC)
	require.NoError(t, err)
	got := Upcoming(r, anchor, 3)
	assert.Equal(t, []time.Time{
		anchor.Add(10 * time.Minute),
		anchor.Add(20 * time.Minute),
		anchor.Add(30 * time.Minute),
	}, got)
}
