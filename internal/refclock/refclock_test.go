package refclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockOffsetsFollowSource(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := start
	clock := NewWithSource(func() time.Time { return current })

	assert.Equal(t, start, clock.Origin())
	assert.Equal(t, "0.000000", clock.Stamp())

	current = start.Add(1500 * time.Millisecond)
	assert.InDelta(t, 1.5, clock.Offset(), 1e-9)
	assert.Equal(t, "1.500000", clock.Stamp())

	// Readings before the origin clamp to zero.
	assert.Equal(t, time.Duration(0), clock.Since(start.Add(-time.Second)))
}

func TestEncodeParseKeepsOrigin(t *testing.T) {
	t.Parallel()

	origin := time.Now().Add(-2 * time.Second)
	parent := NewWithSource(func() time.Time { return origin })

	child, err := Parse(parent.Encode())
	require.NoError(t, err)
	assert.Equal(t, origin.UnixNano(), child.Origin().UnixNano())

	offset := child.Offset()
	assert.GreaterOrEqual(t, offset, 2.0)
	assert.Less(t, offset, 60.0)

	next := child.Offset()
	assert.GreaterOrEqual(t, next, offset)
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Parse("yesterday")
	require.Error(t, err)

	_, err = Parse("0")
	require.Error(t, err)
}
