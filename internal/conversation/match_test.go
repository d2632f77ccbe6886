// ABOUTME: Tests for last-message matchers

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactMatch(t *testing.T) {
	a := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, ExactMatch(a, a.In(time.FixedZone("x", 7200))))
	assert.False(t, ExactMatch(a, a.Add(time.Microsecond)))
}

func TestClockSumMatch(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 20, 30, 0, time.UTC)

	assert.True(t, ClockSumMatch(base, base))
	assert.True(t, ClockSumMatch(base, base.Add(time.Second)))
	assert.False(t, ClockSumMatch(base, base.Add(2*time.Second)))

	// Different days with the same clock reading collide.
	assert.True(t, ClockSumMatch(base, base.AddDate(0, 0, 3)))
	// So do different readings with equal sums: 10:20:30 and 10:30:20.
	assert.True(t, ClockSumMatch(base, time.Date(2026, 1, 1, 10, 30, 20, 0, time.UTC)))
}

func TestMatcherByName(t *testing.T) {
	for _, name := range []string{"", MatchExact, MatchClockSum} {
		m, err := MatcherByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, m)
	}
	_, err := MatcherByName("fuzzy")
	assert.Error(t, err)
}
