package chatutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiterWithBudget(rate.Limit(1), 3)
	require.True(t, rl.Allow("key1"))
	require.True(t, rl.Allow("key1"))
	require.True(t, rl.Allow("key1"))
	require.False(t, rl.Allow("key1"))
}

func TestRateLimiterTracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiterWithBudget(rate.Limit(1), 1)
	require.True(t, rl.Allow("key1"))
	require.True(t, rl.Allow("key2"))
	require.Equal(t, 2, rl.TrackedKeyCount())
}

func TestRateLimiterEvictsUnderPressure(t *testing.T) {
	rl := NewRateLimiterWithBudget(rate.Limit(1), 1)
	for i := 0; i < maxTrackedKeys+10; i++ {
		rl.Allow(string(rune(i)))
	}
	require.LessOrEqual(t, rl.TrackedKeyCount(), maxTrackedKeys)
}
