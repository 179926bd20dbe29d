package channelobserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopwire/conductor/internal/memstore"
)

func avgProbability(t *testing.T, history []memstore.InterventionEntry, importance int, now time.Time, samples int) float64 {
	t.Helper()
	var sum float64
	for i := 0; i < samples; i++ {
		sum += BurstInterventionProbability(history, importance, now)
	}
	return sum / float64(samples)
}

func entriesAgo(now time.Time, secondsAgo ...int) []memstore.InterventionEntry {
	out := make([]memstore.InterventionEntry, 0, len(secondsAgo))
	for _, s := range secondsAgo {
		out = append(out, memstore.InterventionEntry{At: now.Add(-time.Duration(s) * time.Second), Type: "message"})
	}
	return out
}

func TestBurstProbabilityNoHistoryIsFixed(t *testing.T) {
	now := time.Now()
	require.Equal(t, 0.9, BurstInterventionProbability(nil, 5, now))
	require.Equal(t, 0.9, BurstInterventionProbability([]memstore.InterventionEntry{}, 0, now))
	require.Equal(t, 0.9, BurstInterventionProbability(nil, 10, now))
}

func TestBurstProbabilityGuaranteeZoneOneEntry(t *testing.T) {
	now := time.Now()
	history := entriesAgo(now, 120)
	avg := avgProbability(t, history, 5, now, 100)
	require.GreaterOrEqual(t, avg, 0.75)
}

func TestBurstProbabilityGuaranteeZoneTwoEntries(t *testing.T) {
	now := time.Now()
	history := entriesAgo(now, 60, 180)
	avg := avgProbability(t, history, 5, now, 100)
	require.GreaterOrEqual(t, avg, 0.70)
}

func TestBurstProbabilitySoftWallIncreasesWithImportance(t *testing.T) {
	now := time.Now()
	history := entriesAgo(now, 60, 180, 300, 540)
	avgLow := avgProbability(t, history, 3, now, 200)
	avgHigh := avgProbability(t, history, 10, now, 200)
	require.Less(t, avgLow, avgHigh)
}

func TestBurstProbabilityHardCeiling(t *testing.T) {
	now := time.Now()
	history := entriesAgo(now, 0, 120, 240, 360, 480, 600, 720)
	require.Equal(t, 7, len(history))
	require.Equal(t, 0.0, BurstInterventionProbability(history, 10, now))
	require.Equal(t, 0.0, BurstInterventionProbability(history, 1, now))
}

func TestBurstProbabilityCooldownRecoversOverTime(t *testing.T) {
	base := time.Now()
	history := entriesAgo(base, 30*60, 32*60, 34*60)

	avg30 := avgProbability(t, history, 5, base, 200)
	require.True(t, avg30 > 0.1 && avg30 < 0.9)

	nowLate := base.Add(90 * time.Minute)
	avgLate := avgProbability(t, history, 5, nowLate, 200)
	require.Greater(t, avgLate, avg30)
}

func TestBurstProbabilityCooldownProportionalToBurstSize(t *testing.T) {
	now := time.Now()
	small := entriesAgo(now, 20*60)
	var bigSeconds []int
	for i := 0; i < 5; i++ {
		bigSeconds = append(bigSeconds, (20+i*3)*60)
	}
	big := entriesAgo(now, bigSeconds...)

	avgSmall := avgProbability(t, small, 5, now, 200)
	avgBig := avgProbability(t, big, 5, now, 200)
	require.Less(t, avgBig, avgSmall)
}

func TestBurstProbabilityAlwaysClamped(t *testing.T) {
	now := time.Now()
	cases := []struct {
		history    []memstore.InterventionEntry
		importance int
	}{
		{nil, 0},
		{nil, 10},
		{entriesAgo(now, 120), 10},
		{entriesAgo(now, 0, 120, 240, 360, 480, 600, 720), 10},
		{entriesAgo(now, 120*60), 5},
	}
	for _, c := range cases {
		for i := 0; i < 20; i++ {
			p := BurstInterventionProbability(c.history, c.importance, now)
			require.GreaterOrEqual(t, p, 0.0)
			require.LessOrEqual(t, p, 1.0)
		}
	}
}

func TestInterventionHistoryNoHistoryIsHighBaseline(t *testing.T) {
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)
	h := NewInterventionHistory(store)

	p, err := h.BurstProbability("C1", 5)
	require.NoError(t, err)
	require.Equal(t, 0.9, p)
}

func TestInterventionHistoryRecordThenProbabilityStaysHigh(t *testing.T) {
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)
	h := NewInterventionHistory(store)

	require.NoError(t, h.Record("C1", "message"))

	var sum float64
	for i := 0; i < 50; i++ {
		p, err := h.BurstProbability("C1", 5)
		require.NoError(t, err)
		sum += p
	}
	require.Greater(t, sum/50, 0.7)
}

func TestInBurstWindow(t *testing.T) {
	now := time.Now()
	require.False(t, InBurstWindow(nil, now))
	require.True(t, InBurstWindow(entriesAgo(now, 60), now))
	require.False(t, InBurstWindow(entriesAgo(now, 10*60), now))
}
