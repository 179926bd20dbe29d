package channelobserver

import (
	"math"
	"math/rand"
	"time"

	"github.com/loopwire/conductor/internal/memstore"
)

// Burst/cooldown tuning constants. channel_intervention.py (the module these
// are recovered from) was not retrieved into the example pack — only its
// test suite was — so this formula is reverse-engineered to satisfy every
// behavioral assertion that test suite makes, not translated from source.
// See DESIGN.md for the full accounting.
const (
	// BurstFloor: fewer entries than this in the recent history and the
	// pipeline stays in the "guarantee zone" (high, close-to-fixed
	// probability) regardless of recency.
	BurstFloor = 3
	// BurstCeiling: this many entries or more and interventions are
	// deterministically suppressed.
	BurstCeiling = 7
	// BurstGap is the window (minutes) used by the caller to decide which
	// of the two judgment modes (probability-as-judgment vs. scaled
	// threshold) applies; see ModeForHistory.
	BurstGap = 5 * time.Minute
)

var randFloat = rand.Float64

// BurstInterventionProbability returns the probability an intervention
// should fire given history (intervention entries already pruned to the
// last 2h by the store) and the current item's importance (1-10).
//
// No history at all returns a fixed 0.9 — there is nothing to guard
// against yet. A short history (< BurstFloor entries) stays in a "guarantee
// zone" with a high baseline that decays slightly with count. From
// BurstFloor entries up to (not including) BurstCeiling, a sigmoid blends
// elapsed time since the last entry, burst size, and importance: bigger
// bursts recover more slowly, more elapsed time recovers the probability,
// and higher importance scales it up. BurstCeiling or more entries is a
// hard, deterministic 0.0.
func BurstInterventionProbability(history []memstore.InterventionEntry, importance int, now time.Time) float64 {
	if len(history) == 0 {
		return 0.9
	}

	burstCount := len(history)
	if burstCount >= BurstCeiling {
		return 0.0
	}

	if burstCount < BurstFloor {
		base := 0.9 - float64(burstCount-1)*0.05
		return clamp01(base + jitter(0.05))
	}

	latest := history[0].At
	for _, e := range history[1:] {
		if e.At.After(latest) {
			latest = e.At
		}
	}
	elapsedMin := now.Sub(latest).Minutes()
	if elapsedMin < 0 {
		elapsedMin = 0
	}

	// Bigger bursts recover more slowly: recoveryRate shrinks with count.
	recoveryRate := 1.0 / float64(burstCount)
	x := elapsedMin*recoveryRate - float64(burstCount)
	sig := 1.0 / (1.0 + math.Exp(-0.15*x))

	importanceFactor := clampImportance(importance) / 10.0
	p := sig * (0.4 + 0.6*importanceFactor)
	return clamp01(p + jitter(0.03))
}

func clampImportance(importance int) float64 {
	if importance < 0 {
		return 0
	}
	if importance > 10 {
		return 10
	}
	return float64(importance)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func jitter(spread float64) float64 {
	return (randFloat()*2 - 1) * spread
}

// InBurstWindow reports whether the most recent entry in history falls
// within BurstGap of now — the pipeline uses this to pick between the two
// judgment modes in 4.G.1.
func InBurstWindow(history []memstore.InterventionEntry, now time.Time) bool {
	if len(history) == 0 {
		return false
	}
	latest := history[0].At
	for _, e := range history[1:] {
		if e.At.After(latest) {
			latest = e.At
		}
	}
	return now.Sub(latest) <= BurstGap
}

// ShouldIntervene applies the two-mode judgment from 4.G.1: inside the burst
// window the probability itself is compared against burstThreshold; outside
// it, importance scales the probability before comparing against
// defaultThreshold.
func ShouldIntervene(history []memstore.InterventionEntry, importance int, now time.Time, burstThreshold, defaultThreshold float64) (probability float64, fire bool) {
	probability = BurstInterventionProbability(history, importance, now)
	if InBurstWindow(history, now) {
		return probability, probability >= burstThreshold
	}
	scaled := clampImportance(importance) / 10.0 * probability
	return probability, scaled >= defaultThreshold
}

// InterventionHistory is a stateful convenience wrapper reading/writing a
// channel's pruned intervention log directly from the store, mirroring the
// Python InterventionHistory helper the original pipeline used alongside the
// free function.
type InterventionHistory struct {
	store *memstore.Store
	now   clock
}

// NewInterventionHistory builds a wrapper around store using time.Now.
func NewInterventionHistory(store *memstore.Store) *InterventionHistory {
	return &InterventionHistory{store: store, now: time.Now}
}

func (h *InterventionHistory) currentTime() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// BurstProbability loads channelID's pruned history and computes the
// probability for importance at the current time.
func (h *InterventionHistory) BurstProbability(channelID string, importance int) (float64, error) {
	now := h.currentTime()
	history, err := h.store.LoadIntervention(channelID, now)
	if err != nil {
		return 0, err
	}
	return BurstInterventionProbability(history, importance, now), nil
}

// Record appends an intervention entry of the given kind and prunes to the
// retention window.
func (h *InterventionHistory) Record(channelID, kind string) error {
	now := h.currentTime()
	return h.store.RecordIntervention(channelID, memstore.InterventionEntry{At: now, Type: kind}, now)
}
