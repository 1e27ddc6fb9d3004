// Package engine implements the trailing-state tracker and the trigger
// engine that evaluates pending orders on every price update.
package engine

import (
	"sort"
	"sync"

	"github.com/tickvault/trailstop/core"
)

// trailState is the tracker's internal record for one market. Besides the
// exposed trail state it remembers the last observed tick, which placement
// uses as the current price.
type trailState struct {
	core.TrailState
	lastTick int64
}

// Tracker maintains, per market, the best-seen price extreme and whether
// price is currently retreating from it. It remembers only the single best
// extreme since the last reversal, not a running history.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*trailState
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*trailState),
	}
}

// Initialize seeds the market's trail state with the first observed tick.
// It reports false if the market was already initialized, in which case the
// existing state is left untouched.
func (t *Tracker) Initialize(market string, tick int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.states[market]; ok {
		return false
	}

	t.states[market] = &trailState{
		TrailState: core.TrailState{
			ReferenceTick: tick,
			Initialized:   true,
		},
		lastTick: tick,
	}
	return true
}

// Update advances the trail state with a new observation and returns the
// resulting state. A strictly higher tick becomes the new extreme and clears
// the retreat flag; a strictly lower tick marks the market as retreating
// without moving the extreme. A tie changes nothing. Updates against an
// uninitialized market are no-ops and report false.
func (t *Tracker) Update(market string, tick int64) (core.TrailState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[market]
	if !ok {
		return core.TrailState{}, false
	}

	st.lastTick = tick
	switch {
	case tick > st.ReferenceTick:
		st.ReferenceTick = tick
		st.IsDownward = false
	case tick < st.ReferenceTick:
		st.IsDownward = true
	}

	return st.TrailState, true
}

// State returns the market's current trail state
func (t *Tracker) State(market string) (core.TrailState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[market]
	if !ok {
		return core.TrailState{}, false
	}
	return st.TrailState, true
}

// Markets returns all tracked markets in sorted order
func (t *Tracker) Markets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	markets := make([]string, 0, len(t.states))
	for market := range t.states {
		markets = append(markets, market)
	}
	sort.Strings(markets)
	return markets
}

// LastTick returns the most recently observed tick for the market
func (t *Tracker) LastTick(market string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[market]
	if !ok {
		return 0, false
	}
	return st.lastTick, true
}
