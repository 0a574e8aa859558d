package player

import (
	"sort"
	"sync"

	"github.com/mistfm/aria-player/internal/model"
)

// Tracker derives playback position and buffered ranges from engine signals.
// Ranges are rebuilt from the engine's reported set on every update, never
// patched incrementally, so they cannot drift.
type Tracker struct {
	mu       sync.RWMutex
	state    model.PlaybackState
	buffered []model.BufferedRange
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) SetDuration(seconds float64) {
	t.mu.Lock()
	t.state.Duration = seconds
	t.state.EngineReady = true
	t.mu.Unlock()
}

func (t *Tracker) SetPlaying(playing bool) {
	t.mu.Lock()
	t.state.IsPlaying = playing
	t.mu.Unlock()
}

// Update replaces position and buffered state from one engine tick.
func (t *Tracker) Update(position float64, ranges []model.BufferedRange) {
	t.mu.Lock()
	t.state.CurrentTime = position
	t.buffered = normalizeRanges(ranges, t.state.Duration)
	t.mu.Unlock()
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state = model.PlaybackState{}
	t.buffered = nil
	t.mu.Unlock()
}

func (t *Tracker) Snapshot() (model.PlaybackState, []model.BufferedRange) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.BufferedRange, len(t.buffered))
	copy(out, t.buffered)
	return t.state, out
}

// Position reports the current playhead and whether media is playing, in the
// form the session manager needs for heartbeat eligibility.
func (t *Tracker) Position() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.CurrentTime, t.state.IsPlaying
}

// normalizeRanges sorts, merges overlaps, and clamps ends to the duration so
// the published set is always ordered and non-overlapping.
func normalizeRanges(in []model.BufferedRange, duration float64) []model.BufferedRange {
	if len(in) == 0 {
		return nil
	}
	ranges := make([]model.BufferedRange, 0, len(in))
	for _, r := range in {
		if r.End <= r.Start {
			continue
		}
		if r.Start < 0 {
			r.Start = 0
		}
		if duration > 0 && r.End > duration {
			r.End = duration
		}
		if r.End <= r.Start {
			continue
		}
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	out := ranges[:0]
	for _, r := range ranges {
		if len(out) > 0 && r.Start <= out[len(out)-1].End {
			if r.End > out[len(out)-1].End {
				out[len(out)-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
