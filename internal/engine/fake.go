package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mistfm/aria-player/internal/model"
)

// FakeEngine simulates playback against wall time. It backs the daemon's
// `fake` engine mode (development without reachable media) and the adapter
// tests, which drive it through Emit instead of the clock.
type FakeEngine struct {
	events chan Event

	mu        sync.Mutex
	destroyed bool
	playing   bool
	loaded    bool
	position  float64
	duration  float64
	stopTick  chan struct{}
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{events: make(chan Event, 64)}
}

func (f *FakeEngine) Load(_ context.Context, manifest model.StreamManifest) error {
	f.mu.Lock()
	f.loaded = true
	f.duration = manifest.DurationSeconds
	f.mu.Unlock()
	f.Emit(Event{Type: EventManifestParsed, Duration: manifest.DurationSeconds})
	return nil
}

func (f *FakeEngine) Play() error {
	f.mu.Lock()
	if f.destroyed || f.playing {
		f.mu.Unlock()
		return nil
	}
	f.playing = true
	stop := make(chan struct{})
	f.stopTick = stop
	f.mu.Unlock()

	f.Emit(Event{Type: EventPlaying})
	go f.tick(stop)
	return nil
}

func (f *FakeEngine) tick(stop chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			f.mu.Lock()
			f.position += now.Sub(last).Seconds()
			last = now
			pos, dur := f.position, f.duration
			ended := dur > 0 && pos >= dur
			if ended {
				f.position = dur
				pos = dur
				f.playing = false
			}
			f.mu.Unlock()

			f.Emit(Event{
				Type:     EventPosition,
				Position: pos,
				Buffered: []model.BufferedRange{{Start: 0, End: dur}},
			})
			if ended {
				f.Emit(Event{Type: EventEnded, Position: pos})
				return
			}
		}
	}
}

func (f *FakeEngine) Pause() error {
	f.mu.Lock()
	if !f.playing {
		f.mu.Unlock()
		return nil
	}
	f.playing = false
	close(f.stopTick)
	f.stopTick = nil
	f.mu.Unlock()
	f.Emit(Event{Type: EventPaused})
	return nil
}

func (f *FakeEngine) Seek(positionSeconds float64) error {
	f.mu.Lock()
	if positionSeconds < 0 {
		positionSeconds = 0
	}
	if f.duration > 0 && positionSeconds > f.duration {
		positionSeconds = f.duration
	}
	f.position = positionSeconds
	f.mu.Unlock()
	f.Emit(Event{Type: EventPosition, Position: positionSeconds})
	return nil
}

func (f *FakeEngine) StartLoad() error    { return nil }
func (f *FakeEngine) RecoverMedia() error { return nil }

func (f *FakeEngine) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	f.playing = false
	if f.stopTick != nil {
		close(f.stopTick)
		f.stopTick = nil
	}
	close(f.events)
}

// Emit delivers an event unless the engine is destroyed or the consumer has
// fallen hopelessly behind.
func (f *FakeEngine) Emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

func (f *FakeEngine) Events() <-chan Event { return f.events }

// Position reports the simulated position, for tests.
func (f *FakeEngine) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}
