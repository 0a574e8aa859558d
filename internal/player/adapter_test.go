package player

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistfm/aria-player/internal/engine"
	"github.com/mistfm/aria-player/internal/model"
)

// mockEngine scripts engine behavior for the adapter state machine. Tests
// drive it by sending on events.
type mockEngine struct {
	events chan engine.Event

	loadFn    func(context.Context, model.StreamManifest) error
	playFn    func() error
	pauseFn   func() error
	startLoad atomic.Int32
	recovers  atomic.Int32
	destroys  atomic.Int32

	startLoadErr error
	recoverErr   error
}

func newMockEngine() *mockEngine {
	return &mockEngine{events: make(chan engine.Event, 16)}
}

func (m *mockEngine) Load(ctx context.Context, manifest model.StreamManifest) error {
	if m.loadFn != nil {
		return m.loadFn(ctx, manifest)
	}
	return nil
}

func (m *mockEngine) Play() error {
	if m.playFn != nil {
		return m.playFn()
	}
	return nil
}

func (m *mockEngine) Pause() error {
	if m.pauseFn != nil {
		return m.pauseFn()
	}
	return nil
}

func (m *mockEngine) Seek(float64) error { return nil }

func (m *mockEngine) StartLoad() error {
	m.startLoad.Add(1)
	return m.startLoadErr
}

func (m *mockEngine) RecoverMedia() error {
	m.recovers.Add(1)
	return m.recoverErr
}

func (m *mockEngine) Destroy() {
	if m.destroys.Add(1) == 1 {
		close(m.events)
	}
}

func (m *mockEngine) Events() <-chan engine.Event { return m.events }

func (m *mockEngine) fatal(kind engine.ErrorKind) {
	m.events <- engine.Event{Type: engine.EventError, Err: &engine.EngineError{
		Kind: kind, Fatal: true, Err: errors.New("boom"),
	}}
}

func waitState(t *testing.T, a *Adapter, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, a.State())
}

func newTestAdapter(t *testing.T, eng *mockEngine, maxRestarts int, hooks Hooks) *Adapter {
	t.Helper()
	a := NewAdapter(func() engine.Engine { return eng }, maxRestarts, hooks)
	if err := a.Attach(context.Background(), model.StreamManifest{TrackID: 1, DurationSeconds: 100}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return a
}

func TestAdapter_HappyPathTransitions(t *testing.T) {
	eng := newMockEngine()
	ended := make(chan float64, 1)
	a := newTestAdapter(t, eng, 3, Hooks{
		OnEnded: func(pos float64) { ended <- pos },
	})
	if a.State() != StateAttaching {
		t.Fatalf("expected attaching, got %s", a.State())
	}

	eng.events <- engine.Event{Type: engine.EventManifestParsed, Duration: 100}
	waitState(t, a, StateReady)

	if err := a.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	eng.events <- engine.Event{Type: engine.EventPlaying}
	waitState(t, a, StatePlaying)

	eng.events <- engine.Event{Type: engine.EventPaused}
	waitState(t, a, StatePaused)

	eng.events <- engine.Event{Type: engine.EventPlaying}
	waitState(t, a, StatePlaying)

	eng.events <- engine.Event{Type: engine.EventEnded, Position: 100}
	waitState(t, a, StatePaused)
	select {
	case pos := <-ended:
		if pos != 100 {
			t.Fatalf("unexpected ended position %.1f", pos)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnded never fired")
	}
	a.Destroy()
}

func TestAdapter_PlayRejectedBeforeManifestParsed(t *testing.T) {
	eng := newMockEngine()
	a := newTestAdapter(t, eng, 3, Hooks{})
	if err := a.Play(); err == nil {
		t.Fatal("expected play to fail while attaching")
	}
	a.Destroy()
}

func TestAdapter_NetworkErrorsRestartUntilCapThenFatal(t *testing.T) {
	eng := newMockEngine()
	fatal := make(chan *FatalError, 1)
	a := newTestAdapter(t, eng, 3, Hooks{
		OnFatal: func(f *FatalError) { fatal <- f },
	})
	eng.events <- engine.Event{Type: engine.EventManifestParsed}
	waitState(t, a, StateReady)

	for i := 0; i < 3; i++ {
		eng.fatal(engine.ErrorNetwork)
	}
	deadline := time.Now().Add(2 * time.Second)
	for eng.startLoad.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := eng.startLoad.Load(); got != 3 {
		t.Fatalf("expected 3 restarts, got %d", got)
	}
	if a.State() == StateFatal {
		t.Fatal("adapter must not go fatal within the restart budget")
	}

	// One more fatal network error exhausts the budget.
	eng.fatal(engine.ErrorNetwork)
	select {
	case f := <-fatal:
		if f.Kind != engine.ErrorNetwork {
			t.Fatalf("unexpected fatal kind %s", f.Kind)
		}
		if f.UserMessage() != "Playback failed after repeated network errors." {
			t.Fatalf("unexpected user message %q", f.UserMessage())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal never fired")
	}
	waitState(t, a, StateFatal)
	if eng.destroys.Load() == 0 {
		t.Fatal("engine must be destroyed on fatal escalation")
	}
	if got := eng.startLoad.Load(); got != 3 {
		t.Fatalf("no further restarts past the cap, got %d", got)
	}
}

func TestAdapter_MediaErrorRecoversOnceThenFatal(t *testing.T) {
	eng := newMockEngine()
	fatal := make(chan *FatalError, 1)
	a := newTestAdapter(t, eng, 3, Hooks{
		OnFatal: func(f *FatalError) { fatal <- f },
	})
	eng.events <- engine.Event{Type: engine.EventManifestParsed}
	waitState(t, a, StateReady)

	eng.fatal(engine.ErrorMedia)
	deadline := time.Now().Add(2 * time.Second)
	for eng.recovers.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := eng.recovers.Load(); got != 1 {
		t.Fatalf("expected one media recovery, got %d", got)
	}
	if a.State() == StateFatal {
		t.Fatal("first media error must not be fatal")
	}

	eng.fatal(engine.ErrorMedia)
	select {
	case f := <-fatal:
		if f.Kind != engine.ErrorMedia {
			t.Fatalf("unexpected fatal kind %s", f.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal never fired")
	}
	if got := eng.recovers.Load(); got != 1 {
		t.Fatalf("expected no second recovery, got %d", got)
	}
}

func TestAdapter_KeyAuthErrorIsImmediatelyFatal(t *testing.T) {
	eng := newMockEngine()
	fatal := make(chan *FatalError, 1)
	a := newTestAdapter(t, eng, 3, Hooks{
		OnFatal: func(f *FatalError) { fatal <- f },
	})
	eng.events <- engine.Event{Type: engine.EventManifestParsed}
	waitState(t, a, StateReady)

	eng.fatal(engine.ErrorKeyAuth)
	select {
	case f := <-fatal:
		if f.UserMessage() != "Playback authorization failed. Please sign in again." {
			t.Fatalf("unexpected user message %q", f.UserMessage())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal never fired")
	}
	if eng.startLoad.Load() != 0 || eng.recovers.Load() != 0 {
		t.Fatal("auth failures must not trigger recovery")
	}
}

func TestAdapter_NonFatalErrorChangesNothing(t *testing.T) {
	eng := newMockEngine()
	a := newTestAdapter(t, eng, 3, Hooks{})
	eng.events <- engine.Event{Type: engine.EventManifestParsed}
	waitState(t, a, StateReady)

	eng.events <- engine.Event{Type: engine.EventError, Err: &engine.EngineError{
		Kind: engine.ErrorNetwork, Fatal: false, Err: errors.New("segment retry"),
	}}
	eng.events <- engine.Event{Type: engine.EventPosition, Position: 5}
	time.Sleep(50 * time.Millisecond)

	if a.State() != StateReady {
		t.Fatalf("non-fatal error must not change state, got %s", a.State())
	}
	if eng.startLoad.Load() != 0 {
		t.Fatal("non-fatal error must not restart the load pipeline")
	}
	a.Destroy()
}

func TestAdapter_DestroyIsIdempotent(t *testing.T) {
	eng := newMockEngine()
	a := newTestAdapter(t, eng, 3, Hooks{})
	a.Destroy()
	a.Destroy()
	if got := eng.destroys.Load(); got != 1 {
		t.Fatalf("expected exactly one engine destroy, got %d", got)
	}
	if a.State() != StateDestroyed {
		t.Fatalf("unexpected state %s", a.State())
	}
}
