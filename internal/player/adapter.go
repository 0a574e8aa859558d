// Package player holds the streaming session coordinator and its parts: the
// manifest resolver, the engine adapter state machine, and the
// buffer/position tracker.
package player

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/mistfm/aria-player/internal/engine"
	"github.com/mistfm/aria-player/internal/metrics"
	"github.com/mistfm/aria-player/internal/model"
)

type State string

const (
	StateIdle      State = "idle"
	StateAttaching State = "attaching"
	StateReady     State = "ready"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateFatal     State = "fatal"
	StateDestroyed State = "destroyed"
)

// FatalError is a playback failure that crossed the adapter boundary into
// user-visible state.
type FatalError struct {
	Kind engine.ErrorKind
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s playback error: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// UserMessage is what the UI shows. Key auth failures surface distinctly
// because they mean the listener's credentials are the problem, not the
// network.
func (e *FatalError) UserMessage() string {
	switch e.Kind {
	case engine.ErrorKeyAuth:
		return "Playback authorization failed. Please sign in again."
	case engine.ErrorNetwork:
		return "Playback failed after repeated network errors."
	default:
		return "Playback error. Please try again."
	}
}

// Hooks receives the adapter's translated output. Nil fields are skipped.
type Hooks struct {
	OnState    func(State)
	OnPosition func(position float64, buffered []model.BufferedRange)
	OnEnded    func(position float64)
	OnFatal    func(*FatalError)
}

// Adapter owns one engine instance per attach cycle and runs the playback
// state machine, including bounded fault recovery.
type Adapter struct {
	factory         engine.Factory
	maxLoadRestarts int
	hooks           Hooks

	mu              sync.Mutex
	state           State
	eng             engine.Engine
	loadRestarts    int
	mediaRecoveries int
	pumpDone        chan struct{}
}

func NewAdapter(factory engine.Factory, maxLoadRestarts int, hooks Hooks) *Adapter {
	return &Adapter{
		factory:         factory,
		maxLoadRestarts: maxLoadRestarts,
		hooks:           hooks,
		state:           StateIdle,
	}
}

// Attach instantiates the engine and starts loading the manifest. Valid only
// from Idle; a coordinator creates a fresh adapter per resolution.
func (a *Adapter) Attach(ctx context.Context, manifest model.StreamManifest) error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return fmt.Errorf("attach from state %s", a.state)
	}
	eng := a.factory()
	a.eng = eng
	a.loadRestarts = 0
	a.mediaRecoveries = 0
	done := make(chan struct{})
	a.pumpDone = done
	a.state = StateAttaching
	a.mu.Unlock()
	a.notifyState(StateAttaching)

	go a.pump(eng, done)

	if err := eng.Load(ctx, manifest); err != nil {
		a.escalate(&FatalError{Kind: engine.ErrorNotSupported, Err: err})
		return err
	}
	return nil
}

func (a *Adapter) pump(eng engine.Engine, done chan struct{}) {
	defer close(done)
	for ev := range eng.Events() {
		if !a.handleEvent(ev) {
			return
		}
	}
}

// handleEvent applies one engine event to the state machine. Returns false
// once the adapter is terminal and the pump should exit.
func (a *Adapter) handleEvent(ev engine.Event) bool {
	switch ev.Type {
	case engine.EventManifestParsed:
		a.transition(StateAttaching, StateReady)

	case engine.EventPlaying:
		a.transition(StateReady, StatePlaying)
		a.transition(StatePaused, StatePlaying)

	case engine.EventPaused:
		a.transition(StatePlaying, StatePaused)

	case engine.EventPosition:
		if a.hooks.OnPosition != nil {
			a.hooks.OnPosition(ev.Position, ev.Buffered)
		}

	case engine.EventEnded:
		a.transition(StatePlaying, StatePaused)
		if a.hooks.OnEnded != nil {
			a.hooks.OnEnded(ev.Position)
		}

	case engine.EventError:
		return a.handleError(ev.Err)
	}

	a.mu.Lock()
	terminal := a.state == StateFatal || a.state == StateDestroyed
	a.mu.Unlock()
	return !terminal
}

func (a *Adapter) handleError(engErr *engine.EngineError) bool {
	if engErr == nil {
		return true
	}
	if !engErr.Fatal {
		// Recovering with no player-visible transition.
		log.Printf("engine_error kind=%s fatal=false err=%v", engErr.Kind, engErr.Err)
		return true
	}

	switch engErr.Kind {
	case engine.ErrorNetwork:
		a.mu.Lock()
		if a.state == StateFatal || a.state == StateDestroyed {
			a.mu.Unlock()
			return false
		}
		a.loadRestarts++
		restarts := a.loadRestarts
		eng := a.eng
		a.mu.Unlock()

		if restarts <= a.maxLoadRestarts {
			log.Printf("engine_recovery kind=network attempt=%d max=%d", restarts, a.maxLoadRestarts)
			metrics.Default().IncCounter("aria_engine_recoveries_total", map[string]string{"kind": "network", "outcome": "restart"})
			if err := eng.StartLoad(); err == nil {
				return true
			}
		}
		metrics.Default().IncCounter("aria_engine_recoveries_total", map[string]string{"kind": "network", "outcome": "exhausted"})
		a.escalate(&FatalError{Kind: engine.ErrorNetwork, Err: engErr.Err})
		return false

	case engine.ErrorMedia:
		a.mu.Lock()
		if a.state == StateFatal || a.state == StateDestroyed {
			a.mu.Unlock()
			return false
		}
		a.mediaRecoveries++
		recoveries := a.mediaRecoveries
		eng := a.eng
		a.mu.Unlock()

		if recoveries <= 1 {
			log.Printf("engine_recovery kind=media attempt=%d", recoveries)
			metrics.Default().IncCounter("aria_engine_recoveries_total", map[string]string{"kind": "media", "outcome": "recover"})
			if err := eng.RecoverMedia(); err == nil {
				return true
			}
		}
		metrics.Default().IncCounter("aria_engine_recoveries_total", map[string]string{"kind": "media", "outcome": "exhausted"})
		a.escalate(&FatalError{Kind: engine.ErrorMedia, Err: engErr.Err})
		return false

	default:
		a.escalate(&FatalError{Kind: engErr.Kind, Err: engErr.Err})
		return false
	}
}

// escalate destroys the engine and surfaces the error.
func (a *Adapter) escalate(ferr *FatalError) {
	a.mu.Lock()
	if a.state == StateFatal || a.state == StateDestroyed {
		a.mu.Unlock()
		return
	}
	eng := a.eng
	a.state = StateFatal
	a.mu.Unlock()
	a.notifyState(StateFatal)

	log.Printf("engine_error kind=%s fatal=true err=%v", ferr.Kind, ferr.Err)
	if eng != nil {
		eng.Destroy()
	}
	if a.hooks.OnFatal != nil {
		a.hooks.OnFatal(ferr)
	}
}

// Play is permitted only once the manifest has parsed.
func (a *Adapter) Play() error {
	a.mu.Lock()
	state := a.state
	eng := a.eng
	a.mu.Unlock()
	if state != StateReady && state != StatePaused {
		return fmt.Errorf("play from state %s", state)
	}
	return eng.Play()
}

func (a *Adapter) Pause() error {
	a.mu.Lock()
	state := a.state
	eng := a.eng
	a.mu.Unlock()
	if state != StatePlaying {
		return nil
	}
	return eng.Pause()
}

func (a *Adapter) Seek(positionSeconds float64) error {
	a.mu.Lock()
	eng := a.eng
	state := a.state
	a.mu.Unlock()
	if eng == nil || state == StateFatal || state == StateDestroyed {
		return fmt.Errorf("seek from state %s", state)
	}
	return eng.Seek(positionSeconds)
}

// Destroy releases the engine. Idempotent, and safe when no engine was ever
// created.
func (a *Adapter) Destroy() {
	a.mu.Lock()
	if a.state == StateDestroyed {
		a.mu.Unlock()
		return
	}
	eng := a.eng
	a.state = StateDestroyed
	a.mu.Unlock()
	a.notifyState(StateDestroyed)

	if eng != nil {
		eng.Destroy()
	}
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// transition moves from -> to if the adapter currently sits in from, and
// notifies outside the lock.
func (a *Adapter) transition(from, to State) {
	a.mu.Lock()
	if a.state != from {
		a.mu.Unlock()
		return
	}
	a.state = to
	a.mu.Unlock()
	a.notifyState(to)
}

func (a *Adapter) notifyState(s State) {
	if a.hooks.OnState != nil {
		a.hooks.OnState(s)
	}
}
