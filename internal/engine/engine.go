// Package engine defines the playback engine surface the coordinator drives:
// a closed set of events flowing out, a small command set flowing in. The
// adapter in internal/player never sees engine internals, which keeps the
// state machine testable against the fake.
package engine

import (
	"context"

	"github.com/mistfm/aria-player/internal/model"
)

type EventType string

const (
	EventManifestParsed EventType = "manifest_parsed"
	EventPlaying        EventType = "playing"
	EventPaused         EventType = "paused"
	EventPosition       EventType = "position"
	EventEnded          EventType = "ended"
	EventError          EventType = "error"
)

// ErrorKind classifies engine failures for the adapter's recovery policy.
type ErrorKind string

const (
	ErrorNetwork      ErrorKind = "network"
	ErrorMedia        ErrorKind = "media"
	ErrorKeyAuth      ErrorKind = "key_auth"
	ErrorNotSupported ErrorKind = "not_supported"
	ErrorInternal     ErrorKind = "internal"
)

type EngineError struct {
	Kind  ErrorKind
	Fatal bool
	Err   error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " engine error"
	}
	return string(e.Kind) + " engine error: " + e.Err.Error()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Event is one tagged engine signal. Fields beyond Type are populated per
// variant: Duration on manifest_parsed, Position/Buffered on position, Err on
// error.
type Event struct {
	Type     EventType
	Duration float64
	Position float64
	Buffered []model.BufferedRange
	Err      *EngineError
}

// Engine is a single-use playback instance. Load may be called once; after
// Destroy the instance is dead. Destroy must be safe to call at any point,
// any number of times.
type Engine interface {
	// Load starts fetching and parsing the manifest. Progress and failures
	// arrive as events.
	Load(ctx context.Context, manifest model.StreamManifest) error
	Play() error
	Pause() error
	Seek(positionSeconds float64) error

	// StartLoad re-runs the load pipeline from the current position after a
	// fatal network error.
	StartLoad() error
	// RecoverMedia resets decode-side state after a fatal media error.
	RecoverMedia() error

	Destroy()
	Events() <-chan Event
}

// Factory creates one engine per attach cycle. Mirrors how the coordinator
// owns the instance: a new resolution never reuses a prior engine.
type Factory func() Engine
