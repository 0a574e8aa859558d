package model

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Track is catalogue metadata for a single playable track. Immutable once loaded.
type Track struct {
	ID              int
	Title           string
	Artist          string
	Album           string
	Genre           string
	DurationSeconds float64
}

// StreamManifest describes one playable stream for a track. Created once per
// load attempt and discarded on track change or teardown.
type StreamManifest struct {
	TrackID         int
	StreamURL       string
	KeyEndpoint     string
	DurationSeconds float64
	Encrypted       bool
}

// ListeningSession is the server-tracked session keyed to a track. Mutated
// only by the session manager; terminal on completion, fatal quota error, or
// coordinator teardown.
type ListeningSession struct {
	ID              int64
	TrackID         int
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Status          SessionStatus
}

// Quota is the daily listening budget as last reported by the backend, in
// seconds. Unlimited quotas carry no meaningful Total/Remaining.
type Quota struct {
	Unlimited        bool
	TotalSeconds     float64
	UsedSeconds      float64
	RemainingSeconds float64
}

// Normalize re-derives RemainingSeconds from Total and Used so that
// remaining == max(0, total-used) holds no matter what the wire carried.
func (q Quota) Normalize() Quota {
	if q.Unlimited {
		q.TotalSeconds = 0
		q.RemainingSeconds = 0
		return q
	}
	rem := q.TotalSeconds - q.UsedSeconds
	if rem < 0 {
		rem = 0
	}
	q.RemainingSeconds = rem
	return q
}

// Exhausted reports whether playback must be gated.
func (q Quota) Exhausted() bool {
	return !q.Unlimited && q.RemainingSeconds <= 0
}

// BufferedRange is one contiguous buffered span of the stream, in seconds.
type BufferedRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// PlaybackState is the engine-derived view of the media position. Mutated
// only from engine events.
type PlaybackState struct {
	CurrentTime float64
	Duration    float64
	IsPlaying   bool
	EngineReady bool
}
