package player

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mistfm/aria-player/internal/backend"
	"github.com/mistfm/aria-player/internal/engine"
	"github.com/mistfm/aria-player/internal/history"
	"github.com/mistfm/aria-player/internal/keyredirect"
	"github.com/mistfm/aria-player/internal/model"
	"github.com/mistfm/aria-player/internal/session"
)

// Backend is everything the coordinator needs from the music service.
type Backend interface {
	ResolveBackend
	session.Backend
}

// Recorder persists finished playbacks locally. Nil-able.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Status is the coordinator's externally visible snapshot, shaped for the
// control API and the websocket feed.
type Status struct {
	State     string                `json:"state"`
	Track     *model.Track          `json:"track,omitempty"`
	SessionID int64                 `json:"session_id,omitempty"`
	Position  float64               `json:"position_seconds"`
	Duration  float64               `json:"duration_seconds"`
	Buffered  []model.BufferedRange `json:"buffered,omitempty"`
	Quota     *QuotaView            `json:"quota,omitempty"`
	Error     string                `json:"error,omitempty"`
}

type QuotaView struct {
	Unlimited        bool    `json:"unlimited"`
	TotalSeconds     float64 `json:"total_seconds"`
	UsedSeconds      float64 `json:"used_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// Coordinator-level states layered over the adapter's machine.
const (
	CoordIdle         = "idle"
	CoordLoading      = "loading"
	CoordReady        = "ready"
	CoordPlaying      = "playing"
	CoordPaused       = "paused"
	CoordLimitReached = "limit_reached"
	CoordError        = "error"
)

var (
	ErrLimitReached = errors.New("daily listening limit reached")
	ErrNoTrack      = errors.New("no track loaded")
	ErrSuperseded   = errors.New("load superseded by a newer request")
)

type Options struct {
	MaxLoadRestarts   int
	HeartbeatInterval time.Duration
	QuotaPollInterval time.Duration
}

// Coordinator owns the single engine instance and single active session per
// player. All mutations funnel through its lock; a new load always tears the
// previous attempt down first.
type Coordinator struct {
	backend    Backend
	resolver   *Resolver
	redirector *keyredirect.Redirector
	factory    engine.Factory
	recorder   Recorder
	opts       Options

	baseCtx context.Context
	stop    context.CancelFunc

	mu         sync.Mutex
	gen        int
	state      string
	track      *model.Track
	manifest   model.StreamManifest
	quota      *model.Quota
	lastError  string
	adapter    *Adapter
	recorded   bool
	tracker    *Tracker
	mgr        *session.Manager
	loadCancel context.CancelFunc

	subMu  sync.Mutex
	subSeq int
	subs   map[int]chan Status
}

func NewCoordinator(ctx context.Context, b Backend, redirector *keyredirect.Redirector, factory engine.Factory, recorder Recorder, opts Options) *Coordinator {
	if opts.MaxLoadRestarts <= 0 {
		opts.MaxLoadRestarts = 3
	}
	baseCtx, stop := context.WithCancel(ctx)
	return &Coordinator{
		backend:    b,
		resolver:   NewResolver(b),
		redirector: redirector,
		factory:    factory,
		recorder:   recorder,
		opts:       opts,
		baseCtx:    baseCtx,
		stop:       stop,
		state:      CoordIdle,
		tracker:    NewTracker(),
		subs:       map[int]chan Status{},
	}
}

// Load resolves a track and attaches playback to it. Any prior attempt is
// fully torn down first: timers stopped, session completed, engine
// destroyed. Each call claims a generation; a load that loses its claim to a
// newer call completes its own session and discards its results.
func (c *Coordinator) Load(ctx context.Context, trackID int) error {
	c.mu.Lock()
	finish := c.detachLocked(false)
	gen := c.gen
	c.state = CoordLoading
	c.lastError = ""
	c.recorded = false
	loadCtx, cancel := context.WithCancel(c.baseCtx)
	c.loadCancel = cancel
	c.mu.Unlock()
	finish()
	c.publish()

	// Resolution runs under loadCtx so a newer load's teardown cancels it,
	// and still honors the caller's own cancellation.
	resolveCtx, stopResolve := context.WithCancel(loadCtx)
	defer stopResolve()
	unwatch := context.AfterFunc(ctx, stopResolve)
	defer unwatch()

	res, err := c.resolver.Resolve(resolveCtx, trackID)
	if err != nil {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return err
		}
		var quotaErr *backend.QuotaExceededError
		if errors.As(err, &quotaErr) {
			c.state = CoordLimitReached
			c.lastError = quotaErr.UserMessage()
		} else {
			c.state = CoordError
			c.lastError = "Could not load this track. Please try again."
		}
		c.mu.Unlock()
		c.publish()
		return err
	}

	adapter := NewAdapter(c.factory, c.opts.MaxLoadRestarts, Hooks{
		OnState:    c.onAdapterState,
		OnPosition: c.onPosition,
		OnEnded:    c.onEnded,
		OnFatal:    c.onFatal,
	})
	mgr := session.NewManager(c.backend, c.tracker.Position, res.Session, res.Quota, session.Options{
		HeartbeatInterval: c.opts.HeartbeatInterval,
		QuotaPollInterval: c.opts.QuotaPollInterval,
	}, session.Hooks{
		OnQuota:        c.onQuota,
		OnLimitReached: c.onLimitReached,
	})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		// A newer load owns the coordinator now; the session this one opened
		// still must end.
		mgr.Complete(0)
		return ErrSuperseded
	}

	// Key redirection is installed before the engine ever sees the source.
	if res.Manifest.Encrypted {
		c.redirector.SetKeyEndpoint(res.Manifest.KeyEndpoint)
	} else {
		c.redirector.SetKeyEndpoint("")
	}
	c.tracker.Reset()
	c.tracker.SetDuration(res.Manifest.DurationSeconds)

	track := res.Track
	c.track = &track
	c.manifest = res.Manifest
	c.adapter = adapter
	c.mgr = mgr
	c.mu.Unlock()

	// The manager starts before the engine attaches so that any teardown
	// from here on completes the session through the usual path.
	mgr.Start(loadCtx)

	if err := adapter.Attach(loadCtx, res.Manifest); err != nil {
		return err
	}

	log.Printf("coordinator_load track_id=%d session_id=%d encrypted=%t duration=%.1f",
		trackID, res.Session.ID, res.Manifest.Encrypted, res.Manifest.DurationSeconds)
	return nil
}

func (c *Coordinator) Play() error {
	c.mu.Lock()
	state := c.state
	adapter := c.adapter
	mgr := c.mgr
	c.mu.Unlock()

	if state == CoordLimitReached || (mgr != nil && mgr.Gated()) {
		return ErrLimitReached
	}
	if adapter == nil {
		return ErrNoTrack
	}
	return adapter.Play()
}

func (c *Coordinator) Pause() error {
	c.mu.Lock()
	adapter := c.adapter
	c.mu.Unlock()
	if adapter == nil {
		return ErrNoTrack
	}
	return adapter.Pause()
}

func (c *Coordinator) Seek(positionSeconds float64) error {
	c.mu.Lock()
	adapter := c.adapter
	c.mu.Unlock()
	if adapter == nil {
		return ErrNoTrack
	}
	return adapter.Seek(positionSeconds)
}

// Stop tears playback down to idle, completing the session.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	finish := c.detachLocked(false)
	c.state = CoordIdle
	c.mu.Unlock()
	finish()
	c.publish()
}

// Close shuts the coordinator down for good.
func (c *Coordinator) Close() {
	c.mu.Lock()
	finish := c.detachLocked(false)
	c.mu.Unlock()
	finish()
	c.stop()
}

// detachLocked strips the current load's resources under c.mu and returns a
// func that performs the blocking half of teardown. Session completion and
// engine destruction re-enter the coordinator through hooks, so the returned
// func must run after c.mu is released. Safe when nothing is loaded.
// Advancing the generation invalidates any load still resolving.
func (c *Coordinator) detachLocked(completed bool) func() {
	c.gen++
	if c.loadCancel != nil {
		c.loadCancel()
		c.loadCancel = nil
	}
	mgr := c.mgr
	adapter := c.adapter
	c.mgr = nil
	c.adapter = nil

	var pos float64
	var entry *history.Entry
	if mgr != nil {
		ps, _ := c.tracker.Snapshot()
		pos = ps.CurrentTime
		entry = c.historyEntryLocked(completed, pos)
	}
	c.redirector.SetKeyEndpoint("")
	c.tracker.Reset()
	c.track = nil
	c.manifest = model.StreamManifest{}

	return func() {
		if mgr != nil {
			mgr.Complete(pos)
		}
		if adapter != nil {
			adapter.Destroy()
		}
		if entry != nil {
			go c.record(*entry)
		}
	}
}

// historyEntryLocked builds at most one history row per load, nil once the
// row has been claimed. Callers hold c.mu.
func (c *Coordinator) historyEntryLocked(completed bool, pos float64) *history.Entry {
	if c.recorder == nil || c.track == nil || c.recorded {
		return nil
	}
	c.recorded = true
	return &history.Entry{
		TrackID:         c.track.ID,
		Title:           c.track.Title,
		Artist:          c.track.Artist,
		PositionSeconds: pos,
		DurationSeconds: c.manifest.DurationSeconds,
		Completed:       completed,
		PlayedAt:        time.Now().UTC(),
	}
}

func (c *Coordinator) record(entry history.Entry) {
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := c.recorder.Record(ctx, entry); err != nil {
		log.Printf("history_record track_id=%d status=error err=%v", entry.TrackID, err)
	}
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	state := c.state
	track := c.track
	lastError := c.lastError
	quota := c.quota
	mgr := c.mgr
	c.mu.Unlock()

	ps, buffered := c.tracker.Snapshot()
	out := Status{
		State:    state,
		Track:    track,
		Position: ps.CurrentTime,
		Duration: ps.Duration,
		Buffered: buffered,
		Error:    lastError,
	}
	if mgr != nil {
		out.SessionID = mgr.Session().ID
	}
	if quota != nil {
		out.Quota = &QuotaView{
			Unlimited:        quota.Unlimited,
			TotalSeconds:     quota.TotalSeconds,
			UsedSeconds:      quota.UsedSeconds,
			RemainingSeconds: quota.RemainingSeconds,
		}
	}
	return out
}

// Subscribe returns a channel of status snapshots and a cancel func. Slow
// subscribers miss intermediate snapshots rather than blocking playback.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	c.subMu.Lock()
	c.subSeq++
	id := c.subSeq
	ch := make(chan Status, 16)
	c.subs[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Coordinator) publish() {
	snap := c.Status()
	c.subMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	c.subMu.Unlock()
}

func (c *Coordinator) onAdapterState(s State) {
	c.mu.Lock()
	switch s {
	case StateAttaching:
		c.state = CoordLoading
	case StateReady:
		if c.state == CoordLoading {
			c.state = CoordReady
		}
	case StatePlaying:
		c.state = CoordPlaying
		c.tracker.SetPlaying(true)
	case StatePaused:
		if c.state == CoordPlaying || c.state == CoordReady {
			c.state = CoordPaused
		}
		c.tracker.SetPlaying(false)
	case StateFatal, StateDestroyed:
		c.tracker.SetPlaying(false)
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) onPosition(pos float64, buffered []model.BufferedRange) {
	c.tracker.Update(pos, buffered)
	c.publish()
}

func (c *Coordinator) onEnded(pos float64) {
	c.mu.Lock()
	mgr := c.mgr
	if c.state == CoordPlaying {
		c.state = CoordPaused
	}
	c.tracker.SetPlaying(false)
	var entry *history.Entry
	if mgr != nil {
		entry = c.historyEntryLocked(true, pos)
	}
	c.mu.Unlock()

	if mgr != nil {
		mgr.Complete(pos)
	}
	if entry != nil {
		go c.record(*entry)
	}
	c.publish()
}

func (c *Coordinator) onFatal(ferr *FatalError) {
	c.mu.Lock()
	c.state = CoordError
	c.lastError = ferr.UserMessage()
	c.tracker.SetPlaying(false)
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) onQuota(q model.Quota) {
	c.mu.Lock()
	cp := q
	c.quota = &cp
	c.mu.Unlock()
	c.publish()
}

// onLimitReached gates playback as soon as any quota-bearing response shows
// zero remaining time, distinct from a transient error. The session is
// terminal at that point: timers stop and no completion call follows.
func (c *Coordinator) onLimitReached() {
	c.mu.Lock()
	adapter := c.adapter
	mgr := c.mgr
	c.state = CoordLimitReached
	c.lastError = "Daily listening limit reached."
	c.mu.Unlock()

	if mgr != nil {
		mgr.Fail()
	}
	if adapter != nil {
		_ = adapter.Pause()
	}
	c.publish()
}
