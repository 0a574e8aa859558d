// Package session owns the listening-session lifecycle on the client side:
// heartbeats while playing, an independent quota poll, and an exactly-once
// best-effort completion call.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mistfm/aria-player/internal/metrics"
	"github.com/mistfm/aria-player/internal/model"
)

// Backend is the slice of the backend client the manager needs.
type Backend interface {
	Heartbeat(ctx context.Context, sessionID int64, positionSeconds float64) (model.Quota, error)
	Complete(ctx context.Context, sessionID int64, positionSeconds float64) error
	GetQuota(ctx context.Context) (model.Quota, error)
}

// PositionFunc reports the current playhead and whether media is playing.
type PositionFunc func() (positionSeconds float64, playing bool)

// Hooks propagate quota changes upward. OnQuota fires on every refresh;
// OnLimitReached fires once when a refresh shows the quota spent.
type Hooks struct {
	OnQuota        func(model.Quota)
	OnLimitReached func()
}

// Options bundle the cadences so tests can shrink them.
type Options struct {
	HeartbeatInterval time.Duration
	QuotaPollInterval time.Duration
}

// Manager runs one session from start to completion. A new track means a new
// Manager; timers never outlive their session. The session is bound at
// construction so every teardown path can complete it, whether or not the
// timers ever started.
type Manager struct {
	backend  Backend
	position PositionFunc
	hooks    Hooks
	opts     Options
	initial  model.Quota

	mu      sync.Mutex
	sess    model.ListeningSession
	quota   model.Quota
	gated   bool
	started bool

	cancel       context.CancelFunc
	tickersDone  sync.WaitGroup
	completeOnce sync.Once
}

// NewManager binds a manager to an already-opened session. The initial quota
// is the one the session-start response carried.
func NewManager(backend Backend, position PositionFunc, sess model.ListeningSession, initial model.Quota, opts Options, hooks Hooks) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.QuotaPollInterval <= 0 {
		opts.QuotaPollInterval = 60 * time.Second
	}
	return &Manager{backend: backend, position: position, sess: sess, initial: initial, opts: opts, hooks: hooks}
}

// Start begins the heartbeat and quota-poll timers. A second Start, or one
// on a session already completed or failed, is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.sess.Status != model.SessionActive {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.applyQuota(m.initial)

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.tickersDone.Add(2)
	go m.runEvery(runCtx, "heartbeat", m.opts.HeartbeatInterval, m.heartbeat)
	go m.runEvery(runCtx, "quota_poll", m.opts.QuotaPollInterval, m.pollQuota)
}

func (m *Manager) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer m.tickersDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Printf("metric=session_tick name=%s status=error err=%q", name, err.Error())
				continue
			}
		}
	}
}

// heartbeat reports the playhead while playing. A failed tick is logged and
// the cadence itself is the retry; there is no out-of-band backoff.
func (m *Manager) heartbeat(ctx context.Context) error {
	pos, playing := m.position()
	m.mu.Lock()
	active := m.sess.Status == model.SessionActive
	sessionID := m.sess.ID
	m.mu.Unlock()
	if !playing || !active {
		return nil
	}

	quota, err := m.backend.Heartbeat(ctx, sessionID, pos)
	if err != nil {
		metrics.Default().IncCounter("aria_heartbeats_total", map[string]string{"status": "error"})
		return err
	}
	metrics.Default().IncCounter("aria_heartbeats_total", map[string]string{"status": "ok"})

	m.mu.Lock()
	m.sess.LastHeartbeatAt = time.Now().UTC()
	m.mu.Unlock()
	m.applyQuota(quota)
	return nil
}

// pollQuota refreshes the display quota regardless of playback state.
func (m *Manager) pollQuota(ctx context.Context) error {
	quota, err := m.backend.GetQuota(ctx)
	if err != nil {
		metrics.Default().IncCounter("aria_quota_polls_total", map[string]string{"status": "error"})
		return err
	}
	metrics.Default().IncCounter("aria_quota_polls_total", map[string]string{"status": "ok"})
	m.applyQuota(quota)
	return nil
}

// applyQuota stores the latest quota by arrival order and fires the gate on
// exhaustion. Arrival order can momentarily show stale numbers; that race is
// display-only.
func (m *Manager) applyQuota(q model.Quota) {
	q = q.Normalize()
	m.mu.Lock()
	m.quota = q
	fireGate := q.Exhausted() && !m.gated
	if fireGate {
		m.gated = true
	}
	m.mu.Unlock()

	if !q.Unlimited {
		metrics.Default().SetGauge("aria_quota_remaining_seconds", q.RemainingSeconds, nil)
	}
	if m.hooks.OnQuota != nil {
		m.hooks.OnQuota(q)
	}
	if fireGate && m.hooks.OnLimitReached != nil {
		m.hooks.OnLimitReached()
	}
}

// Complete stops the timers and issues the one completion call for this
// session. Safe to call from any number of teardown paths; only the first
// wins. Failure is logged and swallowed: the session is ending regardless.
func (m *Manager) Complete(positionSeconds float64) {
	m.completeOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.cancel = nil
		sessionID := m.sess.ID
		// A failed session is already terminal and gets no completion call.
		skip := sessionID == 0 || m.sess.Status == model.SessionFailed
		if !skip {
			m.sess.Status = model.SessionCompleted
		}
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		m.tickersDone.Wait()
		if skip {
			return
		}

		// The call runs detached: teardown must not wait on the network, and
		// the context must not inherit teardown cancellation.
		go func() {
			ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := m.backend.Complete(ctx, sessionID, positionSeconds); err != nil {
				metrics.Default().IncCounter("aria_completions_total", map[string]string{"status": "error"})
				log.Printf("metric=session_complete session_id=%d status=error err=%q", sessionID, err.Error())
				return
			}
			metrics.Default().IncCounter("aria_completions_total", map[string]string{"status": "ok"})
			log.Printf("metric=session_complete session_id=%d status=ok position=%.1f", sessionID, positionSeconds)
		}()
	})
}

// Fail marks the session terminal without a completion call, for fatal quota
// errors observed elsewhere.
func (m *Manager) Fail() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.sess.Status = model.SessionFailed
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) Quota() model.Quota {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quota
}

func (m *Manager) Session() model.ListeningSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Gated reports whether playback is blocked on quota exhaustion.
func (m *Manager) Gated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gated
}
