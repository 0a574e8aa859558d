package player

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mistfm/aria-player/internal/metrics"
	"github.com/mistfm/aria-player/internal/model"
)

// ResolveBackend is the slice of the backend client the resolver needs.
type ResolveBackend interface {
	GetTrack(ctx context.Context, trackID int) (model.Track, error)
	GetStreamManifest(ctx context.Context, trackID int) (model.StreamManifest, error)
	StartListen(ctx context.Context, trackID int) (model.ListeningSession, model.Quota, error)
}

// Resolution is everything a playback attempt needs: metadata, the playable
// manifest, a fresh session, and the quota reported at session start.
type Resolution struct {
	Track    model.Track
	Manifest model.StreamManifest
	Session  model.ListeningSession
	Quota    model.Quota
}

// Resolver turns a track identifier into a Resolution. The three backend
// calls run concurrently; the first failure cancels the rest and wins.
type Resolver struct {
	backend ResolveBackend
}

func NewResolver(b ResolveBackend) *Resolver {
	return &Resolver{backend: b}
}

// Resolve issues exactly one session-start call per attempt. A retried
// resolution gets a new session; stale sessions are never reused.
func (r *Resolver) Resolve(ctx context.Context, trackID int) (Resolution, error) {
	started := time.Now()
	var out Resolution

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		track, err := r.backend.GetTrack(gctx, trackID)
		if err != nil {
			return err
		}
		out.Track = track
		return nil
	})
	g.Go(func() error {
		manifest, err := r.backend.GetStreamManifest(gctx, trackID)
		if err != nil {
			return err
		}
		out.Manifest = manifest
		return nil
	})
	g.Go(func() error {
		sess, quota, err := r.backend.StartListen(gctx, trackID)
		if err != nil {
			return err
		}
		out.Session = sess
		out.Quota = quota.Normalize()
		return nil
	})

	err := g.Wait()
	durMS := float64(time.Since(started).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("aria_resolutions_total", map[string]string{"status": status})
	metrics.Default().ObserveHistogram("aria_resolution_latency_ms", durMS, map[string]string{"status": status})
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve track %d: %w", trackID, err)
	}
	return out, nil
}
