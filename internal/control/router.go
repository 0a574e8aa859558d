// Package control exposes the local HTTP surface of the player daemon.
// Everything binds to loopback by default; the daemon trusts its callers
// the way any local media control socket does.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mistfm/aria-player/internal/history"
	"github.com/mistfm/aria-player/internal/metrics"
	"github.com/mistfm/aria-player/internal/model"
	"github.com/mistfm/aria-player/internal/player"
)

// Player is the slice of the coordinator the control surface drives.
type Player interface {
	Load(ctx context.Context, trackID int) error
	Play() error
	Pause() error
	Seek(positionSeconds float64) error
	Stop()
	Status() player.Status
	Subscribe() (<-chan player.Status, func())
}

// Catalog proxies read-only backend lookups for UIs that talk only to the
// daemon.
type Catalog interface {
	ListTracks(ctx context.Context, limit, offset int, genre string) ([]model.Track, error)
	GetTrack(ctx context.Context, trackID int) (model.Track, error)
	GetQuota(ctx context.Context) (model.Quota, error)
}

// History reads the local playback record.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	ResumePosition(ctx context.Context, trackID int) (float64, error)
}

type Server struct {
	player  Player
	catalog Catalog
	history History
}

func NewRouter(p Player, cat Catalog, hist History) http.Handler {
	s := &Server{player: p, catalog: cat, history: hist}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/v1", func(v1 chi.Router) {
		// Load waits on manifest resolution and session start upstream. The
		// events websocket stays outside the timeout, it lives as long as the
		// subscriber does.
		v1.Group(func(rest chi.Router) {
			rest.Use(middleware.Timeout(30 * time.Second))
			rest.Get("/status", s.handleStatus)
			rest.Post("/load", s.handleLoad)
			rest.Post("/play", s.handlePlay)
			rest.Post("/pause", s.handlePause)
			rest.Post("/stop", s.handleStop)
			rest.Post("/seek", s.handleSeek)
			rest.Get("/quota", s.handleQuota)
			rest.Get("/tracks", s.handleTracks)
			rest.Get("/tracks/{trackID}", s.handleTrack)
			rest.Get("/history", s.handleHistory)
		})
		v1.Get("/events", s.handleEvents)
	})

	return r
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
