package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mistfm/aria-player/internal/backend"
	"github.com/mistfm/aria-player/internal/history"
	"github.com/mistfm/aria-player/internal/player"
)

type loadRequest struct {
	TrackID int  `json:"track_id"`
	Play    bool `json:"play"`
	Resume  bool `json:"resume"`
}

type seekRequest struct {
	PositionSeconds float64 `json:"position_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TrackID <= 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "track_id is required")
		return
	}

	if err := s.player.Load(r.Context(), req.TrackID); err != nil {
		writePlayerError(w, err)
		return
	}

	if req.Resume && s.history != nil {
		if pos, err := s.history.ResumePosition(r.Context(), req.TrackID); err == nil && pos > 0 {
			_ = s.player.Seek(pos)
		}
	}
	if req.Play {
		if err := s.player.Play(); err != nil {
			writePlayerError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handlePlay(w http.ResponseWriter, _ *http.Request) {
	if err := s.player.Play(); err != nil {
		writePlayerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	if err := s.player.Pause(); err != nil {
		writePlayerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.player.Stop()
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PositionSeconds < 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "position_seconds must be >= 0")
		return
	}
	if err := s.player.Seek(req.PositionSeconds); err != nil {
		writePlayerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.catalog.GetQuota(r.Context())
	if err != nil {
		writeBackendError(w, err, "failed to query quota")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unlimited":         q.Unlimited,
		"total_seconds":     q.TotalSeconds,
		"used_seconds":      q.UsedSeconds,
		"remaining_seconds": q.RemainingSeconds,
	})
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	genre := r.URL.Query().Get("genre")
	tracks, err := s.catalog.ListTracks(r.Context(), limit, offset, genre)
	if err != nil {
		writeBackendError(w, err, "failed to list tracks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "trackID"))
	if err != nil || id <= 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "trackID must be a positive integer")
		return
	}
	track, err := s.catalog.GetTrack(r.Context(), id)
	if err != nil {
		writeBackendError(w, err, "failed to fetch track")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"track": track})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	entries, err := s.history.Recent(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writePlayerError(w http.ResponseWriter, err error) {
	var quotaErr *backend.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		writeAPIError(w, http.StatusTooManyRequests, "quota_exceeded", quotaErr.UserMessage())
	case errors.Is(err, player.ErrLimitReached):
		writeAPIError(w, http.StatusTooManyRequests, "quota_exceeded", "Daily listening limit reached.")
	case errors.Is(err, backend.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "track not found")
	case errors.Is(err, player.ErrNoTrack):
		writeAPIError(w, http.StatusConflict, "no_track", "no track is loaded")
	case errors.Is(err, player.ErrSuperseded):
		writeAPIError(w, http.StatusConflict, "superseded", "a newer load took over")
	default:
		writeAPIError(w, http.StatusBadGateway, "load_failed", err.Error())
	}
}

func writeBackendError(w http.ResponseWriter, err error, fallback string) {
	var statusErr *backend.StatusError
	switch {
	case errors.Is(err, backend.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "not found")
	case errors.As(err, &statusErr):
		writeAPIError(w, http.StatusBadGateway, "upstream_error", statusErr.Error())
	default:
		writeAPIError(w, http.StatusBadGateway, "upstream_error", fallback)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
