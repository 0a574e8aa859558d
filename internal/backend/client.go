// Package backend is the REST client for the music service: catalogue
// lookups, stream manifests, and the listening session endpoints that accrue
// quota server-side.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistfm/aria-player/internal/auth"
	"github.com/mistfm/aria-player/internal/model"
)

type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
}

func NewClient(baseURL string, tokens auth.TokenSource, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

type trackPayload struct {
	ID       int     `json:"track_id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist_name"`
	Album    string  `json:"album_title"`
	Genre    string  `json:"genre_top"`
	Duration float64 `json:"duration_sec"`
}

type quotaPayload struct {
	HasQuota         bool    `json:"has_quota"`
	QuotaLimit       float64 `json:"quota_limit"`
	MinutesUsed      float64 `json:"minutes_used"`
	MinutesRemaining float64 `json:"minutes_remaining"`
	Unlimited        bool    `json:"unlimited"`
}

// toModel converts the backend's minutes-denominated quota to seconds and
// re-derives the remaining figure locally.
func (p quotaPayload) toModel() model.Quota {
	q := model.Quota{
		Unlimited:    p.Unlimited,
		TotalSeconds: p.QuotaLimit * 60,
		UsedSeconds:  p.MinutesUsed * 60,
	}
	return q.Normalize()
}

func (c *Client) GetTrack(ctx context.Context, trackID int) (model.Track, error) {
	var body struct {
		Track trackPayload `json:"track"`
	}
	if err := c.get(ctx, fmt.Sprintf("/tracks/%d", trackID), &body); err != nil {
		return model.Track{}, fmt.Errorf("get track %d: %w", trackID, err)
	}
	return trackFromPayload(body.Track), nil
}

func (c *Client) ListTracks(ctx context.Context, limit, offset int, genre string) ([]model.Track, error) {
	path := fmt.Sprintf("/tracks/?limit=%d&offset=%d", limit, offset)
	if genre != "" {
		path += "&genre=" + genre
	}
	var body struct {
		Tracks []trackPayload `json:"tracks"`
	}
	if err := c.get(ctx, path, &body); err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	out := make([]model.Track, 0, len(body.Tracks))
	for _, p := range body.Tracks {
		out = append(out, trackFromPayload(p))
	}
	return out, nil
}

func (c *Client) GetStreamManifest(ctx context.Context, trackID int) (model.StreamManifest, error) {
	var body struct {
		TrackID     int     `json:"trackId"`
		StreamURL   string  `json:"streamUrl"`
		KeyEndpoint string  `json:"keyEndpoint"`
		Duration    float64 `json:"duration"`
		Encrypted   bool    `json:"encrypted"`
	}
	if err := c.get(ctx, fmt.Sprintf("/tracks/%d/stream", trackID), &body); err != nil {
		return model.StreamManifest{}, fmt.Errorf("get stream manifest %d: %w", trackID, err)
	}
	return model.StreamManifest{
		TrackID:         body.TrackID,
		StreamURL:       body.StreamURL,
		KeyEndpoint:     body.KeyEndpoint,
		DurationSeconds: body.Duration,
		Encrypted:       body.Encrypted,
	}, nil
}

// StartListen opens a listening session for the track. A 429 comes back as a
// *QuotaExceededError carrying whatever usage detail the backend included.
func (c *Client) StartListen(ctx context.Context, trackID int) (model.ListeningSession, model.Quota, error) {
	var body struct {
		SessionID int64        `json:"session_id"`
		TrackID   int          `json:"track_id"`
		Quota     quotaPayload `json:"quota"`
	}
	err := c.post(ctx, "/listen/start", map[string]any{"track_id": trackID}, &body)
	if err != nil {
		return model.ListeningSession{}, model.Quota{}, fmt.Errorf("start listen %d: %w", trackID, err)
	}
	sess := model.ListeningSession{
		ID:        body.SessionID,
		TrackID:   trackID,
		StartedAt: time.Now().UTC(),
		Status:    model.SessionActive,
	}
	return sess, body.Quota.toModel(), nil
}

func (c *Client) Heartbeat(ctx context.Context, sessionID int64, positionSeconds float64) (model.Quota, error) {
	var body struct {
		Quota quotaPayload `json:"quota"`
	}
	err := c.post(ctx, "/listen/heartbeat", map[string]any{
		"session_id":   sessionID,
		"current_time": positionSeconds,
	}, &body)
	if err != nil {
		return model.Quota{}, fmt.Errorf("heartbeat session %d: %w", sessionID, err)
	}
	return body.Quota.toModel(), nil
}

// Complete reports the final position. Callers treat failure as best-effort;
// the response quota is returned for whoever still cares.
func (c *Client) Complete(ctx context.Context, sessionID int64, positionSeconds float64) error {
	err := c.post(ctx, "/listen/complete", map[string]any{
		"session_id":     sessionID,
		"total_duration": positionSeconds,
	}, nil)
	if err != nil {
		return fmt.Errorf("complete session %d: %w", sessionID, err)
	}
	return nil
}

func (c *Client) GetQuota(ctx context.Context) (model.Quota, error) {
	var body struct {
		Quota quotaPayload `json:"quota"`
	}
	if err := c.get(ctx, "/listen/quota", &body); err != nil {
		return model.Quota{}, fmt.Errorf("get quota: %w", err)
	}
	return body.Quota.toModel(), nil
}

func trackFromPayload(p trackPayload) model.Track {
	return model.Track{
		ID:              p.ID,
		Title:           p.Title,
		Artist:          p.Artist,
		Album:           p.Album,
		Genre:           p.Genre,
		DurationSeconds: p.Duration,
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, raw, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// quotaDetail is the structured 429 body. FastAPI wraps HTTPException detail
// in {"detail": {...}}, so both the wrapped and flat forms are accepted.
type quotaDetail struct {
	Error       string  `json:"error"`
	QuotaLimit  float64 `json:"quota_limit"`
	MinutesUsed float64 `json:"minutes_used"`
}

func classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode == http.StatusTooManyRequests {
		var wrapped struct {
			Detail json.RawMessage `json:"detail"`
		}
		detailRaw := raw
		if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Detail) > 0 {
			detailRaw = wrapped.Detail
		}
		var detail quotaDetail
		if err := json.Unmarshal(detailRaw, &detail); err == nil && detail.Error != "" {
			return &QuotaExceededError{
				Message:     detail.Error,
				MinutesUsed: detail.MinutesUsed,
				QuotaLimit:  detail.QuotaLimit,
				HasDetail:   true,
			}
		}
		return &QuotaExceededError{}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return &StatusError{Code: resp.StatusCode, Detail: extractDetail(raw)}
}

func extractDetail(raw []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Detail == nil {
		return ""
	}
	switch d := body.Detail.(type) {
	case string:
		return d
	default:
		out, err := json.Marshal(d)
		if err != nil {
			return ""
		}
		return string(out)
	}
}
