package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mistfm/aria-player/internal/backend"
	"github.com/mistfm/aria-player/internal/history"
	"github.com/mistfm/aria-player/internal/metrics"
	"github.com/mistfm/aria-player/internal/model"
	"github.com/mistfm/aria-player/internal/player"
)

type mockPlayer struct {
	loadFn      func(context.Context, int) error
	playFn      func() error
	pauseFn     func() error
	seekFn      func(float64) error
	stopCalls   int
	statusFn    func() player.Status
	subscribeFn func() (<-chan player.Status, func())
}

func (m *mockPlayer) Load(ctx context.Context, id int) error {
	if m.loadFn != nil {
		return m.loadFn(ctx, id)
	}
	return nil
}

func (m *mockPlayer) Play() error {
	if m.playFn != nil {
		return m.playFn()
	}
	return nil
}

func (m *mockPlayer) Pause() error {
	if m.pauseFn != nil {
		return m.pauseFn()
	}
	return nil
}

func (m *mockPlayer) Seek(pos float64) error {
	if m.seekFn != nil {
		return m.seekFn(pos)
	}
	return nil
}

func (m *mockPlayer) Stop() { m.stopCalls++ }

func (m *mockPlayer) Status() player.Status {
	if m.statusFn != nil {
		return m.statusFn()
	}
	return player.Status{State: player.CoordIdle}
}

func (m *mockPlayer) Subscribe() (<-chan player.Status, func()) {
	if m.subscribeFn != nil {
		return m.subscribeFn()
	}
	ch := make(chan player.Status)
	return ch, func() {}
}

type mockCatalog struct {
	listTracksFn func(context.Context, int, int, string) ([]model.Track, error)
	getTrackFn   func(context.Context, int) (model.Track, error)
	getQuotaFn   func(context.Context) (model.Quota, error)
}

func (m *mockCatalog) ListTracks(ctx context.Context, limit, offset int, genre string) ([]model.Track, error) {
	if m.listTracksFn != nil {
		return m.listTracksFn(ctx, limit, offset, genre)
	}
	return nil, nil
}

func (m *mockCatalog) GetTrack(ctx context.Context, id int) (model.Track, error) {
	if m.getTrackFn != nil {
		return m.getTrackFn(ctx, id)
	}
	return model.Track{}, backend.ErrNotFound
}

func (m *mockCatalog) GetQuota(ctx context.Context) (model.Quota, error) {
	if m.getQuotaFn != nil {
		return m.getQuotaFn(ctx)
	}
	return model.Quota{Unlimited: true}, nil
}

type mockHistory struct {
	recentFn func(context.Context, int) ([]history.Entry, error)
	resumeFn func(context.Context, int) (float64, error)
}

func (m *mockHistory) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	if m.recentFn != nil {
		return m.recentFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockHistory) ResumePosition(ctx context.Context, trackID int) (float64, error) {
	if m.resumeFn != nil {
		return m.resumeFn(ctx, trackID)
	}
	return 0, nil
}

func jsonBody(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func TestLoad_StartsPlaybackWhenRequested(t *testing.T) {
	var loaded int
	playCalls := 0
	mp := &mockPlayer{
		loadFn: func(_ context.Context, id int) error {
			loaded = id
			return nil
		},
		playFn: func() error {
			playCalls++
			return nil
		},
		statusFn: func() player.Status {
			return player.Status{State: player.CoordPlaying, SessionID: 9001}
		},
	}
	router := NewRouter(mp, &mockCatalog{}, &mockHistory{})

	req := httptest.NewRequest(http.MethodPost, "/v1/load", jsonBody(map[string]any{"track_id": 42, "play": true}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if loaded != 42 || playCalls != 1 {
		t.Fatalf("expected load(42)+play, got load=%d play=%d", loaded, playCalls)
	}
	var status player.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != player.CoordPlaying || status.SessionID != 9001 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestLoad_ResumeSeeksToRecordedPosition(t *testing.T) {
	var sought float64
	mp := &mockPlayer{
		seekFn: func(pos float64) error {
			sought = pos
			return nil
		},
	}
	mh := &mockHistory{
		resumeFn: func(_ context.Context, trackID int) (float64, error) {
			if trackID != 42 {
				t.Fatalf("unexpected track id %d", trackID)
			}
			return 61.5, nil
		},
	}
	router := NewRouter(mp, &mockCatalog{}, mh)

	req := httptest.NewRequest(http.MethodPost, "/v1/load", jsonBody(map[string]any{"track_id": 42, "resume": true}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if sought != 61.5 {
		t.Fatalf("expected resume seek to 61.5, got %.1f", sought)
	}
}

func TestLoad_MissingTrackIDRejected(t *testing.T) {
	router := NewRouter(&mockPlayer{}, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodPost, "/v1/load", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLoad_QuotaExceededMapsTo429(t *testing.T) {
	mp := &mockPlayer{
		loadFn: func(context.Context, int) error {
			return &backend.QuotaExceededError{
				Message:     "Daily limit exceeded",
				MinutesUsed: 30,
				QuotaLimit:  30,
				HasDetail:   true,
			}
		},
	}
	router := NewRouter(mp, &mockCatalog{}, &mockHistory{})

	req := httptest.NewRequest(http.MethodPost, "/v1/load", jsonBody(map[string]any{"track_id": 42}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", rr.Code, rr.Body.String())
	}
	var body apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "quota_exceeded" {
		t.Fatalf("unexpected error code %q", body.Error.Code)
	}
	if body.Error.Message != "Daily limit exceeded. Used 30 of 30 minutes today." {
		t.Fatalf("unexpected message %q", body.Error.Message)
	}
}

func TestLoad_UnknownTrackMapsTo404(t *testing.T) {
	mp := &mockPlayer{
		loadFn: func(context.Context, int) error { return backend.ErrNotFound },
	}
	router := NewRouter(mp, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodPost, "/v1/load", jsonBody(map[string]any{"track_id": 404}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPlay_GatedQuotaMapsTo429(t *testing.T) {
	mp := &mockPlayer{
		playFn: func() error { return player.ErrLimitReached },
	}
	router := NewRouter(mp, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodPost, "/v1/play", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestLoad_SupersededMapsTo409(t *testing.T) {
	mp := &mockPlayer{
		loadFn: func(context.Context, int) error { return player.ErrSuperseded },
	}
	router := NewRouter(mp, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodPost, "/v1/load", jsonBody(map[string]any{"track_id": 7}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestPlay_NoTrackMapsTo409(t *testing.T) {
	mp := &mockPlayer{
		playFn: func() error { return player.ErrNoTrack },
	}
	router := NewRouter(mp, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodPost, "/v1/play", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestSeek_RejectsNegativePosition(t *testing.T) {
	router := NewRouter(&mockPlayer{}, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodPost, "/v1/seek", jsonBody(map[string]any{"position_seconds": -3}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStop_AlwaysSucceeds(t *testing.T) {
	mp := &mockPlayer{}
	router := NewRouter(mp, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodPost, "/v1/stop", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if mp.stopCalls != 1 {
		t.Fatalf("expected one stop call, got %d", mp.stopCalls)
	}
}

func TestQuota_ProxiesBackendFigures(t *testing.T) {
	mc := &mockCatalog{
		getQuotaFn: func(context.Context) (model.Quota, error) {
			return model.Quota{TotalSeconds: 1800, UsedSeconds: 600}.Normalize(), nil
		},
	}
	router := NewRouter(&mockPlayer{}, mc, &mockHistory{})
	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		RemainingSeconds float64 `json:"remaining_seconds"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.RemainingSeconds != 1200 {
		t.Fatalf("unexpected remaining %.1f", body.RemainingSeconds)
	}
}

func TestTracks_InvalidIDRejected(t *testing.T) {
	router := NewRouter(&mockPlayer{}, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodGet, "/v1/tracks/abc", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHistory_ReturnsEntries(t *testing.T) {
	mh := &mockHistory{
		recentFn: func(_ context.Context, limit int) ([]history.Entry, error) {
			if limit != 5 {
				t.Fatalf("unexpected limit %d", limit)
			}
			return []history.Entry{{TrackID: 42, Title: "One", Completed: true}}, nil
		},
	}
	router := NewRouter(&mockPlayer{}, &mockCatalog{}, mh)
	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=5", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Entries []history.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].TrackID != 42 {
		t.Fatalf("unexpected entries %+v", body.Entries)
	}
}

func TestMetricsEndpoint_ExposesPrometheusPayload(t *testing.T) {
	metrics.ResetDefaultForTest()
	router := NewRouter(&mockPlayer{}, &mockCatalog{}, &mockHistory{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "# TYPE aria_heartbeats_total counter") {
		t.Fatalf("expected heartbeat counter type, body=%s", rr.Body.String())
	}
}

func TestEvents_StreamsSnapshotThenUpdates(t *testing.T) {
	updates := make(chan player.Status, 2)
	mp := &mockPlayer{
		statusFn: func() player.Status {
			return player.Status{State: player.CoordReady, SessionID: 9001}
		},
		subscribeFn: func() (<-chan player.Status, func()) {
			return updates, func() {}
		},
	}
	srv := httptest.NewServer(NewRouter(mp, &mockCatalog{}, &mockHistory{}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	var first player.Status
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if first.State != player.CoordReady {
		t.Fatalf("unexpected initial snapshot %+v", first)
	}

	updates <- player.Status{State: player.CoordPlaying, SessionID: 9001, Position: 4.5}
	var second player.Status
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if second.State != player.CoordPlaying || second.Position != 4.5 {
		t.Fatalf("unexpected update %+v", second)
	}
}
