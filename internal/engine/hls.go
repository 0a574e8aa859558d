package engine

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mistfm/aria-player/internal/keyredirect"
	"github.com/mistfm/aria-player/internal/model"
)

const (
	// bufferAheadSeconds is how far past the playhead the fetch loop keeps
	// the buffer filled.
	bufferAheadSeconds = 30.0
	positionTick       = 500 * time.Millisecond
)

type HLSOptions struct {
	// Client performs playlist, key, and segment fetches. Production wiring
	// installs the key redirector as its transport.
	Client *http.Client
	// Sink receives decrypted MPEG-TS bytes in stream order. Defaults to
	// io.Discard; deployments pipe it into a decoder.
	Sink io.Writer
}

// HLSEngine plays encrypted adaptive-bitrate audio: master playlist, variant
// selection by measured throughput, AES-128 segment decryption. One instance
// per attach cycle.
type HLSEngine struct {
	client *http.Client
	sink   io.Writer
	events chan Event

	mu         sync.Mutex
	destroyed  bool
	playing    bool
	manifest   model.StreamManifest
	variants   []Variant
	variantIdx int
	playlist   MediaPlaylist
	key        []byte
	duration   float64
	position   float64
	downloaded []bool
	loadCtx    context.Context
	loadCancel context.CancelFunc
	stopTick   chan struct{}
}

func NewHLSEngine(opts HLSOptions) *HLSEngine {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	sink := opts.Sink
	if sink == nil {
		sink = io.Discard
	}
	return &HLSEngine{client: client, sink: sink, events: make(chan Event, 64)}
}

// NewHLSFactory returns an engine factory that routes key fetches through the
// given redirector.
func NewHLSFactory(redirector *keyredirect.Redirector, sink io.Writer) Factory {
	client := &http.Client{Transport: redirector, Timeout: 30 * time.Second}
	return func() Engine {
		return NewHLSEngine(HLSOptions{Client: client, Sink: sink})
	}
}

func (e *HLSEngine) Load(ctx context.Context, manifest model.StreamManifest) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return fmt.Errorf("engine destroyed")
	}
	loadCtx, cancel := context.WithCancel(ctx)
	e.manifest = manifest
	e.loadCtx = loadCtx
	e.loadCancel = cancel
	e.mu.Unlock()

	go e.load(loadCtx, false)
	return nil
}

// load runs the attach pipeline. When resume is true the playlist and
// position survive and only fetching restarts.
func (e *HLSEngine) load(ctx context.Context, resume bool) {
	e.mu.Lock()
	manifest := e.manifest
	e.mu.Unlock()

	if !resume {
		streamURL, err := url.Parse(manifest.StreamURL)
		if err != nil {
			e.fail(ErrorNotSupported, true, fmt.Errorf("stream url: %w", err))
			return
		}

		body, err := e.fetch(ctx, streamURL.String())
		if err != nil {
			e.failFetch(err)
			return
		}
		variants, masterErr := parseMasterPlaylist(streamURL, bytesReader(body))

		var playlist MediaPlaylist
		var chosen int
		if masterErr == nil {
			chosen = startVariant(variants)
			plBody, err := e.fetch(ctx, variants[chosen].URI.String())
			if err != nil {
				e.failFetch(err)
				return
			}
			playlist, err = parseMediaPlaylist(variants[chosen].URI, bytesReader(plBody))
			if err != nil {
				e.fail(ErrorMedia, true, err)
				return
			}
		} else {
			// Some streams hand out the variant playlist directly.
			var err error
			playlist, err = parseMediaPlaylist(streamURL, bytesReader(body))
			if err != nil {
				e.fail(ErrorNotSupported, true, fmt.Errorf("unplayable manifest: %w", err))
				return
			}
			variants = nil
			chosen = 0
		}

		duration := playlist.TotalDuration()
		if duration == 0 {
			duration = manifest.DurationSeconds
		}

		e.mu.Lock()
		e.variants = variants
		e.variantIdx = chosen
		e.playlist = playlist
		e.duration = duration
		e.downloaded = make([]bool, len(playlist.Segments))
		e.mu.Unlock()
	}

	if manifest.Encrypted {
		if err := e.fetchKey(ctx); err != nil {
			return
		}
	}

	if !resume {
		e.emit(Event{Type: EventManifestParsed, Duration: e.snapshotDuration()})
	}
	e.fetchLoop(ctx)
}

func (e *HLSEngine) fetchKey(ctx context.Context) error {
	e.mu.Lock()
	keyDirective := e.playlist.Key
	e.mu.Unlock()
	if keyDirective == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyDirective.URI, nil)
	if err != nil {
		e.fail(ErrorMedia, true, fmt.Errorf("key uri: %w", err))
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.fail(ErrorNetwork, true, fmt.Errorf("key fetch: %w", err))
		return err
	}
	defer resp.Body.Close()
	if keyredirect.IsAuthStatus(resp.StatusCode) {
		err := fmt.Errorf("key fetch rejected with status %d", resp.StatusCode)
		e.fail(ErrorKeyAuth, true, err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("key fetch returned status %d", resp.StatusCode)
		e.fail(ErrorNetwork, true, err)
		return err
	}
	key, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		e.fail(ErrorNetwork, true, fmt.Errorf("key read: %w", err))
		return err
	}
	if len(key) != 16 {
		err := fmt.Errorf("key must be 16 bytes, got %d", len(key))
		e.fail(ErrorMedia, true, err)
		return err
	}

	e.mu.Lock()
	e.key = key
	e.mu.Unlock()
	return nil
}

// fetchLoop keeps the buffer filled ahead of the playhead, one segment at a
// time, downshifting the variant when the network cannot keep up.
func (e *HLSEngine) fetchLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		idx, seg, ok := e.nextWanted()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(positionTick):
				continue
			}
		}

		started := time.Now()
		raw, err := e.fetch(ctx, seg.URI.String())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.failFetch(err)
			return
		}
		elapsed := time.Since(started).Seconds()

		data, err := e.decrypt(raw, seg)
		if err != nil {
			e.fail(ErrorMedia, true, err)
			return
		}
		if _, err := e.sink.Write(data); err != nil {
			e.fail(ErrorInternal, true, fmt.Errorf("sink write: %w", err))
			return
		}

		e.mu.Lock()
		if idx < len(e.downloaded) {
			e.downloaded[idx] = true
		}
		pos := e.position
		buffered := e.bufferedLocked()
		e.mu.Unlock()

		e.adaptVariant(ctx, elapsed, seg.Duration)
		e.emit(Event{Type: EventPosition, Position: pos, Buffered: buffered})
	}
}

// nextWanted picks the first missing segment inside the buffer-ahead window.
func (e *HLSEngine) nextWanted() (int, MediaSegment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var offset float64
	for i, seg := range e.playlist.Segments {
		if !e.downloaded[i] && offset <= e.position+bufferAheadSeconds {
			return i, seg, true
		}
		offset += seg.Duration
	}
	return 0, MediaSegment{}, false
}

func (e *HLSEngine) decrypt(raw []byte, seg MediaSegment) ([]byte, error) {
	e.mu.Lock()
	key := e.key
	directive := e.playlist.Key
	e.mu.Unlock()
	if key == nil {
		return raw, nil
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("segment %d: ciphertext length %d not block aligned", seg.Sequence, len(raw))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", seg.Sequence, err)
	}
	iv := directive.IV
	if iv == nil {
		// Default HLS IV: media sequence number, big-endian in 16 bytes.
		iv = make([]byte, 16)
		binary.BigEndian.PutUint64(iv[8:], uint64(seg.Sequence))
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	// Strip PKCS#7 padding from the final block.
	pad := int(out[len(out)-1])
	if pad > 0 && pad <= aes.BlockSize && pad <= len(out) {
		out = out[:len(out)-pad]
	}
	return out, nil
}

// adaptVariant downshifts when a segment took longer to fetch than to play,
// and creeps back up when fetches are comfortably fast.
func (e *HLSEngine) adaptVariant(ctx context.Context, fetchSeconds, segSeconds float64) {
	if segSeconds <= 0 {
		return
	}
	e.mu.Lock()
	if len(e.variants) < 2 {
		e.mu.Unlock()
		return
	}
	target := e.variantIdx
	switch {
	case fetchSeconds > segSeconds*0.8 && target > 0:
		target--
	case fetchSeconds < segSeconds*0.2 && target < len(e.variants)-1:
		target++
	}
	if target == e.variantIdx {
		e.mu.Unlock()
		return
	}
	variant := e.variants[target]
	e.mu.Unlock()

	plBody, err := e.fetch(ctx, variant.URI.String())
	if err != nil {
		// Stay on the current variant; the next segment retries adaptation.
		log.Printf("variant_switch status=error bandwidth=%d err=%v", variant.BandwidthBPS, err)
		return
	}
	playlist, err := parseMediaPlaylist(variant.URI, bytesReader(plBody))
	if err != nil || len(playlist.Segments) != len(e.snapshotSegments()) {
		log.Printf("variant_switch status=mismatch bandwidth=%d", variant.BandwidthBPS)
		return
	}

	e.mu.Lock()
	// Segment timing is identical across renditions of the same source, so
	// the downloaded map carries over.
	key := e.playlist.Key
	playlist.Key = key
	e.playlist = playlist
	e.variantIdx = target
	e.mu.Unlock()
	log.Printf("variant_switch status=ok bandwidth=%d", variant.BandwidthBPS)
}

func (e *HLSEngine) Play() error {
	e.mu.Lock()
	if e.destroyed || e.playing {
		e.mu.Unlock()
		return nil
	}
	e.playing = true
	stop := make(chan struct{})
	e.stopTick = stop
	e.mu.Unlock()

	e.emit(Event{Type: EventPlaying})
	go e.tick(stop)
	return nil
}

// tick advances the playhead against wall time, stalling at the buffered
// frontier instead of skipping unfetched media.
func (e *HLSEngine) tick(stop chan struct{}) {
	ticker := time.NewTicker(positionTick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			advance := now.Sub(last).Seconds()
			last = now
			frontier := bufferedEndAt(e.bufferedLocked(), e.position)
			pos := e.position + advance
			if pos > frontier {
				pos = frontier
			}
			ended := e.duration > 0 && pos >= e.duration
			if ended {
				pos = e.duration
				e.playing = false
			}
			e.position = pos
			buffered := e.bufferedLocked()
			e.mu.Unlock()

			e.emit(Event{Type: EventPosition, Position: pos, Buffered: buffered})
			if ended {
				e.emit(Event{Type: EventEnded, Position: pos})
				return
			}
		}
	}
}

func (e *HLSEngine) Pause() error {
	e.mu.Lock()
	if !e.playing {
		e.mu.Unlock()
		return nil
	}
	e.playing = false
	close(e.stopTick)
	e.stopTick = nil
	e.mu.Unlock()
	e.emit(Event{Type: EventPaused})
	return nil
}

func (e *HLSEngine) Seek(positionSeconds float64) error {
	e.mu.Lock()
	if positionSeconds < 0 {
		positionSeconds = 0
	}
	if e.duration > 0 && positionSeconds > e.duration {
		positionSeconds = e.duration
	}
	e.position = positionSeconds
	buffered := e.bufferedLocked()
	e.mu.Unlock()
	e.emit(Event{Type: EventPosition, Position: positionSeconds, Buffered: buffered})
	return nil
}

func (e *HLSEngine) StartLoad() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return fmt.Errorf("engine destroyed")
	}
	if e.loadCancel != nil {
		e.loadCancel()
	}
	parent := context.Background()
	ctx, cancel := context.WithCancel(parent)
	e.loadCtx = ctx
	e.loadCancel = cancel
	resume := e.playlist.Segments != nil
	e.mu.Unlock()

	go e.load(ctx, resume)
	return nil
}

func (e *HLSEngine) RecoverMedia() error {
	// Media recovery re-fetches the key and restarts fetching; decoded state
	// lives downstream of the sink and is not ours to reset.
	return e.StartLoad()
}

func (e *HLSEngine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.playing = false
	if e.stopTick != nil {
		close(e.stopTick)
		e.stopTick = nil
	}
	cancel := e.loadCancel
	e.loadCancel = nil
	// Closing under the lock pairs with emit, which sends under the same
	// lock; the event pump exits when the channel drains.
	close(e.events)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *HLSEngine) Events() <-chan Event { return e.events }

func (e *HLSEngine) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (e *HLSEngine) failFetch(err error) {
	e.fail(ErrorNetwork, true, err)
}

func (e *HLSEngine) fail(kind ErrorKind, fatal bool, err error) {
	e.emit(Event{Type: EventError, Err: &EngineError{Kind: kind, Fatal: fatal, Err: err}})
}

func (e *HLSEngine) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

// bufferedLocked rebuilds the contiguous downloaded ranges from scratch.
// Callers hold e.mu.
func (e *HLSEngine) bufferedLocked() []model.BufferedRange {
	var (
		out    []model.BufferedRange
		offset float64
		open   *model.BufferedRange
	)
	for i, seg := range e.playlist.Segments {
		start, end := offset, offset+seg.Duration
		offset = end
		if !e.downloaded[i] {
			open = nil
			continue
		}
		if e.duration > 0 && end > e.duration {
			end = e.duration
		}
		if open != nil && open.End >= start {
			open.End = end
			continue
		}
		out = append(out, model.BufferedRange{Start: start, End: end})
		open = &out[len(out)-1]
	}
	return out
}

func (e *HLSEngine) snapshotDuration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *HLSEngine) snapshotSegments() []MediaSegment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playlist.Segments
}

// bufferedEndAt returns the end of the buffered range containing pos, or pos
// itself when the playhead sits in a gap.
func bufferedEndAt(ranges []model.BufferedRange, pos float64) float64 {
	for _, r := range ranges {
		if pos >= r.Start && pos <= r.End {
			return r.End
		}
	}
	return pos
}

// startVariant picks the middle rendition so the first segments arrive fast
// while adaptation settles.
func startVariant(variants []Variant) int {
	return len(variants) / 2
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }
