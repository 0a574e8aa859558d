package engine

import (
	"math"
	"net/url"
	"strings"
	"testing"
)

const masterFixture = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.2"
64k/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
128k/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=192000,CODECS="mp4a.40.2"
192k/playlist.m3u8
`

const mediaFixture = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="http://localhost:8000/keys/key_0",IV=0x00000000000000000000000000000001
#EXTINF:10.0,
segment_000.ts
#EXTINF:10.0,
segment_001.ts
#EXTINF:7.4,
segment_002.ts
#EXT-X-ENDLIST
`

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return u
}

func TestParseMasterPlaylist_VariantsResolveAgainstBase(t *testing.T) {
	base := mustURL(t, "http://cdn.test/hls/42/master.m3u8")
	variants, err := parseMasterPlaylist(base, strings.NewReader(masterFixture))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(variants) != 3 {
		t.Fatalf("expected 3 variants, got %d", len(variants))
	}
	if variants[0].BandwidthBPS != 64000 || variants[2].BandwidthBPS != 192000 {
		t.Fatalf("unexpected bandwidths %+v", variants)
	}
	if got := variants[1].URI.String(); got != "http://cdn.test/hls/42/128k/playlist.m3u8" {
		t.Fatalf("unexpected resolved uri %q", got)
	}
	if variants[0].Codecs != "mp4a.40.2" {
		t.Fatalf("unexpected codecs %q", variants[0].Codecs)
	}
}

func TestParseMasterPlaylist_RejectsNonPlaylist(t *testing.T) {
	if _, err := parseMasterPlaylist(nil, strings.NewReader("<html>not found</html>")); err == nil {
		t.Fatal("expected error for non-m3u8 input")
	}
}

func TestParseMediaPlaylist_SegmentsKeysAndSequence(t *testing.T) {
	base := mustURL(t, "http://cdn.test/hls/42/128k/playlist.m3u8")
	pl, err := parseMediaPlaylist(base, strings.NewReader(mediaFixture))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pl.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(pl.Segments))
	}
	if pl.TargetDuration != 10 {
		t.Fatalf("unexpected target duration %.1f", pl.TargetDuration)
	}
	if pl.Key == nil || pl.Key.Method != "AES-128" {
		t.Fatalf("expected AES-128 key directive, got %+v", pl.Key)
	}
	if pl.Key.URI != "http://localhost:8000/keys/key_0" {
		t.Fatalf("unexpected key uri %q", pl.Key.URI)
	}
	if len(pl.Key.IV) != 16 || pl.Key.IV[15] != 1 {
		t.Fatalf("unexpected IV %x", pl.Key.IV)
	}
	if pl.Segments[2].Sequence != 2 || pl.Segments[2].Duration != 7.4 {
		t.Fatalf("unexpected final segment %+v", pl.Segments[2])
	}
	if got := pl.Segments[0].URI.String(); got != "http://cdn.test/hls/42/128k/segment_000.ts" {
		t.Fatalf("unexpected segment uri %q", got)
	}
	if total := pl.TotalDuration(); math.Abs(total-27.4) > 1e-9 {
		t.Fatalf("unexpected total duration %.1f", total)
	}
}

func TestParseMediaPlaylist_UnsupportedKeyMethodFails(t *testing.T) {
	playlist := strings.ReplaceAll(mediaFixture, "AES-128", "SAMPLE-AES")
	if _, err := parseMediaPlaylist(nil, strings.NewReader(playlist)); err == nil {
		t.Fatal("expected error for unsupported key method")
	}
}

func TestParseMediaPlaylist_KeyMethodNoneMeansClear(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXT-X-KEY:METHOD=NONE
#EXTINF:10.0,
segment_000.ts
`
	pl, err := parseMediaPlaylist(nil, strings.NewReader(playlist))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pl.Key != nil {
		t.Fatalf("METHOD=NONE should clear the key, got %+v", pl.Key)
	}
}

func TestParseAttributes_QuotedCommas(t *testing.T) {
	attrs := parseAttributes(`BANDWIDTH=128000,CODECS="mp4a.40.2,avc1.64001f",NAME="128k"`)
	if attrs["BANDWIDTH"] != "128000" {
		t.Fatalf("unexpected bandwidth %q", attrs["BANDWIDTH"])
	}
	if attrs["CODECS"] != "mp4a.40.2,avc1.64001f" {
		t.Fatalf("quoted comma split incorrectly: %q", attrs["CODECS"])
	}
	if attrs["NAME"] != "128k" {
		t.Fatalf("unexpected name %q", attrs["NAME"])
	}
}

func TestStartVariant_PicksMiddleRendition(t *testing.T) {
	variants := []Variant{{BandwidthBPS: 64000}, {BandwidthBPS: 128000}, {BandwidthBPS: 192000}}
	if got := startVariant(variants); got != 1 {
		t.Fatalf("expected middle variant, got %d", got)
	}
}
