package engine

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Variant is one bitrate rendition from the master playlist.
type Variant struct {
	BandwidthBPS int
	Codecs       string
	URI          *url.URL
}

// SegmentKey is the #EXT-X-KEY directive of a media playlist.
type SegmentKey struct {
	Method string
	URI    string
	IV     []byte
}

// MediaSegment is one time-sliced chunk of the stream.
type MediaSegment struct {
	URI      *url.URL
	Duration float64
	Sequence int64
}

type MediaPlaylist struct {
	Key            *SegmentKey
	TargetDuration float64
	Segments       []MediaSegment
}

func (p MediaPlaylist) TotalDuration() float64 {
	var total float64
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// parseMasterPlaylist reads #EXT-X-STREAM-INF entries. Relative rendition
// URIs resolve against base.
func parseMasterPlaylist(base *url.URL, r io.Reader) ([]Variant, error) {
	sc := bufio.NewScanner(r)
	var (
		variants []Variant
		pending  *Variant
		sawTag   bool
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "#EXTM3U" {
			sawTag = true
			continue
		}
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			bw, _ := strconv.Atoi(attrs["BANDWIDTH"])
			pending = &Variant{BandwidthBPS: bw, Codecs: attrs["CODECS"]}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if pending == nil {
			continue
		}
		u, err := resolveURI(base, line)
		if err != nil {
			return nil, fmt.Errorf("variant uri %q: %w", line, err)
		}
		pending.URI = u
		variants = append(variants, *pending)
		pending = nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawTag {
		return nil, fmt.Errorf("not an m3u8 playlist")
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("master playlist has no variants")
	}
	return variants, nil
}

func parseMediaPlaylist(base *url.URL, r io.Reader) (MediaPlaylist, error) {
	sc := bufio.NewScanner(r)
	var (
		out      MediaPlaylist
		duration float64
		sequence int64
		sawTag   bool
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "#EXTM3U":
			sawTag = true
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			out.TargetDuration, _ = strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			sequence, _ = strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			key, err := parseKey(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			if err != nil {
				return MediaPlaylist{}, err
			}
			out.Key = key
		case strings.HasPrefix(line, "#EXTINF:"):
			val := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(val, ','); i >= 0 {
				val = val[:i]
			}
			duration, _ = strconv.ParseFloat(val, 64)
		case strings.HasPrefix(line, "#"):
			// other tags are irrelevant to audio VOD playback
		default:
			u, err := resolveURI(base, line)
			if err != nil {
				return MediaPlaylist{}, fmt.Errorf("segment uri %q: %w", line, err)
			}
			out.Segments = append(out.Segments, MediaSegment{URI: u, Duration: duration, Sequence: sequence})
			sequence++
			duration = 0
		}
	}
	if err := sc.Err(); err != nil {
		return MediaPlaylist{}, err
	}
	if !sawTag {
		return MediaPlaylist{}, fmt.Errorf("not an m3u8 playlist")
	}
	return out, nil
}

func parseKey(raw string) (*SegmentKey, error) {
	attrs := parseAttributes(raw)
	key := &SegmentKey{Method: attrs["METHOD"], URI: attrs["URI"]}
	if key.Method == "NONE" {
		return nil, nil
	}
	if key.Method != "AES-128" {
		return nil, fmt.Errorf("unsupported key method %q", key.Method)
	}
	if iv := attrs["IV"]; iv != "" {
		hexIV := strings.TrimPrefix(strings.TrimPrefix(iv, "0x"), "0X")
		decoded, err := hex.DecodeString(hexIV)
		if err != nil || len(decoded) != 16 {
			return nil, fmt.Errorf("invalid key IV %q", iv)
		}
		key.IV = decoded
	}
	return key, nil
}

// parseAttributes splits an attribute list, honoring quoted values that may
// contain commas (CODECS="mp4a.40.2,...").
func parseAttributes(raw string) map[string]string {
	out := map[string]string{}
	var (
		key      strings.Builder
		val      strings.Builder
		inVal    bool
		inQuotes bool
	)
	flush := func() {
		if key.Len() > 0 {
			out[key.String()] = val.String()
		}
		key.Reset()
		val.Reset()
		inVal = false
	}
	for _, c := range raw {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == '=' && !inVal:
			inVal = true
		case c == ',' && !inQuotes:
			flush()
		case inVal:
			val.WriteRune(c)
		default:
			key.WriteRune(c)
		}
	}
	flush()
	return out
}

func resolveURI(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return u, nil
	}
	return base.ResolveReference(u), nil
}
