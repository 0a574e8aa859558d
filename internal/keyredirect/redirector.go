// Package keyredirect relocates and authenticates the playback engine's
// decryption-key fetches. Encrypted manifests produced by the ingest pipeline
// historically embed key URIs pointing at internal addresses; this transport
// rewrites those to the public key endpoint the stream manifest declares.
package keyredirect

import (
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/mistfm/aria-player/internal/auth"
	"github.com/mistfm/aria-player/internal/metrics"
)

const keyPathMarker = "/keys/"

// Redirector is an http.RoundTripper. It only retargets key requests; the
// engine's own caching and retry behavior sees ordinary responses.
type Redirector struct {
	base          http.RoundTripper
	tokens        auth.TokenSource
	internalHosts []string

	mu          sync.RWMutex
	keyEndpoint *url.URL
}

func New(base http.RoundTripper, tokens auth.TokenSource, internalHosts []string) *Redirector {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Redirector{base: base, tokens: tokens, internalHosts: internalHosts}
}

// SetKeyEndpoint installs the public key endpoint from the current manifest.
// An empty endpoint (unencrypted stream, or teardown) disables rewriting.
func (r *Redirector) SetKeyEndpoint(endpoint string) {
	var parsed *url.URL
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			log.Printf("key_endpoint status=invalid endpoint=%q err=%v", endpoint, err)
		} else {
			parsed = u
		}
	}
	r.mu.Lock()
	r.keyEndpoint = parsed
	r.mu.Unlock()
}

func (r *Redirector) RoundTrip(req *http.Request) (*http.Response, error) {
	if !r.isKeyRequest(req.URL) {
		return r.base.RoundTrip(req)
	}

	r.mu.RLock()
	endpoint := r.keyEndpoint
	r.mu.RUnlock()

	// Clone before touching anything: RoundTrippers must not mutate the
	// caller's request.
	out := req.Clone(req.Context())
	if endpoint != nil && r.isInternal(req.URL) {
		rewritten := *endpoint
		out.URL = &rewritten
		out.Host = rewritten.Host
	}
	if token := r.tokens.Token(); token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.base.RoundTrip(out)
	status := "error"
	if err == nil {
		status = statusClass(resp.StatusCode)
	}
	metrics.Default().IncCounter("aria_key_requests_total", map[string]string{"status": status})
	return resp, err
}

// isKeyRequest matches both the legacy internal URIs embedded in encrypted
// manifests and the public key endpoint itself.
func (r *Redirector) isKeyRequest(u *url.URL) bool {
	if !strings.Contains(u.Path, keyPathMarker) {
		return false
	}
	if r.isInternal(u) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keyEndpoint != nil && u.Host == r.keyEndpoint.Host
}

func (r *Redirector) isInternal(u *url.URL) bool {
	for _, h := range r.internalHosts {
		if u.Host == h {
			return true
		}
	}
	return false
}

// IsAuthStatus reports whether a key response indicates an auth problem
// rather than a network one. The adapter escalates these differently.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "ok"
	case IsAuthStatus(code):
		return "auth"
	default:
		return "error"
	}
}
