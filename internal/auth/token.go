package auth

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token attached to backend and key requests.
// An empty token means anonymous playback; the backend permits it with a
// reduced quota.
type TokenSource interface {
	Token() string
}

// StaticTokenSource returns a fixed token. Zero value is anonymous.
type StaticTokenSource struct {
	Value string
}

func (s StaticTokenSource) Token() string { return s.Value }

// FileTokenSource reads a persisted credential file (one token per file,
// written by the login tool) and hot-reloads it when the file changes.
type FileTokenSource struct {
	path string

	mu      sync.RWMutex
	token   string
	expires time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileTokenSource(path string) (*FileTokenSource, error) {
	s := &FileTokenSource{path: path, done: make(chan struct{})}
	if err := s.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("token watcher: %w", err)
	}
	// Watch the directory: editors and login tools replace the file rather
	// than writing it in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch token dir: %w", err)
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *FileTokenSource) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				log.Printf("token_reload status=error path=%s err=%v", s.path, err)
				continue
			}
			log.Printf("token_reload status=ok path=%s", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("token_watch status=error err=%v", err)
		}
	}
}

func (s *FileTokenSource) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	token := strings.TrimSpace(string(raw))
	expires := tokenExpiry(token)

	s.mu.Lock()
	s.token = token
	s.expires = expires
	s.mu.Unlock()
	return nil
}

// Token returns the current token, or "" when the file is absent or the JWT
// has already expired (the backend would reject it anyway; anonymous playback
// degrades more gracefully than a 401).
func (s *FileTokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return ""
	}
	if !s.expires.IsZero() && time.Now().After(s.expires) {
		return ""
	}
	return s.token
}

// ExpiresAt reports the exp claim of the current token, zero when unknown.
func (s *FileTokenSource) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}

func (s *FileTokenSource) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// client has no signing secret and only needs expiry for local hygiene.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
