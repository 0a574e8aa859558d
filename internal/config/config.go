package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr        string
	APIBaseURL        string
	TokenFile         string
	Engine            string
	HistoryPath       string
	HeartbeatInterval time.Duration
	QuotaPollInterval time.Duration
	MaxLoadRestarts   int
	InternalKeyHosts  []string
	RequestTimeout    time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:        envOrDefault("ARIA_LISTEN_ADDR", "127.0.0.1:7788"),
		APIBaseURL:        strings.TrimRight(os.Getenv("ARIA_API_BASE_URL"), "/"),
		TokenFile:         os.Getenv("ARIA_TOKEN_FILE"),
		Engine:            envOrDefault("ARIA_ENGINE", "hls"),
		HistoryPath:       envOrDefault("ARIA_HISTORY_PATH", defaultHistoryPath()),
		HeartbeatInterval: time.Duration(ParsePositiveIntEnv("ARIA_HEARTBEAT_SECONDS", 5)) * time.Second,
		QuotaPollInterval: time.Duration(ParsePositiveIntEnv("ARIA_QUOTA_POLL_SECONDS", 60)) * time.Second,
		MaxLoadRestarts:   ParsePositiveIntEnv("ARIA_MAX_LOAD_RESTARTS", 3),
		InternalKeyHosts:  splitCSV(envOrDefault("ARIA_INTERNAL_KEY_HOSTS", "localhost:8000,127.0.0.1:8000")),
		RequestTimeout:    time.Duration(ParsePositiveIntEnv("ARIA_REQUEST_TIMEOUT_SECONDS", 15)) * time.Second,
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("ARIA_API_BASE_URL is required")
	}
	if cfg.Engine != "hls" && cfg.Engine != "fake" {
		return Config{}, fmt.Errorf("ARIA_ENGINE must be one of hls|fake")
	}
	return cfg, nil
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "aria-history.db"
	}
	return home + "/.local/share/aria-player/history.db"
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}
