package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mistfm/aria-player/internal/auth"
	"github.com/mistfm/aria-player/internal/backend"
	"github.com/mistfm/aria-player/internal/config"
	"github.com/mistfm/aria-player/internal/control"
	"github.com/mistfm/aria-player/internal/engine"
	"github.com/mistfm/aria-player/internal/history"
	"github.com/mistfm/aria-player/internal/keyredirect"
	"github.com/mistfm/aria-player/internal/player"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tokens auth.TokenSource = auth.StaticTokenSource{}
	if cfg.TokenFile != "" {
		fileTokens, err := auth.NewFileTokenSource(cfg.TokenFile)
		if err != nil {
			log.Fatalf("init token source: %v", err)
		}
		defer fileTokens.Close()
		tokens = fileTokens
	}

	redirector := keyredirect.New(http.DefaultTransport, tokens, cfg.InternalKeyHosts)
	client := backend.NewClient(cfg.APIBaseURL, tokens, cfg.RequestTimeout)

	var factory engine.Factory
	switch cfg.Engine {
	case "hls":
		factory = engine.NewHLSFactory(redirector, io.Discard)
	default:
		factory = func() engine.Engine { return engine.NewFakeEngine() }
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		log.Fatalf("open history store: %v", err)
	}
	defer store.Close()

	coord := player.NewCoordinator(ctx, client, redirector, factory, store, player.Options{
		MaxLoadRestarts:   cfg.MaxLoadRestarts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		QuotaPollInterval: cfg.QuotaPollInterval,
	})
	defer coord.Close()

	handler := control.NewRouter(coord, client, store)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// The events websocket holds its connection open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("aria-playerd listening on %s engine=%s api=%s", cfg.ListenAddr, cfg.Engine, cfg.APIBaseURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}
