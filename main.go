package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/rs/cors"

	"veilo/config"
	"veilo/internal/auth"
	"veilo/internal/call"
	"veilo/internal/ephemeral"
	"veilo/internal/hub"
	"veilo/internal/push"
	"veilo/internal/registry"
	"veilo/internal/status"
	"veilo/internal/store"
)

func main() {
	v, err := config.LoadConfig("config")
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		slog.Error("parse config failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logger.Error("open database failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close database failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(logger)
	authn := auth.New(auth.Options{
		Secret:        []byte(cfg.Auth.JWTSecret),
		Issuer:        cfg.Auth.Issuer,
		FailureLimit:  cfg.Auth.FailureLimit,
		FailureWindow: cfg.Auth.FailureWindow,
	}, db.Users, logger)

	fallback := push.NewDispatcher(push.Discard, logger)
	calls := call.NewEngine(reg, db.Calls, db.Users, fallback, nil, cfg.Call.RingTimeout, logger)
	statusEng := status.NewEngine(reg, db.Users, db.Relations, db.Policies,
		cfg.Status.DecisionCache, cfg.Status.DecisionTTL, cfg.Status.SnapshotLimit, logger)
	coordinator := ephemeral.NewCoordinator(reg, db.Messages, db.Ephemeral, nil, logger)

	h := hub.New(ctx, reg, authn, calls, statusEng, coordinator, db.Relations, db.Users, logger)

	go sweepAuthWindow(ctx, authn, cfg.Auth.SweepInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": reg.Len(),
		})
	})

	corsOpts := cors.Options{AllowCredentials: true}
	if cfg.Server.AllowedOrigin != "" {
		corsOpts.AllowedOrigins = []string{cfg.Server.AllowedOrigin}
	}
	handler := cors.New(corsOpts).Handler(mux)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.RFC3339,
	}))
}

// sweepAuthWindow ages out stale per-origin failure counters.
func sweepAuthWindow(ctx context.Context, authn *auth.Authenticator, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			authn.SweepWindow()
		}
	}
}
