// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage/authsession"
	"github.com/sage-x-project/sage/bidi"
	"github.com/sage-x-project/sage/config"
	"github.com/sage-x-project/sage/connreg"
	"github.com/sage-x-project/sage/health"
	"github.com/sage-x-project/sage/identity/local"
	"github.com/sage-x-project/sage/internal/logger"
	"github.com/sage-x-project/sage/storage"
	"github.com/sage-x-project/sage/storage/pg"
)

var serveConfigDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: bidirectional WebSocket endpoint, /healthz, /metrics",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigDir, "config-dir", "config", "directory containing environment config files")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: serveConfigDir, DotEnvPath: ".env"})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewDefaultLogger()
	if lvl, ok := parseLevel(cfg.Logging.Level); ok {
		log.SetLevel(lvl)
	}

	userStore, oauthStore, closeStores, err := wireStores(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	sessions, err := authsession.New(authsession.Config{
		Secret: []byte(cfg.Auth.JWTSecret),
		TTL:    cfg.Auth.TokenTTL,
	})
	if err != nil {
		return fmt.Errorf("build session service: %w", err)
	}
	sessions.RegisterProvider(local.New(userStore))

	registry := connreg.New()

	desc, err := buildServiceDescription()
	if err != nil {
		return fmt.Errorf("build service description: %w", err)
	}
	dispatcher, err := wireDispatcher(desc, registry, log)
	if err != nil {
		return fmt.Errorf("wire dispatcher: %w", err)
	}

	bidiServer := bidi.NewServer(dispatcher, registry, sessions, log, bidi.ServerConfig{
		RequireAuth:       cfg.Bidi.RequireAuth,
		HeartbeatInterval: cfg.Bidi.HeartbeatInterval,
		MissedPongLimit:   cfg.Bidi.MissedPongLimit,
		SendQueueSize:     cfg.Bidi.SendQueueSize,
	})

	checker := health.NewHealthChecker(5 * time.Second)
	checker.SetLogger(log)
	checker.RegisterCheck("session_service", health.SessionServiceHealthCheck(func() error { return nil }))
	if cfg.Postgres != nil && cfg.Postgres.Enabled {
		if pinger, ok := userStore.(interface{ Ping(context.Context) error }); ok {
			checker.RegisterCheck("postgres", health.DatabaseHealthCheck(pinger.Ping))
		}
	}
	_ = oauthStore // reserved for a future OAuth2 provider registration

	mux := http.NewServeMux()
	mux.Handle("/ws", bidiServer)
	mux.HandleFunc(cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) {
		sys := checker.GetSystemHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if sys.Status != health.StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(sys)
	})
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("rpcgw: listening", logger.String("addr", cfg.Server.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
	case <-sigCh:
		log.Info("rpcgw: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	return nil
}

// wireStores builds the UserStore/OAuth2StateStore pair: Postgres-backed when
// cfg.Postgres.Enabled, in-memory otherwise (spec §4.9 — durability is
// additive, not a semantic change).
func wireStores(ctx context.Context, cfg *config.Config, log logger.Logger) (storage.UserStore, storage.OAuth2StateStore, func(), error) {
	if cfg.Postgres == nil || !cfg.Postgres.Enabled {
		return storage.NewMemoryUserStore(), storage.NewMemoryOAuth2StateStore(), func() {}, nil
	}

	users, err := pg.NewUserStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres user store: %w", err)
	}
	states, err := pg.NewOAuth2StateStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		users.Close()
		return nil, nil, nil, fmt.Errorf("connect postgres oauth2 state store: %w", err)
	}
	log.Info("rpcgw: using postgres-backed identity stores")
	return users, states, func() { users.Close(); states.Close() }, nil
}

func parseLevel(level string) (logger.Level, bool) {
	switch level {
	case "debug":
		return logger.DebugLevel, true
	case "info":
		return logger.InfoLevel, true
	case "warn", "warning":
		return logger.WarnLevel, true
	case "error":
		return logger.ErrorLevel, true
	default:
		return 0, false
	}
}
