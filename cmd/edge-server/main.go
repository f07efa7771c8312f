// Package main provides the edge-runtime HTTP service entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BV-BRC/edge-runtime/internal/config"
	"github.com/BV-BRC/edge-runtime/internal/dispatcher"
	"github.com/BV-BRC/edge-runtime/internal/loader"
	"github.com/BV-BRC/edge-runtime/internal/permissions"
	"github.com/BV-BRC/edge-runtime/internal/pool"
	"github.com/BV-BRC/edge-runtime/internal/telemetry"
	"github.com/BV-BRC/edge-runtime/pkg/auth"
)

func main() {
	configPath := ""
	for i, a := range os.Args {
		if a == "-config" || a == "--config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	telem := telemetry.New(cfg.Telemetry, logger)
	defer telem.Close()

	policy := permissions.New()

	p := pool.New(pool.Config{
		Size:           cfg.Sandbox.PoolSize,
		DefaultTimeout: cfg.Sandbox.RequestTimeout,
		HeapLimitBytes: int64(cfg.Sandbox.HeapLimitMB) * 1024 * 1024,
		Tick:           time.Duration(cfg.Sandbox.SupervisorTickMS) * time.Millisecond,
		Policy:         policy,
		Logger:         logger,
		Telemetry:      telem,
	})
	defer p.Close()

	sources := loader.NewRegistry()

	var adminGate func(http.Handler) http.Handler
	if cfg.Auth.ServiceToken != "" {
		adminGate = auth.NewServiceAuth(cfg.Auth.ServiceToken).Gate
	}

	var invokeGate func(http.Handler) http.Handler
	if cfg.Auth.ValidateUserTokens {
		invokeGate = auth.NewTokenValidator(cfg.Auth.UserServiceURL).RequireValidToken
	}

	d := dispatcher.New(dispatcher.Config{
		Pool:           p,
		Sources:        sources,
		RequestTimeout: cfg.Sandbox.RequestTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		Logger:         logger,
		AdminGate:      adminGate,
		InvokeGate:     invokeGate,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting edge-runtime server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	logger.Info("server stopped")
}
