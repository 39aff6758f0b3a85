package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/triplink/tripcast/internal/broadcast"
	"github.com/triplink/tripcast/internal/config"
	"github.com/triplink/tripcast/internal/logging"
	"github.com/triplink/tripcast/internal/optimizer"
	"github.com/triplink/tripcast/internal/queue"
	"github.com/triplink/tripcast/internal/registry"
	"github.com/triplink/tripcast/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runGracefulShutdown(srv *server.Server, broadcaster *broadcast.Broadcaster) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		broadcaster.Stop()
		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Starting tripcast", "env", cfg.AppEnv)

	clock := clockwork.NewRealClock()
	policy := cfg.Policy

	reg := registry.New()
	opt := optimizer.New(clock, policy)
	backlog := queue.New(clock,
		queue.WithCapacity(policy.Queue.Capacity),
		queue.WithMaxRetries(policy.Queue.MaxRetries),
	)

	broadcaster := broadcast.New(reg, opt, backlog, clock, broadcast.Config{
		MaxClientsPerSession: policy.Broadcast.MaxClientsPerSession,
		StopTimeout:          policy.Broadcast.StopTimeout,
		FlushInterval:        policy.Queue.FlushInterval,
		SweepInterval:        policy.Quality.SweepInterval,
		StaleAfter:           policy.Quality.StaleAfter,
		Conn: registry.ConnConfig{
			SendBuffer:   policy.Broadcast.SendBuffer,
			WriteTimeout: policy.Broadcast.WriteTimeout,
			PingInterval: policy.Broadcast.PingInterval,
			PongTimeout:  policy.Broadcast.PongTimeout,
		},
	})

	srv := server.NewServer(cfg, broadcaster, clock)
	done := runGracefulShutdown(srv, broadcaster)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
