package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/handlers"
	"github.com/mossy-p/meshcall/internal/logging"
	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/redis"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg := config.Load()

	l := logging.Init(cfg.LogLevel, cfg.LogFormat, zerolog.InfoLevel)

	hubOpts := relay.HubOptions{
		Logger:  l.With().Str("component", "hub").Logger(),
		Metrics: metrics.New(),
	}

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		presence, err := redis.Connect(ctx, cfg.Redis, l)
		cancel()
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer presence.Close()
		hubOpts.Presence = presence
		l.Info().Str("host", cfg.Redis.Host).Msg("Redis presence mirror enabled")
	}

	hub := relay.NewHub(hubOpts)
	go hub.Run()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: handlers.NewRouter(cfg, hub, l),
	}

	go func() {
		var err error
		if cfg.TLSEnabled() {
			l.Info().Str("addr", srv.Addr).Msg("Starting signaling server with TLS")
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			l.Info().Str("addr", srv.Addr).Msg("Starting signaling server")
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	l.Info().Msg("Server exited")
}
