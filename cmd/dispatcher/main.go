package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/ttsam-rt/dispatcher/internal/bus"
	"github.com/ttsam-rt/dispatcher/internal/config"
	"github.com/ttsam-rt/dispatcher/internal/monitoring"
	"github.com/ttsam-rt/dispatcher/internal/server"
	"github.com/ttsam-rt/dispatcher/internal/station"
)

func main() {
	debug := flag.Bool("debug", false, "force debug level with pretty console output")
	flag.Parse()

	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
		cfg.LogFormat = "pretty"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	table, err := station.LoadTable(cfg.SiteInfoPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load site info")
	}

	b := bus.NewRedisBus(cfg.RedisAddr(), cfg.RedisDB)
	defer b.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := b.Ping(pingCtx); err != nil {
		cancelPing()
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("Bus unreachable")
	}
	cancelPing()

	srv, err := server.New(cfg, b, table, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build dispatcher")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start dispatcher")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info().Str("signal", received.String()).Msg("Signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
}
