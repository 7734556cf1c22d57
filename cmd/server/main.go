package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relief-hub/backend/internal/app"
	"github.com/relief-hub/backend/internal/config"
	"github.com/relief-hub/backend/internal/logging"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use the synthetic alert feed")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read environment: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config:\n%v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, log, app.Options{Mock: *mockMode})
	if err := a.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err, ok := <-a.Err():
		if ok {
			log.Error().Err(err).Msg("Server error")
		}
	}
	stop()

	hard := time.AfterFunc(cfg.Server.HardShutdownTimeout, func() {
		log.Error().Msg("Shutdown timed out, exiting")
		os.Exit(1)
	})
	defer hard.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Unclean shutdown")
		os.Exit(1)
	}
	log.Info().Msg("Stopped")
}
