// Package app assembles the hub, the alert poller and the HTTP server from a
// Config and owns their start and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/relief-hub/backend/internal/alerts"
	"github.com/relief-hub/backend/internal/auth"
	"github.com/relief-hub/backend/internal/config"
	"github.com/relief-hub/backend/internal/dedup"
	"github.com/relief-hub/backend/internal/feed"
	"github.com/relief-hub/backend/internal/hub"
	"github.com/relief-hub/backend/internal/logging"
	"github.com/relief-hub/backend/internal/metrics"
	"github.com/relief-hub/backend/internal/mock"
	"github.com/relief-hub/backend/internal/server"
	"github.com/rs/zerolog"
)

type Options struct {
	// Mock replaces the live feed with the synthetic generator.
	Mock bool
	// Feed overrides the feed client. Used by tests.
	Feed  feed.Client
	Clock clockwork.Clock
}

type App struct {
	cfg   *config.Config
	log   zerolog.Logger
	clock clockwork.Clock

	hub       *hub.Hub
	heartbeat *hub.Heartbeat
	poller    *alerts.Poller
	http      *http.Server

	listener net.Listener
	serveErr chan error
}

func New(cfg *config.Config, log zerolog.Logger, opts Options) *App {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	h := hub.New(clock, log, m)

	client := opts.Feed
	switch {
	case client != nil:
	case opts.Mock:
		log.Info().Msg("Using synthetic alert feed")
		client = mock.NewGenerator(clock, clock.Now().UnixNano())
	default:
		client = feed.NewHTTPClient(cfg.Feed.BaseURL, cfg.Feed.AppName, cfg.Feed.Timeout)
	}
	client = feed.NewBreaker(client, feed.BreakerSettings{
		MaxFailures: cfg.Feed.Breaker.MaxFailures,
		OpenTimeout: cfg.Feed.Breaker.OpenTimeout,
	}, logging.Component(log, "feed"), m)

	var popts []alerts.Option
	if cfg.Alerts.DedupStateFile != "" {
		popts = append(popts, alerts.WithStore(dedup.NewFileStore(cfg.Alerts.DedupStateFile)))
	}
	p := alerts.New(client, dedup.NewTracker(cfg.Alerts.DedupCapacity), h, clock, alerts.Config{
		CheckInterval:        cfg.Alerts.CheckInterval,
		StartupDelay:         cfg.Alerts.StartupDelay,
		UrgentDelay:          cfg.Alerts.UrgentDelay,
		FetchTimeout:         cfg.Alerts.FetchTimeout,
		NoveltyLimit:         cfg.Alerts.NoveltyLimit,
		ComprehensiveAlerts:  cfg.Alerts.ComprehensiveAlerts,
		ComprehensiveReports: cfg.Alerts.ComprehensiveReports,
		FailureThreshold:     cfg.Alerts.FailureThreshold,
	}, log, m, popts...)
	h.SetAlertService(p)

	var authn auth.Authenticator
	if len(cfg.Auth.Tokens) > 0 {
		tokens := make(map[string]auth.Identity, len(cfg.Auth.Tokens))
		for _, t := range cfg.Auth.Tokens {
			tokens[t.Token] = auth.Identity{UserID: t.UserID, Role: auth.Role(t.Role)}
		}
		authn = auth.NewStatic(tokens)
	} else {
		log.Warn().Msg("No auth tokens configured, admin API disabled")
	}

	srv := server.New(h, p, server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Peer: hub.PeerOptions{
			SendBuffer:     cfg.Hub.SendBuffer,
			WriteWait:      cfg.Hub.WriteWait,
			MaxMessageSize: cfg.Hub.MaxMessageSize,
		},
		Auth:     authn,
		Gatherer: reg,
		Clock:    clock,
		Log:      logging.Component(log, "http"),
	})

	return &App{
		cfg:       cfg,
		log:       log,
		clock:     clock,
		hub:       h,
		heartbeat: hub.NewHeartbeat(h, cfg.Hub.HeartbeatInterval),
		poller:    p,
		http: &http.Server{
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		serveErr: make(chan error, 1),
	}
}

// Start brings up the hub, the heartbeat and the poller, then binds the
// listener. If binding fails the started components are stopped again.
func (a *App) Start(ctx context.Context) error {
	a.hub.Start()
	a.heartbeat.Start()
	if err := a.poller.Start(ctx); err != nil {
		a.stopCore(ctx)
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		a.stopCore(ctx)
		return fmt.Errorf("binding %s: %w", a.cfg.Addr(), err)
	}
	a.listener = ln

	go func() {
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
		close(a.serveErr)
	}()

	a.log.Info().Str("addr", ln.Addr().String()).Msg("Relief hub listening")
	return nil
}

// Addr is the bound address. Valid after Start.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Err delivers a fatal serve error, or is closed when serving ends cleanly.
func (a *App) Err() <-chan error { return a.serveErr }

// Shutdown stops accepting connections, drains the poller and closes every
// session.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.listener != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	errs = append(errs, a.stopCore(ctx))
	return errors.Join(errs...)
}

func (a *App) stopCore(ctx context.Context) error {
	var errs []error
	if err := a.poller.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.hub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	a.heartbeat.Stop()
	return errors.Join(errs...)
}
