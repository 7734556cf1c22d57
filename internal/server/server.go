// Package server exposes the hub over HTTP: the websocket endpoint, health
// and metrics probes, and the authenticated alert admin routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relief-hub/backend/internal/auth"
	"github.com/relief-hub/backend/internal/hub"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const statusTimeout = 2 * time.Second

// Hub is the part of *hub.Hub the HTTP layer needs.
type Hub interface {
	Accept(ctx context.Context, conn *websocket.Conn, opts hub.PeerOptions) (string, error)
	AlertStatus(ctx context.Context) (hub.AlertStatus, error)
	SessionCount() int
	Done() <-chan struct{}
}

// Alerts is the part of *alerts.Poller the admin routes drive.
type Alerts interface {
	CheckNow(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}

type Options struct {
	AllowedOrigins []string
	Peer           hub.PeerOptions
	// Auth guards /api. A nil Authenticator disables the admin routes.
	Auth     auth.Authenticator
	Gatherer prometheus.Gatherer
	Clock    clockwork.Clock
	Log      zerolog.Logger
}

type Server struct {
	hub            Hub
	alerts         Alerts
	opts           Options
	clock          clockwork.Clock
	startedAt      time.Time
	proc           *process.Process
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	log            zerolog.Logger
}

func New(h Hub, a Alerts, opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		hub:            h,
		alerts:         a,
		opts:           opts,
		clock:          clock,
		startedAt:      clock.Now(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		log:            opts.Log,
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.log.Warn().Err(err).Msg("Process stats unavailable")
	} else {
		s.proc = proc
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	if s.opts.Auth != nil && s.alerts != nil {
		r.Route("/api/alerts", func(r chi.Router) {
			r.Use(auth.Require(s.opts.Auth, auth.RoleCoordinator, auth.RoleAdmin))
			r.Get("/status", s.handleAlertStatus)
			r.Post("/check", s.handleAlertCheck)
			r.Post("/reset", s.handleAlertReset)
		})
	}
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	id, err := s.hub.Accept(r.Context(), conn, s.opts.Peer)
	if err != nil {
		s.log.Warn().Err(err).Msg("Hub rejected connection")
		conn.Close()
		return
	}
	s.log.Debug().Str("session_id", id).Str("remote_addr", r.RemoteAddr).Msg("Client connected")
}

type healthResponse struct {
	Status         string  `json:"status"`
	Sessions       int     `json:"sessions"`
	Uptime         string  `json:"uptime"`
	FeedHealth     string  `json:"feedHealth,omitempty"`
	MemoryRSSBytes uint64  `json:"memoryRssBytes,omitempty"`
	CPUPercent     float64 `json:"cpuPercent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Sessions: s.hub.SessionCount(),
		Uptime:   s.clock.Since(s.startedAt).Truncate(time.Second).String(),
	}
	code := http.StatusOK

	select {
	case <-s.hub.Done():
		resp.Status = "stopping"
		code = http.StatusServiceUnavailable
	default:
		ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
		st, err := s.hub.AlertStatus(ctx)
		cancel()
		switch {
		case err != nil:
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		case st.FeedHealth == "failed":
			resp.Status = "degraded"
			resp.FeedHealth = st.FeedHealth
		default:
			resp.FeedHealth = st.FeedHealth
		}
	}

	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			resp.MemoryRSSBytes = mem.RSS
		}
		if pct, err := s.proc.CPUPercent(); err == nil {
			resp.CPUPercent = pct
		}
	}

	writeJSON(w, code, resp)
}

func (s *Server) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	st, err := s.hub.AlertStatus(ctx)
	if err != nil {
		s.hubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAlertCheck(w http.ResponseWriter, r *http.Request) {
	n, err := s.alerts.CheckNow(r.Context())
	if err != nil {
		s.hubError(w, err)
		return
	}
	if id, ok := auth.FromContext(r.Context()); ok {
		s.log.Info().Str("user_id", id.UserID).Int("new", n).Msg("Manual alert check")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"newAlerts": n,
		"timestamp": s.clock.Now().UTC(),
	})
}

func (s *Server) handleAlertReset(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.Reset(r.Context()); err != nil {
		s.hubError(w, err)
		return
	}
	if id, ok := auth.FromContext(r.Context()); ok {
		s.log.Info().Str("user_id", id.UserID).Msg("Alert tracker reset")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) hubError(w http.ResponseWriter, err error) {
	if errors.Is(err, hub.ErrStopped) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	s.log.Error().Err(err).Msg("Admin request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
