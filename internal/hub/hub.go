// Package hub owns every live session. A single goroutine consumes typed
// commands, so the registry, the session flags and anything run through
// Exec are only ever touched by one task at a time.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/relief-hub/backend/internal/metrics"
	"github.com/relief-hub/backend/internal/session"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by calls made after the hub loop has exited.
var ErrStopped = errors.New("hub stopped")

const cmdBuffer = 256

// AlertService is the poller as seen from the router.
type AlertService interface {
	// Status is called on the hub loop and must not block.
	Status() AlertStatus
	// TriggerCheck starts a novelty check without waiting for it.
	TriggerCheck()
}

type hubCmd interface{ isHubCmd() }

type cmdRegister struct {
	sess  *session.Session
	errCh chan error
}

type cmdUnregister struct{ id string }

type cmdInbound struct {
	id   string
	data []byte
}

type cmdAlive struct{ id string }

type cmdBroadcast struct {
	kind   MessageType
	data   []byte
	filter session.Predicate
}

type cmdExec struct {
	fn   func()
	done chan struct{}
}

type cmdHeartbeat struct{}

type cmdStop struct{}

func (cmdRegister) isHubCmd()   {}
func (cmdUnregister) isHubCmd() {}
func (cmdInbound) isHubCmd()    {}
func (cmdAlive) isHubCmd()      {}
func (cmdBroadcast) isHubCmd()  {}
func (cmdExec) isHubCmd()       {}
func (cmdHeartbeat) isHubCmd()  {}
func (cmdStop) isHubCmd()       {}

type Hub struct {
	cmdCh chan hubCmd
	done  chan struct{}

	registry *session.Registry
	alerts   AlertService

	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	sessions  atomic.Int64
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(clock clockwork.Clock, log zerolog.Logger, m *metrics.Metrics) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Hub{
		cmdCh:    make(chan hubCmd, cmdBuffer),
		done:     make(chan struct{}),
		registry: session.NewRegistry(),
		clock:    clock,
		log:      log.With().Str("component", "hub").Logger(),
		metrics:  m,
	}
}

// SetAlertService wires the poller into the router. Must be called before Start.
func (h *Hub) SetAlertService(svc AlertService) {
	h.alerts = svc
}

func (h *Hub) Clock() clockwork.Clock { return h.clock }

func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.started.Store(true)
		go h.run()
	})
}

// Stop closes every registered session and ends the loop. The stop command
// is always queued, even with an expired ctx; ctx bounds only the wait for
// the loop to exit.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		if !h.started.Load() {
			close(h.done)
			return
		}
		h.send(cmdStop{})
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Register adds a session for t and returns its ID.
func (h *Hub) Register(ctx context.Context, t session.Transport, remoteAddr string) (string, error) {
	s := session.New(uuid.NewString(), t, remoteAddr, h.clock.Now())
	cmd := cmdRegister{sess: s, errCh: make(chan error, 1)}

	select {
	case h.cmdCh <- cmd:
	case <-h.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case err := <-cmd.errCh:
		if err != nil {
			return "", err
		}
		return s.ID, nil
	case <-h.done:
		return "", ErrStopped
	case <-ctx.Done():
		// The command is already queued; undo it so the caller's abandoned
		// transport does not linger until the heartbeat evicts it.
		h.Unregister(s.ID)
		return "", ctx.Err()
	}
}

// Unregister removes and closes the session. Unknown IDs are ignored.
func (h *Hub) Unregister(id string) {
	h.send(cmdUnregister{id: id})
}

// Deliver hands one inbound message to the router.
func (h *Hub) Deliver(id string, data []byte) {
	h.send(cmdInbound{id: id, data: data})
}

// MarkAlive records a liveness answer for the session.
func (h *Hub) MarkAlive(id string) {
	h.send(cmdAlive{id: id})
}

// Broadcast marshals msg once and queues it to every session matching filter.
// A nil filter matches all sessions.
func (h *Hub) Broadcast(msg Outbound, filter session.Predicate) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msg.Kind())).Msg("Failed to marshal broadcast")
		return
	}
	if filter == nil {
		filter = session.All
	}
	h.send(cmdBroadcast{kind: msg.Kind(), data: data, filter: filter})
}

// Sweep runs one heartbeat round on the loop.
func (h *Hub) Sweep() {
	h.send(cmdHeartbeat{})
}

// Exec runs fn on the hub loop and waits for it to return.
func (h *Hub) Exec(ctx context.Context, fn func()) error {
	cmd := cmdExec{fn: fn, done: make(chan struct{})}
	select {
	case h.cmdCh <- cmd:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-h.done:
		select {
		case <-cmd.done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AlertStatus returns the poller snapshot with the current session count.
func (h *Hub) AlertStatus(ctx context.Context) (AlertStatus, error) {
	var st AlertStatus
	err := h.Exec(ctx, func() { st = h.alertStatus() })
	return st, err
}

// SessionCount is safe to call from any goroutine.
func (h *Hub) SessionCount() int {
	return int(h.sessions.Load())
}

func (h *Hub) send(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			c.errCh <- h.register(c.sess)
		case cmdUnregister:
			h.unregister(c.id, "closed")
		case cmdInbound:
			if s, ok := h.registry.Get(c.id); ok {
				h.route(s, c.data)
			}
		case cmdAlive:
			if s, ok := h.registry.Get(c.id); ok {
				s.MarkAlive()
			}
		case cmdBroadcast:
			h.fanOut(c.kind, c.data, c.filter)
		case cmdExec:
			c.fn()
			close(c.done)
		case cmdHeartbeat:
			h.sweep()
		case cmdStop:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) register(s *session.Session) error {
	if err := h.registry.Register(s); err != nil {
		return err
	}
	h.sessions.Store(int64(h.registry.Len()))
	h.metrics.ActiveSessions.Set(float64(h.registry.Len()))
	h.log.Info().
		Str("session_id", s.ID).
		Str("remote_addr", s.RemoteAddr).
		Int("sessions", h.registry.Len()).
		Msg("Session connected")
	return nil
}

func (h *Hub) unregister(id, reason string) {
	s := h.registry.Unregister(id)
	if s == nil {
		return
	}
	s.Close()
	h.sessions.Store(int64(h.registry.Len()))
	h.metrics.ActiveSessions.Set(float64(h.registry.Len()))
	h.log.Info().
		Str("session_id", id).
		Str("user_id", s.UserID()).
		Str("reason", reason).
		Int("sessions", h.registry.Len()).
		Msg("Session disconnected")
}

// sweep evicts sessions that missed the previous probe and probes the rest.
func (h *Hub) sweep() {
	h.registry.ForEach(session.All, func(s *session.Session) {
		if s.Probe() {
			return
		}
		h.metrics.SessionsEvicted.Inc()
		h.unregister(s.ID, "heartbeat timeout")
	})
}

func (h *Hub) closeAll() {
	h.registry.ForEach(session.All, func(s *session.Session) {
		h.unregister(s.ID, "shutdown")
	})
}

func (h *Hub) fanOut(kind MessageType, data []byte, filter session.Predicate) {
	var sent, dropped int
	h.registry.ForEach(filter, func(s *session.Session) {
		if s.Send(data) {
			sent++
		} else {
			dropped++
		}
	})
	h.metrics.MessagesSent.WithLabelValues(string(kind)).Add(float64(sent))
	if dropped > 0 {
		h.metrics.MessagesDropped.Add(float64(dropped))
		h.log.Debug().Str("type", string(kind)).Int("dropped", dropped).Msg("Dropped messages for unwritable sessions")
	}
}

// reply writes msg to one session. Must run on the loop.
func (h *Hub) reply(s *session.Session, msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msg.Kind())).Msg("Failed to marshal reply")
		return
	}
	if s.Send(data) {
		h.metrics.MessagesSent.WithLabelValues(string(msg.Kind())).Inc()
	} else {
		h.metrics.MessagesDropped.Inc()
	}
}

// relay marshals msg on the loop and fans it out.
func (h *Hub) relay(msg Outbound, filter session.Predicate) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msg.Kind())).Msg("Failed to marshal relay")
		return
	}
	h.fanOut(msg.Kind(), data, filter)
}

func (h *Hub) alertStatus() AlertStatus {
	var st AlertStatus
	if h.alerts != nil {
		st = h.alerts.Status()
	}
	st.ConnectedClients = h.registry.Len()
	st.Timestamp = h.clock.Now()
	return st
}
