package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relief-hub/backend/internal/session"
	"github.com/rs/zerolog"
)

const (
	defaultSendBuffer     = 64
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 64 << 10
)

type PeerOptions struct {
	SendBuffer     int
	WriteWait      time.Duration
	MaxMessageSize int64
}

func (o PeerOptions) withDefaults() PeerOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	return o
}

// Peer is the websocket side of a session. All writes go through a single
// writer goroutine; Send and Ping only enqueue.
type Peer struct {
	conn *websocket.Conn
	opts PeerOptions
	log  zerolog.Logger

	send chan []byte
	ping chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

var _ session.Transport = (*Peer)(nil)

func NewPeer(conn *websocket.Conn, opts PeerOptions, log zerolog.Logger) *Peer {
	opts = opts.withDefaults()
	p := &Peer{
		conn: conn,
		opts: opts,
		log:  log,
		send: make(chan []byte, opts.SendBuffer),
		ping: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go p.writePump()
	return p
}

func (p *Peer) Send(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *Peer) Ping() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.ping <- struct{}{}:
		return true
	default:
		return false
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Peer) writePump() {
	defer func() {
		p.Close()
		p.conn.Close()
	}()
	for {
		select {
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-p.ping:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.opts.WriteWait)); err != nil {
				p.log.Debug().Err(err).Msg("Ping failed")
				return
			}
		case <-p.done:
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// readPump feeds inbound text frames to the hub until the socket fails,
// then unregisters the session. Pongs count as liveness answers.
func (p *Peer) readPump(h *Hub, id string) {
	defer h.Unregister(id)
	log := p.log.With().Str("session_id", id).Logger()

	p.conn.SetReadLimit(p.opts.MaxMessageSize)
	p.conn.SetPongHandler(func(string) error {
		h.MarkAlive(id)
		return nil
	})

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Unexpected close")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		h.Deliver(id, data)
	}
}

// Accept registers an upgraded websocket and starts its pumps. It returns
// the session ID.
func (h *Hub) Accept(ctx context.Context, conn *websocket.Conn, opts PeerOptions) (string, error) {
	remote := conn.RemoteAddr().String()
	p := NewPeer(conn, opts, h.log.With().Str("remote_addr", remote).Logger())
	id, err := h.Register(ctx, p, remote)
	if err != nil {
		p.Close()
		return "", err
	}
	go p.readPump(h, id)
	return id, nil
}
