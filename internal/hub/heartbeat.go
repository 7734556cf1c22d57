package hub

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat asks the hub for a liveness sweep once per interval. A session
// that never answers is evicted on the second sweep after its last answer.
type Heartbeat struct {
	hub      *Hub
	clock    clockwork.Clock
	interval time.Duration

	ticker   clockwork.Ticker
	stop     chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewHeartbeat(h *Hub, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		hub:      h,
		clock:    h.clock,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start creates the ticker before returning, so a fake clock advanced right
// after Start fires it. Later calls are no-ops.
func (hb *Heartbeat) Start() {
	hb.startOnce.Do(func() {
		hb.ticker = hb.clock.NewTicker(hb.interval)
		hb.wg.Add(1)
		go hb.loop()
	})
}

func (hb *Heartbeat) loop() {
	defer hb.wg.Done()
	for {
		select {
		case <-hb.stop:
			return
		case <-hb.ticker.Chan():
			select {
			case <-hb.stop:
				return
			default:
			}
			hb.hub.Sweep()
		}
	}
}

// Stop releases the ticker. Safe to call more than once, and before Start.
func (hb *Heartbeat) Stop() {
	hb.stopOnce.Do(func() {
		close(hb.stop)
		if hb.ticker != nil {
			hb.ticker.Stop()
		}
	})
	hb.wg.Wait()
}
