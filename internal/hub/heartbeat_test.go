package hub

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 30 * time.Second

func startHeartbeat(t *testing.T, h *testHub) *Heartbeat {
	t.Helper()
	hb := NewHeartbeat(h.Hub, tick)
	hb.Start()
	t.Cleanup(hb.Stop)
	return hb
}

func TestHeartbeat_EvictsSilentSessionOnSecondTick(t *testing.T) {
	h := newTestHub(t)
	startHeartbeat(t, h)
	_, tr := h.connect(t)

	h.clock.Advance(tick)
	require.Eventually(t, func() bool { return tr.pingCount() == 1 }, time.Second, 5*time.Millisecond)
	h.barrier(t)
	assert.False(t, tr.isClosed(), "must survive the first period")
	assert.Equal(t, 1, h.SessionCount())

	h.clock.Advance(tick)
	require.Eventually(t, tr.isClosed, time.Second, 5*time.Millisecond)
	h.barrier(t)
	assert.Equal(t, 0, h.SessionCount())
	assert.Equal(t, 1, tr.pingCount(), "an evicted session is not probed again")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsEvicted))
}

func TestHeartbeat_AnsweringSessionSurvives(t *testing.T) {
	h := newTestHub(t)
	startHeartbeat(t, h)
	id, tr := h.connect(t)

	for round := 1; round <= 4; round++ {
		h.clock.Advance(tick)
		require.Eventually(t, func() bool { return tr.pingCount() == round }, time.Second, 5*time.Millisecond)
		h.MarkAlive(id)
		h.barrier(t)
	}

	assert.False(t, tr.isClosed())
	assert.Equal(t, 1, h.SessionCount())
}

func TestHeartbeat_StopIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	hb := NewHeartbeat(h.Hub, 0)
	assert.Equal(t, DefaultHeartbeatInterval, hb.interval)

	hb.Stop()
	hb.Stop()

	hb2 := NewHeartbeat(h.Hub, tick)
	hb2.Start()
	hb2.Stop()
	hb2.Stop()
}

func TestHeartbeat_SecondStartIsNoop(t *testing.T) {
	h := newTestHub(t)
	hb := startHeartbeat(t, h)
	first := hb.ticker
	hb.Start()
	assert.True(t, first == hb.ticker, "ticker must not be replaced")

	_, tr := h.connect(t)
	h.clock.Advance(tick)
	require.Eventually(t, func() bool { return tr.pingCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	h.barrier(t)
	assert.Equal(t, 1, tr.pingCount(), "one loop probes once per tick")
}
