package alerts

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/relief-hub/backend/internal/dedup"
	"github.com/relief-hub/backend/internal/feed"
	"github.com/relief-hub/backend/internal/hub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (b *inbox) Send(data []byte) bool {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
	return true
}

func (b *inbox) Ping() bool { return true }
func (b *inbox) Close()     {}

func (b *inbox) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m["type"].(string))
	}
	return out
}

func (b *inbox) has(typ string) bool {
	for _, t := range b.types() {
		if t == typ {
			return true
		}
	}
	return false
}

func TestForceAlertCheckThroughHub(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	h := hub.New(clock, zerolog.Nop(), nil)
	ff := &fakeFeed{}
	ff.set(alert("A", feed.SeverityHigh))
	p := New(ff, dedup.NewTracker(0), h, clock, DefaultConfig(), zerolog.Nop(), nil)
	h.SetAlertService(p)
	h.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
		h.Stop(ctx)
	})

	ctx := context.Background()
	guest := &inbox{}
	medic := &inbox{}
	guestID, err := h.Register(ctx, guest, "guest")
	require.NoError(t, err)
	medicID, err := h.Register(ctx, medic, "medic")
	require.NoError(t, err)

	barrier := func() { require.NoError(t, h.Exec(ctx, func() {})) }

	h.Deliver(guestID, []byte(`{"type":"FORCE_ALERT_CHECK"}`))
	barrier()
	assert.Equal(t, []string{"ERROR"}, guest.types())
	assert.Zero(t, ff.callCount(), "unauthorized sessions never trigger a poll")

	h.Deliver(medicID, []byte(`{"type":"JOIN_RESCUE_TEAM","userId":"medic"}`))
	h.Deliver(medicID, []byte(`{"type":"FORCE_ALERT_CHECK"}`))
	barrier()
	assert.Equal(t, []string{"JOIN_SUCCESS", "ALERT_CHECK_TRIGGERED"}, medic.types())

	require.Eventually(t, func() bool {
		return guest.has("NEW_DISASTER_ALERT") && medic.has("NEW_DISASTER_ALERT")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ff.callCount())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return guest.has("URGENT_ALERT") }, time.Second, 5*time.Millisecond)

	h.Deliver(medicID, []byte(`{"type":"REQUEST_ALERT_STATUS"}`))
	barrier()
	medic.mu.Lock()
	last := medic.msgs[len(medic.msgs)-1]
	medic.mu.Unlock()
	require.Equal(t, "ALERT_STATUS", last["type"])
	status := last["status"].(map[string]any)
	assert.Equal(t, float64(1), status["processedAlertsCount"])
	assert.Equal(t, float64(2), status["connectedClients"])
	assert.Equal(t, "healthy", status["feedHealth"])
}

func TestCheckNowCancelledWhileQueuedStillBroadcasts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	h := hub.New(clock, zerolog.Nop(), nil)
	ff := &fakeFeed{}
	ff.set(alert("A", feed.SeverityLow))
	tracker := dedup.NewTracker(0)
	p := New(ff, tracker, h, clock, DefaultConfig(), zerolog.Nop(), nil)
	h.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
		h.Stop(ctx)
	})

	guest := &inbox{}
	_, err := h.Register(context.Background(), guest, "guest")
	require.NoError(t, err)

	// Hold the loop so the tracker update queues behind it.
	started := make(chan struct{})
	release := make(chan struct{})
	go h.Exec(context.Background(), func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		n   int
		err error
	}
	res := make(chan result, 1)
	go func() {
		n, err := p.CheckNow(ctx)
		res <- result{n, err}
	}()
	require.Eventually(t, func() bool { return ff.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(release)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.n)
	require.Eventually(t, func() bool { return guest.has("NEW_DISASTER_ALERT") }, time.Second, 5*time.Millisecond)

	n, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var size int
	require.NoError(t, h.Exec(context.Background(), func() { size = tracker.Size() }))
	assert.Equal(t, 1, size)
}
