// Package alerts polls the disaster feed and pushes new and periodic alert
// broadcasts through the hub.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/relief-hub/backend/internal/dedup"
	"github.com/relief-hub/backend/internal/feed"
	"github.com/relief-hub/backend/internal/hub"
	"github.com/relief-hub/backend/internal/metrics"
	"github.com/relief-hub/backend/internal/session"
	"github.com/rs/zerolog"
)

const (
	snapshotAlerts  = 10
	snapshotReports = 5
)

// Hub is the part of *hub.Hub the poller uses. The dedup tracker is only
// touched inside Exec.
type Hub interface {
	Broadcast(msg hub.Outbound, filter session.Predicate)
	Exec(ctx context.Context, fn func()) error
}

type Config struct {
	CheckInterval        time.Duration
	StartupDelay         time.Duration
	UrgentDelay          time.Duration
	FetchTimeout         time.Duration
	NoveltyLimit         int
	ComprehensiveAlerts  int
	ComprehensiveReports int
	// FailureThreshold consecutive fetch failures report the feed as failed.
	FailureThreshold int
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:        15 * time.Minute,
		StartupDelay:         5 * time.Second,
		UrgentDelay:          time.Second,
		FetchTimeout:         30 * time.Second,
		NoveltyLimit:         20,
		ComprehensiveAlerts:  50,
		ComprehensiveReports: 20,
		FailureThreshold:     3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.StartupDelay <= 0 {
		c.StartupDelay = d.StartupDelay
	}
	if c.UrgentDelay <= 0 {
		c.UrgentDelay = d.UrgentDelay
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.NoveltyLimit <= 0 {
		c.NoveltyLimit = d.NoveltyLimit
	}
	if c.ComprehensiveAlerts <= 0 {
		c.ComprehensiveAlerts = d.ComprehensiveAlerts
	}
	if c.ComprehensiveReports <= 0 {
		c.ComprehensiveReports = d.ComprehensiveReports
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	return c
}

type Option func(*Poller)

// WithStore persists the dedup tracker across restarts.
func WithStore(s *dedup.FileStore) Option {
	return func(p *Poller) { p.store = s }
}

// Poller runs the novelty check and the hourly comprehensive snapshot.
type Poller struct {
	feed    feed.Client
	tracker *dedup.Tracker
	store   *dedup.FileStore
	hub     Hub
	clock   clockwork.Clock
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	health  feedHealth

	running atomic.Bool
	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
	// pending holds armed URGENT_ALERT timers; guarded by mu.
	pending map[*urgentAlert]struct{}

	// snapshotSeq orders tracker snapshots; only touched on the hub loop.
	snapshotSeq uint64
	saveMu      sync.Mutex
	savedSeq    uint64

	startErr error
	start    sync.Once
}

type urgentAlert struct {
	alert feed.Alert
	timer clockwork.Timer
}

func New(client feed.Client, tracker *dedup.Tracker, h Hub, clock clockwork.Clock, cfg Config, log zerolog.Logger, m *metrics.Metrics, opts ...Option) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	p := &Poller{
		feed:    client,
		tracker: tracker,
		hub:     h,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "alerts").Logger(),
		metrics: m,
		stop:    make(chan struct{}),
		pending: make(map[*urgentAlert]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start restores persisted dedup state and arms the timers. The startup
// check fires after StartupDelay; the snapshot fires at the top of each hour.
func (p *Poller) Start(ctx context.Context) error {
	p.start.Do(func() {
		if err := p.loadState(ctx); err != nil {
			p.startErr = fmt.Errorf("restoring dedup state: %w", err)
			return
		}

		startup := p.clock.NewTimer(p.cfg.StartupDelay)
		novelty := p.clock.NewTicker(p.cfg.CheckInterval)
		hourly := p.clock.NewTimer(untilNextHour(p.clock.Now()))

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stopped {
			startup.Stop()
			novelty.Stop()
			hourly.Stop()
			return
		}
		p.running.Store(true)
		p.wg.Add(2)
		go p.noveltyLoop(startup, novelty)
		go p.snapshotLoop(hourly)

		p.log.Info().
			Dur("check_interval", p.cfg.CheckInterval).
			Int("novelty_limit", p.cfg.NoveltyLimit).
			Msg("Alert poller started")
	})
	return p.startErr
}

// Stop halts future timer firings and waits for in-flight checks, which
// still broadcast their results. Escalations still waiting on their delay
// are sent before Stop returns.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.running.Store(false)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for alert checks: %w", ctx.Err())
	}
	p.flushUrgent()
	if err == nil {
		p.log.Info().Msg("Alert poller stopped")
	}
	return err
}

func (p *Poller) noveltyLoop(startup clockwork.Timer, ticker clockwork.Ticker) {
	defer p.wg.Done()
	defer startup.Stop()
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-startup.Chan():
			p.runCheck("startup")
		case <-ticker.Chan():
			p.runCheck("scheduled")
		}
	}
}

func (p *Poller) snapshotLoop(timer clockwork.Timer) {
	defer p.wg.Done()
	defer timer.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-timer.Chan():
			p.BroadcastSnapshot()
			timer.Reset(untilNextHour(p.clock.Now()))
		}
	}
}

// untilNextHour is never zero: on the hour it returns a full hour.
func untilNextHour(now time.Time) time.Duration {
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

func (p *Poller) runCheck(reason string) {
	if _, err := p.CheckNow(context.Background()); err != nil {
		p.log.Warn().Err(err).Str("reason", reason).Msg("Alert check aborted")
	}
}

// TriggerCheck runs a novelty check in the background. It is called from the
// hub loop and returns immediately.
func (p *Poller) TriggerCheck() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.runCheck("manual")
	}()
}

// CheckNow fetches the latest alerts and broadcasts NEW_DISASTER_ALERT for
// every one the tracker has not seen, followed by a delayed URGENT_ALERT for
// HIGH severity alerts. A feed failure counts as zero new alerts. Neither the
// fetch nor the tracker update is cancelled with ctx: alerts marked seen are
// always broadcast.
func (p *Poller) CheckNow(ctx context.Context) (int, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FetchTimeout)
	defer cancel()

	latest, err := p.feed.FetchAlerts(fetchCtx, p.cfg.NoveltyLimit)
	if err != nil {
		p.health.recordFailure(err)
		p.metrics.FeedErrors.WithLabelValues("alerts").Inc()
		p.log.Warn().Err(err).Msg("Failed to fetch alerts")
		return 0, nil
	}
	p.health.recordSuccess(p.clock.Now())

	var (
		fresh   []feed.Alert
		tracked int
		ids     []string
		seq     uint64
	)
	err = p.hub.Exec(context.WithoutCancel(ctx), func() {
		for _, a := range latest {
			if !p.tracker.IsNew(a.ID) {
				continue
			}
			p.tracker.MarkSeen(a.ID)
			fresh = append(fresh, a)
		}
		tracked = p.tracker.Size()
		if len(fresh) > 0 && p.store != nil {
			p.snapshotSeq++
			seq = p.snapshotSeq
			ids = p.tracker.IDs()
		}
	})
	if err != nil {
		return 0, err
	}
	p.metrics.DedupTracked.Set(float64(tracked))

	if len(fresh) == 0 {
		p.log.Debug().Int("fetched", len(latest)).Msg("No new alerts")
		return 0, nil
	}

	now := p.clock.Now()
	for _, a := range fresh {
		p.hub.Broadcast(hub.NewDisasterAlert(a, now), session.All)
		p.metrics.AlertsBroadcast.WithLabelValues(string(hub.MsgNewDisasterAlert)).Inc()
		if a.Severity == feed.SeverityHigh {
			p.scheduleUrgent(a)
		}
	}
	p.saveState(seq, ids)

	p.log.Info().
		Int("fetched", len(latest)).
		Int("new", len(fresh)).
		Int("tracked", tracked).
		Msg("Broadcast new alerts")
	return len(fresh), nil
}

// scheduleUrgent arms the delayed escalation for a. After Stop the
// escalation is sent at once.
func (p *Poller) scheduleUrgent(a feed.Alert) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.sendUrgent(a)
		return
	}
	u := &urgentAlert{alert: a}
	u.timer = p.clock.AfterFunc(p.cfg.UrgentDelay, func() {
		if p.claimUrgent(u) {
			p.sendUrgent(u.alert)
		}
	})
	p.pending[u] = struct{}{}
	p.mu.Unlock()
}

// claimUrgent reports whether the caller is the one to send u.
func (p *Poller) claimUrgent(u *urgentAlert) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[u]; !ok {
		return false
	}
	delete(p.pending, u)
	return true
}

// flushUrgent sends every escalation still waiting on its timer.
func (p *Poller) flushUrgent() {
	p.mu.Lock()
	due := make([]*urgentAlert, 0, len(p.pending))
	for u := range p.pending {
		due = append(due, u)
		delete(p.pending, u)
	}
	p.mu.Unlock()

	for _, u := range due {
		u.timer.Stop()
		p.sendUrgent(u.alert)
	}
}

func (p *Poller) sendUrgent(a feed.Alert) {
	p.hub.Broadcast(hub.NewUrgentAlert(a, urgentSummary(a), p.clock.Now()), session.All)
	p.metrics.AlertsBroadcast.WithLabelValues(string(hub.MsgUrgentAlert)).Inc()
}

func urgentSummary(a feed.Alert) string {
	var b strings.Builder
	b.WriteString("URGENT: ")
	b.WriteString(a.Title)
	if a.Type != "" {
		fmt.Fprintf(&b, " (%s)", a.Type)
	}
	if len(a.Locations) > 0 {
		b.WriteString(" affecting ")
		b.WriteString(strings.Join(a.Locations, ", "))
	}
	return b.String()
}

// BroadcastSnapshot sends one COMPREHENSIVE_UPDATE with the newest alerts
// and reports and the severity breakdown. It does not touch the tracker.
// When the alert fetch fails the cycle is skipped; failed reports or stats
// are sent empty.
func (p *Poller) BroadcastSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
	defer cancel()

	latest, err := p.feed.FetchAlerts(ctx, p.cfg.ComprehensiveAlerts)
	if err != nil {
		p.health.recordFailure(err)
		p.metrics.FeedErrors.WithLabelValues("alerts").Inc()
		p.log.Warn().Err(err).Msg("Skipping comprehensive update")
		return
	}
	p.health.recordSuccess(p.clock.Now())

	reports, err := p.feed.FetchReports(ctx, p.cfg.ComprehensiveReports)
	if err != nil {
		p.metrics.FeedErrors.WithLabelValues("reports").Inc()
		p.log.Warn().Err(err).Msg("Failed to fetch reports")
		reports = nil
	}
	stats, err := p.feed.FetchStats(ctx)
	if err != nil {
		p.metrics.FeedErrors.WithLabelValues("stats").Inc()
		p.log.Warn().Err(err).Msg("Failed to fetch stats")
		stats = feed.Stats{}
	}

	data := hub.ComprehensiveData{
		Alerts:     feed.NewestAlerts(latest, snapshotAlerts),
		Reports:    feed.NewestReports(reports, snapshotReports),
		Statistics: toStatistics(stats),
	}
	p.hub.Broadcast(hub.NewComprehensiveUpdate(data, p.clock.Now()), session.All)
	p.metrics.AlertsBroadcast.WithLabelValues(string(hub.MsgComprehensiveUpdate)).Inc()
	p.log.Info().
		Int("alerts", len(data.Alerts)).
		Int("reports", len(data.Reports)).
		Msg("Broadcast comprehensive update")
}

func toStatistics(st feed.Stats) hub.Statistics {
	return hub.Statistics{
		Total:  st.Total,
		High:   st.BySeverity[feed.SeverityHigh],
		Medium: st.BySeverity[feed.SeverityMedium],
		Low:    st.BySeverity[feed.SeverityLow],
		ByType: st.ByType,
	}
}

// Status implements hub.AlertService. It reads the tracker and must run on
// the hub loop.
func (p *Poller) Status() hub.AlertStatus {
	h := p.health.snapshot(p.cfg.FailureThreshold)
	st := hub.AlertStatus{
		Running:             p.running.Load(),
		TrackedAlerts:       p.tracker.Size(),
		FeedHealth:          string(h.status),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
	}
	if !h.lastCheckAt.IsZero() {
		at := h.lastCheckAt
		st.LastCheckAt = &at
	}
	return st
}

// Reset clears the tracker so the next check rebroadcasts everything.
func (p *Poller) Reset(ctx context.Context) error {
	var seq uint64
	if err := p.hub.Exec(ctx, func() {
		p.tracker.Reset()
		p.snapshotSeq++
		seq = p.snapshotSeq
	}); err != nil {
		return err
	}
	p.metrics.DedupTracked.Set(0)
	p.saveState(seq, []string{})
	p.log.Info().Msg("Dedup tracker reset")
	return nil
}

func (p *Poller) loadState(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	ids, err := p.store.Load()
	if err != nil {
		p.log.Warn().Err(err).Str("path", p.store.Path()).Msg("Ignoring unreadable dedup state")
		return nil
	}
	var tracked int
	if err := p.hub.Exec(ctx, func() {
		p.tracker.Restore(ids)
		tracked = p.tracker.Size()
	}); err != nil {
		return err
	}
	p.metrics.DedupTracked.Set(float64(tracked))
	p.log.Info().Int("tracked", tracked).Str("path", p.store.Path()).Msg("Restored dedup state")
	return nil
}

// saveState writes the tracker snapshot taken at seq when persistence is
// enabled. A nil slice means nothing changed. A snapshot older than the last
// one written is skipped.
func (p *Poller) saveState(seq uint64, ids []string) {
	if p.store == nil || ids == nil {
		return
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if seq <= p.savedSeq {
		p.log.Debug().Uint64("seq", seq).Uint64("saved_seq", p.savedSeq).Msg("Skipping stale dedup snapshot")
		return
	}
	p.savedSeq = seq
	if err := p.store.Save(ids); err != nil {
		p.log.Error().Err(err).Str("path", p.store.Path()).Msg("Failed to persist dedup state")
	}
}
