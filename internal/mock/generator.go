// Package mock provides a synthetic alert feed for local development.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/relief-hub/backend/internal/feed"
)

const (
	defaultPublishChance = 0.35
	seedAlerts           = 3
	maxPublished         = 200
)

type mockDisaster struct {
	title     string
	typ       string
	severity  feed.Severity
	locations []string
	source    string
}

var catalog = []mockDisaster{
	{title: "Turkey: Earthquake", typ: "Earthquake", severity: feed.SeverityHigh,
		locations: []string{"Türkiye", "Syrian Arab Republic"}, source: "UN OCHA"},
	{title: "Bangladesh: Monsoon Floods", typ: "Flood", severity: feed.SeverityMedium,
		locations: []string{"Bangladesh"}, source: "IFRC"},
	{title: "Philippines: Tropical Cyclone", typ: "Tropical Cyclone", severity: feed.SeverityHigh,
		locations: []string{"Philippines"}, source: "NDRRMC"},
	{title: "Somalia: Drought", typ: "Drought", severity: feed.SeverityLow,
		locations: []string{"Somalia", "Ethiopia", "Kenya"}, source: "FAO"},
	{title: "Chile: Wild Fires", typ: "Wild Fire", severity: feed.SeverityMedium,
		locations: []string{"Chile"}, source: "CONAF"},
	{title: "Indonesia: Volcano Eruption", typ: "Volcano", severity: feed.SeverityHigh,
		locations: []string{"Indonesia"}, source: "BNPB"},
	{title: "Malawi: Cholera Outbreak", typ: "Epidemic", severity: feed.SeverityMedium,
		locations: []string{"Malawi"}, source: "WHO"},
	{title: "Pakistan: Flash Floods", typ: "Flash Flood", severity: feed.SeverityHigh,
		locations: []string{"Pakistan"}, source: "NDMA"},
	{title: "Madagascar: Food Insecurity", typ: "Insect Infestation", severity: feed.SeverityLow,
		locations: []string{"Madagascar"}, source: "WFP"},
}

// Generator implements feed.Client. Each FetchAlerts call may publish the
// next catalog entry under a fresh ID, so novelty checks see new alerts
// now and then.
type Generator struct {
	mu            sync.Mutex
	rng           *rand.Rand
	clock         clockwork.Clock
	publishChance float64
	next          int
	published     []feed.Alert
	reports       []feed.Report
}

var _ feed.Client = (*Generator)(nil)

func NewGenerator(clock clockwork.Clock, seed int64) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	g := &Generator{
		rng:           rand.New(rand.NewSource(seed)),
		clock:         clock,
		publishChance: defaultPublishChance,
	}
	for i := 0; i < seedAlerts; i++ {
		g.publish()
	}
	return g
}

// SetPublishChance sets the probability in [0,1] that a fetch publishes a new alert.
func (g *Generator) SetPublishChance(p float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.publishChance = p
}

func (g *Generator) FetchAlerts(ctx context.Context, limit int) ([]feed.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rng.Float64() < g.publishChance {
		g.publish()
	}
	return feed.NewestAlerts(g.published, limit), nil
}

func (g *Generator) FetchReports(ctx context.Context, limit int) ([]feed.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return feed.NewestReports(g.reports, limit), nil
}

func (g *Generator) FetchStats(ctx context.Context) (feed.Stats, error) {
	if err := ctx.Err(); err != nil {
		return feed.Stats{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return feed.ComputeStats(g.published), nil
}

// publish appends the next catalog entry. Caller must hold g.mu.
func (g *Generator) publish() {
	d := catalog[g.next%len(catalog)]
	g.next++
	now := g.clock.Now()
	id := uuid.NewString()

	a := feed.Alert{
		ID:        id,
		Title:     fmt.Sprintf("%s - %s", d.title, now.Format("Jan 2006")),
		Type:      d.typ,
		Severity:  d.severity,
		Locations: append([]string(nil), d.locations...),
		Timestamp: now,
		URL:       "https://reliefweb.int/disaster/mock-" + id[:8],
	}
	g.published = append(g.published, a)
	g.reports = append(g.reports, feed.Report{
		ID:        uuid.NewString(),
		Title:     "Situation Report: " + a.Title,
		Source:    d.source,
		Locations: a.Locations,
		Timestamp: now,
		URL:       "https://reliefweb.int/report/mock-" + id[:8],
	})

	if len(g.published) > maxPublished {
		g.published = g.published[len(g.published)-maxPublished:]
	}
	if len(g.reports) > maxPublished {
		g.reports = g.reports[len(g.reports)-maxPublished:]
	}
}
