package mock

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/relief-hub/backend/internal/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_SeedsAlerts(t *testing.T) {
	g := NewGenerator(clockwork.NewFakeClock(), 1)
	g.SetPublishChance(0)

	alerts, err := g.FetchAlerts(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, alerts, seedAlerts)

	ids := map[string]bool{}
	for _, a := range alerts {
		assert.NotEmpty(t, a.ID)
		assert.NotEmpty(t, a.Title)
		assert.Contains(t, []feed.Severity{feed.SeverityLow, feed.SeverityMedium, feed.SeverityHigh}, a.Severity)
		ids[a.ID] = true
	}
	assert.Len(t, ids, seedAlerts, "IDs must be unique")
}

func TestGenerator_PublishesNewAlerts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGenerator(clock, 1)
	g.SetPublishChance(1)

	clock.Advance(time.Minute)
	alerts, err := g.FetchAlerts(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, alerts, seedAlerts+1)
	assert.Equal(t, clock.Now(), alerts[0].Timestamp, "newest alert comes first")

	g.SetPublishChance(0)
	again, err := g.FetchAlerts(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, alerts, again, "nothing new without a publish")
}

func TestGenerator_LimitAndCap(t *testing.T) {
	g := NewGenerator(clockwork.NewFakeClock(), 1)
	g.SetPublishChance(1)

	for i := 0; i < maxPublished+10; i++ {
		_, err := g.FetchAlerts(context.Background(), 1)
		require.NoError(t, err)
	}
	alerts, err := g.FetchAlerts(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, alerts, 5)

	st, err := g.FetchStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, maxPublished, st.Total)
}

func TestGenerator_ReportsFollowAlerts(t *testing.T) {
	g := NewGenerator(clockwork.NewFakeClock(), 1)

	reports, err := g.FetchReports(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, reports, seedAlerts)
	assert.Contains(t, reports[0].Title, "Situation Report: ")
	assert.NotEmpty(t, reports[0].Source)
}

func TestGenerator_CancelledContext(t *testing.T) {
	g := NewGenerator(nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.FetchAlerts(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = g.FetchStats(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
