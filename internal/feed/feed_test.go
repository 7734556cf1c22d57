package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relief-hub/backend/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const disastersJSON = `{
  "data": [
    {"id": "51234", "fields": {
      "name": "Kenya: Floods - Mar 2026",
      "status": "alert",
      "type": [{"name": "Flood"}],
      "country": [{"name": "Kenya"}, {"name": "Somalia"}],
      "date": {"created": "2026-03-02T08:00:00+00:00"},
      "url": "https://example.org/disaster/51234"
    }},
    {"id": 51235, "fields": {
      "name": "Chile: Drought - 2026",
      "status": "past",
      "type": [{"name": "Drought"}],
      "country": [{"name": "Chile"}],
      "date": {"created": "2026-01-15T00:00:00+00:00"},
      "url": "https://example.org/disaster/51235"
    }}
  ]
}`

const reportsJSON = `{
  "data": [
    {"id": "900", "fields": {
      "title": "Flood situation report #3",
      "source": [{"name": "OCHA"}],
      "country": [{"name": "Kenya"}],
      "date": {"created": "2026-03-03T10:00:00+00:00"},
      "url": "https://example.org/report/900"
    }}
  ]
}`

func newFeedServer(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/disasters":
			w.Write([]byte(disastersJSON))
		case "/reports":
			w.Write([]byte(reportsJSON))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &lastQuery
}

func TestHTTPClient_FetchAlerts(t *testing.T) {
	srv, lastQuery := newFeedServer(t)
	c := NewHTTPClient(srv.URL+"/", "relief-hub-test", 5*time.Second)

	alerts, err := c.FetchAlerts(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	a := alerts[0]
	assert.Equal(t, "51234", a.ID)
	assert.Equal(t, "Kenya: Floods - Mar 2026", a.Title)
	assert.Equal(t, "Flood", a.Type)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Equal(t, []string{"Kenya", "Somalia"}, a.Locations)
	assert.Equal(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), a.Timestamp.UTC())
	assert.Equal(t, "https://example.org/disaster/51234", a.URL)

	assert.Equal(t, "51235", alerts[1].ID, "numeric IDs are normalized to strings")
	assert.Equal(t, SeverityLow, alerts[1].Severity)

	q := lastQuery.Load().(string)
	assert.Contains(t, q, "appname=relief-hub-test")
	assert.Contains(t, q, "limit=20")
}

func TestHTTPClient_FetchReports(t *testing.T) {
	srv, _ := newFeedServer(t)
	c := NewHTTPClient(srv.URL, "test", 5*time.Second)

	reports, err := c.FetchReports(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "900", reports[0].ID)
	assert.Equal(t, "OCHA", reports[0].Source)
	assert.Equal(t, []string{"Kenya"}, reports[0].Locations)
}

func TestHTTPClient_FetchStats(t *testing.T) {
	srv, _ := newFeedServer(t)
	c := NewHTTPClient(srv.URL, "test", 5*time.Second)

	st, err := c.FetchStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.BySeverity[SeverityHigh])
	assert.Equal(t, 0, st.BySeverity[SeverityMedium])
	assert.Equal(t, 1, st.BySeverity[SeverityLow])
	assert.Equal(t, 1, st.ByType["Drought"])
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "test", time.Second).FetchAlerts(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "test", time.Second).FetchAlerts(context.Background(), 1)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status, typ string
		want        Severity
	}{
		{"alert", "Drought", SeverityHigh},
		{"Alert", "", SeverityHigh},
		{"current", "Earthquake", SeverityHigh},
		{"current", "Tropical Cyclone", SeverityHigh},
		{"ongoing", "Epidemic", SeverityMedium},
		{"current", "Flood", SeverityMedium},
		{"past", "Earthquake", SeverityLow},
		{"", "", SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.status, tt.typ), "classify(%q, %q)", tt.status, tt.typ)
	}
}

func TestNewestAlerts(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []Alert{
		{ID: "old", Timestamp: base},
		{ID: "newest", Timestamp: base.Add(2 * time.Hour)},
		{ID: "mid", Timestamp: base.Add(time.Hour)},
	}

	out := NewestAlerts(in, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "newest", out[0].ID)
	assert.Equal(t, "mid", out[1].ID)
	assert.Equal(t, "old", in[0].ID, "input must not be reordered")
}

type failingClient struct {
	calls atomic.Int32
	err   error
}

func (f *failingClient) FetchAlerts(context.Context, int) ([]Alert, error) {
	f.calls.Add(1)
	return nil, f.err
}

func (f *failingClient) FetchReports(context.Context, int) ([]Report, error) {
	f.calls.Add(1)
	return nil, f.err
}

func (f *failingClient) FetchStats(context.Context) (Stats, error) {
	f.calls.Add(1)
	return Stats{}, f.err
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingClient{err: errors.New("connection refused")}
	m := metrics.NewNop()
	b := NewBreaker(inner, BreakerSettings{MaxFailures: 3, OpenTimeout: time.Hour}, zerolog.Nop(), m)

	for i := 0; i < 3; i++ {
		_, err := b.FetchAlerts(context.Background(), 10)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FeedBreakerState))

	_, err := b.FetchReports(context.Background(), 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), inner.calls.Load(), "open breaker must not reach the provider")
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	inner := &failingClient{err: context.Canceled}
	b := NewBreaker(inner, BreakerSettings{MaxFailures: 1, OpenTimeout: time.Hour}, zerolog.Nop(), nil)

	for i := 0; i < 3; i++ {
		_, err := b.FetchStats(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_PassesResults(t *testing.T) {
	srv, _ := newFeedServer(t)
	b := NewBreaker(NewHTTPClient(srv.URL, "test", time.Second), BreakerSettings{}, zerolog.Nop(), nil)

	alerts, err := b.FetchAlerts(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}
