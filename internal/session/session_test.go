package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	sent   [][]byte
	pings  int
	closed bool
	full   bool
}

func (t *stubTransport) Send(data []byte) bool {
	if t.full {
		return false
	}
	t.sent = append(t.sent, data)
	return true
}

func (t *stubTransport) Ping() bool {
	t.pings++
	return true
}

func (t *stubTransport) Close() { t.closed = true }

func newTestSession(id string) (*Session, *stubTransport) {
	tr := &stubTransport{}
	return New(id, tr, "127.0.0.1:1", time.Unix(0, 0)), tr
}

func TestClaimRole_FirstClaimWins(t *testing.T) {
	tests := []struct {
		name   string
		first  Role
		second Role
		wantOK bool
	}{
		{"rescue then coordinator", RoleRescueTeam, RoleCoordinator, false},
		{"coordinator then rescue", RoleCoordinator, RoleRescueTeam, false},
		{"rescue twice", RoleRescueTeam, RoleRescueTeam, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSession("s1")
			require.True(t, s.ClaimRole(tt.first, "u1"))

			assert.Equal(t, tt.wantOK, s.ClaimRole(tt.second, "u2"))
			assert.Equal(t, tt.first, s.Role())
			assert.Equal(t, "u1", s.UserID(), "userId must not change after the role latched")
		})
	}
}

func TestClaimRole_NoneIsRejected(t *testing.T) {
	s, _ := newTestSession("s1")
	assert.False(t, s.ClaimRole(RoleNone, "u1"))
	assert.Equal(t, RoleNone, s.Role())
	assert.Empty(t, s.UserID())
}

func TestSubscriptionsLatch(t *testing.T) {
	s, _ := newTestSession("s1")
	assert.False(t, s.MapSubscriber())

	s.SubscribeMap(&Location{Lat: 1, Lng: 2})
	s.SubscribeMap(nil)
	s.SubscribeAlerts()
	s.SubscribeDonations()

	assert.True(t, s.MapSubscriber())
	assert.True(t, s.AlertSubscriber())
	assert.True(t, s.DonationSubscriber())
	require.NotNil(t, s.LastKnownLocation())
	assert.Equal(t, Location{Lat: 1, Lng: 2}, *s.LastKnownLocation())
}

func TestProbe_TwoRoundGrace(t *testing.T) {
	s, tr := newTestSession("s1")

	assert.True(t, s.Probe(), "a fresh session survives the first round")
	assert.Equal(t, 1, tr.pings)
	assert.False(t, s.Alive())

	assert.False(t, s.Probe(), "an unanswered probe means eviction")
	assert.Equal(t, 1, tr.pings, "no probe is sent to a session being evicted")
}

func TestProbe_AcknowledgedSurvives(t *testing.T) {
	s, tr := newTestSession("s1")

	for i := 0; i < 5; i++ {
		require.True(t, s.Probe())
		s.MarkAlive()
	}
	assert.Equal(t, 5, tr.pings)
}

func TestRoleJSON(t *testing.T) {
	data, err := json.Marshal(RoleRescueTeam)
	require.NoError(t, err)
	assert.JSONEq(t, `"rescueTeam"`, string(data))

	var r Role
	require.NoError(t, json.Unmarshal([]byte(`"coordinator"`), &r))
	assert.Equal(t, RoleCoordinator, r)

	assert.Error(t, json.Unmarshal([]byte(`"admin"`), &r))
}

func TestLocationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Location
		wantErr bool
	}{
		{"lat lng", `{"lat": 1.5, "lng": -2.25}`, Location{1.5, -2.25}, false},
		{"latitude longitude", `{"latitude": 10, "longitude": 20}`, Location{10, 20}, false},
		{"array", `[3, 4]`, Location{3, 4}, false},
		{"short array", `[3]`, Location{}, true},
		{"missing fields", `{"x": 1}`, Location{}, true},
		{"string", `"here"`, Location{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Location
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
