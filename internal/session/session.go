package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role classifies a connection. A role is claimed at most once per
// connection; see Session.ClaimRole.
type Role int

const (
	RoleNone Role = iota
	RoleRescueTeam
	RoleCoordinator
)

var roleNames = map[Role]string{
	RoleNone:        "none",
	RoleRescueTeam:  "rescueTeam",
	RoleCoordinator: "coordinator",
}

var roleFromName = map[string]Role{
	"none":        RoleNone,
	"rescueTeam":  RoleRescueTeam,
	"coordinator": RoleCoordinator,
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRole maps a wire name ("rescueTeam", "coordinator", "none") to a Role.
func ParseRole(s string) (Role, error) {
	if v, ok := roleFromName[s]; ok {
		return v, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// Transport is the write side of one live connection. Implementations must
// never block: Send and Ping report false when the message could not be
// queued, and the caller drops it.
type Transport interface {
	Send(data []byte) bool
	Ping() bool
	Close()
}

// Session is one accepted real-time connection. It is owned by the hub loop
// and must only be read or mutated from there.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport

	role   Role
	userID string

	mapSubscriber      bool
	alertSubscriber    bool
	donationSubscriber bool

	lastKnownLocation *Location
	alive             bool
}

// New returns a connected session. Sessions start alive so that the first
// heartbeat round probes rather than evicts them.
func New(id string, t Transport, remoteAddr string, now time.Time) *Session {
	return &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		transport:   t,
		alive:       true,
	}
}

func (s *Session) Role() Role { return s.role }
func (s *Session) UserID() string { return s.userID }
func (s *Session) MapSubscriber() bool { return s.mapSubscriber }
func (s *Session) AlertSubscriber() bool { return s.alertSubscriber }
func (s *Session) DonationSubscriber() bool { return s.donationSubscriber }
func (s *Session) LastKnownLocation() *Location { return s.lastKnownLocation }
func (s *Session) Alive() bool { return s.alive }

// ClaimRole latches role and userID. The first successful claim wins: once
// the session holds a role other than RoleNone, later claims are refused and
// nothing is mutated. Claiming the role already held is reported as success.
func (s *Session) ClaimRole(role Role, userID string) bool {
	if role == RoleNone {
		return false
	}
	if s.role != RoleNone {
		return s.role == role
	}
	s.role = role
	s.userID = userID
	return true
}

// SubscribeMap latches the map subscription and records loc when present.
func (s *Session) SubscribeMap(loc *Location) {
	s.mapSubscriber = true
	if loc != nil {
		s.lastKnownLocation = loc
	}
}

func (s *Session) SubscribeAlerts() { s.alertSubscriber = true }
func (s *Session) SubscribeDonations() { s.donationSubscriber = true }

func (s *Session) SetLocation(loc Location) {
	s.lastKnownLocation = &loc
}

// MarkAlive records a liveness acknowledgment.
func (s *Session) MarkAlive() { s.alive = true }

// Probe clears the liveness flag and queues a probe on the transport. It
// reports whether the session answered the previous probe; a false result
// means the caller should evict it.
func (s *Session) Probe() bool {
	if !s.alive {
		return false
	}
	s.alive = false
	s.transport.Ping()
	return true
}

// Send queues data without blocking. It reports false when the transport
// dropped the message.
func (s *Session) Send(data []byte) bool {
	return s.transport.Send(data)
}

func (s *Session) Close() {
	s.transport.Close()
}
