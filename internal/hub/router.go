package hub

import (
	"bytes"
	"encoding/json"

	"github.com/relief-hub/backend/internal/session"
)

const (
	errInvalidFormat       = "Invalid message format"
	errUserIDRequired      = "userId is required"
	errCoordinatesRequired = "coordinates are required"
	errInvalidCoordinates  = "Invalid coordinates"
	errInvalidLocation     = "Invalid location"
	errSOSForbidden        = "Only rescue team members can broadcast SOS locations"
	errCheckForbidden      = "Unauthorized: only rescue team members and coordinators can trigger alert checks"
	errAlertsUnavailable   = "Alert service unavailable"
)

// inbound holds the fields the router inspects. Everything else in the
// envelope is carried through untouched by relays.
type inbound struct {
	Type        string          `json:"type"`
	UserID      string          `json:"userId"`
	Location    json.RawMessage `json:"location"`
	Coordinates json.RawMessage `json:"coordinates"`
	IsSOS       bool            `json:"isSOS"`
}

var knownInbound = map[MessageType]bool{
	MsgJoinRescueTeam:         true,
	MsgJoinCoordinator:        true,
	MsgJoinMapUpdates:         true,
	MsgJoinAlertUpdates:       true,
	MsgJoinDonationUpdates:    true,
	MsgLocationUpdate:         true,
	MsgSOSLocationUpdate:      true,
	MsgFacilityCapacityUpdate: true,
	MsgRequestAlertStatus:     true,
	MsgForceAlertCheck:        true,
	MsgPing:                   true,
}

// route handles one inbound message from s. Must run on the loop.
func (h *Hub) route(s *session.Session, data []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		h.reply(s, NewError(errInvalidFormat))
		return
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
		h.reply(s, NewError(errInvalidFormat))
		return
	}

	kind := MessageType(envelope.Type)
	if !knownInbound[kind] {
		// Unrecognized kinds go to everyone else verbatim, whatever their fields hold.
		h.metrics.InboundMessages.WithLabelValues(string(msgRelay)).Inc()
		h.relay(rawMessage(data), session.Except(s.ID, session.All))
		return
	}
	h.metrics.InboundMessages.WithLabelValues(string(kind)).Inc()

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(s, NewError(errInvalidFormat))
		return
	}

	switch kind {
	case MsgJoinRescueTeam:
		h.handleJoin(s, msg, session.RoleRescueTeam, MsgJoinSuccess, "Successfully joined rescue team")
	case MsgJoinCoordinator:
		h.handleJoin(s, msg, session.RoleCoordinator, MsgCoordinatorJoinSuccess, "Successfully joined as coordinator")
	case MsgJoinMapUpdates:
		h.handleJoinMap(s, msg)
	case MsgJoinAlertUpdates:
		s.SubscribeAlerts()
		h.reply(s, AckMessage{Type: MsgAlertSubscriptionSuccess, Message: "Subscribed to alert updates"})
	case MsgJoinDonationUpdates:
		s.SubscribeDonations()
		h.reply(s, AckMessage{Type: MsgDonationSubscriptionSuccess, Message: "Subscribed to donation updates"})
	case MsgLocationUpdate:
		h.handleLocationUpdate(s, msg, fields)
	case MsgSOSLocationUpdate:
		h.handleSOS(s, msg, fields)
	case MsgFacilityCapacityUpdate:
		h.relay(newRelay(MsgFacilityUpdate, fields, s.UserID(), h.clock.Now()), session.Except(s.ID, session.MapSubscribers))
	case MsgRequestAlertStatus:
		h.reply(s, AlertStatusMessage{Type: MsgAlertStatus, Status: h.alertStatus(), Timestamp: h.clock.Now()})
	case MsgForceAlertCheck:
		h.handleForceCheck(s)
	case MsgPing:
		h.reply(s, PongMessage{Type: MsgPong})
	}
}

func (h *Hub) handleJoin(s *session.Session, msg inbound, role session.Role, ack MessageType, text string) {
	if msg.UserID == "" {
		h.reply(s, NewError(errUserIDRequired))
		return
	}
	if !s.ClaimRole(role, msg.UserID) {
		h.reply(s, NewError("Role already assigned: "+s.Role().String()))
		return
	}
	h.log.Info().
		Str("session_id", s.ID).
		Str("user_id", s.UserID()).
		Stringer("role", role).
		Msg("Session joined")
	h.reply(s, AckMessage{Type: ack, Message: text})
}

func (h *Hub) handleJoinMap(s *session.Session, msg inbound) {
	var loc *session.Location
	if present(msg.Location) {
		var l session.Location
		if err := json.Unmarshal(msg.Location, &l); err != nil {
			h.reply(s, NewError(errInvalidLocation))
			return
		}
		loc = &l
	}
	s.SubscribeMap(loc)
	h.reply(s, AckMessage{Type: MsgMapSubscriptionSuccess, Message: "Subscribed to map updates"})
}

func (h *Hub) handleLocationUpdate(s *session.Session, msg inbound, fields map[string]json.RawMessage) {
	loc, ok := h.parseCoordinates(s, msg)
	if !ok {
		return
	}
	s.SetLocation(loc)
	if msg.IsSOS {
		h.relay(newRelay(MsgSOSLocationUpdate, fields, s.UserID(), h.clock.Now()), session.Except(s.ID, session.HasRole(session.RoleRescueTeam)))
	}
}

func (h *Hub) handleSOS(s *session.Session, msg inbound, fields map[string]json.RawMessage) {
	if s.Role() != session.RoleRescueTeam {
		h.reply(s, NewError(errSOSForbidden))
		return
	}
	loc, ok := h.parseCoordinates(s, msg)
	if !ok {
		return
	}
	s.SetLocation(loc)
	h.relay(newRelay(MsgSOSLocationUpdate, fields, s.UserID(), h.clock.Now()), session.Except(s.ID, session.HasRole(session.RoleRescueTeam)))
}

func (h *Hub) handleForceCheck(s *session.Session) {
	if r := s.Role(); r != session.RoleRescueTeam && r != session.RoleCoordinator {
		h.reply(s, NewError(errCheckForbidden))
		return
	}
	if h.alerts == nil {
		h.reply(s, NewError(errAlertsUnavailable))
		return
	}
	h.alerts.TriggerCheck()
	h.log.Info().Str("session_id", s.ID).Str("user_id", s.UserID()).Msg("Alert check triggered")
	h.reply(s, AlertCheckTriggeredMessage{
		Type:      MsgAlertCheckTriggered,
		Message:   "Alert check triggered",
		Timestamp: h.clock.Now(),
	})
}

// parseCoordinates replies with an ERROR and reports false when the
// coordinates are missing or malformed.
func (h *Hub) parseCoordinates(s *session.Session, msg inbound) (session.Location, bool) {
	var loc session.Location
	if !present(msg.Coordinates) {
		h.reply(s, NewError(errCoordinatesRequired))
		return loc, false
	}
	if err := json.Unmarshal(msg.Coordinates, &loc); err != nil {
		h.reply(s, NewError(errInvalidCoordinates))
		return loc, false
	}
	return loc, true
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
