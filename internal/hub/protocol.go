package hub

import (
	"encoding/json"
	"time"

	"github.com/relief-hub/backend/internal/feed"
)

type MessageType string

// Inbound kinds.
const (
	MsgJoinRescueTeam         MessageType = "JOIN_RESCUE_TEAM"
	MsgJoinCoordinator        MessageType = "JOIN_COORDINATOR"
	MsgJoinMapUpdates         MessageType = "JOIN_MAP_UPDATES"
	MsgJoinAlertUpdates       MessageType = "JOIN_ALERT_UPDATES"
	MsgJoinDonationUpdates    MessageType = "JOIN_DONATION_UPDATES"
	MsgLocationUpdate         MessageType = "LOCATION_UPDATE"
	MsgSOSLocationUpdate      MessageType = "SOS_LOCATION_UPDATE"
	MsgFacilityCapacityUpdate MessageType = "FACILITY_CAPACITY_UPDATE"
	MsgRequestAlertStatus     MessageType = "REQUEST_ALERT_STATUS"
	MsgForceAlertCheck        MessageType = "FORCE_ALERT_CHECK"
	MsgPing                   MessageType = "PING"
)

// Outbound kinds. SOS_LOCATION_UPDATE is both inbound and outbound.
const (
	MsgError                       MessageType = "ERROR"
	MsgJoinSuccess                 MessageType = "JOIN_SUCCESS"
	MsgCoordinatorJoinSuccess      MessageType = "COORDINATOR_JOIN_SUCCESS"
	MsgMapSubscriptionSuccess      MessageType = "MAP_SUBSCRIPTION_SUCCESS"
	MsgAlertSubscriptionSuccess    MessageType = "ALERT_SUBSCRIPTION_SUCCESS"
	MsgDonationSubscriptionSuccess MessageType = "DONATION_SUBSCRIPTION_SUCCESS"
	MsgFacilityUpdate              MessageType = "FACILITY_UPDATE"
	MsgAlertStatus                 MessageType = "ALERT_STATUS"
	MsgAlertCheckTriggered         MessageType = "ALERT_CHECK_TRIGGERED"
	MsgPong                        MessageType = "PONG"
	MsgNewDisasterAlert            MessageType = "NEW_DISASTER_ALERT"
	MsgUrgentAlert                 MessageType = "URGENT_ALERT"
	MsgComprehensiveUpdate         MessageType = "COMPREHENSIVE_UPDATE"

	// msgRelay labels verbatim relays of unrecognized kinds in metrics.
	msgRelay MessageType = "RELAY"
)

// Outbound is implemented by every message the hub writes to a session.
type Outbound interface {
	Kind() MessageType
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (m ErrorMessage) Kind() MessageType { return m.Type }

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: MsgError, Message: message}
}

// AckMessage answers a successful JOIN_* message.
type AckMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (m AckMessage) Kind() MessageType { return m.Type }

// AlertStatus is the poller status snapshot.
type AlertStatus struct {
	Running             bool       `json:"isRunning"`
	TrackedAlerts       int        `json:"processedAlertsCount"`
	ConnectedClients    int        `json:"connectedClients"`
	LastCheckAt         *time.Time `json:"lastCheckAt,omitempty"`
	FeedHealth          string     `json:"feedHealth,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	Timestamp           time.Time  `json:"timestamp"`
}

type AlertStatusMessage struct {
	Type      MessageType `json:"type"`
	Status    AlertStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m AlertStatusMessage) Kind() MessageType { return m.Type }

type AlertCheckTriggeredMessage struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m AlertCheckTriggeredMessage) Kind() MessageType { return m.Type }

type PongMessage struct {
	Type MessageType `json:"type"`
}

func (m PongMessage) Kind() MessageType { return m.Type }

type NewDisasterAlertMessage struct {
	Type      MessageType `json:"type"`
	Alert     feed.Alert  `json:"alert"`
	IsNew     bool        `json:"isNew"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m NewDisasterAlertMessage) Kind() MessageType { return m.Type }

func NewDisasterAlert(a feed.Alert, now time.Time) NewDisasterAlertMessage {
	return NewDisasterAlertMessage{Type: MsgNewDisasterAlert, Alert: a, IsNew: true, Timestamp: now}
}

type UrgentAlertMessage struct {
	Type      MessageType `json:"type"`
	Alert     feed.Alert  `json:"alert"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m UrgentAlertMessage) Kind() MessageType { return m.Type }

func NewUrgentAlert(a feed.Alert, message string, now time.Time) UrgentAlertMessage {
	return UrgentAlertMessage{Type: MsgUrgentAlert, Alert: a, Message: message, Timestamp: now}
}

// Statistics is the severity breakdown carried by COMPREHENSIVE_UPDATE.
type Statistics struct {
	Total  int            `json:"total"`
	High   int            `json:"high"`
	Medium int            `json:"medium"`
	Low    int            `json:"low"`
	ByType map[string]int `json:"byType,omitempty"`
}

type ComprehensiveData struct {
	Alerts     []feed.Alert  `json:"alerts"`
	Reports    []feed.Report `json:"reports"`
	Statistics Statistics    `json:"statistics"`
}

type ComprehensiveUpdateMessage struct {
	Type      MessageType       `json:"type"`
	Data      ComprehensiveData `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

func (m ComprehensiveUpdateMessage) Kind() MessageType { return m.Type }

func NewComprehensiveUpdate(data ComprehensiveData, now time.Time) ComprehensiveUpdateMessage {
	return ComprehensiveUpdateMessage{Type: MsgComprehensiveUpdate, Data: data, Timestamp: now}
}

// relayMessage forwards the sender's original fields under a new type.
type relayMessage struct {
	kind   MessageType
	fields map[string]json.RawMessage
}

func (m relayMessage) Kind() MessageType { return m.kind }

func (m relayMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.fields)
}

// newRelay copies fields, sets "type" to kind and fills "from" and
// "timestamp" when the sender left them out.
func newRelay(kind MessageType, fields map[string]json.RawMessage, from string, now time.Time) relayMessage {
	out := make(map[string]json.RawMessage, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["type"], _ = json.Marshal(kind)
	if _, ok := out["from"]; !ok && from != "" {
		out["from"], _ = json.Marshal(from)
	}
	if _, ok := out["timestamp"]; !ok {
		out["timestamp"], _ = json.Marshal(now)
	}
	return relayMessage{kind: kind, fields: out}
}

// rawMessage is written exactly as received.
type rawMessage []byte

func (m rawMessage) Kind() MessageType { return msgRelay }

func (m rawMessage) MarshalJSON() ([]byte, error) {
	return []byte(m), nil
}
