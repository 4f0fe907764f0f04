package transport

import (
	"time"

	statex "github.com/LeaveC/xianyubot/agent/state"
)

type EventType string

const (
	EventNewMessage        EventType = "new_message"
	EventOrderStatus       EventType = "order_status"
	EventDisconnected      EventType = "disconnected"
	EventCredentialExpired EventType = "credential_expired"
)

// Event is what the transport hands to the dispatcher.
type Event struct {
	Type    EventType
	Key     string
	BuyerID string
	Message statex.Message
	Item    statex.Item
	// Stage is set on order status events.
	Stage statex.Stage
	Err   error
	At    time.Time
}
