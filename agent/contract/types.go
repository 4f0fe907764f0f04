package contract

import (
	"strings"
	"time"

	statex "github.com/LeaveC/xianyubot/agent/state"
)

type Intent string

const (
	IntentGreeting        Intent = "greeting"
	IntentProductQuestion Intent = "product_question"
	IntentNegotiation     Intent = "negotiation"
	IntentLogistics       Intent = "logistics"
	IntentComplaint       Intent = "complaint"
	IntentOther           Intent = "other"
)

// Intents lists the closed label set in a stable order.
var Intents = []Intent{
	IntentGreeting,
	IntentProductQuestion,
	IntentNegotiation,
	IntentLogistics,
	IntentComplaint,
	IntentOther,
}

func (i Intent) Valid() bool {
	for _, v := range Intents {
		if v == i {
			return true
		}
	}
	return false
}

type Classification struct {
	Label      Intent  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Reply is what a responder proposes. The router commits it: Advance moves the
// stage forward, Negotiation replaces the stored lineage.
type Reply struct {
	Text        string                   `json:"text"`
	Advance     *statex.Stage            `json:"advance,omitempty"`
	Offer       *float64                 `json:"offer,omitempty"`
	Negotiation *statex.NegotiationState `json:"negotiation,omitempty"`
	Escalate    bool                     `json:"escalate,omitempty"`
}

func StagePtr(s statex.Stage) *statex.Stage {
	return &s
}

// Escalation is raised when a conversation needs a human seller.
type Escalation struct {
	Key     string  `json:"key"`
	ItemID  string  `json:"item_id,omitempty"`
	BuyerID string  `json:"buyer_id,omitempty"`
	Reason  string  `json:"reason"`
	Price   float64 `json:"price,omitempty"`
}

type Prompt struct {
	System      string
	History     []statex.Message
	User        string
	Temperature *float32
}

// Credential is what the platform session authenticates with.
type Credential struct {
	Cookie   string    `json:"cookie"`
	Token    string    `json:"token"`
	UserID   string    `json:"user_id"`
	DeviceID string    `json:"device_id"`
	IssuedAt time.Time `json:"issued_at"`
}

func (c Credential) Valid() bool {
	return strings.TrimSpace(c.Cookie) != "" && strings.TrimSpace(c.Token) != ""
}
