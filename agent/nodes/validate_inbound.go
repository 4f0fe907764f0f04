package routernode

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeaveC/xianyubot/agent/agents/negotiation"
	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

var (
	ErrInvalidMessage = errors.New("message is empty")
	ErrInvalidKey     = errors.New("conversation key is empty")
)

type GraphInput struct {
	Key     string
	BuyerID string
	Message statex.Message
	Item    statex.Item
}

type GraphOutput struct {
	Reply     string
	Label     contractx.Intent
	Degraded  bool
	Duplicate bool
	Escalated bool
	// Delivered is false when the transport refused the reply.
	Delivered bool
}

type GraphState struct {
	Key     string
	BuyerID string
	Item    statex.Item
	Message statex.Message
	Now     time.Time

	Conversation statex.Conversation
	Duplicate    bool

	Label    contractx.Classification
	Reply    contractx.Reply
	Degraded bool

	Delivered bool
	Escalated bool
}

func ValidateInbound(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return nil, ErrInvalidKey
	}

	msg := in.Message
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return nil, ErrInvalidMessage
	}

	now := nowFn().UTC()
	msg.Role = statex.RoleBuyer
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if _, ok := msg.Price(); !ok {
		if price, found := negotiation.ParsePrice(msg.Text); found {
			msg.Payload = &statex.Payload{Price: &price}
		}
	}

	return &GraphState{
		Key:     key,
		BuyerID: strings.TrimSpace(in.BuyerID),
		Item:    in.Item,
		Message: msg,
		Now:     now,
	}, nil
}
