package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	qstashx "github.com/LeaveC/xianyubot/pkg/qstash"
)

// Publisher is the queue an escalation is handed to.
type Publisher interface {
	Publish(ctx context.Context, payload any, dedupID string) (qstashx.PublishResponse, error)
}

var (
	_ contractx.Escalator = (*QueueEscalator)(nil)
	_ contractx.Escalator = LogEscalator{}
)

type escalationMessage struct {
	contractx.Escalation
	RaisedAt time.Time `json:"raised_at"`
}

// QueueEscalator publishes escalations so a human seller gets notified.
type QueueEscalator struct {
	publisher Publisher
	now       func() time.Time
}

func NewQueueEscalator(p Publisher) *QueueEscalator {
	return &QueueEscalator{publisher: p, now: time.Now}
}

func (e *QueueEscalator) Escalate(ctx context.Context, esc contractx.Escalation) error {
	msg := escalationMessage{Escalation: esc, RaisedAt: e.now().UTC()}
	// one notification per conversation and reason
	dedupID := fmt.Sprintf("%s-%s", esc.Key, esc.Reason)

	resp, err := e.publisher.Publish(ctx, msg, dedupID)
	if err != nil {
		return err
	}
	log.Info().
		Str("conversation", esc.Key).
		Str("reason", esc.Reason).
		Str("message_id", resp.MessageID).
		Msg("escalation published")
	return nil
}

// LogEscalator only logs; used when no queue is configured.
type LogEscalator struct{}

func (LogEscalator) Escalate(ctx context.Context, esc contractx.Escalation) error {
	log.Warn().
		Str("conversation", esc.Key).
		Str("reason", esc.Reason).
		Str("item", esc.ItemID).
		Float64("price", esc.Price).
		Msg("conversation needs a human seller")
	return nil
}
