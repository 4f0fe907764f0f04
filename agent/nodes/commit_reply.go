package routernode

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/LeaveC/xianyubot/agent/agents/responder"
	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

const reasonFinalOffer = "negotiation_final_offer"

type CommitDeps struct {
	Store     statex.ContextStore
	Sender    contractx.Sender
	Filter    *responder.SafetyFilter
	Escalator contractx.Escalator
}

// CommitReply sends the reply and records its effects: the bot message, the
// negotiation lineage, the stage and an escalation when one was requested.
func CommitReply(ctx context.Context, in *GraphState, deps CommitDeps) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	text := in.Reply.Text
	if deps.Filter != nil {
		if safe, blocked := deps.Filter.Apply(text); blocked {
			log.Warn().Str("conversation", in.Key).Msg("reply replaced by safety filter")
			text = safe
		}
	}
	in.Reply.Text = text

	if err := deps.Sender.Send(ctx, in.Key, text); err != nil {
		log.Error().Err(err).Str("conversation", in.Key).Msg("reply not delivered")
	} else {
		in.Delivered = true
	}

	botMsg := statex.Message{
		ID:        uuid.NewString(),
		Role:      statex.RoleBot,
		Text:      text,
		Timestamp: in.Now,
	}
	if in.Reply.Offer != nil {
		offer := *in.Reply.Offer
		botMsg.Payload = &statex.Payload{Price: &offer}
	}
	if err := deps.Store.Append(in.Key, botMsg); err != nil {
		return nil, err
	}

	if n := in.Reply.Negotiation; n != nil {
		if err := deps.Store.SetNegotiation(in.Key, n); err != nil {
			return nil, fmt.Errorf("%w: %w", contractx.ErrNegotiationConstraint, err)
		}
	}

	if target, ok := advanceTo(in.Conversation.Stage, in.Reply.Advance); ok {
		if err := deps.Store.SetStage(in.Key, target, false); err != nil {
			if !errors.Is(err, statex.ErrInvalidTransition) {
				return nil, err
			}
			log.Warn().Err(err).Str("conversation", in.Key).Msg("stage not advanced")
		} else {
			log.Info().Str("conversation", in.Key).Str("stage", string(target)).Msg("stage advanced")
		}
	}

	if in.Reply.Escalate && deps.Escalator != nil {
		esc := contractx.Escalation{
			Key:     in.Key,
			ItemID:  in.Conversation.Item.ID,
			BuyerID: in.Conversation.BuyerID,
			Reason:  reasonFinalOffer,
		}
		if in.Reply.Offer != nil {
			esc.Price = *in.Reply.Offer
		}
		if err := deps.Escalator.Escalate(ctx, esc); err != nil {
			log.Error().Err(err).Str("conversation", in.Key).Msg("escalation failed")
		} else {
			in.Escalated = true
		}
	}

	return in, nil
}

// advanceTo reports whether next moves the stage forward from cur. Replies
// never move a conversation backwards.
func advanceTo(cur statex.Stage, next *statex.Stage) (statex.Stage, bool) {
	if next == nil || !next.Valid() || *next == cur {
		return "", false
	}
	if next.Before(cur) {
		return "", false
	}
	return *next, true
}
