package routernode

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/LeaveC/xianyubot/agent/agents/responder"
	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

// DispatchResponder asks the responder registered for the label for a reply.
// A failing responder falls back to the general responder once, then to the
// static apology, in which case the turn is marked degraded.
func DispatchResponder(
	ctx context.Context,
	in *GraphState,
	registry contractx.Registry,
	collab *Collaboration,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	label := in.Label.Label
	primary := registry.Lookup(label)

	if helpers := collab.helpersFor(label); len(helpers) > 0 {
		out, err := collab.run(ctx, in.Key, in.Conversation, primary, helpers)
		if err == nil {
			in.Reply = out
			return in, nil
		}
		log.Warn().Err(err).Str("conversation", in.Key).Str("intent", string(label)).Msg("primary responder failed in collaborative turn")
	} else {
		out, err := ask(ctx, primary, in.Key, in.Conversation)
		if err == nil {
			in.Reply = out
			return in, nil
		}
		log.Warn().Err(err).Str("conversation", in.Key).Str("intent", string(label)).Msg("responder failed, trying general")
	}

	fallback, err := ask(ctx, registry.General(), in.Key, in.Conversation)
	if err == nil {
		in.Reply = fallback
		return in, nil
	}

	log.Error().Err(err).Str("conversation", in.Key).Str("intent", string(label)).Msg("general responder failed, sending apology")
	in.Reply = contractx.Reply{Text: responder.StaticApology}
	in.Degraded = true
	return in, nil
}

// ask calls r and treats an empty text as a failure.
func ask(ctx context.Context, r contractx.Responder, key string, conv statex.Conversation) (contractx.Reply, error) {
	out, err := r.Reply(ctx, key, conv)
	if err != nil {
		return contractx.Reply{}, err
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Text == "" {
		return contractx.Reply{}, fmt.Errorf("%w: empty reply", contractx.ErrResponder)
	}
	return out, nil
}
