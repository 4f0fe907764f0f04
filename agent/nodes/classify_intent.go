package routernode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

// ClassifyIntent labels the inbound message. Classifier failures never reach
// the buyer: a timeout or error downgrades the label to other.
func ClassifyIntent(
	ctx context.Context,
	in *GraphState,
	classifier contractx.Classifier,
	timeout time.Duration,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := classifier.Classify(cctx, in.Key, in.Message, in.Conversation)
	switch {
	case err != nil:
		log.Warn().
			Err(fmt.Errorf("%w: %v", contractx.ErrClassification, err)).
			Str("conversation", in.Key).
			Msg("classification failed, using other")
		res = contractx.Classification{Label: contractx.IntentOther}
	case !res.Label.Valid():
		log.Warn().Str("conversation", in.Key).Str("intent", string(res.Label)).Msg("unknown intent label, using other")
		res = contractx.Classification{Label: contractx.IntentOther}
	}

	in.Label = res
	log.Debug().Str("conversation", in.Key).Str("intent", string(res.Label)).Float64("confidence", res.Confidence).Msg("intent classified")
	return in, nil
}
