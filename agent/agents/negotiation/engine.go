package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

const (
	phraseClarify      = "请问您心理价位是多少呢？直接报个数字就好～"
	phraseCounter      = "这个价格有点低了，最低可以给您 %s 元。"
	phraseLower        = "可以给您便宜一点，%s 元怎么样？"
	phraseAgree        = "好的，%s 元成交，您直接拍下我来改价。"
	phraseFinal        = "%s 元是最低价了，真的不能再少了。"
	phraseRestateDeal  = "之前说好的 %s 元，您直接拍下我来改价。"
	phraseRestateFloor = "最低 %s 元，真的不能再少了。"
)

var _ contractx.Responder = (*Engine)(nil)

// Engine runs the tiered concession policy. It never touches storage: the
// updated lineage travels back in Reply.Negotiation.
type Engine struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, now: time.Now}, nil
}

func (e *Engine) Reply(ctx context.Context, key string, conv statex.Conversation) (contractx.Reply, error) {
	msg, ok := conv.LastBuyerMessage()
	if !ok {
		return contractx.Reply{}, fmt.Errorf("%w: negotiation: no buyer message", contractx.ErrResponder)
	}

	n, err := e.lineage(conv)
	if err != nil {
		return contractx.Reply{}, err
	}

	logger := log.With().Str("conversation", key).Int("round", n.Round).Logger()

	switch n.Outcome {
	case statex.OutcomeAgreed:
		return contractx.Reply{
			Text:  fmt.Sprintf(phraseRestateDeal, FormatPrice(n.AgreedPrice)),
			Offer: floatPtr(n.AgreedPrice),
		}, nil
	case statex.OutcomeClosed:
		return contractx.Reply{
			Text:  fmt.Sprintf(phraseRestateFloor, FormatPrice(n.Floor)),
			Offer: floatPtr(n.Floor),
		}, nil
	}

	ask, ok := msg.Price()
	if !ok {
		var parsed Ask
		if parsed, ok = ParseAsk(msg.Text); ok {
			ask = parsed.Amount
			if parsed.Discount {
				ask = roundCents(n.CurrentOffer - parsed.Amount)
				ok = ask > 0
			}
		}
	}

	if !ok {
		if !n.ClarifyPending {
			n.ClarifyPending = true
			return e.reply(n, phraseClarify, nil, false), nil
		}
		n.ClarifyPending = false
		return e.offer(logger, n, phraseLower), nil
	}

	n.ClarifyPending = false
	n.History = append(n.History, statex.Offer{
		Price:     ask,
		Direction: statex.DirectionBuyerAsk,
		Round:     n.Round,
		At:        e.now().UTC(),
	})

	if ask >= n.CurrentOffer {
		return e.agree(n, n.CurrentOffer), nil
	}
	if ask >= n.Floor && ask >= e.nextOffer(n) {
		return e.agree(n, ask), nil
	}
	return e.offer(logger, n, phraseCounter), nil
}

// lineage returns a working copy of the stored lineage, creating it on the
// first negotiation turn.
func (e *Engine) lineage(conv statex.Conversation) (*statex.NegotiationState, error) {
	if conv.Negotiation != nil {
		return conv.Negotiation.Clone(), nil
	}

	p := conv.Item.Price
	if p <= 0 {
		p = e.cfg.DefaultReferencePrice
	}
	if p <= 0 {
		return nil, fmt.Errorf("%w: negotiation: reference price unknown", contractx.ErrResponder)
	}

	n, err := statex.NewNegotiationState(roundCents(p), e.cfg.floor(roundCents(p)))
	if err != nil {
		return nil, fmt.Errorf("%w: negotiation: %v", contractx.ErrResponder, err)
	}
	return n, nil
}

func (e *Engine) nextOffer(n *statex.NegotiationState) float64 {
	next := roundCents(n.CurrentOffer - e.cfg.step(n.ReferencePrice, n.Round))
	if next < n.Floor {
		next = n.Floor
	}
	return next
}

func (e *Engine) offer(logger zerolog.Logger, n *statex.NegotiationState, phrase string) contractx.Reply {
	final := n.Round >= e.cfg.MaxRounds
	price := n.Floor
	if !final {
		price = e.nextOffer(n)
	}

	if price < n.Floor || price > n.CurrentOffer {
		logger.Error().
			Err(contractx.ErrNegotiationConstraint).
			Float64("price", price).
			Float64("floor", n.Floor).
			Float64("current", n.CurrentOffer).
			Msg("offer out of bounds, clamping")
		price = clamp(price, n.Floor, n.CurrentOffer)
	}

	n.Round++
	n.CurrentOffer = price
	n.History = append(n.History, statex.Offer{
		Price:     price,
		Direction: statex.DirectionBotOffer,
		Round:     n.Round,
		At:        e.now().UTC(),
	})

	if final {
		n.Outcome = statex.OutcomeClosed
		logger.Info().Float64("floor", n.Floor).Msg("negotiation reached final offer")
		return e.reply(n, fmt.Sprintf(phraseFinal, FormatPrice(price)), floatPtr(price), true)
	}
	return e.reply(n, fmt.Sprintf(phrase, FormatPrice(price)), floatPtr(price), false)
}

func (e *Engine) agree(n *statex.NegotiationState, price float64) contractx.Reply {
	n.Outcome = statex.OutcomeAgreed
	n.AgreedPrice = price
	r := e.reply(n, fmt.Sprintf(phraseAgree, FormatPrice(price)), floatPtr(price), false)
	r.Advance = contractx.StagePtr(statex.StageAgreed)
	return r
}

func (e *Engine) reply(n *statex.NegotiationState, text string, offer *float64, escalate bool) contractx.Reply {
	return contractx.Reply{
		Text:        text,
		Advance:     contractx.StagePtr(statex.StageNegotiating),
		Offer:       offer,
		Negotiation: n,
		Escalate:    escalate,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func floatPtr(v float64) *float64 {
	return &v
}
