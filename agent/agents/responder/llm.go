package responder

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

const defaultHistoryLimit = 10

var _ contractx.Responder = (*LLMResponder)(nil)

type Option func(*LLMResponder)

func WithHistoryLimit(n int) Option {
	return func(r *LLMResponder) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithBargainTemperature raises sampling temperature as the negotiation drags on.
func WithBargainTemperature() Option {
	return func(r *LLMResponder) {
		r.bargainTemperature = true
	}
}

// LLMResponder answers from the conversation history using a role prompt.
type LLMResponder struct {
	name               string
	completer          contractx.Completer
	systemPrompt       string
	historyLimit       int
	bargainTemperature bool
}

func NewLLMResponder(name string, completer contractx.Completer, systemPrompt string, opts ...Option) (*LLMResponder, error) {
	if completer == nil {
		return nil, fmt.Errorf("%w: completer is required for responder=%s", contractx.ErrValidation, name)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required for responder=%s", contractx.ErrValidation, name)
	}
	r := &LLMResponder{
		name:         name,
		completer:    completer,
		systemPrompt: systemPrompt,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *LLMResponder) Name() string {
	return r.name
}

func (r *LLMResponder) Reply(ctx context.Context, key string, conv statex.Conversation) (contractx.Reply, error) {
	if _, ok := conv.LastBuyerMessage(); !ok {
		return contractx.Reply{}, fmt.Errorf("%w: responder=%s: no buyer message", contractx.ErrResponder, r.name)
	}

	p := contractx.Prompt{
		System:  r.systemPrompt + "\n\n" + describe(conv),
		History: conv.Recent(r.historyLimit),
	}
	if r.bargainTemperature && conv.Negotiation != nil {
		t := bargainTemperature(conv.Negotiation.Round)
		p.Temperature = &t
	}

	text, err := r.completer.Complete(ctx, p)
	if err != nil {
		return contractx.Reply{}, fmt.Errorf("%w: responder=%s: %v", contractx.ErrResponder, r.name, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return contractx.Reply{}, fmt.Errorf("%w: responder=%s: empty reply", contractx.ErrResponder, r.name)
	}
	return contractx.Reply{Text: text}, nil
}

func bargainTemperature(round int) float32 {
	bump := float32(round) * 0.1
	if bump > 0.5 {
		bump = 0.5
	}
	return 0.3 + bump
}

// describe renders what the model may rely on about the listing and deal.
func describe(conv statex.Conversation) string {
	var b strings.Builder
	b.WriteString("【商品信息】")
	if conv.Item.Title != "" {
		fmt.Fprintf(&b, "\n标题: %s", conv.Item.Title)
	}
	if conv.Item.Price > 0 {
		fmt.Fprintf(&b, "\n标价: %.2f 元", conv.Item.Price)
	}
	fmt.Fprintf(&b, "\n交易阶段: %s", conv.Stage)
	if n := conv.Negotiation; n != nil {
		switch n.Outcome {
		case statex.OutcomeAgreed:
			fmt.Fprintf(&b, "\n已谈妥价格: %.2f 元", n.AgreedPrice)
		default:
			fmt.Fprintf(&b, "\n当前报价: %.2f 元（不得给出更低价格）", n.CurrentOffer)
		}
	}
	return b.String()
}
