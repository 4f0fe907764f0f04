package routernode

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/LeaveC/xianyubot/agent/agents/negotiation"
	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

type MergeRule string

const (
	// MergePriceFirst keeps the primary reply and appends helper phrasing.
	MergePriceFirst MergeRule = "price_first"
	MergePrimary    MergeRule = "primary"
)

func (m MergeRule) Valid() bool {
	return m == MergePriceFirst || m == MergePrimary
}

// Collaboration runs helper responders next to the primary one for selected
// labels. A nil Collaboration disables the mode.
type Collaboration struct {
	helpers map[contractx.Intent][]contractx.Responder
	merge   MergeRule
	sem     *semaphore.Weighted
}

func NewCollaboration(helpers map[contractx.Intent][]contractx.Responder, merge MergeRule, maxConcurrency int) (*Collaboration, error) {
	if merge == "" {
		merge = MergePriceFirst
	}
	if !merge.Valid() {
		return nil, fmt.Errorf("%w: unknown merge rule %q", contractx.ErrValidation, merge)
	}
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("%w: max concurrency must be >= 1", contractx.ErrValidation)
	}

	c := &Collaboration{
		helpers: make(map[contractx.Intent][]contractx.Responder, len(helpers)),
		merge:   merge,
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
	}
	for label, list := range helpers {
		for _, h := range list {
			if h == nil {
				return nil, fmt.Errorf("%w: nil helper for %q", contractx.ErrValidation, label)
			}
		}
		if len(list) > 0 {
			c.helpers[label] = append([]contractx.Responder(nil), list...)
		}
	}
	return c, nil
}

func (c *Collaboration) helpersFor(label contractx.Intent) []contractx.Responder {
	if c == nil {
		return nil
	}
	return c.helpers[label]
}

// run asks the primary first, then the helpers concurrently against a copy of
// the conversation that already carries the primary's offer. It fails only
// when the primary fails; failed helpers are dropped from the merge.
func (c *Collaboration) run(
	ctx context.Context,
	key string,
	conv statex.Conversation,
	primary contractx.Responder,
	helpers []contractx.Responder,
) (contractx.Reply, error) {
	out, err := c.ask(ctx, primary, key, conv.Clone())
	if err != nil {
		return contractx.Reply{}, err
	}
	view := conv.Clone()
	if out.Negotiation != nil {
		view.Negotiation = out.Negotiation.Clone()
	}
	if next, ok := advanceTo(view.Stage, out.Advance); ok {
		view.Stage = next
	}

	replies := make([]contractx.Reply, len(helpers))
	errs := make([]error, len(helpers))
	var g errgroup.Group
	for i, h := range helpers {
		g.Go(func() error {
			// each helper reads its own copy of the history
			replies[i], errs[i] = c.ask(ctx, h, key, view.Clone())
			return nil
		})
	}
	_ = g.Wait()
	if c.merge == MergePrimary {
		return out, nil
	}

	anchor, anchored := offerOf(out, view)
	extra := make([]string, 0, len(helpers))
	for i := range helpers {
		if errs[i] != nil {
			log.Warn().Err(errs[i]).Str("conversation", key).Int("helper", i+1).Msg("helper responder failed, dropping its reply")
			continue
		}
		t := replies[i].Text
		if anchored {
			t = dropOtherPrices(t, anchor)
		}
		if t != "" && t != out.Text {
			extra = append(extra, t)
		}
	}
	if len(extra) > 0 {
		out.Text = out.Text + "\n" + strings.Join(extra, "\n")
	}
	return out, nil
}

func (c *Collaboration) ask(ctx context.Context, r contractx.Responder, key string, conv statex.Conversation) (contractx.Reply, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return contractx.Reply{}, err
	}
	defer c.sem.Release(1)
	return ask(ctx, r, key, conv)
}

// offerOf is the price the merged reply stands behind.
func offerOf(primary contractx.Reply, conv statex.Conversation) (float64, bool) {
	switch {
	case primary.Offer != nil:
		return *primary.Offer, true
	case conv.Negotiation != nil:
		return conv.Negotiation.CurrentOffer, true
	}
	return 0, false
}

const sentenceEnd = "。！？!?\n"

// dropOtherPrices removes helper sentences that name a price other than offer.
func dropOtherPrices(text string, offer float64) string {
	var (
		b    strings.Builder
		rest = text
	)
	for rest != "" {
		i := strings.IndexAny(rest, sentenceEnd)
		var sentence string
		if i < 0 {
			sentence, rest = rest, ""
		} else {
			_, size := utf8.DecodeRuneInString(rest[i:])
			sentence, rest = rest[:i+size], rest[i+size:]
		}
		if p, ok := negotiation.ParsePrice(sentence); ok && math.Abs(p-offer) >= 0.01 {
			continue
		}
		b.WriteString(sentence)
	}
	return strings.TrimSpace(b.String())
}
