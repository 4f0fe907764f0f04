package classifier

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

const defaultHistoryLimit = 6

var _ contractx.Classifier = (*LLMClassifier)(nil)

// LLMClassifier asks the light model for a single label.
type LLMClassifier struct {
	completer    contractx.Completer
	systemPrompt string
	historyLimit int
}

func NewLLMClassifier(completer contractx.Completer, systemPrompt string, historyLimit int) (*LLMClassifier, error) {
	if completer == nil {
		return nil, fmt.Errorf("%w: classifier completer is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: classifier prompt is required", contractx.ErrValidation)
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &LLMClassifier{
		completer:    completer,
		systemPrompt: systemPrompt,
		historyLimit: historyLimit,
	}, nil
}

func (c *LLMClassifier) Classify(
	ctx context.Context,
	key string,
	msg statex.Message,
	conv statex.Conversation,
) (contractx.Classification, error) {
	history := historyBefore(conv, msg.ID, c.historyLimit)

	user := msg.Text
	if title := strings.TrimSpace(conv.Item.Title); title != "" {
		user = fmt.Sprintf("商品: %s\n买家: %s", title, msg.Text)
	}

	out, err := c.completer.Complete(ctx, contractx.Prompt{
		System:  c.systemPrompt,
		History: history,
		User:    user,
	})
	if err != nil {
		return contractx.Classification{}, fmt.Errorf("%w: %v", contractx.ErrClassification, err)
	}

	return ParseLabel(out), nil
}

// historyBefore returns up to limit messages preceding the message being classified.
func historyBefore(conv statex.Conversation, id string, limit int) []statex.Message {
	msgs := conv.Messages
	if n := len(msgs); n > 0 && msgs[n-1].ID == id {
		msgs = msgs[:n-1]
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

var labelSynonyms = []struct {
	word  string
	label contractx.Intent
}{
	{"议价", contractx.IntentNegotiation},
	{"讲价", contractx.IntentNegotiation},
	{"砍价", contractx.IntentNegotiation},
	{"bargain", contractx.IntentNegotiation},
	{"price", contractx.IntentNegotiation},
	{"物流", contractx.IntentLogistics},
	{"发货", contractx.IntentLogistics},
	{"shipping", contractx.IntentLogistics},
	{"投诉", contractx.IntentComplaint},
	{"商品", contractx.IntentProductQuestion},
	{"product", contractx.IntentProductQuestion},
	{"tech", contractx.IntentProductQuestion},
	{"问候", contractx.IntentGreeting},
	{"打招呼", contractx.IntentGreeting},
}

// ParseLabel normalizes free model output into the closed label set.
// Anything unrecognised becomes other with zero confidence.
func ParseLabel(raw string) contractx.Classification {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, "`\"'.。 \n")

	for _, label := range contractx.Intents {
		if s == string(label) {
			return contractx.Classification{Label: label, Confidence: 1}
		}
	}
	for _, label := range contractx.Intents {
		if label == contractx.IntentOther {
			continue
		}
		if strings.Contains(s, string(label)) {
			return contractx.Classification{Label: label, Confidence: 0.7}
		}
	}
	for _, syn := range labelSynonyms {
		if strings.Contains(s, syn.word) {
			return contractx.Classification{Label: syn.label, Confidence: 0.5}
		}
	}
	return contractx.Classification{Label: contractx.IntentOther, Confidence: 0}
}
