package classifier

import (
	"context"
	"regexp"
	"strings"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

var _ contractx.Classifier = (*RulesClassifier)(nil)

type bucket struct {
	label    contractx.Intent
	keywords []string
}

// Buckets are checked in order; the first hit wins.
var defaultBuckets = []bucket{
	{
		label:    contractx.IntentComplaint,
		keywords: []string{"投诉", "差评", "骗子", "退款", "退货", "坏了", "假货", "不满意", "refund", "broken", "scam"},
	},
	{
		label:    contractx.IntentNegotiation,
		keywords: []string{"便宜", "优惠", "少点", "砍价", "最低", "能少", "刀", "议价", "cheaper", "discount", "lowest", "lower"},
	},
	{
		label:    contractx.IntentLogistics,
		keywords: []string{"发货", "快递", "包邮", "邮费", "运费", "物流", "几天到", "顺丰", "shipping", "delivery", "ship"},
	},
	{
		label:    contractx.IntentProductQuestion,
		keywords: []string{"几成新", "成色", "型号", "尺寸", "参数", "配件", "还在吗", "保修", "电池", "内存", "condition", "size", "model", "warranty"},
	},
	{
		label:    contractx.IntentGreeting,
		keywords: []string{"你好", "在吗", "在不在", "哈喽", "您好", "hello", "hi"},
	},
}

var bareNumberRe = regexp.MustCompile(`^\s*[¥￥$]?\s*\d+(\.\d+)?\s*(元|块|k|K)?\s*[?？]?\s*$`)

// RulesClassifier is a keyword classifier for deployments without a light model.
type RulesClassifier struct {
	buckets []bucket
}

func NewRulesClassifier() *RulesClassifier {
	return &RulesClassifier{buckets: defaultBuckets}
}

func (c *RulesClassifier) Classify(
	ctx context.Context,
	key string,
	msg statex.Message,
	conv statex.Conversation,
) (contractx.Classification, error) {
	text := strings.ToLower(strings.TrimSpace(msg.Text))

	// A bare price while bargaining is a counter-offer.
	if bareNumberRe.MatchString(text) {
		return contractx.Classification{Label: contractx.IntentNegotiation, Confidence: 0.8}, nil
	}
	if _, ok := msg.Price(); ok && conv.Stage == statex.StageNegotiating {
		return contractx.Classification{Label: contractx.IntentNegotiation, Confidence: 0.7}, nil
	}

	for _, b := range c.buckets {
		for _, kw := range b.keywords {
			if strings.Contains(text, kw) {
				return contractx.Classification{Label: b.label, Confidence: 0.6}, nil
			}
		}
	}
	return contractx.Classification{Label: contractx.IntentOther, Confidence: 0.2}, nil
}
