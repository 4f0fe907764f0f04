package responder

import "strings"

const SafeReply = "[安全提醒] 请通过平台沟通和交易，保障双方权益。"

// StaticApology is sent when no responder could produce a reply.
const StaticApology = "不好意思，刚刚没看到消息，稍后回复您～"

var defaultBlocked = []string{"微信", "vx", "QQ", "支付宝", "银行卡", "线下", "转账"}

// SafetyFilter replaces replies that steer the buyer off the platform.
type SafetyFilter struct {
	blocked []string
	reply   string
}

func NewSafetyFilter(blocked ...string) *SafetyFilter {
	if len(blocked) == 0 {
		blocked = defaultBlocked
	}
	lowered := make([]string, 0, len(blocked))
	for _, w := range blocked {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			lowered = append(lowered, w)
		}
	}
	return &SafetyFilter{blocked: lowered, reply: SafeReply}
}

// Apply returns the text to send and whether it was replaced.
func (f *SafetyFilter) Apply(text string) (string, bool) {
	if f == nil {
		return text, false
	}
	lower := strings.ToLower(text)
	for _, w := range f.blocked {
		if strings.Contains(lower, w) {
			return f.reply, true
		}
	}
	return text, false
}
