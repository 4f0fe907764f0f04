package negotiation

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	amountRe = regexp.MustCompile(`([¥￥$])?\s*(\d+(?:\.\d+)?|[零一二两三四五六七八九十百千万]+)\s*(k|K|千|w|W|万)?\s*(元|块|rmb|RMB)?`)

	// a discount word right before the amount makes it relative: 便宜10块, 少二十
	discountRe  = regexp.MustCompile(`(便宜|少|减|优惠|让|降)(一点|点|个|了)?\s*$`)
	cueAfterRe  = regexp.MustCompile(`^\s*(行|可以|卖|出|成交|包邮|怎么样|吧|呢|吗|嘛|\?|？)`)
	cueBeforeRe = regexp.MustCompile(`(出|给|算|价|最多|就|收|卖|到|预算)\s*$`)
)

// Ask is a price read from buyer text. Discount asks are amounts off the
// current offer rather than a target price.
type Ask struct {
	Amount   float64
	Discount bool
}

// ParseAsk reads the buyer's ask. A bare number counts only when it is the whole
// message or sits next to a currency mark or a price word, so model numbers
// like "iPhone 15" are not mistaken for offers.
func ParseAsk(text string) (Ask, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Ask{}, false
	}

	var (
		pick   Ask
		found  bool
		pricey bool
	)
	for _, loc := range amountRe.FindAllStringSubmatchIndex(text, -1) {
		m := func(i int) string {
			if loc[2*i] < 0 {
				return ""
			}
			return text[loc[2*i]:loc[2*i+1]]
		}
		num, mag, unit := m(2), m(3), m(4)
		marked := m(1) != "" || unit != ""

		v, chinese, ok := parseAmount(num)
		if !ok || v <= 0 || math.IsInf(v, 0) {
			continue
		}
		switch mag {
		case "k", "K", "千":
			v *= 1000
		case "w", "W", "万":
			v *= 10000
		}

		before, after := text[:loc[0]], text[loc[1]:]
		whole := strings.TrimFunc(before+after, isFiller) == ""
		cued := cueAfterRe.MatchString(after) || cueBeforeRe.MatchString(before)
		discount := discountRe.MatchString(before)

		switch {
		case chinese && v < 10 && !marked:
			// 一点, 一起, 两个
			continue
		case !chinese && touchesLetter(before, after) && !marked:
			continue
		case !(marked || mag != "" || whole || cued || discount):
			continue
		}

		// a currency-marked amount beats a bare one
		if found && pricey && !marked {
			continue
		}
		pick = Ask{Amount: roundCents(v), Discount: discount}
		found = true
		pricey = pricey || marked
	}
	return pick, found
}

// ParsePrice returns the absolute price the buyer named, if any.
func ParsePrice(text string) (float64, bool) {
	ask, ok := ParseAsk(text)
	if !ok || ask.Discount {
		return 0, false
	}
	return ask.Amount, true
}

func isFiller(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || strings.ContainsRune("~～吗呢吧啊", r)
}

// touchesLetter reports a Latin word right before or right after the number,
// as in "iPhone 15" or "15pro".
func touchesLetter(before, after string) bool {
	if r, _ := utf8.DecodeLastRuneInString(strings.TrimRight(before, " ")); r < utf8.RuneSelf && unicode.IsLetter(r) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(after)
	return r < utf8.RuneSelf && unicode.IsLetter(r)
}

// parseAmount reads Arabic digits or a colloquial Chinese amount such as
// 八十, 一百二 (120) or 两千五 (2500).
func parseAmount(s string) (v float64, chinese bool, ok bool) {
	if s == "" {
		return 0, false, false
	}
	if s[0] >= '0' && s[0] <= '9' {
		f, err := strconv.ParseFloat(s, 64)
		return f, false, err == nil
	}
	n, ok := parseChineseNumber(s)
	return float64(n), true, ok
}

var (
	cnDigits = map[rune]int{'一': 1, '二': 2, '两': 2, '三': 3, '四': 4, '五': 5, '六': 6, '七': 7, '八': 8, '九': 9}
	cnUnits  = map[rune]int{'十': 10, '百': 100, '千': 1000, '万': 10000}
)

func parseChineseNumber(s string) (int, bool) {
	var (
		total, section, digit int
		lastUnit              int
		pendingDigit, zero    bool
	)
	for _, r := range s {
		if r == '零' {
			zero = true
			continue
		}
		if d, ok := cnDigits[r]; ok {
			digit = d
			pendingDigit = true
			continue
		}
		u, ok := cnUnits[r]
		if !ok {
			return 0, false
		}
		if u == 10000 {
			if pendingDigit {
				section += digit
			}
			if section == 0 {
				return 0, false
			}
			total += section * u
			section, digit, pendingDigit, lastUnit, zero = 0, 0, false, u, false
			continue
		}
		if !pendingDigit {
			if u != 10 {
				return 0, false
			}
			digit = 1 // 十五 is fifteen
		}
		section += digit * u
		digit, pendingDigit, lastUnit, zero = 0, false, u, false
	}
	if pendingDigit {
		// 一百二 means 120 but 一百零二 means 102
		if lastUnit >= 100 && !zero {
			digit *= lastUnit / 10
		}
		section += digit
	}
	total += section
	return total, total > 0
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// FormatPrice drops trailing zero cents.
func FormatPrice(v float64) string {
	s := strconv.FormatFloat(roundCents(v), 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
