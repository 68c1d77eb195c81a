package ai

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/vox-trader/agent-core/internal/models"
)

const (
	maxAnalysisText = 2000
	maxMessageText  = 500
)

var (
	thinkTagRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)
	markerRegex   = regexp.MustCompile(`(?i)\b(?:action|decision|suggestion|recommendation)\s*\**\s*[:=\-]\s*\**\s*"?(BUY|SELL|HOLD|LONG|SHORT)\b`)
	keywordRegex  = regexp.MustCompile(`(?i)\b(BUY|SELL|HOLD|LONG|SHORT)\b`)

	number = `\$?\s*(\d[\d,]*(?:\.\d+)?)`

	buyTargetRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bbuy\s*(?:at|price|@|level|zone)\s*:?\s*` + number),
		regexp.MustCompile(`(?i)` + number + `\s*(?:usdt\s*)?(?:buy\s*at|buy\s*price|buy\s*@)`),
		regexp.MustCompile(`(?i)\bbuy\s*:\s*` + number),
	}
	sellTargetRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsell\s*(?:at|price|@|level|zone)\s*:?\s*` + number),
		regexp.MustCompile(`(?i)` + number + `\s*(?:usdt\s*)?(?:sell\s*at|sell\s*price|sell\s*@)`),
		regexp.MustCompile(`(?i)\bsell\s*:\s*` + number),
	}
)

// Decision is the parsed model reply
type Decision struct {
	Action  models.Action
	BuyAt   decimal.NullDecimal
	SellAt  decimal.NullDecimal
	Text    string
	Message string
}

// ParseDecision extracts the action and price targets from a model reply.
// It tries a JSON object first, then an explicit decision marker, then the
// first standalone action word. When nothing matches the action is HOLD and
// ErrInvalidResponse is returned alongside the decision.
func ParseDecision(content string) (Decision, error) {
	cleaned := strings.TrimSpace(thinkTagRegex.ReplaceAllString(content, ""))

	d := Decision{
		Action:  models.ActionHold,
		Text:    truncate(cleaned, maxAnalysisText),
		Message: truncate(cleaned, maxMessageText),
	}
	if cleaned == "" {
		return d, ErrInvalidResponse
	}

	found := false
	if obj, ok := extractJSON(cleaned); ok {
		if action, ok := normalizeAction(firstString(obj, "action", "decision", "signal", "suggestion")); ok {
			d.Action = action
			found = true
		}
		d.BuyAt = jsonPrice(obj, "buy_at", "buyAt", "buy_price", "entry")
		d.SellAt = jsonPrice(obj, "sell_at", "sellAt", "sell_price", "target")
		if msg := firstString(obj, "message", "reason", "summary"); msg != "" {
			d.Message = truncate(msg, maxMessageText)
		}
	}

	if !found {
		if m := markerRegex.FindStringSubmatch(cleaned); m != nil {
			d.Action, found = normalizeAction(m[1])
		}
	}
	if !found {
		if m := keywordRegex.FindStringSubmatch(cleaned); m != nil {
			d.Action, found = normalizeAction(m[1])
		}
	}

	if !d.BuyAt.Valid {
		d.BuyAt = findTarget(cleaned, buyTargetRegexes)
	}
	if !d.SellAt.Valid {
		d.SellAt = findTarget(cleaned, sellTargetRegexes)
	}

	if !found {
		return d, ErrInvalidResponse
	}
	return d, nil
}

// normalizeAction maps LONG to BUY and SHORT to SELL
func normalizeAction(s string) (models.Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return models.ActionBuy, true
	case "SELL", "SHORT":
		return models.ActionSell, true
	case "HOLD", "WAIT", "NEUTRAL":
		return models.ActionHold, true
	}
	return models.ActionHold, false
}

func extractJSON(s string) (gjson.Result, bool) {
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return gjson.Result{}, false
	}
	raw := s[start : end+1]
	if !gjson.Valid(raw) {
		return gjson.Result{}, false
	}
	return gjson.Parse(raw), true
}

func firstString(obj gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func jsonPrice(obj gjson.Result, keys ...string) decimal.NullDecimal {
	for _, k := range keys {
		v := obj.Get(k)
		switch v.Type {
		case gjson.Number:
			if d, err := decimal.NewFromString(v.Raw); err == nil && d.IsPositive() {
				return decimal.NewNullDecimal(d)
			}
		case gjson.String:
			if d, ok := parseNumber(v.String()); ok {
				return decimal.NewNullDecimal(d)
			}
		}
	}
	return decimal.NullDecimal{}
}

func findTarget(s string, patterns []*regexp.Regexp) decimal.NullDecimal {
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(s, -1) {
			if d, ok := parseNumber(m[1]); ok {
				return decimal.NewNullDecimal(d)
			}
		}
	}
	return decimal.NullDecimal{}
}

// parseNumber accepts "95200", "95,200", "95,200.5" and the decimal comma "95,5"
func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	s = strings.TrimRight(s, ",")
	if s == "" {
		return decimal.Zero, false
	}
	switch {
	case strings.Contains(s, "."):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ",") == 1 && len(s)-strings.Index(s, ",") != 4:
		s = strings.Replace(s, ",", ".", 1)
	default:
		s = strings.ReplaceAll(s, ",", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
