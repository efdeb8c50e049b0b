/**
 * @description
 * The notification parser applies the pattern table to free-form bank
 * notification text and produces a tagged result.
 *
 * @notes
 * - Rules are scanned in table order; the first rule whose amount pattern
 *   yields a positive amount is locked in and no further rule is tried.
 * - A captured amount that does not survive normalization is not an
 *   extraction. Scanning continues and, if nothing else fires, the result
 *   is NoMatch.
 */

package parser

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/rules"
	"github.com/shopspring/decimal"
)

// Parser is stateless apart from its rule table.
type Parser struct {
	table *rules.Table
}

// New creates a parser over the given table.
func New(table *rules.Table) *Parser {
	return &Parser{table: table}
}

// Parse never fails: malformed text yields NoMatch.
func (p *Parser) Parse(text string) domain.ParseResult {
	if strings.TrimSpace(text) == "" {
		return domain.NoMatch{Reason: "empty text"}
	}

	for _, rule := range p.table.Rules() {
		if rule.Rejects(text) {
			continue
		}
		amount, ok := extractAmount(rule, text)
		if !ok {
			continue
		}

		parsed := domain.ParsedNotification{
			Amount:       amount,
			BankIdentity: rule.Identity,
			Rule:         rule.Name,
		}
		if raw, ok := firstCapture(rule.Balance, text, "balance"); ok {
			if balance, ok := NormalizeAmount(raw); ok {
				parsed.Balance = &balance
			}
		}
		if raw, ok := firstCapture(rule.Account, text, "account"); ok {
			parsed.AccountSuffix = accountSuffix(raw)
		}
		if raw, ok := firstCapture(rule.Sender, text, "sender"); ok {
			parsed.Sender = strings.TrimSpace(raw)
		}
		return parsed
	}

	return domain.NoMatch{Reason: "no rule extracted a positive amount"}
}

func extractAmount(rule rules.Rule, text string) (decimal.Decimal, bool) {
	for _, re := range rule.Amount {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			amount, ok := NormalizeAmount(rules.Capture(re, m, "amount"))
			if ok && amount.IsPositive() {
				return amount, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func firstCapture(patterns []*regexp.Regexp, text, group string) (string, bool) {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v := rules.Capture(re, m, group); strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// NormalizeAmount strips whitespace (including no-break spaces), turns a
// decimal comma into a point and parses base-10. The second result is false
// when the cleaned string is not a number.
func NormalizeAmount(raw string) (decimal.Decimal, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		if r == ',' {
			return '.'
		}
		return r
	}, raw)
	cleaned = strings.TrimSuffix(cleaned, ".")
	if cleaned == "" {
		return decimal.Decimal{}, false
	}
	for _, r := range cleaned {
		if (r < '0' || r > '9') && r != '.' {
			return decimal.Decimal{}, false
		}
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return amount, true
}

func accountSuffix(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if len(digits) > 4 {
		return digits[len(digits)-4:]
	}
	return digits
}
