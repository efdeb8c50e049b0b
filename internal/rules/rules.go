/**
 * @description
 * The pattern table: an ordered list of bank identity rules loaded from YAML.
 * The default table is embedded into the binary; an operator may point the
 * service at a replacement file without a rebuild.
 *
 * @dependencies
 * - gopkg.in/yaml.v3: Decodes the rule file.
 */

package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultTable []byte

var (
	ErrEmptyTable      = errors.New("rule table has no rules")
	ErrGenericNotLast  = errors.New("generic rule must be the last rule")
	ErrDuplicateRule   = errors.New("duplicate rule name")
	ErrInvalidRule     = errors.New("invalid rule")
	ErrWildcardUnbound = errors.New("wildcard identity has no rule")
)

// Rule is one compiled bank identity rule.
type Rule struct {
	Name     string
	Identity string
	Wildcard bool
	Generic  bool
	Packages []string
	// Reject patterns veto the rule for texts describing outgoing money.
	Reject   []*regexp.Regexp
	Amount   []*regexp.Regexp
	Balance  []*regexp.Regexp
	Account  []*regexp.Regexp
	Sender   []*regexp.Regexp
}

// Table is immutable once loaded and safe for concurrent use.
type Table struct {
	version  int
	wildcard string
	rules    []Rule
}

type fileRule struct {
	Name     string   `yaml:"name"`
	Identity string   `yaml:"identity"`
	Wildcard bool     `yaml:"wildcard"`
	Generic  bool     `yaml:"generic"`
	Packages []string `yaml:"packages"`
	Reject   []string `yaml:"reject"`
	Amount   []string `yaml:"amount"`
	Balance  []string `yaml:"balance"`
	Account  []string `yaml:"account"`
	Sender   []string `yaml:"sender"`
}

type fileTable struct {
	Version          int        `yaml:"version"`
	WildcardIdentity string     `yaml:"wildcard_identity"`
	Rules            []fileRule `yaml:"rules"`
}

// Default returns the embedded rule table.
func Default() (*Table, error) {
	return Load(defaultTable)
}

// LoadFile reads a rule table from disk. An empty path selects the embedded table.
func LoadFile(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Load(data)
}

// Load decodes, compiles and validates a rule table.
func Load(data []byte) (*Table, error) {
	var raw fileTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode rule table: %w", err)
	}
	if len(raw.Rules) == 0 {
		return nil, ErrEmptyTable
	}

	t := &Table{
		version:  raw.Version,
		wildcard: strings.TrimSpace(raw.WildcardIdentity),
		rules:    make([]Rule, 0, len(raw.Rules)),
	}
	seen := make(map[string]struct{}, len(raw.Rules))

	for i, fr := range raw.Rules {
		name := strings.TrimSpace(fr.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: rule %d has no name", ErrInvalidRule, i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, name)
		}
		seen[name] = struct{}{}

		if fr.Generic && i != len(raw.Rules)-1 {
			return nil, fmt.Errorf("%w: %s", ErrGenericNotLast, name)
		}
		identity := strings.TrimSpace(fr.Identity)
		if fr.Generic && identity != "" {
			return nil, fmt.Errorf("%w: generic rule %s carries identity %q", ErrInvalidRule, name, identity)
		}
		if !fr.Generic && identity == "" {
			return nil, fmt.Errorf("%w: rule %s has no identity", ErrInvalidRule, name)
		}
		if fr.Wildcard {
			if t.wildcard == "" {
				t.wildcard = identity
			}
			if identity != t.wildcard {
				return nil, fmt.Errorf("%w: wildcard rule %s has identity %q, table wildcard is %q", ErrInvalidRule, name, identity, t.wildcard)
			}
		}
		if len(fr.Amount) == 0 {
			return nil, fmt.Errorf("%w: rule %s has no amount patterns", ErrInvalidRule, name)
		}

		rule := Rule{
			Name:     name,
			Identity: identity,
			Wildcard: fr.Wildcard,
			Generic:  fr.Generic,
			Packages: fr.Packages,
		}
		var err error
		if rule.Reject, err = compileReject(name, fr.Reject); err != nil {
			return nil, err
		}
		if rule.Amount, err = compileAll(name, "amount", fr.Amount); err != nil {
			return nil, err
		}
		if rule.Balance, err = compileAll(name, "balance", fr.Balance); err != nil {
			return nil, err
		}
		if rule.Account, err = compileAll(name, "account", fr.Account); err != nil {
			return nil, err
		}
		if rule.Sender, err = compileAll(name, "sender", fr.Sender); err != nil {
			return nil, err
		}
		t.rules = append(t.rules, rule)
	}

	if t.wildcard != "" {
		bound := false
		for _, r := range t.rules {
			if r.Identity == t.wildcard {
				bound = true
				break
			}
		}
		if !bound {
			return nil, fmt.Errorf("%w: %s", ErrWildcardUnbound, t.wildcard)
		}
	}

	return t, nil
}

func compileAll(rule, field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s %s pattern %d: %v", ErrInvalidRule, rule, field, i, err)
		}
		if re.NumSubexp() == 0 {
			return nil, fmt.Errorf("%w: rule %s %s pattern %d has no capture group", ErrInvalidRule, rule, field, i)
		}
		out = append(out, re)
	}
	return out, nil
}

func compileReject(rule string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s reject pattern %d: %v", ErrInvalidRule, rule, i, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Rejects reports whether any of the rule's reject patterns matches text.
func (r Rule) Rejects(text string) bool {
	for _, re := range r.Reject {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Rules returns the rules in scan order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len is the number of rules.
func (t *Table) Len() int { return len(t.rules) }

// Version is the version declared in the rule file.
func (t *Table) Version() int { return t.version }

// WildcardIdentity is the instant-payment identity that bypasses bank filtering.
func (t *Table) WildcardIdentity() string { return t.wildcard }

// IsWildcard reports whether identity disables bank filtering during matching.
// An empty identity (generic rule) is treated the same way.
func (t *Table) IsWildcard(identity string) bool {
	if identity == "" {
		return true
	}
	return t.wildcard != "" && strings.EqualFold(identity, t.wildcard)
}

// Capture returns the value of the named group in m, falling back to group 1.
func Capture(re *regexp.Regexp, m []string, name string) string {
	if idx := re.SubexpIndex(name); idx > 0 && idx < len(m) {
		return m[idx]
	}
	if len(m) > 1 {
		return m[1]
	}
	return ""
}
