// Package policy decides whether a prompt may be turned into a job.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const ReasonConsentRequired = "consent required"

// Config is the on-disk policy document. Blocked maps a category to plain
// substrings; Patterns maps a category to regular expressions evaluated
// against the normalized prompt.
type Config struct {
	Blocked  map[string][]string `json:"blocked"`
	Patterns map[string][]string `json:"patterns,omitempty"`
}

type Decision struct {
	Allowed bool
	Reason  string
}

func Allow() Decision { return Decision{Allowed: true} }

func Deny(reason string) Decision { return Decision{Reason: reason} }

type rule struct {
	category string
	terms    []string
	patterns []*regexp.Regexp
}

// Gate is immutable after construction and safe for concurrent use.
type Gate struct {
	rules []rule
}

var minorsRule = regexp.MustCompile(`(\b(nude|naked)\b.*\b(child|kid|minor)\b)|(\b(child|kid|minor)\b.*\b(nude|naked)\b)`)

// LoadFile reads a policy document. A missing file yields an empty policy.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return cfg, nil
}

func New(cfg Config) (*Gate, error) {
	categories := make(map[string]*rule)
	get := func(name string) *rule {
		r, ok := categories[name]
		if !ok {
			r = &rule{category: name}
			categories[name] = r
		}
		return r
	}

	for category, terms := range cfg.Blocked {
		r := get(category)
		for _, term := range terms {
			if n := Normalize(term); n != "" {
				r.terms = append(r.terms, n)
			}
		}
	}
	for category, exprs := range cfg.Patterns {
		r := get(category)
		for _, expr := range exprs {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("compile pattern for %s: %w", category, err)
			}
			r.patterns = append(r.patterns, re)
		}
	}

	g := &Gate{rules: make([]rule, 0, len(categories))}
	for _, r := range categories {
		g.rules = append(g.rules, *r)
	}
	sort.Slice(g.rules, func(i, j int) bool { return g.rules[i].category < g.rules[j].category })
	return g, nil
}

// Evaluate never reports which text matched, only the category.
func (g *Gate) Evaluate(prompt string, sensitive, consent bool) Decision {
	if sensitive && !consent {
		return Deny(ReasonConsentRequired)
	}

	p := Normalize(prompt)
	if !sensitive {
		for _, r := range g.rules {
			if r.matches(p) {
				return Deny("blocked:" + r.category)
			}
		}
	}
	if minorsRule.MatchString(p) {
		return Deny("blocked:minors")
	}
	return Allow()
}

func (r rule) matches(p string) bool {
	for _, term := range r.terms {
		if strings.Contains(p, term) {
			return true
		}
	}
	for _, re := range r.patterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// Normalize case-folds, strips combining marks and collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)
	return strings.Join(strings.Fields(folded), " ")
}
