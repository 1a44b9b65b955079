// Package parser turns a raw query string into a QueryPlan: the query's
// normalised tokens plus the matching mode to evaluate them with.
package parser

import (
	"fmt"
	"strings"

	"github.com/kylebebak/search-engine/internal/indexer/tokenizer"
)

// Mode selects how query tokens combine.
type Mode int

const (
	// ModeAny matches documents containing at least one token.
	ModeAny Mode = iota
	// ModeAll matches documents containing every token.
	ModeAll
	// ModeOrdered matches documents containing the tokens contiguously and
	// in query order.
	ModeOrdered
)

func (m Mode) String() string {
	switch m {
	case ModeAny:
		return "any"
	case ModeAll:
		return "all"
	case ModeOrdered:
		return "ordered"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts any/all/ordered and the aliases or/and/phrase,
// case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any", "or":
		return ModeAny, nil
	case "all", "and":
		return ModeAll, nil
	case "ordered", "phrase":
		return ModeOrdered, nil
	default:
		return 0, fmt.Errorf("unknown search mode %q", s)
	}
}

type QueryPlan struct {
	RawQuery string
	Mode     Mode
	// Tokens keeps query order and repeats.
	Tokens []string
}

// Parse tokenizes query exactly like document text. A nil tok means the
// default tokenizer.
func Parse(query string, mode Mode, tok *tokenizer.Tokenizer) *QueryPlan {
	if tok == nil {
		tok = tokenizer.Default()
	}
	return &QueryPlan{
		RawQuery: query,
		Mode:     mode,
		Tokens:   tok.Terms(query),
	}
}

// Empty reports the no-tokens condition: blank, markup-only or
// stop-word-only input.
func (p *QueryPlan) Empty() bool {
	return len(p.Tokens) == 0
}

// Distinct returns each token once, in first-occurrence order.
func (p *QueryPlan) Distinct() []string {
	seen := make(map[string]struct{}, len(p.Tokens))
	out := make([]string, 0, len(p.Tokens))
	for _, t := range p.Tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TermFrequency counts occurrences of each token in the query.
func (p *QueryPlan) TermFrequency() map[string]int {
	tf := make(map[string]int, len(p.Tokens))
	for _, t := range p.Tokens {
		tf[t]++
	}
	return tf
}
