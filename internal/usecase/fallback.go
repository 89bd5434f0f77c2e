package usecase

import (
	"fmt"
	"strings"
	"unicode"

	"maestro/internal/domain"
)

// Thresholds holds the tunable confidence cutoffs shared by the oracle and
// fallback paths. The numeric values are configuration, not contracts.
type Thresholds struct {
	Match         float64 // confidence at or above: solid match
	Weak          float64 // confidence at or above: weak match
	FallbackCap   float64 // fallback confidence ceiling, below the oracle's
	OracleFloor   float64 // oracle band for skill-covered matches
	OracleCeiling float64
}

// DefaultThresholds mirror the config defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Match: 0.4, Weak: 0.2, FallbackCap: 0.7, OracleFloor: 0.80, OracleCeiling: 0.95}
}

// FallbackMatcher classifies a message by deterministic keyword scoring.
// It is a weaker signal than the oracle, used when the oracle call itself
// fails, so its confidence is capped below the oracle's ceiling.
type FallbackMatcher struct {
	th Thresholds
}

// NewFallbackMatcher creates a fallback matcher with the given thresholds.
func NewFallbackMatcher(th Thresholds) *FallbackMatcher {
	return &FallbackMatcher{th: th}
}

// Match scores every agent against the message: +3 per expertise tag found
// as a substring, +2 if the agent's name appears, +1 per description word
// longer than four characters. Confidence is min(score/10, cap).
func (f *FallbackMatcher) Match(message string, view domain.RegistryView) domain.MatchResult {
	msg := strings.ToLower(message)

	var best *domain.Agent
	bestScore := 0
	for i := range view.Agents {
		score := f.score(msg, &view.Agents[i])
		if score > bestScore {
			bestScore = score
			best = &view.Agents[i]
		}
	}

	confidence := float64(bestScore) / 10
	if confidence > f.th.FallbackCap {
		confidence = f.th.FallbackCap
	}

	topic := DeriveTopic(message)
	switch {
	case best != nil && confidence >= f.th.Match:
		return domain.MatchResult{
			MatchedAgentID:  best.ID,
			Confidence:      confidence,
			Reasoning:       fmt.Sprintf("keyword score %d for agent %q", bestScore, best.Name),
			SuggestNewSkill: true,
			Suggestion:      topic,
		}
	case best != nil && confidence >= f.th.Weak:
		return domain.MatchResult{
			MatchedAgentID:  best.ID,
			Confidence:      confidence,
			Reasoning:       fmt.Sprintf("weak keyword score %d for agent %q", bestScore, best.Name),
			SuggestNewSkill: true,
			Suggestion:      topic,
		}
	default:
		return domain.MatchResult{
			Confidence:      confidence,
			Reasoning:       "no agent scored above the match threshold",
			SuggestNewAgent: true,
			Suggestion:      topic,
		}
	}
}

func (f *FallbackMatcher) score(msg string, a *domain.Agent) int {
	score := 0
	for _, tag := range a.ExpertiseTags {
		if tag != "" && strings.Contains(msg, strings.ToLower(tag)) {
			score += 3
		}
	}
	if a.Name != "" && strings.Contains(msg, strings.ToLower(a.Name)) {
		score += 2
	}
	for _, w := range strings.Fields(strings.ToLower(a.Description)) {
		w = strings.Trim(w, ".,;:!?()\"'")
		if len(w) > 4 && strings.Contains(msg, w) {
			score++
		}
	}
	return score
}

// topicTokenLimit bounds how many message tokens feed a derived topic name.
const topicTokenLimit = 3

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"what": true, "whats": true, "how": true, "why": true, "when": true,
	"where": true, "who": true, "which": true, "can": true, "could": true,
	"would": true, "should": true, "do": true, "does": true, "did": true,
	"i": true, "you": true, "me": true, "my": true, "your": true, "we": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
	"about": true, "please": true, "help": true, "tell": true, "need": true,
	"want": true, "know": true, "give": true, "get": true, "it": true,
	"this": true, "that": true, "there": true, "some": true, "any": true,
}

// DeriveTopic turns a message into a short title-cased topic name by
// stripping punctuation and stopwords and keeping the first few remaining
// tokens. Falls back to "General Assistant" when nothing survives.
func DeriveTopic(message string) string {
	var kept []string
	for _, tok := range strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if stopwords[tok] || len(tok) < 2 {
			continue
		}
		kept = append(kept, titleCase(tok))
		if len(kept) == topicTokenLimit {
			break
		}
	}
	if len(kept) == 0 {
		return "General Assistant"
	}
	return strings.Join(kept, " ")
}

func titleCase(s string) string {
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// significantTokens lowercases, tokenizes, and drops short tokens. Used to
// compare proposed skill names against existing ones.
func significantTokens(s string) []string {
	var out []string
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) > 3 {
			out = append(out, tok)
		}
	}
	return out
}

// tokenOverlap counts distinct significant tokens shared by a and b. Each
// token of a pairs with at most one token of b, and a pair counts when one
// token is a prefix of the other, so inflected variants ("europe",
// "european") still overlap.
func tokenOverlap(a, b string) int {
	remaining := significantTokens(a)
	seen := make(map[string]bool)
	n := 0
	for _, t := range significantTokens(b) {
		if seen[t] {
			continue
		}
		seen[t] = true
		for i, r := range remaining {
			if tokensMatch(t, r) {
				remaining = append(remaining[:i], remaining[i+1:]...)
				n++
				break
			}
		}
	}
	return n
}

func tokensMatch(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
