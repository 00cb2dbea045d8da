// Package resolve turns unconstrained free text into one member of a closed
// option set.
//
// Resolution runs in priority order: exact match of the normalized answer,
// exact match of the abstain label, whole-word search for an option inside the
// raw answer, whole-word search for the abstain label, and finally a uniform
// random pick among the options. The random branch never yields the abstain
// label, so a non-answer still resolves to a concrete action.
package resolve

import (
	"math/rand/v2"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tier identifies which rule produced a Result.
type Tier int

const (
	TierNone Tier = iota
	TierExact
	TierExactAbstain
	TierWord
	TierWordAbstain
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierExactAbstain:
		return "exact_abstain"
	case TierWord:
		return "word"
	case TierWordAbstain:
		return "word_abstain"
	case TierFallback:
		return "fallback"
	default:
		return "none"
	}
}

// Result is a resolved decision.
type Result struct {
	Value    string
	Tier     Tier
	Fallback bool
}

// Yes/no values returned by YesNo.
const (
	Yes = "YES"
	No  = "NO"
)

var (
	yesExact = []string{"yes", "y", "yeah", "yep", "sure", "aye", "agree", "affirmative", "si", "sí", "claro", "vale"}
	noExact  = []string{"no", "n", "nope", "nah", "disagree", "negative", "nunca"}
	// Single letters and "si" are too ambiguous inside sentences.
	yesWords = []string{"yes", "yeah", "yep", "aye", "agree", "affirmative", "sí", "claro"}
	noWords  = []string{"no", "nope", "nah", "disagree", "negative", "nunca"}
)

// Resolver is not safe for concurrent use; each engine owns one.
type Resolver struct {
	rng *rand.Rand
}

// New returns a Resolver drawing fallbacks from rng. A nil rng uses a
// randomly seeded source.
func New(rng *rand.Rand) *Resolver {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Resolver{rng: rng}
}

// Match applies the four deterministic tiers and reports whether any matched.
func (r *Resolver) Match(raw string, options []string, allowAbstain bool, abstainLabel string) (Result, bool) {
	norm := normalize(raw)
	if norm != "" {
		for _, opt := range options {
			if strings.EqualFold(norm, normalize(opt)) {
				return Result{Value: opt, Tier: TierExact}, true
			}
		}
		if allowAbstain && abstainLabel != "" && strings.EqualFold(norm, normalize(abstainLabel)) {
			return Result{Value: abstainLabel, Tier: TierExactAbstain}, true
		}
	}
	if opt, ok := earliestWord(raw, options); ok {
		return Result{Value: opt, Tier: TierWord}, true
	}
	if allowAbstain && abstainLabel != "" && wordIndex(raw, abstainLabel) >= 0 {
		return Result{Value: abstainLabel, Tier: TierWordAbstain}, true
	}
	return Result{}, false
}

// Fallback picks uniformly among options. With no options it returns the
// abstain label when abstention is allowed, otherwise an empty value.
func (r *Resolver) Fallback(options []string, allowAbstain bool, abstainLabel string) Result {
	if len(options) == 0 {
		if allowAbstain {
			return Result{Value: abstainLabel, Tier: TierFallback, Fallback: true}
		}
		return Result{Tier: TierFallback, Fallback: true}
	}
	return Result{Value: options[r.rng.IntN(len(options))], Tier: TierFallback, Fallback: true}
}

// Choice resolves raw against options, falling back to a random option.
func (r *Resolver) Choice(raw string, options []string, allowAbstain bool, abstainLabel string) Result {
	if res, ok := r.Match(raw, options, allowAbstain, abstainLabel); ok {
		return res
	}
	return r.Fallback(options, allowAbstain, abstainLabel)
}

// MatchYesNo applies the deterministic tiers against the yes/no token sets.
func (r *Resolver) MatchYesNo(raw string) (Result, bool) {
	norm := strings.ToLower(normalize(raw))
	if norm != "" {
		if contains(yesExact, norm) {
			return Result{Value: Yes, Tier: TierExact}, true
		}
		if contains(noExact, norm) {
			return Result{Value: No, Tier: TierExact}, true
		}
	}
	yesAt, noAt := -1, -1
	for _, tok := range yesWords {
		if i := wordIndex(raw, tok); i >= 0 && (yesAt < 0 || i < yesAt) {
			yesAt = i
		}
	}
	for _, tok := range noWords {
		if i := wordIndex(raw, tok); i >= 0 && (noAt < 0 || i < noAt) {
			noAt = i
		}
	}
	switch {
	case yesAt >= 0 && (noAt < 0 || yesAt < noAt):
		return Result{Value: Yes, Tier: TierWord}, true
	case noAt >= 0:
		return Result{Value: No, Tier: TierWord}, true
	}
	return Result{}, false
}

// YesNo resolves raw to Yes or No, defaulting to No.
func (r *Resolver) YesNo(raw string) Result {
	if res, ok := r.MatchYesNo(raw); ok {
		return res
	}
	return Result{Value: No, Tier: TierFallback, Fallback: true}
}

// normalize trims, drops punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// earliestWord returns the option occurring first as a whole word in text.
// Longer options win when two start at the same offset.
func earliestWord(text string, options []string) (string, bool) {
	best, bestAt := "", -1
	for _, opt := range options {
		i := wordIndex(text, opt)
		if i < 0 {
			continue
		}
		if bestAt < 0 || i < bestAt || (i == bestAt && len(opt) > len(best)) {
			best, bestAt = opt, i
		}
	}
	return best, bestAt >= 0
}

// wordIndex finds word in text, case-insensitively, bounded by non-word runes.
func wordIndex(text, word string) int {
	t := strings.ToLower(text)
	w := strings.ToLower(strings.TrimSpace(word))
	if w == "" {
		return -1
	}
	for from := 0; from <= len(t)-len(w); {
		i := strings.Index(t[from:], w)
		if i < 0 {
			return -1
		}
		i += from
		if boundaryBefore(t, i) && boundaryAfter(t, i+len(w)) {
			return i
		}
		_, size := utf8.DecodeRuneInString(t[i:])
		from = i + size
	}
	return -1
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, j int) bool {
	if j >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[j:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
