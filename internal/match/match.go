// Package match scores feature vectors against signatures. Scoring is a pure
// function of its inputs: the same vector and signature always produce the
// same score, whatever order the predicates were written in.
package match

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"bytemomo/sonar/internal/domain"

	"github.com/dlclark/regexp2"
)

// Options are the evidence thresholds applied by Rank.
type Options struct {
	// MinPredicates is the least number of predicates that must have an
	// observed feature.
	MinPredicates int
	// MinCoverage is the least fraction of a signature's predicates that
	// must have an observed feature.
	MinCoverage float64
	// MinScore drops results scoring below it.
	MinScore float64
	// MaxResults truncates the ranking; zero keeps everything.
	MaxResults int
}

// OSOptions derives OS ranking thresholds from configuration.
func OSOptions(cfg domain.MatchConfig) Options {
	return Options{MinPredicates: cfg.MinPredicates, MinCoverage: cfg.MinCoverage, MaxResults: cfg.MaxResults}
}

// ServiceOptions derives service ranking thresholds from configuration.
func ServiceOptions(cfg domain.MatchConfig) Options {
	return Options{
		MinPredicates: cfg.ServiceMinPredicates,
		MinScore:      cfg.ServiceMinScore,
		MaxResults:    cfg.MaxResults,
	}
}

var patterns sync.Map // pattern text -> *regexp2.Regexp

// MaxSubject caps the text a pattern runs over. Matching has no wall-clock
// timeout, so a result never depends on load.
const MaxSubject = 4096

// nestedQuantifier spots a quantified group holding an unbounded quantifier,
// such as (a+)+, which backtracks exponentially.
var nestedQuantifier = regexp2.MustCompile(`\((?:[^()\\+*]|\\.)*[+*](?:[^()\\]|\\.)*\)[+*{]`, regexp2.None)

// ErrNestedQuantifier rejects patterns prone to catastrophic backtracking.
var ErrNestedQuantifier = errors.New("nested quantifier")

// Compile compiles a case-insensitive, multiline predicate pattern, caching
// the result.
func Compile(pattern string) (*regexp2.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp2.Regexp), nil
	}
	if bad, _ := nestedQuantifier.MatchString(pattern); bad {
		return nil, fmt.Errorf("pattern %q: %w", pattern, ErrNestedQuantifier)
	}
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase|regexp2.Multiline)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}

// Subject trims s to MaxSubject bytes for pattern matching.
func Subject(s string) string {
	if len(s) > MaxSubject {
		return s[:MaxSubject]
	}
	return s
}

// Evaluate scores one predicate against an observed value, returning a
// value in [0, 1].
func Evaluate(p domain.Predicate, obs domain.Value) float64 {
	switch {
	case p.Expect != nil:
		return evalExpect(*p.Expect, obs, p.Tolerance)
	case len(p.Range) == 2:
		if obs.Kind != domain.KindNumber {
			return 0
		}
		lo, hi := p.Range[0], p.Range[1]
		switch {
		case obs.Num < lo:
			return within(lo-obs.Num, p.Tolerance)
		case obs.Num > hi:
			return within(obs.Num-hi, p.Tolerance)
		}
		return 1
	case len(p.OneOf) > 0:
		s := obs.String()
		for _, o := range p.OneOf {
			if strings.EqualFold(o, s) {
				return 1
			}
		}
		return 0
	case len(p.Contains) > 0:
		for _, want := range p.Contains {
			if !containsToken(obs, want) {
				return 0
			}
		}
		return 1
	case p.Pattern != "":
		re, err := Compile(p.Pattern)
		if err != nil {
			return 0
		}
		ok, err := re.MatchString(Subject(obs.String()))
		if err != nil || !ok {
			return 0
		}
		return 1
	}
	return 0
}

func evalExpect(exp, obs domain.Value, tol float64) float64 {
	if exp.Kind == domain.KindNumber && obs.Kind == domain.KindNumber {
		return within(math.Abs(exp.Num-obs.Num), tol)
	}
	if exp.Kind == domain.KindString && obs.Kind == domain.KindTokens {
		// "M,S,T" style expectations against a token list
		return boolScore(strings.EqualFold(exp.Str, strings.Join(obs.Tokens, ",")))
	}
	return boolScore(exp.Equal(obs))
}

// within gives full credit at distance zero and linearly falling partial
// credit down to one half at the tolerance edge.
func within(d, tol float64) float64 {
	switch {
	case d == 0:
		return 1
	case tol > 0 && d <= tol:
		return 1 - d/(2*tol)
	}
	return 0
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func containsToken(obs domain.Value, want string) bool {
	switch obs.Kind {
	case domain.KindTokens:
		return obs.HasToken(want)
	case domain.KindString:
		return strings.Contains(strings.ToLower(obs.Str), strings.ToLower(want))
	}
	return false
}

// canonical returns the predicate indices of sig in Key order.
func canonical(sig *domain.Signature) []int {
	idx := make([]int, len(sig.Predicates))
	keys := make([]string, len(sig.Predicates))
	for i, p := range sig.Predicates {
		idx[i] = i
		keys[i] = p.Key()
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	return idx
}

// Score computes Σw·m / Σw over the predicates whose feature was observed.
// Missing features neither add to nor subtract from the score.
func Score(fv domain.FeatureVector, sig *domain.Signature) domain.MatchResult {
	res := domain.MatchResult{Signature: sig, Total: len(sig.Predicates)}
	var num, den float64
	matched := map[string]struct{}{}
	partial := map[string]struct{}{}
	for _, i := range canonical(sig) {
		p := sig.Predicates[i]
		obs, ok := fv.Get(p.Feature)
		if !ok {
			continue
		}
		res.Contributing++
		w := p.EffectiveWeight()
		m := Evaluate(p, obs)
		num += w * m
		den += w
		switch {
		case m >= 1:
			matched[p.Feature] = struct{}{}
		case m > 0:
			partial[p.Feature] = struct{}{}
		}
	}
	if den > 0 {
		res.Score = math.Min(1, math.Max(0, num/den))
	}
	res.Level = domain.LevelFor(res.Score)
	res.Matched = sortedKeys(matched)
	for k := range matched {
		delete(partial, k)
	}
	res.Partial = sortedKeys(partial)
	return res
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Eligible reports whether a result carries enough evidence to be ranked.
func Eligible(r domain.MatchResult, opts Options) bool {
	if r.Contributing == 0 || r.Contributing < opts.MinPredicates {
		return false
	}
	if r.Total > 0 && float64(r.Contributing)/float64(r.Total) < opts.MinCoverage {
		return false
	}
	return r.Score >= opts.MinScore
}

// Rank scores every signature and returns the eligible ones ordered by
// score, then predicate count, then ID.
func Rank(fv domain.FeatureVector, sigs []*domain.Signature, opts Options) []domain.MatchResult {
	out := make([]domain.MatchResult, 0, len(sigs))
	for _, sig := range sigs {
		r := Score(fv, sig)
		if Eligible(r, opts) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ra, rb := out[a], out[b]
		if ra.Score != rb.Score {
			return ra.Score > rb.Score
		}
		if ra.Total != rb.Total {
			return ra.Total > rb.Total
		}
		return ra.Signature.ID < rb.Signature.ID
	})
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out
}
