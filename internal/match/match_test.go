package match

import (
	"math/rand/v2"
	"strings"
	"testing"

	"bytemomo/sonar/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expect(v domain.Value) *domain.Value { return &v }

func linuxSig() *domain.Signature {
	return &domain.Signature{
		ID: "linux-test", Kind: domain.SignatureOS, Name: "Linux", Family: "linux",
		Predicates: []domain.Predicate{
			{Feature: "tcp.ttl", Expect: expect(domain.Num(64)), Tolerance: 2},
			{Feature: "tcp.window", Expect: expect(domain.Num(5840))},
			{Feature: "tcp.options", Expect: expect(domain.Str("M,S,T,N,W"))},
		},
	}
}

func observed() domain.FeatureVector {
	fv := domain.FeatureVector{}
	fv.SetNum("tcp.ttl", 63)
	fv.SetNum("tcp.window", 5840)
	fv.SetStr("tcp.options", "M,S,T,N,W")
	return fv
}

func TestTolerantTTLMatch(t *testing.T) {
	r := Score(observed(), linuxSig())
	assert.Greater(t, r.Score, 0.8)
	assert.Less(t, r.Score, 1.0)
	assert.Equal(t, 3, r.Contributing)
	assert.Equal(t, []string{"tcp.options", "tcp.window"}, r.Matched)
	assert.Equal(t, []string{"tcp.ttl"}, r.Partial)
	assert.Equal(t, domain.ConfidenceCertain, r.Level)
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		p    domain.Predicate
		obs  domain.Value
		want float64
	}{
		{"exact number", domain.Predicate{Expect: expect(domain.Num(128))}, domain.Num(128), 1},
		{"number without tolerance", domain.Predicate{Expect: expect(domain.Num(128))}, domain.Num(127), 0},
		{"tolerance edge", domain.Predicate{Expect: expect(domain.Num(64)), Tolerance: 4}, domain.Num(60), 0.5},
		{"beyond tolerance", domain.Predicate{Expect: expect(domain.Num(64)), Tolerance: 4}, domain.Num(59), 0},
		{"bool", domain.Predicate{Expect: expect(domain.Bool(true))}, domain.Bool(true), 1},
		{"kind mismatch", domain.Predicate{Expect: expect(domain.Bool(true))}, domain.Num(1), 0},
		{"string ignores case", domain.Predicate{Expect: expect(domain.Str("Incremental"))}, domain.Str("incremental"), 1},
		{"string against tokens", domain.Predicate{Expect: expect(domain.Str("M,N,W"))}, domain.Tokens("M", "N", "W"), 1},
		{"inside range", domain.Predicate{Range: []float64{1000, 2000}}, domain.Num(1500), 1},
		{"near range", domain.Predicate{Range: []float64{1000, 2000}, Tolerance: 100}, domain.Num(2050), 0.75},
		{"far from range", domain.Predicate{Range: []float64{1000, 2000}, Tolerance: 100}, domain.Num(2500), 0},
		{"one of", domain.Predicate{OneOf: []string{"random", "time"}}, domain.Str("Random"), 1},
		{"one of miss", domain.Predicate{OneOf: []string{"random", "time"}}, domain.Str("constant"), 0},
		{"contains all", domain.Predicate{Contains: []string{"openssh", "ubuntu"}}, domain.Tokens("ssh", "openssh", "ubuntu"), 1},
		{"contains some", domain.Predicate{Contains: []string{"openssh", "debian"}}, domain.Tokens("ssh", "openssh", "ubuntu"), 0},
		{"contains in text", domain.Predicate{Contains: []string{"nginx"}}, domain.Str("Server: nginx/1.18.0"), 1},
		{"pattern", domain.Predicate{Pattern: `^SSH-2\.0-OpenSSH_(\d+)`}, domain.Str("SSH-2.0-OpenSSH_8.9p1"), 1},
		{"pattern miss", domain.Predicate{Pattern: `^220 .*vsftpd`}, domain.Str("SSH-2.0-dropbear"), 0},
		{"bad pattern", domain.Predicate{Pattern: `(`}, domain.Str("x"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Evaluate(tt.p, tt.obs), 1e-9)
		})
	}
}

func TestScoreBounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	sig := linuxSig()
	sig.Predicates = append(sig.Predicates,
		domain.Predicate{Feature: "icmp.echo.ttl", Range: []float64{60, 64}, Tolerance: 8, Weight: 3},
		domain.Predicate{Feature: "tcp.df", Expect: expect(domain.Bool(true)), Weight: 0.5},
	)
	for range 500 {
		fv := domain.FeatureVector{}
		fv.SetNum("tcp.ttl", float64(rng.IntN(256)))
		fv.SetNum("tcp.window", float64(rng.IntN(65536)))
		fv.SetNum("icmp.echo.ttl", float64(rng.IntN(256)))
		fv.SetBool("tcp.df", rng.IntN(2) == 0)
		r := Score(fv, sig)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestScoreIgnoresPredicateOrder(t *testing.T) {
	sig := linuxSig()
	sig.Predicates = append(sig.Predicates,
		domain.Predicate{Feature: "tcp.mss", Range: []float64{1400, 1460}, Tolerance: 40, Weight: 0.7},
		domain.Predicate{Feature: "tcp.df", Expect: expect(domain.Bool(true)), Weight: 1.3},
		domain.Predicate{Feature: "ip.id", OneOf: []string{"incremental", "zero"}, Weight: 0.9},
	)
	fv := observed()
	fv.SetNum("tcp.mss", 1380)
	fv.SetBool("tcp.df", true)
	fv.SetStr("ip.id", "random")
	want := Score(fv, sig)

	rng := rand.New(rand.NewPCG(7, 7))
	for range 50 {
		shuffled := *sig
		shuffled.Predicates = append([]domain.Predicate(nil), sig.Predicates...)
		rng.Shuffle(len(shuffled.Predicates), func(i, j int) {
			shuffled.Predicates[i], shuffled.Predicates[j] = shuffled.Predicates[j], shuffled.Predicates[i]
		})
		got := Score(fv, &shuffled)
		require.Equal(t, want.Score, got.Score, "scores must be bit-identical")
		assert.Equal(t, want.Matched, got.Matched)
		assert.Equal(t, want.Partial, got.Partial)
	}
}

func icmpHeavy() *domain.Signature {
	return &domain.Signature{
		ID: "icmp-heavy", Kind: domain.SignatureOS, Name: "ICMP heavy",
		Predicates: []domain.Predicate{
			{Feature: "tcp.ttl", Expect: expect(domain.Num(64)), Tolerance: 2},
			{Feature: "icmp.echo.ttl", Expect: expect(domain.Num(64))},
			{Feature: "icmp.echo.code", Expect: expect(domain.Num(0))},
			{Feature: "icmp.quote.len", Expect: expect(domain.Num(28))},
		},
	}
}

func TestMissingICMPFeatures(t *testing.T) {
	opts := Options{MinPredicates: 2, MinCoverage: 0.5}
	sigs := []*domain.Signature{icmpHeavy(), linuxSig()}

	ranked := Rank(observed(), sigs, opts)
	require.Len(t, ranked, 1)
	assert.Equal(t, "linux-test", ranked[0].Signature.ID)
	assert.Greater(t, ranked[0].Score, 0.8)

	heavy := Score(observed(), icmpHeavy())
	assert.Equal(t, 1, heavy.Contributing)
	assert.False(t, Eligible(heavy, opts))
}

func TestRankOrderAndDeterminism(t *testing.T) {
	general := &domain.Signature{
		ID: "b-general", Kind: domain.SignatureOS, Name: "General",
		Predicates: []domain.Predicate{
			{Feature: "tcp.window", Expect: expect(domain.Num(5840))},
			{Feature: "tcp.options", Expect: expect(domain.Str("M,S,T,N,W"))},
		},
	}
	twin := *general
	twin.ID = "a-general"
	specific := &domain.Signature{
		ID: "z-specific", Kind: domain.SignatureOS, Name: "Specific",
		Predicates: []domain.Predicate{
			{Feature: "tcp.window", Expect: expect(domain.Num(5840))},
			{Feature: "tcp.options", Expect: expect(domain.Str("M,S,T,N,W"))},
			{Feature: "tcp.ttl", Range: []float64{60, 64}},
		},
	}
	wrong := &domain.Signature{
		ID: "wrong", Kind: domain.SignatureOS, Name: "Wrong",
		Predicates: []domain.Predicate{
			{Feature: "tcp.window", Expect: expect(domain.Num(65535))},
			{Feature: "tcp.ttl", Expect: expect(domain.Num(128))},
		},
	}
	sigs := []*domain.Signature{wrong, general, specific, &twin}
	opts := Options{MinPredicates: 2, MinCoverage: 0.5}

	first := Rank(observed(), sigs, opts)
	ids := make([]string, len(first))
	for i, r := range first {
		ids[i] = r.Signature.ID
	}
	assert.Equal(t, []string{"z-specific", "a-general", "b-general", "wrong"}, ids)

	for range 20 {
		again := Rank(observed(), sigs, opts)
		assert.Equal(t, first, again)
	}

	opts.MaxResults = 2
	assert.Len(t, Rank(observed(), sigs, opts), 2)
	opts.MinScore = 0.5
	opts.MaxResults = 0
	assert.Len(t, Rank(observed(), sigs, opts), 3)
}

func TestZeroEvidence(t *testing.T) {
	r := Score(domain.FeatureVector{}, linuxSig())
	assert.Zero(t, r.Score)
	assert.Zero(t, r.Contributing)
	assert.False(t, Eligible(r, Options{MinPredicates: 1}))
}

func TestCompileRejectsNestedQuantifiers(t *testing.T) {
	for _, p := range []string{`(a+)+`, `^(\w+\s?)*$`, `(x*){2,}`} {
		_, err := Compile(p)
		assert.ErrorIs(t, err, ErrNestedQuantifier, p)
	}
	for _, p := range []string{`OpenSSH_([\w.]+)`, `^(9\.[\d.]+)`, `(a\+)+`, `^HTTP/1\.[01] \d{3}`} {
		_, err := Compile(p)
		assert.NoError(t, err, p)
	}
}

func TestPatternMatchesWithinSubjectCap(t *testing.T) {
	p := domain.Predicate{Pattern: `tail$`}
	assert.Equal(t, 1.0, Evaluate(p, domain.Str(strings.Repeat("a", MaxSubject-4)+"tail")))
	assert.Equal(t, 0.0, Evaluate(p, domain.Str(strings.Repeat("a", MaxSubject)+"tail")))
}
