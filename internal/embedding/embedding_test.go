package embedding

import (
	"math"
	"testing"
)

func TestEmbed_Normalised(t *testing.T) {
	v := Embed("token budgets for long running sessions")
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("squared norm = %v, want 1", norm)
	}
	if len(v) != Dims {
		t.Errorf("len = %d, want %d", len(v), Dims)
	}
}

func TestEmbed_Deterministic(t *testing.T) {
	a := Embed("vault index rebuild")
	b := Embed("vault index rebuild")
	if Cosine(a, b) < 0.9999 {
		t.Errorf("identical text cosine = %v", Cosine(a, b))
	}
}

func TestEmbed_EmptyIsZero(t *testing.T) {
	v := Embed("  , . ; ")
	if !v.IsZero() {
		t.Error("punctuation-only text should embed to zero")
	}
	if got := Cosine(v, Embed("anything")); got != 0 {
		t.Errorf("Cosine with zero vector = %v, want 0", got)
	}
}

func TestCosine_Ordering(t *testing.T) {
	q := Embed("compression of archived paper trail tiers")
	near := Embed("paper trail tiers get compression when archived")
	far := Embed("bananas grow in tropical climates")

	if Cosine(q, near) <= Cosine(q, far) {
		t.Errorf("related text scored %v, unrelated %v", Cosine(q, near), Cosine(q, far))
	}
}

func TestCosine_MismatchedWidths(t *testing.T) {
	if got := Cosine(Vector{1, 0}, Vector{1}); got != 0 {
		t.Errorf("Cosine = %v, want 0", got)
	}
}

func TestTerms(t *testing.T) {
	got := Terms("The Vault-Index is a BIG deal, x 42")
	want := []string{"vault", "index", "big", "deal", "42"}
	if len(got) != len(want) {
		t.Fatalf("Terms = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Terms[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
