// Package embedding provides deterministic hashed term vectors.
//
// Terms are lower-cased alphanumeric runs; each term and each adjacent
// term pair is hashed with BLAKE3 into one of Dims buckets with a signed
// weight, and the vector is L2-normalised. Similar texts share buckets, so
// cosine similarity approximates lexical overlap without a model.
package embedding

import (
	"encoding/binary"
	"math"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// Dims is the vector width.
const Dims = 256

// Vector is an L2-normalised embedding. The zero vector means "no signal".
type Vector []float32

// Embed returns the vector for text.
func Embed(text string) Vector {
	v := make(Vector, Dims)
	terms := Terms(text)
	if len(terms) == 0 {
		return v
	}
	for i, t := range terms {
		add(v, t, 1)
		if i > 0 {
			add(v, terms[i-1]+" "+t, 0.5)
		}
	}
	normalize(v)
	return v
}

func add(v Vector, feature string, weight float32) {
	sum := blake3.Sum256([]byte(feature))
	h := binary.LittleEndian.Uint64(sum[:8])
	bucket := h % Dims
	if sum[8]&1 == 1 {
		weight = -weight
	}
	v[bucket] += weight
}

func normalize(v Vector) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
}

// Cosine returns the cosine similarity of a and b. Mismatched widths or a
// zero vector yield 0.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// IsZero reports whether v carries no signal.
func (v Vector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Terms splits text into lower-case alphanumeric terms, dropping one-letter
// terms and common stop words.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "were": true,
	"is": true, "it": true, "of": true, "to": true, "in": true, "on": true,
	"an": true, "be": true, "as": true, "at": true, "by": true, "or": true,
}
