package memory

import (
	"math"
	"strings"
)

// Similarity scores how alike two nodes are, in [0,1].
type Similarity func(a, b *KnowledgeNode) float64

// VectorLookup resolves a node's embedding reference to its vector.
type VectorLookup interface {
	Vector(ref string) ([]float32, bool)
}

// NewSimilarity returns a Similarity that prefers embedding cosine when both
// nodes have a resolvable vector and falls back to lexical overlap otherwise.
// A nil lookup always uses the lexical score.
func NewSimilarity(vectors VectorLookup) Similarity {
	return func(a, b *KnowledgeNode) float64 {
		if vectors != nil && a.EmbeddingRef != "" && b.EmbeddingRef != "" {
			va, okA := vectors.Vector(a.EmbeddingRef)
			vb, okB := vectors.Vector(b.EmbeddingRef)
			if okA && okB {
				// Map cosine from [-1,1] onto [0,1].
				return clamp01((CosineSimilarity(va, vb) + 1) / 2)
			}
		}
		return LexicalSimilarity(a.Content+" "+strings.Join(a.Tags, " "), b.Content+" "+strings.Join(b.Tags, " "))
	}
}

// LexicalSimilarity computes token overlap between two texts.
// Uses a combination of Jaccard overlap and symmetric coverage.
func LexicalSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var shared int
	for w := range ta {
		if tb[w] {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}

	// Jaccard-inspired: overlap / union
	union := float64(len(ta) + len(tb) - shared)
	jaccard := float64(shared) / math.Max(union, 1)

	// Coverage: what fraction of the shorter text is matched
	coverage := float64(shared) / float64(min(len(ta), len(tb)))

	// Blend both signals
	return clamp01(0.4*jaccard + 0.6*coverage)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the vectors are empty, mismatched or zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 { // skip single chars
			result = append(result, w)
		}
	}
	return result
}

func tokenSet(text string) map[string]bool {
	words := tokenize(text)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
