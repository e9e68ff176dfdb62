package service

import (
	"crypto/md5"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

const (
	// EmbeddingDimensions matches the column width of the original vector store.
	EmbeddingDimensions = 1536
	minParagraphRunes   = 20
)

// Embedder maps text to a fixed-width vector.
type Embedder interface {
	Embed(text string) []float64
}

// HashEmbedder derives a deterministic pseudo-embedding from the MD5 of
// the text. It is not semantic; identical text maps to identical vectors.
type HashEmbedder struct{}

var _ Embedder = HashEmbedder{}

func (HashEmbedder) Embed(text string) []float64 {
	sum := md5.Sum([]byte(text))
	vec := make([]float64, EmbeddingDimensions)
	for i := range vec {
		vec[i] = float64(sum[i%len(sum)]) / 255.0
	}
	return vec
}

// SplitParagraphs splits on blank lines, joins wrapped lines with a space
// and drops fragments of 20 runes or fewer.
func SplitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.ReplaceAll(strings.TrimSpace(p), "\n", " ")
		if utf8.RuneCountInString(p) > minParagraphRunes {
			out = append(out, p)
		}
	}
	return out
}

// Similarity is 1 minus the Euclidean distance. Vectors of different
// length compare over their common prefix.
func Similarity(a, b []float64) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return 1 - math.Sqrt(sum)
}

// SearchResult is one ranked paragraph.
type SearchResult struct {
	Index           int     `json:"paragraph_index"`
	Text            string  `json:"text"`
	SimilarityScore float64 `json:"similarity_score"`
}

// RankParagraphs orders paragraphs by similarity to query, best first,
// keeping at most limit results.
func RankParagraphs(embedder Embedder, paragraphs []model.Paragraph, query string, limit int) []SearchResult {
	q := embedder.Embed(query)
	results := make([]SearchResult, 0, len(paragraphs))
	for _, p := range paragraphs {
		emb := p.Embedding
		if len(emb) == 0 {
			emb = embedder.Embed(p.Text)
		}
		results = append(results, SearchResult{
			Index:           p.Index,
			Text:            p.Text,
			SimilarityScore: Similarity(q, emb),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
