// Package search is a per-peer semantic index over chat messages.
//
// Messages are embedded on-device and stored in a sqlite-vec vec0 table
// for KNN lookup. When the extension cannot be loaded the index keeps
// working with a linear cosine scan over stored embeddings.
package search

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(text string) []float32
	Dimensions() int
}

// LocalEmbedder is an offline feature-hashing embedder tuned for short chat
// messages. Features, by share of the vector:
//   - word unigrams and bigrams (70%)
//   - character trigrams, for typos and word variants (20%)
//   - chat cues such as questions, mentions and links (10%)
type LocalEmbedder struct {
	dimensions int
	stopwords  map[string]bool
}

// NewLocalEmbedder returns a 256-dimension LocalEmbedder.
func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{
		dimensions: 256,
		stopwords:  buildStopwords(),
	}
}

func buildStopwords() map[string]bool {
	words := []string{
		"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for",
		"of", "with", "by", "from", "as", "is", "was", "are", "were", "be",
		"it", "its", "this", "that", "i", "you", "he", "she", "we", "they",
		"so", "just", "do", "did", "have", "has", "me", "my", "your",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func (e *LocalEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *LocalEmbedder) Embed(text string) []float32 {
	v := make([]float32, e.dimensions)
	lower := strings.ToLower(text)
	words := tokenize(lower)
	if len(words) == 0 && strings.TrimSpace(text) == "" {
		return v
	}

	wordDims := e.dimensions * 7 / 10
	charDims := e.dimensions * 2 / 10
	e.addWordFeatures(v[:wordDims], words)
	addCharFeatures(v[wordDims:wordDims+charDims], lower)
	addCueFeatures(v[wordDims+charDims:], text, words)

	normalize(v)
	return v
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '@' && r != '#'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func (e *LocalEmbedder) addWordFeatures(v []float32, words []string) {
	dims := uint32(len(v))
	for i, w := range words {
		if !e.stopwords[w] {
			v[hash(w)%dims] += 1
			v[hash(w+"#")%dims] -= 0.5
		}
		if i+1 < len(words) {
			bigram := w + " " + words[i+1]
			v[hash(bigram)%dims] += 0.5
		}
	}
}

func addCharFeatures(v []float32, text string) {
	dims := uint32(len(v))
	runes := []rune(text)
	for i := 0; i+3 <= len(runes); i++ {
		v[hash("c:"+string(runes[i:i+3]))%dims] += 0.1
	}
}

func addCueFeatures(v []float32, raw string, words []string) {
	if len(v) < 8 {
		return
	}
	if strings.Contains(raw, "?") {
		v[0] = 1
	}
	if strings.Contains(raw, "http://") || strings.Contains(raw, "https://") {
		v[1] = 1
	}
	for _, w := range words {
		if strings.HasPrefix(w, "@") {
			v[2] = 1
		}
		if strings.HasPrefix(w, "#") {
			v[3] = 1
		}
	}
	if strings.Contains(raw, "`") {
		v[4] = 1
	}
	for _, r := range raw {
		if r > unicode.MaxASCII && !unicode.IsLetter(r) {
			v[5] = 1 // emoji and other symbols
			break
		}
	}
	v[6] = float32(math.Log(float64(len(words) + 1)))
	if strings.Contains(raw, "!") {
		v[7] = 1
	}
}

func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func normalize(v []float32) {
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = float32(math.Sqrt(float64(norm)))
		for i := range v {
			v[i] /= norm
		}
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
