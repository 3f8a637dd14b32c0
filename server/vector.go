// Copyright 2024 The Amoria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"math"
	"strings"
)

// EmbeddingDim is the fixed dimensionality of profile and prompt vectors.
const EmbeddingDim = 1536

const (
	embeddingCategories  = 8
	embeddingBlockSize   = 192
	embeddingTailSize    = 64
	embeddingTailOffset  = EmbeddingDim - embeddingTailSize
)

// Keyword categories, one block per category. The vector is fully
// deterministic: the same text always produces the same embedding, so
// regenerated vectors stay comparable across deployments.
var embeddingKeywords = [embeddingCategories][]string{
	// technology
	{"code", "coding", "programming", "software", "computer", "debug", "python", "javascript", "app", "website", "tech", "data", "ai", "database", "api", "linux", "server"},
	// creative
	{"art", "design", "music", "write", "writing", "draw", "drawing", "paint", "photo", "photography", "creative", "video", "craft", "film", "dance", "sing"},
	// emotional
	{"feel", "feeling", "lonely", "sad", "anxious", "stress", "stressed", "talk", "listen", "support", "advice", "relationship", "breakup", "grief", "therapy", "vent"},
	// career
	{"job", "career", "work", "interview", "resume", "cv", "salary", "promotion", "business", "startup", "freelance", "networking", "manager", "hire", "hiring"},
	// learning
	{"learn", "learning", "study", "teach", "teaching", "language", "math", "exam", "course", "school", "university", "book", "read", "reading", "tutor", "homework"},
	// wellness
	{"health", "fitness", "gym", "workout", "run", "running", "diet", "nutrition", "sleep", "yoga", "meditation", "sport", "training", "weight", "injury"},
	// lifestyle
	{"travel", "trip", "cook", "cooking", "recipe", "food", "garden", "home", "move", "moving", "city", "event", "party", "game", "gaming", "movie", "pet"},
	// practical
	{"fix", "repair", "car", "bike", "money", "budget", "tax", "legal", "document", "form", "visa", "insurance", "rent", "apartment", "plan", "organize", "help"},
}

// EmbedText computes the deterministic 1536-dim embedding of text.
// Each category block is populated as score * sin((i+1)*pi/blockSize) where
// score sums count(keyword) * len(keyword)/10 over the category's keywords.
// The final 64 dims carry textual statistics (length, word count,
// type-token ratio). The result is L2 normalized.
func EmbedText(text string) []float64 {
	embedding := make([]float64, EmbeddingDim)

	words := tokenize(text)
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}

	for cat, keywords := range embeddingKeywords {
		var score float64
		for _, kw := range keywords {
			if n := counts[kw]; n > 0 {
				score += float64(n) * float64(len(kw)) / 10.0
			}
		}
		if score == 0 {
			continue
		}
		base := cat * embeddingBlockSize
		for i := 0; i < embeddingBlockSize; i++ {
			idx := base + i
			if idx >= embeddingTailOffset {
				break
			}
			embedding[idx] = score * math.Sin(float64(i+1)*math.Pi/float64(embeddingBlockSize))
		}
	}

	// Textual statistics tail.
	unique := float64(len(counts))
	wordCount := float64(len(words))
	typeToken := 0.0
	if wordCount > 0 {
		typeToken = unique / wordCount
	}
	stats := []float64{
		math.Min(1, float64(len(text))/1000.0),
		math.Min(1, wordCount/200.0),
		typeToken,
	}
	for i := 0; i < embeddingTailSize; i++ {
		stat := stats[i%len(stats)]
		embedding[embeddingTailOffset+i] = stat * math.Sin(float64(i+1)*math.Pi/float64(embeddingTailSize))
	}

	return l2Normalize(embedding)
}

func tokenize(text string) []string {
	lowered := strings.ToLower(text)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

func l2Normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
	return v
}

// CosineSimilarity is the scorer's sole similarity function. Inputs are
// expected to be L2 normalized but the full quotient is computed anyway so
// unnormalized vectors still compare correctly.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
