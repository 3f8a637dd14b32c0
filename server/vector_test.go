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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedTextDeterministic(t *testing.T) {
	a := EmbedText("I need help debugging my python code")
	b := EmbedText("I need help debugging my python code")
	require.Len(t, a, EmbeddingDim)
	assert.Equal(t, a, b)
}

func TestEmbedTextNormalized(t *testing.T) {
	v := EmbedText("learning to cook healthy recipes at home")
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-9)
}

func TestEmbedTextEmpty(t *testing.T) {
	v := EmbedText("")
	require.Len(t, v, EmbeddingDim)
	for _, x := range v {
		assert.Zero(t, x)
	}
	assert.Zero(t, CosineSimilarity(v, EmbedText("anything at all")))
}

func TestEmbedTextCaseInsensitive(t *testing.T) {
	assert.Equal(t, EmbedText("PYTHON Code"), EmbedText("python code"))
}

func TestCosineSimilarityRanksRelatedPrompts(t *testing.T) {
	prompt := EmbedText("can someone help me debug my javascript app")
	related := EmbedText("I write software and know javascript debugging well")
	unrelated := EmbedText("gym workout and running for fitness")

	assert.Greater(t, CosineSimilarity(prompt, related), CosineSimilarity(prompt, unrelated))
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := EmbedText("career advice for a job interview")
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarityDegenerate(t *testing.T) {
	v := EmbedText("travel plans")
	assert.Zero(t, CosineSimilarity(v, nil))
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity(v, make([]float64, EmbeddingDim)))
}
