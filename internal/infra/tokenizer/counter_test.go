package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 2, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("こんにちは"))
}

func TestEstimator_TrimToTokenLimit(t *testing.T) {
	c := NewEstimator()
	assert.False(t, c.Exact())

	assert.Equal(t, "abcdef", c.TrimToTokenLimit("abcdef", 2))
	assert.Equal(t, "abc", c.TrimToTokenLimit("abcdef", 1))
	assert.Equal(t, "", c.TrimToTokenLimit("abcdef", 0))
	assert.Equal(t, "こんに", c.TrimToTokenLimit("こんにちは", 1))
	assert.LessOrEqual(t, c.CountTokens(c.TrimToTokenLimit("a long piece of text", 3)), 3)
}
