package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	counter, err := NewTokenCounter()
	require.NoError(t, err)

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{"empty", "", 0, 0},
		{"single word", "Hello", 1, 2},
		{"sentence", "This is a longer sentence with more words.", 8, 12},
		{"repeated", strings.Repeat("word ", 100), 90, 110},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := counter.CountTokens(tt.text)
			assert.GreaterOrEqual(t, tokens, tt.minTokens)
			assert.LessOrEqual(t, tokens, tt.maxTokens)
		})
	}
}

func TestCountTokens_NilCounterFallsBack(t *testing.T) {
	var counter *TokenCounter
	assert.Equal(t, 2, counter.CountTokens("12345678"))
}
