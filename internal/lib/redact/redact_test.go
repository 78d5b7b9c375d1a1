package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken(t *testing.T) {
	long := "abcdefgh" + strings.Repeat("x", 40) + "12345678"

	assert.Equal(t, "abcdefgh...12345678", Token(long, 8))
	assert.Equal(t, "abcd...5678", Token(long, 4))
	assert.Equal(t, "abcdefgh...12345678", Token(long, 0))
	assert.Equal(t, "****", Token("abcd", 8))
	assert.Equal(t, "", Token("", 8))
	assert.NotContains(t, Token(long, 8), strings.Repeat("x", 40))
}
