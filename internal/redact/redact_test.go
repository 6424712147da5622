package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecrets(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "anthropic key",
			input:    "use sk-ant-api03-abcdef123456 for auth",
			expected: "use [redacted] for auth",
		},
		{
			name:     "bearer token",
			input:    "header was Bearer eyJhbGciOiJIUzI1NiJ9.payload",
			expected: "header was [redacted]",
		},
		{
			name:     "env assignment",
			input:    "export DB_PASSWORD=hunter22 before running",
			expected: "export DB_PASSWORD=[redacted] before running",
		},
		{
			name:     "api key assignment",
			input:    "set MY_API_KEY=abc123",
			expected: "set MY_API_KEY=[redacted]",
		},
		{
			name:     "clean text untouched",
			input:    "summarize the README",
			expected: "summarize the README",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Secrets(tt.input))
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short prompt", Preview("short prompt", 80))

	got := Preview(strings.Repeat("word ", 50), 20)
	assert.Equal(t, 21, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))

	assert.Equal(t, "a b c", Preview("a\n\n  b\tc", 80), "whitespace collapsed")

	assert.NotContains(t, Preview("key sk-ant-api03-abcdef123456 end", 80), "sk-ant")
}
