// Package redact scrubs credentials from text before it reaches logs,
// alerts, or the monitor event stream.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// anthropicKeyRegex matches Anthropic-style API keys.
	anthropicKeyRegex = regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,}`)

	// bearerRegex matches Authorization bearer values embedded in text.
	bearerRegex = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`)

	// envAssignRegex matches KEY=value pairs for credential-looking names.
	envAssignRegex = regexp.MustCompile(`(?i)\b([A-Z_]*(?:TOKEN|SECRET|PASSWORD|API_KEY)[A-Z_]*)=\S+`)
)

const placeholder = "[redacted]"

// Secrets replaces credential-looking substrings with a placeholder.
func Secrets(text string) string {
	text = anthropicKeyRegex.ReplaceAllString(text, placeholder)
	text = bearerRegex.ReplaceAllString(text, placeholder)
	text = envAssignRegex.ReplaceAllString(text, "$1="+placeholder)
	return text
}

// Preview returns a scrubbed, single-line prefix of text capped at max runes.
// This is what goes into broadcast payloads in place of raw prompts.
func Preview(text string, max int) string {
	text = Secrets(text)
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + "…"
}
