package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	t.Run("bearer token", func(t *testing.T) {
		out := r.Redact(`Authorization: Bearer abc123def456`)
		assert.NotContains(t, out, "abc123def456")
		assert.Contains(t, out, "[REDACTED]")
	})

	t.Run("api key assignment", func(t *testing.T) {
		out := r.Redact(`api_key=supersecretvalue`)
		assert.NotContains(t, out, "supersecretvalue")
	})

	t.Run("openai style key", func(t *testing.T) {
		out := r.Redact(`using key sk-proj-abcdefghijklmnop1234`)
		assert.NotContains(t, out, "abcdefghijklmnop1234")
		assert.Contains(t, out, "[REDACTED]")
	})

	t.Run("clean text untouched", func(t *testing.T) {
		msg := "indexed 42 chunks from memory/projects.md"
		assert.Equal(t, msg, r.Redact(msg))
	})
}
