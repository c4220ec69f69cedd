package logger

import (
	"regexp"
	"strings"
)

// Redactor masks credential material before it reaches log output.
// Embedding backends carry API keys in headers and config dumps; anything
// that looks like a bearer token or key assignment is replaced.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default credential patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9\-._~+/]+=*`),
			regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[a-z0-9\-._]+`),
			regexp.MustCompile(`sk-[a-zA-Z0-9\-_]{16,}`),
		},
	}
}

// Redact replaces credential material in s with a mask
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllStringFunc(s, func(m string) string {
			// Keep a short prefix so operators can still match log lines
			// against the key they configured.
			if idx := strings.IndexAny(m, " :="); idx >= 0 && idx+1 < len(m) {
				return m[:idx+1] + "[REDACTED]"
			}
			if len(m) > 6 {
				return m[:6] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return s
}
