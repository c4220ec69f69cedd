package memory

import (
	"strings"
)

// ChunkSpan is one line-bounded slice produced by the chunker. Line numbers
// are 1-based and inclusive.
type ChunkSpan struct {
	StartLine int
	EndLine   int
	Text      string
}

// estimateTokens approximates the token count of text. Embedding models
// average around four characters per token for English prose.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// ChunkMarkdown splits markdown text into ordered spans respecting a token
// budget with overlap. It is a pure function: identical input yields identical
// spans, which keeps chunk ids stable across syncs.
func ChunkMarkdown(text string, chunkTokens, overlapTokens int) []ChunkSpan {
	if chunkTokens <= 0 {
		chunkTokens = DefaultSettings().ChunkTokens
	}
	if overlapTokens < 0 || overlapTokens >= chunkTokens {
		overlapTokens = 0
	}

	lines := strings.Split(text, "\n")

	var spans []ChunkSpan
	var cur []string
	curTokens := 0
	startLine := 1

	flush := func(endLine int) {
		body := strings.TrimSpace(strings.Join(cur, "\n"))
		if body == "" {
			return
		}
		spans = append(spans, ChunkSpan{
			StartLine: startLine,
			EndLine:   endLine,
			Text:      body,
		})
	}

	for i, line := range lines {
		lineNo := i + 1
		lineTokens := estimateTokens(line) + 1

		if curTokens > 0 && curTokens+lineTokens > chunkTokens {
			flush(lineNo - 1)

			// Carry trailing lines forward until the overlap budget is met.
			var keep []string
			keepTokens := 0
			for j := len(cur) - 1; j >= 0 && keepTokens < overlapTokens; j-- {
				keep = append([]string{cur[j]}, keep...)
				keepTokens += estimateTokens(cur[j]) + 1
			}
			startLine = lineNo - len(keep)
			cur = keep
			curTokens = keepTokens
		}

		cur = append(cur, line)
		curTokens += lineTokens
	}

	flush(len(lines))

	return spans
}
