// Package token provides a centralized token counting utility backed by
// tiktoken-go. It lazily initializes the cl100k_base encoding on first use and
// falls back to a character-based heuristic if initialization fails.
package token

import (
	"regexp"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func initEncoding() {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// Count returns an accurate token count using cl100k_base encoding.
// If tiktoken is unavailable, it falls back to EstimateFast.
func Count(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word_count).
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TruncateToTokens truncates text to approximately maxTokens.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	initEncoding()
	if encoding != nil {
		tokens := encoding.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return encoding.Decode(tokens[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}

var (
	dataURLPattern = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=]+`)
	// Raw base64 runs over ~1KB are treated as binary payloads, not prose.
	// Split repetition because Go's regexp caps repeat counts at 1000;
	// {1000}...{24,} matches exactly the same strings as {1024,}.
	rawBase64Pattern = regexp.MustCompile(`[A-Za-z0-9+/]{1000}[A-Za-z0-9+/]{24,}={0,2}`)
)

// imageAttachmentTokens is the flat per-image charge used instead of counting
// the base64 payload, which would overcount by orders of magnitude.
const imageAttachmentTokens = 1000

// EstimateMessage counts the prose of a message, replacing inline base64
// payloads with a flat per-image charge.
func EstimateMessage(text string, imageCount int) int {
	stripped := dataURLPattern.ReplaceAllString(text, "")
	stripped = rawBase64Pattern.ReplaceAllString(stripped, "")
	return Count(stripped) + imageCount*imageAttachmentTokens
}
