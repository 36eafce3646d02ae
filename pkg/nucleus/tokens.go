package nucleus

import (
	"strings"

	"github.com/acm-runtime/acm/pkg/llm"
)

// EstimateTokens approximates the token count of a conversation without a
// tokenizer: one token per four characters, scaled down for fenced code
// blocks where symbols tokenize denser than prose.
func EstimateTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateText(m.Content)
	}
	return total
}

func estimateText(s string) int {
	if s == "" {
		return 0
	}
	est := float64(len(s)) / 4.0
	if strings.Contains(s, "```") {
		est *= 0.9
	}
	n := int(est)
	if n == 0 {
		n = 1
	}
	return n
}
