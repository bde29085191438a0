// Package tokenutil estimates token counts for prompt budgeting. Estimates
// are heuristic; exact counts depend on the backend tokenizer.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// FitWithinBudget returns the longest prefix of items whose combined token
// estimate stays within budget. Items are kept in order; a budget of zero or
// less keeps everything.
func FitWithinBudget(items []string, budget int) []string {
	if budget <= 0 {
		return items
	}
	total := 0
	for i, item := range items {
		total += EstimateTokens(item)
		if total > budget {
			return items[:i]
		}
	}
	return items
}
