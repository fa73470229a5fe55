package searcher

import "github.com/dshills/gocontext-indexd/pkg/types"

// TruncateResult is the outcome of fitting ranked results into a token budget.
type TruncateResult struct {
	Results     []types.SearchResult
	TotalTokens int
	// Truncated reports whether any input result was dropped.
	Truncated bool
}

// EstimateResultTokens is the budget cost of one result: its content estimate
// plus the fixed metadata overhead.
func EstimateResultTokens(r types.SearchResult) int {
	return r.EstimatedTokens()
}

// Truncate keeps the longest ranked prefix of results whose summed cost fits
// in limit. A result is never partially included, and the walk stops at the
// first result that does not fit even if a later, smaller one would.
func Truncate(results []types.SearchResult, limit int) TruncateResult {
	total := 0
	n := 0
	for _, r := range results {
		cost := EstimateResultTokens(r)
		if total+cost > limit {
			break
		}
		total += cost
		n++
	}
	return TruncateResult{
		Results:     results[:n:n],
		TotalTokens: total,
		Truncated:   n < len(results),
	}
}

func totalTokens(results []types.SearchResult) int {
	total := 0
	for _, r := range results {
		total += EstimateResultTokens(r)
	}
	return total
}
