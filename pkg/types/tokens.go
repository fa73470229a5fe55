package types

// ResultMetadataTokens is the fixed token overhead charged per search result
// for its path, line range and score.
const ResultMetadataTokens = 20

// EstimateTokens approximates the token count of s as ceil(len(s)/4).
// Indexing counters and query-time truncation both use this estimate.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
