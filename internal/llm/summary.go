package llm

import (
	"context"
	"fmt"
	"strings"
)

// SummarySystemPrompt instructs the model to summarize one code chunk.
const SummarySystemPrompt = `You summarize source code for a code search index.
Describe what the code does in at most three sentences.
Name the main identifiers. Do not restate the code.`

// maxSummaryInput bounds the chunk text sent for summarization.
const maxSummaryInput = 12000

// SummaryPrompt builds the user prompt for one chunk.
func SummaryPrompt(filePath, language, symbol, content string) string {
	if len(content) > maxSummaryInput {
		content = content[:maxSummaryInput]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", filePath)
	if language != "" {
		fmt.Fprintf(&b, "Language: %s\n", language)
	}
	if symbol != "" {
		fmt.Fprintf(&b, "Symbol: %s\n", symbol)
	}
	b.WriteString("\nCode:\n")
	b.WriteString(content)
	b.WriteString("\n\nSummary:")
	return b.String()
}

// Summarize generates a summary for one chunk.
func Summarize(ctx context.Context, gen Generator, filePath, language, symbol, content string, maxTokens int) (string, error) {
	return gen.Generate(ctx, SummaryPrompt(filePath, language, symbol, content), GenerateOptions{
		SystemPrompt: SummarySystemPrompt,
		MaxTokens:    maxTokens,
		Temperature:  0.2,
	})
}
