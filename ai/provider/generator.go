// Package provider defines the generation capability the pipeline depends on.
package provider

import "context"

// Generator produces text and images from prompts.
// Errors may be *errors.RateLimitedError, which callers treat as overload, not failure.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Usage describes the cost of one text generation
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
}

// UsageReporter is implemented by generators that can report token usage.
// Check with a type assertion.
type UsageReporter interface {
	GenerateTextWithUsage(ctx context.Context, prompt string) (string, Usage, error)
}

// GenerateText calls the usage-reporting variant when gen supports it.
// The returned Usage is zero otherwise.
func GenerateText(ctx context.Context, gen Generator, prompt string) (string, Usage, error) {
	if r, ok := gen.(UsageReporter); ok {
		return r.GenerateTextWithUsage(ctx, prompt)
	}
	text, err := gen.GenerateText(ctx, prompt)
	return text, Usage{}, err
}
