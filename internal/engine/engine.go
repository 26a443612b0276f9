package engine

import (
	"context"
	"fmt"
	"strings"
)

// Engine produces an analysis of a document for a given query.
type Engine interface {
	Analyze(ctx context.Context, query, documentText string) (string, error)
}

// Placeholder is used when no LLM provider is configured. It returns a
// deterministic summary so the pipeline stays exercisable in dev.
type Placeholder struct{}

// Analyze returns a canned analysis derived from the input sizes.
func (Placeholder) Analyze(ctx context.Context, query, documentText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.HasPrefix(documentText, "error reading document:") {
		return fmt.Sprintf("Could not analyze the document. %s", documentText), nil
	}
	return fmt.Sprintf(
		"Analysis unavailable: no LLM provider configured. Query was %q; document contained %d characters.",
		query, len(documentText),
	), nil
}

var _ Engine = Placeholder{}
