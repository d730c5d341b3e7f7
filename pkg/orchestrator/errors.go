package orchestrator

import (
	"fmt"
	"strings"
)

// ValidationExhaustedError is raised when the retry loop runs out of attempts
// without producing an artifact that passes validation. It carries the full
// feedback history and the score trend across attempts.
type ValidationExhaustedError struct {
	Kind     PromptKind
	Attempts int
	Feedback []string
	Scores   []int
}

func (e *ValidationExhaustedError) Error() string {
	return fmt.Sprintf("validation exhausted for %s after %d attempts (scores: %s)",
		e.Kind, e.Attempts, trend(e.Scores))
}

func trend(scores []int) string {
	if len(scores) == 0 {
		return "none"
	}
	parts := make([]string, len(scores))
	for i, s := range scores {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return strings.Join(parts, " -> ")
}

// CascadeExhaustedError is raised when every model in the fallback cascade
// was unavailable.
type CascadeExhaustedError struct {
	LastModel string
	Err       error
}

func (e *CascadeExhaustedError) Error() string {
	return fmt.Sprintf("model cascade exhausted at %s: %v", e.LastModel, e.Err)
}

func (e *CascadeExhaustedError) Unwrap() error {
	return e.Err
}
