package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError is a non-success response from a model provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// ContextOverflowError reports that the provider rejected the request
// because the conversation does not fit the model's context window.
type ContextOverflowError struct {
	Provider string
	Err      error
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("%s: context overflow: %v", e.Provider, e.Err)
}

func (e *ContextOverflowError) Unwrap() error { return e.Err }

// IsContextOverflow reports whether err is, or wraps, a context overflow.
func IsContextOverflow(err error) bool {
	var overflow *ContextOverflowError
	return errors.As(err, &overflow)
}

// overflowMarkers are the phrases providers use when a payload exceeds
// the model's context length.
var overflowMarkers = []string{
	"context length",
	"too many tokens",
	"context_length_exceeded",
	"prompt is too long",
}

func looksLikeOverflow(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range overflowMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classify wraps err in a ContextOverflowError when its text matches a
// known overflow marker. Other errors are returned unchanged.
func classify(provider string, err error) error {
	if err == nil || IsContextOverflow(err) {
		return err
	}
	if looksLikeOverflow(err.Error()) {
		return &ContextOverflowError{Provider: provider, Err: err}
	}
	return err
}
