package domain

import (
	"fmt"
	"strings"
)

// ConfigurationError reports an invalid session setup. It is the only fatal
// error class; it is returned before any game state exists.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// GenerationFailure wraps a text backend error for one attempt.
type GenerationFailure struct {
	Participant string
	Attempt     int
	Err         error
}

func (e GenerationFailure) Error() string {
	return fmt.Sprintf("generation failed for %s (attempt %d): %v", e.Participant, e.Attempt, e.Err)
}

func (e GenerationFailure) Unwrap() error { return e.Err }

// ResolutionAmbiguity records free text that matched no legal option.
type ResolutionAmbiguity struct {
	Participant string
	Raw         string
	Options     []string
	Chosen      string
}

func (e ResolutionAmbiguity) Error() string {
	return fmt.Sprintf("could not resolve %q from %s to one of [%s]; fell back to %s",
		truncate(e.Raw, 80), e.Participant, strings.Join(e.Options, ", "), e.Chosen)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
