// Package llm defines the text generation boundary used by the engine and the
// backends that implement it.
package llm

import (
	"context"
	"errors"
)

// Message roles in a participant history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultHistoryLimit is the number of messages retained per participant.
const DefaultHistoryLimit = 20

// ErrEmptyResponse is returned by backends when the model produced no text.
var ErrEmptyResponse = errors.New("empty response")

// Message is one role-tagged entry of a conversational history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces free text for one participant. It may fail or return
// ill-formed text; callers must tolerate both.
type Generator interface {
	Generate(ctx context.Context, history []Message, system, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, history []Message, system, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, history []Message, system, prompt string) (string, error) {
	return f(ctx, history, system, prompt)
}

// History is a bounded, ordered log of prompts and answers owned by one
// participant. The oldest entries are evicted first.
type History struct {
	limit int
	msgs  []Message
}

// NewHistory returns an empty history holding at most limit messages.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Append adds a message, evicting from the front when over the limit.
func (h *History) Append(role, content string) {
	h.msgs = append(h.msgs, Message{Role: role, Content: content})
	if over := len(h.msgs) - h.limit; over > 0 {
		h.msgs = append(h.msgs[:0:0], h.msgs[over:]...)
	}
}

// Messages returns a copy of the retained messages, oldest first.
func (h *History) Messages() []Message {
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *History) Len() int   { return len(h.msgs) }
func (h *History) Limit() int { return h.limit }
