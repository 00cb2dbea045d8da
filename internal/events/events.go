// Package events carries narrated game events from the engine to whoever
// presents or stores them.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"wolfpack/internal/domain"
)

// Visibility says who may see an event.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
	System  Visibility = "system"
)

// Event types.
const (
	TypeSessionStart      = "session.start"
	TypeRoleReveal        = "role.reveal"
	TypeNightStart        = "night.start"
	TypeWerewolfVote      = "night.werewolf_vote"
	TypeWerewolfTarget    = "night.werewolf_target"
	TypeSeerVision        = "night.seer_vision"
	TypeDoctorProtect     = "night.doctor_protect"
	TypeDawn              = "day.dawn"
	TypeAttack            = "day.attack"
	TypeDeath             = "death"
	TypeStatus            = "status"
	TypeSpeech            = "day.speech"
	TypePoll              = "vote.poll"
	TypePollResult        = "vote.poll_result"
	TypeNomination        = "vote.nomination"
	TypeBallot            = "vote.ballot"
	TypeVote              = "vote.cast"
	TypeTally             = "vote.tally"
	TypeElimination       = "vote.elimination"
	TypeHung              = "vote.hung"
	TypeGameOver          = "game.over"
	TypeFinalRoles        = "game.final_roles"
	TypeDayCap            = "game.day_cap"
	TypeResolverFallback  = "resolver.fallback"
	TypeGenerationFailure = "generation.failure"
)

// Event is one narrated fact. Participant is the recipient of a private event
// or the actor of a public one.
type Event struct {
	Type        string         `json:"type"`
	Day         int            `json:"day"`
	Phase       domain.Phase   `json:"phase"`
	Visibility  Visibility     `json:"visibility"`
	Participant string         `json:"participant,omitempty"`
	Message     string         `json:"message"`
	Payload     map[string]any `json:"payload,omitempty"`
	TS          time.Time      `json:"ts"`
}

// Sink receives events synchronously. The engine does not depend on the
// outcome of Emit.
type Sink interface {
	Emit(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Emit(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Memory keeps events in order; used by tests and the HTTP runner.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Emit(_ context.Context, evt Event) error {
	m.mu.Lock()
	m.events = append(m.events, evt)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything emitted so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns emitted events of the given type.
func (m *Memory) OfType(typ string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
