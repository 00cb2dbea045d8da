package engine

import (
	"context"
	"fmt"

	"wolfpack/internal/domain"
	"wolfpack/internal/events"
	"wolfpack/internal/roster"
)

// evaluate computes the win condition. Werewolves win at parity.
func evaluate(r *roster.Roster) domain.Outcome {
	wolves := len(r.AliveFaction(domain.FactionWerewolves))
	town := len(r.AliveFaction(domain.FactionVillagers))
	switch {
	case wolves == 0:
		return domain.Outcome{Decided: true, Winner: domain.FactionVillagers}
	case wolves >= town:
		return domain.Outcome{Decided: true, Winner: domain.FactionWerewolves}
	}
	return domain.Outcome{}
}

// checkWin records the outcome the first time the game is decided. A decided
// outcome is never overwritten.
func (e *Engine) checkWin(ctx context.Context) bool {
	if e.outcome.Decided {
		return true
	}
	o := evaluate(e.Roster)
	if !o.Decided {
		return false
	}
	e.outcome = o
	_ = e.transition(domain.PhaseGameOver)
	var msg string
	switch o.Winner {
	case domain.FactionVillagers:
		msg = "All werewolves have been eliminated. The villagers win!"
	default:
		msg = "The werewolves now equal or outnumber the villagers. The werewolves win!"
	}
	e.announce(ctx, events.TypeGameOver, fmt.Sprintf("Game over after %d days. %s", e.day, msg), map[string]any{"winner": string(o.Winner)})
	return true
}
