package engine

import (
	"context"
	"fmt"
	"strings"

	"wolfpack/internal/events"
	"wolfpack/internal/resolve"
	"wolfpack/internal/roster"
)

// pollPasses requires a strict majority of the living.
func pollPasses(yes, alive int) bool {
	return yes*2 > alive
}

// vote runs the poll, nomination and final vote. Only a unique plurality
// eliminates; any tie at the top hangs the vote.
func (e *Engine) vote(ctx context.Context) {
	alive := e.Roster.Alive()
	if len(alive) < 2 {
		return
	}
	if !e.poll(ctx, alive) {
		return
	}
	ballot := e.nominate(ctx, alive)
	if ctx.Err() != nil {
		return
	}
	if len(ballot) == 0 {
		e.announce(ctx, events.TypeBallot, "Nobody was nominated. No one is eliminated today.", map[string]any{"ballot": []string{}})
		return
	}
	e.announce(ctx, events.TypeBallot, fmt.Sprintf("The nominees are %s.", strings.Join(ballot, ", ")), map[string]any{"ballot": ballot})

	tally := e.finalVote(ctx, alive, ballot)
	if ctx.Err() != nil {
		return
	}
	e.announce(ctx, events.TypeTally, "Votes: "+tally.String()+".", map[string]any{"counts": tally.Counts()})
	name, ok := tally.Unique()
	if !ok {
		e.announce(ctx, events.TypeHung, "The vote is hung. No one is eliminated today.", map[string]any{"counts": tally.Counts()})
		return
	}
	p, _ := e.Roster.ByName(name)
	e.kill(ctx, name, fmt.Sprintf("By popular vote, %s has been eliminated. %s was a %s.", p.Name(), p.Name(), p.Role()), "vote", true)
	e.checkWin(ctx)
}

func (e *Engine) poll(ctx context.Context, alive []*roster.Participant) bool {
	yes := 0
	for _, p := range alive {
		res := e.yesNo(ctx, p, e.situation()+promptPoll)
		if ctx.Err() != nil {
			return false
		}
		if res.Value == resolve.Yes {
			yes++
		}
		e.emit(ctx, events.Event{
			Type:        events.TypePoll,
			Visibility:  events.Public,
			Participant: p.Name(),
			Message:     fmt.Sprintf("%s answers %s to holding a vote.", p.Name(), res.Value),
			Payload:     map[string]any{"answer": res.Value},
		})
	}
	passed := pollPasses(yes, len(alive))
	msg := fmt.Sprintf("%d of %d want a vote. ", yes, len(alive))
	if passed {
		msg += "Nominations are open."
	} else {
		msg += "No one is eliminated today."
	}
	e.announce(ctx, events.TypePollResult, msg, map[string]any{"yes": yes, "alive": len(alive), "passed": passed})
	return passed
}

// nominate returns the distinct nominees in order of first nomination.
func (e *Engine) nominate(ctx context.Context, alive []*roster.Participant) []string {
	label := e.Config.Resolver.AbstainLabel
	var ballot []string
	seen := make(map[string]bool)
	for _, p := range alive {
		options := othersThan(alive, p)
		res := e.choose(ctx, p, e.situation()+promptNominate, options, true)
		if ctx.Err() != nil {
			return nil
		}
		if res.Value == "" || res.Value == label {
			e.emit(ctx, events.Event{Type: events.TypeNomination, Visibility: events.Public, Participant: p.Name(),
				Message: fmt.Sprintf("%s abstains from nominating.", p.Name()), Payload: map[string]any{"abstain": true}})
			continue
		}
		e.today = append(e.today, fmt.Sprintf("%s nominated %s.", p.Name(), res.Value))
		e.emit(ctx, events.Event{Type: events.TypeNomination, Visibility: events.Public, Participant: p.Name(),
			Message: fmt.Sprintf("%s nominates %s.", p.Name(), res.Value), Payload: map[string]any{"nominee": res.Value}})
		if !seen[res.Value] {
			seen[res.Value] = true
			ballot = append(ballot, res.Value)
		}
	}
	return ballot
}

// finalVote collects one vote per living participant. Nobody may vote for
// themselves; a voter whose only nominee is themselves abstains.
func (e *Engine) finalVote(ctx context.Context, alive []*roster.Participant, ballot []string) *Tally {
	label := e.Config.Resolver.AbstainLabel
	tally := NewTally(ballot...)
	for _, p := range alive {
		var options []string
		for _, c := range ballot {
			if c != p.Name() {
				options = append(options, c)
			}
		}
		if len(options) == 0 {
			e.emit(ctx, events.Event{Type: events.TypeVote, Visibility: events.Public, Participant: p.Name(),
				Message: fmt.Sprintf("%s abstains.", p.Name()), Payload: map[string]any{"abstain": true}})
			continue
		}
		res := e.choose(ctx, p, e.situation()+promptFinalVote, options, true)
		if ctx.Err() != nil {
			return tally
		}
		if res.Value == "" || res.Value == label {
			e.emit(ctx, events.Event{Type: events.TypeVote, Visibility: events.Public, Participant: p.Name(),
				Message: fmt.Sprintf("%s abstains.", p.Name()), Payload: map[string]any{"abstain": true}})
			continue
		}
		tally.Add(res.Value)
		e.emit(ctx, events.Event{Type: events.TypeVote, Visibility: events.Public, Participant: p.Name(),
			Message: fmt.Sprintf("%s votes to eliminate %s.", p.Name(), res.Value), Payload: map[string]any{"candidate": res.Value}})
	}
	return tally
}
