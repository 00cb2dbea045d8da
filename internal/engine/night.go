package engine

import (
	"context"
	"fmt"
	"strings"

	"wolfpack/internal/domain"
	"wolfpack/internal/events"
	"wolfpack/internal/llm"
	"wolfpack/internal/roster"
)

// NightActions is the sealed outcome of one night. Victim is whoever the
// werewolves attacked; Saved means the Doctor protected that player.
type NightActions struct {
	WolfTarget   string
	SeerTarget   string
	DoctorTarget string
	Victim       string
	Saved        bool
}

// Attacked reports whether the werewolves attacked anyone.
func (a NightActions) Attacked() bool { return a.Victim != "" }

// Dies returns the participant who dies at dawn, if any.
func (a NightActions) Dies() (string, bool) {
	if a.Victim == "" || a.Saved {
		return "", false
	}
	return a.Victim, true
}

// resolveNight asks werewolves, then the Seer, then the Doctor.
func (e *Engine) resolveNight(ctx context.Context) NightActions {
	var a NightActions
	a.WolfTarget = e.werewolvesHunt(ctx)
	a.SeerTarget = e.seerInvestigates(ctx)
	a.DoctorTarget = e.doctorProtects(ctx)
	a.Victim = a.WolfTarget
	a.Saved = a.Victim != "" && strings.EqualFold(a.Victim, a.DoctorTarget)
	return a
}

// werewolvesHunt runs a plurality vote among living werewolves over living
// non-werewolves. Ties go to the first candidate to reach the top count.
func (e *Engine) werewolvesHunt(ctx context.Context) string {
	wolves := e.Roster.Alive(domain.RoleWerewolf)
	targets := roster.Names(e.Roster.AliveFaction(domain.FactionVillagers))
	if len(wolves) == 0 || len(targets) == 0 {
		return ""
	}
	tally := NewTally()
	var votes []string
	for _, w := range wolves {
		prompt := e.situation() + packVotes(votes) + nightPrompts[domain.RoleWerewolf] + " " + answerOnlyName
		res := e.choose(ctx, w, prompt, targets, false)
		if ctx.Err() != nil {
			return ""
		}
		tally.Add(res.Value)
		vote := fmt.Sprintf("%s wants to attack %s.", w.Name(), res.Value)
		votes = append(votes, vote)
		for _, mate := range wolves {
			e.private(ctx, mate, events.TypeWerewolfVote, vote, map[string]any{"werewolf": w.Name(), "target": res.Value})
		}
	}
	target, ok := tally.Leader()
	if !ok {
		return ""
	}
	for _, w := range wolves {
		w.History.Append(llm.RoleAssistant, fmt.Sprintf("You and your fellow werewolves decided to attack %s.", target))
		e.private(ctx, w, events.TypeWerewolfTarget, fmt.Sprintf("The werewolves will attack %s.", target),
			map[string]any{"target": target, "votes": tally.Counts()})
	}
	return target
}

func packVotes(votes []string) string {
	if len(votes) == 0 {
		return ""
	}
	return "Your pack so far: " + strings.Join(votes, " ") + "\n"
}

// seerInvestigates reveals the true role of one other living participant to
// each living Seer, privately.
func (e *Engine) seerInvestigates(ctx context.Context) string {
	var last string
	for _, seer := range e.Roster.Alive(domain.RoleSeer) {
		options := othersThan(e.Roster.Alive(), seer)
		if len(options) == 0 {
			continue
		}
		prompt := e.situation() + nightPrompts[domain.RoleSeer] + " " + answerOnlyName
		res := e.choose(ctx, seer, prompt, options, false)
		if ctx.Err() != nil {
			return last
		}
		target, ok := e.Roster.ByName(res.Value)
		if !ok {
			continue
		}
		e.tell(ctx, seer, events.TypeSeerVision, fmt.Sprintf("Your vision reveals that %s is a %s.", target.Name(), target.Role()),
			map[string]any{"target": target.Name(), "role": string(target.Role())})
		last = target.Name()
	}
	return last
}

// doctorProtects lets each living Doctor shield any living participant,
// including themselves.
func (e *Engine) doctorProtects(ctx context.Context) string {
	var last string
	for _, doc := range e.Roster.Alive(domain.RoleDoctor) {
		options := roster.Names(e.Roster.Alive())
		prompt := e.situation() + nightPrompts[domain.RoleDoctor] + " " + answerOnlyName
		res := e.choose(ctx, doc, prompt, options, false)
		if ctx.Err() != nil {
			return last
		}
		doc.History.Append(llm.RoleAssistant, fmt.Sprintf("You chose to protect %s tonight.", res.Value))
		e.private(ctx, doc, events.TypeDoctorProtect, fmt.Sprintf("You protect %s tonight.", res.Value), map[string]any{"target": res.Value})
		last = res.Value
	}
	return last
}

func othersThan(ps []*roster.Participant, self *roster.Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p != self {
			out = append(out, p.Name())
		}
	}
	return out
}
