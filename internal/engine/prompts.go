package engine

import (
	"fmt"
	"strings"

	"wolfpack/internal/domain"
	"wolfpack/internal/llm"
	"wolfpack/internal/roster"
)

const (
	promptAttack      = "It is night. Choose a player for the werewolves to attack."
	promptInvestigate = "It is night. Choose a player whose true role you want to learn."
	promptProtect     = "It is night. Choose a player to protect from the werewolves tonight. You may choose yourself."
	promptPoll        = "Should the village hold an elimination vote today?"
	promptNominate    = "Nominate one player for elimination, or abstain."
	promptFinalVote   = "Vote to eliminate one of the nominees, or abstain."
	promptSpeak       = "It is your turn to speak to the village."
	answerOnlyName    = "Respond with only the player's name."
	retryHint         = "Your previous answer could not be understood. Reply with exactly one of the allowed answers."
	anyone            = "anyone"
)

var nightPrompts = map[domain.Role]string{
	domain.RoleWerewolf: promptAttack,
	domain.RoleSeer:     promptInvestigate,
	domain.RoleDoctor:   promptProtect,
}

func objective(role domain.Role) string {
	switch role {
	case domain.RoleWerewolf:
		return "Kill villagers at night and avoid suspicion by day until the werewolves equal or outnumber everyone else."
	case domain.RoleSeer:
		return "Help the villagers find the werewolves. Each night you learn one player's true role. Reveal what you know carefully."
	case domain.RoleDoctor:
		return "Help the villagers. Each night you protect one player, yourself included, from the werewolves."
	default:
		return "Find the werewolves through discussion and vote them out."
	}
}

func (e *Engine) systemPrompt(p *roster.Participant) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, playing a game of Werewolf as a %s.\n", p.Name(), p.Role())
	b.WriteString(objective(p.Role()))
	b.WriteString("\n")
	if facts := p.Knowledge(); len(facts) > 0 {
		b.WriteString("What you know:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("Stay in character and keep answers short.")
	return b.String()
}

// situation describes the public state of the game.
func (e *Engine) situation() string {
	var b strings.Builder
	title := "Day"
	if e.phase == domain.PhaseNight {
		title = "Night"
	}
	fmt.Fprintf(&b, "%s %d. Players alive: %s.\n", title, e.day, strings.Join(roster.Names(e.Roster.Alive()), ", "))
	if len(e.today) > 0 {
		b.WriteString("So far:\n")
		for _, line := range e.today {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String()
}

func withOptions(prompt string, options []string, allowAbstain bool, abstainLabel string) string {
	opts := append([]string(nil), options...)
	if allowAbstain && abstainLabel != "" {
		opts = append(opts, abstainLabel)
	}
	return fmt.Sprintf("%s\n%s %s.", prompt, llm.OptionsPrefix, strings.Join(opts, ", "))
}

func speakPrompt(others []string) string {
	return fmt.Sprintf("%s Reply in exactly this format:\n%s <what you say>\n%s <who should speak next: one of %s, or %s>",
		promptSpeak, llm.SpeechField, llm.NextField, strings.Join(others, ", "), anyone)
}
