package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"wolfpack/internal/events"
	"wolfpack/internal/llm"
	"wolfpack/internal/roster"
)

const silence = "(says nothing)"

// discuss runs one round of speeches bounded by the daily quota. Each speaker
// names the next; an invalid or missing name hands the floor to a random
// other living participant.
func (e *Engine) discuss(ctx context.Context) {
	alive := e.Roster.Alive()
	if len(alive) == 0 {
		return
	}
	speaker := alive[e.rng.IntN(len(alive))]
	for spoken := 0; spoken < e.Config.Session.SpeechesPerDay; spoken++ {
		if ctx.Err() != nil {
			return
		}
		others := othersThan(alive, speaker)
		raw, ok := e.generate(ctx, speaker, e.situation()+speakPrompt(others), nil)
		if !ok && ctx.Err() != nil {
			return
		}
		speech, next := parseSpeech(raw)
		if !ok || speech == "" {
			speech = silence
		}
		e.today = append(e.today, speaker.Name()+" said: "+speech)
		e.emit(ctx, events.Event{
			Type:        events.TypeSpeech,
			Visibility:  events.Public,
			Participant: speaker.Name(),
			Message:     speech,
			Payload:     map[string]any{"next": next},
		})
		if len(others) == 0 {
			return
		}
		speaker = e.nextSpeaker(speaker, next, alive)
	}
}

// nextSpeaker honours a valid hand-off, otherwise picks uniformly among the
// other living participants.
func (e *Engine) nextSpeaker(current *roster.Participant, requested string, alive []*roster.Participant) *roster.Participant {
	var others []*roster.Participant
	for _, p := range alive {
		if p != current {
			others = append(others, p)
		}
	}
	if requested != "" && !strings.EqualFold(requested, anyone) {
		if res, ok := e.Resolver.Match(requested, roster.Names(others), false, ""); ok {
			if p, found := e.Roster.ByName(res.Value); found && p.Alive() && p != current {
				return p
			}
		}
		e.Logger.Debug("invalid hand-off", zap.String("speaker", current.Name()), zap.String("requested", requested))
	}
	return others[e.rng.IntN(len(others))]
}

// parseSpeech splits a SPEECH/NEXT answer. Without the SPEECH field the whole
// text is the speech; without NEXT the floor goes to anyone.
func parseSpeech(raw string) (speech, next string) {
	si := indexFold(raw, llm.SpeechField)
	ni := lastIndexFold(raw, llm.NextField)
	next = anyone
	switch {
	case si < 0 && ni < 0:
		speech = raw
	case ni < 0:
		speech = raw[si+len(llm.SpeechField):]
	case si < 0:
		speech = raw[:ni]
		next = raw[ni+len(llm.NextField):]
	case si < ni:
		speech = raw[si+len(llm.SpeechField) : ni]
		next = raw[ni+len(llm.NextField):]
	default:
		next = raw[ni+len(llm.NextField) : si]
		speech = raw[si+len(llm.SpeechField):]
	}
	if nl := strings.IndexByte(next, '\n'); nl >= 0 {
		next = next[:nl]
	}
	next = strings.Trim(strings.TrimSpace(next), ".*\"'")
	if next == "" {
		next = anyone
	}
	return strings.TrimSpace(speech), next
}

// indexFold finds an ASCII field name case-insensitively.
func indexFold(s, field string) int {
	for i := 0; i+len(field) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(field)], field) {
			return i
		}
	}
	return -1
}

func lastIndexFold(s, field string) int {
	for i := len(s) - len(field); i >= 0; i-- {
		if strings.EqualFold(s[i:i+len(field)], field) {
			return i
		}
	}
	return -1
}
