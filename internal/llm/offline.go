package llm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Prompt markers shared with the engine so the offline backend can answer
// without a model.
const (
	OptionsPrefix = "Options:"
	YesNoMarker   = "Answer YES or NO"
	SpeechField   = "SPEECH:"
	NextField     = "NEXT:"
)

var offlineLines = []string{
	"I did not sleep well. Something about last night bothers me.",
	"Let's not rush. Who has been quiet so far?",
	"I trust the people who spoke first, for now.",
	"Somebody here is lying and I intend to find out who.",
	"I have nothing to hide. Ask me anything.",
}

// Offline answers prompts with random but well-formed text. It lets a session
// run end to end with no backend; roughly a quarter of its answers are
// deliberately unparseable to exercise resolver fallback.
type Offline struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewOffline(seed uint64) *Offline {
	return &Offline{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (o *Offline) Generate(_ context.Context, _ []Message, _ string, prompt string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.rng.IntN(4) == 0 {
		return "Hmm, hard to say.", nil
	}
	if opts := optionsIn(prompt); len(opts) > 0 {
		return fmt.Sprintf("I choose %s.", opts[o.rng.IntN(len(opts))]), nil
	}
	if strings.Contains(prompt, YesNoMarker) {
		if o.rng.IntN(3) > 0 {
			return "Yes.", nil
		}
		return "No.", nil
	}
	line := offlineLines[o.rng.IntN(len(offlineLines))]
	if strings.Contains(prompt, SpeechField) {
		return fmt.Sprintf("%s %s\n%s anyone", SpeechField, line, NextField), nil
	}
	return line, nil
}

// optionsIn extracts the comma separated list following the last Options: line.
func optionsIn(prompt string) []string {
	idx := strings.LastIndex(prompt, OptionsPrefix)
	if idx < 0 {
		return nil
	}
	line := prompt[idx+len(OptionsPrefix):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	var out []string
	for _, part := range strings.Split(line, ",") {
		if p := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), ".")); p != "" {
			out = append(out, p)
		}
	}
	return out
}
