package engine

import (
	"context"

	"go.uber.org/zap"

	"wolfpack/internal/domain"
	"wolfpack/internal/events"
	"wolfpack/internal/llm"
	"wolfpack/internal/resolve"
	"wolfpack/internal/roster"
)

// generate asks p for text up to the configured number of attempts. accept
// decides whether an answer is usable; a nil accept takes the first answer.
// It returns the last text received and whether it was accepted.
func (e *Engine) generate(ctx context.Context, p *roster.Participant, prompt string, accept func(string) bool) (string, bool) {
	system := e.systemPrompt(p)
	attempts := e.Config.Resolver.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last string
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		ask := prompt
		if attempt > 1 {
			ask = prompt + "\n" + retryHint
		}
		text, err := e.call(ctx, p, system, ask)
		if err != nil {
			failure := domain.GenerationFailure{Participant: p.Name(), Attempt: attempt, Err: err}
			e.Logger.Warn("generation failed", zap.String("participant", p.Name()), zap.Int("attempt", attempt), zap.Error(err))
			e.emit(ctx, events.Event{
				Type:        events.TypeGenerationFailure,
				Visibility:  events.System,
				Participant: p.Name(),
				Message:     failure.Error(),
				Payload:     map[string]any{"attempt": attempt},
			})
			continue
		}
		p.History.Append(llm.RoleUser, ask)
		p.History.Append(llm.RoleAssistant, text)
		last = text
		if accept == nil || accept(text) {
			return text, true
		}
		e.Logger.Debug("answer not understood", zap.String("participant", p.Name()), zap.Int("attempt", attempt), zap.String("raw", text))
	}
	return last, false
}

func (e *Engine) call(ctx context.Context, p *roster.Participant, system, prompt string) (string, error) {
	if timeout := e.Config.Generator.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	text, err := e.Generator.Generate(ctx, p.History.Messages(), system, prompt)
	if err != nil {
		return "", err
	}
	return text, nil
}

// choose resolves one pick from options. Unresolvable text falls back to a
// uniform random option, unless ctx is done: then the zero Result is returned
// and nothing is recorded.
func (e *Engine) choose(ctx context.Context, p *roster.Participant, prompt string, options []string, allowAbstain bool) resolve.Result {
	label := e.Config.Resolver.AbstainLabel
	var res resolve.Result
	raw, _ := e.generate(ctx, p, withOptions(prompt, options, allowAbstain, label), func(text string) bool {
		var ok bool
		res, ok = e.Resolver.Match(text, options, allowAbstain, label)
		return ok
	})
	if res.Tier != resolve.TierNone || ctx.Err() != nil {
		return res
	}
	res = e.Resolver.Fallback(options, allowAbstain, label)
	e.recordFallback(ctx, p, raw, options, res.Value)
	return res
}

// yesNo resolves a yes/no answer, defaulting to NO. Like choose, it returns
// the zero Result once ctx is done.
func (e *Engine) yesNo(ctx context.Context, p *roster.Participant, prompt string) resolve.Result {
	var res resolve.Result
	raw, _ := e.generate(ctx, p, prompt+" "+llm.YesNoMarker+".", func(text string) bool {
		var ok bool
		res, ok = e.Resolver.MatchYesNo(text)
		return ok
	})
	if res.Tier != resolve.TierNone || ctx.Err() != nil {
		return res
	}
	res = e.Resolver.YesNo(raw)
	e.recordFallback(ctx, p, raw, []string{resolve.Yes, resolve.No}, res.Value)
	return res
}

func (e *Engine) recordFallback(ctx context.Context, p *roster.Participant, raw string, options []string, chosen string) {
	e.fallbacks++
	amb := domain.ResolutionAmbiguity{Participant: p.Name(), Raw: raw, Options: options, Chosen: chosen}
	e.Logger.Info("resolver fallback", zap.String("participant", p.Name()), zap.String("chosen", chosen), zap.Strings("options", options))
	e.emit(ctx, events.Event{
		Type:        events.TypeResolverFallback,
		Visibility:  events.System,
		Participant: p.Name(),
		Message:     amb.Error(),
		Payload:     map[string]any{"raw": raw, "options": options, "chosen": chosen},
	})
}
