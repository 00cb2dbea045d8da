// Package engine drives a Werewolf session: the Night/Day state machine, night
// action resolution, discussion and voting. All participant decisions come
// from an llm.Generator and are resolved through internal/resolve, so a broken
// or silent backend degrades into random but legal play instead of an error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"wolfpack/internal/config"
	"wolfpack/internal/domain"
	"wolfpack/internal/events"
	"wolfpack/internal/llm"
	"wolfpack/internal/resolve"
	"wolfpack/internal/roster"
)

var ErrAlreadyStarted = errors.New("session already started")

// Engine runs one session. It is not safe for concurrent use; exactly one
// participant decision is in flight at any time.
type Engine struct {
	Roster    *roster.Roster
	Generator llm.Generator
	Resolver  *resolve.Resolver
	Sink      events.Sink
	Logger    *zap.Logger
	Config    *config.Config
	Now       func() time.Time

	rng        *rand.Rand
	day        int
	phase      domain.Phase
	outcome    domain.Outcome
	pending    *NightActions
	today      []string
	fallbacks  int
	capReached bool
}

// New validates cfg, deals roles and returns an engine in the Setup phase.
// A nil rng is seeded from cfg.Session.Seed, or randomly when that is zero.
func New(cfg *config.Config, gen llm.Generator, sink events.Sink, logger *zap.Logger, rng *rand.Rand) (*Engine, error) {
	if cfg == nil {
		return nil, domain.ConfigurationError{Reason: "missing config"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, domain.ConfigurationError{Field: "generator", Reason: "missing text generator"}
	}
	if rng == nil {
		seed := cfg.Session.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		rng = rand.New(rand.NewPCG(seed, seed))
	}
	r, err := roster.Assign(cfg.Session.Players, cfg.Session.RoleCounts(), cfg.Generator.HistoryLimit, rng)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Roster:    r,
		Generator: gen,
		Resolver:  resolve.New(rng),
		Sink:      sink,
		Logger:    logger,
		Config:    cfg,
		Now:       time.Now,
		rng:       rng,
		phase:     domain.PhaseSetup,
	}, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) Day() int                { return e.day }
func (e *Engine) Phase() domain.Phase     { return e.phase }
func (e *Engine) Outcome() domain.Outcome { return e.outcome }
func (e *Engine) Fallbacks() int          { return e.fallbacks }

// Run plays the session to a decided outcome or the day cap. Once ctx is done
// no further decision is taken or applied: a night cut short kills nobody,
// and the partial report is returned alongside ctx.Err().
func (e *Engine) Run(ctx context.Context) (domain.Report, error) {
	if e.phase != domain.PhaseSetup {
		return e.Report(), ErrAlreadyStarted
	}
	e.opening(ctx)
	e.checkWin(ctx)
	for !e.outcome.Decided {
		if err := ctx.Err(); err != nil {
			e.Logger.Warn("session interrupted", zap.Int("day", e.day), zap.Error(err))
			return e.Report(), err
		}
		if e.day >= e.Config.Session.MaxDays {
			e.endAtCap(ctx)
			break
		}
		e.runNight(ctx)
		if ctx.Err() != nil {
			continue
		}
		e.runDay(ctx)
	}
	e.finale(ctx)
	return e.Report(), nil
}

// Report summarizes the session so far.
func (e *Engine) Report() domain.Report {
	return domain.Report{
		Winner:       e.outcome.Winner,
		Days:         e.day,
		CapReached:   e.capReached,
		Fallbacks:    e.fallbacks,
		Participants: e.Roster.Report(),
	}
}

func (e *Engine) opening(ctx context.Context) {
	names := roster.Names(e.Roster.All())
	e.announce(ctx, events.TypeSessionStart,
		fmt.Sprintf("A game of Werewolf begins with %d players: %s. Roles have been secretly assigned.", len(names), strings.Join(names, ", ")),
		map[string]any{"players": names})
	for _, p := range e.Roster.All() {
		e.private(ctx, p, events.TypeRoleReveal, strings.Join(p.Knowledge(), " "), map[string]any{"role": string(p.Role())})
	}
}

func (e *Engine) runNight(ctx context.Context) {
	if err := e.transition(domain.PhaseNight); err != nil {
		return
	}
	e.day++
	e.today = nil
	e.announce(ctx, events.TypeNightStart, fmt.Sprintf("Night %d falls. Everyone goes to sleep.", e.day), nil)
	actions := e.resolveNight(ctx)
	if ctx.Err() != nil {
		return
	}
	e.pending = &actions
}

func (e *Engine) runDay(ctx context.Context) {
	if err := e.transition(domain.PhaseDay); err != nil {
		return
	}
	e.today = nil
	e.dawn(ctx)
	if e.checkWin(ctx) {
		return
	}
	e.rollCall(ctx)
	e.discuss(ctx)
	if ctx.Err() != nil || e.checkWin(ctx) {
		return
	}
	e.vote(ctx)
	if e.checkWin(ctx) {
		return
	}
	e.rollCall(ctx)
}

// dawn applies the sealed night result. The attack is public even when the
// victim was saved; who was saved is not.
func (e *Engine) dawn(ctx context.Context) {
	var a NightActions
	if e.pending != nil {
		a = *e.pending
	}
	e.pending = nil
	e.announce(ctx, events.TypeDawn, fmt.Sprintf("Day %d dawns.", e.day), nil)
	switch {
	case !a.Attacked():
		e.announce(ctx, events.TypeAttack, "Nobody was attacked during the night.", map[string]any{"attacked": false})
	case a.Saved:
		e.announce(ctx, events.TypeAttack, "The werewolves attacked during the night, but their victim survived.",
			map[string]any{"attacked": true, "saved": true})
	default:
		e.announce(ctx, events.TypeAttack, "The werewolves attacked during the night.", map[string]any{"attacked": true, "saved": false})
		e.kill(ctx, a.Victim, fmt.Sprintf("%s was found dead at dawn.", a.Victim), "werewolves", false)
	}
}

// kill records a death and narrates it. The role is only revealed for
// eliminations by vote.
func (e *Engine) kill(ctx context.Context, name, message, cause string, reveal bool) {
	p, ok := e.Roster.ByName(name)
	if !ok {
		e.Logger.Error("death of unknown participant", zap.String("name", name))
		return
	}
	changed, err := e.Roster.RecordDeath(p.Name())
	if err != nil || !changed {
		e.Logger.Warn("death not recorded", zap.String("name", name), zap.Bool("changed", changed), zap.Error(err))
		return
	}
	payload := map[string]any{"name": p.Name(), "cause": cause}
	typ := events.TypeDeath
	if reveal {
		payload["role"] = string(p.Role())
		typ = events.TypeElimination
	}
	e.announce(ctx, typ, message, payload)
}

func (e *Engine) rollCall(ctx context.Context) {
	alive := roster.Names(e.Roster.Alive())
	var dead []string
	for _, p := range e.Roster.All() {
		if !p.Alive() {
			dead = append(dead, p.Name())
		}
	}
	msg := fmt.Sprintf("Alive: %s.", strings.Join(alive, ", "))
	if len(dead) > 0 {
		msg += fmt.Sprintf(" Dead: %s.", strings.Join(dead, ", "))
	}
	e.announce(ctx, events.TypeStatus, msg, map[string]any{"alive": alive, "dead": dead})
}

func (e *Engine) endAtCap(ctx context.Context) {
	e.capReached = true
	e.outcome = domain.Outcome{Decided: true}
	_ = e.transition(domain.PhaseGameOver)
	e.announce(ctx, events.TypeDayCap,
		fmt.Sprintf("The game reached the limit of %d days and ends with no winner.", e.Config.Session.MaxDays),
		map[string]any{"max_days": e.Config.Session.MaxDays})
}

func (e *Engine) finale(ctx context.Context) {
	var lines []string
	roles := make(map[string]string)
	for _, p := range e.Roster.All() {
		lines = append(lines, fmt.Sprintf("%s was a %s.", p.Name(), p.Role()))
		roles[p.Name()] = string(p.Role())
	}
	e.announce(ctx, events.TypeFinalRoles, strings.Join(lines, " "), map[string]any{"roles": roles})
}

func (e *Engine) transition(to domain.Phase) error {
	if err := ensurePhaseTransition(e.phase, to); err != nil {
		e.Logger.Error("phase transition rejected", zap.Error(err))
		return err
	}
	e.phase = to
	return nil
}

func ensurePhaseTransition(from, to domain.Phase) error {
	if from == domain.PhaseGameOver && to == domain.PhaseGameOver {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid phase transition %s -> %s", from, to)
	}
	return nil
}

// announce emits a public event and adds it to today's record.
func (e *Engine) announce(ctx context.Context, typ, message string, payload map[string]any) {
	e.today = append(e.today, message)
	e.emit(ctx, events.Event{Type: typ, Visibility: events.Public, Message: message, Payload: payload})
}

// private emits an event only p may see.
func (e *Engine) private(ctx context.Context, p *roster.Participant, typ, message string, payload map[string]any) {
	e.emit(ctx, events.Event{Type: typ, Visibility: events.Private, Participant: p.Name(), Message: message, Payload: payload})
}

// tell records a private fact in p's knowledge and emits it.
func (e *Engine) tell(ctx context.Context, p *roster.Participant, typ, fact string, payload map[string]any) {
	p.Learn(fact)
	e.private(ctx, p, typ, fact, payload)
}

func (e *Engine) emit(ctx context.Context, evt events.Event) {
	evt.Day = e.day
	evt.Phase = e.phase
	if evt.TS.IsZero() {
		evt.TS = e.now().UTC()
	}
	if err := e.Sink.Emit(context.WithoutCancel(ctx), evt); err != nil {
		e.Logger.Warn("event sink failed", zap.String("type", evt.Type), zap.Error(err))
	}
}
