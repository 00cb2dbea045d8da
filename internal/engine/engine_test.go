package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"wolfpack/internal/config"
	"wolfpack/internal/domain"
	"wolfpack/internal/events"
	"wolfpack/internal/llm"
	"wolfpack/internal/roster"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(players ...string) *config.Config {
	cfg := config.Default()
	cfg.Session.Players = players
	cfg.Session.Werewolves = 1
	cfg.Session.Seer = false
	cfg.Session.Doctor = false
	cfg.Session.SpeechesPerDay = 3
	cfg.Generator.Timeout = 0
	return cfg
}

// scripted answers by participant name, taken from the system prompt.
func scripted(answer func(who, prompt string) string) llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, _ []llm.Message, system, prompt string) (string, error) {
		return answer(speakerOf(system), prompt), nil
	})
}

func speakerOf(system string) string {
	rest := strings.TrimPrefix(system, "You are ")
	if i := strings.Index(rest, ","); i >= 0 {
		return rest[:i]
	}
	return ""
}

func newTestEngine(t *testing.T, cfg *config.Config, gen llm.Generator) (*Engine, *events.Memory) {
	t.Helper()
	mem := &events.Memory{}
	e, err := New(cfg, gen, mem, zaptest.NewLogger(t), rand.New(rand.NewPCG(7, 11)))
	require.NoError(t, err)
	return e, mem
}

func toDay(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.transition(domain.PhaseNight))
	e.day++
	require.NoError(t, e.transition(domain.PhaseDay))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig("A", "B")
	_, err := New(cfg, llm.NewOffline(1), nil, nil, nil)
	var cfgErr domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
}

func TestWerewolvesWinAtParity(t *testing.T) {
	cfg := testConfig("A", "B", "C", "D")
	cfg.Session.Werewolves = 2
	e, mem := newTestEngine(t, cfg, llm.NewOffline(1))
	assert.True(t, e.checkWin(context.Background()))
	assert.Equal(t, domain.Outcome{Decided: true, Winner: domain.FactionWerewolves}, e.Outcome())
	assert.Equal(t, domain.PhaseGameOver, e.Phase())
	assert.Len(t, mem.OfType(events.TypeGameOver), 1)
}

func TestOutcomeIsNeverOverwritten(t *testing.T) {
	e, mem := newTestEngine(t, testConfig("A", "B", "C", "D"), llm.NewOffline(1))
	ctx := context.Background()
	require.False(t, e.checkWin(ctx))

	town := e.Roster.AliveFaction(domain.FactionVillagers)
	_, _ = e.Roster.RecordDeath(town[0].Name())
	_, _ = e.Roster.RecordDeath(town[1].Name())
	require.True(t, e.checkWin(ctx))
	require.Equal(t, domain.FactionWerewolves, e.Outcome().Winner)

	wolf := e.Roster.Alive(domain.RoleWerewolf)[0]
	_, _ = e.Roster.RecordDeath(wolf.Name())
	assert.Equal(t, domain.FactionVillagers, evaluate(e.Roster).Winner)
	assert.True(t, e.checkWin(ctx))
	assert.Equal(t, domain.FactionWerewolves, e.Outcome().Winner)
	assert.Len(t, mem.OfType(events.TypeGameOver), 1)
}

func TestPollNeedsStrictMajority(t *testing.T) {
	assert.True(t, pollPasses(3, 5))
	assert.False(t, pollPasses(2, 4))
	assert.True(t, pollPasses(3, 4))
	assert.False(t, pollPasses(0, 3))
}

func TestDoctorSaveMeansNoDeath(t *testing.T) {
	cfg := testConfig("A", "B", "C", "D")
	cfg.Session.Doctor = true
	var victim string
	e, mem := newTestEngine(t, cfg, scripted(func(who, prompt string) string {
		return victim
	}))
	victim = e.Roster.Alive(domain.RoleVillager)[0].Name()

	ctx := context.Background()
	e.runNight(ctx)
	require.NotNil(t, e.pending)
	assert.Equal(t, victim, e.pending.Victim)
	assert.True(t, e.pending.Saved)
	_, dies := e.pending.Dies()
	assert.False(t, dies)

	require.NoError(t, e.transition(domain.PhaseDay))
	e.dawn(ctx)
	p, _ := e.Roster.ByName(victim)
	assert.True(t, p.Alive())
	attacks := mem.OfType(events.TypeAttack)
	require.Len(t, attacks, 1)
	assert.Equal(t, events.Public, attacks[0].Visibility)
	assert.Equal(t, true, attacks[0].Payload["saved"])
	assert.Empty(t, mem.OfType(events.TypeDeath))
}

func TestUnprotectedVictimDiesAtDawn(t *testing.T) {
	cfg := testConfig("A", "B", "C", "D")
	cfg.Session.Doctor = true
	var victim, doctor string
	e, mem := newTestEngine(t, cfg, scripted(func(who, prompt string) string {
		if strings.Contains(prompt, promptProtect) {
			return doctor
		}
		return victim
	}))
	victim = e.Roster.Alive(domain.RoleVillager)[0].Name()
	doctor = e.Roster.Alive(domain.RoleDoctor)[0].Name()

	ctx := context.Background()
	e.runNight(ctx)
	p, _ := e.Roster.ByName(victim)
	assert.True(t, p.Alive(), "death is applied at dawn")

	require.NoError(t, e.transition(domain.PhaseDay))
	e.dawn(ctx)
	assert.False(t, p.Alive())
	deaths := mem.OfType(events.TypeDeath)
	require.Len(t, deaths, 1)
	assert.Contains(t, deaths[0].Message, victim)
	assert.Nil(t, deaths[0].Payload["role"], "night deaths do not reveal the role")
}

func TestWerewolfTieKeepsFirstLeader(t *testing.T) {
	cfg := testConfig("A", "B", "C", "D", "E")
	cfg.Session.Werewolves = 2
	var first, x, y string
	e, _ := newTestEngine(t, cfg, scripted(func(who, prompt string) string {
		if who == first {
			return x
		}
		return "I think " + y + " is dangerous."
	}))
	first = e.Roster.Alive(domain.RoleWerewolf)[0].Name()
	town := e.Roster.AliveFaction(domain.FactionVillagers)
	x, y = town[0].Name(), town[1].Name()

	require.NoError(t, e.transition(domain.PhaseNight))
	assert.Equal(t, x, e.werewolvesHunt(context.Background()))
}

func TestSeerLearnsRolePrivately(t *testing.T) {
	cfg := testConfig("A", "B", "C", "D")
	cfg.Session.Seer = true
	var wolf string
	e, mem := newTestEngine(t, cfg, scripted(func(who, prompt string) string { return wolf }))
	wolf = e.Roster.Alive(domain.RoleWerewolf)[0].Name()
	seer := e.Roster.Alive(domain.RoleSeer)[0]

	require.NoError(t, e.transition(domain.PhaseNight))
	assert.Equal(t, wolf, e.seerInvestigates(context.Background()))
	assert.Contains(t, seer.Knowledge(), "Your vision reveals that "+wolf+" is a Werewolf.")
	visions := mem.OfType(events.TypeSeerVision)
	require.Len(t, visions, 1)
	assert.Equal(t, events.Private, visions[0].Visibility)
	assert.Equal(t, seer.Name(), visions[0].Participant)
	for _, evt := range mem.Events() {
		if evt.Visibility == events.Public {
			assert.NotContains(t, evt.Message, "vision")
		}
	}
}

func TestGibberishFallsBackAfterRetries(t *testing.T) {
	calls := 0
	e, mem := newTestEngine(t, testConfig("A", "B", "C", "D"), llm.GeneratorFunc(
		func(context.Context, []llm.Message, string, string) (string, error) {
			calls++
			return "the moon is lovely tonight", nil
		}))
	require.NoError(t, e.transition(domain.PhaseNight))
	target := e.werewolvesHunt(context.Background())

	assert.Equal(t, 3, calls)
	assert.Contains(t, roster.Names(e.Roster.AliveFaction(domain.FactionVillagers)), target)
	assert.Equal(t, 1, e.Fallbacks())
	fallbacks := mem.OfType(events.TypeResolverFallback)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, target, fallbacks[0].Payload["chosen"])
	wolf := e.Roster.Alive(domain.RoleWerewolf)[0]
	assert.Equal(t, 7, wolf.History.Len(), "three exchanges plus the pack decision")
}

func TestBrokenBackendStillFinishes(t *testing.T) {
	cfg := testConfig("A", "B", "C", "D", "E")
	e, mem := newTestEngine(t, cfg, llm.GeneratorFunc(
		func(context.Context, []llm.Message, string, string) (string, error) {
			return "", errors.New("connection refused")
		}))
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FactionWerewolves, report.Winner, "polls default to NO so only the werewolves kill")
	assert.NotEmpty(t, mem.OfType(events.TypeGenerationFailure))
	assert.Positive(t, report.Fallbacks)
	assert.Equal(t, domain.PhaseGameOver, e.Phase())
}

func TestDayCapEndsWithoutWinner(t *testing.T) {
	cfg := testConfig("A", "B", "C", "D", "E")
	cfg.Session.Doctor = true
	cfg.Session.MaxDays = 2
	var doctor string
	e, mem := newTestEngine(t, cfg, scripted(func(who, prompt string) string {
		switch {
		case strings.Contains(prompt, promptAttack), strings.Contains(prompt, promptProtect):
			return doctor
		case strings.Contains(prompt, promptPoll):
			return "no"
		}
		return "SPEECH: quiet day\nNEXT: anyone"
	}))
	doctor = e.Roster.Alive(domain.RoleDoctor)[0].Name()

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.CapReached)
	assert.Equal(t, "none", report.WinnerLabel())
	assert.Equal(t, 2, report.Days)
	assert.Len(t, mem.OfType(events.TypeDayCap), 1)
	assert.Len(t, e.Roster.Alive(), 5)
}

func TestRunTwice(t *testing.T) {
	cfg := testConfig("A", "B", "C", "D")
	cfg.Session.Werewolves = 2
	e, _ := newTestEngine(t, cfg, llm.NewOffline(3))
	_, err := e.Run(context.Background())
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func assertNothingDecidedAfter(t *testing.T, evts []events.Event) {
	t.Helper()
	for _, evt := range evts {
		assert.NotEqual(t, events.TypeDeath, evt.Type, evt.Message)
		assert.NotEqual(t, events.TypeElimination, evt.Type, evt.Message)
		assert.NotEqual(t, events.TypeResolverFallback, evt.Type, evt.Message)
		assert.NotEqual(t, events.TypeTally, evt.Type, evt.Message)
	}
}

func TestCancelledRunReturnsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mem *events.Memory
	cancelledAt := -1
	e, mem := newTestEngine(t, testConfig("A", "B", "C", "D", "E"), llm.GeneratorFunc(
		func(context.Context, []llm.Message, string, string) (string, error) {
			if cancelledAt < 0 {
				cancelledAt = len(mem.Events())
				cancel()
			}
			return "no", nil
		}))
	report, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Days)
	assert.Zero(t, report.Fallbacks)
	require.Len(t, report.Participants, 5)
	for _, p := range report.Participants {
		assert.True(t, p.Alive, p.Name)
	}
	require.GreaterOrEqual(t, cancelledAt, 0)
	assertNothingDecidedAfter(t, mem.Events()[cancelledAt:])
}

func TestCancelDuringFinalVoteEliminatesNobody(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var e *Engine
	var mem *events.Memory
	var wolf, victim string
	cancelledAt := -1
	e, mem = newTestEngine(t, testConfig("Ann", "Ben", "Cat", "Dan", "Eve"), llm.GeneratorFunc(
		func(_ context.Context, _ []llm.Message, system, prompt string) (string, error) {
			who := speakerOf(system)
			switch {
			case strings.Contains(prompt, promptAttack):
				return victim, nil
			case strings.Contains(prompt, promptPoll):
				return "Yes.", nil
			case strings.Contains(prompt, promptNominate):
				if who == wolf {
					return "abstain", nil
				}
				return wolf, nil
			case strings.Contains(prompt, promptFinalVote):
				if cancelledAt < 0 {
					cancelledAt = len(mem.Events())
					cancel()
				}
				return wolf, nil
			}
			return "SPEECH: Hmm.\nNEXT: anyone", nil
		}))
	wolf = e.Roster.Alive(domain.RoleWerewolf)[0].Name()
	victim = e.Roster.Alive(domain.RoleVillager)[0].Name()

	report, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Days)
	require.GreaterOrEqual(t, cancelledAt, 0)
	assertNothingDecidedAfter(t, mem.Events()[cancelledAt:])

	deaths := mem.OfType(events.TypeDeath)
	require.Len(t, deaths, 1)
	assert.Equal(t, victim, deaths[0].Payload["name"])
	assert.Empty(t, mem.OfType(events.TypeElimination))
	p, _ := e.Roster.ByName(wolf)
	assert.True(t, p.Alive())
}

// Five players, one werewolf and a Seer. The werewolf kills a villager on
// each of the first two nights; the village declines to vote on day one and
// votes the werewolf out on day two.
func TestEndToEndVillagersWin(t *testing.T) {
	cfg := testConfig("Ann", "Ben", "Cat", "Dan", "Eve")
	cfg.Session.Seer = true
	var e *Engine
	var wolf, seer, x, y string
	e, mem := newTestEngine(t, cfg, scripted(func(who, prompt string) string {
		switch {
		case strings.Contains(prompt, promptAttack):
			if p, _ := e.Roster.ByName(x); p.Alive() {
				return x
			}
			return y
		case strings.Contains(prompt, promptInvestigate):
			return wolf
		case strings.Contains(prompt, promptPoll):
			if e.Day() == 1 {
				return "No, not yet."
			}
			return "Yes, let's vote."
		case strings.Contains(prompt, promptNominate), strings.Contains(prompt, promptFinalVote):
			if who == wolf {
				return seer
			}
			return wolf
		}
		return "SPEECH: Something is off.\nNEXT: anyone"
	}))
	wolf = e.Roster.Alive(domain.RoleWerewolf)[0].Name()
	seer = e.Roster.Alive(domain.RoleSeer)[0].Name()
	villagers := e.Roster.Alive(domain.RoleVillager)
	require.Len(t, villagers, 3)
	x, y = villagers[0].Name(), villagers[1].Name()

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	deaths := mem.OfType(events.TypeDeath)
	require.Len(t, deaths, 2)
	assert.Equal(t, 1, deaths[0].Day)
	assert.Equal(t, domain.PhaseDay, deaths[0].Phase)
	assert.Contains(t, deaths[0].Message, x)
	assert.Contains(t, deaths[1].Message, y)

	elims := mem.OfType(events.TypeElimination)
	require.Len(t, elims, 1)
	assert.Equal(t, wolf, elims[0].Payload["name"])
	assert.Equal(t, "Werewolf", elims[0].Payload["role"])

	assert.Equal(t, domain.FactionVillagers, report.Winner)
	assert.Equal(t, 2, report.Days)
	assert.False(t, report.CapReached)
	assert.Zero(t, report.Fallbacks)

	var want []domain.ParticipantReport
	for _, p := range e.Roster.All() {
		alive := p.Name() != wolf && p.Name() != x && p.Name() != y
		want = append(want, domain.ParticipantReport{Name: p.Name(), Role: p.Role(), Alive: alive})
	}
	if diff := cmp.Diff(want, report.Participants); diff != "" {
		t.Fatalf("report participants mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, mem.OfType(events.TypeFinalRoles), 1)
}
