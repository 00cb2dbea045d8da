package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wolfpack/internal/config"
	"wolfpack/internal/db"
	"wolfpack/internal/domain"
	"wolfpack/internal/events"
	"wolfpack/internal/llm"
	"wolfpack/internal/migrate"
	"wolfpack/internal/repo"
)

func newRunner(t *testing.T) Runner {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Runner{Repo: repo.Repo{DB: conn}, Logger: zaptest.NewLogger(t)}
}

func TestPlayOfflinePersistsSession(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()
	cfg := config.Default()
	cfg.Session.Seed = 42
	mem := &events.Memory{}

	report, err := r.Play(ctx, cfg, nil, mem)
	require.NoError(t, err)
	require.NotEmpty(t, report.SessionID)
	assert.Len(t, report.Participants, len(cfg.Session.Players))

	s, err := r.Repo.GetSession(ctx, report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFinished, s.Status)
	assert.Equal(t, uint64(42), s.Seed)
	assert.Equal(t, report.Days, s.Days)
	assert.Equal(t, report.WinnerLabel() == "none", s.Winner == "")

	ps, err := r.Repo.ListParticipants(ctx, report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, report.Participants, ps)

	stored, err := r.Repo.LatestEvents(ctx, 10000, repo.EventFilter{SessionID: report.SessionID, IncludePrivate: true})
	require.NoError(t, err)
	assert.Len(t, stored, len(mem.Events()), "every emitted event is stored")
	assert.NotEmpty(t, mem.OfType(events.TypeGameOver))
}

func TestSameSeedSameGame(t *testing.T) {
	r := newRunner(t)
	cfg := config.Default()
	cfg.Session.Seed = 7
	a, err := r.Play(context.Background(), cfg, nil)
	require.NoError(t, err)
	b, err := r.Play(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	a.SessionID, b.SessionID = "", ""
	assert.Equal(t, a, b)
}

func TestPrepareAssignsSeed(t *testing.T) {
	r := newRunner(t)
	cfg := config.Default()
	s, err := r.Prepare(context.Background(), cfg, llm.NewOffline(1))
	require.NoError(t, err)
	assert.NotZero(t, s.Seed)
	assert.Zero(t, cfg.Session.Seed, "caller config untouched")
}

func TestPrepareDoesNotShareCallerSlices(t *testing.T) {
	r := newRunner(t)
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://localhost:9/hook", Events: []string{"death"}}}
	s, err := r.Prepare(context.Background(), cfg, llm.NewOffline(1))
	require.NoError(t, err)
	first := cfg.Session.Players[0]

	cfg.Session.Players[0] = "Mallory"
	cfg.Webhooks[0].Events[0] = "speech"
	assert.Equal(t, first, s.Engine.Config.Session.Players[0])
	assert.Equal(t, "death", s.Engine.Config.Webhooks[0].Events[0])

	stored, err := r.Repo.GetSessionConfig(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, first, stored.Session.Players[0])
}

func TestPrepareRejectsBadConfig(t *testing.T) {
	r := newRunner(t)
	cfg := config.Default()
	cfg.Session.Players = cfg.Session.Players[:2]
	_, err := r.Prepare(context.Background(), cfg, nil)
	var cfgErr domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	list, err := r.Repo.ListSessions(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Empty(t, list, "nothing stored for an invalid setup")
}

func TestCancelledRunIsStoredAsFailed(t *testing.T) {
	r := newRunner(t)
	r.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx, cancel := context.WithCancel(context.Background())
	s, err := r.Prepare(ctx, config.Default(), llm.NewOffline(3))
	require.NoError(t, err)
	cancel()

	_, err = s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	got, err := r.Repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, got.Status)
	assert.Contains(t, got.Error, "canceled")
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, "2024-01-01T00:00:00Z", *got.FinishedAt)
}

func TestNewGenerator(t *testing.T) {
	ctx := context.Background()
	gen, err := NewGenerator(ctx, config.GeneratorConfig{Provider: config.ProviderOffline}, 1, nil)
	require.NoError(t, err)
	_, ok := gen.(llm.Traced)
	assert.True(t, ok)

	t.Setenv("WOLFPACK_TEST_GEMINI_KEY", "")
	_, err = NewGenerator(ctx, config.GeneratorConfig{Provider: config.ProviderGemini, APIKeyEnv: "WOLFPACK_TEST_GEMINI_KEY"}, 1, nil)
	assert.ErrorContains(t, err, "WOLFPACK_TEST_GEMINI_KEY")

	_, err = NewGenerator(ctx, config.GeneratorConfig{Provider: "markov"}, 1, nil)
	assert.Error(t, err)

	gen, err = NewGenerator(ctx, config.GeneratorConfig{Provider: config.ProviderOpenAI, BaseURL: "http://127.0.0.1:1", Model: "m"}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai:m", gen.(llm.Traced).Name)
}

func TestLoadConfig(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadConfig(ws, "")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	path := filepath.Join(ws, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  players: [A, B, C, D]\n  werewolves: 1\n"), 0o644))
	cfg, err = LoadConfig(ws, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, cfg.Session.Players)
}
