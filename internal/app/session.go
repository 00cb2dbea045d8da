package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wolfpack/internal/config"
	"wolfpack/internal/domain"
	"wolfpack/internal/engine"
	"wolfpack/internal/events"
	"wolfpack/internal/llm"
	"wolfpack/internal/repo"
)

// LoadConfig reads an explicit config file, else the workspace config, else
// the built-in default.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Runner creates, runs and records sessions.
type Runner struct {
	Repo   repo.Repo
	Logger *zap.Logger
	Now    func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Session is a prepared, stored session ready to run.
type Session struct {
	ID     string
	Seed   uint64
	Engine *engine.Engine
	runner Runner
}

// Prepare validates cfg, fixes the seed, deals roles and stores the session
// as running. A nil gen builds the configured backend. Extra sinks receive
// every event alongside the database and the log.
func (r Runner) Prepare(ctx context.Context, cfg *config.Config, gen llm.Generator, extra ...events.Sink) (*Session, error) {
	if cfg == nil {
		return nil, domain.ConfigurationError{Reason: "missing config"}
	}
	c := cfg.Clone()
	if c.Session.Seed == 0 {
		c.Session.Seed = rand.Uint64()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	logger := r.logger().With(zap.String("session", id))
	if gen == nil {
		var err error
		gen, err = NewGenerator(ctx, c.Generator, c.Session.Seed, logger)
		if err != nil {
			return nil, err
		}
	}
	sinks := events.Multi{
		events.Writer{DB: r.Repo.DB, SessionID: id, Now: r.Now},
		events.Logger{L: logger.Named("events")},
	}
	sinks = append(sinks, extra...)
	seed := c.Session.Seed
	eng, err := engine.New(c, gen, sinks, logger, rand.New(rand.NewPCG(seed, seed)))
	if err != nil {
		return nil, err
	}
	if r.Now != nil {
		eng.Now = r.Now
	}
	s := domain.Session{
		ID:        id,
		Status:    domain.SessionRunning,
		Players:   len(c.Session.Players),
		Seed:      seed,
		CreatedAt: r.now().UTC().Format(time.RFC3339),
	}
	if err := r.Repo.InsertSession(ctx, s, c); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	logger.Info("session prepared", zap.Int("players", s.Players), zap.Uint64("seed", seed))
	return &Session{ID: id, Seed: seed, Engine: eng, runner: r}, nil
}

// Run plays the session and records the outcome. An interrupted session is
// stored as failed with its partial report.
func (s *Session) Run(ctx context.Context) (domain.Report, error) {
	logger := s.runner.logger().With(zap.String("session", s.ID))
	report, runErr := s.Engine.Run(ctx)
	report.SessionID = s.ID

	status, msg := domain.SessionFinished, ""
	if runErr != nil {
		status, msg = domain.SessionFailed, runErr.Error()
	}
	finishedAt := s.runner.now().UTC().Format(time.RFC3339)
	if err := s.runner.Repo.FinishSession(context.WithoutCancel(ctx), s.ID, status, msg, finishedAt, report); err != nil {
		return report, errors.Join(runErr, fmt.Errorf("finish session: %w", err))
	}
	logger.Info("session finished",
		zap.String("status", status),
		zap.String("winner", report.WinnerLabel()),
		zap.Int("days", report.Days),
		zap.Int("fallbacks", report.Fallbacks))
	return report, runErr
}

// Play prepares and runs a session in one call.
func (r Runner) Play(ctx context.Context, cfg *config.Config, gen llm.Generator, extra ...events.Sink) (domain.Report, error) {
	s, err := r.Prepare(ctx, cfg, gen, extra...)
	if err != nil {
		return domain.Report{}, err
	}
	return s.Run(ctx)
}
