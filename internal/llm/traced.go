package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Traced logs every generation call at debug level and failures at warn.
type Traced struct {
	Next   Generator
	Logger *zap.Logger
	Name   string
}

func (t Traced) Generate(ctx context.Context, history []Message, system, prompt string) (string, error) {
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	out, err := t.Next.Generate(ctx, history, system, prompt)
	fields := []zap.Field{
		zap.String("backend", t.Name),
		zap.Int("history", len(history)),
		zap.Int("prompt_len", len(prompt)),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil {
		logger.Warn("generation failed", append(fields, zap.Error(err))...)
		return "", err
	}
	logger.Debug("generation", append(fields, zap.Int("response_len", len(out)))...)
	return out, nil
}
