package events

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

// Logger writes events to a zap logger at debug level.
type Logger struct {
	L *zap.Logger
}

func (l Logger) Emit(_ context.Context, evt Event) error {
	if l.L == nil {
		return nil
	}
	l.L.Debug(evt.Message,
		zap.String("type", evt.Type),
		zap.Int("day", evt.Day),
		zap.String("phase", string(evt.Phase)),
		zap.String("visibility", string(evt.Visibility)),
		zap.String("participant", evt.Participant),
		zap.Any("payload", evt.Payload),
	)
	return nil
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	publicStyle   = lipgloss.NewStyle()
	speechStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	privateStyle  = lipgloss.NewStyle().Faint(true).Italic(true)
	fallbackStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	deathStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("160"))
)

// Console narrates events for a human reading the terminal. Private events
// are hidden unless ShowPrivate is set.
type Console struct {
	Out         io.Writer
	ShowPrivate bool
}

func (c Console) Emit(_ context.Context, evt Event) error {
	if c.Out == nil {
		return nil
	}
	var line string
	switch {
	case evt.Type == TypeNightStart || evt.Type == TypeDawn || evt.Type == TypeGameOver:
		line = "\n" + headerStyle.Render(evt.Message)
	case evt.Type == TypeSpeech:
		line = speechStyle.Render(fmt.Sprintf("%s: %q", evt.Participant, evt.Message))
	case evt.Type == TypeDeath || evt.Type == TypeElimination:
		line = deathStyle.Render(evt.Message)
	case evt.Type == TypeResolverFallback || evt.Type == TypeGenerationFailure:
		if !c.ShowPrivate {
			return nil
		}
		line = fallbackStyle.Render("! " + evt.Message)
	case evt.Visibility == Private:
		if !c.ShowPrivate {
			return nil
		}
		line = privateStyle.Render(fmt.Sprintf("[%s] %s", evt.Participant, evt.Message))
	default:
		line = publicStyle.Render(evt.Message)
	}
	_, err := fmt.Fprintln(c.Out, strings.TrimRight(line, "\n"))
	return err
}
