package blockingio

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink stands in for delivery backends that are not configured. It
// records each notification and reports success.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "logsink").Logger()}
}

func (l *LogSink) Mail(_ context.Context, to, subject, _ string) error {
	l.log.Info().Str("to", to).Str("subject", subject).Msg("mail not delivered, no outbox configured")
	return nil
}

func (l *LogSink) Tweet(_ context.Context, _, _, text string) error {
	l.log.Info().Int("chars", len(text)).Msg("tweet not delivered, no outbox configured")
	return nil
}

func (l *LogSink) Push(_ context.Context, target, body string) error {
	l.log.Info().Str("target", target).Str("body", body).Msg("push not delivered, no broker configured")
	return nil
}
