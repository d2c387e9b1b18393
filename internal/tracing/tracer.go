// Package tracing records reasoning turns for offline inspection. The
// default implementation writes structured log lines; a no-op is available
// for tests and for deployments that disable tracing.
package tracing

import (
	"chat-agent/internal/logging"
)

// Turn identifies one reasoning turn for tracing purposes.
type Turn struct {
	UserID    string
	ChatID    string
	SessionID string
	Model     string
}

// Tracer observes reasoning turns.
type Tracer interface {
	// StartTurn is called when a turn begins and returns a function to
	// call when it ends, with the turn's final text.
	StartTurn(t Turn) func(fullText string, err error)

	// Score attaches a numeric judgement (user feedback) to a chat.
	Score(chatID, name string, value float64)

	// Flush blocks until buffered trace data is delivered.
	Flush()
}

type noop struct{}

func (noop) StartTurn(Turn) func(string, error) { return func(string, error) {} }
func (noop) Score(string, string, float64)      {}
func (noop) Flush()                             {}

// Noop returns a tracer that records nothing.
func Noop() Tracer { return noop{} }

type logTracer struct {
	log *logging.Logger
}

// NewLogTracer returns a tracer that emits one log line per turn.
func NewLogTracer(log *logging.Logger) Tracer {
	if log == nil {
		log = logging.Nop()
	}
	return &logTracer{log: log.Sub("tracing")}
}

func (t *logTracer) StartTurn(turn Turn) func(string, error) {
	t.log.Debug().
		Str("userId", turn.UserID).
		Str("chatId", turn.ChatID).
		Str("sessionId", turn.SessionID).
		Str("model", turn.Model).
		Msg("turn started")
	return func(fullText string, err error) {
		ev := t.log.Info().
			Str("sessionId", turn.SessionID).
			Int("responseChars", len(fullText))
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("turn finished")
	}
}

func (t *logTracer) Score(chatID, name string, value float64) {
	t.log.Info().
		Str("chatId", chatID).
		Str("score", name).
		Float64("value", value).
		Msg("score recorded")
}

func (t *logTracer) Flush() {}
