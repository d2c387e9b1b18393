// Package orchestrator runs the reasoning loop for one conversational turn:
// invoke the backend, execute any tool calls it requests, feed the results
// back, and repeat until the backend answers in plain text or a bound is hit.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-agent/internal/domain"
	"chat-agent/internal/logging"
	"chat-agent/internal/tool"
	"chat-agent/internal/tracing"
)

const (
	// DefaultTimeout bounds one whole turn, tool executions included.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxToolRounds limits how many backend round-trips a single
	// turn may spend on tool calls.
	DefaultMaxToolRounds = 5

	// toolResultPreviewLen caps the tool output echoed to stream
	// consumers. The backend still sees the full output.
	toolResultPreviewLen = 200

	// apologyFallback is sent as a normal assistant response when the
	// backend fails mid-turn, so channel consumers render it like any
	// other answer.
	apologyFallback = "Sorry, something went wrong. Please try again."
)

// DefaultSystemPrompt steers the assistant when no prompt is configured.
const DefaultSystemPrompt = `You are a helpful virtual assistant.

Your goal:
- Help users clearly, objectively and in a friendly manner
- Answer questions accurately and with relevant context
- Keep a professional but approachable tone

Guidelines:
- Be concise but complete
- If you do not know something, say so and suggest alternatives
- Keep the context of the prior conversation
- Always answer in the user's language

Limitations:
- Do not give specific medical, legal or financial advice
- Recommend consulting a specialist when appropriate`

// ToolCall is one tool invocation requested by the backend.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Result is a single backend exchange: assistant text, tool calls, or both.
type Result struct {
	Text      string
	ToolCalls []ToolCall
}

// Backend is a reasoning model the orchestrator can drive. Implementations
// translate the provider-agnostic history and tool definitions to their wire
// format.
type Backend interface {
	ModelID() string
	Invoke(ctx context.Context, system string, history []domain.ChatMessage, tools []tool.Definition) (*Result, error)
}

// Config tunes the reasoning loop. Zero values take the defaults above.
type Config struct {
	SystemPrompt  string
	Timeout       time.Duration
	MaxToolRounds int
}

// Turn is one user utterance to process against a session's history.
type Turn struct {
	UserID    string
	ChatID    string
	SessionID string
	MessageID string
	Prompt    string
	History   []domain.ChatMessage
}

// Orchestrator drives the backend/tool loop and streams progress events.
type Orchestrator struct {
	backend Backend
	tools   *tool.Registry
	tracer  tracing.Tracer
	cfg     Config
	log     *logging.Logger
}

// New creates an orchestrator. The registry may be empty, in which case
// every turn is a single backend exchange. A nil tracer disables tracing.
func New(backend Backend, tools *tool.Registry, tracer tracing.Tracer, cfg Config, log *logging.Logger) (*Orchestrator, error) {
	if backend == nil {
		return nil, errors.New("orchestrator: backend must not be nil")
	}
	if tools == nil {
		tools = tool.NewRegistry()
	}
	if tracer == nil {
		tracer = tracing.Noop()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		backend: backend,
		tools:   tools,
		tracer:  tracer,
		cfg:     cfg,
		log:     log.Sub("orchestrator"),
	}, nil
}

// ExecuteTurn runs one turn and streams agent_response, tool_call,
// tool_result and error events. The channel is closed when the turn is over;
// an error event, if any, is the last event. Session bookkeeping and the
// start/end framing belong to the caller.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, turn Turn) <-chan domain.Event {
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		o.run(ctx, turn, out)
	}()
	return out
}

func (o *Orchestrator) run(parent context.Context, turn Turn, out chan<- domain.Event) {
	ctx, cancel := context.WithTimeout(parent, o.cfg.Timeout)
	defer cancel()

	o.log.Info().
		Str("chatId", turn.ChatID).
		Str("sessionId", turn.SessionID).
		Int("historyLen", len(turn.History)).
		Msg("executing turn")

	endTurn := o.tracer.StartTurn(tracing.Turn{
		UserID:    turn.UserID,
		ChatID:    turn.ChatID,
		SessionID: turn.SessionID,
		Model:     o.backend.ModelID(),
	})
	defer o.tracer.Flush()

	defs := o.tools.Definitions()
	working := make([]domain.ChatMessage, 0, len(turn.History)+1)
	working = append(working, turn.History...)
	working = append(working, domain.ChatMessage{Role: domain.RoleUser, Content: turn.Prompt})

	var fullText string
	for round := 0; ; round++ {
		if round >= o.cfg.MaxToolRounds {
			o.log.Warn().Int("rounds", round).Msg("tool round limit reached")
			endTurn(fullText, errors.New("tool round limit reached"))
			o.emit(ctx, out, domain.ErrorEvent{
				Message: fmt.Sprintf("tool round limit of %d reached", o.cfg.MaxToolRounds),
			})
			return
		}

		res, err := o.backend.Invoke(ctx, o.cfg.SystemPrompt, working, defs)
		if err != nil {
			o.finishWithError(parent, out, endTurn, err)
			return
		}

		if res.Text != "" {
			fullText = res.Text
			o.emit(ctx, out, domain.AgentResponseEvent{
				MessageID: turn.MessageID,
				Content:   res.Text,
			})
		}

		if len(res.ToolCalls) == 0 {
			endTurn(fullText, nil)
			return
		}

		// A tool-only round has no text; appending an empty assistant
		// message would be rejected by backends that forbid blank blocks.
		if res.Text != "" {
			working = append(working, domain.ChatMessage{Role: domain.RoleAssistant, Content: res.Text})
		}
		for _, call := range res.ToolCalls {
			result, err := o.executeTool(ctx, out, call)
			if err != nil {
				o.finishWithError(parent, out, endTurn, err)
				return
			}
			working = append(working, domain.ChatMessage{
				Role:    domain.RoleTool,
				Content: fmt.Sprintf("Result of %s: %s", call.Name, result),
			})
		}
	}
}

// executeTool announces the call, runs the tool and announces the result.
// A failing tool is not fatal to the turn; its error text goes back to the
// backend like any other result. Only a dead context aborts.
func (o *Orchestrator) executeTool(ctx context.Context, out chan<- domain.Event, call ToolCall) (string, error) {
	o.emit(ctx, out, domain.ToolCallEvent{Tool: call.Name, Args: call.Args})

	var result string
	t, ok := o.tools.Get(call.Name)
	if !ok {
		result = fmt.Sprintf("Error: unknown tool %q", call.Name)
	} else {
		output, err := t.Execute(ctx, call.Args)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			o.log.Warn().Err(err).Str("tool", call.Name).Msg("tool execution failed")
			result = fmt.Sprintf("Error: %v", err)
		} else {
			result = output
		}
	}

	o.emit(ctx, out, domain.ToolResultEvent{Tool: call.Name, Result: truncate(result, toolResultPreviewLen)})
	return result, nil
}

func (o *Orchestrator) finishWithError(ctx context.Context, out chan<- domain.Event, endTurn func(string, error), err error) {
	endTurn("", err)
	if errors.Is(err, context.DeadlineExceeded) {
		o.log.Error().Err(err).Msg("turn timed out")
		o.emit(ctx, out, domain.ErrorEvent{
			Message: fmt.Sprintf("time limit of %s reached", o.cfg.Timeout),
		})
		return
	}
	o.log.Error().Err(err).Msg("backend invocation failed")
	o.emit(ctx, out, domain.AgentResponseEvent{Content: apologyFallback})
}

// emit sends without blocking forever on an abandoned consumer.
func (o *Orchestrator) emit(ctx context.Context, out chan<- domain.Event, ev domain.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
