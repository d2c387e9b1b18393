package domain

import "encoding/json"

// Event is the closed set of records a conversation turn streams to its
// caller. Variants marshal to flat JSON objects with a "type" discriminator,
// in the exact order the turn produced them. Consumers are expected to
// switch exhaustively over the concrete types.
type Event interface {
	isEvent()
}

// StartEvent is emitted once, after the chat and session are resolved and the
// user message is durably persisted. MessageID is the id the eventual
// assistant reply will be stored under.
type StartEvent struct {
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// AgentResponseEvent carries assistant text. The last occurrence before the
// terminal EndEvent holds the final answer.
type AgentResponseEvent struct {
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content"`
}

// ToolCallEvent is emitted when the reasoning backend requests a tool
// invocation.
type ToolCallEvent struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// ToolResultEvent is emitted after a tool completes. Result is truncated to a
// bounded preview; the full result stays in the turn's working history.
type ToolResultEvent struct {
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

// ErrorEvent terminates the stream on failure.
type ErrorEvent struct {
	Message string `json:"message"`
}

// EndEvent terminates the stream on success.
type EndEvent struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
	FullText  string `json:"full_text"`
}

func (StartEvent) isEvent()         {}
func (AgentResponseEvent) isEvent() {}
func (ToolCallEvent) isEvent()      {}
func (ToolResultEvent) isEvent()    {}
func (ErrorEvent) isEvent()         {}
func (EndEvent) isEvent()           {}

// Aliases drop the MarshalJSON method so the variants can be embedded below
// without recursing.
type (
	startAlias  StartEvent
	respAlias   AgentResponseEvent
	callAlias   ToolCallEvent
	resultAlias ToolResultEvent
	errorAlias  ErrorEvent
	endAlias    EndEvent
)

func (e StartEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		startAlias
	}{"start", startAlias(e)})
}

func (e AgentResponseEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		respAlias
	}{"agent_response", respAlias(e)})
}

func (e ToolCallEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		callAlias
	}{"tool_call", callAlias(e)})
}

func (e ToolResultEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		resultAlias
	}{"tool_result", resultAlias(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		errorAlias
	}{"error", errorAlias(e)})
}

func (e EndEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		endAlias
	}{"end", endAlias(e)})
}
