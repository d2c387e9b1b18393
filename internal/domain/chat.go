package domain

// Message roles as stored and as sent to reasoning backends.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Chat is a persistent conversation thread owned by a single user.
type Chat struct {
	ChatID             string    `dynamodbav:"chat_id" json:"chat_id"`
	UserID             string    `dynamodbav:"user_id" json:"user_id"`
	Title              string    `dynamodbav:"title" json:"title"`
	CreatedAt          string    `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt          string    `dynamodbav:"updated_at" json:"updated_at"`
	LastMessagePreview string    `dynamodbav:"last_message_preview" json:"last_message_preview,omitempty"`
	Locked             bool      `dynamodbav:"locked" json:"locked"`
	Feedback           *Feedback `dynamodbav:"feedback,omitempty" json:"feedback,omitempty"`
}

// Feedback is a single-shot rating attached to a chat. Once saved the chat is
// locked and a second submission is rejected.
type Feedback struct {
	Rating    int    `dynamodbav:"rating" json:"rating"`
	Comment   string `dynamodbav:"comment,omitempty" json:"comment,omitempty"`
	CreatedAt string `dynamodbav:"created_at" json:"created_at"`
}

// Session is a bounded period of active interaction on a chat. At most one
// session per (user, chat) may be active at a time; the conversation service
// enforces this by ending orphans before starting a new one.
type Session struct {
	SessionID   string `dynamodbav:"session_id" json:"session_id"`
	ChatID      string `dynamodbav:"chat_id" json:"chat_id"`
	UserID      string `dynamodbav:"user_id" json:"user_id"`
	Status      string `dynamodbav:"status" json:"status"`
	StartedAt   string `dynamodbav:"started_at" json:"started_at"`
	LastEventAt string `dynamodbav:"last_event_at" json:"last_event_at"`
	EndedAt     string `dynamodbav:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// Message is one immutable entry in a chat's history.
type Message struct {
	MessageID string `dynamodbav:"message_id" json:"message_id"`
	ChatID    string `dynamodbav:"chat_id" json:"chat_id"`
	UserID    string `dynamodbav:"user_id" json:"user_id"`
	Role      string `dynamodbav:"role" json:"role"`
	Content   string `dynamodbav:"content" json:"content"`
	CreatedAt string `dynamodbav:"created_at" json:"created_at"`
}

// ChatMessage is the provider-agnostic prompt shape passed to reasoning
// backends. Tool results travel through a turn's working history with
// Role=tool; backends render them however their wire format requires.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
