// Package chat is the conversation facade: it resolves chats and sessions,
// persists both sides of every exchange, and frames the reasoning loop's
// event stream with start and end markers.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"chat-agent/internal/domain"
	"chat-agent/internal/logging"
	"chat-agent/internal/orchestrator"
	"chat-agent/internal/repository"
	"chat-agent/internal/tracing"
)

const (
	titleMaxLen   = 50
	previewMaxLen = 160

	defaultHistoryLimit = 1000
)

// ConversationStore is the persistence surface the service needs. It is
// satisfied by *repository.Store.
type ConversationStore interface {
	CreateChat(ctx context.Context, userID, title string) (domain.Chat, error)
	GetChat(ctx context.Context, userID, chatID string) (domain.Chat, bool, error)
	ListChats(ctx context.Context, userID string, limit int32, cursor string) ([]domain.Chat, string, error)
	StartSession(ctx context.Context, userID, chatID string) (domain.Session, error)
	ListActiveSessionsByChat(ctx context.Context, chatID string) ([]domain.Session, error)
	ListSessionsByChat(ctx context.Context, chatID string, limit int32, cursor string) ([]domain.Session, string, error)
	TouchSession(ctx context.Context, userID, sessionID string) error
	EndSession(ctx context.Context, userID, sessionID string) error
	AppendMessage(ctx context.Context, in repository.AppendMessageInput) (domain.Message, error)
	GetMessages(ctx context.Context, chatID string, limit int32, cursor string) ([]domain.Message, string, error)
	ListMessagesByUser(ctx context.Context, userID string, limit int32, cursor string) ([]domain.Message, string, error)
	UpdateChatPreviewAndTimestamp(ctx context.Context, userID, chatID, preview string) error
	UpdateChatTitle(ctx context.Context, userID, chatID, newTitle string) error
	SaveFeedback(ctx context.Context, userID, chatID string, rating int, comment string) (domain.Chat, error)
}

// TurnRunner executes one reasoning turn. Satisfied by
// *orchestrator.Orchestrator.
type TurnRunner interface {
	ExecuteTurn(ctx context.Context, turn orchestrator.Turn) <-chan domain.Event
}

// Options tunes the service. Zero values take defaults.
type Options struct {
	// HistoryLimit caps how many stored messages are loaded as context
	// for a turn.
	HistoryLimit int32

	// MessageTTL, when positive, expires stored messages after this
	// duration.
	MessageTTL time.Duration

	// Tracer receives feedback scores. Nil disables scoring.
	Tracer tracing.Tracer
}

// Service coordinates the store and the reasoning loop for one deployment.
type Service struct {
	store  ConversationStore
	runner TurnRunner
	opts   Options
	log    *logging.Logger
}

// NewService creates the conversation service.
func NewService(store ConversationStore, runner TurnRunner, opts Options, log *logging.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: store must not be nil")
	}
	if runner == nil {
		return nil, errors.New("chat: runner must not be nil")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Service{store: store, runner: runner, opts: opts, log: log.Sub("chat")}, nil
}

// RunInput is one user utterance. ChatID and SessionID are optional; an empty
// ChatID creates a new chat titled after the question, an empty SessionID
// starts a managed session.
type RunInput struct {
	UserID    string
	Question  string
	ChatID    string
	SessionID string
}

// Run processes one utterance and streams events. The stream always starts
// with a start event once the user message is persisted, and terminates with
// either an end event or an error event.
func (s *Service) Run(ctx context.Context, in RunInput) <-chan domain.Event {
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		s.run(ctx, in, out)
	}()
	return out
}

func (s *Service) run(ctx context.Context, in RunInput, out chan<- domain.Event) {
	messageID := uuid.NewString()

	chatID := in.ChatID
	if chatID == "" {
		title := truncateRunes(in.Question, titleMaxLen, "...")
		chat, err := s.store.CreateChat(ctx, in.UserID, title)
		if err != nil {
			s.fail(ctx, out, "failed to create chat", err)
			return
		}
		chatID = chat.ChatID
	} else {
		_, found, err := s.store.GetChat(ctx, in.UserID, chatID)
		if err != nil {
			s.fail(ctx, out, "failed to load chat", err)
			return
		}
		if !found {
			s.emit(ctx, out, domain.ErrorEvent{Message: "chat does not exist for this user"})
			return
		}
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sess, err := s.StartManagedSession(ctx, in.UserID, chatID)
		if err != nil {
			s.fail(ctx, out, "failed to start session", err)
			return
		}
		sessionID = sess.SessionID
	}

	// Context is loaded before the new question is persisted so the prompt
	// appears exactly once in what the backend sees.
	history, err := s.loadHistory(ctx, chatID)
	if err != nil {
		s.fail(ctx, out, "failed to load history", err)
		return
	}

	if _, err := s.store.AppendMessage(ctx, repository.AppendMessageInput{
		ChatID:  chatID,
		UserID:  in.UserID,
		Role:    domain.RoleUser,
		Content: in.Question,
		TTL:     s.messageTTL(),
	}); err != nil {
		s.fail(ctx, out, "failed to persist user message", err)
		return
	}
	if err := s.store.UpdateChatPreviewAndTimestamp(ctx, in.UserID, chatID, truncateRunes(in.Question, previewMaxLen, "")); err != nil {
		s.fail(ctx, out, "failed to update chat preview", err)
		return
	}
	if err := s.store.TouchSession(ctx, in.UserID, sessionID); err != nil {
		s.fail(ctx, out, "failed to touch session", err)
		return
	}

	s.emit(ctx, out, domain.StartEvent{
		SessionID: sessionID,
		ChatID:    chatID,
		MessageID: messageID,
	})

	var fullText string
	for ev := range s.runner.ExecuteTurn(ctx, orchestrator.Turn{
		UserID:    in.UserID,
		ChatID:    chatID,
		SessionID: sessionID,
		MessageID: messageID,
		Prompt:    in.Question,
		History:   history,
	}) {
		switch e := ev.(type) {
		case domain.AgentResponseEvent:
			// The fallback path emits without an id; every forwarded
			// response is stamped with the assistant message id it is
			// persisted under.
			e.MessageID = messageID
			fullText = e.Content
			s.emit(ctx, out, e)
		case domain.ErrorEvent:
			s.emit(ctx, out, e)
			return
		default:
			s.emit(ctx, out, ev)
		}
	}

	if fullText != "" {
		if _, err := s.store.AppendMessage(ctx, repository.AppendMessageInput{
			ChatID:    chatID,
			UserID:    in.UserID,
			Role:      domain.RoleAssistant,
			Content:   fullText,
			MessageID: messageID,
			TTL:       s.messageTTL(),
		}); err != nil {
			s.fail(ctx, out, "failed to persist assistant message", err)
			return
		}
		if err := s.store.UpdateChatPreviewAndTimestamp(ctx, in.UserID, chatID, truncateRunes(fullText, previewMaxLen, "")); err != nil {
			s.fail(ctx, out, "failed to update chat preview", err)
			return
		}
	}

	s.emit(ctx, out, domain.EndEvent{
		MessageID: messageID,
		SessionID: sessionID,
		ChatID:    chatID,
		FullText:  fullText,
	})
}

// StartManagedSession ends the user's lingering active sessions on the chat,
// then starts a fresh one. Other users' sessions on the same chat are left
// alone.
func (s *Service) StartManagedSession(ctx context.Context, userID, chatID string) (domain.Session, error) {
	active, err := s.store.ListActiveSessionsByChat(ctx, chatID)
	if err != nil {
		return domain.Session{}, newError(ErrorInternal, "failed to list active sessions", err)
	}
	for _, sess := range active {
		if sess.UserID != userID {
			continue
		}
		s.log.Warn().Str("sessionId", sess.SessionID).Str("chatId", chatID).Msg("ending orphan session")
		if err := s.store.EndSession(ctx, userID, sess.SessionID); err != nil {
			return domain.Session{}, newError(ErrorInternal, "failed to end orphan session", err)
		}
	}
	sess, err := s.store.StartSession(ctx, userID, chatID)
	if err != nil {
		return domain.Session{}, newError(ErrorInternal, "failed to start session", err)
	}
	return sess, nil
}

// EndSession ends an active session. Ending an already-ended session is a
// no-op.
func (s *Service) EndSession(ctx context.Context, userID, sessionID string) error {
	if err := s.store.EndSession(ctx, userID, sessionID); err != nil {
		return newError(ErrorInternal, "failed to end session", err)
	}
	return nil
}

// ListChats lists the user's chats, most recently updated first.
func (s *Service) ListChats(ctx context.Context, userID string, limit int32, cursor string) ([]domain.Chat, string, error) {
	chats, next, err := s.store.ListChats(ctx, userID, limit, cursor)
	if err != nil {
		return nil, "", newError(ErrorInternal, "failed to list chats", err)
	}
	return chats, next, nil
}

// History returns a chat's messages in creation order.
func (s *Service) History(ctx context.Context, chatID string, limit int32, cursor string) ([]domain.Message, string, error) {
	msgs, next, err := s.store.GetMessages(ctx, chatID, limit, cursor)
	if err != nil {
		return nil, "", newError(ErrorInternal, "failed to load history", err)
	}
	return msgs, next, nil
}

// UserMessages returns every message the user authored across their chats.
func (s *Service) UserMessages(ctx context.Context, userID string, limit int32, cursor string) ([]domain.Message, string, error) {
	msgs, next, err := s.store.ListMessagesByUser(ctx, userID, limit, cursor)
	if err != nil {
		return nil, "", newError(ErrorInternal, "failed to list user messages", err)
	}
	return msgs, next, nil
}

// UpdateChatTitle renames a chat the user owns.
func (s *Service) UpdateChatTitle(ctx context.Context, userID, chatID, newTitle string) error {
	if newTitle == "" {
		return newError(ErrorInvalidInput, "title must not be empty", nil)
	}
	err := s.store.UpdateChatTitle(ctx, userID, chatID, newTitle)
	if errors.Is(err, repository.ErrChatNotFound) {
		return newError(ErrorNotFound, "chat not found", err)
	}
	if err != nil {
		return newError(ErrorInternal, "failed to update chat title", err)
	}
	return nil
}

// ListSessions lists a chat's sessions, active and ended.
func (s *Service) ListSessions(ctx context.Context, chatID string, limit int32, cursor string) ([]domain.Session, string, error) {
	sessions, next, err := s.store.ListSessionsByChat(ctx, chatID, limit, cursor)
	if err != nil {
		return nil, "", newError(ErrorInternal, "failed to list sessions", err)
	}
	return sessions, next, nil
}

// SaveFeedback attaches a one-shot rating to a chat and locks it.
func (s *Service) SaveFeedback(ctx context.Context, userID, chatID string, rating int, comment string) (domain.Chat, error) {
	if rating < 1 || rating > 5 {
		return domain.Chat{}, newError(ErrorInvalidInput, "rating must be between 1 and 5", nil)
	}
	chat, err := s.store.SaveFeedback(ctx, userID, chatID, rating, comment)
	if errors.Is(err, repository.ErrChatNotFound) {
		return domain.Chat{}, newError(ErrorNotFound, "chat not found", err)
	}
	if errors.Is(err, repository.ErrFeedbackLocked) {
		return domain.Chat{}, newError(ErrorLocked, "chat already has feedback", err)
	}
	if err != nil {
		return domain.Chat{}, newError(ErrorInternal, "failed to save feedback", err)
	}
	s.opts.Tracer.Score(chatID, "user_feedback", float64(rating))
	return chat, nil
}

func (s *Service) loadHistory(ctx context.Context, chatID string) ([]domain.ChatMessage, error) {
	msgs, _, err := s.store.GetMessages(ctx, chatID, s.opts.HistoryLimit, "")
	if err != nil {
		return nil, err
	}
	history := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

func (s *Service) messageTTL() int64 {
	if s.opts.MessageTTL <= 0 {
		return 0
	}
	return time.Now().Add(s.opts.MessageTTL).Unix()
}

func (s *Service) fail(ctx context.Context, out chan<- domain.Event, reason string, err error) {
	s.log.Error().Err(err).Msg(reason)
	s.emit(ctx, out, domain.ErrorEvent{Message: reason})
}

func (s *Service) emit(ctx context.Context, out chan<- domain.Event, ev domain.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// truncateRunes shortens s to max runes, appending suffix only when
// something was cut.
func truncateRunes(s string, max int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + suffix
}
