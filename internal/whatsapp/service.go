package whatsapp

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"chat-agent/internal/chat"
	"chat-agent/internal/domain"
	"chat-agent/internal/logging"
)

const (
	// DefaultSessionCacheSize bounds how many phone numbers keep a live
	// chat/session binding. Evicted contacts transparently start a new
	// chat on their next message.
	DefaultSessionCacheSize = 1024

	apologyText = "Sorry, something went wrong while processing your message. Please try again."
)

// ChatRunner is the conversation surface the channel consumes. Satisfied by
// *chat.Service.
type ChatRunner interface {
	Run(ctx context.Context, in chat.RunInput) <-chan domain.Event
}

// Sender is the outbound WhatsApp surface. Satisfied by *Client.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	MarkAsRead(ctx context.Context, messageID string) error
}

// channelSession binds a phone number to its current chat and session. The
// mutex serializes turns per contact so two webhooks for the same phone
// cannot interleave a conversation.
type channelSession struct {
	mu        sync.Mutex
	userID    string
	chatID    string
	sessionID string
	name      string
}

// Service bridges webhook payloads to the conversation service and sends the
// final answer back over WhatsApp.
type Service struct {
	runner   ChatRunner
	sender   Sender
	sessions *lru.Cache[string, *channelSession]
	log      *logging.Logger
}

// NewService creates the channel service. cacheSize <= 0 takes the default.
func NewService(runner ChatRunner, sender Sender, cacheSize int, log *logging.Logger) (*Service, error) {
	if runner == nil {
		return nil, errors.New("whatsapp: chat runner must not be nil")
	}
	if sender == nil {
		return nil, errors.New("whatsapp: sender must not be nil")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultSessionCacheSize
	}
	cache, err := lru.New[string, *channelSession](cacheSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Service{
		runner:   runner,
		sender:   sender,
		sessions: cache,
		log:      log.Sub("whatsapp.channel"),
	}, nil
}

// ProcessWebhook runs every text message in the payload through the
// conversation service. Non-text messages are marked read and dropped.
func (s *Service) ProcessWebhook(ctx context.Context, payload *WebhookPayload) {
	messages := payload.Messages()
	if len(messages) == 0 {
		s.log.Debug().Msg("webhook carried no messages")
		return
	}
	for _, msg := range messages {
		s.processMessage(ctx, msg)
	}
}

func (s *Service) processMessage(ctx context.Context, msg InboundMessage) {
	s.log.Info().
		Str("phone", msg.Phone).
		Str("type", msg.Type).
		Msg("inbound message")

	if err := s.sender.MarkAsRead(ctx, msg.MessageID); err != nil {
		s.log.Warn().Err(err).Str("messageId", msg.MessageID).Msg("mark as read failed")
	}

	if msg.Type != "text" || msg.Text == "" {
		s.log.Debug().Str("type", msg.Type).Msg("ignoring non-text message")
		return
	}

	sess := s.session(msg.Phone)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if msg.Name != "" {
		sess.name = msg.Name
	}

	reply := s.runTurn(ctx, sess, msg.Text)
	if reply == "" {
		return
	}
	if err := s.sender.SendText(ctx, msg.Phone, reply); err != nil {
		s.log.Error().Err(err).Str("phone", msg.Phone).Msg("reply delivery failed")
		return
	}
	s.log.Info().Str("phone", msg.Phone).Msg("reply sent")
}

// runTurn feeds one utterance through the conversation service and returns
// the text to send back. Errors surface as an apology so the contact is
// never left without a reply. The session's chat and session ids are updated
// from the start and end frames.
func (s *Service) runTurn(ctx context.Context, sess *channelSession, text string) string {
	var reply string
	for ev := range s.runner.Run(ctx, chat.RunInput{
		UserID:    sess.userID,
		Question:  text,
		ChatID:    sess.chatID,
		SessionID: sess.sessionID,
	}) {
		switch e := ev.(type) {
		case domain.StartEvent:
			sess.chatID = e.ChatID
			sess.sessionID = e.SessionID
		case domain.AgentResponseEvent:
			reply = e.Content
		case domain.ErrorEvent:
			s.log.Error().Str("error", e.Message).Msg("conversation error")
			return apologyText
		case domain.EndEvent:
			sess.chatID = e.ChatID
			sess.sessionID = e.SessionID
		}
	}
	return reply
}

// HandleTextMessage processes one message outside a webhook payload and
// returns the reply without sending it. Used by tests and manual probes.
func (s *Service) HandleTextMessage(ctx context.Context, phone, text string) string {
	sess := s.session(phone)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return s.runTurn(ctx, sess, text)
}

// ClearSession drops a contact's chat binding; their next message starts a
// fresh chat.
func (s *Service) ClearSession(phone string) bool {
	return s.sessions.Remove(phone)
}

func (s *Service) session(phone string) *channelSession {
	if sess, ok := s.sessions.Get(phone); ok {
		return sess
	}
	sess := &channelSession{userID: "whatsapp_" + phone}
	s.sessions.Add(phone, sess)
	s.log.Info().Str("phone", phone).Msg("new channel session")
	return sess
}
