// Package repository owns the single-table layout for chats, sessions and
// messages and the conditional-update invariants that keep each entity's
// canonical row in sync with its index projections.
//
// Layout:
//
//	PK USER#{user}  SK CHAT#{chat}       chat row;     GSI1 lists chats per user by updated_at
//	PK USER#{user}  SK SESSION#{sess}    session row;  GSI2 by status, GSI3 by (chat, status, started_at)
//	PK CHAT#{chat}  SK MSG#{ts}#{msg}    message row;  GSI4 lists messages per user
//
// Ending a session rewrites its status together with the GSI2 partition key
// and GSI3 sort key in one conditional write, so a session's status and its
// visibility in the "active" index slice change atomically.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chat-agent/internal/domain"
	"chat-agent/internal/logging"
	"chat-agent/internal/storage"
)

const (
	pkUserPrefix    = "USER#"
	pkChatPrefix    = "CHAT#"
	skChatPrefix    = "CHAT#"
	skSessionPrefix = "SESSION#"
	skMsgPrefix     = "MSG#"

	indexChatsByUser      = "GSI1"
	indexSessionsByStatus = "GSI2"
	indexSessionsByChat   = "GSI3"
	indexMessagesByUser   = "GSI4"

	typeChat    = "CHAT"
	typeSession = "SESSION"
	typeMsg     = "MSG"
)

// Domain errors surfaced by conditional operations.
var (
	ErrChatNotFound    = errors.New("repository: chat not found")
	ErrSessionNotFound = errors.New("repository: session not found")
	ErrFeedbackLocked  = errors.New("repository: chat is locked and already has feedback")
)

// KV is the storage surface the repository consumes. *storage.Client
// satisfies it; tests provide an in-memory implementation.
type KV interface {
	Put(ctx context.Context, item map[string]types.AttributeValue) error
	Get(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error)
	Query(ctx context.Context, q storage.Query) ([]map[string]types.AttributeValue, string, error)
	ConditionalUpdate(ctx context.Context, u storage.Update) error
}

// Store is the conversation repository.
type Store struct {
	db  KV
	log *logging.Logger
}

// New creates a Store over the given key/value client.
func New(db KV, log *logging.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("repository: kv client must not be nil")
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Store{db: db, log: log.Sub("repository")}, nil
}

// nowISO is the timestamp used for sort keys and entity fields. RFC3339Nano
// in UTC sorts lexicographically in chronological order.
var nowISO = func() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var newID = func() string {
	return uuid.NewString()
}

func userPK(userID string) string    { return pkUserPrefix + userID }
func chatPK(chatID string) string    { return pkChatPrefix + chatID }
func chatSK(chatID string) string    { return skChatPrefix + chatID }
func sessionSK(sessID string) string { return skSessionPrefix + sessID }

func chatListSK(ts, chatID string) string {
	return fmt.Sprintf("CHAT#%s#%s", ts, chatID)
}

func sessionStatusPK(status string) string {
	return "SESSION#STATUS#" + status
}

func sessionStatusSK(userID, ts, sessID string) string {
	return fmt.Sprintf("USER#%s#START#%s#SESSION#%s", userID, ts, sessID)
}

func sessionChatSK(status, ts, sessID string) string {
	return fmt.Sprintf("SESSION#%s#START#%s#SESSION#%s", status, ts, sessID)
}

func msgSK(ts, msgID string) string {
	return fmt.Sprintf("MSG#%s#%s", ts, msgID)
}

// record is the envelope every row shares: composite key, a type tag, the
// entity document under "data", and whichever index projections apply.
type record struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	Type   string `dynamodbav:"type"`
	GSI1PK string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK string `dynamodbav:"GSI1SK,omitempty"`
	GSI2PK string `dynamodbav:"GSI2PK,omitempty"`
	GSI2SK string `dynamodbav:"GSI2SK,omitempty"`
	GSI3PK string `dynamodbav:"GSI3PK,omitempty"`
	GSI3SK string `dynamodbav:"GSI3SK,omitempty"`
	GSI4PK string `dynamodbav:"GSI4PK,omitempty"`
	GSI4SK string `dynamodbav:"GSI4SK,omitempty"`
	TTL    int64  `dynamodbav:"ttl,omitempty"`
}

func marshalRecord(rec record, data any) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal record: %w", err)
	}
	av, err := attributevalue.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal data: %w", err)
	}
	item["data"] = av
	return item, nil
}

func unmarshalData(item map[string]types.AttributeValue, out any) error {
	av, ok := item["data"]
	if !ok {
		return errors.New("repository: item missing data attribute")
	}
	if err := attributevalue.Unmarshal(av, out); err != nil {
		return fmt.Errorf("repository: unmarshal data: %w", err)
	}
	return nil
}

// CreateChat writes a new chat row together with its listing-index entry in
// one put.
func (s *Store) CreateChat(ctx context.Context, userID, title string) (domain.Chat, error) {
	ts := nowISO()
	chat := domain.Chat{
		ChatID:    newID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	item, err := marshalRecord(record{
		PK:     userPK(userID),
		SK:     chatSK(chat.ChatID),
		Type:   typeChat,
		GSI1PK: userPK(userID),
		GSI1SK: chatListSK(ts, chat.ChatID),
	}, chat)
	if err != nil {
		return domain.Chat{}, err
	}
	if err := s.db.Put(ctx, item); err != nil {
		return domain.Chat{}, fmt.Errorf("repository: CreateChat: %w", err)
	}
	return chat, nil
}

// GetChat returns the chat, or the zero value with found=false when absent or
// owned by someone else. Absence is not an error; callers decide.
func (s *Store) GetChat(ctx context.Context, userID, chatID string) (domain.Chat, bool, error) {
	item, err := s.db.Get(ctx, userPK(userID), chatSK(chatID))
	if err != nil {
		return domain.Chat{}, false, fmt.Errorf("repository: GetChat: %w", err)
	}
	if item == nil {
		return domain.Chat{}, false, nil
	}
	var chat domain.Chat
	if err := unmarshalData(item, &chat); err != nil {
		return domain.Chat{}, false, fmt.Errorf("repository: GetChat: %w", err)
	}
	return chat, true, nil
}

// ListChats pages through a user's chats newest-updated first.
func (s *Store) ListChats(ctx context.Context, userID string, limit int32, cursor string) ([]domain.Chat, string, error) {
	items, next, err := s.db.Query(ctx, storage.Query{
		Index:        indexChatsByUser,
		KeyCondition: "GSI1PK = :pk",
		Values: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: userPK(userID)},
		},
		Forward: false,
		Limit:   limit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListChats: %w", err)
	}

	chats := make([]domain.Chat, 0, len(items))
	for _, item := range items {
		var chat domain.Chat
		if err := unmarshalData(item, &chat); err != nil {
			return nil, "", fmt.Errorf("repository: ListChats: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, next, nil
}

// StartSession unconditionally creates a new active session. The one-active-
// session invariant is the conversation service's job (orphan cleanup); the
// store only guarantees the row and its index entries appear atomically.
func (s *Store) StartSession(ctx context.Context, userID, chatID string) (domain.Session, error) {
	ts := nowISO()
	sess := domain.Session{
		SessionID:   newID(),
		ChatID:      chatID,
		UserID:      userID,
		Status:      domain.SessionActive,
		StartedAt:   ts,
		LastEventAt: ts,
	}

	item, err := marshalRecord(record{
		PK:     userPK(userID),
		SK:     sessionSK(sess.SessionID),
		Type:   typeSession,
		GSI2PK: sessionStatusPK(domain.SessionActive),
		GSI2SK: sessionStatusSK(userID, ts, sess.SessionID),
		GSI3PK: chatPK(chatID),
		GSI3SK: sessionChatSK(domain.SessionActive, ts, sess.SessionID),
	}, sess)
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.db.Put(ctx, item); err != nil {
		return domain.Session{}, fmt.Errorf("repository: StartSession: %w", err)
	}
	return sess, nil
}

// ListActiveSessionsByChat returns every user's active sessions on the chat.
func (s *Store) ListActiveSessionsByChat(ctx context.Context, chatID string) ([]domain.Session, error) {
	items, _, err := s.db.Query(ctx, storage.Query{
		Index:        indexSessionsByChat,
		KeyCondition: "GSI3PK = :pk AND begins_with(GSI3SK, :prefix)",
		Values: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: chatPK(chatID)},
			":prefix": &types.AttributeValueMemberS{Value: "SESSION#active#"},
		},
		Forward: true,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListActiveSessionsByChat: %w", err)
	}
	return unmarshalSessions(items)
}

// ListActiveSessionsByUser returns every active session a user holds across
// all chats. Orphan cleanup before starting a new session reads this slice.
func (s *Store) ListActiveSessionsByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	items, _, err := s.db.Query(ctx, storage.Query{
		Index:        indexSessionsByStatus,
		KeyCondition: "GSI2PK = :pk AND begins_with(GSI2SK, :prefix)",
		Values: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionStatusPK(domain.SessionActive)},
			":prefix": &types.AttributeValueMemberS{Value: userPK(userID) + "#START#"},
		},
		Forward: true,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListActiveSessionsByUser: %w", err)
	}
	return unmarshalSessions(items)
}

// ListSessionsByChat pages through all sessions of a chat, newest first.
func (s *Store) ListSessionsByChat(ctx context.Context, chatID string, limit int32, cursor string) ([]domain.Session, string, error) {
	items, next, err := s.db.Query(ctx, storage.Query{
		Index:        indexSessionsByChat,
		KeyCondition: "GSI3PK = :pk",
		Values: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: chatPK(chatID)},
		},
		Forward: false,
		Limit:   limit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListSessionsByChat: %w", err)
	}
	sessions, err := unmarshalSessions(items)
	return sessions, next, err
}

func unmarshalSessions(items []map[string]types.AttributeValue) ([]domain.Session, error) {
	sessions := make([]domain.Session, 0, len(items))
	for _, item := range items {
		var sess domain.Session
		if err := unmarshalData(item, &sess); err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// TouchSession bumps last_event_at on an existing session. A session that
// does not exist yields ErrSessionNotFound.
func (s *Store) TouchSession(ctx context.Context, userID, sessionID string) error {
	err := s.db.ConditionalUpdate(ctx, storage.Update{
		PK:         userPK(userID),
		SK:         sessionSK(sessionID),
		Expression: "SET #data.#last_event_at = :t",
		Values: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: nowISO()},
		},
		Names: map[string]string{
			"#data":          "data",
			"#last_event_at": "last_event_at",
		},
		Condition: "attribute_exists(PK)",
	})
	if errors.Is(err, storage.ErrPreconditionFailed) {
		return fmt.Errorf("%w: session %s for user %s", ErrSessionNotFound, sessionID, userID)
	}
	if err != nil {
		return fmt.Errorf("repository: TouchSession: %w", err)
	}
	return nil
}

// EndSession marks a session ended and relocates its index entries in the
// same conditional write. Ending a session that no longer exists is treated
// as already ended and succeeds.
func (s *Store) EndSession(ctx context.Context, userID, sessionID string) error {
	ts := nowISO()
	err := s.db.ConditionalUpdate(ctx, storage.Update{
		PK:         userPK(userID),
		SK:         sessionSK(sessionID),
		Expression: "SET #data.#status = :e, #data.#ended_at = :t, GSI2PK = :p2, GSI3SK = :g3",
		Values: map[string]types.AttributeValue{
			":e":  &types.AttributeValueMemberS{Value: domain.SessionEnded},
			":t":  &types.AttributeValueMemberS{Value: ts},
			":p2": &types.AttributeValueMemberS{Value: sessionStatusPK(domain.SessionEnded)},
			":g3": &types.AttributeValueMemberS{Value: sessionChatSK(domain.SessionEnded, ts, sessionID)},
		},
		Names: map[string]string{
			"#data":     "data",
			"#status":   "status",
			"#ended_at": "ended_at",
		},
		Condition: "attribute_exists(PK)",
	})
	if errors.Is(err, storage.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: EndSession: %w", err)
	}
	return nil
}

// AppendMessageInput names the parameters of AppendMessage. MessageID is
// optional; a fresh id is generated when empty. TTL is an absolute epoch
// expiry, 0 for none.
type AppendMessageInput struct {
	ChatID    string
	UserID    string
	Role      string
	Content   string
	MessageID string
	TTL       int64
}

// AppendMessage writes a message row. The sort key is timestamp plus message
// id, so two messages written in the same instant still order
// deterministically.
func (s *Store) AppendMessage(ctx context.Context, in AppendMessageInput) (domain.Message, error) {
	if in.MessageID == "" {
		in.MessageID = newID()
	}
	ts := nowISO()
	msg := domain.Message{
		MessageID: in.MessageID,
		ChatID:    in.ChatID,
		UserID:    in.UserID,
		Role:      in.Role,
		Content:   in.Content,
		CreatedAt: ts,
	}

	item, err := marshalRecord(record{
		PK:     chatPK(in.ChatID),
		SK:     msgSK(ts, in.MessageID),
		Type:   typeMsg,
		GSI4PK: userPK(in.UserID) + "#MSG",
		GSI4SK: fmt.Sprintf("MSG#%s#%s#%s", ts, in.ChatID, in.MessageID),
		TTL:    in.TTL,
	}, msg)
	if err != nil {
		return domain.Message{}, err
	}
	if err := s.db.Put(ctx, item); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return msg, nil
}

// GetMessages pages through a chat's messages in creation order.
func (s *Store) GetMessages(ctx context.Context, chatID string, limit int32, cursor string) ([]domain.Message, string, error) {
	items, next, err := s.db.Query(ctx, storage.Query{
		KeyCondition: "PK = :pk AND begins_with(SK, :prefix)",
		Values: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: chatPK(chatID)},
			":prefix": &types.AttributeValueMemberS{Value: skMsgPrefix},
		},
		Forward: true,
		Limit:   limit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", fmt.Errorf("repository: GetMessages: %w", err)
	}
	msgs, err := unmarshalMessages(items)
	return msgs, next, err
}

// ListMessagesByUser pages through every message a user authored, across all
// of their chats.
func (s *Store) ListMessagesByUser(ctx context.Context, userID string, limit int32, cursor string) ([]domain.Message, string, error) {
	items, next, err := s.db.Query(ctx, storage.Query{
		Index:        indexMessagesByUser,
		KeyCondition: "GSI4PK = :pk",
		Values: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: userPK(userID) + "#MSG"},
		},
		Forward: true,
		Limit:   limit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListMessagesByUser: %w", err)
	}
	msgs, err := unmarshalMessages(items)
	return msgs, next, err
}

func unmarshalMessages(items []map[string]types.AttributeValue) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		var msg domain.Message
		if err := unmarshalData(item, &msg); err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// UpdateChatPreviewAndTimestamp stamps a new preview and updated_at on an
// existing chat and relocates its listing-index sort key so the chat
// resurfaces at the top of the owner's list.
func (s *Store) UpdateChatPreviewAndTimestamp(ctx context.Context, userID, chatID, preview string) error {
	ts := nowISO()
	err := s.db.ConditionalUpdate(ctx, storage.Update{
		PK:         userPK(userID),
		SK:         chatSK(chatID),
		Expression: "SET #data.#updated_at = :u, #data.#last_message_preview = :p, GSI1SK = :g1",
		Values: map[string]types.AttributeValue{
			":u":  &types.AttributeValueMemberS{Value: ts},
			":p":  &types.AttributeValueMemberS{Value: preview},
			":g1": &types.AttributeValueMemberS{Value: chatListSK(ts, chatID)},
		},
		Names: map[string]string{
			"#data":                 "data",
			"#updated_at":           "updated_at",
			"#last_message_preview": "last_message_preview",
		},
		Condition: "attribute_exists(PK)",
	})
	if errors.Is(err, storage.ErrPreconditionFailed) {
		return fmt.Errorf("%w: chat %s for user %s", ErrChatNotFound, chatID, userID)
	}
	if err != nil {
		return fmt.Errorf("repository: UpdateChatPreviewAndTimestamp: %w", err)
	}
	return nil
}

// UpdateChatTitle renames an existing chat, bumping updated_at and the
// listing-index sort key like any other mutation.
func (s *Store) UpdateChatTitle(ctx context.Context, userID, chatID, newTitle string) error {
	ts := nowISO()
	err := s.db.ConditionalUpdate(ctx, storage.Update{
		PK:         userPK(userID),
		SK:         chatSK(chatID),
		Expression: "SET #data.#title = :t, #data.#updated_at = :u, GSI1SK = :g1",
		Values: map[string]types.AttributeValue{
			":t":  &types.AttributeValueMemberS{Value: newTitle},
			":u":  &types.AttributeValueMemberS{Value: ts},
			":g1": &types.AttributeValueMemberS{Value: chatListSK(ts, chatID)},
		},
		Names: map[string]string{
			"#data":       "data",
			"#title":      "title",
			"#updated_at": "updated_at",
		},
		Condition: "attribute_exists(PK)",
	})
	if errors.Is(err, storage.ErrPreconditionFailed) {
		return fmt.Errorf("%w: chat %s for user %s", ErrChatNotFound, chatID, userID)
	}
	if err != nil {
		return fmt.Errorf("repository: UpdateChatTitle: %w", err)
	}
	return nil
}

// SaveFeedback stores a one-shot rating on the chat and locks it. The whole
// embedded document is rewritten rather than individual paths: a partial-path
// update against a map that raced with another writer can fail or interleave,
// while replacing #data keeps the read-modify-write a single atomic unit.
func (s *Store) SaveFeedback(ctx context.Context, userID, chatID string, rating int, comment string) (domain.Chat, error) {
	chat, found, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("repository: SaveFeedback: %w", err)
	}
	if !found {
		return domain.Chat{}, fmt.Errorf("%w: chat %s for user %s", ErrChatNotFound, chatID, userID)
	}
	if chat.Locked && chat.Feedback != nil {
		return domain.Chat{}, ErrFeedbackLocked
	}

	ts := nowISO()
	chat.Feedback = &domain.Feedback{
		Rating:    rating,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: ts,
	}
	chat.Locked = true
	chat.UpdatedAt = ts

	av, err := attributevalue.Marshal(chat)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("repository: SaveFeedback: marshal chat: %w", err)
	}

	err = s.db.ConditionalUpdate(ctx, storage.Update{
		PK:         userPK(userID),
		SK:         chatSK(chatID),
		Expression: "SET #data = :d",
		Values:     map[string]types.AttributeValue{":d": av},
		Names:      map[string]string{"#data": "data"},
	})
	if err != nil {
		return domain.Chat{}, fmt.Errorf("repository: SaveFeedback: %w", err)
	}

	s.log.Info().Str("chatId", chatID).Str("userId", userID).Int("rating", rating).Msg("feedback saved, chat locked")
	return chat, nil
}
