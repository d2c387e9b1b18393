package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-agent/internal/domain"
	"chat-agent/internal/orchestrator"
	"chat-agent/internal/repository"
	"chat-agent/internal/tracing"
)

type fakeStore struct {
	chats    map[string]domain.Chat
	active   []domain.Session
	appended []repository.AppendMessageInput
	ended    []string
	touched  []string
	previews []string
	history  []domain.Message

	createErr   error
	touchErr    error
	previewErr  error
	titleErr    error
	feedbackErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{chats: map[string]domain.Chat{}}
}

func (f *fakeStore) key(userID, chatID string) string { return userID + "|" + chatID }

func (f *fakeStore) CreateChat(_ context.Context, userID, title string) (domain.Chat, error) {
	if f.createErr != nil {
		return domain.Chat{}, f.createErr
	}
	chat := domain.Chat{ChatID: "chat-new", UserID: userID, Title: title}
	f.chats[f.key(userID, chat.ChatID)] = chat
	return chat, nil
}

func (f *fakeStore) GetChat(_ context.Context, userID, chatID string) (domain.Chat, bool, error) {
	chat, ok := f.chats[f.key(userID, chatID)]
	return chat, ok, nil
}

func (f *fakeStore) ListChats(_ context.Context, userID string, _ int32, _ string) ([]domain.Chat, string, error) {
	var out []domain.Chat
	for _, c := range f.chats {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, "", nil
}

func (f *fakeStore) StartSession(_ context.Context, userID, chatID string) (domain.Session, error) {
	return domain.Session{SessionID: "sess-new", ChatID: chatID, UserID: userID, Status: domain.SessionActive}, nil
}

func (f *fakeStore) ListActiveSessionsByChat(_ context.Context, chatID string) ([]domain.Session, error) {
	var out []domain.Session
	for _, s := range f.active {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSessionsByChat(_ context.Context, _ string, _ int32, _ string) ([]domain.Session, string, error) {
	return f.active, "", nil
}

func (f *fakeStore) TouchSession(_ context.Context, _, sessionID string) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched = append(f.touched, sessionID)
	return nil
}

func (f *fakeStore) EndSession(_ context.Context, _, sessionID string) error {
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, in repository.AppendMessageInput) (domain.Message, error) {
	f.appended = append(f.appended, in)
	return domain.Message{MessageID: in.MessageID, ChatID: in.ChatID, Role: in.Role, Content: in.Content}, nil
}

func (f *fakeStore) GetMessages(_ context.Context, _ string, _ int32, _ string) ([]domain.Message, string, error) {
	return f.history, "", nil
}

func (f *fakeStore) ListMessagesByUser(_ context.Context, _ string, _ int32, _ string) ([]domain.Message, string, error) {
	return f.history, "", nil
}

func (f *fakeStore) UpdateChatPreviewAndTimestamp(_ context.Context, _, _, preview string) error {
	if f.previewErr != nil {
		return f.previewErr
	}
	f.previews = append(f.previews, preview)
	return nil
}

func (f *fakeStore) UpdateChatTitle(_ context.Context, _, _, _ string) error {
	return f.titleErr
}

func (f *fakeStore) SaveFeedback(_ context.Context, userID, chatID string, rating int, comment string) (domain.Chat, error) {
	if f.feedbackErr != nil {
		return domain.Chat{}, f.feedbackErr
	}
	return domain.Chat{ChatID: chatID, UserID: userID, Locked: true,
		Feedback: &domain.Feedback{Rating: rating, Comment: comment}}, nil
}

// fakeRunner replays scripted events and records the turn it was given.
type fakeRunner struct {
	events []domain.Event
	turn   orchestrator.Turn
}

func (f *fakeRunner) ExecuteTurn(_ context.Context, turn orchestrator.Turn) <-chan domain.Event {
	f.turn = turn
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		for _, ev := range f.events {
			out <- ev
		}
	}()
	return out
}

func drain(t *testing.T, ch <-chan domain.Event) []domain.Event {
	t.Helper()
	var events []domain.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out draining event channel")
		}
	}
}

func newTestService(t *testing.T, store ConversationStore, runner TurnRunner, opts Options) *Service {
	t.Helper()
	svc, err := NewService(store, runner, opts, nil)
	require.NoError(t, err)
	return svc
}

func TestRun_NewChatHappyPath(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{events: []domain.Event{
		domain.AgentResponseEvent{Content: "the answer"},
	}}
	svc := newTestService(t, store, runner, Options{})

	events := drain(t, svc.Run(context.Background(), RunInput{
		UserID: "u1", Question: "what is the answer?",
	}))

	require.Len(t, events, 3)
	start, ok := events[0].(domain.StartEvent)
	require.True(t, ok)
	require.Equal(t, "chat-new", start.ChatID)
	require.Equal(t, "sess-new", start.SessionID)
	require.NotEmpty(t, start.MessageID)

	resp := events[1].(domain.AgentResponseEvent)
	require.Equal(t, "the answer", resp.Content)

	end, ok := events[2].(domain.EndEvent)
	require.True(t, ok)
	require.Equal(t, "the answer", end.FullText)
	require.Equal(t, start.MessageID, end.MessageID)

	// Chat was created and titled after the question.
	require.Equal(t, "what is the answer?", store.chats["u1|chat-new"].Title)

	// Both sides of the exchange were persisted; the assistant message
	// reuses the announced message id.
	require.Len(t, store.appended, 2)
	require.Equal(t, domain.RoleUser, store.appended[0].Role)
	require.Equal(t, domain.RoleAssistant, store.appended[1].Role)
	require.Equal(t, start.MessageID, store.appended[1].MessageID)

	// Preview updated for the question, then for the answer.
	require.Equal(t, []string{"what is the answer?", "the answer"}, store.previews)
	require.Equal(t, []string{"sess-new"}, store.touched)
}

func TestRun_AgentResponseAlwaysCarriesMessageID(t *testing.T) {
	store := newFakeStore()
	// The runner's fallback responses carry no id of their own.
	runner := &fakeRunner{events: []domain.Event{
		domain.AgentResponseEvent{Content: "Sorry, something went wrong. Please try again."},
	}}
	svc := newTestService(t, store, runner, Options{})

	events := drain(t, svc.Run(context.Background(), RunInput{
		UserID: "u1", Question: "hi",
	}))

	start := events[0].(domain.StartEvent)
	resp := events[1].(domain.AgentResponseEvent)
	require.Equal(t, start.MessageID, resp.MessageID)

	// The text is persisted under that same id.
	require.Equal(t, start.MessageID, store.appended[1].MessageID)
}

func TestRun_LongQuestionTruncatedInTitleAndPreview(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	svc := newTestService(t, store, runner, Options{})

	question := strings.Repeat("q", 200)
	drain(t, svc.Run(context.Background(), RunInput{UserID: "u1", Question: question}))

	title := store.chats["u1|chat-new"].Title
	require.Equal(t, strings.Repeat("q", 50)+"...", title)
	require.Equal(t, strings.Repeat("q", 160), store.previews[0])
}

func TestRun_UnknownChatRejectedBeforeStart(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, &fakeRunner{}, Options{})

	events := drain(t, svc.Run(context.Background(), RunInput{
		UserID: "u1", Question: "hi", ChatID: "ghost",
	}))

	require.Len(t, events, 1)
	errEv, ok := events[0].(domain.ErrorEvent)
	require.True(t, ok)
	require.Contains(t, errEv.Message, "does not exist")
	require.Empty(t, store.appended)
}

func TestRun_ExistingChatAndSession(t *testing.T) {
	store := newFakeStore()
	store.chats["u1|chat-1"] = domain.Chat{ChatID: "chat-1", UserID: "u1"}
	store.history = []domain.Message{
		{Role: domain.RoleUser, Content: "earlier question"},
		{Role: domain.RoleAssistant, Content: "earlier answer"},
	}
	runner := &fakeRunner{events: []domain.Event{
		domain.AgentResponseEvent{Content: "followup answer"},
	}}
	svc := newTestService(t, store, runner, Options{})

	events := drain(t, svc.Run(context.Background(), RunInput{
		UserID: "u1", Question: "and then?", ChatID: "chat-1", SessionID: "sess-9",
	}))

	start := events[0].(domain.StartEvent)
	require.Equal(t, "chat-1", start.ChatID)
	require.Equal(t, "sess-9", start.SessionID)

	// Prior history reached the runner; the prompt itself is not in it.
	require.Len(t, runner.turn.History, 2)
	require.Equal(t, "and then?", runner.turn.Prompt)
	require.Equal(t, []string{"sess-9"}, store.touched)
}

func TestRun_RunnerErrorStopsStream(t *testing.T) {
	store := newFakeStore()
	store.chats["u1|chat-1"] = domain.Chat{ChatID: "chat-1", UserID: "u1"}
	runner := &fakeRunner{events: []domain.Event{
		domain.AgentResponseEvent{Content: "partial"},
		domain.ErrorEvent{Message: "time limit of 2m0s reached"},
	}}
	svc := newTestService(t, store, runner, Options{})

	events := drain(t, svc.Run(context.Background(), RunInput{
		UserID: "u1", Question: "hi", ChatID: "chat-1", SessionID: "sess-1",
	}))

	last := events[len(events)-1]
	_, isErr := last.(domain.ErrorEvent)
	require.True(t, isErr)

	// No assistant message persisted, only the user's.
	require.Len(t, store.appended, 1)
	require.Equal(t, domain.RoleUser, store.appended[0].Role)
}

func TestRun_EmptyAnswerSkipsAssistantPersist(t *testing.T) {
	store := newFakeStore()
	store.chats["u1|chat-1"] = domain.Chat{ChatID: "chat-1", UserID: "u1"}
	runner := &fakeRunner{}
	svc := newTestService(t, store, runner, Options{})

	events := drain(t, svc.Run(context.Background(), RunInput{
		UserID: "u1", Question: "hi", ChatID: "chat-1", SessionID: "sess-1",
	}))

	end, ok := events[len(events)-1].(domain.EndEvent)
	require.True(t, ok)
	require.Empty(t, end.FullText)
	require.Len(t, store.appended, 1)
}

func TestRun_MessageTTLApplied(t *testing.T) {
	store := newFakeStore()
	store.chats["u1|chat-1"] = domain.Chat{ChatID: "chat-1", UserID: "u1"}
	svc := newTestService(t, store, &fakeRunner{}, Options{MessageTTL: time.Hour})

	drain(t, svc.Run(context.Background(), RunInput{
		UserID: "u1", Question: "hi", ChatID: "chat-1", SessionID: "sess-1",
	}))

	require.Len(t, store.appended, 1)
	require.Greater(t, store.appended[0].TTL, time.Now().Unix())
}

func TestStartManagedSession_EndsOwnOrphansOnly(t *testing.T) {
	store := newFakeStore()
	store.active = []domain.Session{
		{SessionID: "mine-1", ChatID: "chat-1", UserID: "u1", Status: domain.SessionActive},
		{SessionID: "theirs", ChatID: "chat-1", UserID: "u2", Status: domain.SessionActive},
		{SessionID: "mine-2", ChatID: "chat-1", UserID: "u1", Status: domain.SessionActive},
	}
	svc := newTestService(t, store, &fakeRunner{}, Options{})

	sess, err := svc.StartManagedSession(context.Background(), "u1", "chat-1")
	require.NoError(t, err)
	require.Equal(t, "sess-new", sess.SessionID)
	require.Equal(t, []string{"mine-1", "mine-2"}, store.ended)
}

func TestRun_TouchFailureYieldsErrorBeforeStart(t *testing.T) {
	store := newFakeStore()
	store.chats["u1|chat-1"] = domain.Chat{ChatID: "chat-1", UserID: "u1"}
	store.touchErr = errors.New("conditional check failed")
	svc := newTestService(t, store, &fakeRunner{}, Options{})

	events := drain(t, svc.Run(context.Background(), RunInput{
		UserID: "u1", Question: "hi", ChatID: "chat-1", SessionID: "gone",
	}))

	require.Len(t, events, 1)
	_, isErr := events[0].(domain.ErrorEvent)
	require.True(t, isErr)
}

func TestUpdateChatTitle_Validation(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeRunner{}, Options{})

	err := svc.UpdateChatTitle(context.Background(), "u1", "chat-1", "")
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrorInvalidInput, cerr.Code)
}

func TestUpdateChatTitle_NotFoundMapped(t *testing.T) {
	store := newFakeStore()
	store.titleErr = repository.ErrChatNotFound
	svc := newTestService(t, store, &fakeRunner{}, Options{})

	err := svc.UpdateChatTitle(context.Background(), "u1", "ghost", "new title")
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrorNotFound, cerr.Code)
}

func TestSaveFeedback_RatingBounds(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeRunner{}, Options{})

	for _, rating := range []int{0, 6, -1} {
		_, err := svc.SaveFeedback(context.Background(), "u1", "chat-1", rating, "")
		var cerr *Error
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, ErrorInvalidInput, cerr.Code)
	}
}

type recordingTracer struct {
	tracing.Tracer
	scores []float64
}

func (r *recordingTracer) Score(_, _ string, value float64) {
	r.scores = append(r.scores, value)
}

func TestSaveFeedback_ScoresTrace(t *testing.T) {
	tracer := &recordingTracer{Tracer: tracing.Noop()}
	svc := newTestService(t, newFakeStore(), &fakeRunner{}, Options{Tracer: tracer})

	saved, err := svc.SaveFeedback(context.Background(), "u1", "chat-1", 4, "good")
	require.NoError(t, err)
	require.True(t, saved.Locked)
	require.Equal(t, []float64{4}, tracer.scores)
}

func TestSaveFeedback_LockedMapped(t *testing.T) {
	store := newFakeStore()
	store.feedbackErr = repository.ErrFeedbackLocked
	svc := newTestService(t, store, &fakeRunner{}, Options{})

	_, err := svc.SaveFeedback(context.Background(), "u1", "chat-1", 4, "good")
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrorLocked, cerr.Code)
}
