// Package server exposes the conversation service over HTTP: a REST surface
// for chats, sessions and feedback, the Meta webhook endpoints, and a
// WebSocket for streaming turns.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"chat-agent/internal/chat"
	"chat-agent/internal/domain"
	"chat-agent/internal/logging"
	"chat-agent/internal/whatsapp"
)

// ChatAPI is the conversation surface the server exposes. Satisfied by
// *chat.Service.
type ChatAPI interface {
	Run(ctx context.Context, in chat.RunInput) <-chan domain.Event
	EndSession(ctx context.Context, userID, sessionID string) error
	ListChats(ctx context.Context, userID string, limit int32, cursor string) ([]domain.Chat, string, error)
	History(ctx context.Context, chatID string, limit int32, cursor string) ([]domain.Message, string, error)
	UserMessages(ctx context.Context, userID string, limit int32, cursor string) ([]domain.Message, string, error)
	UpdateChatTitle(ctx context.Context, userID, chatID, newTitle string) error
	ListSessions(ctx context.Context, chatID string, limit int32, cursor string) ([]domain.Session, string, error)
	SaveFeedback(ctx context.Context, userID, chatID string, rating int, comment string) (domain.Chat, error)
}

// WebhookProcessor handles flattened WhatsApp payloads. Satisfied by
// *whatsapp.Service.
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload *whatsapp.WebhookPayload)
}

// TokenVerifier checks the webhook registration token. Satisfied by
// *whatsapp.Client.
type TokenVerifier interface {
	VerifyWebhookToken(token string) bool
}

// Config tunes the HTTP server.
type Config struct {
	Addr string

	// WebhookTimeout bounds background processing of one webhook
	// delivery.
	WebhookTimeout time.Duration
}

// Server wires the handlers and owns the listener lifecycle.
type Server struct {
	cfg      Config
	svc      ChatAPI
	channel  WebhookProcessor
	verifier TokenVerifier
	log      *logging.Logger
	httpSrv  *http.Server
}

// New creates a Server. channel and verifier may be nil when the WhatsApp
// channel is disabled; the webhook endpoints then answer 404.
func New(cfg Config, svc ChatAPI, channel WebhookProcessor, verifier TokenVerifier, log *logging.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: chat service must not be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 5 * time.Minute
	}
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		channel:  channel,
		verifier: verifier,
		log:      log.Sub("server"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("GET /api/chats/{chat_id}/messages", s.handleGetMessages)
	mux.HandleFunc("GET /api/chats/{chat_id}/sessions", s.handleListSessions)
	mux.HandleFunc("PATCH /api/chats/{chat_id}/title", s.handleUpdateTitle)
	mux.HandleFunc("POST /api/chats/{chat_id}/feedback", s.handleSaveFeedback)
	mux.HandleFunc("GET /api/users/{user_id}/messages", s.handleUserMessages)
	mux.HandleFunc("DELETE /api/sessions/{session_id}", s.handleEndSession)
	mux.HandleFunc("GET /ws/chat/completions", s.handleWebsocket)

	if s.channel != nil && s.verifier != nil {
		mux.HandleFunc("GET /webhook/whatsapp", s.handleWebhookVerify)
		mux.HandleFunc("POST /webhook/whatsapp", s.handleWebhookReceive)
	}
	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps service error codes onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var cerr *chat.Error
	if errors.As(err, &cerr) {
		status := http.StatusInternalServerError
		switch cerr.Code {
		case chat.ErrorInvalidInput:
			status = http.StatusBadRequest
		case chat.ErrorNotFound:
			status = http.StatusNotFound
		case chat.ErrorLocked:
			status = http.StatusConflict
		}
		writeJSON(w, status, errorResponse{Error: cerr.Reason, Code: string(cerr.Code)})
		return
	}
	s.log.Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

// pagination reads limit and cursor query parameters.
func pagination(r *http.Request, defaultLimit int32) (int32, string) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 32); err == nil && n > 0 {
			limit = int32(n)
		}
	}
	return limit, r.URL.Query().Get("cursor")
}
