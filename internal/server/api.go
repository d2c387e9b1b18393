package server

import (
	"encoding/json"
	"net/http"

	"chat-agent/internal/domain"
)

const (
	defaultChatLimit    int32 = 50
	defaultMessageLimit int32 = 100
	defaultSessionLimit int32 = 50
)

type chatListResponse struct {
	Items      []domain.Chat `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type messageListResponse struct {
	Items      []domain.Message `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type sessionListResponse struct {
	Items      []domain.Session `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	limit, cursor := pagination(r, defaultChatLimit)
	chats, next, err := s.svc.ListChats(r.Context(), userID, limit, cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	writeJSON(w, http.StatusOK, chatListResponse{Items: chats, NextCursor: next})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	limit, cursor := pagination(r, defaultMessageLimit)
	msgs, next, err := s.svc.History(r.Context(), chatID, limit, cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, messageListResponse{Items: msgs, NextCursor: next})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	limit, cursor := pagination(r, defaultSessionLimit)
	sessions, next, err := s.svc.ListSessions(r.Context(), chatID, limit, cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Items: sessions, NextCursor: next})
}

func (s *Server) handleUserMessages(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	limit, cursor := pagination(r, defaultMessageLimit)
	msgs, next, err := s.svc.UserMessages(r.Context(), userID, limit, cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, messageListResponse{Items: msgs, NextCursor: next})
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	var req updateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := s.svc.UpdateChatTitle(r.Context(), userID, r.PathValue("chat_id"), req.Title); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type saveFeedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (s *Server) handleSaveFeedback(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	var req saveFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	chat, err := s.svc.SaveFeedback(r.Context(), userID, r.PathValue("chat_id"), req.Rating, req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	if err := s.svc.EndSession(r.Context(), userID, r.PathValue("session_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
