package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chat-agent/internal/chat"
	"chat-agent/internal/domain"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API carries no cookies, so cross-origin upgrades are safe.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsAskRequest struct {
	UserID    string `json:"user_id"`
	Question  string `json:"question"`
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"`
}

type wsControlFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// handleWebsocket streams turns over one connection. The client sends ask
// requests and receives the full event stream for each; the session opened
// by the last turn is ended when the connection drops.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsControlFrame{Type: "connected"}); err != nil {
		return
	}

	var lastUserID, lastSessionID string
	defer func() {
		if lastSessionID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.svc.EndSession(ctx, lastUserID, lastSessionID); err != nil {
			s.log.Warn().Err(err).Str("session_id", lastSessionID).Msg("failed to end session on disconnect")
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		var req wsAskRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			if werr := conn.WriteJSON(wsControlFrame{Type: "error", Message: "invalid request"}); werr != nil {
				return
			}
			continue
		}
		if req.UserID == "" || req.Question == "" {
			if werr := conn.WriteJSON(wsControlFrame{Type: "error", Message: "user_id and question are required"}); werr != nil {
				return
			}
			continue
		}

		events := s.svc.Run(r.Context(), chat.RunInput{
			UserID:    req.UserID,
			Question:  req.Question,
			ChatID:    req.ChatID,
			SessionID: req.SessionID,
		})
		for ev := range events {
			if start, ok := ev.(domain.StartEvent); ok {
				lastUserID = req.UserID
				lastSessionID = start.SessionID
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Warn().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}
