package server

import (
	"context"
	"encoding/json"
	"net/http"

	"chat-agent/internal/whatsapp"
)

// handleWebhookVerify answers Meta's one-time webhook registration
// challenge.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || !s.verifier.VerifyWebhookToken(token) {
		s.log.Warn().Str("mode", mode).Msg("webhook verification rejected")
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	s.log.Info().Msg("webhook verified")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhookReceive acknowledges deliveries immediately and processes
// them in the background. Meta retries deliveries that do not get a 200, so
// malformed payloads are acknowledged too.
func (s *Server) handleWebhookReceive(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	var payload whatsapp.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.log.Warn().Err(err).Msg("ignoring malformed webhook payload")
		return
	}
	if payload.Object != "whatsapp_business_account" {
		s.log.Debug().Str("object", payload.Object).Msg("ignoring non-account webhook")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout)
		defer cancel()
		s.channel.ProcessWebhook(ctx, &payload)
	}()
}
