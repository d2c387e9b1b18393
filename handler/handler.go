// Package handler adapts the WhatsApp webhook to API Gateway proxy events
// for the Lambda deployment.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"chat-agent/internal/logging"
	"chat-agent/internal/whatsapp"
)

// WebhookService consumes flattened webhook payloads. Satisfied by
// *whatsapp.Service.
type WebhookService interface {
	ProcessWebhook(ctx context.Context, payload *whatsapp.WebhookPayload)
}

// TokenVerifier checks the webhook registration token. Satisfied by
// *whatsapp.Client.
type TokenVerifier interface {
	VerifyWebhookToken(token string) bool
}

// Handler serves the webhook verification handshake and deliveries.
type Handler struct {
	svc      WebhookService
	verifier TokenVerifier
	log      *logging.Logger
}

// NewHandler validates dependencies and builds a Handler.
func NewHandler(svc WebhookService, verifier TokenVerifier, log *logging.Logger) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: webhook service must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: token verifier must not be nil")
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{svc: svc, verifier: verifier, log: log.Sub("handler")}, nil
}

// Handle dispatches one API Gateway event. GET is Meta's verification
// handshake; POST is a delivery, processed before the 200 is returned since
// nothing may outlive the invocation.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	switch req.HTTPMethod {
	case http.MethodGet:
		return h.verify(req), nil
	case http.MethodPost:
		return h.receive(ctx, req), nil
	default:
		return textResponse(http.StatusMethodNotAllowed, "method not allowed"), nil
	}
}

func (h *Handler) verify(req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	mode := req.QueryStringParameters["hub.mode"]
	token := req.QueryStringParameters["hub.verify_token"]
	challenge := req.QueryStringParameters["hub.challenge"]

	if mode != "subscribe" || !h.verifier.VerifyWebhookToken(token) {
		h.log.Warn().Str("mode", mode).Msg("webhook verification rejected")
		return textResponse(http.StatusForbidden, "verification failed")
	}
	return textResponse(http.StatusOK, challenge)
}

func (h *Handler) receive(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	ok := jsonResponse(http.StatusOK, map[string]string{"status": "ok"})

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
		h.log.Warn().Err(err).Msg("ignoring malformed webhook payload")
		return ok
	}
	if payload.Object != "whatsapp_business_account" {
		h.log.Debug().Str("object", payload.Object).Msg("ignoring non-account webhook")
		return ok
	}

	h.svc.ProcessWebhook(ctx, &payload)
	return ok
}

func textResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       body,
	}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	raw, _ := json.Marshal(v)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(raw),
	}
}
