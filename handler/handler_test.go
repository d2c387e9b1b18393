package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-agent/internal/whatsapp"
)

type stubService struct {
	payloads []*whatsapp.WebhookPayload
}

func (s *stubService) ProcessWebhook(_ context.Context, p *whatsapp.WebhookPayload) {
	s.payloads = append(s.payloads, p)
}

type stubVerifier struct{ token string }

func (s *stubVerifier) VerifyWebhookToken(token string) bool {
	return s.token != "" && token == s.token
}

func newHandler(t *testing.T, svc *stubService, verifier *stubVerifier) *Handler {
	t.Helper()
	h, err := NewHandler(svc, verifier, nil)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubVerifier{}, nil)
	require.Error(t, err)

	_, err = NewHandler(&stubService{}, nil, nil)
	require.Error(t, err)
}

func TestHandle_Verify_HappyPath(t *testing.T) {
	h := newHandler(t, &stubService{}, &stubVerifier{token: "secret"})

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		QueryStringParameters: map[string]string{
			"hub.mode":         "subscribe",
			"hub.verify_token": "secret",
			"hub.challenge":    "42",
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "42", resp.Body)
}

func TestHandle_Verify_RejectsBadToken(t *testing.T) {
	h := newHandler(t, &stubService{}, &stubVerifier{token: "secret"})

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		QueryStringParameters: map[string]string{
			"hub.mode":         "subscribe",
			"hub.verify_token": "wrong",
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandle_Receive_HappyPath(t *testing.T) {
	svc := &stubService{}
	h := newHandler(t, svc, &stubVerifier{token: "secret"})

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Body:       `{"object":"whatsapp_business_account","entry":[]}`,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, resp.Body)
	require.Len(t, svc.payloads, 1)
}

func TestHandle_Receive_IgnoresOtherObjects(t *testing.T) {
	svc := &stubService{}
	h := newHandler(t, svc, &stubVerifier{token: "secret"})

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Body:       `{"object":"page"}`,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, svc.payloads)
}

func TestHandle_Receive_MalformedStillAcknowledged(t *testing.T) {
	svc := &stubService{}
	h := newHandler(t, svc, &stubVerifier{token: "secret"})

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Body:       "not-json",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, svc.payloads)
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	h := newHandler(t, &stubService{}, &stubVerifier{token: "secret"})

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodDelete})
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
