// Package whatsapp is the WhatsApp channel: a thin Meta Cloud API client,
// the webhook payload model, and the bridge that feeds inbound messages
// through the conversation service.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chat-agent/internal/logging"
)

const defaultAPIBase = "https://graph.facebook.com/v18.0"

// ClientConfig carries the Meta Business credentials. A config without
// PhoneNumberID or AccessToken yields a disabled client whose send methods
// are silent no-ops, so the rest of the system runs without the channel.
type ClientConfig struct {
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	APIBase       string
}

// Client talks to the Meta WhatsApp Cloud API.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	enabled    bool
	log        *logging.Logger
}

// NewClient creates a Client. Missing credentials disable it rather than
// erroring; the caller can check Enabled.
func NewClient(cfg ClientConfig, httpClient *http.Client, log *logging.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logging.Nop()
	}
	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		enabled:    cfg.PhoneNumberID != "" && cfg.AccessToken != "",
		log:        log.Sub("whatsapp"),
	}
	if !c.enabled {
		c.log.Warn().Msg("channel disabled, phone number id or access token missing")
	}
	return c
}

// Enabled reports whether the client has credentials to send.
func (c *Client) Enabled() bool { return c.enabled }

// VerifyWebhookToken checks the token Meta echoes during webhook
// registration.
func (c *Client) VerifyWebhookToken(token string) bool {
	if c.cfg.VerifyToken == "" {
		c.log.Warn().Msg("verify token not configured")
		return false
	}
	return token == c.cfg.VerifyToken
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	if !c.enabled {
		c.log.Warn().Str("to", to).Msg("channel disabled, message not sent")
		return nil
	}
	return c.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text": map[string]any{
			"preview_url": false,
			"body":        text,
		},
	})
}

// TemplateComponent is one dynamic section of an approved template.
type TemplateComponent struct {
	Type       string           `json:"type"`
	Parameters []map[string]any `json:"parameters,omitempty"`
}

// SendTemplate delivers a pre-approved template message.
func (c *Client) SendTemplate(ctx context.Context, to, templateName, languageCode string, components []TemplateComponent) error {
	if !c.enabled {
		c.log.Warn().Str("to", to).Msg("channel disabled, template not sent")
		return nil
	}
	if languageCode == "" {
		languageCode = "en_US"
	}
	template := map[string]any{
		"name":     templateName,
		"language": map[string]any{"code": languageCode},
	}
	if len(components) > 0 {
		template["components"] = components
	}
	return c.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "template",
		"template":          template,
	})
}

// MarkAsRead flags an inbound message as read, which shows the sender the
// blue ticks.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	if !c.enabled {
		return nil
	}
	return c.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	})
}

func (c *Client) messagesURL() string {
	return strings.TrimRight(c.cfg.APIBase, "/") + "/" + c.cfg.PhoneNumberID + "/messages"
}

func (c *Client) send(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal payload: %w", err)
	}

	url := c.messagesURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		c.log.Error().Int("status", res.StatusCode).Str("body", string(buf)).Msg("cloud api rejected request")
		return fmt.Errorf("whatsapp: unexpected status %d from %s", res.StatusCode, url)
	}

	c.log.Debug().Msg("cloud api request delivered")
	return nil
}
