package whatsapp

// Webhook payload shapes for the Meta WhatsApp Cloud API. Only the fields
// the channel consumes are modeled.

type Profile struct {
	Name string `json:"name"`
}

type Contact struct {
	Profile Profile `json:"profile"`
	WaID    string  `json:"wa_id"`
}

type TextBody struct {
	Body string `json:"body"`
}

type Message struct {
	From      string    `json:"from"`
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *TextBody `json:"text,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
}

type Change struct {
	Value ChangeValue `json:"value"`
	Field string      `json:"field"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// WebhookPayload is the body Meta posts to the webhook endpoint.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// InboundMessage is one message flattened out of a webhook payload, with the
// sender's profile name resolved from the contacts block.
type InboundMessage struct {
	Phone         string
	Name          string
	MessageID     string
	Text          string
	Type          string
	Timestamp     string
	PhoneNumberID string
}

// Messages flattens every message in the payload. Changes for fields other
// than "messages" (delivery statuses and the like) are skipped.
func (p *WebhookPayload) Messages() []InboundMessage {
	var out []InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				in := InboundMessage{
					Phone:         msg.From,
					Name:          names[msg.From],
					MessageID:     msg.ID,
					Type:          msg.Type,
					Timestamp:     msg.Timestamp,
					PhoneNumberID: change.Value.Metadata.PhoneNumberID,
				}
				if in.Name == "" {
					in.Name = "Unknown"
				}
				if msg.Text != nil {
					in.Text = msg.Text.Body
				}
				out = append(out, in)
			}
		}
	}
	return out
}
