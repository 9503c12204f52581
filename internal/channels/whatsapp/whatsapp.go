// Package whatsapp speaks the WhatsApp Cloud API: webhook parsing and
// verification on the way in, message payloads on the way out.
package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/channels"
)

// Provider limits.
const (
	MaxTextLength       = 4096
	truncatedTextLength = 4090
	MaxButtons          = 3
	MaxButtonTitle      = 20
	MaxBodyLength       = 1024
	MaxHeaderLength     = 60
	MaxListRows         = 10
	MaxRowTitle         = 24
	MaxRowDescription   = 72
	MaxSectionTitle     = 24
)

// SignatureHeader carries the HMAC of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

var ErrButtonCount = errors.New("whatsapp buttons: 1-3 required")

// WebhookBody is the envelope Meta posts.
type WebhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Contacts         []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []IncomingMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// IncomingMessage is one message of a webhook.
type IncomingMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *reply `json:"button_reply,omitempty"`
		ListReply   *reply `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
}

type reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageText extracts what the user typed or tapped. Quick replies
// return the button id so the orchestrator sees the command it offered.
func MessageText(m IncomingMessage) string {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body
		}
	case "interactive":
		if m.Interactive == nil {
			return ""
		}
		for _, r := range []*reply{m.Interactive.ButtonReply, m.Interactive.ListReply} {
			if r == nil {
				continue
			}
			if r.ID != "" {
				return r.ID
			}
			return r.Title
		}
	case "button":
		if m.Button != nil {
			if m.Button.Text != "" {
				return m.Button.Text
			}
			return m.Button.Payload
		}
	}
	return ""
}

// ParseMessages returns the text messages of a webhook body. Media and
// status callbacks are skipped.
func ParseMessages(body []byte) ([]channels.Inbound, error) {
	var wb WebhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("decode whatsapp webhook: %w", err)
	}
	var out []channels.Inbound
	for _, e := range wb.Entry {
		for _, c := range e.Changes {
			names := make(map[string]string, len(c.Value.Contacts))
			for _, ct := range c.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range c.Value.Messages {
				text := MessageText(m)
				if text == "" {
					continue
				}
				name := names[m.From]
				if name == "" {
					name = m.From
				}
				out = append(out, channels.Inbound{
					Channel:   channels.WhatsApp,
					From:      m.From,
					Name:      name,
					MessageID: m.ID,
					Text:      text,
					At:        parseTimestamp(m.Timestamp),
				})
			}
		}
	}
	return out, nil
}

func parseTimestamp(s string) time.Time {
	var sec int64
	if _, err := fmt.Sscan(s, &sec); err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// VerifySignature checks the sha256=<hex> HMAC of body. Without a secret
// every request is rejected.
func VerifySignature(body []byte, header, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge answers the subscription handshake.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if verifyToken == "" || mode != "subscribe" || !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", false
	}
	return challenge, true
}

// Payload is an outbound Cloud API message.
type Payload struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *TextBody    `json:"text,omitempty"`
	Interactive      *Interactive `json:"interactive,omitempty"`
}

type TextBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type Interactive struct {
	Type   string      `json:"type"`
	Header *TextHeader `json:"header,omitempty"`
	Body   struct {
		Text string `json:"text"`
	} `json:"body"`
	Action Action `json:"action"`
}

type TextHeader struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Action struct {
	Buttons  []ReplyButton `json:"buttons,omitempty"`
	Button   string        `json:"button,omitempty"`
	Sections []Section     `json:"sections,omitempty"`
}

type ReplyButton struct {
	Type  string `json:"type"`
	Reply reply  `json:"reply"`
}

type Section struct {
	Title string `json:"title"`
	Rows  []Row  `json:"rows"`
}

type Row struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func base(to, kind string) Payload {
	return Payload{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: kind}
}

// TextPayload builds a plain text message, truncated to the provider limit.
func TextPayload(to, text string) Payload {
	if len([]rune(text)) > MaxTextLength {
		text = channels.Truncate(text, truncatedTextLength) + "..."
	}
	p := base(to, "text")
	p.Text = &TextBody{Body: text}
	return p
}

// ButtonsPayload builds a reply-button message with one to three buttons.
func ButtonsPayload(to, body string, buttons []channels.Button) (Payload, error) {
	if len(buttons) == 0 || len(buttons) > MaxButtons {
		return Payload{}, ErrButtonCount
	}
	in := &Interactive{Type: "button"}
	in.Body.Text = channels.Truncate(body, MaxBodyLength)
	for _, b := range buttons {
		in.Action.Buttons = append(in.Action.Buttons, ReplyButton{
			Type:  "reply",
			Reply: reply{ID: b.ID, Title: channels.Truncate(b.Title, MaxButtonTitle)},
		})
	}
	p := base(to, "interactive")
	p.Interactive = in
	return p, nil
}

// ListPayload builds a list message. Rows beyond ten per section are
// dropped.
func ListPayload(to, header, body, button string, sections []Section) Payload {
	in := &Interactive{Type: "list"}
	if header != "" {
		in.Header = &TextHeader{Type: "text", Text: channels.Truncate(header, MaxHeaderLength)}
	}
	in.Body.Text = channels.Truncate(body, MaxBodyLength)
	in.Action.Button = channels.Truncate(button, MaxButtonTitle)
	for _, s := range sections {
		out := Section{Title: channels.Truncate(s.Title, MaxSectionTitle)}
		for i, r := range s.Rows {
			if i == MaxListRows {
				break
			}
			out.Rows = append(out.Rows, Row{
				ID:          r.ID,
				Title:       channels.Truncate(r.Title, MaxRowTitle),
				Description: channels.Truncate(r.Description, MaxRowDescription),
			})
		}
		in.Action.Sections = append(in.Action.Sections, out)
	}
	p := base(to, "interactive")
	p.Interactive = in
	return p
}

// PricingList renders quotes as a tappable list; each row id selects the
// option in the next message.
func PricingList(to string, options []agent.PricingOption) Payload {
	rows := make([]Row, 0, len(options))
	for i, o := range options {
		desc := o.Service
		if o.DeliveryDaysMax > 0 {
			desc = fmt.Sprintf("%s · %d-%d giorni", o.Service, o.DeliveryDaysMin, o.DeliveryDaysMax)
		}
		if o.Recommended {
			desc = "⭐ " + desc
		}
		rows = append(rows, Row{
			ID:          fmt.Sprintf("opzione %d", i+1),
			Title:       fmt.Sprintf("%s €%.2f", o.Carrier, o.Price),
			Description: desc,
		})
	}
	body := fmt.Sprintf("💰 Ho trovato %d opzioni di spedizione. Scegli quella che preferisci.", len(options))
	return ListPayload(to, "Preventivo Spedizione", body, "Vedi opzioni", []Section{{Title: "Corrieri", Rows: rows}})
}

// Build picks the richest payload msg allows.
func Build(msg channels.Outbound) Payload {
	if len(msg.Options) > 0 {
		return PricingList(msg.To, msg.Options)
	}
	if len(msg.Buttons) > 0 {
		if p, err := ButtonsPayload(msg.To, msg.Text, msg.Buttons); err == nil {
			return p
		}
	}
	return TextPayload(msg.To, msg.Text)
}
