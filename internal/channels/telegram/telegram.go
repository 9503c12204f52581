// Package telegram adapts the Telegram Bot API: updates in, HTML
// messages with inline keyboards out.
package telegram

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/retry"
)

const (
	MaxTextLength     = 4096
	MaxButtonsPerRow  = 8
	MaxPricingRows    = 3
	DefaultBaseURL    = "https://api.telegram.org"
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// Update is the subset of a Bot API update Anne reads.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
}

// ParseUpdate returns the user message carried by body. ok is false for
// updates without text, such as edits or stickers.
func ParseUpdate(body []byte) (in channels.Inbound, ok bool, err error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return channels.Inbound{}, false, fmt.Errorf("decode telegram update: %w", err)
	}
	id := strconv.FormatInt(u.UpdateID, 10)
	switch {
	case u.CallbackQuery != nil && u.CallbackQuery.Data != "" && u.CallbackQuery.Message != nil:
		cq := u.CallbackQuery
		return channels.Inbound{
			Channel:   channels.Telegram,
			From:      strconv.FormatInt(cq.Message.Chat.ID, 10),
			Name:      displayName(&cq.From),
			MessageID: id,
			Text:      cq.Data,
			At:        time.Now().UTC(),
		}, true, nil
	case u.Message != nil && strings.TrimSpace(u.Message.Text) != "":
		m := u.Message
		return channels.Inbound{
			Channel:   channels.Telegram,
			From:      strconv.FormatInt(m.Chat.ID, 10),
			Name:      displayName(m.From),
			MessageID: id,
			Text:      m.Text,
			At:        time.Unix(m.Date, 0).UTC(),
		}, true, nil
	}
	return channels.Inbound{}, false, nil
}

func displayName(u *User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

// VerifySecret checks the webhook secret header. An unset secret rejects
// everything.
func VerifySecret(header, secret string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1
}

// FormatHTML escapes text for parse_mode HTML and keeps **bold** and
// *italic* markers from the orchestrator's replies.
func FormatHTML(text string) string {
	s := html.EscapeString(text)
	s = convertPairs(s, "**", "<b>", "</b>")
	s = convertPairs(s, "*", "<i>", "</i>")
	return fitLength(s)
}

func convertPairs(s, marker, open, close string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, marker)
		if i < 0 {
			break
		}
		j := strings.Index(s[i+len(marker):], marker)
		if j < 0 {
			break
		}
		inner := s[i+len(marker) : i+len(marker)+j]
		b.WriteString(s[:i])
		b.WriteString(open + inner + close)
		s = s[i+len(marker)+j+len(marker):]
	}
	b.WriteString(s)
	return b.String()
}

// fitLength cuts at the limit without leaving a broken entity or tag.
func fitLength(s string) string {
	if len([]rune(s)) <= MaxTextLength {
		return s
	}
	cut := channels.Truncate(s, MaxTextLength-3)
	if i := strings.LastIndexAny(cut, "&<"); i >= 0 && !strings.ContainsAny(cut[i:], ";>") {
		cut = cut[:i]
	}
	for _, tag := range []string{"b", "i"} {
		if strings.Count(cut, "<"+tag+">") > strings.Count(cut, "</"+tag+">") {
			cut += "</" + tag + ">"
		}
	}
	return cut + "..."
}

// InlineButton is one inline keyboard key.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Keyboard is a reply_markup with inline keys.
type Keyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// ButtonsKeyboard lays buttons out in rows of at most eight.
func ButtonsKeyboard(buttons []channels.Button) *Keyboard {
	if len(buttons) == 0 {
		return nil
	}
	kb := &Keyboard{}
	var row []InlineButton
	for _, b := range buttons {
		row = append(row, InlineButton{Text: b.Title, CallbackData: b.ID})
		if len(row) == MaxButtonsPerRow {
			kb.InlineKeyboard = append(kb.InlineKeyboard, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb.InlineKeyboard = append(kb.InlineKeyboard, row)
	}
	return kb
}

// PricingKeyboard puts one quote per row, best first.
func PricingKeyboard(options []agent.PricingOption) *Keyboard {
	kb := &Keyboard{}
	for i, o := range options {
		if i == MaxPricingRows {
			break
		}
		label := fmt.Sprintf("%s %s · €%.2f", o.Carrier, o.Service, o.Price)
		kb.InlineKeyboard = append(kb.InlineKeyboard, []InlineButton{{Text: label, CallbackData: fmt.Sprintf("opzione %d", i+1)}})
	}
	if len(kb.InlineKeyboard) == 0 {
		return nil
	}
	return kb
}

// SendMessage is the sendMessage request body.
type SendMessage struct {
	ChatID      string    `json:"chat_id"`
	Text        string    `json:"text"`
	ParseMode   string    `json:"parse_mode"`
	ReplyMarkup *Keyboard `json:"reply_markup,omitempty"`
}

// Build renders msg as a sendMessage request.
func Build(msg channels.Outbound) SendMessage {
	out := SendMessage{ChatID: msg.To, Text: FormatHTML(msg.Text), ParseMode: "HTML"}
	if len(msg.Options) > 0 {
		out.ReplyMarkup = PricingKeyboard(msg.Options)
	} else {
		out.ReplyMarkup = ButtonsKeyboard(msg.Buttons)
	}
	return out
}

// Client calls the Bot API. One Send is one attempt.
type Client struct {
	BaseURL string
	token   string
	http    *http.Client
}

func NewClient(token string) *Client {
	return &Client{BaseURL: DefaultBaseURL, token: token, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) Send(ctx context.Context, msg channels.Outbound) error {
	if c.token == "" {
		return retry.Permanent(fmt.Errorf("telegram bot token not configured"))
	}
	body, err := json.Marshal(Build(msg))
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode telegram message: %w", err))
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(c.BaseURL, "/"), c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build telegram request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL embeds the token; never surface it.
		return fmt.Errorf("telegram connection failed: %s", strings.ReplaceAll(err.Error(), c.token, "***"))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 400 || !out.OK {
		detail := out.Description
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusBadRequest
		}
		return channels.StatusError("telegram", status, detail)
	}
	log.Debug().Str("trace_id", msg.TraceID).Msg("telegram message sent")
	return nil
}
