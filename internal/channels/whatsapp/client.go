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

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/retry"
)

// DefaultBaseURL is the Graph API root.
const DefaultBaseURL = "https://graph.facebook.com"

// Client posts messages to the Cloud API. One Send is one attempt;
// retries belong to the delivery queue.
type Client struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	token         string
	http          *http.Client
}

func NewClient(phoneNumberID, token, apiVersion string) *Client {
	if apiVersion == "" {
		apiVersion = "v21.0"
	}
	return &Client{
		BaseURL:       DefaultBaseURL,
		APIVersion:    apiVersion,
		PhoneNumberID: phoneNumberID,
		token:         token,
		http:          &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(c.BaseURL, "/"), c.APIVersion, c.PhoneNumberID)
}

// Send delivers msg using the richest payload it allows.
func (c *Client) Send(ctx context.Context, msg channels.Outbound) error {
	if c.token == "" || c.PhoneNumberID == "" {
		return retry.Permanent(fmt.Errorf("whatsapp not configured"))
	}
	id, err := c.post(ctx, Build(msg))
	if err != nil {
		return err
	}
	log.Debug().
		Str("trace_id", msg.TraceID).
		Str("to", logging.MaskPhone(msg.To)).
		Str("message_id", id).
		Msg("whatsapp message sent")
	return nil
}

// MarkRead shows the blue ticks. Failures are only logged.
func (c *Client) MarkRead(ctx context.Context, messageID string) {
	body := map[string]string{"messaging_product": "whatsapp", "status": "read", "message_id": messageID}
	if _, err := c.post(ctx, body); err != nil {
		log.Debug().Err(err).Msg("whatsapp mark read failed")
	}
}

func (c *Client) post(ctx context.Context, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("encode whatsapp payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("build whatsapp request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp connection: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 400 {
		detail := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			detail = out.Error.Message
		}
		return "", channels.StatusError("whatsapp", resp.StatusCode, detail)
	}
	if len(out.Messages) > 0 {
		return out.Messages[0].ID, nil
	}
	return "", nil
}
