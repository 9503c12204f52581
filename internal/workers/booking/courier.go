package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/retry"
)

// Shipment is what the courier adapter receives.
type Shipment struct {
	IdempotencyKey string              `json:"idempotencyKey"`
	UserID         string              `json:"userId"`
	WorkspaceID    string              `json:"workspaceId,omitempty"`
	Draft          draft.Draft         `json:"draft"`
	Option         agent.PricingOption `json:"option"`
}

// Label is a created shipment.
type Label struct {
	ShipmentID     string `json:"shipmentId"`
	TrackingNumber string `json:"trackingNumber"`
	LabelURL       string `json:"labelUrl,omitempty"`
}

// Courier creates shipments. Implementations must honour the idempotency
// key so a retried call never creates a second shipment.
type Courier interface {
	CreateShipment(ctx context.Context, s Shipment) (Label, error)
}

// CreditChecker reports whether the paying user can afford amount.
type CreditChecker interface {
	HasCredit(ctx context.Context, userID string, amount float64) (bool, error)
}

// HTTPCourier calls a courier gateway over HTTP.
type HTTPCourier struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   retry.Config
}

// NewHTTPCourier returns a courier posting to baseURL/shipments.
func NewHTTPCourier(baseURL, apiKey string, timeout time.Duration) *HTTPCourier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCourier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		retry:   retry.DefaultConfig(),
	}
}

func (c *HTTPCourier) CreateShipment(ctx context.Context, s Shipment) (Label, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return Label{}, retry.Permanent(fmt.Errorf("encode shipment: %w", err))
	}

	var label Label
	logger := logging.NewTraceLogger(logging.WithTrace(s.IdempotencyKey), "courier.create")
	res := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		l, err := c.post(ctx, body, s.IdempotencyKey)
		if err != nil {
			if !Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		label = l
		return nil
	}, logger)
	if !res.Success {
		return Label{}, res.LastError
	}
	if label.TrackingNumber == "" {
		return Label{}, ErrNoTracking
	}
	return label, nil
}

func (c *HTTPCourier) post(ctx context.Context, body []byte, key string) (Label, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/shipments", bytes.NewReader(body))
	if err != nil {
		return Label{}, fmt.Errorf("build courier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Label{}, fmt.Errorf("courier connection: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Label{}, fmt.Errorf("courier rate limit (429)")
	case resp.StatusCode == http.StatusConflict:
		return Label{}, fmt.Errorf("courier duplicate booking: %s", snippet(raw))
	case resp.StatusCode == http.StatusPaymentRequired:
		return Label{}, fmt.Errorf("courier insufficient credit")
	case resp.StatusCode >= 500:
		return Label{}, fmt.Errorf("courier service unavailable (%d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Label{}, fmt.Errorf("courier invalid data (%d): %s", resp.StatusCode, snippet(raw))
	}

	var label Label
	if err := json.Unmarshal(raw, &label); err != nil {
		return Label{}, fmt.Errorf("carrier returned a malformed response: %w", err)
	}
	return label, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
