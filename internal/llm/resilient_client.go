package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/retry"
)

// Request is one model call.
type Request struct {
	TraceID string
	Prompt  string
	Image   []byte
	MIME    string
	Timeout time.Duration
}

// Response reports how the call went.
type Response struct {
	Text          string
	Attempts      int
	TotalDuration time.Duration
	Reasons       []string
	JSONRepaired  bool
}

// ResilientClient retries a Client with backoff and repairs JSON replies.
type ResilientClient struct {
	client Client
	cfg    retry.Config
}

// NewResilientClient wraps client; a zero cfg uses retry.LLMConfig.
func NewResilientClient(client Client, cfg retry.Config) *ResilientClient {
	if cfg.MaxRetries == 0 && cfg.BaseDelay == 0 {
		cfg = retry.LLMConfig()
	}
	return &ResilientClient{client: client, cfg: cfg}
}

// Generate calls the model with retries. Non transient errors stop early.
func (rc *ResilientClient) Generate(ctx context.Context, req Request) (Response, error) {
	if rc == nil || rc.client == nil {
		return Response{}, ErrDisabled
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var text string
	tl := logging.NewTraceLogger(logging.WithTrace(req.TraceID), "llm")
	result := retry.DoWithReason(ctx, rc.cfg, func(ctx context.Context) (error, string) {
		var err error
		if len(req.Image) > 0 {
			text, err = rc.client.GenerateWithImage(ctx, req.Prompt, req.Image, req.MIME)
		} else {
			text, err = rc.client.Generate(ctx, req.Prompt)
		}
		if err != nil {
			if !retry.IsRetryableError(err) {
				return retry.Permanent(err), "permanent"
			}
			return err, err.Error()
		}
		return nil, "success"
	}, tl)

	resp := Response{
		Text:          text,
		Attempts:      result.Attempts,
		TotalDuration: result.TotalDuration,
		Reasons:       result.Reasons,
	}
	if !result.Success {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("trace_id", req.TraceID).Dur("timeout", req.Timeout).Msg("llm call timed out")
		}
		return resp, result.LastError
	}
	return resp, nil
}

// GenerateJSON calls the model and decodes its reply into target,
// repairing malformed JSON. A reply that cannot be decoded is retried.
func (rc *ResilientClient) GenerateJSON(ctx context.Context, req Request, target interface{}) (Response, error) {
	var resp Response
	var decodeErr error
	for attempt := 0; attempt < 2; attempt++ {
		r, err := rc.Generate(ctx, req)
		resp.Attempts += r.Attempts
		resp.TotalDuration += r.TotalDuration
		resp.Reasons = append(resp.Reasons, r.Reasons...)
		resp.Text = r.Text
		if err != nil {
			return resp, err
		}
		stats, err := DecodeJSON(r.Text, target)
		if err == nil {
			resp.JSONRepaired = stats.WasRepaired
			if stats.WasRepaired {
				log.Debug().
					Str("trace_id", req.TraceID).
					Strs("strategies", stats.Strategies).
					Int("bytes", stats.OriginalBytes).
					Msg("llm json repaired")
			}
			return resp, nil
		}
		decodeErr = err
		resp.Reasons = append(resp.Reasons, "json_processing_failed")
	}
	return resp, decodeErr
}
