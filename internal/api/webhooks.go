package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/channels/telegram"
	"github.com/spediresicuro/anne/internal/channels/whatsapp"
	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/orchestrator"
)

// Webhook acknowledgements. Providers always get 200 so they stop
// retrying; the status says what happened.
const (
	StatusIgnored     = "ignored"
	StatusDuplicate   = "duplicate"
	StatusRateLimited = "rate_limited"
	StatusAccepted    = "accepted"
)

const (
	msgLinkWhatsApp = "Ciao %s! Per usare Anne via WhatsApp, collega il tuo numero dalla dashboard SpedireSicuro (Impostazioni > Notifiche > WhatsApp)."
	msgLinkTelegram = "Ciao %s! Per usare Anne via Telegram, collega il tuo account dalla dashboard SpedireSicuro (Impostazioni > Notifiche > Telegram)."
	msgRetryLater   = "Si e verificato un errore. Riprova tra qualche istante."
	msgNoAccess     = "Il tuo account non ha accesso al workspace collegato. Contatta l'amministratore del workspace o aggiorna il collegamento dalla dashboard."
	maxNameLength   = 50
)

var phonePattern = regexp.MustCompile(`^\d{7,15}$`)

// ReadMarker acknowledges a received message to its sender.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string)
}

type webhookAck struct {
	Status string `json:"status"`
}

func ack(c echo.Context, status string) error {
	return c.JSON(http.StatusOK, webhookAck{Status: status})
}

func (s *Server) whatsAppChallenge(c echo.Context) error {
	challenge, ok := whatsapp.VerifyChallenge(
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
		s.opts.WhatsAppVerifyToken,
	)
	if !ok {
		return c.JSON(http.StatusForbidden, errorResponse{Error: "Verification failed"})
	}
	return c.String(http.StatusOK, challenge)
}

func (s *Server) whatsAppWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return ack(c, StatusIgnored)
	}
	if !whatsapp.VerifySignature(body, c.Request().Header.Get(whatsapp.SignatureHeader), s.opts.WhatsAppAppSecret) {
		log.Warn().Msg("whatsapp webhook with invalid signature")
		return ack(c, StatusIgnored)
	}
	msgs, err := whatsapp.ParseMessages(body)
	if err != nil || len(msgs) == 0 {
		return ack(c, StatusIgnored)
	}

	status := StatusIgnored
	for _, m := range msgs {
		m.From = strings.TrimPrefix(m.From, "+")
		if !phonePattern.MatchString(m.From) {
			log.Warn().Msg("whatsapp message from invalid phone rejected")
			continue
		}
		st := s.handleInbound(c.Request().Context(), m)
		if st == StatusAccepted || status == StatusIgnored {
			status = st
		}
	}
	return ack(c, status)
}

func (s *Server) telegramWebhook(c echo.Context) error {
	if !telegram.VerifySecret(c.Request().Header.Get(telegram.SecretTokenHeader), s.opts.TelegramSecret) {
		log.Warn().Msg("telegram webhook with invalid secret")
		return ack(c, StatusIgnored)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return ack(c, StatusIgnored)
	}
	in, ok, err := telegram.ParseUpdate(body)
	if err != nil || !ok {
		return ack(c, StatusIgnored)
	}
	return ack(c, s.handleInbound(c.Request().Context(), in))
}

// handleInbound runs one channel message through the orchestrator and
// queues the reply.
func (s *Server) handleInbound(ctx context.Context, in channels.Inbound) string {
	masked := in.From
	if in.Channel == channels.WhatsApp {
		masked = logging.MaskPhone(in.From)
	}

	if in.MessageID != "" {
		dup, err := s.deps.Deduper.Seen(ctx, in.Channel+":"+in.MessageID)
		if err != nil {
			log.Warn().Err(err).Str("channel", in.Channel).Msg("dedup check failed")
		} else if dup {
			return StatusDuplicate
		}
	}
	if !s.deps.Limiter.Allow(in.Channel + ":" + in.From) {
		log.Warn().Str("channel", in.Channel).Str("from", masked).Msg("inbound rate limited")
		return StatusRateLimited
	}

	traceID := uuid.NewString()
	logger := logging.WithTrace(traceID)
	if s.deps.Reads != nil && in.Channel == channels.WhatsApp {
		s.deps.Reads.MarkRead(ctx, in.MessageID)
	}

	reply := channels.Outbound{Channel: in.Channel, To: in.From, TraceID: traceID}

	ac, linked, err := s.actingFor(ctx, in)
	switch {
	case errors.Is(err, acting.ErrAccessDenied):
		logger.Warn().Err(err).Str("channel", in.Channel).Str("from", masked).Msg("linked account has no workspace access")
		reply.Text = msgNoAccess
	case err != nil:
		logger.Error().Err(err).Str("channel", in.Channel).Str("from", masked).Msg("inbound account lookup failed")
		reply.Text = msgRetryLater
	case !linked:
		tmpl := msgLinkWhatsApp
		if in.Channel == channels.Telegram {
			tmpl = msgLinkTelegram
		}
		reply.Text = fmt.Sprintf(tmpl, safeName(in.Name))
	default:
		out := s.deps.Processor.Process(ctx, orchestrator.Input{
			SessionID: in.Channel + ":" + in.From,
			TraceID:   traceID,
			Message:   in.Text,
			Channel:   in.Channel,
			Acting:    ac,
		})
		reply.Text = out.Message
		reply.Options = out.PricingOptions
		for _, b := range out.Buttons {
			reply.Buttons = append(reply.Buttons, channels.Button{ID: b.ID, Title: b.Title})
		}
	}

	if err := s.deps.Outbound.Enqueue(ctx, reply); err != nil {
		logger.Error().Err(err).Str("channel", in.Channel).Str("from", masked).Msg("reply not queued")
	}
	return StatusAccepted
}

// actingFor resolves the account linked to the sender. Channel users act
// as themselves; the linked workspace scopes the session.
func (s *Server) actingFor(ctx context.Context, in channels.Inbound) (acting.Context, bool, error) {
	if s.deps.Linker == nil {
		return acting.Context{}, false, nil
	}
	link, err := s.deps.Linker.Linked(ctx, in.Channel, in.From)
	if err != nil {
		return acting.Context{}, false, err
	}
	if link == nil {
		return acting.Context{}, false, nil
	}
	u := link.User
	if u.Name == "" {
		u.Name = in.Name
	}
	ac, err := s.deps.Resolver.Resolve(ctx, &acting.Session{
		UserID:      u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		AccountType: u.AccountType,
	}, acting.ResolveOptions{WorkspaceID: link.WorkspaceID})
	if err != nil {
		return acting.Context{}, false, err
	}
	return ac, true, nil
}

// safeName keeps letters, digits and spaces of a provider display name.
func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(channels.Truncate(b.String(), maxNameLength))
	if out == "" {
		return "utente"
	}
	return out
}
