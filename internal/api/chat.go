package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/orchestrator"
)

// Request headers of the chat endpoint.
const (
	HeaderWorkspaceID = "X-Workspace-Id"
	HeaderImpersonate = "X-Impersonate-Target"
)

// voicePrefix marks dictated messages; it is not part of the text.
const voicePrefix = "[VOX]"

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Image     *struct {
		Data []byte `json:"data"`
		MIME string `json:"mime"`
	} `json:"image,omitempty"`
}

type chatMetadata struct {
	TraceID         string       `json:"traceId"`
	Outcome         agent.Status `json:"outcome"`
	ExecutionTimeMs int64        `json:"executionTimeMs"`
	Impersonating   bool         `json:"impersonating,omitempty"`
	AgentState      *agent.State `json:"agentState,omitempty"`
}

type chatResponse struct {
	Success bool `json:"success"`
	orchestrator.Output
	Metadata chatMetadata `json:"metadata"`
}

func (s *Server) chat(c echo.Context) error {
	started := time.Now()
	ctx := c.Request().Context()

	ac, err := s.deps.Resolver.Resolve(ctx, sessionFrom(c), acting.ResolveOptions{
		WorkspaceID:       strings.TrimSpace(c.Request().Header.Get(HeaderWorkspaceID)),
		ImpersonateUserID: strings.TrimSpace(c.Request().Header.Get(HeaderImpersonate)),
	})
	switch {
	case errors.Is(err, acting.ErrUnauthorized):
		return unauthorized(c)
	case errors.Is(err, acting.ErrAccessDenied):
		return c.JSON(http.StatusForbidden, errorResponse{Error: "Accesso negato a questo workspace"})
	case err != nil:
		logger := logging.WithTrace(traceID(c))
		logger.Error().Err(err).Msg("acting context resolution failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: orchestrator.MsgGeneric})
	}

	if !s.chatLimiter.Allow(ac.AuditActorID()) {
		return c.JSON(http.StatusTooManyRequests, errorResponse{
			Error:      "Troppe richieste. Attendi un minuto prima di riprovare.",
			RetryAfter: 60,
		})
	}

	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Richiesta non valida: body JSON non valido"})
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Richiesta non valida: sessionId mancante"})
	}

	in := orchestrator.Input{
		SessionID: req.SessionID,
		TraceID:   traceID(c),
		Message:   strings.TrimPrefix(req.Message, voicePrefix),
		Channel:   channels.Web,
		Acting:    ac,
	}
	if req.Image != nil && len(req.Image.Data) > 0 {
		in.Image = &agent.Image{Data: req.Image.Data, MIME: req.Image.MIME}
	}

	out := s.deps.Processor.Process(ctx, in)

	resp := chatResponse{
		Success: true,
		Output:  out,
		Metadata: chatMetadata{
			TraceID:         out.TraceID,
			Outcome:         out.Outcome,
			ExecutionTimeMs: time.Since(started).Milliseconds(),
			Impersonating:   ac.IsImpersonating,
		},
	}
	if ac.Actor.IsAdminOrAbove() {
		st := out.State
		resp.Metadata.AgentState = &st
	}
	return c.JSON(http.StatusOK, resp)
}
