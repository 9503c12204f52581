package outreach

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/tools"
	"github.com/spediresicuro/anne/internal/workers/crm"
)

// ErrNoWorkspace is returned for outreach writes without a tenant.
var ErrNoWorkspace = errors.New("workspace not identified")

// RegisterTools binds the outreach write tools to store. Enrollment
// changes are mirrored on the entity timeline; a timeline failure is
// logged only.
func RegisterTools(exec *tools.Executor, store Store, tl crm.Timeline) error {
	h := &handlers{store: store, timeline: tl}
	for name, fn := range map[string]tools.Handler{
		"outreach_enroll_entity":     h.enroll,
		"outreach_cancel_enrollment": h.cancel,
		"outreach_pause_enrollment":  h.pause,
		"outreach_resume_enrollment": h.resume,
		"outreach_toggle_channel":    h.toggleChannel,
	} {
		if err := exec.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	store    Store
	timeline crm.Timeline
}

func (h *handlers) enroll(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.OutreachEnrollArgs)
	if sc.WorkspaceID == "" {
		return tools.Output{}, ErrNoWorkspace
	}
	e, err := h.store.Enroll(ctx, sc.WorkspaceID, args.EntityID, args.SequenceID)
	if err != nil {
		return tools.Output{}, err
	}
	h.record(ctx, sc, args.EntityID, "outreach_enrolled", map[string]string{"sequence": args.SequenceID})
	return tools.Output{
		Message: "Iscrizione completata. La sequenza inizierà automaticamente secondo i tempi configurati.",
		Data:    map[string]any{"enrollment_id": e.ID},
	}, nil
}

func (h *handlers) cancel(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	return h.move(ctx, sc, a.(*tools.OutreachCancelArgs).EntityID,
		[]string{EnrollmentActive, EnrollmentPaused}, EnrollmentCancelled, "cancellati")
}

func (h *handlers) pause(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	return h.move(ctx, sc, a.(*tools.OutreachPauseArgs).EntityID,
		[]string{EnrollmentActive}, EnrollmentPaused, "messi in pausa")
}

func (h *handlers) resume(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	return h.move(ctx, sc, a.(*tools.OutreachResumeArgs).EntityID,
		[]string{EnrollmentPaused}, EnrollmentActive, "ripresi")
}

func (h *handlers) move(ctx context.Context, sc tools.Scope, entityID string, from []string, to, verb string) (tools.Output, error) {
	if sc.WorkspaceID == "" {
		return tools.Output{}, ErrNoWorkspace
	}
	n, err := h.store.SetStatus(ctx, sc.WorkspaceID, entityID, from, to)
	if err != nil {
		return tools.Output{}, err
	}
	if n > 0 {
		h.record(ctx, sc, entityID, "outreach_"+to, nil)
	}
	return tools.Output{
		Message: fmt.Sprintf("%d enrollment %s.", n, verb),
		Data:    map[string]any{"count": n},
	}, nil
}

func (h *handlers) toggleChannel(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.OutreachToggleChannelArgs)
	if sc.WorkspaceID == "" {
		return tools.Output{}, ErrNoWorkspace
	}
	if err := h.store.SetChannel(ctx, sc.WorkspaceID, args.Channel, args.Enabled); err != nil {
		return tools.Output{}, err
	}
	state := "disabilitato"
	if args.Enabled {
		state = "abilitato"
	}
	return tools.Output{Message: fmt.Sprintf("Canale **%s** %s.", args.Channel, state)}, nil
}

func (h *handlers) record(ctx context.Context, sc tools.Scope, entityID, typ string, data map[string]string) {
	if h.timeline == nil {
		return
	}
	err := crm.RecordBounded(ctx, h.timeline, crm.TimelineEvent{EntityID: entityID, WorkspaceID: sc.WorkspaceID, ActorID: sc.Actor(), Type: typ, Data: data})
	if err != nil {
		log.Warn().Err(err).Str("entity", entityID).Str("event", typ).Msg("outreach timeline event not recorded")
	}
}
