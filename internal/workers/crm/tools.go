package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/audit"
	"github.com/spediresicuro/anne/internal/tools"
)

// timelineTimeout bounds a timeline write so a slow store cannot hold up
// the write it follows.
var timelineTimeout = 2 * time.Second

// ErrNoWorkspace is returned for a pipeline request without a tenant.
// Only platform admins read the workspace-less lead pipeline.
var ErrNoWorkspace = errors.New("workspace not identified")

func pipelineScope(role acting.Role, workspaceID string) (string, error) {
	if workspaceID == "" && role != acting.RoleAdmin && role != acting.RoleSuperAdmin {
		return "", ErrNoWorkspace
	}
	return workspaceID, nil
}

// RegisterTools binds the CRM write tools to repo. Every successful write
// is followed by a timeline event; a timeline failure is logged only.
func RegisterTools(exec *tools.Executor, repo Repository, tl Timeline) error {
	h := &handlers{repo: repo, timeline: tl, now: time.Now}
	for name, fn := range map[string]tools.Handler{
		"update_crm_status":  h.updateStatus,
		"add_crm_note":       h.addNote,
		"record_crm_contact": h.recordContact,
	} {
		if err := exec.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	repo     Repository
	timeline Timeline
	now      func() time.Time
}

func (h *handlers) updateStatus(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.UpdateCRMStatusArgs)
	ws, err := pipelineScope(sc.Role, sc.WorkspaceID)
	if err != nil {
		return tools.Output{}, err
	}
	e, err := h.repo.UpdateStatus(ctx, ws, args.EntityID, args.Status)
	if err != nil {
		return tools.Output{}, err
	}
	h.record(ctx, sc, ws, args.EntityID, "status_changed", map[string]string{"status": args.Status})
	return tools.Output{
		Message: fmt.Sprintf("**%s** ora è in stato **%s**.", e.CompanyName, StatusLabel(args.Status)),
		Data:    map[string]any{"entity_id": e.ID, "status": e.Status},
	}, nil
}

func (h *handlers) addNote(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.AddCRMNoteArgs)
	ws, err := pipelineScope(sc.Role, sc.WorkspaceID)
	if err != nil {
		return tools.Output{}, err
	}
	if err := h.repo.AddNote(ctx, ws, args.EntityID, Note{Text: args.Note, AuthorID: sc.Actor(), At: h.now()}); err != nil {
		return tools.Output{}, err
	}
	h.record(ctx, sc, ws, args.EntityID, "note_added", nil)
	return tools.Output{Message: "Nota aggiunta."}, nil
}

func (h *handlers) recordContact(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.RecordCRMContactArgs)
	ws, err := pipelineScope(sc.Role, sc.WorkspaceID)
	if err != nil {
		return tools.Output{}, err
	}
	if err := h.repo.RecordContact(ctx, ws, args.EntityID, h.now()); err != nil {
		return tools.Output{}, err
	}
	h.record(ctx, sc, ws, args.EntityID, "contacted", map[string]string{"channel": args.Channel, "outcome": args.Outcome})
	return tools.Output{Message: "Contatto registrato."}, nil
}

func (h *handlers) record(ctx context.Context, sc tools.Scope, ws, entityID, typ string, data map[string]string) {
	if h.timeline == nil {
		return
	}
	err := RecordBounded(ctx, h.timeline, TimelineEvent{EntityID: entityID, WorkspaceID: ws, ActorID: sc.Actor(), Type: typ, Data: data})
	if err != nil {
		log.Warn().Err(err).Str("entity", entityID).Str("event", typ).Msg("crm timeline event not recorded")
	}
}

// RecordBounded writes ev to tl within timelineTimeout. The write outlives
// a cancelled caller since the primary change already happened.
func RecordBounded(ctx context.Context, tl Timeline, ev TimelineEvent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timelineTimeout)
	defer cancel()
	return tl.Record(ctx, ev)
}

// AuditTimeline keeps the entity history in the audit trail.
type AuditTimeline struct {
	rec *audit.Recorder
}

func NewAuditTimeline(rec *audit.Recorder) *AuditTimeline { return &AuditTimeline{rec: rec} }

func (t *AuditTimeline) Record(ctx context.Context, ev TimelineEvent) error {
	meta := map[string]string{"event": ev.Type}
	for k, v := range ev.Data {
		if v != "" {
			meta[k] = v
		}
	}
	return t.rec.Record(ctx, audit.Event{
		ActorID:     ev.ActorID,
		TargetID:    ev.EntityID,
		WorkspaceID: ev.WorkspaceID,
		Action:      audit.ActionCRMTimeline,
		Resource:    "crm_entity",
		Metadata:    meta,
	})
}
