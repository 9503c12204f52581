package outreach

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/audit"
	"github.com/spediresicuro/anne/internal/tools"
	"github.com/spediresicuro/anne/internal/workers/crm"
)

var now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func fixture() (*MemoryStore, *crm.MemoryRepository) {
	st := NewMemoryStore()
	st.now = func() time.Time { return now }
	st.AddSequence(Sequence{ID: "seq-f", WorkspaceID: "ws-1", Name: "Followup", Trigger: "manual", Active: true})
	st.AddSequence(Sequence{ID: "seq-i", WorkspaceID: "ws-1", Name: "Intro nuovi clienti", Trigger: "intro", Active: true, Description: "tre messaggi in una settimana"})
	st.AddSequence(Sequence{ID: "seq-w", WorkspaceID: "ws-1", Name: "Riconquista", Trigger: "winback", Active: false})
	st.AddTemplate(Template{ID: "t1", WorkspaceID: "ws-1", Name: "Primo contatto", Channel: "email", Category: "intro"})
	st.AddTemplate(Template{ID: "t2", Name: "Promemoria", Channel: "whatsapp", Category: "followup", System: true})
	st.AddTemplate(Template{ID: "t3", WorkspaceID: "ws-2", Name: "Altro workspace", Channel: "email", Category: "intro"})

	repo := crm.NewMemoryRepository(
		crm.Entity{ID: "e1", WorkspaceID: "ws-1", CompanyName: "Acme Srl", Status: crm.StatusContacted, Score: 70},
		crm.Entity{ID: "e2", WorkspaceID: "ws-1", CompanyName: "Beta Food", Status: crm.StatusNew, Score: 30},
		crm.Entity{ID: "e3", WorkspaceID: "ws-2", CompanyName: "Zeta Spa", Status: crm.StatusNew},
	)
	return st, repo
}

func newWorker(t *testing.T, st Store, repo EntityFinder, opts ...Option) (*Worker, *tools.Executor) {
	t.Helper()
	rec := audit.NewRecorder(audit.NewMemoryStore())
	exec := tools.NewExecutor(tools.WithAudit(rec))
	require.NoError(t, RegisterTools(exec, st, crm.NewAuditTimeline(rec)))
	w := New(st, repo, exec, opts...)
	w.now = func() time.Time { return now }
	return w, exec
}

func state(role acting.Role, ws, msg string) agent.State {
	s := agent.New(agent.Context{SessionID: "s1", UserID: "u1", ActorID: "u1", UserRole: role, WorkspaceID: ws, TraceID: "t1"})
	return s.BeginPass(s.Context, msg, now)
}

func run(t *testing.T, w *Worker, s agent.State) agent.State {
	t.Helper()
	res, err := w.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, agent.StepEnd, res.Next)
	return res.State
}

func confirm(t *testing.T, exec *tools.Executor, s agent.State) tools.Result {
	t.Helper()
	require.NotNil(t, s.PendingAction)
	call, err := tools.CallFromPending(s.PendingAction)
	require.NoError(t, err)
	ec := tools.FromState(s)
	ec.Confirmed = true
	return exec.Execute(context.Background(), call, ec)
}

func TestDetectSubIntent(t *testing.T) {
	cases := map[string]SubIntent{
		"iscrivi Acme Srl alla sequenza Followup":   Enroll,
		"inserisci Beta Food nella intro":           Enroll,
		"cancella iscrizione per Acme Srl":          Cancel,
		"metti in pausa la sequenza per Acme Srl":   Pause,
		"riprendi la sequenza per Acme Srl":         Resume,
		"disabilita il canale whatsapp":             ManageChannels,
		"quali canali sono attivi?":                 ManageChannels,
		"mostra i template email":                   ListTemplates,
		"quali sono le sequenze?":                   ListSequences,
		"metriche outreach":                         ShowMetrics,
		"tasso di apertura delle email":             ShowMetrics,
		"stato outreach di Acme Srl":                CheckStatus,
	}
	for msg, want := range cases {
		assert.Equal(t, want, DetectSubIntent(msg), msg)
	}
}

func TestExtractors(t *testing.T) {
	assert.Equal(t, "Acme Srl", ExtractEntityName("iscrivi Acme Srl alla sequenza Followup"))
	assert.Equal(t, "Beta Food", ExtractEntityName("cancella iscrizione per Beta Food"))
	assert.Equal(t, "Acme Srl", ExtractEntityName("stato outreach di Acme Srl"))
	assert.Empty(t, ExtractEntityName("metriche outreach"))

	assert.Equal(t, "email", ExtractChannel("abilita e-mail"))
	assert.Equal(t, "whatsapp", ExtractChannel("disattiva WhatsApp"))
	assert.Equal(t, "telegram", ExtractChannel("canale telegram"))
	assert.Empty(t, ExtractChannel("watch the wall"))
}

func TestWorkspaceRequired(t *testing.T) {
	st, repo := fixture()
	w, _ := newWorker(t, st, repo)
	got := run(t, w, state(acting.RoleAdmin, "", "metriche outreach"))
	assert.Equal(t, "Workspace non identificato.", got.Answer)
}

func TestEnrollNeedsConfirmation(t *testing.T) {
	st, repo := fixture()
	w, exec := newWorker(t, st, repo)
	s := state(acting.RoleUser, "ws-1", "iscrivi Acme Srl alla sequenza Followup")

	got := run(t, w, s)
	require.NotNil(t, got.PendingAction)
	assert.Equal(t, "outreach_enroll_entity", got.PendingAction.Tool)
	assert.Equal(t, map[string]string{"entity_id": "e1", "sequence_id": "seq-f"}, got.PendingAction.Arguments)
	assert.Contains(t, got.Clarification, "Iscrivere **Acme Srl** alla sequenza \"Followup\".")
	assert.Contains(t, got.Clarification, "richiede la tua conferma")

	ens, _ := st.Enrollments(context.Background(), "ws-1", "e1")
	assert.Empty(t, ens, "nothing is written before confirmation")

	res := confirm(t, exec, got)
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "Iscrizione completata")

	got = run(t, w, s)
	assert.Nil(t, got.PendingAction)
	assert.Equal(t, "**Acme Srl** è già iscritto alla sequenza \"Followup\".", got.Answer)
}

func TestEnrollPicksSequenceByTrigger(t *testing.T) {
	st, repo := fixture()
	w, _ := newWorker(t, st, repo)
	got := run(t, w, state(acting.RoleUser, "ws-1", "inserisci Beta Food nella intro"))
	require.NotNil(t, got.PendingAction)
	assert.Equal(t, "seq-i", got.PendingAction.Arguments["sequence_id"])
	assert.Equal(t, "e2", got.PendingAction.Arguments["entity_id"])
}

func TestEnrollClarifications(t *testing.T) {
	st, repo := fixture()
	w, _ := newWorker(t, st, repo)

	got := run(t, w, state(acting.RoleUser, "ws-1", "iscrivi Acme Srl alla campagna"))
	assert.Nil(t, got.PendingAction)
	assert.Contains(t, got.Clarification, "Sequenze disponibili")
	assert.Contains(t, got.Clarification, "- Followup")
	assert.NotContains(t, got.Clarification, "Riconquista", "inactive sequences are not offered")

	got = run(t, w, state(acting.RoleUser, "ws-1", "iscrivi Zeta Spa alla sequenza Followup"))
	assert.Equal(t, "Non ho trovato prospect con nome simile a \"Zeta Spa\".", got.Answer, "entities of other workspaces are invisible")

	got = run(t, w, state(acting.RoleAdmin, "ws-1", "iscrivi Omega alla sequenza Followup"))
	assert.Equal(t, "Non ho trovato lead con nome simile a \"Omega\".", got.Answer)
}

func TestStatusChanges(t *testing.T) {
	st, repo := fixture()
	w, exec := newWorker(t, st, repo)
	ctx := context.Background()

	got := run(t, w, state(acting.RoleUser, "ws-1", "metti in pausa la sequenza per Acme Srl"))
	assert.Equal(t, "**Acme Srl** non ha enrollment attivi.", got.Answer)
	assert.Nil(t, got.PendingAction)

	_, err := st.Enroll(ctx, "ws-1", "e1", "seq-f")
	require.NoError(t, err)

	got = run(t, w, state(acting.RoleUser, "ws-1", "riprendi la sequenza per Acme Srl"))
	assert.Equal(t, "**Acme Srl** non ha enrollment in pausa.", got.Answer)

	got = run(t, w, state(acting.RoleUser, "ws-1", "metti in pausa la sequenza per Acme Srl"))
	require.NotNil(t, got.PendingAction)
	res := confirm(t, exec, got)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "1 enrollment messi in pausa.", res.Message)

	got = run(t, w, state(acting.RoleUser, "ws-1", "stato outreach di Acme Srl"))
	assert.Contains(t, got.Answer, "⏸️ **paused**")

	got = run(t, w, state(acting.RoleUser, "ws-1", "cancella iscrizione per Acme Srl"))
	require.NotNil(t, got.PendingAction)
	res = confirm(t, exec, got)
	assert.Equal(t, "1 enrollment cancellati.", res.Message)
}

func TestKillSwitchBlocksWritesOnly(t *testing.T) {
	st, repo := fixture()
	w, _ := newWorker(t, st, repo, WithKillSwitch(true))

	got := run(t, w, state(acting.RoleUser, "ws-1", "iscrivi Acme Srl alla sequenza Followup"))
	assert.Nil(t, got.PendingAction)
	assert.Contains(t, got.Answer, "temporaneamente sospeso")

	got = run(t, w, state(acting.RoleUser, "ws-1", "quali sono le sequenze?"))
	assert.Contains(t, got.Answer, "**Sequenze outreach**: 3")
}

func TestChannels(t *testing.T) {
	st, repo := fixture()
	require.NoError(t, st.SetChannel(context.Background(), "ws-1", "email", true))
	w, exec := newWorker(t, st, repo, WithConfiguredChannels("email", "telegram"))

	got := run(t, w, state(acting.RoleUser, "ws-1", "quali canali sono attivi?"))
	assert.Contains(t, got.Answer, "✅ **email**: attivo")
	assert.Contains(t, got.Answer, "❌ **whatsapp**: non configurato")
	assert.Contains(t, got.Answer, "⚪ **telegram**: configurato ma disabilitato")

	got = run(t, w, state(acting.RoleUser, "ws-1", "disabilita il canale email"))
	require.NotNil(t, got.PendingAction)
	assert.Equal(t, "false", got.PendingAction.Arguments["enabled"])
	res := confirm(t, exec, got)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Canale **email** disabilitato.", res.Message)

	cfgs, _ := st.Channels(context.Background(), "ws-1")
	require.Len(t, cfgs, 1)
	assert.False(t, cfgs[0].Enabled)
}

func TestTemplatesAndSequences(t *testing.T) {
	st, repo := fixture()
	w, _ := newWorker(t, st, repo)

	got := run(t, w, state(acting.RoleUser, "ws-1", "mostra i template"))
	assert.Contains(t, got.Answer, "**Template outreach**: 2")
	assert.Contains(t, got.Answer, "**Promemoria** [sistema]")
	assert.NotContains(t, got.Answer, "Altro workspace")

	got = run(t, w, state(acting.RoleUser, "ws-1", "mostra i template email"))
	assert.Contains(t, got.Answer, "**Template outreach (email)**: 1")

	got = run(t, w, state(acting.RoleUser, "ws-2", "quali sono le sequenze?"))
	assert.Equal(t, "Nessuna sequenza configurata per il workspace.", got.Answer)
}

func TestMetricsAndStatus(t *testing.T) {
	st, repo := fixture()
	st.AddSends("ws-1", "email", ChannelMetrics{Sent: 10, Delivered: 8, Opened: 4, Replied: 2, Failed: 2})
	st.AddSends("ws-1", "whatsapp", ChannelMetrics{Sent: 10, Delivered: 10, Opened: 6})
	w, _ := newWorker(t, st, repo)

	got := run(t, w, state(acting.RoleUser, "ws-1", "metriche outreach"))
	assert.Contains(t, got.Answer, "Totale inviati: **20** | Recapitati: **18**")
	assert.Contains(t, got.Answer, "Delivery rate: **90%**")
	assert.Contains(t, got.Answer, "- **email**: 10 inviati")

	got = run(t, w, state(acting.RoleUser, "ws-1", "stato outreach di Beta Food"))
	assert.Equal(t, "**Beta Food** non ha enrollment outreach.", got.Answer)

	_, err := st.Enroll(context.Background(), "ws-1", "e2", "seq-i")
	require.NoError(t, err)
	got = run(t, w, state(acting.RoleUser, "ws-1", "stato outreach di Beta Food"))
	assert.Contains(t, got.Answer, "🟢 **active**: step 0 | prossimo: 16/03/2026")
}
