package outreach

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/tools"
	"github.com/spediresicuro/anne/internal/workers/crm"
)

// SubIntent is the kind of outreach request.
type SubIntent string

const (
	Enroll         SubIntent = "enroll_entity"
	Cancel         SubIntent = "cancel_enrollment"
	Pause          SubIntent = "pause_enrollment"
	Resume         SubIntent = "resume_enrollment"
	ManageChannels SubIntent = "manage_channels"
	ListTemplates  SubIntent = "list_templates"
	ListSequences  SubIntent = "list_sequences"
	ShowMetrics    SubIntent = "outreach_metrics"
	CheckStatus    SubIntent = "check_status"
)

const (
	msgNoWorkspace = "Workspace non identificato."
	msgKillSwitch  = "Il sistema outreach è temporaneamente sospeso. Le iscrizioni e le modifiche alle sequenze sono bloccate: contatta l'amministratore per riattivarlo."
	msgError       = "Mi dispiace, c'è stato un errore nel sistema outreach. Riprova tra poco."
)

var subIntents = []struct {
	intent SubIntent
	re     *regexp.Regexp
}{
	{Enroll, regexp.MustCompile(`(?i)(?:iscrivi|enroll|aggiungi)\s+.*(?:a|alla|nella)\s+(?:sequenza|campagna)|(?:attiva|avvia)\s+(?:sequenza|campagna|outreach)\s+(?:per|su|a)\b|(?:iscrivi|inserisci)\s+.+\s+(?:al|nella|alla)\s+(?:followup|follow-up|intro|winback)`)},
	{Cancel, regexp.MustCompile(`(?i)(?:cancella|rimuovi|annulla)\s+(?:enrollment|iscrizione|sequenza)|(?:ferma|stop)\s+(?:sequenza|outreach|campagna)`)},
	{Pause, regexp.MustCompile(`(?i)(?:metti in pausa|pausa)\s+(?:la\s+)?(?:sequenza|outreach|enrollment)|sospendi\s+(?:la\s+)?(?:sequenza|outreach)`)},
	{Resume, regexp.MustCompile(`(?i)(?:riprendi|riattiva|riavvia)\s+(?:la\s+)?(?:sequenza|outreach|enrollment)`)},
	{ManageChannels, regexp.MustCompile(`(?i)(?:abilita|disabilita|attiva|disattiva)\s+(?:il\s+)?(?:canale\s+)?(?:email|e-mail|whatsapp|telegram)|canali\s+(?:attivi|configurati|disponibili)|(?:quali|che)\s+canali`)},
	{ListTemplates, regexp.MustCompile(`(?i)(?:mostra|lista|elenca|quali)\s+(?:sono\s+)?(?:i\s+)?template|template\s+(?:disponibili|attivi)`)},
	{ListSequences, regexp.MustCompile(`(?i)(?:mostra|lista|elenca|quali)\s+(?:sono\s+)?(?:le\s+)?(?:sequenze|campagne)|sequenze?\s+(?:disponibili|attive)`)},
	{ShowMetrics, regexp.MustCompile(`(?i)(?:metriche|statistiche|performance|risultati)\s+(?:dell'|dell')?(?:outreach|campagne|sequenze)|(?:quanti|quante)\s+(?:email|messaggi|invii)|tasso\s+(?:di\s+)?(?:apertura|risposta|delivery)`)},
}

// DetectSubIntent classifies an outreach request; anything unmatched is a
// status check.
func DetectSubIntent(msg string) SubIntent {
	for _, si := range subIntents {
		if si.re.MatchString(msg) {
			return si.intent
		}
	}
	return CheckStatus
}

// writes are blocked by the kill switch.
func (si SubIntent) write() bool {
	switch si {
	case Enroll, Cancel, Pause, Resume:
		return true
	}
	return false
}

var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:iscrivi|enroll|aggiungi|inserisci)\s+(?:il |la )?(?:lead |prospect )?["'“]?([^"'”,?.!]+?)["'”]?\s+(?:a|al|alla|nella|per)\b`),
	regexp.MustCompile(`(?i)(?:stato|status)\s+(?:outreach|sequenza|enrollment)\s+(?:di |per |del |della )?(?:il |la )?(?:lead |prospect )?["'“]?([^"'”,?.!]+)`),
	regexp.MustCompile(`(?i)\b(?:per|su|a|di)\s+(?:il |la )?(?:lead |prospect )?["'“]?([^"'”,?.!]+?)["'”]?\s*[?.!]?\s*$`),
}

var stopNames = map[string]bool{"la": true, "il": true, "lo": true, "un": true, "una": true, "al": true, "alla": true}

// ExtractEntityName finds the company an outreach request is about.
func ExtractEntityName(msg string) string {
	for _, re := range entityPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if len([]rune(name)) > 2 && !stopNames[strings.ToLower(name)] {
			return name
		}
	}
	return ""
}

var channelPatterns = []struct {
	channel string
	re      *regexp.Regexp
}{
	{"email", regexp.MustCompile(`(?i)\be-?mail\b`)},
	{"whatsapp", regexp.MustCompile(`(?i)\b(?:whatsapp|wa)\b`)},
	{"telegram", regexp.MustCompile(`(?i)\b(?:telegram|tg)\b`)},
}

// ExtractChannel returns the channel named in msg, if any.
func ExtractChannel(msg string) string {
	for _, cp := range channelPatterns {
		if cp.re.MatchString(msg) {
			return cp.channel
		}
	}
	return ""
}

// Worker serves outreach requests.
type Worker struct {
	store      Store
	entities   EntityFinder
	exec       *tools.Executor
	killSwitch bool
	configured map[string]bool
	now        func() time.Time
}

// EntityFinder resolves company names to CRM entities.
type EntityFinder interface {
	FindByName(ctx context.Context, workspaceID, name string) (*crm.Entity, error)
}

type Option func(*Worker)

// WithKillSwitch blocks enrollment changes.
func WithKillSwitch(on bool) Option { return func(w *Worker) { w.killSwitch = on } }

// WithConfiguredChannels lists the channels whose delivery is set up.
func WithConfiguredChannels(channels ...string) Option {
	return func(w *Worker) {
		for _, c := range channels {
			w.configured[c] = true
		}
	}
}

func New(store Store, entities EntityFinder, exec *tools.Executor, opts ...Option) *Worker {
	w := &Worker{store: store, entities: entities, exec: exec, configured: map[string]bool{}, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) Name() agent.Step { return agent.StepOutreach }

func entityLabel(role acting.Role) string {
	if role == acting.RoleAdmin || role == acting.RoleSuperAdmin {
		return "lead"
	}
	return "prospect"
}

func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	msg := s.LastUserMessage()
	ws := s.Context.WorkspaceID
	si := DetectSubIntent(msg)
	log.Info().Str("session", s.Context.SessionID).Str("sub_intent", string(si)).Msg("outreach request")

	done := func() (agent.Result, error) { return agent.Result{State: next, Next: agent.StepEnd}, nil }

	if ws == "" {
		next.Answer = msgNoWorkspace
		return done()
	}
	if w.killSwitch && si.write() {
		next.Answer = msgKillSwitch
		return done()
	}

	var err error
	label := entityLabel(s.Context.UserRole)
	switch si {
	case Enroll:
		err = w.enroll(ctx, s, &next, label)
	case Cancel:
		err = w.changeStatus(ctx, s, &next, label, Cancel)
	case Pause:
		err = w.changeStatus(ctx, s, &next, label, Pause)
	case Resume:
		err = w.changeStatus(ctx, s, &next, label, Resume)
	case ManageChannels:
		err = w.channels(ctx, s, &next)
	case ListTemplates:
		next.Answer, err = w.templates(ctx, ws, ExtractChannel(msg))
	case ListSequences:
		next.Answer, err = w.sequences(ctx, ws)
	case ShowMetrics:
		next.Answer, err = w.metrics(ctx, ws)
	default:
		next.Answer, err = w.status(ctx, ws, label, msg)
	}
	if err != nil {
		log.Error().Err(err).Str("session", s.Context.SessionID).Str("sub_intent", string(si)).Msg("outreach request failed")
		next.Answer = msgError
	}
	return done()
}

// run executes a write, parking it for confirmation when the gate asks.
func (w *Worker) run(ctx context.Context, s agent.State, next *agent.State, args tools.Args, summary string) error {
	if w.exec == nil {
		next.Answer = "Le modifiche all'outreach non sono disponibili in questo momento."
		return nil
	}
	res := w.exec.Run(ctx, args, tools.FromState(s))
	switch {
	case res.NeedsApproval:
		p, err := tools.Pending(args, summary, w.now())
		if err != nil {
			return err
		}
		next.PendingAction = p
		next.Clarification = summary + "\n\n" + res.Message
	case res.Success:
		next.Answer = "✅ " + res.Message
	default:
		next.Answer = res.Message
	}
	return nil
}

func (w *Worker) entity(ctx context.Context, ws, name string) (*crm.Entity, error) {
	e, err := w.entities.FindByName(ctx, ws, name)
	if errors.Is(err, crm.ErrEntityNotFound) {
		return nil, nil
	}
	return e, err
}

func (w *Worker) enroll(ctx context.Context, s agent.State, next *agent.State, label string) error {
	msg := s.LastUserMessage()
	ws := s.Context.WorkspaceID
	name := ExtractEntityName(msg)
	if name == "" {
		next.Clarification = fmt.Sprintf("Quale %s vuoi iscrivere alla sequenza? Indicami il nome.\nEsempio: \"iscrivi Farmacia Rossi alla sequenza followup\"", label)
		return nil
	}
	e, err := w.entity(ctx, ws, name)
	if err != nil {
		return err
	}
	if e == nil {
		next.Answer = fmt.Sprintf("Non ho trovato %s con nome simile a \"%s\".", label, name)
		return nil
	}

	seqs, err := w.store.Sequences(ctx, ws)
	if err != nil {
		return err
	}
	var active []Sequence
	for _, sq := range seqs {
		if sq.Active {
			active = append(active, sq)
		}
	}
	if len(active) == 0 {
		next.Answer = "Nessuna sequenza attiva nel workspace. Crea o attiva una sequenza prima di iscrivere qualcuno."
		return nil
	}
	seq := pickSequence(msg, active)
	if seq == nil {
		lines := []string{"Non ho capito quale sequenza usare. Sequenze disponibili:"}
		for _, sq := range active {
			lines = append(lines, "- "+sq.Name)
		}
		lines = append(lines, "", fmt.Sprintf("Esempio: \"iscrivi %s alla sequenza [nome]\"", e.CompanyName))
		next.Clarification = strings.Join(lines, "\n")
		return nil
	}

	current, err := w.store.Enrollments(ctx, ws, e.ID)
	if err != nil {
		return err
	}
	for _, en := range current {
		if en.SequenceID == seq.ID && (en.Status == EnrollmentActive || en.Status == EnrollmentPaused) {
			next.Answer = fmt.Sprintf("**%s** è già iscritto alla sequenza \"%s\".", e.CompanyName, seq.Name)
			return nil
		}
	}
	return w.run(ctx, s, next, &tools.OutreachEnrollArgs{EntityID: e.ID, SequenceID: seq.ID},
		fmt.Sprintf("Iscrivere **%s** alla sequenza \"%s\".", e.CompanyName, seq.Name))
}

// pickSequence matches a sequence by name, then by trigger keyword.
func pickSequence(msg string, seqs []Sequence) *Sequence {
	lower := strings.ToLower(msg)
	for i := range seqs {
		if strings.Contains(lower, strings.ToLower(seqs[i].Name)) {
			return &seqs[i]
		}
	}
	for _, kw := range []struct{ words []string }{
		{[]string{"followup", "follow-up"}},
		{[]string{"intro"}},
		{[]string{"winback", "win-back"}},
	} {
		for _, word := range kw.words {
			if !strings.Contains(lower, word) {
				continue
			}
			canon := strings.ReplaceAll(kw.words[0], "-", "")
			for i := range seqs {
				t := strings.ReplaceAll(strings.ToLower(seqs[i].Trigger+" "+seqs[i].Name), "-", "")
				if strings.Contains(t, canon) {
					return &seqs[i]
				}
			}
		}
	}
	return nil
}

func (w *Worker) changeStatus(ctx context.Context, s agent.State, next *agent.State, label string, si SubIntent) error {
	ws := s.Context.WorkspaceID
	name := ExtractEntityName(s.LastUserMessage())

	var (
		verb, example string
		from          []string
		args          func(id string) tools.Args
		summary       string
	)
	switch si {
	case Cancel:
		verb, example, summary = "rimuovere dalla sequenza", "cancella sequenza per Farmacia Rossi", "Cancellare gli enrollment attivi di **%s**."
		from = []string{EnrollmentActive, EnrollmentPaused}
		args = func(id string) tools.Args { return &tools.OutreachCancelArgs{EntityID: id} }
	case Pause:
		verb, example, summary = "mettere in pausa", "pausa sequenza per Farmacia Rossi", "Mettere in pausa gli enrollment attivi di **%s**."
		from = []string{EnrollmentActive}
		args = func(id string) tools.Args { return &tools.OutreachPauseArgs{EntityID: id} }
	default:
		verb, example, summary = "riprendere", "riprendi sequenza per Farmacia Rossi", "Riprendere gli enrollment in pausa di **%s**."
		from = []string{EnrollmentPaused}
		args = func(id string) tools.Args { return &tools.OutreachResumeArgs{EntityID: id} }
	}

	if name == "" {
		next.Clarification = fmt.Sprintf("Quale %s vuoi %s?\nEsempio: \"%s\"", label, verb, example)
		return nil
	}
	e, err := w.entity(ctx, ws, name)
	if err != nil {
		return err
	}
	if e == nil {
		next.Answer = fmt.Sprintf("Non ho trovato %s \"%s\".", label, name)
		return nil
	}
	current, err := w.store.Enrollments(ctx, ws, e.ID)
	if err != nil {
		return err
	}
	n := 0
	for _, en := range current {
		for _, f := range from {
			if en.Status == f {
				n++
			}
		}
	}
	if n == 0 {
		state := "attivi"
		if si == Resume {
			state = "in pausa"
		}
		next.Answer = fmt.Sprintf("**%s** non ha enrollment %s.", e.CompanyName, state)
		return nil
	}
	return w.run(ctx, s, next, args(e.ID), fmt.Sprintf(summary, e.CompanyName))
}

func (w *Worker) channels(ctx context.Context, s agent.State, next *agent.State) error {
	msg := s.LastUserMessage()
	lower := strings.ToLower(msg)
	channel := ExtractChannel(msg)

	if channel == "" || strings.Contains(lower, "quali canali") || strings.Contains(lower, "canali attivi") || strings.Contains(lower, "canali configurati") {
		configs, err := w.store.Channels(ctx, s.Context.WorkspaceID)
		if err != nil {
			return err
		}
		enabled := map[string]ChannelConfig{}
		for _, c := range configs {
			enabled[c.Channel] = c
		}
		lines := []string{"**Canali outreach**\n"}
		for _, ch := range tools.OutreachChannels {
			c := enabled[ch]
			switch {
			case c.Enabled && w.configured[ch]:
				lines = append(lines, fmt.Sprintf("✅ **%s**: attivo", ch))
			case w.configured[ch]:
				lines = append(lines, fmt.Sprintf("⚪ **%s**: configurato ma disabilitato", ch))
			default:
				lines = append(lines, fmt.Sprintf("❌ **%s**: non configurato", ch))
			}
			if c.DailyLimit > 0 {
				lines = append(lines, fmt.Sprintf("   Limite giornaliero: %d", c.DailyLimit))
			}
		}
		next.Answer = strings.Join(lines, "\n")
		return nil
	}

	var enable bool
	switch {
	case strings.Contains(lower, "disabilita") || strings.Contains(lower, "disattiva"):
		enable = false
	case strings.Contains(lower, "abilita") || strings.Contains(lower, "attiva"):
		enable = true
	default:
		next.Clarification = fmt.Sprintf("Vuoi abilitare o disabilitare **%s**?\nEsempio: \"abilita email\" o \"disabilita whatsapp\"", channel)
		return nil
	}
	action := "Disabilitare"
	if enable {
		action = "Abilitare"
	}
	return w.run(ctx, s, next, &tools.OutreachToggleChannelArgs{Channel: channel, Enabled: enable},
		fmt.Sprintf("%s il canale **%s** per l'outreach.", action, channel))
}

func (w *Worker) templates(ctx context.Context, ws, channel string) (string, error) {
	ts, err := w.store.Templates(ctx, ws, channel)
	if err != nil {
		return "", err
	}
	if len(ts) == 0 {
		if channel != "" {
			return fmt.Sprintf("Nessun template %s trovato per il workspace.", channel), nil
		}
		return "Nessun template trovato per il workspace.", nil
	}
	title := "**Template outreach**"
	if channel != "" {
		title = fmt.Sprintf("**Template outreach (%s)**", channel)
	}
	lines := []string{fmt.Sprintf("%s: %d\n", title, len(ts))}
	for _, t := range ts {
		badge := ""
		if t.System {
			badge = " [sistema]"
		}
		lines = append(lines, fmt.Sprintf("- **%s**%s: %s | %s", t.Name, badge, t.Channel, t.Category))
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Worker) sequences(ctx context.Context, ws string) (string, error) {
	seqs, err := w.store.Sequences(ctx, ws)
	if err != nil {
		return "", err
	}
	if len(seqs) == 0 {
		return "Nessuna sequenza configurata per il workspace.", nil
	}
	lines := []string{fmt.Sprintf("**Sequenze outreach**: %d\n", len(seqs))}
	for _, sq := range seqs {
		icon := "⚪"
		if sq.Active {
			icon = "✅"
		}
		line := fmt.Sprintf("%s **%s**: trigger %s", icon, sq.Name, sq.Trigger)
		if sq.Description != "" {
			line += " | " + sq.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Worker) metrics(ctx context.Context, ws string) (string, error) {
	m, err := w.store.Metrics(ctx, ws)
	if err != nil {
		return "", err
	}
	lines := []string{
		"**Metriche outreach**\n",
		fmt.Sprintf("Totale inviati: **%d** | Recapitati: **%d**", m.Sent, m.Delivered),
		fmt.Sprintf("Aperti: **%d** | Risposte: **%d**", m.Opened, m.Replied),
		fmt.Sprintf("Falliti: **%d**", m.Failed),
		"",
		fmt.Sprintf("Delivery rate: **%d%%** | Open rate: **%d%%** | Reply rate: **%d%%**",
			pct(m.DeliveryRate()), pct(m.OpenRate()), pct(m.ReplyRate())),
	}
	var perChannel []string
	for _, ch := range tools.OutreachChannels {
		if c := m.ByChannel[ch]; c.Sent > 0 {
			perChannel = append(perChannel, fmt.Sprintf("- **%s**: %d inviati, %d recapitati, %d aperti, %d risposte", ch, c.Sent, c.Delivered, c.Opened, c.Replied))
		}
	}
	if len(perChannel) > 0 {
		lines = append(lines, "\n**Per canale:**")
		lines = append(lines, perChannel...)
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Worker) status(ctx context.Context, ws, label, msg string) (string, error) {
	name := ExtractEntityName(msg)
	if name == "" {
		return w.metrics(ctx, ws)
	}
	e, err := w.entity(ctx, ws, name)
	if err != nil {
		return "", err
	}
	if e == nil {
		return fmt.Sprintf("Non ho trovato %s \"%s\".", label, name), nil
	}
	ens, err := w.store.Enrollments(ctx, ws, e.ID)
	if err != nil {
		return "", err
	}
	if len(ens) == 0 {
		return fmt.Sprintf("**%s** non ha enrollment outreach.", e.CompanyName), nil
	}
	lines := []string{fmt.Sprintf("**Outreach per %s**: %d enrollment\n", e.CompanyName, len(ens))}
	for _, en := range ens {
		line := fmt.Sprintf("%s **%s**: step %d", statusIcon(en.Status), en.Status, en.CurrentStep)
		if en.NextExecutionAt != nil {
			line += " | prossimo: " + en.NextExecutionAt.Format("02/01/2006")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func statusIcon(status string) string {
	switch status {
	case EnrollmentActive:
		return "🟢"
	case EnrollmentPaused:
		return "⏸️"
	case EnrollmentCompleted:
		return "✅"
	case EnrollmentCancelled:
		return "❌"
	}
	return "🔴"
}

func pct(r float64) int { return int(r*100 + 0.5) }
