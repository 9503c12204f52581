package crm

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
)

// SubIntent is the kind of pipeline request.
type SubIntent string

const (
	TodayActions       SubIntent = "today_actions"
	EntityDetail       SubIntent = "entity_detail"
	HealthCheck        SubIntent = "health_check"
	Search             SubIntent = "search"
	ConversionAnalysis SubIntent = "conversion_analysis"
	PipelineOverview   SubIntent = "pipeline_overview"
)

const (
	msgNoWorkspace = "Workspace non identificato. Seleziona un workspace per consultare la pipeline."
	msgRepoError   = "Mi dispiace, c'è stato un errore nell'accesso ai dati CRM. Riprova tra poco."
)

var subIntents = []struct {
	intent SubIntent
	re     *regexp.Regexp
}{
	{TodayActions, regexp.MustCompile(`(?i)cosa (?:devo|dovrei) fare|azioni (?:di )?oggi|priorit[aà]|da fare oggi|chi (?:devo|dovrei) contattare`)},
	{EntityDetail, regexp.MustCompile(`(?i)a che punto [èe']|dettagli? (?:del |di |sul )|come (?:va|sta) (?:il |la |con )|info su |mostra(?:mi)? (?:il |la )`)},
	{HealthCheck, regexp.MustCompile(`(?i)salute|health|alert|problemi? (?:crm|pipeline|commerciali)|stale|ferm[io]|abbandonat[io]`)},
	{Search, regexp.MustCompile(`(?i)cerca|trova|filtra|elenca|lista|mostra(?:mi)? (?:tutti |tutte |i |le )`)},
	{ConversionAnalysis, regexp.MustCompile(`(?i)tasso (?:di )?conversione|conversion|quanti (?:ne )?abbiamo (?:vint|pers|chiusi)|performance|metriche`)},
}

// DetectSubIntent classifies a pipeline request; anything unmatched is an
// overview.
func DetectSubIntent(msg string) SubIntent {
	for _, si := range subIntents {
		if si.re.MatchString(msg) {
			return si.intent
		}
	}
	return PipelineOverview
}

var entityNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:lead|prospect|cliente)\s+["“]?([^"”,?.!]+)`),
	regexp.MustCompile(`(?i)(?:info|dettagli|dettaglio)\s+(?:su|di|del|della)\s+["“]?([^"”,?.!]+)`),
	regexp.MustCompile(`(?i)(?:a che punto|come va|come sta)\s+(?:il |la |con )?\s*["“]?([^"”,?.!]+)`),
}

// ExtractEntityName finds the company a detail request is about.
func ExtractEntityName(msg string) string {
	for _, re := range entityNamePatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		switch strings.ToLower(name) {
		case "la", "il", "lo", "un", "una":
			continue
		}
		if len([]rune(name)) > 2 {
			return name
		}
	}
	return ""
}

var searchQueryRe = regexp.MustCompile(`(?i)(?:cerca|trova|filtra)\s+(.+)`)

var sectorWords = []struct{ word, sector string }{
	{"ecommerce", "ecommerce"}, {"e-commerce", "ecommerce"},
	{"pharma", "pharma"}, {"farmaceut", "pharma"},
	{"food", "food"}, {"alimentar", "food"},
	{"artigian", "artigianato"},
	{"industr", "industria"},
	{"logistic", "logistica"},
}

// ExtractFilter reads status, sector and free text from a search request.
func ExtractFilter(msg string) Filter {
	lower := strings.ToLower(msg)
	f := Filter{Status: ParseStatus(lower)}
	for _, sw := range sectorWords {
		if strings.Contains(lower, sw.word) {
			f.Sector = sw.sector
			break
		}
	}
	if m := searchQueryRe.FindStringSubmatch(msg); m != nil && f.Status == "" && f.Sector == "" {
		f.Query = strings.TrimSpace(m[1])
	}
	return f
}

var statusWords = []struct{ word, status string }{
	{"preventivo inviat", StatusQuoteSent}, {"quote_sent", StatusQuoteSent},
	{"nuov", StatusNew},
	{"contattat", StatusContacted},
	{"qualificat", StatusQualified},
	{"negoziazion", StatusNegotiating}, {"trattativa", StatusNegotiating},
	{"vint", StatusWon}, {"convert", StatusWon},
	{"pers", StatusLost},
}

// ParseStatus maps Italian wording to a pipeline status.
func ParseStatus(text string) string {
	lower := strings.ToLower(text)
	for _, sw := range statusWords {
		if strings.Contains(lower, sw.word) {
			return sw.status
		}
	}
	return ""
}

var statusLabels = map[string]string{
	StatusNew: "nuovo", StatusContacted: "contattato", StatusQualified: "qualificato",
	StatusNegotiating: "in trattativa", StatusQuoteSent: "preventivo inviato",
	StatusWon: "vinto", StatusLost: "perso",
}

func StatusLabel(status string) string {
	if l, ok := statusLabels[status]; ok {
		return l
	}
	return status
}

var (
	statusWriteRe  = regexp.MustCompile(`(?i)\b(?:sposta|porta|imposta|aggiorna|segna|metti)\b.*?\b(?:lead|prospect)\s+["“]?(.+?)["”]?\s+(?:a|in|come|su|nello stato|allo stato)\s+(.+)$`)
	noteWriteRe    = regexp.MustCompile(`(?i)\bnota\s+(?:a|al|alla|su|sul|sulla|per)\s+(?:(?:il|la|lo)\s+)?(?:(?:lead|prospect)\s+)?["“]?([^:"”]+?)["”]?\s*:\s*(.+)$`)
	contactWriteRe = regexp.MustCompile(`(?i)\bho\s+(chiamato|sentito|telefonato a|scritto a|incontrato)\s+(?:(?:il|la)\s+)?(?:lead|prospect)\s+["“]?([^"”,.!?]+?)["”]?\s*(?:[,:.]\s*(.*))?$`)
)

// Worker serves pipeline requests.
type Worker struct {
	repo Repository
	exec *tools.Executor
	now  func() time.Time
}

// New returns a worker over repo. Without exec the worker is read only.
func New(repo Repository, exec *tools.Executor) *Worker {
	return &Worker{repo: repo, exec: exec, now: time.Now}
}

func (w *Worker) Name() agent.Step { return agent.StepCRM }

func entityLabel(role acting.Role) string {
	if role == acting.RoleAdmin || role == acting.RoleSuperAdmin {
		return "lead"
	}
	return "prospect"
}

func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	msg := s.LastUserMessage()
	label := entityLabel(s.Context.UserRole)

	ws, err := pipelineScope(s.Context.UserRole, s.Context.WorkspaceID)
	if err != nil {
		next.Answer = msgNoWorkspace
		return agent.Result{State: next, Next: agent.StepEnd}, nil
	}

	if w.exec != nil {
		if handled, err := w.write(ctx, s, &next, ws, label, msg); handled || err != nil {
			if err != nil {
				log.Error().Err(err).Str("session", s.Context.SessionID).Msg("crm write failed")
				next.Answer = msgRepoError
			}
			return agent.Result{State: next, Next: agent.StepEnd}, nil
		}
	}

	si := DetectSubIntent(msg)
	log.Info().Str("session", s.Context.SessionID).Str("sub_intent", string(si)).Str("role", string(s.Context.UserRole)).Msg("crm request")

	var answer string
	switch si {
	case TodayActions:
		answer, err = w.todayActions(ctx, ws, label)
	case EntityDetail:
		answer, err = w.entityDetail(ctx, ws, label, msg)
	case HealthCheck:
		answer, err = w.health(ctx, ws, label)
	case Search:
		answer, err = w.search(ctx, ws, label, msg)
	case ConversionAnalysis:
		answer, err = w.conversion(ctx, ws, label)
	default:
		answer, err = w.overview(ctx, ws, label)
	}
	if err != nil {
		log.Error().Err(err).Str("session", s.Context.SessionID).Str("sub_intent", string(si)).Msg("crm read failed")
		answer = msgRepoError
	}
	next.Answer = answer
	return agent.Result{State: next, Next: agent.StepEnd}, nil
}

// write handles pipeline updates. It reports whether msg was a write.
func (w *Worker) write(ctx context.Context, s agent.State, next *agent.State, ws, label, msg string) (bool, error) {
	var (
		name    string
		args    tools.Args
		summary string
	)
	switch {
	case noteWriteRe.MatchString(msg):
		m := noteWriteRe.FindStringSubmatch(msg)
		name = strings.TrimSpace(m[1])
		args = &tools.AddCRMNoteArgs{Note: strings.TrimSpace(m[2])}
	case contactWriteRe.MatchString(msg):
		m := contactWriteRe.FindStringSubmatch(msg)
		name = strings.TrimSpace(m[2])
		args = &tools.RecordCRMContactArgs{Channel: contactChannel(m[1]), Outcome: strings.TrimSpace(m[3])}
	case statusWriteRe.MatchString(msg):
		m := statusWriteRe.FindStringSubmatch(msg)
		name = strings.TrimSpace(m[1])
		status := ParseStatus(m[2])
		if status == "" {
			next.Clarification = fmt.Sprintf("In quale stato vuoi spostare **%s**? (nuovo, contattato, qualificato, in trattativa, preventivo inviato, vinto, perso)", name)
			return true, nil
		}
		args = &tools.UpdateCRMStatusArgs{Status: status}
	default:
		return false, nil
	}

	e, err := w.repo.FindByName(ctx, ws, name)
	if errors.Is(err, ErrEntityNotFound) {
		next.Answer = fmt.Sprintf("Non ho trovato %s con nome simile a \"%s\". Prova con un altro nome o usa la ricerca.", label, name)
		return true, nil
	}
	if err != nil {
		return true, err
	}

	switch a := args.(type) {
	case *tools.AddCRMNoteArgs:
		a.EntityID = e.ID
		summary = fmt.Sprintf("Aggiungere una nota a **%s**.", e.CompanyName)
	case *tools.RecordCRMContactArgs:
		a.EntityID = e.ID
		summary = fmt.Sprintf("Registrare un contatto (%s) con **%s**.", a.Channel, e.CompanyName)
	case *tools.UpdateCRMStatusArgs:
		a.EntityID = e.ID
		summary = fmt.Sprintf("Spostare **%s** da %s a **%s**.", e.CompanyName, StatusLabel(e.Status), StatusLabel(a.Status))
	}

	res := w.exec.Run(ctx, args, tools.FromState(s))
	switch {
	case res.NeedsApproval:
		p, err := tools.Pending(args, summary, w.now())
		if err != nil {
			return true, err
		}
		next.PendingAction = p
		next.Clarification = summary + "\n\n" + res.Message
	case res.Success:
		next.Answer = "✅ " + res.Message
	default:
		next.Answer = res.Message
	}
	return true, nil
}

func contactChannel(verb string) string {
	switch strings.ToLower(verb) {
	case "scritto a":
		return "email"
	case "incontrato":
		return "meeting"
	}
	return "phone"
}

func trendEmoji(t Trend) string {
	switch t {
	case TrendImproving:
		return "📈"
	case TrendDeclining:
		return "📉"
	}
	return "➡️"
}

func (w *Worker) overview(ctx context.Context, ws, label string) (string, error) {
	sum, err := w.repo.Summary(ctx, ws)
	if err != nil {
		return "", err
	}
	m, err := w.repo.Metrics(ctx, ws)
	if err != nil {
		return "", err
	}
	alerts, err := w.repo.HealthAlerts(ctx, ws)
	if err != nil {
		return "", err
	}
	hot, err := w.repo.Hot(ctx, ws, 3)
	if err != nil {
		return "", err
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("**Pipeline %s: panoramica**\n", label))
	if len(sum.ByStatus) > 0 {
		var parts []string
		for _, st := range []string{StatusNew, StatusContacted, StatusQualified, StatusNegotiating, StatusQuoteSent, StatusWon, StatusLost} {
			if c := sum.ByStatus[st]; c > 0 {
				parts = append(parts, fmt.Sprintf("%s: **%d**", StatusLabel(st), c))
			}
		}
		lines = append(lines, fmt.Sprintf("Totale: **%d** | %s", sum.Total, strings.Join(parts, " | ")))
	} else {
		lines = append(lines, fmt.Sprintf("Totale: **%d** %s", sum.Total, label))
	}
	lines = append(lines, fmt.Sprintf("Score medio: **%d** | Tasso conversione: **%d%%** | Valore pipeline: **%s**",
		sum.AvgScore, percent(m.Rate), FormatEuro(sum.PipelineValue)))
	if m.WonThisMonth > 0 || m.LostThisMonth > 0 {
		lines = append(lines, fmt.Sprintf("Questo mese: **%d vinti**, **%d persi** %s", m.WonThisMonth, m.LostThisMonth, trendEmoji(m.Trend)))
	}

	if crit := byLevel(alerts, LevelCritical); len(crit) > 0 {
		lines = append(lines, "", fmt.Sprintf("**🔴 %d alert critici:**", len(crit)))
		lines = append(lines, bullets(crit, 3)...)
	}
	if warn := byLevel(alerts, LevelWarning); len(warn) > 0 {
		lines = append(lines, fmt.Sprintf("**⚠️ %d avvisi:**", len(warn)))
		lines = append(lines, bullets(warn, 3)...)
	}

	if len(hot) > 0 {
		lines = append(lines, "", fmt.Sprintf("**🔥 %s caldi:**", label))
		now := w.now()
		for _, h := range hot {
			contact := " (mai contattato)"
			if h.LastContactAt != nil {
				contact = fmt.Sprintf(" (ultimo contatto %dgg fa)", daysBetween(*h.LastContactAt, now))
			}
			lines = append(lines, fmt.Sprintf("- **%s**: score %d, stato %s%s", h.CompanyName, h.Score, StatusLabel(h.Status), contact))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Worker) entityDetail(ctx context.Context, ws, label, msg string) (string, error) {
	name := ExtractEntityName(msg)
	if name == "" {
		return fmt.Sprintf("Quale %s vuoi approfondire? Indicami il nome dell'azienda.", label), nil
	}
	e, err := w.repo.FindByName(ctx, ws, name)
	if errors.Is(err, ErrEntityNotFound) {
		return fmt.Sprintf("Non ho trovato %s con nome simile a \"%s\". Prova con un altro nome o usa la ricerca.", label, name), nil
	}
	if err != nil {
		return "", err
	}

	lines := []string{fmt.Sprintf("**%s**: %s\n", e.CompanyName, StatusLabel(e.Status))}
	if e.ContactName != "" {
		lines = append(lines, "Contatto: "+e.ContactName)
	}
	if e.Email != "" {
		lines = append(lines, "Email: "+e.Email)
	}
	if e.Phone != "" {
		lines = append(lines, "Telefono: "+e.Phone)
	}
	sector := e.Sector
	if sector == "" {
		sector = "N/D"
	}
	lines = append(lines, fmt.Sprintf("Score: **%d** | Settore: %s", e.Score, sector))
	if e.EstimatedValue > 0 {
		lines = append(lines, fmt.Sprintf("Valore stimato: %s/mese", FormatEuro(e.EstimatedValue)))
	}
	if e.LastContactAt != nil {
		lines = append(lines, fmt.Sprintf("Ultimo contatto: %d giorni fa", daysBetween(*e.LastContactAt, w.now())))
	} else {
		lines = append(lines, "Ultimo contatto: **mai contattato**")
	}
	if len(e.Notes) > 0 {
		lines = append(lines, "\n**Note recenti:**")
		notes := e.Notes
		if len(notes) > 3 {
			notes = notes[len(notes)-3:]
		}
		for _, n := range notes {
			lines = append(lines, fmt.Sprintf("- %s: %s", n.At.Format("02/01/2006"), n.Text))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Worker) todayActions(ctx context.Context, ws, label string) (string, error) {
	actions, err := w.repo.TodayActions(ctx, ws)
	if err != nil {
		return "", err
	}
	if len(actions) == 0 {
		return fmt.Sprintf("Nessuna azione urgente per oggi. La pipeline %s è in ordine. 👍", label), nil
	}
	lines := []string{fmt.Sprintf("**Azioni prioritarie: %d attività**\n", len(actions))}
	groups := []struct {
		urgency, title string
		limit          int
		reason         bool
	}{
		{UrgencyImmediate, "**🔴 Immediate:**", 0, true},
		{UrgencyToday, "**🟡 Oggi:**", 0, true},
		{UrgencyThisWeek, "**🔵 Questa settimana:**", 3, false},
	}
	for _, g := range groups {
		var group []Action
		for _, a := range actions {
			if a.Urgency == g.urgency {
				group = append(group, a)
			}
		}
		if len(group) == 0 {
			continue
		}
		if len(lines) > 1 {
			lines = append(lines, "")
		}
		lines = append(lines, g.title)
		if g.limit > 0 && len(group) > g.limit {
			group = group[:g.limit]
		}
		for _, a := range group {
			lines = append(lines, fmt.Sprintf("- **%s**: %s", a.EntityName, a.Action))
			if g.reason {
				lines = append(lines, fmt.Sprintf("  _Perché: %s_", a.Reasoning))
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Worker) health(ctx context.Context, ws, label string) (string, error) {
	alerts, err := w.repo.HealthAlerts(ctx, ws)
	if err != nil {
		return "", err
	}
	if len(alerts) == 0 {
		return fmt.Sprintf("La pipeline %s è in buona salute. Nessun alert attivo. ✅", label), nil
	}
	lines := []string{fmt.Sprintf("**Salute pipeline: %d alert**\n", len(alerts))}
	for _, g := range []struct{ level, title string }{
		{LevelCritical, "**🔴 Critici (%d):**"},
		{LevelWarning, "**⚠️ Avvisi (%d):**"},
		{LevelInfo, "**ℹ️ Info (%d):**"},
	} {
		group := byLevel(alerts, g.level)
		if len(group) == 0 {
			continue
		}
		if len(lines) > 1 {
			lines = append(lines, "")
		}
		lines = append(lines, fmt.Sprintf(g.title, len(group)))
		lines = append(lines, bullets(group, 0)...)
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Worker) search(ctx context.Context, ws, label, msg string) (string, error) {
	results, err := w.repo.Search(ctx, ws, ExtractFilter(msg))
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("Nessun %s trovato con questi criteri. Prova con filtri diversi.", label), nil
	}
	lines := []string{fmt.Sprintf("**Risultati ricerca: %d %s**\n", len(results), label)}
	for i, r := range results {
		if i == 10 {
			lines = append(lines, fmt.Sprintf("\n_...e altri %d risultati_", len(results)-10))
			break
		}
		sector := ""
		if r.Sector != "" {
			sector = " [" + r.Sector + "]"
		}
		lines = append(lines, fmt.Sprintf("- %s **%s**: %s (score %d)%s", scoreBadge(r.Score), r.CompanyName, StatusLabel(r.Status), r.Score, sector))
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Worker) conversion(ctx context.Context, ws, label string) (string, error) {
	m, err := w.repo.Metrics(ctx, ws)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		fmt.Sprintf("**Analisi conversione %s**\n", label),
		fmt.Sprintf("Tasso conversione: **%d%%** %s", percent(m.Rate), trendEmoji(m.Trend)),
		fmt.Sprintf("Tempo medio a conversione: **%d giorni**", m.AvgDaysToConversion),
		fmt.Sprintf("%s attivi: **%d** | Valore pipeline: **%s**", label, m.TotalActive, FormatEuro(m.PipelineValue)),
		fmt.Sprintf("Questo mese: **%d vinti** / **%d persi**", m.WonThisMonth, m.LostThisMonth),
	}, "\n"), nil
}

func byLevel(alerts []Alert, level string) []Alert {
	var out []Alert
	for _, a := range alerts {
		if a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

func bullets(alerts []Alert, limit int) []string {
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, "- "+a.Message)
	}
	return out
}

func scoreBadge(score int) string {
	switch {
	case score >= 80:
		return "🔴"
	case score >= 60:
		return "🟠"
	case score >= 40:
		return "🟡"
	}
	return "⚪"
}

func percent(rate float64) int { return int(rate*100 + 0.5) }

// FormatEuro renders whole euros with Italian thousands separators.
func FormatEuro(v float64) string {
	n := int64(v + 0.5)
	neg := n < 0
	if neg {
		n = -n
	}
	digits := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-€" + b.String()
	}
	return "€" + b.String()
}
