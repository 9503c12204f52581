package acting

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Delegation is a reseller acting inside a sub-client workspace.
type Delegation struct {
	SubClientUserID     string `json:"subClientUserId"`
	SubClientName       string `json:"subClientName"`
	WorkspaceID         string `json:"workspaceId"`
	WorkspaceName       string `json:"workspaceName"`
	ResellerWorkspaceID string `json:"resellerWorkspaceId,omitempty"`
}

// Candidate is a sub-client a reseller may delegate to.
type Candidate struct {
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	WorkspaceID   string `json:"workspaceId"`
	WorkspaceName string `json:"workspaceName"`
}

// DisplayName prefers the person's name over the workspace name.
func (c Candidate) DisplayName() string {
	if c.UserName != "" {
		return c.UserName
	}
	return c.WorkspaceName
}

// MatchKind classifies a delegation target lookup.
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchAmbiguous MatchKind = "ambiguous"
	MatchNone      MatchKind = "none"
)

// Match is the result of ExtractDelegationTarget.
type Match struct {
	Kind       MatchKind
	Name       string
	Candidates []Candidate
}

// SimilarityThreshold is the minimum score for a candidate to count.
const SimilarityThreshold = 0.7

var delegationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bper conto (?:di|del|della|dello)\s+(.+)`),
	regexp.MustCompile(`(?i)\ba nome (?:di|del|della|dello)\s+(.+)`),
	regexp.MustCompile(`(?i)\bper (?:il|la|lo) (?:cliente|sub-?client|subcliente)\s+(.+)`),
	regexp.MustCompile(`(?i)\b(?:opera|operare|lavora|lavorare|agisci|agire)\s+(?:per|come)\s+(?:il cliente\s+|la cliente\s+)?(.+)`),
}

var endDelegationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:termina|chiudi|disattiva|annulla|basta|stop)\s+(?:con\s+)?(?:la\s+)?delega(?:zione)?\b`),
	regexp.MustCompile(`(?i)\besc[io]\s+dalla\s+delega(?:zione)?\b`),
	regexp.MustCompile(`(?i)\btorna(?:re)?\s+(?:al|sul|nel)\s+mio\s+(?:account|workspace|profilo)\b`),
	regexp.MustCompile(`(?i)\bsmetti\s+di\s+operare\s+per\b`),
}

// Words that end a client name inside a delegation sentence.
var nameStopWords = map[string]bool{
	"crea": true, "creare": true, "fai": true, "fare": true, "prepara": true,
	"spedisci": true, "spedire": true, "preventivo": true, "calcola": true,
	"mostra": true, "mostrami": true, "quanto": true, "voglio": true,
	"vorrei": true, "devo": true, "un": true, "una": true, "uno": true,
	"e": true, "per": true, "che": true, "con": true, "mi": true, "ci": true,
	"prenota": true, "controlla": true, "verifica": true, "dimmi": true,
}

const maxNameWords = 4

// DetectDelegationIntent reports whether message asks to act for a client.
func DetectDelegationIntent(message string) bool {
	for _, re := range delegationPatterns {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}

// DetectEndDelegationIntent reports whether message asks to stop delegating.
func DetectEndDelegationIntent(message string) bool {
	for _, re := range endDelegationPatterns {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}

// ExtractDelegationName returns the client name following a delegation
// phrase, or "" when none is present.
func ExtractDelegationName(message string) string {
	for _, re := range delegationPatterns {
		m := re.FindStringSubmatch(message)
		if len(m) < 2 {
			continue
		}
		if name := cleanName(m[1]); name != "" {
			return name
		}
	}
	return ""
}

func cleanName(raw string) string {
	if i := strings.IndexAny(raw, ",.;:!?\n"); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.Trim(raw, " \t\"'“”«»")

	var words []string
	for _, w := range strings.Fields(raw) {
		w = strings.Trim(w, "\"'“”«»")
		if w == "" {
			continue
		}
		if len(words) > 0 && nameStopWords[strings.ToLower(w)] {
			break
		}
		words = append(words, w)
		if len(words) == maxNameWords {
			break
		}
	}
	return strings.Join(words, " ")
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Similarity scores how well query names candidate: 1 for an exact match,
// 0.9 when the candidate starts with the query words, 0.8 when every query
// word appears in the candidate, otherwise a partial overlap below the
// threshold.
func Similarity(query, candidate string) float64 {
	q, c := normalizeName(query), normalizeName(candidate)
	if q == "" || c == "" {
		return 0
	}
	if q == c {
		return 1
	}
	if strings.HasPrefix(c, q+" ") {
		return 0.9
	}

	cWords := make(map[string]bool)
	for _, w := range strings.Fields(c) {
		cWords[w] = true
	}
	qWords := strings.Fields(q)
	shared := 0
	for _, w := range qWords {
		if cWords[w] {
			shared++
		}
	}
	if shared == len(qWords) {
		return 0.8
	}
	total := len(qWords)
	if len(cWords) > total {
		total = len(cWords)
	}
	return 0.6 * float64(shared) / float64(total)
}

func candidateScore(name string, c Candidate) float64 {
	s := Similarity(name, c.UserName)
	if ws := Similarity(name, c.WorkspaceName); ws > s {
		s = ws
	}
	return s
}

// ExtractDelegationTarget matches the name in message against candidates.
// A single candidate above the threshold, or a single exact match, is
// exact. Several candidates above the threshold are ambiguous and listed
// alphabetically. Nothing above the threshold is none.
func ExtractDelegationTarget(message string, candidates []Candidate) Match {
	name := ExtractDelegationName(message)
	if name == "" {
		return Match{Kind: MatchNone}
	}
	return MatchCandidates(name, candidates)
}

// MatchCandidates is ExtractDelegationTarget for an already extracted name.
func MatchCandidates(name string, candidates []Candidate) Match {
	var above, exact []Candidate
	for _, c := range candidates {
		score := candidateScore(name, c)
		if score >= SimilarityThreshold {
			above = append(above, c)
		}
		if score == 1 {
			exact = append(exact, c)
		}
	}

	switch {
	case len(exact) == 1:
		return Match{Kind: MatchExact, Name: name, Candidates: exact}
	case len(above) == 1:
		return Match{Kind: MatchExact, Name: name, Candidates: above}
	case len(above) == 0:
		return Match{Kind: MatchNone, Name: name}
	}

	sortCandidates(above)
	return Match{Kind: MatchAmbiguous, Name: name, Candidates: above}
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := strings.ToLower(cs[i].DisplayName()), strings.ToLower(cs[j].DisplayName())
		if a != b {
			return a < b
		}
		if cs[i].WorkspaceName != cs[j].WorkspaceName {
			return cs[i].WorkspaceName < cs[j].WorkspaceName
		}
		return cs[i].WorkspaceID < cs[j].WorkspaceID
	})
}

// SubClientSource lists the sub-clients of a reseller workspace.
type SubClientSource interface {
	SubClients(ctx context.Context, resellerWorkspaceID string) ([]Candidate, error)
}

// OutcomeKind is what Begin decided.
type OutcomeKind string

const (
	OutcomeNotRequested OutcomeKind = "not_requested"
	OutcomeActivated    OutcomeKind = "activated"
	OutcomeAmbiguous    OutcomeKind = "ambiguous"
	OutcomeNotFound     OutcomeKind = "not_found"
	OutcomeRejected     OutcomeKind = "rejected"
	OutcomeFailed       OutcomeKind = "failed"
)

// Outcome of a delegation request. Message is user facing.
type Outcome struct {
	Kind       OutcomeKind
	Delegation *Delegation
	Context    Context
	Message    string
}

// User facing texts.
const (
	MsgDelegationRejected = "Non hai i permessi per operare per conto di altri clienti in questo workspace."
	MsgDelegationFailed   = "Si è verificato un errore durante la ricerca del cliente. Riprova tra poco."
	maxListedCandidates   = 5
)

// Delegator turns a delegation request into a scoped context.
type Delegator struct {
	memberships MembershipSource
	clients     SubClientSource
}

// NewDelegator creates a Delegator.
func NewDelegator(memberships MembershipSource, clients SubClientSource) *Delegator {
	return &Delegator{memberships: memberships, clients: clients}
}

// Begin handles a message that may ask for delegation. Every failure
// path fails closed: the caller must stop and show Message.
func (d *Delegator) Begin(ctx context.Context, ac Context, message string) Outcome {
	if !DetectDelegationIntent(message) {
		return Outcome{Kind: OutcomeNotRequested, Context: ac}
	}
	name := ExtractDelegationName(message)
	if name == "" {
		return Outcome{Kind: OutcomeNotRequested, Context: ac}
	}

	if !ac.Actor.IsReseller() || ac.Workspace == nil || ac.Workspace.ID == "" {
		return Outcome{Kind: OutcomeRejected, Context: ac, Message: MsgDelegationRejected}
	}
	resellerWS := ac.Workspace.ID
	if ac.Delegation != nil && ac.Delegation.ResellerWorkspaceID != "" {
		resellerWS = ac.Delegation.ResellerWorkspaceID
	}

	m, err := d.memberships.Membership(ctx, resellerWS, ac.Actor.ID)
	if err != nil {
		log.Error().Err(err).Str("workspace_id", resellerWS).Msg("delegation membership lookup failed")
		return Outcome{Kind: OutcomeFailed, Context: ac, Message: MsgDelegationFailed}
	}
	if m == nil || !m.Active || (m.Role != MemberOwner && m.Role != MemberAdmin) {
		log.Warn().Str("workspace_id", resellerWS).Msg("delegation refused: not an active reseller admin")
		return Outcome{Kind: OutcomeRejected, Context: ac, Message: MsgDelegationRejected}
	}

	candidates, err := d.clients.SubClients(ctx, resellerWS)
	if err != nil {
		log.Error().Err(err).Str("workspace_id", resellerWS).Msg("sub-client lookup failed")
		return Outcome{Kind: OutcomeFailed, Context: ac, Message: MsgDelegationFailed}
	}

	match := MatchCandidates(name, candidates)
	switch match.Kind {
	case MatchNone:
		return Outcome{
			Kind:    OutcomeNotFound,
			Context: ac,
			Message: fmt.Sprintf("Non ho trovato nessun sub-client con nome %q. Verifica il nome e riprova.", name),
		}
	case MatchAmbiguous:
		return Outcome{Kind: OutcomeAmbiguous, Context: ac, Message: ambiguousMessage(name, match.Candidates)}
	}

	best := match.Candidates[0]
	del := Delegation{
		SubClientUserID:     best.UserID,
		SubClientName:       best.DisplayName(),
		WorkspaceID:         best.WorkspaceID,
		WorkspaceName:       best.WorkspaceName,
		ResellerWorkspaceID: resellerWS,
	}
	return Outcome{
		Kind:       OutcomeActivated,
		Delegation: &del,
		Context:    ac.ForDelegation(del),
		Message:    fmt.Sprintf("Opero per conto di %s (%s).", del.SubClientName, del.WorkspaceName),
	}
}

func ambiguousMessage(name string, cs []Candidate) string {
	if len(cs) > maxListedCandidates {
		cs = cs[:maxListedCandidates]
	}
	lines := make([]string, 0, len(cs))
	for _, c := range cs {
		lines = append(lines, fmt.Sprintf("• **%s** (%s)", c.WorkspaceName, c.UserName))
	}
	return fmt.Sprintf("Ho trovato più clienti simili a %q. Quale intendi?\n\n%s\n\nSpecifica il nome esatto.",
		name, strings.Join(lines, "\n"))
}

// EndMessage is shown when an active delegation is cleared.
func EndMessage(d Delegation) string {
	return fmt.Sprintf("Ho disattivato la delegazione per %s. Ora opero di nuovo sul tuo workspace.", d.SubClientName)
}
