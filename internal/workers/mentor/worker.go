// Package mentor answers how-to questions from the knowledge base. It
// never answers from the model's own memory: without a relevant doc the
// reply says so.
package mentor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/knowledge"
	"github.com/spediresicuro/anne/internal/llm"
)

const (
	// MsgDontKnow is the answer when no doc is relevant enough.
	MsgDontKnow = "Non lo so: non ho trovato informazioni affidabili su questo argomento nella documentazione. " +
		"Puoi riformulare la domanda o chiedere di parlare con il team di supporto."
	msgEmpty = "Dimmi pure cosa vuoi sapere sulla piattaforma: spedizioni, giacenze, wallet, listini."

	// dontKnowToken is what the model must reply when the docs do not cover
	// the question.
	dontKnowToken = "NON_LO_SO"
	maxDocs       = 3
)

const synthesisPrompt = `Sei Anne, l'assistente di una piattaforma di spedizioni italiana.
Rispondi alla domanda usando SOLO i documenti qui sotto, in italiano, in non più di 5 frasi.
Se i documenti non contengono la risposta, rispondi esattamente: ` + dontKnowToken + `

Documenti:
%s
Domanda: %s`

// Searcher ranks docs for a question.
type Searcher interface {
	Search(ctx context.Context, workspaceID, query string, limit int) ([]knowledge.Ranked, error)
}

// Worker answers from retrieved docs, optionally rephrased by a model.
type Worker struct {
	kb      Searcher
	client  *llm.ResilientClient
	timeout time.Duration
}

type Option func(*Worker)

// WithSynthesis lets a model compose the answer from the retrieved docs.
func WithSynthesis(c *llm.ResilientClient, timeout time.Duration) Option {
	return func(w *Worker) {
		w.client = c
		w.timeout = timeout
	}
}

func New(kb Searcher, opts ...Option) *Worker {
	w := &Worker{kb: kb}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) Name() agent.Step { return agent.StepMentor }

func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	next.Sources = nil
	next.Answer = ""

	question := strings.TrimSpace(s.LastUserMessage())
	if question == "" {
		next.Clarification = msgEmpty
		return agent.Result{State: next, Clarification: msgEmpty, Next: agent.StepEnd}, nil
	}

	hits, err := w.kb.Search(ctx, s.Context.WorkspaceID, question, maxDocs)
	if err != nil {
		return agent.Result{}, fmt.Errorf("knowledge search: %w", err)
	}
	if len(hits) == 0 {
		log.Info().Str("session", s.Context.SessionID).Msg("mentor: no relevant docs")
		next.Answer = MsgDontKnow
		next.LowerConfidence(0.3)
		return agent.Result{State: next, Next: agent.StepEnd}, nil
	}

	sources := make([]string, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, h.Doc.Reference())
	}

	answer, ok := w.synthesize(ctx, s.Context.TraceID, question, hits)
	if !ok {
		answer = extract(hits[0].Doc)
	}
	if answer == dontKnowToken {
		next.Answer = MsgDontKnow
		next.LowerConfidence(0.3)
		return agent.Result{State: next, Next: agent.StepEnd}, nil
	}

	log.Info().
		Str("session", s.Context.SessionID).
		Int("docs", len(hits)).
		Bool("synthesized", ok).
		Msg("mentor answered")
	next.Answer = answer
	next.Sources = sources
	return agent.Result{State: next, Next: agent.StepEnd}, nil
}

// synthesize returns the model answer, or false when no model is
// configured or the call failed.
func (w *Worker) synthesize(ctx context.Context, traceID, question string, hits []knowledge.Ranked) (string, bool) {
	if w.client == nil {
		return "", false
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, h.Doc.Title, h.Doc.Body)
	}
	resp, err := w.client.Generate(ctx, llm.Request{
		TraceID: traceID,
		Prompt:  fmt.Sprintf(synthesisPrompt, b.String(), question),
		Timeout: w.timeout,
	})
	if err != nil {
		log.Warn().Err(err).Str("trace_id", traceID).Msg("mentor synthesis failed, using doc text")
		return "", false
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", false
	}
	if strings.Contains(text, dontKnowToken) {
		return dontKnowToken, true
	}
	return text, true
}

// extract is the answer without a model: the doc body under its title.
func extract(d knowledge.Doc) string {
	return "**" + d.Title + "**\n" + d.Body
}

// FormatAnswer renders an answer with its sources.
func FormatAnswer(answer string, sources []string) string {
	if len(sources) == 0 {
		return answer
	}
	var b strings.Builder
	b.WriteString(answer)
	b.WriteString("\n\n📚 Fonti:")
	for _, s := range sources {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
	return b.String()
}
