package mentor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/knowledge"
	"github.com/spediresicuro/anne/internal/llm"
	"github.com/spediresicuro/anne/internal/retry"
)

type fixedClient struct {
	text    string
	err     error
	prompts []string
}

func (f *fixedClient) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.text, f.err
}

func (f *fixedClient) GenerateWithImage(ctx context.Context, prompt string, image []byte, mime string) (string, error) {
	return f.Generate(ctx, prompt)
}

type brokenSearcher struct{}

func (brokenSearcher) Search(context.Context, string, string, int) ([]knowledge.Ranked, error) {
	return nil, errors.New("db down")
}

func seeded(t *testing.T) *knowledge.Service {
	t.Helper()
	svc := knowledge.NewService(knowledge.NewInMemoryStore(), 0)
	_, err := svc.Seed(context.Background(), "")
	require.NoError(t, err)
	return svc
}

func ask(t *testing.T, w *Worker, question string) agent.Result {
	t.Helper()
	s := agent.New(agent.Context{SessionID: "s1", WorkspaceID: "ws-1", TraceID: "t1"})
	s = s.BeginPass(s.Context, question, time.Now())
	res, err := w.Run(context.Background(), s)
	require.NoError(t, err)
	return res
}

func client(c llm.Client) *llm.ResilientClient {
	return llm.NewResilientClient(c, retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
}

func TestMentorAnswersFromDocs(t *testing.T) {
	res := ask(t, New(seeded(t)), "Come ricarico il wallet?")

	assert.Equal(t, agent.StepEnd, res.Next)
	assert.Contains(t, res.State.Answer, "Ricarica del wallet")
	require.NotEmpty(t, res.State.Sources)
	assert.True(t, strings.HasPrefix(res.State.Sources[0], "Ricarica del wallet"))
}

func TestMentorSaysDontKnow(t *testing.T) {
	res := ask(t, New(seeded(t)), "Qual è la capitale della Mongolia?")

	assert.Equal(t, MsgDontKnow, res.State.Answer)
	assert.Empty(t, res.State.Sources)
	assert.Less(t, res.State.Confidence, 1.0)
}

func TestMentorSynthesis(t *testing.T) {
	fc := &fixedClient{text: "Puoi ricaricare il wallet con carta o bonifico dalla sezione Wallet."}
	res := ask(t, New(seeded(t), WithSynthesis(client(fc), time.Second)), "Come ricarico il wallet?")

	assert.Equal(t, fc.text, res.State.Answer)
	assert.NotEmpty(t, res.State.Sources)
	require.Len(t, fc.prompts, 1)
	assert.Contains(t, fc.prompts[0], "Ricarica del wallet")
	assert.Contains(t, fc.prompts[0], dontKnowToken)
}

func TestMentorSynthesisDeclines(t *testing.T) {
	fc := &fixedClient{text: "NON_LO_SO"}
	res := ask(t, New(seeded(t), WithSynthesis(client(fc), time.Second)), "Come ricarico il wallet?")

	assert.Equal(t, MsgDontKnow, res.State.Answer)
	assert.Empty(t, res.State.Sources)
}

func TestMentorSynthesisFailureFallsBackToDoc(t *testing.T) {
	fc := &fixedClient{err: errors.New("invalid api key")}
	res := ask(t, New(seeded(t), WithSynthesis(client(fc), time.Second)), "Come ricarico il wallet?")

	assert.Contains(t, res.State.Answer, "**Ricarica del wallet**")
	assert.NotEmpty(t, res.State.Sources)
}

func TestMentorSearchError(t *testing.T) {
	s := agent.New(agent.Context{SessionID: "s1"})
	s = s.BeginPass(s.Context, "come funziona la giacenza?", time.Now())
	_, err := New(brokenSearcher{}).Run(context.Background(), s)
	assert.Error(t, err)
}

func TestMentorEmptyQuestion(t *testing.T) {
	res, err := New(seeded(t)).Run(context.Background(), agent.New(agent.Context{}))
	require.NoError(t, err)
	assert.Equal(t, msgEmpty, res.Clarification)
}

func TestFormatAnswer(t *testing.T) {
	assert.Equal(t, "ciao", FormatAnswer("ciao", nil))
	assert.Equal(t, "ciao\n\n📚 Fonti:\n- A\n- B", FormatAnswer("ciao", []string{"A", "B"}))
}
