package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSlackClient struct {
	mu       sync.Mutex
	channels []string
	postErr  error
}

func (m *mockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.channels = append(m.channels, channelID)
	return channelID, "1234567890.123456", nil
}

func TestNewSlackNotifierRequiresConfig(t *testing.T) {
	_, err := NewSlackNotifier("", "#ops")
	assert.Error(t, err)
	_, err = NewSlackNotifier("xoxb-1", "")
	assert.Error(t, err)
	n, err := NewSlackNotifier("xoxb-1", "#ops")
	require.NoError(t, err)
	assert.Equal(t, "#ops", n.channel)
}

func TestSlackNotify(t *testing.T) {
	mock := &mockSlackClient{}
	n := &SlackNotifier{client: mock, channel: "#ops"}
	require.NoError(t, n.Notify(context.Background(), Escalation{SessionID: "s1", Reason: "bassa confidenza"}))
	assert.Equal(t, []string{"#ops"}, mock.channels)

	mock.postErr = errors.New("channel_not_found")
	err := n.Notify(context.Background(), Escalation{SessionID: "s1"})
	assert.ErrorContains(t, err, "channel_not_found")
}

func TestAttachmentSkipsEmptyFields(t *testing.T) {
	at := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	att := attachment(Escalation{SessionID: "s1", Channel: "whatsapp", Reason: "OCR illeggibile", At: at})
	assert.Equal(t, "OCR illeggibile", att.Text)

	titles := map[string]string{}
	for _, f := range att.Fields {
		titles[f.Title] = f.Value
	}
	assert.Equal(t, map[string]string{
		"Sessione": "s1",
		"Canale":   "whatsapp",
		"Ora":      "2026-03-15T10:00:00Z",
	}, titles)
}

func TestNopNotifier(t *testing.T) {
	assert.NoError(t, NopNotifier{}.Notify(context.Background(), Escalation{SessionID: "s1"}))
}
