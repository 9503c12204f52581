package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/retry"
)

func TestParseUpdateMessage(t *testing.T) {
	body := `{"update_id": 42, "message": {"message_id": 7, "date": 1767225600, "text": "traccia la mia spedizione",
		"chat": {"id": 555, "type": "private"}, "from": {"id": 555, "first_name": "Giulia", "last_name": "Bianchi"}}}`
	in, ok, err := ParseUpdate([]byte(body))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, channels.Telegram, in.Channel)
	assert.Equal(t, "555", in.From)
	assert.Equal(t, "Giulia Bianchi", in.Name)
	assert.Equal(t, "42", in.MessageID)
	assert.Equal(t, "traccia la mia spedizione", in.Text)
}

func TestParseUpdateCallback(t *testing.T) {
	body := `{"update_id": 43, "callback_query": {"id": "cb", "data": "opzione 1",
		"from": {"id": 555, "username": "giulia"}, "message": {"message_id": 8, "chat": {"id": 555}}}}`
	in, ok, err := ParseUpdate([]byte(body))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "opzione 1", in.Text)
	assert.Equal(t, "giulia", in.Name)
}

func TestParseUpdateIgnored(t *testing.T) {
	_, ok, err := ParseUpdate([]byte(`{"update_id": 44, "edited_message": {"text": "x"}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseUpdate([]byte(`{"update_id": 45, "message": {"chat": {"id": 1}, "text": "  "}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseUpdate([]byte("not json"))
	assert.Error(t, err)
}

func TestVerifySecret(t *testing.T) {
	assert.True(t, VerifySecret("s3cret", "s3cret"))
	assert.False(t, VerifySecret("other", "s3cret"))
	assert.False(t, VerifySecret("", ""))
}

func TestFormatHTML(t *testing.T) {
	assert.Equal(t, "<b>Totale</b>: 7.80 € &lt;IVA&gt;", FormatHTML("**Totale**: 7.80 € <IVA>"))
	assert.Equal(t, "<i>nota</i> e <b>ok</b>", FormatHTML("*nota* e **ok**"))
	assert.Equal(t, "3 * 2", FormatHTML("3 * 2"))

	long := FormatHTML(strings.Repeat("a&", 3000))
	assert.LessOrEqual(t, len([]rune(long)), MaxTextLength)
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.NotContains(t, long[len(long)-8:], "&amp...")
}

func TestButtonsKeyboard(t *testing.T) {
	assert.Nil(t, ButtonsKeyboard(nil))

	var buttons []channels.Button
	for i := 0; i < 10; i++ {
		buttons = append(buttons, channels.Button{ID: "b", Title: "B"})
	}
	kb := ButtonsKeyboard(buttons)
	require.Len(t, kb.InlineKeyboard, 2)
	assert.Len(t, kb.InlineKeyboard[0], MaxButtonsPerRow)
	assert.Len(t, kb.InlineKeyboard[1], 2)
}

func TestPricingKeyboard(t *testing.T) {
	opts := []agent.PricingOption{
		{Carrier: "GLS", Service: "Standard", Price: 7.8},
		{Carrier: "BRT", Service: "Express", Price: 8.4},
		{Carrier: "SDA", Service: "Standard", Price: 9.1},
		{Carrier: "Poste", Service: "Crono", Price: 9.9},
	}
	kb := PricingKeyboard(opts)
	require.Len(t, kb.InlineKeyboard, MaxPricingRows)
	assert.Equal(t, "GLS Standard · €7.80", kb.InlineKeyboard[0][0].Text)
	assert.Equal(t, "opzione 3", kb.InlineKeyboard[2][0].CallbackData)
	assert.Nil(t, PricingKeyboard(nil))
}

func TestClientSend(t *testing.T) {
	var got SendMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":9}}`))
	}))
	defer srv.Close()

	c := NewClient("123:abc")
	c.BaseURL = srv.URL
	err := c.Send(context.Background(), channels.Outbound{
		Channel: channels.Telegram,
		To:      "555",
		Text:    "Confermi?",
		Buttons: []channels.Button{{ID: "conferma", Title: "Conferma"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "555", got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	require.NotNil(t, got.ReplyMarkup)
	assert.Equal(t, "conferma", got.ReplyMarkup.InlineKeyboard[0][0].CallbackData)
}

func TestClientSendErrors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	c := NewClient("123:abc")
	c.BaseURL = srv.URL
	msg := channels.Outbound{To: "555", Text: "ciao"}

	err := c.Send(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Contains(t, err.Error(), "chat not found")

	status = http.StatusBadGateway
	err = c.Send(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))

	assert.True(t, retry.IsPermanent(NewClient("").Send(context.Background(), msg)))
}
