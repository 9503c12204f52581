package channels

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/retry"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "ciao", Truncate("ciao", 10))
	assert.Equal(t, "ci", Truncate("ciao", 2))
	assert.Equal(t, "€€", Truncate("€€€", 2))
	assert.Equal(t, "", Truncate("ciao", 0))
}

func TestMemoryDeduper(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Minute)
	d.now = func() time.Time { return now }

	seen, err := d.Seen(ctx, "wamid.1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = d.Seen(ctx, "wamid.1")
	assert.True(t, seen, "retry inside the window is a duplicate")

	now = now.Add(2 * time.Minute)
	n, err := d.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seen, _ = d.Seen(ctx, "wamid.1")
	assert.False(t, seen)
}

func TestSenderLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewSenderLimiter(3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("393331234567"), "message %d", i+1)
	}
	assert.False(t, l.Allow("393331234567"))
	assert.True(t, l.Allow("393339999999"), "limits are per sender")

	now = now.Add(20 * time.Second)
	assert.True(t, l.Allow("393331234567"), "one token refills every 20s")

	now = now.Add(2 * time.Minute)
	n, err := l.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
		retryable bool
	}{
		{http.StatusTooManyRequests, false, true},
		{http.StatusBadGateway, false, true},
		{http.StatusServiceUnavailable, false, true},
		{http.StatusBadRequest, true, false},
		{http.StatusUnauthorized, true, false},
	}
	for _, tt := range tests {
		err := StatusError("whatsapp", tt.status, "detail")
		assert.Equal(t, tt.permanent, retry.IsPermanent(err), "status %d", tt.status)
		if tt.retryable {
			assert.True(t, retry.IsRetryableError(err), "status %d", tt.status)
		}
	}
}
