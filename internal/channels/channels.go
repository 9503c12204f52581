// Package channels holds what the messaging adapters share: the inbound
// and outbound message shapes, webhook deduplication and the per-sender
// inbound limit.
package channels

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/retry"
)

// Channel names.
const (
	WhatsApp = "whatsapp"
	Telegram = "telegram"
	Web      = "web"
)

const (
	// DefaultDedupTTL is how long a provider message id is remembered.
	DefaultDedupTTL = 5 * time.Minute
	// DefaultPerSenderPerMinute caps inbound messages per phone or chat.
	DefaultPerSenderPerMinute = 10
)

// Inbound is one user message received from a provider webhook.
type Inbound struct {
	Channel   string
	From      string
	Name      string
	MessageID string
	Text      string
	At        time.Time
}

// Button is a quick reply. ID comes back as the text of the next message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Outbound is one reply to deliver.
type Outbound struct {
	Channel string                `json:"channel"`
	To      string                `json:"to"`
	Text    string                `json:"text"`
	Buttons []Button              `json:"buttons,omitempty"`
	Options []agent.PricingOption `json:"options,omitempty"`
	TraceID string                `json:"trace_id,omitempty"`
}

// Sender delivers an outbound message on one channel. Errors wrapped with
// retry.Permanent are not retried.
type Sender interface {
	Send(ctx context.Context, msg Outbound) error
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// Deduper remembers provider message ids so webhook retries are handled
// once.
type Deduper interface {
	// Seen records id and reports whether it was already recorded.
	Seen(ctx context.Context, id string) (bool, error)
}

// MemoryDeduper is a TTL set of message ids.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduper{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Seen(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.seen[id]; ok && now.Sub(at) <= d.ttl {
		return true, nil
	}
	d.seen[id] = now
	return false, nil
}

// PurgeExpired drops ids older than the TTL.
func (d *MemoryDeduper) PurgeExpired(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for id, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, id)
			n++
		}
	}
	return n, nil
}

// SenderLimiter caps how many messages one sender may push per minute.
type SenderLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*senderEntry
	now      func() time.Time
}

type senderEntry struct {
	lim  *rate.Limiter
	last time.Time
}

func NewSenderLimiter(perMinute int) *SenderLimiter {
	if perMinute <= 0 {
		perMinute = DefaultPerSenderPerMinute
	}
	return &SenderLimiter{perMin: perMinute, limiters: make(map[string]*senderEntry), now: time.Now}
}

// Allow reports whether sender may send one more message now.
func (l *SenderLimiter) Allow(sender string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.limiters[sender]
	if !ok {
		e = &senderEntry{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)}
		l.limiters[sender] = e
	}
	e.last = now
	return e.lim.AllowN(now, 1)
}

// PurgeExpired forgets senders idle for more than a minute; their bucket
// is full again by then.
func (l *SenderLimiter) PurgeExpired(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, e := range l.limiters {
		if now.Sub(e.last) > time.Minute {
			delete(l.limiters, k)
			n++
		}
	}
	return n, nil
}

// StatusError turns a provider HTTP failure into an error the delivery
// queue understands: throttling and server errors are retried, other
// client errors are permanent.
func StatusError(provider string, status int, detail string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: rate limit (429): %s", provider, detail)
	case status >= 500:
		return fmt.Errorf("%s: service unavailable (%d): %s", provider, status, detail)
	}
	return retry.Permanent(fmt.Errorf("%s: status %d: %s", provider, status, detail))
}
