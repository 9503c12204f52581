/*
Package queue delivers outbound channel messages at a pace providers
accept.

Two backends share the same pacing and retry schedule: RiverQueue stores
jobs in Postgres through River, InlineQueue keeps them in memory for
single-instance deployments and tests.
*/
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/retry"
)

const (
	// QueueName is the River queue outbound jobs run on.
	QueueName = "outbound"

	DefaultMinDelay   = 1100 * time.Millisecond
	DefaultPerMinute  = 30
	DefaultMaxRetries = 5
	DefaultMaxWorkers = 1
	inlineBuffer      = 256
)

var (
	ErrQueueFull     = errors.New("outbound queue full")
	ErrQueueStopped  = errors.New("outbound queue stopped")
	ErrNoSender      = errors.New("no sender for channel")
	ErrEmptyOutbound = errors.New("outbound message has no recipient or text")
)

// Queue accepts replies for asynchronous delivery.
type Queue interface {
	Enqueue(ctx context.Context, msg channels.Outbound) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options tune pacing and retries. Zero values take the defaults.
type Options struct {
	MinDelay   time.Duration
	PerMinute  int
	MaxRetries int
	MaxWorkers int
}

func (o Options) withDefaults() Options {
	if o.MinDelay <= 0 {
		o.MinDelay = DefaultMinDelay
	}
	if o.PerMinute <= 0 {
		o.PerMinute = DefaultPerMinute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	return o
}

// Pacer spaces sends by a minimum gap and caps them per minute.
type Pacer struct {
	gap    *rate.Limiter
	minute *rate.Limiter
}

func NewPacer(minDelay time.Duration, perMinute int) *Pacer {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	return &Pacer{
		gap:    rate.NewLimiter(rate.Every(minDelay), 1),
		minute: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// Wait blocks until the next send is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.gap.Wait(ctx); err != nil {
		return err
	}
	return p.minute.Wait(ctx)
}

// Senders routes a message to the adapter of its channel.
type Senders map[string]channels.Sender

func (s Senders) send(ctx context.Context, msg channels.Outbound) error {
	sender, ok := s[msg.Channel]
	if !ok || sender == nil {
		return retry.Permanent(fmt.Errorf("%w %q", ErrNoSender, msg.Channel))
	}
	return sender.Send(ctx, msg)
}

func validate(msg channels.Outbound) error {
	if msg.To == "" || (msg.Text == "" && len(msg.Options) == 0) {
		return ErrEmptyOutbound
	}
	return nil
}

// OutboundArgs is the River job carrying one reply.
type OutboundArgs struct {
	Message channels.Outbound `json:"message"`
}

// Kind returns the job kind for River
func (OutboundArgs) Kind() string {
	return "outbound_message"
}

// InsertOpts puts outbound jobs on their own queue.
func (OutboundArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueName}
}

// DeliveryWorker sends one OutboundArgs job.
type DeliveryWorker struct {
	river.WorkerDefaults[OutboundArgs]
	senders Senders
	pacer   *Pacer
	backoff retry.Config
}

func (w *DeliveryWorker) Work(ctx context.Context, job *river.Job[OutboundArgs]) error {
	msg := job.Args.Message
	if err := w.pacer.Wait(ctx); err != nil {
		return err
	}
	err := w.senders.send(ctx, msg)
	if err == nil {
		return nil
	}
	logger := logging.WithTrace(msg.TraceID)
	if retry.IsPermanent(err) {
		logger.Warn().Err(err).Str("channel", msg.Channel).Msg("outbound message dropped")
		return river.JobCancel(err)
	}
	logger.Warn().Err(err).Str("channel", msg.Channel).Int("attempt", job.Attempt).Msg("outbound message failed, will retry")
	return err
}

// NextRetry follows the channel backoff schedule instead of River's default.
func (w *DeliveryWorker) NextRetry(job *river.Job[OutboundArgs]) time.Time {
	return time.Now().Add(retry.Delay(w.backoff, job.Attempt-1))
}

// RiverQueue persists outbound jobs in Postgres.
type RiverQueue struct {
	client     *river.Client[pgx.Tx]
	maxRetries int
}

// NewRiverQueue builds the River client. The River schema must already be
// migrated.
func NewRiverQueue(pool *pgxpool.Pool, senders Senders, opts Options) (*RiverQueue, error) {
	opts = opts.withDefaults()
	backoff := retry.ChannelConfig()
	backoff.MaxRetries = opts.MaxRetries

	workers := river.NewWorkers()
	river.AddWorker(workers, &DeliveryWorker{
		senders: senders,
		pacer:   NewPacer(opts.MinDelay, opts.PerMinute),
		backoff: backoff,
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueName: {MaxWorkers: opts.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	return &RiverQueue{client: client, maxRetries: opts.MaxRetries}, nil
}

func (q *RiverQueue) Enqueue(ctx context.Context, msg channels.Outbound) error {
	if err := validate(msg); err != nil {
		return err
	}
	_, err := q.client.Insert(ctx, OutboundArgs{Message: msg}, &river.InsertOpts{
		Queue:       QueueName,
		MaxAttempts: q.maxRetries + 1,
	})
	if err != nil {
		return fmt.Errorf("failed to queue outbound message: %w", err)
	}
	return nil
}

func (q *RiverQueue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

func (q *RiverQueue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// InlineQueue delivers from an in-memory buffer on a single goroutine.
// Undelivered messages are lost on shutdown.
type InlineQueue struct {
	senders Senders
	pacer   *Pacer
	backoff retry.Config

	mu      sync.Mutex
	jobs    chan channels.Outbound
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewInlineQueue(senders Senders, opts Options) *InlineQueue {
	opts = opts.withDefaults()
	backoff := retry.ChannelConfig()
	backoff.MaxRetries = opts.MaxRetries
	return &InlineQueue{
		senders: senders,
		pacer:   NewPacer(opts.MinDelay, opts.PerMinute),
		backoff: backoff,
		jobs:    make(chan channels.Outbound, inlineBuffer),
	}
}

func (q *InlineQueue) Enqueue(ctx context.Context, msg channels.Outbound) error {
	if err := validate(msg); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.jobs <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *InlineQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(runCtx)
	return nil
}

func (q *InlineQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q.jobs:
			if !ok {
				return
			}
			q.deliver(ctx, msg)
		}
	}
}

func (q *InlineQueue) deliver(ctx context.Context, msg channels.Outbound) {
	tl := logging.NewTraceLogger(logging.WithTrace(msg.TraceID), "outbound."+msg.Channel)
	res := retry.Do(ctx, q.backoff, func(ctx context.Context) error {
		if err := q.pacer.Wait(ctx); err != nil {
			return err
		}
		return q.senders.send(ctx, msg)
	}, tl)
	if !res.Success {
		log.Warn().
			Err(res.LastError).
			Str("trace_id", msg.TraceID).
			Str("channel", msg.Channel).
			Int("attempts", res.Attempts).
			Msg("outbound message not delivered")
	}
}

// Stop drains what is already buffered, then returns. If ctx ends first
// the remaining messages are abandoned.
func (q *InlineQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.jobs)
	done, cancel := q.done, q.cancel
	q.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}
