package booking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/audit"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/policy"
	"github.com/spediresicuro/anne/internal/retry"
	"github.com/spediresicuro/anne/internal/tools"
)

var fixedNow = time.Date(2026, 3, 2, 10, 4, 0, 0, time.UTC)

type fakeCourier struct {
	mu      sync.Mutex
	calls   int
	byKey   map[string]Label
	err     error
	noTrack bool
}

func (f *fakeCourier) CreateShipment(ctx context.Context, s Shipment) (Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Label{}, f.err
	}
	if f.byKey == nil {
		f.byKey = make(map[string]Label)
	}
	if l, ok := f.byKey[s.IdempotencyKey]; ok {
		return l, nil
	}
	l := Label{ShipmentID: fmt.Sprintf("shp-%d", len(f.byKey)+1), TrackingNumber: fmt.Sprintf("TRK%03d", len(f.byKey)+1)}
	if f.noTrack {
		l.TrackingNumber = ""
	}
	f.byKey[s.IdempotencyKey] = l
	return l, nil
}

type fakeCredit struct {
	ok  bool
	err error
}

func (f fakeCredit) HasCredit(ctx context.Context, userID string, amount float64) (bool, error) {
	return f.ok, f.err
}

func completeDraft() draft.Draft {
	return draft.Draft{
		Sender: draft.Party{FullName: "Shop Srl", AddressLine1: "Via Po 1", City: "Torino", PostalCode: "10121", Province: "TO"},
		Recipient: draft.Party{
			FullName: "Mario Rossi", AddressLine1: "Via Roma 123", City: "Milano",
			PostalCode: "20100", Province: "MI", Phone: "3331234567",
		},
		Parcel: draft.Parcel{WeightKg: 2.5},
	}
}

func pricedState(msg string) agent.State {
	s := agent.New(agent.Context{SessionID: "b1", TraceID: "tr-1", UserID: "user-1", ActorID: "user-1", WorkspaceID: "ws-1"})
	s.Draft = completeDraft()
	s.PricingOptions = []agent.PricingOption{
		{ID: "gls-standard", Carrier: "GLS", Service: "Standard", Price: 7.8, Recommended: true},
		{ID: "brt-express", Carrier: "BRT", Service: "Express", Price: 8.4},
	}
	s.Messages = []agent.Message{{Role: agent.RoleHuman, Content: msg}}
	return s
}

func newWorker(c Courier, opts ...Option) (*Worker, *MemoryIdempotencyStore) {
	store := NewMemoryIdempotencyStore()
	store.now = func() time.Time { return fixedNow }
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(c, store, opts...), store
}

func TestBookingRequiresExplicitConfirmation(t *testing.T) {
	for _, msg := range []string{"lo voglio fare", "magari domani", "ok ma annulla", ""} {
		t.Run(msg, func(t *testing.T) {
			c := &fakeCourier{}
			w, _ := newWorker(c)
			res, err := w.Run(context.Background(), pricedState(msg))
			require.NoError(t, err)
			require.NotNil(t, res.State.Booking)
			assert.Equal(t, agent.BookingNeedsConfirmation, res.State.Booking.Status)
			assert.Zero(t, c.calls)
			assert.Contains(t, res.Clarification, "**GLS**")
		})
	}
}

func TestBookingConfirmed(t *testing.T) {
	c := &fakeCourier{}
	w, _ := newWorker(c)
	res, err := w.Run(context.Background(), pricedState("conferma, procedi"))
	require.NoError(t, err)

	b := res.State.Booking
	require.NotNil(t, b)
	assert.Equal(t, agent.BookingBooked, b.Status)
	assert.Equal(t, "TRK001", b.TrackingNumber)
	assert.Equal(t, "GLS", b.Carrier)
	assert.Equal(t, "Spedizione prenotata con successo! Tracking: TRK001", b.Message)
	assert.NotEmpty(t, b.IdempotencyKey)
	assert.Empty(t, res.Clarification)
	assert.Equal(t, agent.StepEnd, res.Next)
}

func TestBookingSelectedOption(t *testing.T) {
	c := &fakeCourier{}
	w, _ := newWorker(c)
	s := pricedState("sì prenota")
	s.SelectedOption = "brt-express"
	res, err := w.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "BRT", res.State.Booking.Carrier)
}

func TestBookingIsIdempotent(t *testing.T) {
	c := &fakeCourier{}
	w, _ := newWorker(c)

	first, err := w.Run(context.Background(), pricedState("conferma"))
	require.NoError(t, err)
	second, err := w.Run(context.Background(), pricedState("procedi"))
	require.NoError(t, err)

	assert.Equal(t, 1, c.calls, "one courier shipment per idempotency key")
	assert.Equal(t, first.State.Booking.TrackingNumber, second.State.Booking.TrackingNumber)
	assert.Equal(t, agent.BookingBooked, second.State.Booking.Status)
}

func TestBookingConcurrentAttemptsCreateOneShipment(t *testing.T) {
	c := &fakeCourier{}
	w, _ := newWorker(c)

	var wg sync.WaitGroup
	results := make([]agent.Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := w.Run(context.Background(), pricedState("conferma"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, c.calls)
	for _, r := range results {
		require.NotNil(t, r.State.Booking)
		assert.Contains(t, []agent.BookingStatus{agent.BookingBooked, agent.BookingRetryable}, r.State.Booking.Status)
	}
}

func TestBookingPreflight(t *testing.T) {
	c := &fakeCourier{}
	w, _ := newWorker(c)

	s := pricedState("conferma")
	s.Draft.Recipient.AddressLine1 = ""
	s.Draft.Sender = draft.Party{}
	res, err := w.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, agent.BookingFailed, res.State.Booking.Status)
	assert.Equal(t, string(CodePreflightFailed), res.State.Booking.ErrorCode)
	assert.Contains(t, res.Clarification, "Per procedere con la prenotazione, ho bisogno di: **nome mittente**")
	assert.Contains(t, res.MissingFields, draft.RecipientAddress)

	s = pricedState("conferma")
	s.PricingOptions = nil
	res, err = w.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, msgNoOption, res.Clarification)
	assert.Zero(t, c.calls)
}

func TestBookingInsufficientCredit(t *testing.T) {
	c := &fakeCourier{}
	w, _ := newWorker(c, WithCreditChecker(fakeCredit{ok: false}))
	res, err := w.Run(context.Background(), pricedState("conferma"))
	require.NoError(t, err)
	assert.Equal(t, string(CodeInsufficientCredit), res.State.Booking.ErrorCode)
	assert.Zero(t, c.calls)

	w, _ = newWorker(c, WithCreditChecker(fakeCredit{err: errors.New("wallet down")}))
	res, err = w.Run(context.Background(), pricedState("conferma"))
	require.NoError(t, err)
	assert.Equal(t, agent.BookingRetryable, res.State.Booking.Status)
}

func TestBookingTransientFailureReleasesKey(t *testing.T) {
	c := &fakeCourier{err: errors.New("connection reset by peer")}
	w, _ := newWorker(c, WithRetryAfter(30*time.Second))

	res, err := w.Run(context.Background(), pricedState("conferma"))
	require.NoError(t, err)
	b := res.State.Booking
	assert.Equal(t, agent.BookingRetryable, b.Status)
	assert.Equal(t, string(CodeNetworkError), b.ErrorCode)
	assert.Equal(t, 30*time.Second, b.RetryAfter)

	c.err = nil
	res, err = w.Run(context.Background(), pricedState("conferma"))
	require.NoError(t, err)
	assert.Equal(t, agent.BookingBooked, res.State.Booking.Status)
	assert.Equal(t, b.IdempotencyKey, res.State.Booking.IdempotencyKey)
}

func TestBookingPermanentFailures(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{retry.Permanent(errors.New("courier invalid data (422)")), CodeInvalidData},
		{ErrNoTracking, CodeCarrierError},
		{errors.New("something odd"), CodeUnknownError},
	}
	for _, tt := range tests {
		c := &fakeCourier{err: tt.err}
		w, _ := newWorker(c)
		res, err := w.Run(context.Background(), pricedState("conferma"))
		require.NoError(t, err)
		assert.Equal(t, agent.BookingFailed, res.State.Booking.Status, tt.err.Error())
		assert.Equal(t, string(tt.code), res.State.Booking.ErrorCode, tt.err.Error())
	}
}

func TestBookingInFlight(t *testing.T) {
	c := &fakeCourier{}
	w, store := newWorker(c)
	s := pricedState("conferma")
	key := IdempotencyKey("user-1", "ws-1", s.Draft, "gls-standard", fixedNow, DefaultWindow)
	_, err := store.Reserve(context.Background(), key, time.Minute)
	require.NoError(t, err)

	res, err := w.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, string(CodeDuplicateBooking), res.State.Booking.ErrorCode)
	assert.Equal(t, msgInFlight, res.Clarification)
	assert.Zero(t, c.calls)
}

func TestBookingPerWorkspace(t *testing.T) {
	c := &fakeCourier{}
	w, _ := newWorker(c)

	a := pricedState("conferma")
	a.Context.WorkspaceID = "ws-a"
	b := pricedState("conferma")
	b.Context.WorkspaceID = "ws-b"

	first, err := w.Run(context.Background(), a)
	require.NoError(t, err)
	second, err := w.Run(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, 2, c.calls, "each workspace gets its own shipment")
	assert.NotEqual(t, first.State.Booking.IdempotencyKey, second.State.Booking.IdempotencyKey)
	assert.NotEqual(t, first.State.Booking.ShipmentID, second.State.Booking.ShipmentID)
}

func TestBookingGoesThroughExecutor(t *testing.T) {
	store := audit.NewMemoryStore()
	exec := tools.NewExecutor(tools.WithAudit(audit.NewRecorder(store)))
	c := &fakeCourier{}
	w, _ := newWorker(c, WithExecutor(exec))
	assert.True(t, exec.Has("book_shipment"))

	res, err := w.Run(context.Background(), pricedState("conferma"))
	require.NoError(t, err)
	assert.Equal(t, agent.BookingBooked, res.State.Booking.Status)

	events, err := store.List(context.Background(), audit.Filter{Action: audit.ActionToolExecuted})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "book_shipment", events[0].Resource)
	assert.Equal(t, "ws-1", events[0].WorkspaceID)
	assert.Equal(t, "success", events[0].Metadata["outcome"])

	c.err = retry.Permanent(errors.New("courier invalid data (422)"))
	s := pricedState("conferma")
	s.SelectedOption = "brt-express"
	res, err = w.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, string(CodeInvalidData), res.State.Booking.ErrorCode)

	events, _ = store.List(context.Background(), audit.Filter{Action: audit.ActionToolExecuted})
	outcomes := make([]string, 0, len(events))
	for _, ev := range events {
		outcomes = append(outcomes, ev.Metadata["outcome"])
	}
	assert.ElementsMatch(t, []string{"success", "failed"}, outcomes)
}

func TestBookingDeniedByPolicyRule(t *testing.T) {
	rules, err := policy.ParseRules([]byte(`
rules:
  - id: no-booking
    tool: book_shipment
    decision: deny
    reason: le prenotazioni sono sospese
`))
	require.NoError(t, err)
	c := &fakeCourier{}
	w, _ := newWorker(c, WithExecutor(tools.NewExecutor(tools.WithRules(rules))))

	res, err := w.Run(context.Background(), pricedState("conferma"))
	require.NoError(t, err)
	assert.Equal(t, agent.BookingFailed, res.State.Booking.Status)
	assert.Equal(t, string(CodePolicyDenied), res.State.Booking.ErrorCode)
	assert.Equal(t, "Operazione non consentita: le prenotazioni sono sospese.", res.Clarification)
	assert.Zero(t, c.calls)
}

func TestBookingWithoutActorIsRefused(t *testing.T) {
	c := &fakeCourier{}
	w, _ := newWorker(c)
	s := pricedState("conferma")
	s.Context.ActorID = ""

	res, err := w.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, agent.BookingFailed, res.State.Booking.Status)
	assert.Zero(t, c.calls)
}

func TestIdempotencyKey(t *testing.T) {
	d := completeDraft()
	k1 := IdempotencyKey("u", "ws", d, "opt", fixedNow, 10*time.Minute)
	k2 := IdempotencyKey("u", "ws", d, "opt", fixedNow.Add(5*time.Minute), 10*time.Minute)
	assert.Equal(t, k1, k2, "same window")
	assert.Len(t, k1, len("bk_")+64)

	assert.NotEqual(t, k1, IdempotencyKey("u", "ws", d, "opt", fixedNow.Add(10*time.Minute), 10*time.Minute))
	assert.NotEqual(t, k1, IdempotencyKey("other", "ws", d, "opt", fixedNow, 10*time.Minute))
	assert.NotEqual(t, k1, IdempotencyKey("u", "ws-2", d, "opt", fixedNow, 10*time.Minute))
	assert.NotEqual(t, k1, IdempotencyKey("u", "ws", d, "opt2", fixedNow, 10*time.Minute))
	d.Parcel.WeightKg = 3
	assert.NotEqual(t, k1, IdempotencyKey("u", "ws", d, "opt", fixedNow, 10*time.Minute))
}

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotencyStore()
	now := fixedNow
	s.now = func() time.Time { return now }

	prior, err := s.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, prior)

	_, err = s.Reserve(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrDuplicateInFlight)

	require.NoError(t, s.Complete(ctx, "k", agent.BookingResult{Status: agent.BookingBooked, TrackingNumber: "T1"}, time.Minute))
	prior, err = s.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "T1", prior.TrackingNumber)

	require.NoError(t, s.Release(ctx, "k"))
	prior, _ = s.Reserve(ctx, "k", time.Minute)
	assert.NotNil(t, prior, "release leaves completed keys alone")

	now = now.Add(2 * time.Minute)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClassifyError(t *testing.T) {
	tests := map[string]ErrorCode{
		"wallet balance too low":       CodeInsufficientCredit,
		"courier rate limit (429)":     CodeRateLimited,
		"dial tcp: connection refused": CodeNetworkError,
		"shipment already exists":      CodeDuplicateBooking,
		"validation failed: cap":       CodeInvalidData,
		"corriere non disponibile":     CodeCarrierError,
		"generated label missing":      CodeUnknownError,
	}
	for msg, want := range tests {
		assert.Equal(t, want, ClassifyError(errors.New(msg)), msg)
	}
	assert.Equal(t, ErrorCode(""), ClassifyError(nil))
}

func TestHTTPCourier(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/shipments", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"shipmentId":"s1","trackingNumber":"T9"}`))
	}))
	defer srv.Close()

	c := NewHTTPCourier(srv.URL, "secret", time.Second)
	label, err := c.CreateShipment(context.Background(), Shipment{IdempotencyKey: "bk_1"})
	require.NoError(t, err)
	assert.Equal(t, "T9", label.TrackingNumber)
	assert.Equal(t, "bk_1", gotKey)
}

func TestHTTPCourierClientErrorIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad cap", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewHTTPCourier(srv.URL, "", time.Second).CreateShipment(context.Background(), Shipment{IdempotencyKey: "bk_2"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CodeInvalidData, ClassifyError(err))
	assert.False(t, Retryable(err))
}
