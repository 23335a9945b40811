package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-checkout/internal/metrics"
	redisclient "github.com/hackgods/appointment-checkout/internal/redis"
)

type fakePayments struct {
	mu         sync.Mutex
	createErr  error
	confirmErr error
	amounts    []int64
	currencies []string
	confirmed  []string
	seq        int
}

func (f *fakePayments) CreateIntent(ctx context.Context, amount int64, currency, ref string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.amounts = append(f.amounts, amount)
	f.currencies = append(f.currencies, currency)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	return &PaymentIntent{
		ClientSecret: fmt.Sprintf("pi_%d_secret_test", f.seq),
		ProviderRef:  fmt.Sprintf("pi_%d", f.seq),
	}, nil
}

func (f *fakePayments) Confirm(ctx context.Context, clientSecret string, details PaymentDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, clientSecret)
	return f.confirmErr
}

type fakeBookings struct {
	mu     sync.Mutex
	err    error
	calls  []BookingRequest
	tokens []string
}

func (f *fakeBookings) BookAppointment(ctx context.Context, req BookingRequest, authToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.tokens = append(f.tokens, authToken)
	return f.err
}

type fakeLedger struct {
	mu        sync.Mutex
	attempts  map[uuid.UUID]Flow
	events    []string
	abandoned   []uuid.UUID
	cutoff      time.Time
	staleBefore time.Time
	lastLimit   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{attempts: map[uuid.UUID]Flow{}}
}

func (l *fakeLedger) RecordAttempt(ctx context.Context, flow *Flow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[flow.ID] = *flow
	return nil
}

func (l *fakeLedger) InsertEvent(ctx context.Context, ev EventLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev.EventType)
	return nil
}

func (l *fakeLedger) ListPaidUnbooked(ctx context.Context, staleBefore time.Time, limit int) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staleBefore = staleBefore
	l.lastLimit = limit
	var out []Attempt
	for _, f := range l.attempts {
		var kind ErrorKind
		if f.Failure != nil {
			kind = f.Failure.Kind
		}
		switch {
		case f.Paid && f.State == StateFailed && kind == KindBookingCommit,
			f.State == StateFailed && kind == KindPaymentPending,
			f.Paid && f.State == StateCommittingBooking && f.UpdatedAt.Before(staleBefore):
			out = append(out, Attempt{ID: f.ID, PatientID: f.PatientID, DoctorID: f.DoctorID(), State: f.State, Paid: f.Paid, FailureKind: kind})
		}
	}
	return out, nil
}

func (l *fakeLedger) MarkAbandoned(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cutoff = cutoff
	return l.abandoned, nil
}

type harness struct {
	orch     *Orchestrator
	payments *fakePayments
	bookings *fakeBookings
	ledger   *fakeLedger
	flows    *RedisFlowStore
	slot     *RedisDoctorSlot
	locker   redisclient.Locker
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		payments: &fakePayments{},
		bookings: &fakeBookings{},
		ledger:   newFakeLedger(),
		flows:    NewRedisFlowStore(client, 30*time.Minute),
		slot:     NewRedisDoctorSlot(client, time.Hour),
		locker:   redisclient.NewRedisLocker(client, "checkout", 5*time.Second),
		mr:       mr,
	}
	h.orch = NewOrchestrator(Dependencies{
		Payments: h.payments,
		Bookings: h.bookings,
		Flows:    h.flows,
		Intake:   NewIntake(h.slot),
		Ledger:   h.ledger,
		Locker:   h.locker,
		Metrics:  metrics.NewCheckoutMetrics(prometheus.NewRegistry()),
	}, Config{Currency: "inr", DefaultAmount: 100, AbandonAfter: time.Hour})
	return h
}

var (
	testSession = Session{PatientID: "p1", AuthToken: "tok-1"}
	testDoctor  = Doctor{ID: "d1", Name: "Dr. Rao", Fee: "$100"}
)

func testSelection() Selection {
	d := testDoctor
	return Selection{Doctor: &d, Date: "2024-06-01", Time: "10:00"}
}

func bookFlow(t *testing.T, h *harness) *Flow {
	t.Helper()
	flow, err := h.orch.Book(context.Background(), testSession, testSelection())
	require.NoError(t, err)
	require.Equal(t, StateCollectingPayment, flow.State)
	return flow
}

func requireStageError(t *testing.T, err error, kind ErrorKind, msg string) {
	t.Helper()
	var serr *StageError
	require.True(t, errors.As(err, &serr), "expected *StageError, got %v", err)
	assert.Equal(t, kind, serr.Kind)
	assert.Equal(t, msg, serr.Message)
}

func TestBookCreatesIntent(t *testing.T) {
	h := newHarness(t)

	flow := bookFlow(t, h)

	assert.Equal(t, int64(100), flow.Amount)
	assert.Equal(t, "inr", flow.Currency)
	require.NotNil(t, flow.Intent)
	assert.Equal(t, "pi_1_secret_test", flow.Intent.ClientSecret)
	assert.Equal(t, "pi_1", flow.IntentRef)
	assert.Equal(t, []int64{100}, h.payments.amounts)
	assert.Equal(t, []string{"inr"}, h.payments.currencies)

	stored, err := h.flows.Load(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCollectingPayment, stored.State)
	assert.Equal(t, flow.Intent.ClientSecret, stored.Intent.ClientSecret)
	assert.Equal(t, []string{LogCheckoutStarted}, h.ledger.events)
}

func TestBookThenSubmitBooksAppointment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.slot.Put(ctx, "p1", testDoctor))

	flow := bookFlow(t, h)
	done, err := h.orch.Submit(ctx, testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, done.State)
	assert.True(t, done.Paid)
	assert.Nil(t, done.Intent)
	assert.Equal(t, MsgAppointmentBooked, done.Message)
	assert.Equal(t, []string{"pi_1_secret_test"}, h.payments.confirmed)
	assert.Equal(t, []BookingRequest{{PatientID: "p1", DoctorID: "d1", Date: "2024-06-01", Time: "10:00"}}, h.bookings.calls)
	assert.Equal(t, []string{"tok-1"}, h.bookings.tokens)

	slotDoctor, err := h.slot.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, slotDoctor)

	assert.Equal(t, []string{LogCheckoutStarted, LogPaymentConfirmed, LogBookingCommitted}, h.ledger.events)
	assert.True(t, h.ledger.attempts[flow.ID].Paid)
	assert.Equal(t, StateSucceeded, h.ledger.attempts[flow.ID].State)
}

func TestBookRejectsIncompleteInput(t *testing.T) {
	tests := []struct {
		name string
		sess Session
		sel  func() Selection
		msg  string
	}{
		{
			name: "missing date",
			sess: testSession,
			sel:  func() Selection { s := testSelection(); s.Date = ""; return s },
			msg:  MsgSelectAllFields,
		},
		{
			name: "missing time",
			sess: testSession,
			sel:  func() Selection { s := testSelection(); s.Time = "  "; return s },
			msg:  MsgSelectAllFields,
		},
		{
			name: "no doctor",
			sess: testSession,
			sel:  func() Selection { s := testSelection(); s.Doctor = nil; return s },
			msg:  MsgSelectAllFields,
		},
		{
			name: "no patient",
			sess: Session{AuthToken: "tok-1"},
			sel:  testSelection,
			msg:  MsgSelectAllFields,
		},
		{
			name: "doctor without id",
			sess: testSession,
			sel:  func() Selection { s := testSelection(); s.Doctor = &Doctor{Name: "Dr. Rao", Fee: "$100"}; return s },
			msg:  MsgDoctorMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			flow, err := h.orch.Book(context.Background(), tt.sess, tt.sel())
			requireStageError(t, err, KindValidation, tt.msg)
			require.NotNil(t, flow)
			assert.Equal(t, StateFailed, flow.State)
			assert.Equal(t, tt.msg, flow.Message)
			assert.Empty(t, h.payments.amounts)
			assert.Empty(t, h.bookings.calls)

			_, err = h.flows.Load(context.Background(), flow.ID)
			assert.ErrorIs(t, err, ErrFlowNotFound)
		})
	}
}

func TestBookDerivesAmountFromFee(t *testing.T) {
	tests := []struct {
		fee  string
		want int64
	}{
		{"$100", 100},
		{"$45/visit", 45},
		{"Free", 100},
		{"", 100},
		{"$0", 100},
	}

	for _, tt := range tests {
		t.Run(tt.fee, func(t *testing.T) {
			h := newHarness(t)
			sel := testSelection()
			sel.Doctor.Fee = tt.fee

			flow, err := h.orch.Book(context.Background(), testSession, sel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, flow.Amount)
			assert.Equal(t, []int64{tt.want}, h.payments.amounts)
		})
	}
}

func TestBookIntentFailure(t *testing.T) {
	h := newHarness(t)
	h.payments.createErr = errors.New("connection reset")

	flow, err := h.orch.Book(context.Background(), testSession, testSelection())
	requireStageError(t, err, KindPaymentIntent, MsgIntentFailed)
	assert.Equal(t, StateFailed, flow.State)
	assert.Nil(t, flow.Intent)
	assert.Empty(t, h.bookings.calls)

	stored, err := h.flows.Load(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, []string{LogIntentFailed}, h.ledger.events)
}

func TestSubmitDeclinedPaymentNeverBooks(t *testing.T) {
	h := newHarness(t)
	h.payments.confirmErr = &DeclineError{Code: "card_declined", Message: "Your card was declined."}

	flow := bookFlow(t, h)
	failed, err := h.orch.Submit(context.Background(), testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_chargeDeclined"})
	requireStageError(t, err, KindPaymentConfirmation, "Your card was declined.")

	assert.Equal(t, StateFailed, failed.State)
	assert.False(t, failed.Paid)
	assert.Equal(t, "Your card was declined.", failed.Message)
	assert.Empty(t, h.bookings.calls)
	assert.Equal(t, []string{LogCheckoutStarted, LogPaymentFailed}, h.ledger.events)
}

func TestSubmitPaymentErrorWithoutMessage(t *testing.T) {
	h := newHarness(t)
	h.payments.confirmErr = context.DeadlineExceeded

	flow := bookFlow(t, h)
	_, err := h.orch.Submit(context.Background(), testSession, flow.ID, PaymentDetails{})
	requireStageError(t, err, KindPaymentConfirmation, MsgPaymentFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.bookings.calls)
}

func TestSubmitBookingRejectedAfterPayment(t *testing.T) {
	h := newHarness(t)
	h.bookings.err = &RejectedError{StatusCode: 409, Message: "Slot not available"}

	flow := bookFlow(t, h)
	failed, err := h.orch.Submit(context.Background(), testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	requireStageError(t, err, KindBookingCommit, "Slot not available")

	assert.Equal(t, StateFailed, failed.State)
	assert.True(t, failed.Paid)
	assert.Len(t, h.bookings.calls, 1)
	assert.Equal(t, []string{LogCheckoutStarted, LogPaymentConfirmed, LogBookingFailedAfterPayment}, h.ledger.events)

	queue, err := h.orch.PaidUnbooked(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, flow.ID, queue[0].ID)
	assert.Equal(t, defaultReconciliationSize, h.ledger.lastLimit)
}

func TestSubmitBookingTransportError(t *testing.T) {
	h := newHarness(t)
	h.bookings.err = errors.New("dial tcp: connection refused")

	flow := bookFlow(t, h)
	failed, err := h.orch.Submit(context.Background(), testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	requireStageError(t, err, KindBookingCommit, MsgBookingAfterPay)
	assert.True(t, failed.Paid)
}

func TestSubmitWhileInFlight(t *testing.T) {
	h := newHarness(t)
	flow := bookFlow(t, h)

	err := h.locker.WithLock(context.Background(), flow.ID.String(), func(ctx context.Context) error {
		_, err := h.orch.Submit(ctx, testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
		return err
	})
	require.ErrorIs(t, err, ErrSubmitInFlight)
	assert.Empty(t, h.payments.confirmed)
	assert.Empty(t, h.bookings.calls)
}

func TestSubmitIsNotRepeatable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := bookFlow(t, h)

	_, err := h.orch.Submit(ctx, testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, h.payments.confirmed, 1)
	assert.Len(t, h.bookings.calls, 1)
}

func TestSubmitChecksSession(t *testing.T) {
	h := newHarness(t)
	flow := bookFlow(t, h)

	_, err := h.orch.Submit(context.Background(), Session{PatientID: "p2", AuthToken: "tok-2"}, flow.ID, PaymentDetails{})
	require.ErrorIs(t, err, ErrSessionMismatch)

	_, err = h.orch.Submit(context.Background(), testSession, uuid.New(), PaymentDetails{})
	require.ErrorIs(t, err, ErrFlowNotFound)
	assert.Empty(t, h.payments.confirmed)
}

func TestCancelReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := bookFlow(t, h)

	cancelled, err := h.orch.Cancel(ctx, testSession, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, cancelled.State)
	assert.Nil(t, cancelled.Intent)

	_, err = h.orch.Submit(ctx, testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, h.payments.confirmed)
	assert.Empty(t, h.bookings.calls)
	assert.Contains(t, h.ledger.events, LogCheckoutCancelled)
}

func TestEachTriggerGetsFreshIntent(t *testing.T) {
	h := newHarness(t)
	h.payments.confirmErr = &DeclineError{Message: "Your card has insufficient funds."}

	first := bookFlow(t, h)
	_, err := h.orch.Submit(context.Background(), testSession, first.ID, PaymentDetails{PaymentMethod: "pm_card_insufficientFunds"})
	require.Error(t, err)

	h.payments.confirmErr = nil
	second := bookFlow(t, h)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, "pi_1_secret_test", second.Intent.ClientSecret)

	done, err := h.orch.Submit(context.Background(), testSession, second.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, done.State)
	assert.Len(t, h.bookings.calls, 1)
}

func TestRebookSupersedesOpenFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := bookFlow(t, h)
	second := bookFlow(t, h)

	stale, err := h.orch.Get(ctx, testSession, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, stale.State)
	assert.Nil(t, stale.Intent)
	assert.Contains(t, h.ledger.events, LogCheckoutCancelled)

	_, err = h.orch.Submit(ctx, testSession, first.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.ErrorIs(t, err, ErrInvalidTransition)

	done, err := h.orch.Submit(ctx, testSession, second.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, done.State)

	assert.Equal(t, []string{"pi_2_secret_test"}, h.payments.confirmed)
	assert.Len(t, h.bookings.calls, 1)
}

func TestRebookLeavesFinishedFlowAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := bookFlow(t, h)
	_, err := h.orch.Submit(ctx, testSession, first.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)

	bookFlow(t, h)

	got, err := h.orch.Get(ctx, testSession, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.NotContains(t, h.ledger.events, LogCheckoutCancelled)
}

func TestRebookWhilePreviousIsCharging(t *testing.T) {
	h := newHarness(t)
	first := bookFlow(t, h)

	err := h.locker.WithLock(context.Background(), first.ID.String(), func(ctx context.Context) error {
		_, err := h.orch.Book(ctx, testSession, testSelection())
		return err
	})
	require.ErrorIs(t, err, ErrSubmitInFlight)
	assert.Len(t, h.payments.amounts, 1)
}

func TestRebookIsPerPatient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := bookFlow(t, h)
	other := Session{PatientID: "p2", AuthToken: "tok-2"}
	_, err := h.orch.Book(ctx, other, testSelection())
	require.NoError(t, err)

	got, err := h.orch.Get(ctx, testSession, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCollectingPayment, got.State)
}

func TestSubmitPaymentPending(t *testing.T) {
	h := newHarness(t)
	h.payments.confirmErr = fmt.Errorf("payment: intent pi_1: %w", ErrPaymentPending)

	flow := bookFlow(t, h)
	failed, err := h.orch.Submit(context.Background(), testSession, flow.ID, PaymentDetails{})
	requireStageError(t, err, KindPaymentPending, MsgPaymentPending)

	assert.Equal(t, StateFailed, failed.State)
	assert.False(t, failed.Paid)
	assert.Empty(t, h.bookings.calls)
	assert.Equal(t, []string{LogCheckoutStarted, LogPaymentPending}, h.ledger.events)

	queue, err := h.orch.PaidUnbooked(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, flow.ID, queue[0].ID)
	assert.Equal(t, KindPaymentPending, queue[0].FailureKind)
}

func TestPaidUnbookedListsStaleCommits(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h.orch.reconciler.now = func() time.Time { return now }

	stuck := Flow{ID: uuid.New(), PatientID: "p1", State: StateCommittingBooking, Paid: true, UpdatedAt: now.Add(-time.Hour)}
	running := Flow{ID: uuid.New(), PatientID: "p2", State: StateCommittingBooking, Paid: true, UpdatedAt: now.Add(-time.Minute)}
	h.ledger.attempts[stuck.ID] = stuck
	h.ledger.attempts[running.ID] = running

	queue, err := h.orch.PaidUnbooked(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, stuck.ID, queue[0].ID)
	assert.Equal(t, now.Add(-defaultCommitStaleAfter), h.ledger.staleBefore)
}

func TestExpireAbandoned(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h.orch.reconciler.now = func() time.Time { return now }
	h.ledger.abandoned = []uuid.UUID{uuid.New(), uuid.New()}

	n, err := h.orch.ExpireAbandoned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(-time.Hour), h.ledger.cutoff)
	assert.Equal(t, []string{LogCheckoutAbandoned, LogCheckoutAbandoned}, h.ledger.events)
}

func TestPaidUnbookedClampsLimit(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.PaidUnbooked(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, maxReconciliationSize, h.ledger.lastLimit)

	_, err = h.orch.PaidUnbooked(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, h.ledger.lastLimit)
}

func TestOrchestratorWithoutLedger(t *testing.T) {
	h := newHarness(t)
	h.orch.ledger = nil
	h.orch.reconciler = NewReconciler(nil, nil, nil, time.Hour)

	flow := bookFlow(t, h)
	_, err := h.orch.Submit(context.Background(), testSession, flow.ID, PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)

	n, err := h.orch.ExpireAbandoned(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	queue, err := h.orch.PaidUnbooked(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, queue)
}
