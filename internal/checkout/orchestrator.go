package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/metrics"
	redisclient "github.com/hackgods/appointment-checkout/internal/redis"
)

var tracer = otel.Tracer("appointment-checkout.internal.checkout")

// Ledger event types.
const (
	LogCheckoutStarted           = "CHECKOUT_STARTED"
	LogIntentFailed              = "INTENT_FAILED"
	LogPaymentConfirmed          = "PAYMENT_CONFIRMED"
	LogPaymentFailed             = "PAYMENT_FAILED"
	LogPaymentPending            = "PAYMENT_PENDING"
	LogBookingCommitted          = "BOOKING_COMMITTED"
	LogBookingFailedAfterPayment = "BOOKING_FAILED_AFTER_PAYMENT"
	LogCheckoutCancelled         = "CHECKOUT_CANCELLED"
	LogCheckoutAbandoned         = "CHECKOUT_ABANDONED"
)

type Config struct {
	Currency      string
	DefaultAmount int64
	AbandonAfter  time.Duration
}

// Dependencies wires the orchestrator. Ledger and Metrics are optional.
type Dependencies struct {
	Payments PaymentService
	Bookings BookingService
	Flows    FlowStore
	Intake   *Intake
	Ledger   Ledger
	Locker   redisclient.Locker
	Metrics  *metrics.CheckoutMetrics
	Logger   *zap.Logger
}

// Orchestrator sequences intent creation, payment confirmation and the
// booking commit for a flow. Booking is only ever attempted after the
// processor confirmed the payment, and at most once per confirmed intent.
type Orchestrator struct {
	payments PaymentService
	bookings BookingService
	flows    FlowStore
	intake   *Intake
	ledger   Ledger
	locker   redisclient.Locker
	metrics  *metrics.CheckoutMetrics
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	reconciler *Reconciler
}

func NewOrchestrator(deps Dependencies, cfg Config) *Orchestrator {
	if deps.Payments == nil || deps.Bookings == nil || deps.Flows == nil || deps.Locker == nil {
		panic("checkout: payments, bookings, flows and locker are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultAmount <= 0 {
		cfg.DefaultAmount = 100
	}
	return &Orchestrator{
		payments: deps.Payments,
		bookings: deps.Bookings,
		flows:    deps.Flows,
		intake:   deps.Intake,
		ledger:   deps.Ledger,
		locker:   deps.Locker,
		metrics:  deps.Metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,

		reconciler: NewReconciler(deps.Ledger, deps.Metrics, logger, cfg.AbandonAfter),
	}
}

// Book is the onBook trigger. It validates the selection, derives the amount
// from the doctor's fee and requests a brand-new payment intent. On success
// the flow is in CollectingPayment. When a stage fails the failed flow is
// returned together with a *StageError; input errors are not stored.
func (o *Orchestrator) Book(ctx context.Context, sess Session, sel Selection) (*Flow, error) {
	ctx, span := tracer.Start(ctx, "checkout.book")
	defer span.End()

	now := o.now()
	flow := &Flow{
		ID:        uuid.New(),
		State:     StateIdle,
		PatientID: strings.TrimSpace(sess.PatientID),
		Date:      strings.TrimSpace(sel.Date),
		Time:      strings.TrimSpace(sel.Time),
		Currency:  o.cfg.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sel.Doctor != nil {
		d := *sel.Doctor
		flow.Doctor = &d
	}
	span.SetAttributes(
		attribute.String("checkout.flow_id", flow.ID.String()),
		attribute.String("checkout.patient_id", flow.PatientID),
	)

	if err := o.transition(flow, EventTrigger); err != nil {
		return nil, err
	}

	if serr := validate(flow); serr != nil {
		if err := o.transition(flow, EventInputInvalid); err != nil {
			return nil, err
		}
		markFailed(flow, serr)
		o.metrics.ObserveOutcome(string(serr.Kind))
		recordSpanError(span, serr)
		return flow, serr
	}
	if err := o.transition(flow, EventInputValid); err != nil {
		return nil, err
	}

	if err := o.supersede(ctx, sess, flow); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	flow.Amount = DeriveAmount(flow.Doctor.Fee, o.cfg.DefaultAmount)

	intent, err := o.requestIntent(ctx, flow)
	if err != nil {
		return o.fail(ctx, span, flow, EventIntentFailed, &StageError{Kind: KindPaymentIntent, Message: MsgIntentFailed, Err: err})
	}
	flow.Intent = intent
	flow.IntentRef = intent.ProviderRef
	if err := o.transition(flow, EventIntentCreated); err != nil {
		return nil, err
	}
	if err := o.flows.Save(ctx, flow); err != nil {
		return nil, fmt.Errorf("save flow: %w", err)
	}

	o.record(ctx, flow, LogCheckoutStarted, map[string]any{
		"amount":     flow.Amount,
		"currency":   flow.Currency,
		"intent_ref": flow.IntentRef,
	})
	o.logger.Info("checkout started",
		zap.String("flow_id", flow.ID.String()),
		zap.String("patient_id", flow.PatientID),
		zap.String("doctor_id", flow.DoctorID()),
		zap.Int64("amount", flow.Amount),
	)
	return flow, nil
}

// Submit confirms the payment for a flow in CollectingPayment and, only when
// the processor confirmed it, commits the booking. A second submit for the
// same flow while one is running gets ErrSubmitInFlight.
func (o *Orchestrator) Submit(ctx context.Context, sess Session, flowID uuid.UUID, details PaymentDetails) (*Flow, error) {
	ctx, span := tracer.Start(ctx, "checkout.submit",
		trace.WithAttributes(attribute.String("checkout.flow_id", flowID.String())))
	defer span.End()

	var result *Flow
	err := o.locker.WithLock(ctx, flowID.String(), func(ctx context.Context) error {
		flow, err := o.load(ctx, sess, flowID)
		if err != nil {
			return err
		}
		if flow.State == StateCollectingPayment && flow.Intent == nil {
			return ErrMissingIntent
		}
		clientSecret := ""
		if flow.Intent != nil {
			clientSecret = flow.Intent.ClientSecret
		}
		if err := o.transition(flow, EventSubmit); err != nil {
			return err
		}
		if err := o.flows.Save(ctx, flow); err != nil {
			return fmt.Errorf("save flow: %w", err)
		}

		if err := o.confirmPayment(ctx, clientSecret, details); err != nil {
			result, err = o.fail(ctx, span, flow, EventPaymentFailed, paymentStageError(err))
			return err
		}
		if err := o.transition(flow, EventPaymentConfirmed); err != nil {
			return err
		}
		flow.Paid = true
		o.persist(ctx, flow)
		o.record(ctx, flow, LogPaymentConfirmed, map[string]any{"intent_ref": flow.IntentRef})

		req := BookingRequest{
			PatientID: flow.PatientID,
			DoctorID:  flow.DoctorID(),
			Date:      flow.Date,
			Time:      flow.Time,
		}
		if err := o.commitBooking(ctx, req, sess.AuthToken); err != nil {
			result, err = o.fail(ctx, span, flow, EventBookingFailed, bookingStageError(err))
			return err
		}
		if err := o.transition(flow, EventBooked); err != nil {
			return err
		}
		flow.Intent = nil
		flow.Failure = nil
		flow.Message = MsgAppointmentBooked
		o.persist(ctx, flow)

		if o.intake != nil {
			if err := o.intake.Teardown(context.WithoutCancel(ctx), flow.PatientID); err != nil {
				o.logger.Warn("failed to clear selected doctor", zap.String("flow_id", flow.ID.String()), zap.Error(err))
			}
		}
		o.record(ctx, flow, LogBookingCommitted, map[string]any{"doctor_id": req.DoctorID, "date": req.Date, "time": req.Time})
		o.metrics.ObserveOutcome("succeeded")
		o.logger.Info("appointment booked",
			zap.String("flow_id", flow.ID.String()),
			zap.String("patient_id", flow.PatientID),
			zap.String("doctor_id", req.DoctorID),
		)
		result = flow
		return nil
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrSubmitInFlight
	}
	return result, err
}

// Cancel closes the payment surface. The flow returns to Idle and its intent
// is dropped without being voided at the processor.
func (o *Orchestrator) Cancel(ctx context.Context, sess Session, flowID uuid.UUID) (*Flow, error) {
	var result *Flow
	err := o.locker.WithLock(ctx, flowID.String(), func(ctx context.Context) error {
		flow, err := o.load(ctx, sess, flowID)
		if err != nil {
			return err
		}
		if err := o.transition(flow, EventCancel); err != nil {
			return err
		}
		flow.Intent = nil
		flow.Failure = nil
		flow.Message = ""
		if err := o.flows.Save(ctx, flow); err != nil {
			return fmt.Errorf("save flow: %w", err)
		}
		o.record(ctx, flow, LogCheckoutCancelled, map[string]any{"intent_ref": flow.IntentRef})
		o.metrics.ObserveOutcome("cancelled")
		result = flow
		return nil
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrSubmitInFlight
	}
	return result, err
}

// supersede makes flow the patient's open checkout. A previous flow still
// collecting payment goes back to Idle and loses its intent, so only the
// newest checkout can be paid.
func (o *Orchestrator) supersede(ctx context.Context, sess Session, flow *Flow) error {
	prevID, ok, err := o.flows.SwapOpen(ctx, flow.PatientID, flow.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	err = o.locker.WithLock(ctx, prevID.String(), func(ctx context.Context) error {
		prev, err := o.load(ctx, sess, prevID)
		if errors.Is(err, ErrFlowNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if prev.State != StateCollectingPayment {
			return nil
		}
		if err := o.transition(prev, EventCancel); err != nil {
			return err
		}
		prev.Intent = nil
		prev.Failure = nil
		prev.Message = ""
		if err := o.flows.Save(ctx, prev); err != nil {
			return fmt.Errorf("save superseded flow: %w", err)
		}
		o.record(ctx, prev, LogCheckoutCancelled, map[string]any{
			"intent_ref":    prev.IntentRef,
			"superseded_by": flow.ID.String(),
		})
		o.metrics.ObserveOutcome("superseded")
		o.logger.Info("previous checkout superseded",
			zap.String("flow_id", prev.ID.String()),
			zap.String("superseded_by", flow.ID.String()),
		)
		return nil
	})
	// the previous flow is being charged right now
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSubmitInFlight
	}
	return err
}

func (o *Orchestrator) Get(ctx context.Context, sess Session, flowID uuid.UUID) (*Flow, error) {
	return o.load(ctx, sess, flowID)
}

// ExpireAbandoned delegates to the orchestrator's Reconciler.
func (o *Orchestrator) ExpireAbandoned(ctx context.Context) (int, error) {
	return o.reconciler.ExpireAbandoned(ctx)
}

// PaidUnbooked delegates to the orchestrator's Reconciler.
func (o *Orchestrator) PaidUnbooked(ctx context.Context, limit int) ([]Attempt, error) {
	return o.reconciler.PaidUnbooked(ctx, limit)
}

func (o *Orchestrator) requestIntent(ctx context.Context, flow *Flow) (*PaymentIntent, error) {
	var intent *PaymentIntent
	err := o.stage(ctx, "request_intent", func(ctx context.Context) error {
		var err error
		intent, err = o.payments.CreateIntent(ctx, flow.Amount, flow.Currency, flow.ID.String())
		if err == nil && (intent == nil || intent.ClientSecret == "") {
			err = errors.New("processor returned no client secret")
		}
		return err
	})
	return intent, err
}

func (o *Orchestrator) confirmPayment(ctx context.Context, clientSecret string, details PaymentDetails) error {
	return o.stage(ctx, "confirm_payment", func(ctx context.Context) error {
		return o.payments.Confirm(ctx, clientSecret, details)
	})
}

func (o *Orchestrator) commitBooking(ctx context.Context, req BookingRequest, authToken string) error {
	return o.stage(ctx, "commit_booking", func(ctx context.Context) error {
		return o.bookings.BookAppointment(ctx, req, authToken)
	})
}

func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "checkout."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	o.metrics.ObserveStage(name, err == nil, time.Since(start).Seconds())
	if err != nil {
		recordSpanError(span, err)
	}
	return err
}

func (o *Orchestrator) transition(flow *Flow, ev Event) error {
	to, err := Transition(flow.State, ev)
	if err != nil {
		return err
	}
	if to == StateCollectingPayment && flow.Intent == nil {
		return ErrMissingIntent
	}
	flow.State = to
	flow.UpdatedAt = o.now()
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, flow *Flow, ev Event, serr *StageError) (*Flow, error) {
	if err := o.transition(flow, ev); err != nil {
		return nil, err
	}
	markFailed(flow, serr)
	flow.Intent = nil
	o.persist(ctx, flow)

	o.record(ctx, flow, failureEventType(serr.Kind), map[string]any{
		"kind":       serr.Kind,
		"message":    serr.Message,
		"intent_ref": flow.IntentRef,
	})
	o.metrics.ObserveOutcome(string(serr.Kind))
	recordSpanError(span, serr)

	fields := []zap.Field{
		zap.String("flow_id", flow.ID.String()),
		zap.String("patient_id", flow.PatientID),
		zap.String("kind", string(serr.Kind)),
		zap.Error(serr),
	}
	switch serr.Kind {
	case KindBookingCommit:
		o.logger.Error("booking failed after payment", fields...)
	case KindPaymentPending:
		o.logger.Error("payment pending, booking not attempted", fields...)
	default:
		o.logger.Warn("checkout stage failed", fields...)
	}
	return flow, serr
}

// persist stores the flow once money may have moved; the request context may
// already be done, and a store error must not stop the pipeline.
func (o *Orchestrator) persist(ctx context.Context, flow *Flow) {
	if err := o.flows.Save(context.WithoutCancel(ctx), flow); err != nil {
		o.logger.Error("failed to store flow", zap.String("flow_id", flow.ID.String()), zap.String("state", string(flow.State)), zap.Error(err))
	}
}

func (o *Orchestrator) load(ctx context.Context, sess Session, flowID uuid.UUID) (*Flow, error) {
	flow, err := o.flows.Load(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if flow.PatientID != strings.TrimSpace(sess.PatientID) {
		return nil, ErrSessionMismatch
	}
	return flow, nil
}

func (o *Orchestrator) record(ctx context.Context, flow *Flow, eventType string, payload map[string]any) {
	if o.ledger == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if err := o.ledger.RecordAttempt(ctx, flow); err != nil {
		o.logger.Warn("failed to record checkout attempt", zap.String("flow_id", flow.ID.String()), zap.Error(err))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("failed to marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}
	attemptID := flow.ID
	ev := EventLog{
		EventType: eventType,
		AttemptID: &attemptID,
		Payload:   data,
		CreatedAt: o.now(),
	}
	if err := o.ledger.InsertEvent(ctx, ev); err != nil {
		o.logger.Warn("failed to insert event log", zap.String("event", eventType), zap.String("flow_id", flow.ID.String()), zap.Error(err))
	}
}

func validate(flow *Flow) *StageError {
	if flow.PatientID == "" || flow.Doctor == nil || flow.Date == "" || flow.Time == "" {
		return validationError(MsgSelectAllFields)
	}
	if strings.TrimSpace(flow.Doctor.ID) == "" {
		return validationError(MsgDoctorMissing)
	}
	return nil
}

func markFailed(flow *Flow, serr *StageError) {
	flow.Failure = &Failure{Kind: serr.Kind, Message: serr.Message}
	flow.Message = serr.Message
}

func paymentStageError(err error) *StageError {
	if errors.Is(err, ErrPaymentPending) {
		return &StageError{Kind: KindPaymentPending, Message: MsgPaymentPending, Err: err}
	}
	msg := MsgPaymentFailed
	var decline *DeclineError
	if errors.As(err, &decline) && strings.TrimSpace(decline.Message) != "" {
		msg = decline.Message
	}
	return &StageError{Kind: KindPaymentConfirmation, Message: msg, Err: err}
}

func bookingStageError(err error) *StageError {
	msg := MsgBookingAfterPay
	var rejected *RejectedError
	if errors.As(err, &rejected) && strings.TrimSpace(rejected.Message) != "" {
		msg = rejected.Message
	}
	return &StageError{Kind: KindBookingCommit, Message: msg, Err: err}
}

func failureEventType(kind ErrorKind) string {
	switch kind {
	case KindPaymentIntent:
		return LogIntentFailed
	case KindPaymentConfirmation:
		return LogPaymentFailed
	case KindPaymentPending:
		return LogPaymentPending
	case KindBookingCommit:
		return LogBookingFailedAfterPayment
	default:
		return string(kind)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
