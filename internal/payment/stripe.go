package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/checkout"
)

var stripeTracer = otel.Tracer("appointment-checkout.internal.payment.stripe")

// currencies Stripe charges in whole units
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

type StripeOptions struct {
	SecretKey string
	BaseURL   string // empty means api.stripe.com
	Timeout   time.Duration
}

// StripeProcessor creates and confirms Stripe PaymentIntents.
type StripeProcessor struct {
	intents *paymentintent.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewStripeProcessor(opts StripeOptions, logger *zap.Logger) (*StripeProcessor, error) {
	if strings.TrimSpace(opts.SecretKey) == "" {
		return nil, errors.New("payment: stripe secret key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: opts.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Named("stripe").Sugar(),
	}
	if opts.BaseURL != "" {
		cfg.URL = stripe.String(strings.TrimRight(opts.BaseURL, "/"))
	}

	return &StripeProcessor{
		intents: &paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
			Key: opts.SecretKey,
		},
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

// CreateIntent issues a PaymentIntent for amount in major units. ref is the
// flow id; it doubles as idempotency key so a retried request never creates a
// second intent for the same flow.
func (s *StripeProcessor) CreateIntent(ctx context.Context, amount int64, currency, ref string) (*checkout.PaymentIntent, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_payment_intent")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkout.flow_id", ref),
		attribute.Int64("checkout.amount", amount),
		attribute.String("checkout.currency", currency),
	)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minorUnits(amount, currency)),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("flow_id", ref)
	params.SetIdempotencyKey("checkout-" + ref)

	pi, err := s.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("payment: stripe create intent: %w", err)
	}
	if pi.ClientSecret == "" {
		return nil, errors.New("payment: stripe response missing client secret")
	}

	s.logger.Debug("payment intent created", zap.String("flow_id", ref), zap.String("intent_id", pi.ID))
	return &checkout.PaymentIntent{ClientSecret: pi.ClientSecret, ProviderRef: pi.ID}, nil
}

// Confirm charges the intent behind clientSecret with details.PaymentMethod.
// Without a payment method the intent must already have been confirmed by
// the client; its status is checked instead.
func (s *StripeProcessor) Confirm(ctx context.Context, clientSecret string, details checkout.PaymentDetails) error {
	ctx, span := stripeTracer.Start(ctx, "stripe.confirm_payment_intent")
	defer span.End()

	id, err := intentID(clientSecret)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("stripe.intent_id", id))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var pi *stripe.PaymentIntent
	if details.PaymentMethod != "" {
		params := &stripe.PaymentIntentConfirmParams{
			PaymentMethod: stripe.String(details.PaymentMethod),
		}
		if details.ReturnURL != "" {
			params.ReturnURL = stripe.String(details.ReturnURL)
		}
		params.Context = ctx
		pi, err = s.intents.Confirm(id, params)
	} else {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err = s.intents.Get(id, params)
	}
	if err != nil {
		return declineFromError(err)
	}
	return checkStatus(pi)
}

func intentID(clientSecret string) (string, error) {
	id, _, ok := strings.Cut(clientSecret, "_secret_")
	if !ok || id == "" {
		return "", errors.New("payment: malformed client secret")
	}
	return id, nil
}

func minorUnits(amount int64, currency string) int64 {
	if zeroDecimal[strings.ToLower(currency)] {
		return amount
	}
	return amount * 100
}

func checkStatus(pi *stripe.PaymentIntent) error {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		return nil
	case stripe.PaymentIntentStatusProcessing:
		return fmt.Errorf("payment: intent %s: %w", pi.ID, checkout.ErrPaymentPending)
	}

	decline := &checkout.DeclineError{Code: string(pi.Status)}
	if pi.LastPaymentError != nil {
		decline.Message = pi.LastPaymentError.Msg
		if pi.LastPaymentError.Code != "" {
			decline.Code = string(pi.LastPaymentError.Code)
		}
	}
	return decline
}

func declineFromError(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
		return &checkout.DeclineError{Code: string(serr.Code), Message: serr.Msg}
	}
	return fmt.Errorf("payment: stripe confirm: %w", err)
}
