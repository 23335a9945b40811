package payment

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/checkout"
)

// Test payment methods the fake processor refuses, mirroring Stripe's test tokens.
var fakeDeclines = map[string]checkout.DeclineError{
	"pm_card_chargeDeclined":    {Code: "card_declined", Message: "Your card was declined."},
	"pm_card_insufficientFunds": {Code: "insufficient_funds", Message: "Your card has insufficient funds."},
	"pm_card_expired":           {Code: "expired_card", Message: "Your card has expired."},
}

// FakeProcessor is a dev/demo processor that never talks to a network.
// It must be gated by ALLOW_FAKE_PAYMENTS and never enabled in production.
type FakeProcessor struct {
	mu      sync.Mutex
	intents map[string]*fakeIntent
	logger  *zap.Logger
}

type fakeIntent struct {
	id       string
	amount   int64
	currency string
	paid     bool
}

func NewFakeProcessor(logger *zap.Logger) *FakeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FakeProcessor{intents: map[string]*fakeIntent{}, logger: logger}
}

func (f *FakeProcessor) CreateIntent(ctx context.Context, amount int64, currency, ref string) (*checkout.PaymentIntent, error) {
	if amount <= 0 {
		return nil, errors.New("payment: fake intent requires a positive amount")
	}
	id := "pi_fake_" + token()
	secret := id + "_secret_" + token()

	f.mu.Lock()
	f.intents[secret] = &fakeIntent{id: id, amount: amount, currency: currency}
	f.mu.Unlock()

	f.logger.Info("fake payment intent created", zap.String("flow_id", ref), zap.String("intent_id", id), zap.Int64("amount", amount))
	return &checkout.PaymentIntent{ClientSecret: secret, ProviderRef: id}, nil
}

// Confirm succeeds for any payment method except the decline tokens. An
// empty payment method is treated as a client-side confirmation.
func (f *FakeProcessor) Confirm(ctx context.Context, clientSecret string, details checkout.PaymentDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	intent, ok := f.intents[clientSecret]
	if !ok {
		return errors.New("payment: unknown client secret")
	}
	if intent.paid {
		return nil
	}
	if decline, ok := fakeDeclines[details.PaymentMethod]; ok {
		d := decline
		return &d
	}
	intent.paid = true
	return nil
}

// Paid reports whether the intent behind clientSecret was charged.
func (f *FakeProcessor) Paid(clientSecret string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[clientSecret]
	return ok && intent.paid
}

func token() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
