package payment

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-checkout/internal/checkout"
)

func TestFakeProcessorConfirms(t *testing.T) {
	f := NewFakeProcessor(nil)
	ctx := context.Background()

	intent, err := f.CreateIntent(ctx, 100, "inr", "flow-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(intent.ClientSecret, intent.ProviderRef+"_secret_"))
	assert.True(t, strings.HasPrefix(intent.ProviderRef, "pi_fake_"))
	assert.False(t, f.Paid(intent.ClientSecret))

	require.NoError(t, f.Confirm(ctx, intent.ClientSecret, checkout.PaymentDetails{PaymentMethod: "pm_card_visa"}))
	assert.True(t, f.Paid(intent.ClientSecret))
}

func TestFakeProcessorIntentsAreUnique(t *testing.T) {
	f := NewFakeProcessor(nil)
	a, err := f.CreateIntent(context.Background(), 100, "inr", "flow-1")
	require.NoError(t, err)
	b, err := f.CreateIntent(context.Background(), 100, "inr", "flow-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.ClientSecret, b.ClientSecret)
}

func TestFakeProcessorDeclines(t *testing.T) {
	f := NewFakeProcessor(nil)
	ctx := context.Background()

	for pm, want := range fakeDeclines {
		intent, err := f.CreateIntent(ctx, 100, "inr", "flow-1")
		require.NoError(t, err)

		err = f.Confirm(ctx, intent.ClientSecret, checkout.PaymentDetails{PaymentMethod: pm})
		var decline *checkout.DeclineError
		require.True(t, errors.As(err, &decline), pm)
		assert.Equal(t, want.Message, decline.Message)
		assert.False(t, f.Paid(intent.ClientSecret))
	}
}

func TestFakeProcessorRejectsUnknownSecret(t *testing.T) {
	f := NewFakeProcessor(nil)
	err := f.Confirm(context.Background(), "pi_x_secret_y", checkout.PaymentDetails{PaymentMethod: "pm_card_visa"})
	require.Error(t, err)

	_, err = f.CreateIntent(context.Background(), 0, "inr", "flow-1")
	require.Error(t, err)
}
