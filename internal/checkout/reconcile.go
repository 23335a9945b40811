package checkout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/metrics"
)

const (
	defaultAbandonAfter       = time.Hour
	defaultCommitStaleAfter   = 10 * time.Minute
	defaultReconciliationSize = 20
	maxReconciliationSize     = 100
)

// Reconciler maintains the attempt ledger outside the request path. A nil
// ledger turns every call into a no-op.
type Reconciler struct {
	ledger       Ledger
	metrics      *metrics.CheckoutMetrics
	logger       *zap.Logger
	abandonAfter time.Duration
	staleAfter   time.Duration
	now          func() time.Time
}

func NewReconciler(ledger Ledger, m *metrics.CheckoutMetrics, logger *zap.Logger, abandonAfter time.Duration) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if abandonAfter <= 0 {
		abandonAfter = defaultAbandonAfter
	}
	return &Reconciler{
		ledger:       ledger,
		metrics:      m,
		logger:       logger,
		abandonAfter: abandonAfter,
		staleAfter:   defaultCommitStaleAfter,
		now:          time.Now,
	}
}

// ExpireAbandoned marks attempts left in CollectingPayment for longer than
// the abandon window. Their intents are not voided.
func (r *Reconciler) ExpireAbandoned(ctx context.Context) (int, error) {
	if r.ledger == nil {
		return 0, nil
	}
	cutoff := r.now().Add(-r.abandonAfter)
	ids, err := r.ledger.MarkAbandoned(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned attempts: %w", err)
	}
	for _, id := range ids {
		attemptID := id
		ev := EventLog{EventType: LogCheckoutAbandoned, AttemptID: &attemptID, CreatedAt: r.now()}
		if err := r.ledger.InsertEvent(ctx, ev); err != nil {
			r.logger.Warn("failed to log abandoned attempt", zap.String("flow_id", id.String()), zap.Error(err))
		}
		r.metrics.ObserveOutcome("abandoned")
	}
	return len(ids), nil
}

// PaidUnbooked lists attempts that may hold the patient's money without a
// booking: booking commit failed after payment, payment still pending at the
// processor, or a commit that never reported back. They need manual
// reconciliation; nothing is refunded here.
func (r *Reconciler) PaidUnbooked(ctx context.Context, limit int) ([]Attempt, error) {
	if r.ledger == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultReconciliationSize
	}
	if limit > maxReconciliationSize {
		limit = maxReconciliationSize
	}
	attempts, err := r.ledger.ListPaidUnbooked(ctx, r.now().Add(-r.staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("list paid unbooked attempts: %w", err)
	}
	return attempts, nil
}
