package checkout

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PaymentService is the external payment processor.
type PaymentService interface {
	// CreateIntent issues an intent for amount major currency units. ref is
	// used as the idempotency key and processor metadata.
	CreateIntent(ctx context.Context, amount int64, currency, ref string) (*PaymentIntent, error)
	// Confirm charges the intent. A processor refusal is a *DeclineError.
	Confirm(ctx context.Context, clientSecret string, details PaymentDetails) error
}

// BookingService is the external booking backend.
type BookingService interface {
	BookAppointment(ctx context.Context, req BookingRequest, authToken string) error
}

type FlowStore interface {
	Save(ctx context.Context, flow *Flow) error
	Load(ctx context.Context, id uuid.UUID) (*Flow, error)
	// SwapOpen records id as the patient's open flow and returns the
	// previous one.
	SwapOpen(ctx context.Context, patientID string, id uuid.UUID) (uuid.UUID, bool, error)
}

// DoctorSlot is the single-use fallback holding a patient's last selected doctor.
type DoctorSlot interface {
	Get(ctx context.Context, patientID string) (*Doctor, error)
	Put(ctx context.Context, patientID string, doctor Doctor) error
	Clear(ctx context.Context, patientID string) error
}

// Ledger keeps an audit trail of attempts.
type Ledger interface {
	RecordAttempt(ctx context.Context, flow *Flow) error
	InsertEvent(ctx context.Context, ev EventLog) error
	// ListPaidUnbooked returns attempts that took or may have taken money
	// without a booking. Attempts still committing count once their last
	// update is older than staleBefore.
	ListPaidUnbooked(ctx context.Context, staleBefore time.Time, limit int) ([]Attempt, error)
	MarkAbandoned(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}
