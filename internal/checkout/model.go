package checkout

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle              State = "idle"
	StateValidatingInput   State = "validating_input"
	StateRequestingIntent  State = "requesting_intent"
	StateCollectingPayment State = "collecting_payment"
	StateConfirmingPayment State = "confirming_payment"
	StateCommittingBooking State = "committing_booking"
	StateSucceeded         State = "succeeded"
	StateFailed            State = "failed"
)

// Session is the caller's authenticated identity. It is read-only for the
// whole flow and the auth token is never persisted.
type Session struct {
	PatientID string
	AuthToken string
}

type Doctor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Fee  string `json:"fee,omitempty"` // display text, e.g. "$100" or "$45/visit"
}

// Selection is what the patient picked on the booking page.
type Selection struct {
	Doctor *Doctor
	Date   string
	Time   string
}

type PaymentIntent struct {
	ClientSecret string `json:"client_secret"`
	ProviderRef  string `json:"provider_ref"`
}

// PaymentDetails never carries raw card data. PaymentMethod is a processor
// token created client-side; when empty the intent is expected to have been
// confirmed client-side already.
type PaymentDetails struct {
	PaymentMethod string
	ReturnURL     string
}

type BookingRequest struct {
	PatientID string
	DoctorID  string
	Date      string
	Time      string
}

type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Flow is one booking attempt. A new flow, and with it a new intent, is
// created every time the patient triggers booking.
type Flow struct {
	ID        uuid.UUID      `json:"id"`
	State     State          `json:"state"`
	PatientID string         `json:"patient_id"`
	Doctor    *Doctor        `json:"doctor,omitempty"`
	Date      string         `json:"date"`
	Time      string         `json:"time"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Intent    *PaymentIntent `json:"intent,omitempty"`
	IntentRef string         `json:"intent_ref,omitempty"`
	Paid      bool           `json:"paid"`
	Failure   *Failure       `json:"failure,omitempty"`
	Message   string         `json:"message,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DoctorID returns the selected doctor's identifier or "".
func (f *Flow) DoctorID() string {
	if f.Doctor == nil {
		return ""
	}
	return f.Doctor.ID
}

// Attempt is the ledger row mirroring a flow.
type Attempt struct {
	ID          uuid.UUID
	PatientID   string
	DoctorID    string
	Date        string
	Time        string
	Amount      int64
	Currency    string
	State       State
	IntentRef   string
	FailureKind ErrorKind
	Message     string
	Paid        bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type EventLog struct {
	ID        int64
	EventType string
	AttemptID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
