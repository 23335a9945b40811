package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrFlowNotFound      = errors.New("checkout flow not found")
	ErrInvalidTransition = errors.New("invalid checkout transition")
	ErrSubmitInFlight    = errors.New("checkout is already being processed")
	ErrSessionMismatch   = errors.New("checkout flow belongs to another patient")
	ErrNoDoctor          = errors.New("no doctor selected")
	ErrMissingIntent     = errors.New("payment intent required before collecting payment")
	// ErrPaymentPending is wrapped by a PaymentService when the processor
	// has accepted the payment but not settled it yet.
	ErrPaymentPending = errors.New("payment is still processing")
)

// DoctorsPath is where the presentation layer sends patients with no doctor selected.
const DoctorsPath = "/doctors"

type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindPaymentIntent       ErrorKind = "payment_intent"
	KindPaymentConfirmation ErrorKind = "payment_confirmation"
	KindPaymentPending      ErrorKind = "payment_pending"
	KindBookingCommit       ErrorKind = "booking_commit"
)

// User-facing messages.
const (
	MsgSelectAllFields   = "Please select all fields"
	MsgDoctorMissing     = "Doctor information is missing. Please select a doctor again."
	MsgIntentFailed      = "Payment could not be initiated"
	MsgPaymentFailed     = "Payment failed"
	MsgPaymentPending    = "Your payment is still processing. We will confirm your appointment once it clears."
	MsgBookingAfterPay   = "Failed to book appointment after payment"
	MsgAppointmentBooked = "Appointment booked successfully!"
)

// StageError is returned by the stage that failed. Message is safe to show
// to the patient; Err keeps the underlying cause for logs.
type StageError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

func validationError(msg string) *StageError {
	return &StageError{Kind: KindValidation, Message: msg}
}

// DeclineError is returned by a PaymentService when the processor refused the
// charge. Message is the processor's text and is shown verbatim.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
	}
	return "payment declined: " + e.Message
}

// RejectedError is returned by a BookingService when the booking backend
// answered with an error message.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("booking rejected (status %d): %s", e.StatusCode, e.Message)
}
