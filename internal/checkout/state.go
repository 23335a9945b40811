package checkout

import "fmt"

type Event string

const (
	EventTrigger          Event = "trigger"
	EventInputInvalid     Event = "input_invalid"
	EventInputValid       Event = "input_valid"
	EventIntentFailed     Event = "intent_failed"
	EventIntentCreated    Event = "intent_created"
	EventSubmit           Event = "submit"
	EventCancel           Event = "cancel"
	EventPaymentFailed    Event = "payment_failed"
	EventPaymentConfirmed Event = "payment_confirmed"
	EventBookingFailed    Event = "booking_failed"
	EventBooked           Event = "booked"
)

type edge struct {
	from State
	ev   Event
}

var transitions = map[edge]State{
	{StateIdle, EventTrigger}:                       StateValidatingInput,
	{StateSucceeded, EventTrigger}:                  StateValidatingInput,
	{StateFailed, EventTrigger}:                     StateValidatingInput,
	{StateValidatingInput, EventInputInvalid}:       StateFailed,
	{StateValidatingInput, EventInputValid}:         StateRequestingIntent,
	{StateRequestingIntent, EventIntentFailed}:      StateFailed,
	{StateRequestingIntent, EventIntentCreated}:     StateCollectingPayment,
	{StateCollectingPayment, EventSubmit}:           StateConfirmingPayment,
	{StateCollectingPayment, EventCancel}:           StateIdle,
	{StateConfirmingPayment, EventPaymentFailed}:    StateFailed,
	{StateConfirmingPayment, EventPaymentConfirmed}: StateCommittingBooking,
	{StateCommittingBooking, EventBookingFailed}:    StateFailed,
	{StateCommittingBooking, EventBooked}:           StateSucceeded,
}

// Transition is the only place flow states change.
func Transition(from State, ev Event) (State, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Terminal reports whether no further payment or booking call can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}
