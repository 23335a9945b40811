package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-checkout/internal/checkout"
)

type DoctorPayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Fee  string `json:"fee,omitempty"`
}

type BookRequest struct {
	Doctor *DoctorPayload `json:"doctor,omitempty"`
	Date   string         `json:"date"`
	Time   string         `json:"time"`
}

type ConfirmRequest struct {
	PaymentMethod string `json:"payment_method"`
	ReturnURL     string `json:"return_url,omitempty"`
}

type FailureResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type FlowResponse struct {
	ID           uuid.UUID        `json:"id"`
	State        string           `json:"state"`
	DoctorID     string           `json:"doctor_id,omitempty"`
	Date         string           `json:"date"`
	Time         string           `json:"time"`
	Amount       int64            `json:"amount"`
	Currency     string           `json:"currency"`
	ClientSecret string           `json:"client_secret,omitempty"`
	Paid         bool             `json:"paid"`
	Message      string           `json:"message,omitempty"`
	Failure      *FailureResponse `json:"failure,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type AttemptResponse struct {
	ID        uuid.UUID `json:"id"`
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	IntentRef string    `json:"intent_ref"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReconciliationResponse struct {
	Attempts []AttemptResponse `json:"attempts"`
}

type ErrorResponse struct {
	Error    string        `json:"error"`
	Details  string        `json:"details,omitempty"`
	Redirect string        `json:"redirect,omitempty"`
	Flow     *FlowResponse `json:"flow,omitempty"`
}

func toFlowResponse(f *checkout.Flow) *FlowResponse {
	if f == nil {
		return nil
	}
	resp := &FlowResponse{
		ID:        f.ID,
		State:     string(f.State),
		DoctorID:  f.DoctorID(),
		Date:      f.Date,
		Time:      f.Time,
		Amount:    f.Amount,
		Currency:  f.Currency,
		Paid:      f.Paid,
		Message:   f.Message,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
	// the secret only matters while the payment form is open
	if f.State == checkout.StateCollectingPayment && f.Intent != nil {
		resp.ClientSecret = f.Intent.ClientSecret
	}
	if f.Failure != nil {
		resp.Failure = &FailureResponse{Kind: string(f.Failure.Kind), Message: f.Failure.Message}
	}
	return resp
}

func toAttemptResponse(a checkout.Attempt) AttemptResponse {
	return AttemptResponse{
		ID:        a.ID,
		PatientID: a.PatientID,
		DoctorID:  a.DoctorID,
		Date:      a.Date,
		Time:      a.Time,
		Amount:    a.Amount,
		Currency:  a.Currency,
		IntentRef: a.IntentRef,
		Message:   a.Message,
		UpdatedAt: a.UpdatedAt,
	}
}
