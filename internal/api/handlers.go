package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/checkout"
)

func selectDoctorHandler(intake *checkout.Intake, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DoctorPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		sess := sessionFrom(r.Context())
		doctor := checkout.Doctor{ID: req.ID, Name: req.Name, Fee: req.Fee}
		if err := intake.Remember(r.Context(), sess.PatientID, doctor); err != nil {
			writeCheckoutError(w, logger, nil, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func clearDoctorHandler(intake *checkout.Intake, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		if err := intake.Teardown(r.Context(), sess.PatientID); err != nil {
			writeCheckoutError(w, logger, nil, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func bookHandler(orch *checkout.Orchestrator, intake *checkout.Intake, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		sess := sessionFrom(r.Context())

		var current *checkout.Doctor
		if req.Doctor != nil {
			current = &checkout.Doctor{ID: req.Doctor.ID, Name: req.Doctor.Name, Fee: req.Doctor.Fee}
		}
		doctor, err := intake.Resolve(r.Context(), sess.PatientID, current)
		if err != nil {
			writeCheckoutError(w, logger, nil, err)
			return
		}

		flow, err := orch.Book(r.Context(), sess, checkout.Selection{
			Doctor: doctor,
			Date:   req.Date,
			Time:   req.Time,
		})
		if err != nil {
			writeCheckoutError(w, logger, flow, err)
			return
		}

		writeJSON(w, http.StatusCreated, toFlowResponse(flow))
	}
}

func getFlowHandler(orch *checkout.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := flowID(w, r)
		if !ok {
			return
		}

		flow, err := orch.Get(r.Context(), sessionFrom(r.Context()), id)
		if err != nil {
			writeCheckoutError(w, logger, nil, err)
			return
		}

		writeJSON(w, http.StatusOK, toFlowResponse(flow))
	}
}

func confirmHandler(orch *checkout.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := flowID(w, r)
		if !ok {
			return
		}

		var req ConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		surface, err := orch.Open(r.Context(), sessionFrom(r.Context()), id)
		if err != nil {
			writeCheckoutError(w, logger, nil, err)
			return
		}

		// a client disconnect must not abandon a charge halfway; the flow lock bounds the call
		flow, err := surface.Submit(context.WithoutCancel(r.Context()), checkout.PaymentDetails{
			PaymentMethod: req.PaymentMethod,
			ReturnURL:     req.ReturnURL,
		})
		if err != nil {
			writeCheckoutError(w, logger, flow, err)
			return
		}

		writeJSON(w, http.StatusOK, toFlowResponse(flow))
	}
}

func cancelHandler(orch *checkout.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := flowID(w, r)
		if !ok {
			return
		}

		surface, err := orch.Attach(r.Context(), sessionFrom(r.Context()), id)
		if err != nil {
			writeCheckoutError(w, logger, nil, err)
			return
		}

		flow, err := surface.Close(r.Context())
		if err != nil {
			writeCheckoutError(w, logger, flow, err)
			return
		}

		writeJSON(w, http.StatusOK, toFlowResponse(flow))
	}
}

func reconciliationHandler(orch *checkout.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		attempts, err := orch.PaidUnbooked(r.Context(), limit)
		if err != nil {
			writeCheckoutError(w, logger, nil, err)
			return
		}

		resp := ReconciliationResponse{Attempts: make([]AttemptResponse, 0, len(attempts))}
		for _, a := range attempts {
			resp.Attempts = append(resp.Attempts, toAttemptResponse(a))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func flowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_checkout_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func writeCheckoutError(w http.ResponseWriter, logger *zap.Logger, flow *checkout.Flow, err error) {
	var stageErr *checkout.StageError
	switch {
	case errors.As(err, &stageErr):
		status, code := stageStatus(stageErr.Kind)
		writeJSON(w, status, ErrorResponse{Error: code, Details: stageErr.Message, Flow: toFlowResponse(flow)})
	case errors.Is(err, checkout.ErrNoDoctor):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    "no_doctor_selected",
			Details:  checkout.MsgDoctorMissing,
			Redirect: checkout.DoctorsPath,
		})
	case errors.Is(err, checkout.ErrFlowNotFound),
		errors.Is(err, checkout.ErrSessionMismatch):
		writeError(w, http.StatusNotFound, "checkout_not_found", checkout.ErrFlowNotFound.Error())
	case errors.Is(err, checkout.ErrSubmitInFlight):
		writeError(w, http.StatusConflict, "checkout_in_progress", "payment is already being processed, please wait")
	case errors.Is(err, checkout.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_checkout_state", err.Error())
	case errors.Is(err, checkout.ErrMissingIntent):
		writeError(w, http.StatusConflict, "payment_intent_missing", err.Error())
	default:
		logger.Error("checkout request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func stageStatus(kind checkout.ErrorKind) (int, string) {
	switch kind {
	case checkout.KindValidation:
		return http.StatusUnprocessableEntity, "validation_failed"
	case checkout.KindPaymentIntent:
		return http.StatusBadGateway, "payment_intent_failed"
	case checkout.KindPaymentConfirmation:
		return http.StatusPaymentRequired, "payment_failed"
	case checkout.KindPaymentPending:
		return http.StatusAccepted, "payment_pending"
	case checkout.KindBookingCommit:
		return http.StatusBadGateway, "booking_failed_after_payment"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
