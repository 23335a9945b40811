package bookingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/checkout"
)

var tracer = otel.Tracer("appointment-checkout.internal.bookingapi")

const bookPath = "/api/user/book-appointment"

// Client commits bookings against the clinic backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("bookingapi: base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type bookRequest struct {
	User   string `json:"user"`
	Doctor string `json:"doctor"`
	Date   string `json:"date"`
	Time   string `json:"time"`
}

type bookResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// BookAppointment posts the booking with the patient's bearer token. A non-2xx
// answer, or a 2xx with success=false, is a *checkout.RejectedError.
func (c *Client) BookAppointment(ctx context.Context, req checkout.BookingRequest, authToken string) error {
	ctx, span := tracer.Start(ctx, "bookingapi.book_appointment")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkout.patient_id", req.PatientID),
		attribute.String("checkout.doctor_id", req.DoctorID),
	)

	body, err := json.Marshal(bookRequest{
		User:   req.PatientID,
		Doctor: req.DoctorID,
		Date:   req.Date,
		Time:   req.Time,
	})
	if err != nil {
		return fmt.Errorf("bookingapi: encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+bookPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bookingapi: request build: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("bookingapi: http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("bookingapi: read body: %w", err)
	}

	var parsed bookResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Warn("booking rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("patient_id", req.PatientID),
			zap.String("doctor_id", req.DoctorID),
		)
		return &checkout.RejectedError{StatusCode: resp.StatusCode, Message: parsed.Message}
	}
	if decodeErr == nil && parsed.Success != nil && !*parsed.Success {
		return &checkout.RejectedError{StatusCode: resp.StatusCode, Message: parsed.Message}
	}
	return nil
}
