package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the ledger needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgLedger struct {
	db DB
}

func NewPgLedger(db DB) *PgLedger {
	return &PgLedger{db: db}
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var a Attempt
	var state, kind string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Date,
		&a.Time,
		&a.Amount,
		&a.Currency,
		&state,
		&a.IntentRef,
		&kind,
		&a.Message,
		&a.Paid,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.State = State(state)
	a.FailureKind = ErrorKind(kind)
	return &a, nil
}

// RecordAttempt upserts the ledger row for flow. Once paid, a row stays paid.
func (l *PgLedger) RecordAttempt(ctx context.Context, flow *Flow) error {
	var kind ErrorKind
	if flow.Failure != nil {
		kind = flow.Failure.Kind
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO checkout_attempts (
			id, patient_id, doctor_id, appointment_date, appointment_time,
			amount, currency, state, intent_ref, failure_kind, message, paid,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    intent_ref = EXCLUDED.intent_ref,
		    failure_kind = EXCLUDED.failure_kind,
		    message = EXCLUDED.message,
		    paid = checkout_attempts.paid OR EXCLUDED.paid,
		    updated_at = EXCLUDED.updated_at
	`,
		flow.ID,
		flow.PatientID,
		flow.DoctorID(),
		flow.Date,
		flow.Time,
		flow.Amount,
		flow.Currency,
		string(flow.State),
		flow.IntentRef,
		string(kind),
		flow.Message,
		flow.Paid,
		flow.CreatedAt,
		flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checkout attempt %s: %w", flow.ID, err)
	}
	return nil
}

func (l *PgLedger) InsertEvent(ctx context.Context, ev EventLog) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, attempt_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, ev.EventType, ev.AttemptID, ev.Payload, createdAt)
	return err
}

// ListPaidUnbooked returns attempts that were or may have been charged but
// never booked, most recent first.
func (l *PgLedger) ListPaidUnbooked(ctx context.Context, staleBefore time.Time, limit int) ([]Attempt, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, patient_id, doctor_id, appointment_date, appointment_time,
		       amount, currency, state, intent_ref, failure_kind, message, paid,
		       created_at, updated_at
		FROM checkout_attempts
		WHERE (paid AND state = $1 AND failure_kind = $2)
		   OR (state = $1 AND failure_kind = $3)
		   OR (paid AND state = $4 AND updated_at < $5)
		ORDER BY updated_at DESC
		LIMIT $6
	`,
		string(StateFailed),
		string(KindBookingCommit),
		string(KindPaymentPending),
		string(StateCommittingBooking),
		staleBefore,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// MarkAbandoned flags attempts left in CollectingPayment since before cutoff
// and returns their ids. Intents are not voided at the processor.
func (l *PgLedger) MarkAbandoned(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := l.db.Query(ctx, `
		UPDATE checkout_attempts
		SET abandoned = TRUE,
		    updated_at = now()
		WHERE state = $1
		  AND NOT abandoned
		  AND updated_at < $2
		RETURNING id
	`, string(StateCollectingPayment), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}
