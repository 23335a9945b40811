package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Intake makes sure a doctor is known before booking can start.
type Intake struct {
	slot DoctorSlot
}

func NewIntake(slot DoctorSlot) *Intake {
	return &Intake{slot: slot}
}

// Resolve returns current unchanged when set. Otherwise it recovers the
// doctor from the fallback slot; with nothing there the caller gets
// ErrNoDoctor and should send the patient to DoctorsPath.
func (i *Intake) Resolve(ctx context.Context, patientID string, current *Doctor) (*Doctor, error) {
	if current != nil {
		return current, nil
	}
	doctor, err := i.slot.Get(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("read selected doctor: %w", err)
	}
	if doctor == nil {
		return nil, ErrNoDoctor
	}
	return doctor, nil
}

// Remember fills the fallback slot. Called by the navigation layer when the
// patient picks a doctor.
func (i *Intake) Remember(ctx context.Context, patientID string, doctor Doctor) error {
	if strings.TrimSpace(doctor.ID) == "" {
		return validationError(MsgDoctorMissing)
	}
	return i.slot.Put(ctx, patientID, doctor)
}

// Teardown clears the fallback slot; it is single-use.
func (i *Intake) Teardown(ctx context.Context, patientID string) error {
	return i.slot.Clear(ctx, patientID)
}

// RedisDoctorSlot stores the fallback doctor per patient.
type RedisDoctorSlot struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDoctorSlot(client *redis.Client, ttl time.Duration) *RedisDoctorSlot {
	return &RedisDoctorSlot{client: client, ttl: ttl}
}

func doctorSlotKey(patientID string) string {
	return "checkout:selected_doctor:" + patientID
}

func (s *RedisDoctorSlot) Get(ctx context.Context, patientID string) (*Doctor, error) {
	data, err := s.client.Get(ctx, doctorSlotKey(patientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var d Doctor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse selected doctor: %w", err)
	}
	return &d, nil
}

func (s *RedisDoctorSlot) Put(ctx context.Context, patientID string, doctor Doctor) error {
	data, err := json.Marshal(doctor)
	if err != nil {
		return fmt.Errorf("marshal selected doctor: %w", err)
	}
	return s.client.Set(ctx, doctorSlotKey(patientID), data, s.ttl).Err()
}

func (s *RedisDoctorSlot) Clear(ctx context.Context, patientID string) error {
	return s.client.Del(ctx, doctorSlotKey(patientID)).Err()
}
