package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisFlowStore keeps in-progress flows as JSON with a TTL. A flow that
// expires is simply gone; its intent is abandoned, not voided.
type RedisFlowStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisFlowStore(client *redis.Client, ttl time.Duration) *RedisFlowStore {
	return &RedisFlowStore{client: client, ttl: ttl}
}

func flowKey(id uuid.UUID) string {
	return "checkout:flow:" + id.String()
}

func openFlowKey(patientID string) string {
	return "checkout:open_flow:" + patientID
}

// SwapOpen points the patient's open flow at id and returns the flow it
// replaced, if any.
func (s *RedisFlowStore) SwapOpen(ctx context.Context, patientID string, id uuid.UUID) (uuid.UUID, bool, error) {
	var prev *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.GetSet(ctx, openFlowKey(patientID), id.String())
		pipe.Expire(ctx, openFlowKey(patientID), s.ttl)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return uuid.Nil, false, fmt.Errorf("swap open flow for %s: %w", patientID, err)
	}

	raw, err := prev.Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("swap open flow for %s: %w", patientID, err)
	}
	old, err := uuid.Parse(raw)
	if err != nil || old == id {
		return uuid.Nil, false, nil
	}
	return old, true, nil
}

func (s *RedisFlowStore) Save(ctx context.Context, flow *Flow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	if err := s.client.Set(ctx, flowKey(flow.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store flow %s: %w", flow.ID, err)
	}
	return nil
}

func (s *RedisFlowStore) Load(ctx context.Context, id uuid.UUID) (*Flow, error) {
	data, err := s.client.Get(ctx, flowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}

	var flow Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("parse flow %s: %w", id, err)
	}
	return &flow, nil
}
