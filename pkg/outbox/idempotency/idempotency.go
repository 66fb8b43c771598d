package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/pkg/redis"
)

// Manager remembers which outbox rows a worker already handed to Pub/Sub, so
// a batch that published but failed to commit does not publish twice.
// Keys follow `<prefix>:idempotency:evt:published:<worker>:<outbox_id>`.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// CheckAndMark returns true when the row was already marked by this worker,
// otherwise it marks it for the configured TTL.
func (m *Manager) CheckAndMark(ctx context.Context, worker string, outboxID uuid.UUID) (bool, error) {
	key, err := m.key(worker, outboxID)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Release clears the mark after a failed publish so the retry goes out.
func (m *Manager) Release(ctx context.Context, worker string, outboxID uuid.UUID) error {
	key, err := m.key(worker, outboxID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(worker string, outboxID uuid.UUID) (string, error) {
	if worker == "" {
		return "", errors.New("worker name is required")
	}
	if outboxID == uuid.Nil {
		return "", errors.New("outbox id is required")
	}
	return m.store.IdempotencyKey(fmt.Sprintf("evt:published:%s", worker), outboxID.String()), nil
}
