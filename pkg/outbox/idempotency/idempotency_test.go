package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	setNXResult bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
	lastDeleted string
}

func (f *fakeStore) Get(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, _ any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	return f.setNXResult, f.setNXError
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "studio:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	if len(keys) > 0 {
		f.lastDeleted = keys[0]
	}
	return nil
}

func TestCheckAndMarkFirstTime(t *testing.T) {
	store := &fakeStore{setNXResult: true}
	manager, err := NewManager(store, 24*time.Hour)
	require.NoError(t, err)

	id := uuid.New()
	already, err := manager.CheckAndMark(context.Background(), "outbox-publisher", id)
	require.NoError(t, err)
	require.False(t, already)
	require.Equal(t, "studio:idempotency:evt:published:outbox-publisher:"+id.String(), store.lastKey)
	require.Equal(t, 24*time.Hour, store.lastTTL)
}

func TestCheckAndMarkAlreadyMarked(t *testing.T) {
	store := &fakeStore{setNXResult: false}
	manager, err := NewManager(store, time.Hour)
	require.NoError(t, err)

	already, err := manager.CheckAndMark(context.Background(), "outbox-publisher", uuid.New())
	require.NoError(t, err)
	require.True(t, already)
}

func TestCheckAndMarkStoreError(t *testing.T) {
	store := &fakeStore{setNXError: errors.New("redis down")}
	manager, err := NewManager(store, time.Hour)
	require.NoError(t, err)

	_, err = manager.CheckAndMark(context.Background(), "outbox-publisher", uuid.New())
	require.Error(t, err)
}

func TestReleaseDeletesKey(t *testing.T) {
	store := &fakeStore{}
	manager, err := NewManager(store, time.Hour)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, manager.Release(context.Background(), "outbox-publisher", id))
	require.Equal(t, "studio:idempotency:evt:published:outbox-publisher:"+id.String(), store.lastDeleted)
}

func TestManagerValidatesInput(t *testing.T) {
	_, err := NewManager(nil, time.Hour)
	require.Error(t, err)

	manager, err := NewManager(&fakeStore{}, time.Hour)
	require.NoError(t, err)
	_, err = manager.CheckAndMark(context.Background(), "", uuid.New())
	require.Error(t, err)
	_, err = manager.CheckAndMark(context.Background(), "outbox-publisher", uuid.Nil)
	require.Error(t, err)
}
