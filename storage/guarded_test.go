package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-queue/internal/status"
	"activity-queue/models"
)

// stubStore answers GetCategory through fn and everything else from memory.
type stubStore struct {
	*MemoryStore
	fn func(ctx context.Context, id string) (models.Category, error)
}

func (s *stubStore) GetCategory(ctx context.Context, id string) (models.Category, error) {
	return s.fn(ctx, id)
}

func TestGuardedStore_Timeout(t *testing.T) {
	slow := &stubStore{
		MemoryStore: NewMemoryStore(),
		fn: func(ctx context.Context, id string) (models.Category, error) {
			<-ctx.Done()
			return models.Category{}, ctx.Err()
		},
	}
	store := NewGuardedStore(slow, 20*time.Millisecond, nil)

	_, err := store.GetCategory(context.Background(), "root")

	assert.ErrorIs(t, err, status.ErrStorageTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, status.IsRetryable(err))
}

func TestGuardedStore_PassesThrough(t *testing.T) {
	mem := NewMemoryStore()
	require.NoError(t, mem.PutCategory(context.Background(), models.Category{ID: "root", Enabled: true}))
	store := NewGuardedStore(mem, time.Second, nil)

	c, err := store.GetCategory(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, "root", c.ID)

	_, err = store.GetEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.False(t, status.IsRetryable(err))
}

func TestGuardedStore_NotFoundDoesNotTrip(t *testing.T) {
	store := NewGuardedStore(NewMemoryStore(), time.Second, nil)

	for range 200 {
		_, err := store.GetCategory(context.Background(), "missing")
		require.ErrorIs(t, err, status.ErrNotFound)
	}

	_, err := store.GetCategory(context.Background(), "missing")
	assert.NotErrorIs(t, err, status.ErrStorageUnavailable)
}

func TestGuardedStore_OpensAfterSustainedFailure(t *testing.T) {
	boom := errors.New("connection refused")
	failing := &stubStore{
		MemoryStore: NewMemoryStore(),
		fn: func(ctx context.Context, id string) (models.Category, error) {
			return models.Category{}, boom
		},
	}
	store := NewGuardedStore(failing, time.Second, nil)

	for range 100 {
		_, err := store.GetCategory(context.Background(), "root")
		require.ErrorIs(t, err, boom)
	}

	_, err := store.GetCategory(context.Background(), "root")
	assert.ErrorIs(t, err, status.ErrStorageUnavailable)
	assert.True(t, status.IsRetryable(err))
}

func TestCountsAsFailure(t *testing.T) {
	assert.False(t, countsAsFailure(nil))
	assert.False(t, countsAsFailure(status.ErrNotFound))
	assert.False(t, countsAsFailure(status.ErrNoCapacity))
	assert.False(t, countsAsFailure(context.Canceled))
	assert.True(t, countsAsFailure(context.DeadlineExceeded))
	assert.True(t, countsAsFailure(errors.New("io")))
}
