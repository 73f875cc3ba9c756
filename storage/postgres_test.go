package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-queue/internal/status"
	"activity-queue/models"
)

// Runs against a throwaway database only when POSTGRES_TEST_URL is set.
func setupTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}

	db, err := OpenPostgres(context.Background(), url)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	_, err = db.Exec(`TRUNCATE user_categories, queue_users, queues, category_events, events, category_children, categories`)
	require.NoError(t, err)

	store := NewPostgresStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStore_OpenQueueAndAppend(t *testing.T) {
	store := setupTestPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.PutEvent(ctx, models.Event{ID: "e1", Enabled: true, MaxQueueCount: 1, QueueMaxUserCount: 2}))

	q, err := store.OpenQueue(ctx, "e1", "q1")
	require.NoError(t, err)
	assert.Equal(t, "q1", q.ID)

	again, err := store.OpenQueue(ctx, "e1", "q2")
	require.NoError(t, err)
	assert.Equal(t, "q1", again.ID, "open queue is reused")

	res, err := store.ConditionalAppendToQueue(ctx, "q1", "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, Appended, res.Outcome)

	res, err = store.ConditionalAppendToQueue(ctx, "q1", "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPresent, res.Outcome)

	res, err = store.ConditionalAppendToQueue(ctx, "q1", "u2", 2)
	require.NoError(t, err)
	assert.Equal(t, Appended, res.Outcome)
	assert.True(t, res.Fulfilled)

	res, err = store.ConditionalAppendToQueue(ctx, "q1", "u3", 2)
	require.NoError(t, err)
	assert.Equal(t, Full, res.Outcome)

	_, err = store.OpenQueue(ctx, "e1", "q2")
	assert.ErrorIs(t, err, status.ErrNoCapacity)

	e, err := store.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, e.Queues)
}

func TestPostgresStore_OneSlotPerUser(t *testing.T) {
	store := setupTestPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range []string{"e1", "e2"} {
		require.NoError(t, store.PutEvent(ctx, models.Event{ID: id, Enabled: true, MaxQueueCount: 1, QueueMaxUserCount: 3}))
	}
	_, err := store.OpenQueue(ctx, "e1", "q1")
	require.NoError(t, err)
	_, err = store.OpenQueue(ctx, "e2", "q2")
	require.NoError(t, err)

	_, err = store.ConditionalAppendToQueue(ctx, "q1", "u1", 3)
	require.NoError(t, err)

	res, err := store.ConditionalAppendToQueue(ctx, "q2", "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPresent, res.Outcome)
	assert.Equal(t, "q1", res.QueueID)
	assert.Equal(t, 1, res.Length)

	held, err := store.GetUserQueue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "q1", held)

	_, err = store.GetUserQueue(ctx, "u2")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestPostgresStore_ConcurrentAppendRespectsCapacity(t *testing.T) {
	store := setupTestPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutEvent(ctx, models.Event{ID: "e1", Enabled: true, MaxQueueCount: 1, QueueMaxUserCount: 5}))
	_, err := store.OpenQueue(ctx, "e1", "q1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.ConditionalAppendToQueue(ctx, "q1", fmt.Sprintf("u%d", i), 5)
		}()
	}
	wg.Wait()

	q, err := store.GetQueue(ctx, "q1")
	require.NoError(t, err)
	assert.Len(t, q.QueuedUsers, 5)
	assert.True(t, q.Fulfilled)
}

func TestPostgresStore_TreeAndCounters(t *testing.T) {
	store := setupTestPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutCategory(ctx, models.Category{ID: "root", Enabled: true}))
	require.NoError(t, store.PutCategory(ctx, models.Category{ID: "c1", Enabled: true}))
	require.NoError(t, store.PutEvent(ctx, models.Event{ID: "e1", Enabled: true, MaxQueueCount: 1, QueueMaxUserCount: 1}))

	require.NoError(t, store.AttachChild(ctx, "root", "c1"))
	require.NoError(t, store.AttachEvent(ctx, "c1", "e1"))
	require.NoError(t, store.IncrementCategoryTokens(ctx, "c1", 4))
	require.NoError(t, store.IncrementCategoryOccupancy(ctx, "c1", -10))
	require.NoError(t, store.LinkUserCategories(ctx, "u1", []string{"root", "c1", "root"}))

	root, err := store.GetCategory(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryTypeCategory, root.Type)
	assert.Equal(t, []string{"c1"}, root.Children)

	c1, err := store.GetCategory(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryTypeEvent, c1.Type)
	assert.Equal(t, "root", c1.ParentID)
	assert.Equal(t, int64(4), c1.Tokens)
	assert.Equal(t, int64(0), c1.Occupancy)

	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "root"}, u.JoinedCategories)

	assert.ErrorIs(t, store.IncrementEventOccupancy(ctx, "nope", 1), status.ErrNotFound)
}
