package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-queue/internal/status"
	"activity-queue/models"
	"activity-queue/storage"
)

func setupTestEngine(t *testing.T, store storage.Store) (*RoutingEngine, *recordingPublisher) {
	t.Helper()
	tree := NewCategoryTree(store, nil)
	pub := &recordingPublisher{}
	admission := NewQueueAdmission(store, pub, nil, nil)
	selector := NewWeightedSelector(SelectorOptions{Seed: 11})
	return NewRoutingEngine(tree, selector, admission, nil, nil), pub
}

func seedStore(t *testing.T, seedYAML string) *storage.MemoryStore {
	t.Helper()
	_, store := setupTestTree(t, seedYAML)
	return store
}

const scenarioSeed = `
categories:
  - id: root
    children: [c1, c2]
  - id: c1
    events: [e1]
  - id: c2
    enabled: false
    events: [e2]
events:
  - id: e1
    owners: [host]
    max_queue_count: 1
    queue_max_user_count: 2
  - id: e2
`

func TestRoutingEngine_EndToEnd(t *testing.T) {
	store := seedStore(t, scenarioSeed)
	engine, pub := setupTestEngine(t, store)
	ctx := context.Background()

	r1, err := engine.Route(ctx, "user1", "root")
	require.NoError(t, err)
	assert.Equal(t, StateAdmitted, r1.State)
	assert.Equal(t, "e1", r1.EventID)
	assert.Equal(t, []string{"root", "c1"}, r1.Path)
	assert.False(t, r1.Admission.Fulfilled)
	q1 := r1.QueueID

	r2, err := engine.Route(ctx, "user2", "root")
	require.NoError(t, err)
	assert.Equal(t, StateAdmitted, r2.State)
	assert.Equal(t, q1, r2.QueueID)
	assert.True(t, r2.Admission.Fulfilled)
	assert.Equal(t, 1, pub.count())

	r3, err := engine.Route(ctx, "user3", "root")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, r3.State)
	assert.Equal(t, ReasonAdmissionFailed, r3.Reason)
	assert.ErrorIs(t, r3.Cause, status.ErrNoCapacity)
	assert.Equal(t, "e1", r3.EventID)

	q, err := store.GetQueue(ctx, q1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user1", "user2"}, q.QueuedUsers)
	assert.True(t, q.Fulfilled)
}

func TestRoutingEngine_Bookkeeping(t *testing.T) {
	store := seedStore(t, scenarioSeed)
	engine, _ := setupTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.Route(ctx, "user1", "root")
	require.NoError(t, err)

	u, err := store.GetUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "c1"}, u.JoinedCategories)

	again, err := engine.Route(ctx, "user1", "root")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyQueued, again.Admission.Outcome)

	for _, id := range []string{"root", "c1"} {
		c, err := store.GetCategory(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Occupancy, "%s counted once", id)
	}
	c2, err := store.GetCategory(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c2.Occupancy)
}

func TestRoutingEngine_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		seed   string
		start  string
		reason Reason
		cause  error
	}{
		{
			name:   "not found",
			seed:   scenarioSeed,
			start:  "nowhere",
			reason: ReasonNotFound,
		},
		{
			name:   "disabled start",
			seed:   scenarioSeed,
			start:  "c2",
			reason: ReasonCategoryDisabled,
		},
		{
			name: "all children disabled",
			seed: `
categories:
  - id: root
    children: [a]
  - id: a
    enabled: false
`,
			start:  "root",
			reason: ReasonCategoryDisabled,
		},
		{
			name: "no children",
			seed: `
categories:
  - id: root
    type: category
`,
			start:  "root",
			reason: ReasonNoChildren,
		},
		{
			name: "no events",
			seed: `
categories:
  - id: root
    type: event
`,
			start:  "root",
			reason: ReasonNoEvents,
		},
		{
			name: "all events disabled",
			seed: `
categories:
  - id: root
    events: [e1]
events:
  - id: e1
    enabled: false
`,
			start:  "root",
			reason: ReasonAdmissionFailed,
			cause:  status.ErrEventDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := setupTestEngine(t, seedStore(t, tt.seed))

			res, err := engine.Route(context.Background(), "u1", tt.start)

			require.NoError(t, err)
			assert.Equal(t, StateRejected, res.State)
			assert.Equal(t, tt.reason, res.Reason)
			if tt.cause != nil {
				assert.ErrorIs(t, res.Cause, tt.cause)
			}
		})
	}
}

func TestRoutingEngine_Uninitialized(t *testing.T) {
	engine, _ := setupTestEngine(t, seedStore(t, `
categories:
  - id: root
    children: [blank]
  - id: blank
`))

	res, err := engine.Route(context.Background(), "u1", "root")

	assert.ErrorIs(t, err, status.ErrUninitializedCategory)
	assert.True(t, status.IsIntegrity(err))
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, ReasonUninitializedCategory, res.Reason)
	assert.Equal(t, []string{"root", "blank"}, res.Path)
}

func TestRoutingEngine_InvalidTopology(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		root models.Category
	}{
		{"category node with events", models.Category{
			ID: "root", Enabled: true, Type: models.CategoryTypeCategory,
			Children: []string{"x"}, Events: []string{"e1"},
		}},
		{"event node with children", models.Category{
			ID: "root", Enabled: true, Type: models.CategoryTypeEvent,
			Children: []string{"x"}, Events: []string{"e1"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			require.NoError(t, store.PutCategory(ctx, tt.root))
			engine, _ := setupTestEngine(t, store)

			_, err := engine.Route(ctx, "u1", "root")
			assert.ErrorIs(t, err, status.ErrInvalidTopology)
		})
	}
}

func TestRoutingEngine_CycleTerminates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutCategory(ctx, models.Category{
		ID: "A", Enabled: true, Type: models.CategoryTypeCategory, Children: []string{"B"},
	}))
	require.NoError(t, store.PutCategory(ctx, models.Category{
		ID: "B", Enabled: true, Type: models.CategoryTypeCategory, Children: []string{"A"},
	}))
	engine, _ := setupTestEngine(t, store)

	_, err := engine.Route(ctx, "u1", "A")

	assert.ErrorIs(t, err, status.ErrCycleDetected)
	assert.True(t, status.IsIntegrity(err))
}

func TestRoutingEngine_DanglingChild(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutCategory(ctx, models.Category{
		ID: "root", Enabled: true, Type: models.CategoryTypeCategory, Children: []string{"ghost"},
	}))
	engine, _ := setupTestEngine(t, store)

	res, err := engine.Route(ctx, "u1", "root")

	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestRoutingEngine_TokensBiasSelection(t *testing.T) {
	store := seedStore(t, `
categories:
  - id: root
    children: [popular, quiet]
  - id: popular
    tokens: 1000
    events: [e1]
  - id: quiet
    events: [e2]
events:
  - id: e1
    queue_max_user_count: 1000
  - id: e2
    queue_max_user_count: 1000
`)
	engine, _ := setupTestEngine(t, store)
	ctx := context.Background()

	counts := make(map[string]int)
	for i := range 200 {
		res, err := engine.Route(ctx, fmt.Sprintf("u%d", i), "root")
		require.NoError(t, err)
		require.Equal(t, StateAdmitted, res.State)
		counts[res.EventID]++
	}

	assert.Greater(t, counts["e1"], counts["e2"]*5)
}

func TestRoutingEngine_ZeroWeightEventsReachable(t *testing.T) {
	const seedYAML = `
categories:
  - id: root
    events: [e1, e2]
events:
  - id: e1
  - id: e2
`
	ctx := context.Background()
	counts := make(map[string]int)
	for i := range 40 {
		store := seedStore(t, seedYAML)
		tree := NewCategoryTree(store, nil)
		admission := NewQueueAdmission(store, nil, nil, nil)
		selector := NewWeightedSelector(SelectorOptions{Seed: int64(i + 1)})
		engine := NewRoutingEngine(tree, selector, admission, nil, nil)

		res, err := engine.Route(ctx, "u1", "root")
		require.NoError(t, err)
		counts[res.EventID]++
	}

	assert.Positive(t, counts["e1"])
	assert.Positive(t, counts["e2"])
}

func TestRoutingEngine_CancelledContext(t *testing.T) {
	engine, _ := setupTestEngine(t, seedStore(t, scenarioSeed))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Route(ctx, "u1", "root")

	assert.ErrorIs(t, err, context.Canceled)
}

const twoEventSeed = `
categories:
  - id: root
    children: [c1, c2]
  - id: c1
    events: [e1]
  - id: c2
    events: [e2]
events:
  - id: e1
    max_queue_count: 2
    queue_max_user_count: 5
  - id: e2
    max_queue_count: 2
    queue_max_user_count: 5
`

// queuesHolding lists every queue of e1 and e2 that contains userID.
func queuesHolding(t *testing.T, store storage.Store, userID string) []string {
	t.Helper()
	ctx := context.Background()
	var held []string
	for _, eventID := range []string{"e1", "e2"} {
		e, err := store.GetEvent(ctx, eventID)
		require.NoError(t, err)
		for _, id := range e.Queues {
			q, err := store.GetQueue(ctx, id)
			require.NoError(t, err)
			if q.Contains(userID) {
				held = append(held, id)
			}
		}
	}
	return held
}

func TestRoutingEngine_RerouteKeepsOneSlot(t *testing.T) {
	store := seedStore(t, twoEventSeed)
	engine, _ := setupTestEngine(t, store)
	ctx := context.Background()

	first, err := engine.Route(ctx, "user1", "root")
	require.NoError(t, err)
	require.Equal(t, StateAdmitted, first.State)
	assert.Equal(t, OutcomeJoined, first.Admission.Outcome)

	for range 20 {
		res, err := engine.Route(ctx, "user1", "root")
		require.NoError(t, err)
		assert.Equal(t, StateAdmitted, res.State)
		assert.Equal(t, first.QueueID, res.QueueID)
		assert.Equal(t, first.EventID, res.EventID)
		assert.Equal(t, OutcomeAlreadyQueued, res.Admission.Outcome)
		assert.Equal(t, 1, res.Admission.Position)
	}

	assert.Equal(t, []string{first.QueueID}, queuesHolding(t, store, "user1"))

	e, err := store.GetEvent(ctx, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Occupancy)
}

// lostReplyStore appends once and then reports a timeout, as if the reply
// had been lost on the way back.
type lostReplyStore struct {
	*storage.MemoryStore
	lost bool
}

func (s *lostReplyStore) ConditionalAppendToQueue(ctx context.Context, queueID, userID string, maxUserCount int) (storage.AppendResult, error) {
	res, err := s.MemoryStore.ConditionalAppendToQueue(ctx, queueID, userID, maxUserCount)
	if err == nil && res.Outcome == storage.Appended && !s.lost {
		s.lost = true
		return storage.AppendResult{}, fmt.Errorf("append %s: %w", queueID, status.ErrStorageTimeout)
	}
	return res, err
}

func TestRoutingEngine_RetryAfterTimeoutKeepsOneSlot(t *testing.T) {
	store := &lostReplyStore{MemoryStore: seedStore(t, twoEventSeed)}
	engine, _ := setupTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.Route(ctx, "user1", "root")
	require.Error(t, err)
	require.True(t, status.IsRetryable(err))

	held := queuesHolding(t, store, "user1")
	require.Len(t, held, 1, "the lost append still landed")

	for range 10 {
		res, err := engine.Route(ctx, "user1", "root")
		require.NoError(t, err)
		assert.Equal(t, held[0], res.QueueID)
		assert.Equal(t, OutcomeAlreadyQueued, res.Admission.Outcome)
	}
	assert.Equal(t, held, queuesHolding(t, store, "user1"))
}

type slowStore struct {
	*storage.MemoryStore
}

func (s *slowStore) GetCategory(ctx context.Context, id string) (models.Category, error) {
	<-ctx.Done()
	return models.Category{}, ctx.Err()
}

func TestRoutingEngine_StorageTimeoutIsError(t *testing.T) {
	store := storage.NewGuardedStore(&slowStore{MemoryStore: storage.NewMemoryStore()}, 10*time.Millisecond, nil)
	engine, _ := setupTestEngine(t, store)

	res, err := engine.Route(context.Background(), "u1", "root")

	assert.ErrorIs(t, err, status.ErrStorageTimeout)
	assert.True(t, status.IsRetryable(err))
	assert.Zero(t, res.State)
}

func TestReason_String(t *testing.T) {
	assert.Equal(t, "admission_failed", ReasonAdmissionFailed.String())
	assert.Equal(t, "", ReasonNone.String())
	assert.Equal(t, "rejected", StateRejected.String())
}
