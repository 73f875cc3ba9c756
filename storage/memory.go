package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"activity-queue/internal/status"
	"activity-queue/models"
)

// MemoryStore keeps everything in process. One mutex serialises writes,
// which makes the conditional operations trivially atomic.
type MemoryStore struct {
	mu         sync.RWMutex
	categories map[string]models.Category
	events     map[string]models.Event
	queues     map[string]models.Queue
	users      map[string]models.User
	placements map[string]string
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		categories: make(map[string]models.Category),
		events:     make(map[string]models.Event),
		queues:     make(map[string]models.Queue),
		users:      make(map[string]models.User),
		placements: make(map[string]string),
		now:        time.Now,
	}
}

func (s *MemoryStore) GetCategory(ctx context.Context, id string) (models.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[id]
	if !ok {
		return models.Category{}, fmt.Errorf("category %s: %w", id, status.ErrNotFound)
	}
	return cloneCategory(c), nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return models.Event{}, fmt.Errorf("event %s: %w", id, status.ErrNotFound)
	}
	return cloneEvent(e), nil
}

func (s *MemoryStore) GetQueue(ctx context.Context, id string) (models.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[id]
	if !ok {
		return models.Queue{}, fmt.Errorf("queue %s: %w", id, status.ErrNotFound)
	}
	return cloneQueue(q), nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, status.ErrNotFound)
	}
	u.JoinedCategories = slices.Clone(u.JoinedCategories)
	return u, nil
}

func (s *MemoryStore) GetUserQueue(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.placements[userID]
	if !ok {
		return "", fmt.Errorf("queue of user %s: %w", userID, status.ErrNotFound)
	}
	return id, nil
}

func (s *MemoryStore) ConditionalAppendToQueue(ctx context.Context, queueID, userID string, maxUserCount int) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueID]
	if !ok {
		return AppendResult{}, fmt.Errorf("queue %s: %w", queueID, status.ErrNotFound)
	}
	if held, ok := s.placements[userID]; ok && held != queueID {
		other := s.queues[held]
		return AppendResult{Outcome: AlreadyPresent, QueueID: held, Length: len(other.QueuedUsers), Fulfilled: other.Fulfilled}, nil
	}
	if q.Contains(userID) {
		s.placements[userID] = queueID
		return AppendResult{Outcome: AlreadyPresent, QueueID: queueID, Length: len(q.QueuedUsers), Fulfilled: q.Fulfilled}, nil
	}
	if q.Fulfilled || len(q.QueuedUsers) >= maxUserCount {
		return AppendResult{Outcome: Full, Length: len(q.QueuedUsers), Fulfilled: q.Fulfilled}, nil
	}

	q.QueuedUsers = append(slices.Clone(q.QueuedUsers), userID)
	if len(q.QueuedUsers) >= maxUserCount {
		q.Fulfilled = true
	}
	s.queues[queueID] = q
	s.placements[userID] = queueID

	return AppendResult{Outcome: Appended, QueueID: queueID, Length: len(q.QueuedUsers), Fulfilled: q.Fulfilled}, nil
}

func (s *MemoryStore) OpenQueue(ctx context.Context, eventID, newQueueID string) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return models.Queue{}, fmt.Errorf("event %s: %w", eventID, status.ErrNotFound)
	}
	if e.CurrentQueue != "" {
		if cur, ok := s.queues[e.CurrentQueue]; ok && !cur.Fulfilled {
			return cloneQueue(cur), nil
		}
	}
	if !e.CanOpenQueue() {
		return models.Queue{}, fmt.Errorf("event %s: %w", eventID, status.ErrNoCapacity)
	}

	q := models.Queue{
		ID:           newQueueID,
		EventID:      eventID,
		MaxUserCount: e.QueueMaxUserCount,
		CreatedAt:    s.now(),
	}
	s.queues[q.ID] = q

	e.Queues = append(slices.Clone(e.Queues), q.ID)
	e.CurrentQueue = q.ID
	s.events[eventID] = e

	return cloneQueue(q), nil
}

func (s *MemoryStore) IncrementCategoryOccupancy(ctx context.Context, categoryID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.categories[categoryID]
	if !ok {
		return fmt.Errorf("category %s: %w", categoryID, status.ErrNotFound)
	}
	c.Occupancy = max(c.Occupancy+delta, 0)
	s.categories[categoryID] = c
	return nil
}

func (s *MemoryStore) IncrementCategoryTokens(ctx context.Context, categoryID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.categories[categoryID]
	if !ok {
		return fmt.Errorf("category %s: %w", categoryID, status.ErrNotFound)
	}
	c.Tokens = max(c.Tokens+delta, 0)
	s.categories[categoryID] = c
	return nil
}

func (s *MemoryStore) IncrementEventOccupancy(ctx context.Context, eventID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, status.ErrNotFound)
	}
	e.Occupancy = max(e.Occupancy+delta, 0)
	s.events[eventID] = e
	return nil
}

func (s *MemoryStore) LinkUserCategories(ctx context.Context, userID string, categoryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = models.User{ID: userID}
	}
	joined := slices.Clone(u.JoinedCategories)
	for _, id := range categoryIDs {
		if !slices.Contains(joined, id) {
			joined = append(joined, id)
		}
	}
	u.JoinedCategories = joined
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) AttachChild(ctx context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.categories[parentID]
	if !ok {
		return fmt.Errorf("category %s: %w", parentID, status.ErrNotFound)
	}
	child, ok := s.categories[childID]
	if !ok {
		return fmt.Errorf("category %s: %w", childID, status.ErrNotFound)
	}

	parent.Type = models.CategoryTypeCategory
	if !parent.HasChild(childID) {
		parent.Children = append(slices.Clone(parent.Children), childID)
	}
	child.ParentID = parentID

	s.categories[parentID] = parent
	s.categories[childID] = child
	return nil
}

func (s *MemoryStore) AttachEvent(ctx context.Context, categoryID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.categories[categoryID]
	if !ok {
		return fmt.Errorf("category %s: %w", categoryID, status.ErrNotFound)
	}
	if _, ok := s.events[eventID]; !ok {
		return fmt.Errorf("event %s: %w", eventID, status.ErrNotFound)
	}

	c.Type = models.CategoryTypeEvent
	if !c.HasEvent(eventID) {
		c.Events = append(slices.Clone(c.Events), eventID)
	}
	s.categories[categoryID] = c
	return nil
}

func (s *MemoryStore) PutCategory(ctx context.Context, c models.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.categories[c.ID] = cloneCategory(c)
	return nil
}

func (s *MemoryStore) PutEvent(ctx context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[e.ID] = cloneEvent(e)
	return nil
}

// PutQueue is used by fixtures that need a pre-existing queue.
func (s *MemoryStore) PutQueue(ctx context.Context, q models.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[q.ID] = cloneQueue(q)
	for _, u := range q.QueuedUsers {
		if _, ok := s.placements[u]; !ok {
			s.placements[u] = q.ID
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneCategory(c models.Category) models.Category {
	c.Children = slices.Clone(c.Children)
	c.Events = slices.Clone(c.Events)
	return c
}

func cloneEvent(e models.Event) models.Event {
	e.Owners = slices.Clone(e.Owners)
	e.Queues = slices.Clone(e.Queues)
	return e
}

func cloneQueue(q models.Queue) models.Queue {
	q.QueuedUsers = slices.Clone(q.QueuedUsers)
	return q
}
