package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"activity-queue/internal/status"
	"activity-queue/models"
	"activity-queue/monitoring"
	"activity-queue/utils"
)

// GuardedStore bounds every call to the wrapped store with a timeout and a
// circuit breaker. Deadlines surface as status.ErrStorageTimeout and an open
// breaker as status.ErrStorageUnavailable; both are retryable.
type GuardedStore struct {
	store   Store
	timeout time.Duration
	breaker *utils.CircuitBreaker
	monitor *monitoring.Monitor
}

func NewGuardedStore(store Store, timeout time.Duration, monitor *monitoring.Monitor) *GuardedStore {
	breaker := utils.NewCircuitBreaker("storage").WithFailureFilter(countsAsFailure)
	return &GuardedStore{
		store:   store,
		timeout: timeout,
		breaker: breaker,
		monitor: monitor,
	}
}

// countsAsFailure keeps expected domain answers from tripping the breaker.
func countsAsFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, status.ErrNotFound),
		errors.Is(err, status.ErrNoCapacity),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func guard[T any](g *GuardedStore, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err == nil {
		return out, nil
	}

	switch {
	case errors.Is(err, utils.ErrCircuitOpen), errors.Is(err, utils.ErrTooManyRequests):
		g.monitor.TrackStorageError(op, "unavailable")
		return out, fmt.Errorf("%s: %w: %w", op, status.ErrStorageUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		g.monitor.TrackStorageError(op, "timeout")
		return out, fmt.Errorf("%s: %w: %w", op, status.ErrStorageTimeout, err)
	case countsAsFailure(err):
		g.monitor.TrackStorageError(op, "error")
	}
	return out, err
}

func guardErr(g *GuardedStore, ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := guard(g, ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (g *GuardedStore) GetCategory(ctx context.Context, id string) (models.Category, error) {
	return guard(g, ctx, "get_category", func(ctx context.Context) (models.Category, error) {
		return g.store.GetCategory(ctx, id)
	})
}

func (g *GuardedStore) GetEvent(ctx context.Context, id string) (models.Event, error) {
	return guard(g, ctx, "get_event", func(ctx context.Context) (models.Event, error) {
		return g.store.GetEvent(ctx, id)
	})
}

func (g *GuardedStore) GetQueue(ctx context.Context, id string) (models.Queue, error) {
	return guard(g, ctx, "get_queue", func(ctx context.Context) (models.Queue, error) {
		return g.store.GetQueue(ctx, id)
	})
}

func (g *GuardedStore) GetUser(ctx context.Context, id string) (models.User, error) {
	return guard(g, ctx, "get_user", func(ctx context.Context) (models.User, error) {
		return g.store.GetUser(ctx, id)
	})
}

func (g *GuardedStore) GetUserQueue(ctx context.Context, userID string) (string, error) {
	return guard(g, ctx, "get_user_queue", func(ctx context.Context) (string, error) {
		return g.store.GetUserQueue(ctx, userID)
	})
}

func (g *GuardedStore) ConditionalAppendToQueue(ctx context.Context, queueID, userID string, maxUserCount int) (AppendResult, error) {
	return guard(g, ctx, "conditional_append", func(ctx context.Context) (AppendResult, error) {
		return g.store.ConditionalAppendToQueue(ctx, queueID, userID, maxUserCount)
	})
}

func (g *GuardedStore) OpenQueue(ctx context.Context, eventID, newQueueID string) (models.Queue, error) {
	return guard(g, ctx, "open_queue", func(ctx context.Context) (models.Queue, error) {
		return g.store.OpenQueue(ctx, eventID, newQueueID)
	})
}

func (g *GuardedStore) IncrementCategoryOccupancy(ctx context.Context, categoryID string, delta int64) error {
	return guardErr(g, ctx, "increment_category_occupancy", func(ctx context.Context) error {
		return g.store.IncrementCategoryOccupancy(ctx, categoryID, delta)
	})
}

func (g *GuardedStore) IncrementCategoryTokens(ctx context.Context, categoryID string, delta int64) error {
	return guardErr(g, ctx, "increment_category_tokens", func(ctx context.Context) error {
		return g.store.IncrementCategoryTokens(ctx, categoryID, delta)
	})
}

func (g *GuardedStore) IncrementEventOccupancy(ctx context.Context, eventID string, delta int64) error {
	return guardErr(g, ctx, "increment_event_occupancy", func(ctx context.Context) error {
		return g.store.IncrementEventOccupancy(ctx, eventID, delta)
	})
}

func (g *GuardedStore) LinkUserCategories(ctx context.Context, userID string, categoryIDs []string) error {
	return guardErr(g, ctx, "link_user_categories", func(ctx context.Context) error {
		return g.store.LinkUserCategories(ctx, userID, categoryIDs)
	})
}

func (g *GuardedStore) AttachChild(ctx context.Context, parentID, childID string) error {
	return guardErr(g, ctx, "attach_child", func(ctx context.Context) error {
		return g.store.AttachChild(ctx, parentID, childID)
	})
}

func (g *GuardedStore) AttachEvent(ctx context.Context, categoryID, eventID string) error {
	return guardErr(g, ctx, "attach_event", func(ctx context.Context) error {
		return g.store.AttachEvent(ctx, categoryID, eventID)
	})
}

func (g *GuardedStore) PutCategory(ctx context.Context, c models.Category) error {
	return guardErr(g, ctx, "put_category", func(ctx context.Context) error {
		return g.store.PutCategory(ctx, c)
	})
}

func (g *GuardedStore) PutEvent(ctx context.Context, e models.Event) error {
	return guardErr(g, ctx, "put_event", func(ctx context.Context) error {
		return g.store.PutEvent(ctx, e)
	})
}

func (g *GuardedStore) Close() error {
	return g.store.Close()
}
