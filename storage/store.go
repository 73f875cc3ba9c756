// Package storage is the persistence boundary of the routing engine. Every
// backend exposes the same Store contract; the only operations that must be
// atomic at the storage layer are ConditionalAppendToQueue and OpenQueue.
package storage

import (
	"context"

	"activity-queue/models"
)

type AppendOutcome int

const (
	Appended AppendOutcome = iota + 1
	AlreadyPresent
	Full
)

func (o AppendOutcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case AlreadyPresent:
		return "already_present"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// AppendResult reports the queue state right after a conditional append.
type AppendResult struct {
	Outcome AppendOutcome
	// QueueID is the queue holding the user. For AlreadyPresent it may be a
	// queue other than the one asked for.
	QueueID   string
	Length    int
	Fulfilled bool
}

type Store interface {
	GetCategory(ctx context.Context, id string) (models.Category, error)
	GetEvent(ctx context.Context, id string) (models.Event, error)
	GetQueue(ctx context.Context, id string) (models.Queue, error)
	GetUser(ctx context.Context, id string) (models.User, error)

	// GetUserQueue returns the queue the user holds a slot in, or
	// status.ErrNotFound. A user holds at most one slot across all queues.
	GetUserQueue(ctx context.Context, userID string) (string, error)

	// ConditionalAppendToQueue appends userID unless the user already holds a
	// slot in any queue or the queue holds maxUserCount users. Reaching
	// maxUserCount marks the queue fulfilled in the same atomic step.
	ConditionalAppendToQueue(ctx context.Context, queueID, userID string, maxUserCount int) (AppendResult, error)

	// OpenQueue returns the event's current queue if it is still open.
	// Otherwise it creates newQueueID, appends it to the event's queues and
	// makes it current, provided the event is below MaxQueueCount; if not,
	// it fails with status.ErrNoCapacity.
	OpenQueue(ctx context.Context, eventID, newQueueID string) (models.Queue, error)

	IncrementCategoryOccupancy(ctx context.Context, categoryID string, delta int64) error
	IncrementCategoryTokens(ctx context.Context, categoryID string, delta int64) error
	IncrementEventOccupancy(ctx context.Context, eventID string, delta int64) error
	LinkUserCategories(ctx context.Context, userID string, categoryIDs []string) error

	// AttachChild and AttachEvent set the parent's type and record the
	// reference. Topology checks happen before these are called.
	AttachChild(ctx context.Context, parentID, childID string) error
	AttachEvent(ctx context.Context, categoryID, eventID string) error

	PutCategory(ctx context.Context, c models.Category) error
	PutEvent(ctx context.Context, e models.Event) error

	Close() error
}
