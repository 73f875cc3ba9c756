package models

import (
	"slices"
	"time"
)

type Queue struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	MaxUserCount int       `json:"max_user_count"`
	QueuedUsers  []string  `json:"queued_users"`
	Fulfilled    bool      `json:"fulfilled"`
	CreatedAt    time.Time `json:"created_at"`
}

func (q Queue) Contains(userID string) bool {
	return slices.Contains(q.QueuedUsers, userID)
}

// Position returns the 1-based join position of userID, or 0.
func (q Queue) Position(userID string) int {
	return slices.Index(q.QueuedUsers, userID) + 1
}

// Open reports whether the queue still accepts joins.
func (q Queue) Open() bool {
	return !q.Fulfilled && len(q.QueuedUsers) < q.MaxUserCount
}

// QueueFulfilled is raised when an admission fills a queue.
type QueueFulfilled struct {
	QueueID     string    `json:"queue_id"`
	EventID     string    `json:"event_id"`
	FinalUserID string    `json:"final_user_id"`
	FulfilledAt time.Time `json:"fulfilled_at"`
}
