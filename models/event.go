package models

import "slices"

type Event struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Location          string   `json:"location"`
	Enabled           bool     `json:"enabled"`
	Owners            []string `json:"owners,omitempty"`
	Queues            []string `json:"queues,omitempty"`
	MaxQueueCount     int      `json:"max_queue_count"`
	QueueMaxUserCount int      `json:"queue_max_user_count"`
	CurrentQueue      string   `json:"current_queue,omitempty"`
	Occupancy         int64    `json:"occupancy"`
}

// CanOpenQueue reports whether another queue slot is still available.
func (e Event) CanOpenQueue() bool {
	return len(e.Queues) < e.MaxQueueCount
}

func (e Event) HasQueue(id string) bool {
	return slices.Contains(e.Queues, id)
}

func (e Event) EffectiveWeight() float64 {
	if e.Occupancy < 0 {
		return 0
	}
	return float64(e.Occupancy)
}
