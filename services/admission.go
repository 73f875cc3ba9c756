package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"activity-queue/internal/status"
	"activity-queue/models"
	"activity-queue/monitoring"
	"activity-queue/storage"
)

type AdmissionOutcome int

const (
	// OutcomeJoined means this call appended the user.
	OutcomeJoined AdmissionOutcome = iota + 1
	// OutcomeAlreadyQueued means the user already held a slot and nothing
	// changed.
	OutcomeAlreadyQueued
)

func (o AdmissionOutcome) String() string {
	switch o {
	case OutcomeJoined:
		return "joined"
	case OutcomeAlreadyQueued:
		return "already_queued"
	default:
		return "unknown"
	}
}

type Admission struct {
	QueueID   string
	Outcome   AdmissionOutcome
	Position  int
	Fulfilled bool
}

// QueueAdmission places users into an event's queues, opening a new queue
// when the current one is full and the event still has room for one.
type QueueAdmission struct {
	store     storage.Store
	publisher Publisher
	logger    *slog.Logger
	monitor   *monitoring.Monitor

	newID func() string
	now   func() time.Time
}

func NewQueueAdmission(store storage.Store, publisher Publisher, logger *slog.Logger, monitor *monitoring.Monitor) *QueueAdmission {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = NewLogPublisher(logger)
	}
	return &QueueAdmission{
		store:     store,
		publisher: publisher,
		logger:    logger,
		monitor:   monitor,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Admit is idempotent per user: a user holds at most one slot across all
// queues, and a retry returns that slot even if its queue has been fulfilled
// since or belongs to another event.
func (a *QueueAdmission) Admit(ctx context.Context, eventID, userID string) (Admission, error) {
	e, err := a.store.GetEvent(ctx, eventID)
	if err != nil {
		return Admission{}, err
	}
	if !e.Enabled {
		return Admission{}, fmt.Errorf("event %s: %w", eventID, status.ErrEventDisabled)
	}

	held, ok, err := a.Placement(ctx, userID)
	if err != nil {
		return Admission{}, err
	}
	if ok {
		adm := alreadyQueued(held, userID)
		a.monitor.TrackAdmission(eventID, adm.Outcome.String())
		return adm, nil
	}

	// Once a queue may be opened or written, finish regardless of the caller.
	ctx = context.WithoutCancel(ctx)

	for attempt := 0; attempt <= e.MaxQueueCount; attempt++ {
		q, err := a.admittingQueue(ctx, e, attempt)
		if err != nil {
			if errors.Is(err, status.ErrNoCapacity) {
				a.monitor.TrackAdmission(eventID, "no_capacity")
			}
			return Admission{}, err
		}

		res, err := a.store.ConditionalAppendToQueue(ctx, q.ID, userID, q.MaxUserCount)
		if err != nil {
			return Admission{}, err
		}

		switch res.Outcome {
		case storage.Appended:
			return a.joined(ctx, e, q.ID, userID, res), nil
		case storage.AlreadyPresent:
			queueID := res.QueueID
			if queueID == "" {
				queueID = q.ID
			}
			adm := Admission{
				QueueID:   queueID,
				Outcome:   OutcomeAlreadyQueued,
				Position:  a.position(ctx, queueID, userID),
				Fulfilled: res.Fulfilled,
			}
			a.monitor.TrackAdmission(eventID, adm.Outcome.String())
			return adm, nil
		case storage.Full:
			a.logger.Debug("queue filled concurrently, retrying", "event_id", eventID, "queue_id", q.ID, "attempt", attempt)
		}
	}

	a.monitor.TrackAdmission(eventID, "no_capacity")
	return Admission{}, fmt.Errorf("event %s: %w", eventID, status.ErrNoCapacity)
}

// Placement returns the queue userID already holds a slot in, if any.
func (a *QueueAdmission) Placement(ctx context.Context, userID string) (models.Queue, bool, error) {
	queueID, err := a.store.GetUserQueue(ctx, userID)
	if errors.Is(err, status.ErrNotFound) {
		return models.Queue{}, false, nil
	}
	if err != nil {
		return models.Queue{}, false, err
	}

	q, err := a.store.GetQueue(ctx, queueID)
	if errors.Is(err, status.ErrNotFound) {
		a.logger.Warn("user placed in missing queue", "user_id", userID, "queue_id", queueID)
		return models.Queue{}, false, nil
	}
	if err != nil {
		return models.Queue{}, false, err
	}
	return q, true, nil
}

func alreadyQueued(q models.Queue, userID string) Admission {
	return Admission{
		QueueID:   q.ID,
		Outcome:   OutcomeAlreadyQueued,
		Position:  q.Position(userID),
		Fulfilled: q.Fulfilled,
	}
}

// admittingQueue tries the event's current queue on the first attempt and
// otherwise lets the store open one.
func (a *QueueAdmission) admittingQueue(ctx context.Context, e models.Event, attempt int) (models.Queue, error) {
	if attempt == 0 && e.CurrentQueue != "" {
		q, err := a.store.GetQueue(ctx, e.CurrentQueue)
		if err == nil && q.Open() {
			return q, nil
		}
		if err != nil && !errors.Is(err, status.ErrNotFound) {
			return models.Queue{}, err
		}
	}

	newID := a.newID()
	q, err := a.store.OpenQueue(ctx, e.ID, newID)
	if err != nil {
		return models.Queue{}, err
	}
	if q.ID == newID {
		a.monitor.TrackQueueOpened(e.ID)
		a.logger.Info("queue opened", "event_id", e.ID, "queue_id", q.ID)
	}
	return q, nil
}

func (a *QueueAdmission) joined(ctx context.Context, e models.Event, queueID, userID string, res storage.AppendResult) Admission {
	a.monitor.TrackAdmission(e.ID, OutcomeJoined.String())
	a.logger.Info("user admitted",
		"user_id", userID,
		"event_id", e.ID,
		"queue_id", queueID,
		"position", res.Length,
	)

	if err := a.store.IncrementEventOccupancy(ctx, e.ID, 1); err != nil {
		a.logger.Warn("event occupancy not updated", "event_id", e.ID, "error", err)
	}

	if res.Fulfilled {
		a.fulfil(ctx, e, queueID, userID)
	}

	return Admission{
		QueueID:   queueID,
		Outcome:   OutcomeJoined,
		Position:  res.Length,
		Fulfilled: res.Fulfilled,
	}
}

func (a *QueueAdmission) fulfil(ctx context.Context, e models.Event, queueID, userID string) {
	a.monitor.TrackQueueFulfilled(e.ID)
	evt := models.QueueFulfilled{
		QueueID:     queueID,
		EventID:     e.ID,
		FinalUserID: userID,
		FulfilledAt: a.now(),
	}
	if err := a.publisher.PublishQueueFulfilled(ctx, evt, e.Owners); err != nil {
		a.logger.Warn("queue fulfilled not delivered", "event_id", e.ID, "queue_id", queueID, "error", err)
		return
	}
	a.logger.Info("queue fulfilled", "event_id", e.ID, "queue_id", queueID, "final_user_id", userID)
}

func (a *QueueAdmission) position(ctx context.Context, queueID, userID string) int {
	q, err := a.store.GetQueue(ctx, queueID)
	if err != nil {
		return 0
	}
	return q.Position(userID)
}
