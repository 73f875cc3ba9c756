package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"activity-queue/internal/status"
	"activity-queue/models"
	"activity-queue/monitoring"
)

type State int

const (
	StateAdmitted State = iota + 1
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type Reason int

const (
	ReasonNone Reason = iota
	ReasonNotFound
	ReasonCategoryDisabled
	ReasonNoChildren
	ReasonNoEvents
	ReasonUninitializedCategory
	ReasonAdmissionFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonCategoryDisabled:
		return "category_disabled"
	case ReasonNoChildren:
		return "no_children"
	case ReasonNoEvents:
		return "no_events"
	case ReasonUninitializedCategory:
		return "uninitialized_category"
	case ReasonAdmissionFailed:
		return "admission_failed"
	default:
		return ""
	}
}

// Result is the terminal state of one walk. Path holds every category that
// was evaluated, root first.
type Result struct {
	State     State
	Reason    Reason
	QueueID   string
	EventID   string
	Path      []string
	Admission Admission
	// Cause is the error behind a Rejected result, when there is one.
	Cause error
}

func rejected(path []string, reason Reason, cause error) Result {
	return Result{State: StateRejected, Reason: reason, Path: path, Cause: cause}
}

// RoutingEngine walks the tree from a category down to a queue slot, picking
// one child at each level by weight.
type RoutingEngine struct {
	tree      *CategoryTree
	selector  *WeightedSelector
	admission *QueueAdmission
	logger    *slog.Logger
	monitor   *monitoring.Monitor
}

func NewRoutingEngine(tree *CategoryTree, selector *WeightedSelector, admission *QueueAdmission, logger *slog.Logger, monitor *monitoring.Monitor) *RoutingEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoutingEngine{
		tree:      tree,
		selector:  selector,
		admission: admission,
		logger:    logger,
		monitor:   monitor,
	}
}

// Route places userID starting at categoryID. Dead ends come back as a
// Rejected result with a nil error. A broken tree, a storage failure or
// cancellation comes back as an error.
func (r *RoutingEngine) Route(ctx context.Context, userID, categoryID string) (Result, error) {
	res, err := r.placed(ctx, userID)
	if err == nil && res.State == 0 {
		res, err = r.walk(ctx, userID, categoryID)
	}

	switch {
	case status.IsIntegrity(err):
		r.logger.Error("category tree is broken", "user_id", userID, "category_id", categoryID, "error", err)
	case err != nil:
		r.logger.Warn("route failed", "user_id", userID, "category_id", categoryID, "error", err)
		return res, err
	case res.State == StateRejected:
		r.logger.Info("route rejected", "user_id", userID, "category_id", categoryID, "reason", res.Reason.String())
	}

	if res.State != 0 {
		r.monitor.TrackRoute(res.State.String(), res.Reason.String(), len(res.Path))
	}
	return res, err
}

// placed returns the slot a user already holds without walking the tree, so
// routing again never hands out a second slot.
func (r *RoutingEngine) placed(ctx context.Context, userID string) (Result, error) {
	q, ok, err := r.admission.Placement(ctx, userID)
	if err != nil || !ok {
		return Result{}, err
	}
	r.logger.Debug("user already placed", "user_id", userID, "queue_id", q.ID)
	r.admission.monitor.TrackAdmission(q.EventID, OutcomeAlreadyQueued.String())
	return Result{
		State:     StateAdmitted,
		QueueID:   q.ID,
		EventID:   q.EventID,
		Admission: alreadyQueued(q, userID),
	}, nil
}

func (r *RoutingEngine) walk(ctx context.Context, userID, categoryID string) (Result, error) {
	var path []string
	onPath := make(map[string]bool)

	for id := categoryID; ; {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		c, err := r.tree.GetCategory(ctx, id)
		if errors.Is(err, status.ErrNotFound) {
			return rejected(path, ReasonNotFound, err), nil
		}
		if err != nil {
			return Result{}, err
		}
		if !c.Enabled {
			return rejected(path, ReasonCategoryDisabled, nil), nil
		}

		path = append(path, c.ID)
		onPath[c.ID] = true

		switch c.Type {
		case models.CategoryTypeNone:
			return rejected(path, ReasonUninitializedCategory, nil),
				fmt.Errorf("category %s: %w", c.ID, status.ErrUninitializedCategory)

		case models.CategoryTypeCategory:
			next, res, err := r.pickChild(ctx, c, path)
			if err != nil || res.State != 0 {
				return res, err
			}
			if onPath[next] {
				return Result{}, fmt.Errorf("%s selected again below %s: %w", next, c.ID, status.ErrCycleDetected)
			}
			id = next

		case models.CategoryTypeEvent:
			return r.admit(ctx, userID, c, path)

		default:
			return Result{}, fmt.Errorf("category %s has type %d: %w", c.ID, c.Type, status.ErrInvalidTopology)
		}
	}
}

// pickChild selects among the enabled children of c. A non-zero Result means
// the walk ends here.
func (r *RoutingEngine) pickChild(ctx context.Context, c models.Category, path []string) (string, Result, error) {
	if len(c.Events) > 0 {
		return "", Result{}, fmt.Errorf("category node %s holds events: %w", c.ID, status.ErrInvalidTopology)
	}
	if len(c.Children) == 0 {
		return "", rejected(path, ReasonNoChildren, nil), nil
	}

	children, err := r.tree.children(ctx, c)
	if errors.Is(err, status.ErrNotFound) {
		return "", rejected(path, ReasonNotFound, err), nil
	}
	if err != nil {
		return "", Result{}, err
	}

	candidates := make([]Weighted, 0, len(children))
	for _, child := range children {
		if child.Enabled {
			candidates = append(candidates, Weighted{ID: child.ID, Weight: child.EffectiveWeight()})
		}
	}
	if len(candidates) == 0 {
		return "", rejected(path, ReasonCategoryDisabled, nil), nil
	}

	next, err := r.selector.Select(candidates)
	if err != nil {
		return "", Result{}, fmt.Errorf("select child of %s: %w", c.ID, err)
	}
	return next, Result{}, nil
}

func (r *RoutingEngine) admit(ctx context.Context, userID string, c models.Category, path []string) (Result, error) {
	if len(c.Children) > 0 {
		return Result{}, fmt.Errorf("event node %s holds children: %w", c.ID, status.ErrInvalidTopology)
	}
	if len(c.Events) == 0 {
		return rejected(path, ReasonNoEvents, nil), nil
	}

	events, err := r.tree.events(ctx, c)
	if errors.Is(err, status.ErrNotFound) {
		return rejected(path, ReasonNotFound, err), nil
	}
	if err != nil {
		return Result{}, err
	}

	candidates := make([]Weighted, 0, len(events))
	for _, e := range events {
		if e.Enabled {
			candidates = append(candidates, Weighted{ID: e.ID, Weight: e.EffectiveWeight()})
		}
	}
	if len(candidates) == 0 {
		return rejected(path, ReasonAdmissionFailed, fmt.Errorf("category %s: %w", c.ID, status.ErrEventDisabled)), nil
	}

	eventID := candidates[0].ID
	if len(candidates) > 1 {
		if eventID, err = r.selector.Select(candidates); err != nil {
			return Result{}, fmt.Errorf("select event of %s: %w", c.ID, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	adm, err := r.admission.Admit(ctx, eventID, userID)
	if errors.Is(err, status.ErrNoCapacity) || errors.Is(err, status.ErrEventDisabled) {
		res := rejected(path, ReasonAdmissionFailed, err)
		res.EventID = eventID
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}

	r.bookkeep(context.WithoutCancel(ctx), userID, path, adm)

	return Result{
		State:     StateAdmitted,
		QueueID:   adm.QueueID,
		EventID:   eventID,
		Path:      path,
		Admission: adm,
	}, nil
}

// bookkeep links the user to the path and, for a fresh join, counts them in
// every category's occupancy. Failures are logged; the admission stands.
func (r *RoutingEngine) bookkeep(ctx context.Context, userID string, path []string, adm Admission) {
	if err := r.tree.store.LinkUserCategories(ctx, userID, path); err != nil {
		r.logger.Warn("user categories not linked", "user_id", userID, "error", err)
	}
	if adm.Outcome != OutcomeJoined {
		return
	}
	for _, id := range path {
		if err := r.tree.store.IncrementCategoryOccupancy(ctx, id, 1); err != nil {
			r.logger.Warn("category occupancy not updated", "user_id", userID, "category_id", id, "error", err)
		}
	}
}
