package services

import (
	"context"
	"fmt"
	"log/slog"

	"activity-queue/internal/status"
	"activity-queue/models"
	"activity-queue/storage"
)

// CategoryTree is the checked view over stored categories and events. All
// structural changes go through it so a category never ends up holding both
// children and events.
type CategoryTree struct {
	store  storage.Store
	logger *slog.Logger
}

func NewCategoryTree(store storage.Store, logger *slog.Logger) *CategoryTree {
	if logger == nil {
		logger = slog.Default()
	}
	return &CategoryTree{store: store, logger: logger}
}

func (t *CategoryTree) GetCategory(ctx context.Context, id string) (models.Category, error) {
	return t.store.GetCategory(ctx, id)
}

func (t *CategoryTree) GetEvent(ctx context.Context, id string) (models.Event, error) {
	return t.store.GetEvent(ctx, id)
}

func (t *CategoryTree) GetQueue(ctx context.Context, id string) (models.Queue, error) {
	return t.store.GetQueue(ctx, id)
}

func (t *CategoryTree) GetUser(ctx context.Context, id string) (models.User, error) {
	return t.store.GetUser(ctx, id)
}

// ListChildren returns the category's children in stored order.
func (t *CategoryTree) ListChildren(ctx context.Context, categoryID string) ([]models.Category, error) {
	c, err := t.store.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	return t.children(ctx, c)
}

func (t *CategoryTree) children(ctx context.Context, c models.Category) ([]models.Category, error) {
	out := make([]models.Category, 0, len(c.Children))
	for _, id := range c.Children {
		child, err := t.store.GetCategory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("child of %s: %w", c.ID, err)
		}
		out = append(out, child)
	}
	return out, nil
}

// ListEvents returns the category's events in stored order.
func (t *CategoryTree) ListEvents(ctx context.Context, categoryID string) ([]models.Event, error) {
	c, err := t.store.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	return t.events(ctx, c)
}

func (t *CategoryTree) events(ctx context.Context, c models.Category) ([]models.Event, error) {
	out := make([]models.Event, 0, len(c.Events))
	for _, id := range c.Events {
		e, err := t.store.GetEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("event of %s: %w", c.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// CreateCategory stores a category without structure. Children and events
// are added with AddChild and AddEvent.
func (t *CategoryTree) CreateCategory(ctx context.Context, c models.Category) error {
	if c.ID == "" {
		return fmt.Errorf("category id is required")
	}
	c.Children, c.Events, c.ParentID = nil, nil, ""
	c.Tokens, c.Occupancy = max(c.Tokens, 0), max(c.Occupancy, 0)
	return t.store.PutCategory(ctx, c)
}

func (t *CategoryTree) CreateEvent(ctx context.Context, e models.Event) error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.MaxQueueCount < 0 || e.QueueMaxUserCount < 1 {
		return fmt.Errorf("event %s: invalid queue limits %d/%d", e.ID, e.MaxQueueCount, e.QueueMaxUserCount)
	}
	e.Queues, e.CurrentQueue, e.Occupancy = nil, "", 0
	return t.store.PutEvent(ctx, e)
}

// AddChild makes childID a child of parentID. An untyped parent becomes a
// category node. A child belongs to exactly one parent.
func (t *CategoryTree) AddChild(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return fmt.Errorf("category %s cannot be its own child: %w", parentID, status.ErrInvalidTopology)
	}

	parent, err := t.store.GetCategory(ctx, parentID)
	if err != nil {
		return err
	}
	child, err := t.store.GetCategory(ctx, childID)
	if err != nil {
		return err
	}

	if parent.Type == models.CategoryTypeEvent || len(parent.Events) > 0 {
		return fmt.Errorf("category %s holds events, cannot add child %s: %w", parentID, childID, status.ErrInvalidTopology)
	}
	// One parent per node keeps ParentID a complete record of ancestry.
	if child.ParentID != "" && child.ParentID != parentID {
		return fmt.Errorf("category %s already has parent %s, cannot add it to %s: %w", childID, child.ParentID, parentID, status.ErrInvalidTopology)
	}
	if err := t.checkAncestry(ctx, parent, childID); err != nil {
		return err
	}

	if err := t.store.AttachChild(ctx, parentID, childID); err != nil {
		return err
	}
	t.logger.Debug("child attached", "category_id", parentID, "child_id", childID)
	return nil
}

// checkAncestry rejects an edge that would make childID its own ancestor.
func (t *CategoryTree) checkAncestry(ctx context.Context, parent models.Category, childID string) error {
	seen := map[string]bool{parent.ID: true}
	for id := parent.ParentID; id != ""; {
		if id == childID {
			return fmt.Errorf("%s is an ancestor of %s: %w", childID, parent.ID, status.ErrCycleDetected)
		}
		if seen[id] {
			return nil
		}
		seen[id] = true

		c, err := t.store.GetCategory(ctx, id)
		if err != nil {
			return err
		}
		id = c.ParentID
	}
	return nil
}

// AddEvent attaches eventID to categoryID. An untyped category becomes an
// event node.
func (t *CategoryTree) AddEvent(ctx context.Context, categoryID, eventID string) error {
	c, err := t.store.GetCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	if _, err := t.store.GetEvent(ctx, eventID); err != nil {
		return err
	}

	if c.Type == models.CategoryTypeCategory || len(c.Children) > 0 {
		return fmt.Errorf("category %s holds children, cannot add event %s: %w", categoryID, eventID, status.ErrInvalidTopology)
	}

	if err := t.store.AttachEvent(ctx, categoryID, eventID); err != nil {
		return err
	}
	t.logger.Debug("event attached", "category_id", categoryID, "event_id", eventID)
	return nil
}

// AddTokens accrues popularity on a category. The stored value never drops
// below zero.
func (t *CategoryTree) AddTokens(ctx context.Context, categoryID string, delta int64) error {
	return t.store.IncrementCategoryTokens(ctx, categoryID, delta)
}

// ApplySeed creates every entity of seed and then wires the structure edge by
// edge, so topology rules apply to fixtures as well.
func (t *CategoryTree) ApplySeed(ctx context.Context, seed *storage.Seed) error {
	for _, e := range seed.Events {
		if err := t.CreateEvent(ctx, e.Event()); err != nil {
			return err
		}
	}
	for _, c := range seed.Categories {
		if err := t.CreateCategory(ctx, c.Category()); err != nil {
			return err
		}
	}

	for _, c := range seed.Categories {
		for _, child := range c.Children {
			if err := t.AddChild(ctx, c.ID, child); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		}
		for _, ev := range c.Events {
			if err := t.AddEvent(ctx, c.ID, ev); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		}
	}

	t.logger.Info("seed applied", "categories", len(seed.Categories), "events", len(seed.Events))
	return nil
}
