package models

import (
	"fmt"
	"slices"
	"strings"
)

type CategoryType int

const (
	CategoryTypeNone CategoryType = iota
	CategoryTypeCategory
	CategoryTypeEvent
)

func (t CategoryType) String() string {
	switch t {
	case CategoryTypeCategory:
		return "category"
	case CategoryTypeEvent:
		return "event"
	default:
		return "none"
	}
}

func ParseCategoryType(s string) (CategoryType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CategoryTypeNone, nil
	case "category":
		return CategoryTypeCategory, nil
	case "event":
		return CategoryTypeEvent, nil
	}
	return CategoryTypeNone, fmt.Errorf("unknown category type %q", s)
}

func (t CategoryType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *CategoryType) UnmarshalText(b []byte) error {
	v, err := ParseCategoryType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Category is a node of the routing tree. Children is only meaningful for
// CategoryTypeCategory and Events only for CategoryTypeEvent.
type Category struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Enabled     bool         `json:"enabled"`
	Type        CategoryType `json:"type"`
	Tokens      int64        `json:"tokens"`
	Occupancy   int64        `json:"occupancy"`
	Children    []string     `json:"children,omitempty"`
	Events      []string     `json:"events,omitempty"`
	ParentID    string       `json:"parent_id,omitempty"`
}

// EffectiveWeight is the value fed to the selector: accumulated tokens plus
// live occupancy. Never negative.
func (c Category) EffectiveWeight() float64 {
	w := c.Tokens + c.Occupancy
	if w < 0 {
		return 0
	}
	return float64(w)
}

// Homogeneous reports whether the node keeps children and events apart and
// only holds the kind of reference its type allows.
func (c Category) Homogeneous() bool {
	switch c.Type {
	case CategoryTypeCategory:
		return len(c.Events) == 0
	case CategoryTypeEvent:
		return len(c.Children) == 0
	default:
		return len(c.Children) == 0 || len(c.Events) == 0
	}
}

func (c Category) HasChild(id string) bool {
	return slices.Contains(c.Children, id)
}

func (c Category) HasEvent(id string) bool {
	return slices.Contains(c.Events, id)
}
