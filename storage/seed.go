package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"activity-queue/models"
)

// Seed describes a category tree and its events. Structure is given by each
// category's children or events list; Type is optional and, when set, must
// agree with that structure.
type Seed struct {
	Categories []SeedCategory `yaml:"categories"`
	Events     []SeedEvent    `yaml:"events"`
}

type SeedCategory struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Enabled     *bool    `yaml:"enabled"`
	Type        string   `yaml:"type"`
	Tokens      int64    `yaml:"tokens"`
	Children    []string `yaml:"children"`
	Events      []string `yaml:"events"`
}

type SeedEvent struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Location          string   `yaml:"location"`
	Enabled           *bool    `yaml:"enabled"`
	Owners            []string `yaml:"owners"`
	MaxQueueCount     int      `yaml:"max_queue_count"`
	QueueMaxUserCount int      `yaml:"queue_max_user_count"`
}

const (
	DefaultMaxQueueCount     = 1
	DefaultQueueMaxUserCount = 10
)

// LoadSeed reads and parses a seed file from the given path.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses and validates seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	seed.applyDefaults()
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *Seed) applyDefaults() {
	for i := range s.Events {
		if s.Events[i].MaxQueueCount == 0 {
			s.Events[i].MaxQueueCount = DefaultMaxQueueCount
		}
		if s.Events[i].QueueMaxUserCount == 0 {
			s.Events[i].QueueMaxUserCount = DefaultQueueMaxUserCount
		}
	}
}

// Validate checks ids and references. Topology rules are left to the tree
// that applies the seed.
func (s *Seed) Validate() error {
	categories := make(map[string]bool, len(s.Categories))
	for _, c := range s.Categories {
		if c.ID == "" {
			return fmt.Errorf("seed: category with empty id")
		}
		if categories[c.ID] {
			return fmt.Errorf("seed: duplicate category %q", c.ID)
		}
		if _, err := models.ParseCategoryType(c.Type); err != nil {
			return fmt.Errorf("seed: category %q: %w", c.ID, err)
		}
		if c.Tokens < 0 {
			return fmt.Errorf("seed: category %q: negative tokens", c.ID)
		}
		categories[c.ID] = true
	}

	events := make(map[string]bool, len(s.Events))
	for _, e := range s.Events {
		if e.ID == "" {
			return fmt.Errorf("seed: event with empty id")
		}
		if events[e.ID] {
			return fmt.Errorf("seed: duplicate event %q", e.ID)
		}
		if e.MaxQueueCount < 0 || e.QueueMaxUserCount < 1 {
			return fmt.Errorf("seed: event %q: invalid queue limits", e.ID)
		}
		events[e.ID] = true
	}

	parents := make(map[string]string)
	for _, c := range s.Categories {
		for _, child := range c.Children {
			if !categories[child] {
				return fmt.Errorf("seed: category %q references unknown child %q", c.ID, child)
			}
			if p, ok := parents[child]; ok && p != c.ID {
				return fmt.Errorf("seed: category %q has two parents, %q and %q", child, p, c.ID)
			}
			parents[child] = c.ID
		}
		for _, ev := range c.Events {
			if !events[ev] {
				return fmt.Errorf("seed: category %q references unknown event %q", c.ID, ev)
			}
		}
	}
	return nil
}

// Category returns the stored form without structure; children and events
// are attached afterwards so every edge passes the topology checks.
func (c SeedCategory) Category() models.Category {
	typ, _ := models.ParseCategoryType(c.Type)
	return models.Category{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Enabled:     c.Enabled == nil || *c.Enabled,
		Type:        typ,
		Tokens:      c.Tokens,
	}
}

func (e SeedEvent) Event() models.Event {
	return models.Event{
		ID:                e.ID,
		Name:              e.Name,
		Location:          e.Location,
		Enabled:           e.Enabled == nil || *e.Enabled,
		Owners:            e.Owners,
		MaxQueueCount:     e.MaxQueueCount,
		QueueMaxUserCount: e.QueueMaxUserCount,
	}
}
