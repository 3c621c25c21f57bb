// Package catalog provides read-only lookup of events by id.
//
// The catalog is owned outside the check-in ledger. Here it is loaded once
// from a YAML document at startup and never written.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/arkantrust/ikoot-checkin/backend/models"
)

//go:embed events.yaml
var defaultEvents []byte

// ErrNotFound is returned when no event has the requested id.
var ErrNotFound = errors.New("event not found")

// Catalog resolves events by id.
type Catalog interface {
	FindByID(ctx context.Context, id int64) (*models.Event, error)
	List(ctx context.Context) ([]models.Event, error)
}

// Static is an immutable in-memory Catalog.
type Static struct {
	events map[int64]models.Event
}

type document struct {
	Events []models.Event `yaml:"events"`
}

// Default returns the catalog embedded in the binary.
func Default() (*Static, error) {
	return Parse(defaultEvents)
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from a YAML document of the form
//
//	events:
//	  - id: 1
//	    title: ...
//	    location: ...
func Parse(data []byte) (*Static, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(doc.Events...)
}

// New builds a catalog from the given events. Ids must be positive and unique.
func New(events ...models.Event) (*Static, error) {
	m := make(map[int64]models.Event, len(events))
	for _, e := range events {
		if e.ID <= 0 {
			return nil, fmt.Errorf("catalog: event %q has non-positive id %d", e.Title, e.ID)
		}
		if _, dup := m[e.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate event id %d", e.ID)
		}
		m[e.ID] = e
	}
	return &Static{events: m}, nil
}

// FindByID returns a copy of the event with the given id.
func (s *Static) FindByID(_ context.Context, id int64) (*models.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// List returns all events ordered by id.
func (s *Static) List(_ context.Context) ([]models.Event, error) {
	out := make([]models.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
