package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"crowdmirror/internal/domain"
)

// ConflictError reports a broken internal invariant: a second live object
// was inserted for an id the cache already holds.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity cache already holds %s %s", e.Kind, e.ID)
}

// kindMap retains entries for the process lifetime. Entries are pointers to
// the one live object per id; Put is check-then-set under one lock so a
// second object can never displace the first.
type kindMap[T any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]T
}

func (k *kindMap[T]) Put(id string, v T) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.m[id]; exists {
		return &ConflictError{Kind: k.kind, ID: id}
	}
	k.m[id] = v
	return nil
}

// Adopt returns the live object for id, inserting v if none is held yet.
// Lookups use this so a fresh copy never shadows an object a caller already
// holds.
func (k *kindMap[T]) Adopt(id string, v T) T {
	k.mu.Lock()
	defer k.mu.Unlock()
	if held, ok := k.m[id]; ok {
		return held
	}
	k.m[id] = v
	return v
}

func (k *kindMap[T]) Get(id string) (T, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.m[id]
	return v, ok
}

func (k *kindMap[T]) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.m)
}

// DefaultAssignmentCapacity bounds the assignment cache. The other kinds are
// small and long-lived; assignments can stream in by the thousand.
const DefaultAssignmentCapacity = 4096

// Cache guarantees at most one live object per entity id within the process:
// every lookup for an id yields the same pointer, and updates applied to it
// are visible through every handle. Work-unit types, work units and workers
// are retained for the process lifetime; assignments live in a bounded cache
// whose entries may be evicted at any time, so there is deliberately no Has
// method for them: check-then-get would race with eviction, callers must use
// Get alone.
type Cache struct {
	types       kindMap[*domain.WorkUnitType]
	units       kindMap[*domain.WorkUnit]
	workers     kindMap[*domain.Worker]
	assignments *lru.Cache[string, *domain.Assignment]
}

// New builds a Cache with the given assignment capacity; capacity <= 0 uses
// the default.
func New(assignmentCapacity int) (*Cache, error) {
	if assignmentCapacity <= 0 {
		assignmentCapacity = DefaultAssignmentCapacity
	}
	assignments, err := lru.New[string, *domain.Assignment](assignmentCapacity)
	if err != nil {
		return nil, err
	}
	return &Cache{
		types:       kindMap[*domain.WorkUnitType]{kind: "work unit type", m: map[string]*domain.WorkUnitType{}},
		units:       kindMap[*domain.WorkUnit]{kind: "work unit", m: map[string]*domain.WorkUnit{}},
		workers:     kindMap[*domain.Worker]{kind: "worker", m: map[string]*domain.Worker{}},
		assignments: assignments,
	}, nil
}

func (c *Cache) PutType(t *domain.WorkUnitType) error { return c.types.Put(t.ID, t) }

func (c *Cache) AdoptType(t *domain.WorkUnitType) *domain.WorkUnitType { return c.types.Adopt(t.ID, t) }

func (c *Cache) GetType(id string) (*domain.WorkUnitType, bool) { return c.types.Get(id) }

func (c *Cache) PutUnit(u *domain.WorkUnit) error { return c.units.Put(u.ID, u) }

func (c *Cache) AdoptUnit(u *domain.WorkUnit) *domain.WorkUnit { return c.units.Adopt(u.ID, u) }

func (c *Cache) GetUnit(id string) (*domain.WorkUnit, bool) { return c.units.Get(id) }

func (c *Cache) AdoptWorker(w *domain.Worker) *domain.Worker { return c.workers.Adopt(w.ID, w) }

func (c *Cache) GetWorker(id string) (*domain.Worker, bool) { return c.workers.Get(id) }

// PutAssignment inserts into the bounded cache, failing loudly if the id is
// already present.
func (c *Cache) PutAssignment(a *domain.Assignment) error {
	if _, exists := c.assignments.Get(a.ID); exists {
		return &ConflictError{Kind: "assignment", ID: a.ID}
	}
	c.assignments.Add(a.ID, a)
	return nil
}

// AdoptAssignment returns the live assignment for a.ID, inserting a if the
// id is unknown or has been evicted.
func (c *Cache) AdoptAssignment(a *domain.Assignment) *domain.Assignment {
	if held, ok := c.assignments.Get(a.ID); ok {
		return held
	}
	c.assignments.Add(a.ID, a)
	return a
}

// GetAssignment returns the cached assignment if it has not been evicted.
func (c *Cache) GetAssignment(id string) (*domain.Assignment, bool) {
	return c.assignments.Get(id)
}

// AssignmentsForUnit returns the cached assignments belonging to one unit.
func (c *Cache) AssignmentsForUnit(unitID string) []*domain.Assignment {
	var out []*domain.Assignment
	for _, id := range c.assignments.Keys() {
		if a, ok := c.assignments.Peek(id); ok && a.WorkUnitID == unitID {
			out = append(out, a)
		}
	}
	return out
}

// UnitIDs returns the ids of every cached work unit.
func (c *Cache) UnitIDs() []string {
	c.units.mu.RLock()
	defer c.units.mu.RUnlock()
	ids := make([]string, 0, len(c.units.m))
	for id := range c.units.m {
		ids = append(ids, id)
	}
	return ids
}
