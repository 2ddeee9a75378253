package conflict

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Repository persists conflicts and their audit trail. Conflicts are never
// deleted.
type Repository interface {
	// Create stores a new conflict together with its DETECTED event.
	Create(ctx context.Context, c *Conflict) error
	// Transition stores c, whose state moved away from ev.From, and appends
	// ev. It fails with ErrStaleState when the stored state is not ev.From.
	Transition(ctx context.Context, c *Conflict, ev Event) error
	Get(ctx context.Context, id uuid.UUID) (*Conflict, error)
	// List returns conflicts in state (all when empty), newest first.
	List(ctx context.Context, state State, limit int) ([]Conflict, error)
	Events(ctx context.Context, id uuid.UUID) ([]Event, error)
}

type MemoryRepository struct {
	mu        sync.RWMutex
	conflicts map[uuid.UUID]*Conflict
	events    map[uuid.UUID][]Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conflicts: make(map[uuid.UUID]*Conflict),
		events:    make(map[uuid.UUID][]Event),
	}
}

func (r *MemoryRepository) Create(_ context.Context, c *Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[c.ID] = c.clone()
	r.events[c.ID] = append(r.events[c.ID], Event{ConflictID: c.ID, To: c.State, Note: c.Detail, At: c.DetectedAt})
	return nil
}

func (r *MemoryRepository) Transition(_ context.Context, c *Conflict, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.conflicts[c.ID]
	if !ok {
		return ErrConflictNotFound
	}
	if stored.State != ev.From {
		return ErrStaleState
	}
	r.conflicts[c.ID] = c.clone()
	r.events[c.ID] = append(r.events[c.ID], ev)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	return c.clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, state State, limit int) ([]Conflict, error) {
	r.mu.RLock()
	out := make([]Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		if state == "" || c.State == state {
			out = append(out, *c.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Events(_ context.Context, id uuid.UUID) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conflicts[id]; !ok {
		return nil, ErrConflictNotFound
	}
	return append([]Event(nil), r.events[id]...), nil
}
