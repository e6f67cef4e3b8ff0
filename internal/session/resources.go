package session

import (
	"sync"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/dispatch"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/polling"
	"github.com/rs/zerolog"
)

// Change describes one status transition of a tracked resource. An empty
// Status means the resource was dropped.
type Change struct {
	ID       string
	Previous string
	Status   string
}

// ResourceSet is the live view of tracked resources. Push events and poll
// snapshots both write to it; the last write wins.
type ResourceSet struct {
	log      zerolog.Logger
	trackAll bool

	mu     sync.RWMutex
	order  []string
	status map[string]string

	listeners dispatch.Listeners[Change]
}

// NewResourceSet creates an empty set. With trackAll, updates for unknown
// ids start tracking them; otherwise they are ignored.
func NewResourceSet(log zerolog.Logger, trackAll bool) *ResourceSet {
	return &ResourceSet{
		log:      log,
		trackAll: trackAll,
		status:   make(map[string]string),
	}
}

// Track adds a resource or overwrites its status.
func (s *ResourceSet) Track(id, status string) {
	s.mu.Lock()
	prev, known := s.status[id]
	s.addLocked(id, status)
	s.mu.Unlock()

	if !known || prev != status {
		s.notify(Change{ID: id, Previous: prev, Status: status})
	}
}

// Untrack removes a resource.
func (s *ResourceSet) Untrack(id string) {
	s.mu.Lock()
	prev, ok := s.status[id]
	if ok {
		s.removeLocked(id)
	}
	s.mu.Unlock()

	if ok {
		s.notify(Change{ID: id, Previous: prev})
	}
}

// Apply records a status update for id and reports whether anything changed.
func (s *ResourceSet) Apply(id, status string) bool {
	s.mu.Lock()
	prev, known := s.status[id]
	if (!known && !s.trackAll) || (known && prev == status) {
		s.mu.Unlock()
		return false
	}
	s.addLocked(id, status)
	s.mu.Unlock()

	s.notify(Change{ID: id, Previous: prev, Status: status})
	return true
}

// ApplySnapshot records a full status listing and returns the number of
// changes. Tracked resources still processing locally but absent from the
// snapshot are dropped.
func (s *ResourceSet) ApplySnapshot(snapshot []polling.Resource) int {
	seen := make(map[string]bool, len(snapshot))
	changes := 0
	for _, r := range snapshot {
		seen[r.ID] = true
		if s.Apply(r.ID, r.Status) {
			changes++
		}
	}

	for _, r := range s.Resources() {
		if r.Status == polling.StatusProcessing && !seen[r.ID] {
			s.Untrack(r.ID)
			changes++
		}
	}
	return changes
}

// Get returns the status of id.
func (s *ResourceSet) Get(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.status[id]
	return status, ok
}

// Resources returns the tracked resources in tracking order. It implements
// polling.ResourceSource.
func (s *ResourceSet) Resources() []polling.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]polling.Resource, len(s.order))
	for i, id := range s.order {
		out[i] = polling.Resource{ID: id, Status: s.status[id]}
	}
	return out
}

// OnChange registers fn for every status change.
func (s *ResourceSet) OnChange(fn func(Change)) func() {
	return s.listeners.Add(fn)
}

func (s *ResourceSet) addLocked(id, status string) {
	if _, ok := s.status[id]; !ok {
		s.order = append(s.order, id)
	}
	s.status[id] = status
}

func (s *ResourceSet) removeLocked(id string) {
	delete(s.status, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *ResourceSet) notify(c Change) {
	for _, p := range s.listeners.Notify(c) {
		s.log.Error().Interface("panic", p).Str("id", c.ID).Msg("resource listener panicked")
	}
}

var _ polling.ResourceSource = (*ResourceSet)(nil)
