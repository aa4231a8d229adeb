package artifact

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when an artifact id does not resolve.
	ErrNotFound = errors.New("artifact not found")

	// ErrAlreadyCompleted is returned when completing a completed artifact.
	ErrAlreadyCompleted = errors.New("artifact already completed")

	// ErrForwardRef is returned when a persisted document carries an
	// explicit reference that is not a back-reference. Such a graph can
	// contain cycles, which Create makes impossible for live sessions.
	ErrForwardRef = errors.New("explicit reference is not a back-reference")
)

// UnknownRefsError reports explicit references to artifacts that do not
// exist in the store. It is a non-fatal validation failure: the turn loop
// renders it into an ordinary error result.
type UnknownRefsError struct {
	IDs []string
}

func (e *UnknownRefsError) Error() string {
	return fmt.Sprintf("Argument Error: The following artifact IDs are invalid: %s", strings.Join(e.IDs, ", "))
}

// Store holds all artifacts of one session. IDs are monotonically
// increasing numeric strings unique within the session. The turn loop is
// the only writer; the lock exists because trace requests and snapshot
// readers run outside the loop.
type Store struct {
	mu     sync.RWMutex
	items  map[string]*Artifact
	nextID int
	latest string
}

// NewStore returns an empty store whose first assigned id is "1".
func NewStore() *Store {
	return &Store{items: make(map[string]*Artifact), nextID: 1}
}

// Create validates the artifact's explicit references, assigns the next
// id, links the implicit predecessor chain, and registers the artifact in
// StatusInProgress (unless the caller pre-set StatusCompleted, as the
// user-requirement artifact does). It returns the assigned id.
func (s *Store) Create(a *Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unknown []string
	for _, ref := range a.ExplicitRefs {
		if _, ok := s.items[ref]; !ok {
			unknown = append(unknown, ref)
		}
	}
	if len(unknown) > 0 {
		return "", &UnknownRefsError{IDs: unknown}
	}

	a.ID = strconv.Itoa(s.nextID)
	s.nextID++
	if a.Status == "" {
		a.Status = StatusInProgress
	}
	a.ImplicitRef = s.latest
	if a.ExplicitRefs == nil {
		a.ExplicitRefs = []string{}
	}

	s.items[a.ID] = a
	s.latest = a.ID
	return a.ID, nil
}

// Complete fills in the artifact payload and flips it to StatusCompleted.
// The fill callback runs under the store lock; keep it cheap.
func (s *Store) Complete(id string, fill func(*Artifact)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Status == StatusCompleted {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	if fill != nil {
		fill(a)
	}
	a.Status = StatusCompleted
	return nil
}

// Get returns a copy of the artifact.
func (s *Store) Get(id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

// ValidateRefs reports which of the given ids do not resolve.
func (s *Store) ValidateRefs(ids []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var unknown []string
	for _, id := range ids {
		if _, ok := s.items[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return &UnknownRefsError{IDs: unknown}
	}
	return nil
}

// ExplicitRefs returns the explicit predecessor ids of an artifact.
func (s *Store) ExplicitRefs(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]string(nil), a.ExplicitRefs...), nil
}

// Latest returns the id of the most recently created artifact, or "".
func (s *Store) Latest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// RemoveInProgress discards every artifact still in StatusInProgress and
// recomputes the latest pointer from the survivors (highest numeric id, or
// none). Used for interrupt rollback; returns the removed ids.
func (s *Store) RemoveInProgress() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, a := range s.items {
		if a.Status == StatusInProgress {
			removed = append(removed, id)
			delete(s.items, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	s.latest = ""
	highest := 0
	for id := range s.items {
		if n, err := strconv.Atoi(id); err == nil && n > highest {
			highest = n
			s.latest = id
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns a copy of every artifact keyed by id.
func (s *Store) Snapshot() map[string]*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Artifact, len(s.items))
	for id, a := range s.items {
		out[id] = a.clone()
	}
	return out
}

// Export serializes the store for persistence.
func (s *Store) Export() *StoreDoc {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := &StoreDoc{NextID: s.nextID, Latest: s.latest}
	for _, a := range s.items {
		doc.Artifacts = append(doc.Artifacts, a.clone())
	}
	sort.Slice(doc.Artifacts, func(i, j int) bool {
		ni, _ := strconv.Atoi(doc.Artifacts[i].ID)
		nj, _ := strconv.Atoi(doc.Artifacts[j].ID)
		return ni < nj
	})
	return doc
}

// StoreDoc is the serializable form of a Store.
type StoreDoc struct {
	NextID    int         `json:"next_id"`
	Latest    string      `json:"latest"`
	Artifacts []*Artifact `json:"artifacts"`
}

// Restore rebuilds a store from a persisted document, verifying that every
// explicit reference resolves and points strictly backwards so the
// rehydrated graph keeps its invariants. Create only ever links
// back-references, so any forward reference means a corrupted or forged
// document; admitting one would let a cycle into the reference graph.
func Restore(doc *StoreDoc) (*Store, error) {
	s := NewStore()
	if doc == nil {
		return s, nil
	}

	s.nextID = doc.NextID
	s.latest = doc.Latest
	for _, a := range doc.Artifacts {
		s.items[a.ID] = a.clone()
	}
	for _, a := range doc.Artifacts {
		n, err := strconv.Atoi(a.ID)
		if err != nil {
			return nil, fmt.Errorf("restore artifact %s: invalid id", a.ID)
		}
		for _, ref := range a.ExplicitRefs {
			if _, ok := s.items[ref]; !ok {
				return nil, fmt.Errorf("restore artifact %s: %w: %s", a.ID, ErrNotFound, ref)
			}
			rn, err := strconv.Atoi(ref)
			if err != nil || rn >= n {
				return nil, fmt.Errorf("restore artifact %s: %w: %s", a.ID, ErrForwardRef, ref)
			}
		}
	}
	return s, nil
}
