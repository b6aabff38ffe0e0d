// Package expiration implements a generation based tracker that batches the
// expiry of idle objects.
//
// Objects enter the newest generation. Each AgeOneGeneration call expires the
// oldest generation and recycles it as the newest, so an object untouched for
// a full rotation is handed back to the caller. The tracker only reports
// expired objects; acting on them is the caller's job and must happen outside
// any lock the objects themselves take while calling into the tracker.
package expiration

import (
	"sync"

	"github.com/Workiva/go-datastructures/set"
)

// DefaultGenerations is the generation count used when New is given fewer than two.
const DefaultGenerations = 4

// Tracker tracks comparable objects by generation.
type Tracker[T comparable] struct {
	mu          sync.Mutex
	generations []*set.Set
	index       map[T]int
	newest      int
}

// New returns a tracker with the given number of generations.
func New[T comparable](generations int) *Tracker[T] {
	if generations < 2 {
		generations = DefaultGenerations
	}
	t := &Tracker[T]{
		generations: make([]*set.Set, generations),
		index:       make(map[T]int),
	}
	for i := range t.generations {
		t.generations[i] = set.New()
	}
	return t
}

// Add places item in the newest generation, moving it if already tracked.
func (t *Tracker[T]) Add(item T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moveLocked(item)
}

// MarkUsed moves a tracked item to the newest generation and reports whether
// it was tracked.
func (t *Tracker[T]) MarkUsed(item T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[item]; !ok {
		return false
	}
	t.moveLocked(item)
	return true
}

// Remove stops tracking item and reports whether it was tracked.
func (t *Tracker[T]) Remove(item T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	gen, ok := t.index[item]
	if !ok {
		return false
	}
	t.generations[gen].Remove(item)
	delete(t.index, item)
	return true
}

// Len returns the number of tracked items.
func (t *Tracker[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// AgeOneGeneration removes the oldest generation's items and returns them.
// ok is false only when the tracker was empty, so a caller looping until it
// can make progress always terminates.
func (t *Tracker[T]) AgeOneGeneration() (expired []T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.index) == 0 {
		return nil, false
	}
	oldest := (t.newest + 1) % len(t.generations)
	expired = t.drainLocked(oldest)
	t.newest = oldest
	return expired, true
}

// AgeAllGenerations expires every tracked item.
func (t *Tracker[T]) AgeAllGenerations() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []T
	for i := range t.generations {
		expired = append(expired, t.drainLocked(i)...)
	}
	return expired
}

func (t *Tracker[T]) moveLocked(item T) {
	if gen, ok := t.index[item]; ok {
		if gen == t.newest {
			return
		}
		t.generations[gen].Remove(item)
	}
	t.generations[t.newest].Add(item)
	t.index[item] = t.newest
}

func (t *Tracker[T]) drainLocked(gen int) []T {
	items := t.generations[gen].Flatten()
	if len(items) == 0 {
		return nil
	}
	t.generations[gen].Clear()
	expired := make([]T, 0, len(items))
	for _, it := range items {
		item := it.(T)
		delete(t.index, item)
		expired = append(expired, item)
	}
	return expired
}
