// Package binding tracks the renderer keys a shared surface is bound to. A
// surface can be shown by several consumers; each one gets its own key, and
// the dirty area accumulated since that consumer last saw the surface.
package binding

import (
	"errors"
	"image"
	"sync"

	"github.com/google/uuid"

	"github.com/srediag/shm-registry/pkg/shm"
)

// ErrConsumerDestroyed is returned by UpdateKey for a consumer that is gone.
var ErrConsumerDestroyed = errors.New("binding: consumer destroyed")

// ImageKey names an image inside one consumer namespace.
type ImageKey struct {
	Namespace shm.Namespace
	Handle    uint32
}

// Consumer is a renderer the surface can be bound to.
type Consumer interface {
	ID() uuid.UUID
	// Namespace changes when the consumer restarts; keys from an older
	// namespace are meaningless.
	Namespace() shm.Namespace
	IsDestroyed() bool
	NextImageKey() ImageKey
	AddKeyForDiscard(key ImageKey)
}

// ResourceUpdates collects the image operations for the next frame.
type ResourceUpdates interface {
	AddExternalImage(key ImageKey, id shm.ResourceID, size shm.Size)
	UpdateExternalImage(key ImageKey, id shm.ResourceID, dirty image.Rectangle)
}

// Binding is one consumer's key for the surface.
type Binding struct {
	Consumer  Consumer
	Key       ImageKey
	Namespace shm.Namespace
	Dirty     image.Rectangle
}

// Set holds every binding of one surface.
type Set struct {
	id     shm.ResourceID
	bounds image.Rectangle

	mu       sync.Mutex
	bindings []*Binding
}

// NewSet returns an empty set for the surface id of the given size.
func NewSet(id shm.ResourceID, size shm.Size) *Set {
	return &Set{id: id, bounds: image.Rect(0, 0, int(size.Width), int(size.Height))}
}

// UpdateKey returns c's key for the surface and records the image operation
// c needs: an add on first use or after c changed namespace, otherwise an
// update covering whatever became dirty since the last call.
func (s *Set) UpdateKey(c Consumer, updates ResourceUpdates) (ImageKey, error) {
	if c.IsDestroyed() {
		return ImageKey{}, ErrConsumerDestroyed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	b := s.findLocked(c.ID())
	if b != nil && b.Namespace != c.Namespace() {
		// The old key died with the old namespace; nothing to discard.
		s.removeLocked(b)
		b = nil
	}
	size := shm.Size{Width: int32(s.bounds.Dx()), Height: int32(s.bounds.Dy())}
	if b == nil {
		b = &Binding{Consumer: c, Key: c.NextImageKey(), Namespace: c.Namespace()}
		s.bindings = append(s.bindings, b)
		updates.AddExternalImage(b.Key, s.id, size)
		return b.Key, nil
	}
	if !b.Dirty.Empty() {
		updates.UpdateExternalImage(b.Key, s.id, b.Dirty)
		b.Dirty = image.Rectangle{}
	}
	return b.Key, nil
}

// Invalidate marks r dirty for every binding. An empty r marks the whole
// surface.
func (s *Set) Invalidate(r image.Rectangle) {
	if r.Empty() {
		r = s.bounds
	}
	r = r.Intersect(s.bounds)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		b.Dirty = b.Dirty.Union(r)
	}
}

// Release drops c's binding and hands its key back to c for discarding.
func (s *Set) Release(c Consumer) bool {
	s.mu.Lock()
	b := s.findLocked(c.ID())
	if b != nil {
		s.removeLocked(b)
	}
	s.mu.Unlock()
	if b == nil {
		return false
	}
	if !c.IsDestroyed() {
		c.AddKeyForDiscard(b.Key)
	}
	return true
}

// Take empties the set and returns its bindings by value.
func (s *Set) Take() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, *b)
	}
	s.bindings = nil
	return out
}

// Discard hands every key in bindings back to its consumer.
func Discard(bindings []Binding) int {
	n := 0
	for _, b := range bindings {
		if b.Consumer.IsDestroyed() || b.Consumer.Namespace() != b.Namespace {
			continue
		}
		b.Consumer.AddKeyForDiscard(b.Key)
		n++
	}
	return n
}

// Len returns the number of bindings.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

// Dirty returns c's pending dirty rect.
func (s *Set) Dirty(c Consumer) (image.Rectangle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.findLocked(c.ID()); b != nil {
		return b.Dirty, true
	}
	return image.Rectangle{}, false
}

func (s *Set) findLocked(id uuid.UUID) *Binding {
	for _, b := range s.bindings {
		if b.Consumer.ID() == id {
			return b
		}
	}
	return nil
}

func (s *Set) removeLocked(target *Binding) {
	for i, b := range s.bindings {
		if b == target {
			s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
			return
		}
	}
}

func (s *Set) pruneLocked() {
	kept := s.bindings[:0]
	for _, b := range s.bindings {
		if !b.Consumer.IsDestroyed() {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(s.bindings); i++ {
		s.bindings[i] = nil
	}
	s.bindings = kept
}
