package surface

import (
	"context"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/srediag/shm-registry/pkg/binding"
	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/shm"
	"github.com/srediag/shm-registry/pkg/transport"
)

// Surface is a producer-owned image that consumers can look up by id.
type Surface struct {
	client *Client
	seg    *shm.Segment
	mem    *shm.Local
	size   shm.Size
	stride int32
	format shm.Format

	mu       sync.Mutex
	id       shm.ResourceID
	bindings *binding.Set
	shared   []*transport.Endpoint
	local    []InProcessRegistry
	released bool
}

func newSurface(c *Client, seg *shm.Segment, local *shm.Local) *Surface {
	s := &Surface{client: c, seg: seg, mem: local}
	if seg != nil {
		s.size, s.stride, s.format = seg.Size(), seg.Stride(), seg.Format()
	} else {
		s.size, s.stride, s.format = local.Size(), local.Stride(), local.Format()
	}
	return s
}

// Size returns the surface size.
func (s *Surface) Size() shm.Size { return s.size }

// Stride returns the row stride in bytes.
func (s *Surface) Stride() int32 { return s.stride }

// Format returns the pixel format.
func (s *Surface) Format() shm.Format { return s.format }

// Shareable reports whether the surface lives in shared memory.
func (s *Surface) Shareable() bool { return s.seg != nil }

// Data returns the producer's writable view of the pixels.
func (s *Surface) Data() []byte {
	if s.seg != nil {
		return s.seg.Data()
	}
	return s.mem.Data()
}

// Finalize protects the mapping read-only once the producer is done writing.
func (s *Surface) Finalize() error {
	if s.seg == nil {
		return nil
	}
	return s.seg.Finalize()
}

// ID returns the id the surface was last shared under.
func (s *Surface) ID() shm.ResourceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// IsValid reports whether the surface's id still belongs to the client's
// current channel.
func (s *Surface) IsValid() bool {
	id := s.ID()
	return id.Valid() && s.client.OwnsID(id)
}

// Share announces the surface to the consumer process and returns its id. A
// surface already shared on the current channel keeps its id; after a
// reconnect it gets a new one.
func (s *Surface) Share(ctx context.Context) (shm.ResourceID, error) {
	if s.seg == nil {
		return 0, ErrNotShareable
	}
	var stale []binding.Binding
	defer func() { binding.Discard(stale) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, ErrReleased
	}
	if s.id.Valid() && s.client.OwnsID(s.id) {
		return s.id, nil
	}
	ep, id, err := s.client.allocate()
	if err != nil {
		return 0, err
	}
	desc, err := s.seg.Share()
	if err != nil {
		return 0, err
	}
	if err := ep.Send(ctx, transport.Message{Kind: transport.KindAdd, ID: id, Desc: desc}); err != nil {
		_ = shm.CloseHandle(desc.Handle)
		return 0, err
	}
	stale = s.rebindLocked(id)
	s.shared = append(s.shared, ep)
	s.client.logger.Debug("shared surface", zap.Stringer("id", id))
	return id, nil
}

// ShareInProcess registers the surface with a registry in this process
// without transferring a handle.
func (s *Surface) ShareInProcess(ctx context.Context, reg InProcessRegistry) (shm.ResourceID, error) {
	if s.seg == nil {
		return 0, ErrNotShareable
	}
	var stale []binding.Binding
	defer func() { binding.Discard(stale) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, ErrReleased
	}
	if s.id.Valid() && s.client.OwnsID(s.id) {
		return s.id, nil
	}
	_, id, err := s.client.allocate()
	if err != nil {
		return 0, err
	}
	if err := reg.AddSameProcess(ctx, s.client.pid, id, s.seg); err != nil {
		return 0, err
	}
	stale = s.rebindLocked(id)
	s.local = append(s.local, reg)
	return id, nil
}

// rebindLocked moves the surface to id. Keys bound under the previous id are
// returned for discarding.
func (s *Surface) rebindLocked(id shm.ResourceID) []binding.Binding {
	var stale []binding.Binding
	if s.bindings != nil {
		stale = s.bindings.Take()
	}
	s.id = id
	s.bindings = binding.NewSet(id, s.size)
	return stale
}

// UpdateKey shares the surface if needed and returns consumer's key for it,
// recording the add or update the consumer has to apply.
func (s *Surface) UpdateKey(ctx context.Context, consumer binding.Consumer, updates binding.ResourceUpdates) (binding.ImageKey, error) {
	if _, err := s.Share(ctx); err != nil {
		return binding.ImageKey{}, err
	}
	s.mu.Lock()
	set := s.bindings
	s.mu.Unlock()
	return set.UpdateKey(consumer, updates)
}

// Invalidate marks r dirty for every consumer. An empty r marks everything.
func (s *Surface) Invalidate(r image.Rectangle) {
	s.mu.Lock()
	set := s.bindings
	s.mu.Unlock()
	if set != nil {
		set.Invalidate(r)
	}
}

// ReleaseBinding drops consumer's key for the surface.
func (s *Surface) ReleaseBinding(consumer binding.Consumer) bool {
	s.mu.Lock()
	set := s.bindings
	s.mu.Unlock()
	return set != nil && set.Release(consumer)
}

// Release tears the surface down: every binding key is discarded and each
// consumer process it was shared with is told to remove it. The work runs on
// the client's executor.
func (s *Surface) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	id := s.id
	var bindings []binding.Binding
	if s.bindings != nil {
		bindings = s.bindings.Take()
	}
	endpoints := append([]*transport.Endpoint(nil), s.shared...)
	registries := append([]InProcessRegistry(nil), s.local...)
	s.shared, s.local = nil, nil
	s.mu.Unlock()

	teardown := func(ctx context.Context) {
		binding.Discard(bindings)
		for _, ep := range endpoints {
			if !ep.CanSend() || !s.client.OwnsID(id) {
				continue
			}
			if err := ep.Send(ctx, transport.Message{Kind: transport.KindRemove, ID: id}); err != nil {
				s.client.logger.Debug("remove not sent", zap.Stringer("id", id), zap.Error(err))
			}
		}
		for _, reg := range registries {
			_ = reg.Remove(ctx, s.client.pid, id)
		}
		s.free()
	}
	if executor.On(ctx, s.client.exec) {
		teardown(ctx)
		return nil
	}
	if err := s.client.exec.Post(teardown); err != nil {
		s.free()
		return err
	}
	return nil
}

func (s *Surface) free() {
	if s.seg != nil {
		if err := s.seg.Close(); err != nil {
			s.client.logger.Warn("close segment", zap.Error(err))
		}
		return
	}
	s.mem.Release()
}
