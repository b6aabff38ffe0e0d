package binding

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/srediag/shm-registry/pkg/shm"
)

// LocalConsumer is an in-process Consumer. Restart moves it to a new
// namespace, which invalidates every key it handed out.
type LocalConsumer struct {
	id        uuid.UUID
	namespace atomic.Uint32
	nextKey   atomic.Uint32
	destroyed atomic.Bool

	mu      sync.Mutex
	discard []ImageKey
}

var _ Consumer = (*LocalConsumer)(nil)

// NewLocalConsumer returns a consumer in namespace ns.
func NewLocalConsumer(ns shm.Namespace) *LocalConsumer {
	c := &LocalConsumer{id: uuid.New()}
	c.namespace.Store(uint32(ns))
	return c
}

func (c *LocalConsumer) ID() uuid.UUID { return c.id }

func (c *LocalConsumer) Namespace() shm.Namespace { return shm.Namespace(c.namespace.Load()) }

func (c *LocalConsumer) IsDestroyed() bool { return c.destroyed.Load() }

func (c *LocalConsumer) NextImageKey() ImageKey {
	return ImageKey{Namespace: c.Namespace(), Handle: c.nextKey.Add(1)}
}

func (c *LocalConsumer) AddKeyForDiscard(key ImageKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discard = append(c.discard, key)
}

// TakeDiscarded returns and clears the keys queued for discard.
func (c *LocalConsumer) TakeDiscarded() []ImageKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.discard
	c.discard = nil
	return keys
}

// Restart moves the consumer to namespace ns and forgets queued discards.
func (c *LocalConsumer) Restart(ns shm.Namespace) {
	c.namespace.Store(uint32(ns))
	c.mu.Lock()
	c.discard = nil
	c.mu.Unlock()
}

// Destroy marks the consumer gone.
func (c *LocalConsumer) Destroy() { c.destroyed.Store(true) }
