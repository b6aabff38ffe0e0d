package pending

import (
	"sync"
)

// Table keys single-resolution futures. Waiters on a key share one future per
// generation. Seal closes the open generation so later waiters get a fresh
// future; SettleThrough settles sealed generations only, while Resolve and
// Reject settle every waiter of the key.
type Table[K comparable, V any] struct {
	mu      sync.Mutex
	waits   map[K]*slot[V]
	nextGen uint64
	closed  bool
}

type generation[V any] struct {
	gen uint64
	f   *Future[V]
}

type slot[V any] struct {
	open    *Future[V]
	openGen uint64
	sealed  []generation[V]
}

func (s *slot[V]) empty() bool { return s.open == nil && len(s.sealed) == 0 }

func (s *slot[V]) all() []*Future[V] {
	out := make([]*Future[V], 0, len(s.sealed)+1)
	for _, g := range s.sealed {
		out = append(out, g.f)
	}
	if s.open != nil {
		out = append(out, s.open)
	}
	return out
}

// NewTable returns an empty table.
func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{waits: make(map[K]*slot[V])}
}

// Attach returns the open future for key and its generation, creating it if
// needed. Generations are unique across the table. After Shutdown it returns
// ErrShutdown.
func (t *Table[K, V]) Attach(key K) (*Future[V], uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, 0, ErrShutdown
	}
	s, ok := t.waits[key]
	if !ok {
		s = &slot[V]{}
		t.waits[key] = s
	}
	if s.open == nil {
		t.nextGen++
		s.open, s.openGen = NewFuture[V](), t.nextGen
	}
	return s.open, s.openGen, nil
}

// Seal closes generation gen of key to new waiters. It reports false when
// gen is no longer the open generation.
func (t *Table[K, V]) Seal(key K, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.waits[key]
	if !ok || s.open == nil || s.openGen != gen {
		return false
	}
	s.sealed = append(s.sealed, generation[V]{gen: gen, f: s.open})
	s.open = nil
	return true
}

// SettleThrough settles the sealed generations of key up to and including
// gen: resolved with v when err is nil, rejected otherwise. Waiters that
// attached after gen was sealed are left alone.
func (t *Table[K, V]) SettleThrough(key K, gen uint64, v V, err error) int {
	t.mu.Lock()
	var settle []*Future[V]
	if s, ok := t.waits[key]; ok {
		n := 0
		for n < len(s.sealed) && s.sealed[n].gen <= gen {
			settle = append(settle, s.sealed[n].f)
			n++
		}
		s.sealed = s.sealed[n:]
		if s.empty() {
			delete(t.waits, key)
		}
	}
	t.mu.Unlock()
	for _, f := range settle {
		if err != nil {
			f.Reject(err)
		} else {
			f.Resolve(v)
		}
	}
	return len(settle)
}

// Resolve settles every future of key with v, if anyone is waiting.
func (t *Table[K, V]) Resolve(key K, v V) bool {
	n := 0
	for _, f := range t.take(key) {
		if f.Resolve(v) {
			n++
		}
	}
	return n > 0
}

// Reject settles every future of key with err, if anyone is waiting.
func (t *Table[K, V]) Reject(key K, err error) bool {
	n := 0
	for _, f := range t.take(key) {
		if f.Reject(err) {
			n++
		}
	}
	return n > 0
}

// RejectMatching rejects every future whose key satisfies match and returns
// how many keys it rejected.
func (t *Table[K, V]) RejectMatching(match func(K) bool, err error) int {
	t.mu.Lock()
	var rejected []*Future[V]
	keys := 0
	for k, s := range t.waits {
		if match(k) {
			rejected = append(rejected, s.all()...)
			delete(t.waits, k)
			keys++
		}
	}
	t.mu.Unlock()
	for _, f := range rejected {
		f.Reject(err)
	}
	return keys
}

// Len returns the number of keys with waiters.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waits)
}

// Shutdown rejects every outstanding future with ErrShutdown and refuses new
// attachments.
func (t *Table[K, V]) Shutdown() {
	t.mu.Lock()
	t.closed = true
	waits := t.waits
	t.waits = make(map[K]*slot[V])
	t.mu.Unlock()
	for _, s := range waits {
		for _, f := range s.all() {
			f.Reject(ErrShutdown)
		}
	}
}

func (t *Table[K, V]) take(key K) []*Future[V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.waits[key]
	if !ok {
		return nil
	}
	delete(t.waits, key)
	return s.all()
}
