// Package transport provides ordered, asynchronous message channels between
// two executors. A channel delivers messages in the order they were sent in
// each direction and carries a built-in Ping whose reply proves that every
// earlier message from the peer has been handled.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/pending"
	"github.com/srediag/shm-registry/pkg/shm"
)

// ErrChannelClosed is returned by Send and Ping once either side has closed
// the channel. Pings still in flight at close are rejected with it.
var ErrChannelClosed = errors.New("transport: channel closed")

// Kind identifies a message.
type Kind uint8

const (
	// KindAdd announces a new shared resource.
	KindAdd Kind = iota + 1
	// KindRemove retracts a shared resource.
	KindRemove
	// KindPing asks the peer to answer once it has reached this message.
	KindPing
	// KindPingReply answers a KindPing carrying the same Seq.
	KindPingReply
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindRemove:
		return "remove"
	case KindPing:
		return "ping"
	case KindPingReply:
		return "ping_reply"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one unit on a channel. Desc is set for KindAdd only.
type Message struct {
	Kind Kind
	Seq  uint64
	ID   shm.ResourceID
	Desc shm.Descriptor
}

// Handler receives the messages delivered to an endpoint. Both methods run
// on the endpoint's executor.
type Handler interface {
	HandleMessage(ctx context.Context, ep *Endpoint, msg Message)
	ChannelClosed(ctx context.Context, ep *Endpoint)
}

// Transport is the sending side of a channel.
type Transport interface {
	// Send queues msg for the peer.
	Send(ctx context.Context, msg Message) error
	// Ping returns once the peer has handled every message sent before it.
	Ping(ctx context.Context) error
	// CanSend reports whether the channel is still open.
	CanSend() bool
	// Close closes both directions of the channel.
	Close() error
}

// Side describes one end of a channel.
type Side struct {
	PID      shm.ProcessID
	Executor *executor.Executor
	Logger   *zap.Logger
}

type channel struct {
	mu     sync.Mutex
	closed bool
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Endpoint is one end of a channel.
type Endpoint struct {
	pid    shm.ProcessID
	exec   *executor.Executor
	peer   *Endpoint
	ch     *channel
	logger *zap.Logger

	mu      sync.Mutex
	handler Handler

	pingSeq atomic.Uint64
	pings   *pending.Table[uint64, struct{}]
}

var _ Transport = (*Endpoint)(nil)

// Connect joins a and b and returns their endpoints, a's first.
func Connect(a, b Side) (*Endpoint, *Endpoint) {
	ch := &channel{}
	ea := newEndpoint(a, ch)
	eb := newEndpoint(b, ch)
	ea.peer, eb.peer = eb, ea
	ea.logger = ea.logger.With(zap.Uint32("peer", uint32(b.PID)))
	eb.logger = eb.logger.With(zap.Uint32("peer", uint32(a.PID)))
	return ea, eb
}

func newEndpoint(s Side, ch *channel) *Endpoint {
	return &Endpoint{
		pid:    s.PID,
		exec:   s.Executor,
		ch:     ch,
		logger: logging.OrNop(s.Logger).Named("transport").With(zap.Uint32("pid", uint32(s.PID))),
		pings:  pending.NewTable[uint64, struct{}](),
	}
}

// Bind installs the handler for messages delivered to e.
func (e *Endpoint) Bind(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// PID returns the process id of this side.
func (e *Endpoint) PID() shm.ProcessID { return e.pid }

// OtherPID returns the process id of the peer.
func (e *Endpoint) OtherPID() shm.ProcessID { return e.peer.pid }

// Executor returns the executor messages for e are delivered on.
func (e *Endpoint) Executor() *executor.Executor { return e.exec }

// CanSend reports whether the channel is open.
func (e *Endpoint) CanSend() bool { return !e.ch.isClosed() }

// Send queues msg for the peer. Messages leave through e's executor so that
// they stay ordered with its other sends and with any ping replies.
func (e *Endpoint) Send(ctx context.Context, msg Message) error {
	if e.ch.isClosed() {
		return ErrChannelClosed
	}
	if executor.On(ctx, e.exec) {
		return e.forward(msg)
	}
	err := e.exec.Post(func(context.Context) {
		if err := e.forward(msg); err != nil {
			e.logger.Debug("dropped message", zap.Stringer("kind", msg.Kind), zap.Error(err))
		}
	})
	if errors.Is(err, executor.ErrClosed) {
		return ErrChannelClosed
	}
	return err
}

// Ping sends a ping and waits for its reply.
func (e *Endpoint) Ping(ctx context.Context) error {
	seq := e.pingSeq.Add(1)
	fut, _, err := e.pings.Attach(seq)
	if err != nil {
		return ErrChannelClosed
	}
	if err := e.Send(ctx, Message{Kind: KindPing, Seq: seq}); err != nil {
		e.pings.Reject(seq, err)
		return err
	}
	if _, err = fut.Wait(ctx); err != nil {
		if errors.Is(err, pending.ErrShutdown) {
			return ErrChannelClosed
		}
		e.pings.Reject(seq, err)
	}
	return err
}

// Close closes the channel. Pings in flight on either side are rejected, and
// each side's handler is told on its own executor. Closing twice is a no-op.
func (e *Endpoint) Close() error {
	e.ch.mu.Lock()
	if e.ch.closed {
		e.ch.mu.Unlock()
		return nil
	}
	e.ch.closed = true
	e.ch.mu.Unlock()

	for _, side := range []*Endpoint{e, e.peer} {
		side := side
		side.pings.Shutdown()
		if err := side.exec.Post(func(ctx context.Context) {
			if h := side.currentHandler(); h != nil {
				h.ChannelClosed(ctx, side)
			}
		}); err != nil {
			side.logger.Debug("close notification dropped", zap.Error(err))
		}
	}
	return nil
}

func (e *Endpoint) currentHandler() Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *Endpoint) forward(msg Message) error {
	peer := e.peer
	err := peer.exec.Post(func(ctx context.Context) { peer.deliver(ctx, msg) })
	if errors.Is(err, executor.ErrClosed) {
		return ErrChannelClosed
	}
	return err
}

func (e *Endpoint) deliver(ctx context.Context, msg Message) {
	if e.ch.isClosed() {
		if msg.Kind == KindAdd && msg.Desc.Handle.Valid() {
			_ = shm.CloseHandle(msg.Desc.Handle)
		}
		return
	}
	switch msg.Kind {
	case KindPing:
		if err := e.forward(Message{Kind: KindPingReply, Seq: msg.Seq}); err != nil {
			e.logger.Debug("ping reply dropped", zap.Uint64("seq", msg.Seq), zap.Error(err))
		}
	case KindPingReply:
		e.pings.Resolve(msg.Seq, struct{}{})
	default:
		h := e.currentHandler()
		if h == nil {
			e.logger.Warn("no handler bound, dropping message", zap.Stringer("kind", msg.Kind), zap.Stringer("id", msg.ID))
			return
		}
		h.HandleMessage(ctx, e, msg)
	}
}
