// Package surface is the producing side of surface sharing. A Client holds
// the channel to the consumer process and the namespace its ids come from; a
// Surface is one shared image created through it.
package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/shm"
	"github.com/srediag/shm-registry/pkg/transport"
)

var (
	// ErrNotShareable is returned for surfaces that fell back to local memory.
	ErrNotShareable = errors.New("surface: not shareable")
	// ErrReleased is returned for operations on a released surface.
	ErrReleased = errors.New("surface: released")
	// ErrDisconnected is returned while the client has no channel.
	ErrDisconnected = errors.New("surface: disconnected")
)

// Connector opens a channel to the consumer process and returns this side's
// endpoint with the namespace bound to it.
type Connector interface {
	Connect(producer transport.Side) (*transport.Endpoint, shm.Namespace, error)
}

// InProcessRegistry accepts surfaces from a producer living in the same
// process as the registry.
type InProcessRegistry interface {
	AddSameProcess(ctx context.Context, owner shm.ProcessID, id shm.ResourceID, seg *shm.Segment) error
	Remove(ctx context.Context, owner shm.ProcessID, id shm.ResourceID) error
}

// ClientOptions configures a Client.
type ClientOptions struct {
	PID shm.ProcessID
	// Executor runs sends and teardown. Required.
	Executor  *executor.Executor
	Connector Connector
	Segment   shm.SegmentOptions
	Logger    *zap.Logger
}

// Client creates and shares surfaces for one producer process.
type Client struct {
	pid       shm.ProcessID
	exec      *executor.Executor
	connector Connector
	segOpts   shm.SegmentOptions
	logger    *zap.Logger

	mu  sync.Mutex
	ep  *transport.Endpoint
	ids *shm.IDAllocator
}

// NewClient creates a client and connects it.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Executor == nil || opts.Connector == nil {
		return nil, fmt.Errorf("surface: executor and connector are required")
	}
	c := &Client{
		pid:       opts.PID,
		exec:      opts.Executor,
		connector: opts.Connector,
		segOpts:   opts.Segment,
		logger:    logging.OrNop(opts.Logger).Named("surface").With(zap.Uint32("pid", uint32(opts.PID))),
	}
	if err := c.Reset(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset drops the current channel and connects again. The new channel gets a
// fresh namespace, so every id issued before is no longer valid.
func (c *Client) Reset() error {
	c.mu.Lock()
	old := c.ep
	c.ep, c.ids = nil, nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	ep, ns, err := c.connector.Connect(transport.Side{PID: c.pid, Executor: c.exec, Logger: c.logger})
	if err != nil {
		return fmt.Errorf("surface: connect: %w", err)
	}
	c.mu.Lock()
	c.ep, c.ids = ep, shm.NewIDAllocator(ns)
	c.mu.Unlock()
	c.logger.Info("connected", zap.Uint32("namespace", uint32(ns)))
	return nil
}

// PID returns the producer process id.
func (c *Client) PID() shm.ProcessID { return c.pid }

// Executor returns the client's executor.
func (c *Client) Executor() *executor.Executor { return c.exec }

// Namespace returns the namespace of the current channel.
func (c *Client) Namespace() (shm.Namespace, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids == nil {
		return 0, false
	}
	return c.ids.Namespace(), true
}

// Endpoint returns the current channel endpoint.
func (c *Client) Endpoint() (*transport.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep, c.ep != nil
}

// OwnsID reports whether id belongs to the current, open channel.
func (c *Client) OwnsID(id shm.ResourceID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids != nil && c.ids.Namespace() == id.Namespace() && c.ep.CanSend()
}

func (c *Client) allocate() (*transport.Endpoint, shm.ResourceID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep == nil || !c.ep.CanSend() {
		return nil, 0, ErrDisconnected
	}
	id, err := c.ids.Next()
	if err != nil {
		return nil, 0, err
	}
	return c.ep, id, nil
}

// CreateSurface allocates a shared surface. When shared memory is exhausted it
// falls back to a local surface that cannot be shared.
func (c *Client) CreateSurface(size shm.Size, stride int32, format shm.Format) (*Surface, error) {
	seg, err := shm.NewSegment(size, stride, format, c.segOpts)
	if err == nil {
		return newSurface(c, seg, nil), nil
	}
	if !errors.Is(err, shm.ErrOutOfMemory) {
		return nil, err
	}
	c.logger.Warn("shared memory unavailable, using local surface", zap.Error(err))
	local, lerr := shm.NewLocal(size, stride, format)
	if lerr != nil {
		return nil, lerr
	}
	return newSurface(c, nil, local), nil
}

// Close closes the channel.
func (c *Client) Close() error {
	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep == nil {
		return nil
	}
	return ep.Close()
}
