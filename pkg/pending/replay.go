package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/srediag/shm-registry/pkg/shm"
)

// ErrDisabled is returned by replay waits once replay has been disabled.
var ErrDisabled = errors.New("pending: replay disabled")

// ReplayOwner identifies the translator that replayed a texture.
type ReplayOwner interface {
	OtherPID() shm.ProcessID
}

type replayEntry struct {
	owner ReplayOwner
	id    shm.ResourceID
	desc  shm.Descriptor
}

// ReplayTable is a monitor over textures produced by replaying a recorded
// stream. Consumers wait for a bounded time for the texture to show up; a
// timeout is a degraded frame, not an error worth tearing anything down for.
// The table owns the handles of the descriptors it holds until they are taken.
type ReplayTable struct {
	mu      sync.Mutex
	entries []replayEntry
	enabled bool
	closed  bool
	wake    chan struct{}
}

// NewReplayTable returns an enabled table.
func NewReplayTable() *ReplayTable {
	return &ReplayTable{enabled: true, wake: make(chan struct{})}
}

// Add publishes a replayed texture and wakes all waiters. It reports false,
// closing the handle, when replay is disabled or the table is shut down.
func (t *ReplayTable) Add(owner ReplayOwner, id shm.ResourceID, desc shm.Descriptor) bool {
	t.mu.Lock()
	if !t.enabled || t.closed {
		t.mu.Unlock()
		_ = shm.CloseHandle(desc.Handle)
		return false
	}
	t.entries = append(t.entries, replayEntry{owner: owner, id: id, desc: desc})
	t.notifyLocked()
	t.mu.Unlock()
	return true
}

// Remove drops owner's entry for id.
func (t *ReplayTable) Remove(owner ReplayOwner, id shm.ResourceID) bool {
	return t.removeMatching(func(e replayEntry) bool { return e.owner == owner && e.id == id }) > 0
}

// RemoveOwner drops every entry published by owner.
func (t *ReplayTable) RemoveOwner(owner ReplayOwner) int {
	return t.removeMatching(func(e replayEntry) bool { return e.owner == owner })
}

// Len returns the number of published, untaken textures.
func (t *ReplayTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Enabled reports whether replay textures are accepted.
func (t *ReplayTable) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.closed
}

// Wait takes the texture id published by a translator talking to pid,
// waiting up to timeout for it.
func (t *ReplayTable) Wait(ctx context.Context, pid shm.ProcessID, id shm.ResourceID, timeout time.Duration) (shm.Descriptor, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	t.mu.Lock()
	for {
		if desc, ok := t.takeLocked(pid, id); ok {
			t.mu.Unlock()
			return desc, nil
		}
		switch {
		case t.closed:
			t.mu.Unlock()
			return shm.Descriptor{}, ErrShutdown
		case !t.enabled:
			t.mu.Unlock()
			return shm.Descriptor{}, ErrDisabled
		}
		wake := t.wake
		t.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return shm.Descriptor{}, ErrTimeout
		case <-ctx.Done():
			return shm.Descriptor{}, ctx.Err()
		}
		t.mu.Lock()
	}
}

// Disable stops accepting textures, drops the published ones and wakes all
// waiters.
func (t *ReplayTable) Disable() {
	t.mu.Lock()
	t.enabled = false
	dropped := t.clearLocked()
	t.mu.Unlock()
	closeHandles(dropped)
}

// Shutdown drops everything and rejects current and future waits.
func (t *ReplayTable) Shutdown() {
	t.mu.Lock()
	t.closed = true
	dropped := t.clearLocked()
	t.mu.Unlock()
	closeHandles(dropped)
}

func (t *ReplayTable) takeLocked(pid shm.ProcessID, id shm.ResourceID) (shm.Descriptor, bool) {
	for i, e := range t.entries {
		if e.id == id && e.owner.OtherPID() == pid {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return e.desc, true
		}
	}
	return shm.Descriptor{}, false
}

func (t *ReplayTable) removeMatching(match func(replayEntry) bool) int {
	t.mu.Lock()
	var dropped []replayEntry
	kept := t.entries[:0]
	for _, e := range t.entries {
		if match(e) {
			dropped = append(dropped, e)
		} else {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	t.mu.Unlock()
	closeHandles(dropped)
	return len(dropped)
}

func (t *ReplayTable) clearLocked() []replayEntry {
	dropped := t.entries
	t.entries = nil
	t.notifyLocked()
	return dropped
}

func (t *ReplayTable) notifyLocked() {
	close(t.wake)
	t.wake = make(chan struct{})
}

func closeHandles(entries []replayEntry) {
	for _, e := range entries {
		_ = shm.CloseHandle(e.desc.Handle)
	}
}
