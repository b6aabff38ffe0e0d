package registry

import (
	"sync"

	"github.com/srediag/shm-registry/pkg/shm"
)

// Entry is one registered resource. The registry owns the buffer; consumers
// borrow it between Acquire and Release.
type Entry struct {
	id    shm.ResourceID
	owner shm.ProcessID
	buf   *shm.Buffer

	mu         sync.Mutex
	creatorRef bool
	removed    bool
	consumers  int
}

// ID returns the resource id.
func (e *Entry) ID() shm.ResourceID { return e.id }

// Owner returns the creating process.
func (e *Entry) Owner() shm.ProcessID { return e.owner }

// Buffer returns the shared buffer.
func (e *Entry) Buffer() *shm.Buffer { return e.buf }

func (e *Entry) visible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.removed
}

// releasableLocked reports whether neither the creator nor any consumer holds e.
func (e *Entry) releasableLocked() bool {
	return !e.creatorRef && e.consumers == 0
}

// SurfaceReport describes one entry in a memory report.
type SurfaceReport struct {
	CreatorPID shm.ProcessID
	Size       shm.Size
	Stride     int32
	Bytes      int
	Consumers  int
	CreatorRef bool
}

// Report maps resource ids to their memory usage.
type Report struct {
	Surfaces map[shm.ResourceID]SurfaceReport
}

// TotalBytes sums the bytes of every reported surface.
func (r Report) TotalBytes() int {
	total := 0
	for _, s := range r.Surfaces {
		total += s.Bytes
	}
	return total
}
