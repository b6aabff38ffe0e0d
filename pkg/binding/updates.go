package binding

import (
	"image"

	"github.com/srediag/shm-registry/pkg/shm"
)

// Op is one recorded image operation.
type Op struct {
	Add   bool
	Key   ImageKey
	ID    shm.ResourceID
	Size  shm.Size
	Dirty image.Rectangle
}

// Updates is a ResourceUpdates that records operations in order.
type Updates struct {
	Ops []Op
}

var _ ResourceUpdates = (*Updates)(nil)

func (u *Updates) AddExternalImage(key ImageKey, id shm.ResourceID, size shm.Size) {
	u.Ops = append(u.Ops, Op{Add: true, Key: key, ID: id, Size: size})
}

func (u *Updates) UpdateExternalImage(key ImageKey, id shm.ResourceID, dirty image.Rectangle) {
	u.Ops = append(u.Ops, Op{Key: key, ID: id, Dirty: dirty})
}

// Reset drops recorded operations.
func (u *Updates) Reset() { u.Ops = u.Ops[:0] }
