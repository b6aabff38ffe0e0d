// Package shm provides the shared memory buffers exchanged between processes.
//
// A producer allocates a Segment, writes into its read-write mapping and hands
// duplicated handles to consumers inside a Descriptor. A consumer wraps each
// Descriptor in a Buffer that maps lazily: idle Buffers may lose their mapping
// to an Evictor and map again from the same handle on the next Map call, so
// the data itself is never discarded.
//
//	seg, err := shm.NewSegment(shm.Size{Width: 4, Height: 4}, 16, shm.FormatR8G8B8A8, shm.SegmentOptions{})
//	desc, err := seg.Share()
//	buf, err := shm.OpenBuffer(desc, creator, shm.BufferOptions{Evictor: tracker})
//	data, err := buf.Map()
//	defer buf.Unmap()
//
// Platform-specific helpers are in internal/shm.
package shm
