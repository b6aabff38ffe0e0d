// Package checkpoint lets a producer wait until its consumer has caught up.
// Events flow through a bounded Stream; every event carries a sequence
// number, and the consumer publishes the highest sequence it has fully
// processed in a header living in shared memory.
package checkpoint

import (
	"errors"
	"fmt"

	"github.com/Workiva/go-datastructures/queue"

	internalshm "github.com/srediag/shm-registry/internal/shm"
	"github.com/srediag/shm-registry/pkg/shm"
)

var (
	// ErrCheckpointTimeout is returned when the reader did not reach a
	// checkpoint in time.
	ErrCheckpointTimeout = errors.New("checkpoint: timed out")
	// ErrReaderClosed is returned once the reading side has gone away.
	ErrReaderClosed = errors.New("checkpoint: reader closed")
)

// DefaultCapacity is the ring size used when none is given.
const DefaultCapacity = 1024

// Header word offsets.
const (
	offWriteSeq     = 0
	offProcessedSeq = 8
	offReaderState  = 16
	headerSize      = 24
)

const (
	readerOpen   uint64 = 0
	readerClosed uint64 = 1
)

// EventKind identifies an event.
type EventKind uint8

const (
	// EventCommand is an opaque recorded command.
	EventCommand EventKind = iota + 1
	// EventFlush ends a transaction.
	EventFlush
	// EventPresentTexture makes a texture available for replay.
	EventPresentTexture
	// EventPrepareReadBack asks the reader to get a snapshot ready.
	EventPrepareReadBack
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventFlush:
		return "flush"
	case EventPresentTexture:
		return "present_texture"
	case EventPrepareReadBack:
		return "prepare_read_back"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one recorded operation. Seq is assigned by the Recorder.
type Event struct {
	Kind    EventKind
	Seq     uint64
	ID      shm.ResourceID
	Desc    shm.Descriptor
	Payload []byte
}

// Stream is the bounded transport between one Recorder and one Translator.
type Stream struct {
	ring   *queue.RingBuffer
	handle internalshm.Handle
	header *internalshm.MappedRegion
}

// NewStream creates a stream holding at most capacity unread events.
func NewStream(capacity uint64) (*Stream, error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	h, err := internalshm.Create(internalshm.MapOptions{Name: "shm-checkpoint", Size: headerSize})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create header: %w", err)
	}
	region, err := internalshm.Map(h, headerSize, false)
	if err != nil {
		_ = internalshm.Close(h)
		return nil, fmt.Errorf("checkpoint: map header: %w", err)
	}
	return &Stream{ring: queue.NewRingBuffer(capacity), handle: h, header: region}, nil
}

// Cap returns the ring capacity.
func (s *Stream) Cap() uint64 { return s.ring.Cap() }

// Len returns the number of unread events.
func (s *Stream) Len() uint64 { return s.ring.Len() }

func (s *Stream) writeSeq() uint64 {
	return internalshm.AtomicLoadUint64(internalshm.Word(s.header, offWriteSeq))
}

func (s *Stream) nextSeq() uint64 {
	return internalshm.AtomicAddUint64(internalshm.Word(s.header, offWriteSeq), 1)
}

// ProcessedSeq returns the highest sequence the reader has processed.
func (s *Stream) ProcessedSeq() uint64 {
	return internalshm.AtomicLoadUint64(internalshm.Word(s.header, offProcessedSeq))
}

func (s *Stream) publish(seq uint64) {
	internalshm.AtomicStoreUint64(internalshm.Word(s.header, offProcessedSeq), seq)
}

// ReaderClosed reports whether the reader has gone away.
func (s *Stream) ReaderClosed() bool {
	return internalshm.AtomicLoadUint64(internalshm.Word(s.header, offReaderState)) == readerClosed
}

// CloseReader marks the reader gone and wakes blocked writers. Unread events
// are dropped.
func (s *Stream) CloseReader() {
	if internalshm.AtomicCompareAndSwapUint64(internalshm.Word(s.header, offReaderState), readerOpen, readerClosed) {
		s.ring.Dispose()
	}
}

// Close releases the stream. Both sides must be done with it.
func (s *Stream) Close() error {
	s.CloseReader()
	err := internalshm.Unmap(s.header)
	if cerr := internalshm.Close(s.handle); err == nil {
		err = cerr
	}
	return err
}
