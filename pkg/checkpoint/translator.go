package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"

	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/pending"
	"github.com/srediag/shm-registry/pkg/shm"
)

const pollInterval = 20 * time.Millisecond

// Handler processes events on the reading side.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// ReplaySink receives textures presented through the stream.
type ReplaySink interface {
	AddReplayTexture(owner pending.ReplayOwner, id shm.ResourceID, desc shm.Descriptor) bool
}

// TranslatorOptions configures a Translator.
type TranslatorOptions struct {
	Stream *Stream
	// Handler sees every event that is not a texture presentation. Optional.
	Handler Handler
	// Replay receives presented textures on behalf of Owner. Optional.
	Replay ReplaySink
	Owner  pending.ReplayOwner
	Logger *zap.Logger
}

// Translator is the reading side of a Stream. It handles events strictly in
// order and publishes each sequence only after its event is done.
type Translator struct {
	stream  *Stream
	handler Handler
	replay  ReplaySink
	owner   pending.ReplayOwner
	logger  *zap.Logger
}

// NewTranslator returns a translator reading opts.Stream.
func NewTranslator(opts TranslatorOptions) *Translator {
	return &Translator{
		stream:  opts.Stream,
		handler: opts.Handler,
		replay:  opts.Replay,
		owner:   opts.Owner,
		logger:  logging.OrNop(opts.Logger).Named("translator"),
	}
}

// Run processes events until ctx is done or the reader is closed.
func (t *Translator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := t.stream.ring.Poll(pollInterval)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case errors.Is(err, queue.ErrDisposed):
			return nil
		case err != nil:
			return err
		}
		ev := item.(Event)
		t.handle(ctx, ev)
		t.stream.publish(ev.Seq)
	}
}

func (t *Translator) handle(ctx context.Context, ev Event) {
	if ev.Kind == EventPresentTexture && t.replay != nil {
		if !t.replay.AddReplayTexture(t.owner, ev.ID, ev.Desc) {
			t.logger.Debug("replay texture refused", zap.Stringer("id", ev.ID))
		}
		return
	}
	if t.handler == nil {
		return
	}
	if err := t.handler.HandleEvent(ctx, ev); err != nil {
		t.logger.Warn("event failed", zap.Stringer("kind", ev.Kind), zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}

// Close marks the reader gone, waking any blocked writer.
func (t *Translator) Close() {
	t.stream.CloseReader()
}
