package daemon

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/shm-registry/pkg/checkpoint"
	"github.com/srediag/shm-registry/pkg/shm"
)

var demoSize = shm.Size{Width: 256, Height: 256}

// Frame publishes one surface from p, records a transaction that writes it
// and looks it up on the consumer side. It returns the surface id.
func (p *Producer) Frame(ctx context.Context) (shm.ResourceID, error) {
	format := shm.FormatB8G8R8A8
	surf, err := p.client.CreateSurface(demoSize, demoSize.Width*format.BytesPerPixel(), format)
	if err != nil {
		return 0, err
	}
	data := surf.Data()
	for i := range data {
		data[i] = byte(i)
	}
	if err := surf.Finalize(); err != nil {
		_ = surf.Release(ctx)
		return 0, err
	}
	id, err := surf.Share(ctx)
	if err != nil {
		_ = surf.Release(ctx)
		return 0, err
	}
	surf.Invalidate(image.Rectangle{})

	if _, err := p.recorder.RecordEvent(checkpoint.Event{Kind: checkpoint.EventCommand, ID: id}); err != nil {
		_ = surf.Release(ctx)
		return 0, err
	}
	p.recorder.OnTextureWriteLock()
	p.recorder.HoldExternalSurface(surf)
	p.recorder.OnTextureForwarded(ctx)

	if _, ok := p.d.mgr.LookupTexture(ctx, p.PID(), id); !ok {
		return id, fmt.Errorf("surface %s not visible to the consumer", id)
	}
	return id, nil
}

// RunDemo publishes a frame every interval until ctx is done.
func (p *Producer) RunDemo(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			id, err := p.Frame(ctx)
			if err != nil {
				p.d.logger.Warn("demo frame failed", zap.Error(err))
				continue
			}
			p.d.logger.Debug("demo frame", zap.Stringer("id", id),
				zap.Int("live", p.d.reg.Len()))
		}
	}
}
