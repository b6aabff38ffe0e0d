package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/srediag/shm-registry/pkg/checkpoint"
	"github.com/srediag/shm-registry/pkg/config"
	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/shm"
	"github.com/srediag/shm-registry/pkg/surface"
)

// replayOwner attributes replayed textures to a producer process.
type replayOwner shm.ProcessID

func (o replayOwner) OtherPID() shm.ProcessID { return shm.ProcessID(o) }

// Producer is an in-process producer attached to the daemon: a surface
// client plus the recording side of a checkpoint stream whose translator
// feeds the manager's replay table.
type Producer struct {
	d          *Daemon
	exec       *executor.Executor
	client     *surface.Client
	stream     *checkpoint.Stream
	recorder   *checkpoint.Recorder
	translator *checkpoint.Translator
	owner      replayOwner
	done       chan struct{}
}

// AttachProducer connects a producer with the given pid. Its translator runs
// until ctx is done or the producer is closed.
func (d *Daemon) AttachProducer(ctx context.Context, pid shm.ProcessID) (*Producer, error) {
	if pid == ConsumerPID {
		return nil, fmt.Errorf("pid %d is reserved for the consumer", pid)
	}
	exec, err := d.pool.NewExecutor(fmt.Sprintf("producer-%d", pid))
	if err != nil {
		return nil, err
	}
	seg := shm.SegmentOptions{Name: fmt.Sprintf("producer-%d", pid)}
	if d.cfg.Memory.Backing == config.BackingDevShm {
		seg.Dir = d.cfg.Memory.DevShmDir
	}
	client, err := surface.NewClient(surface.ClientOptions{
		PID:       pid,
		Executor:  exec,
		Connector: d.mgr,
		Segment:   seg,
		Logger:    d.logger,
	})
	if err != nil {
		_ = exec.Close()
		return nil, err
	}
	stream, err := checkpoint.NewStream(d.cfg.Checkpoint.StreamCapacity)
	if err != nil {
		_ = client.Close()
		_ = exec.Close()
		return nil, err
	}

	p := &Producer{
		d:      d,
		exec:   exec,
		client: client,
		stream: stream,
		recorder: checkpoint.NewRecorder(checkpoint.RecorderOptions{
			Stream:      stream,
			WaitTimeout: d.cfg.Checkpoint.WaitTimeout(),
			Metrics:     d.metrics,
			Logger:      d.logger,
		}),
		owner: replayOwner(pid),
		done:  make(chan struct{}),
	}
	p.translator = checkpoint.NewTranslator(checkpoint.TranslatorOptions{
		Stream: stream,
		Replay: d.mgr,
		Owner:  p.owner,
		Logger: d.logger,
	})
	go func() {
		defer close(p.done)
		if err := p.translator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("translator stopped", zap.Uint32("pid", uint32(pid)), zap.Error(err))
		}
	}()

	d.mu.Lock()
	d.producers = append(d.producers, p)
	d.mu.Unlock()
	return p, nil
}

// PID returns the producer's process id.
func (p *Producer) PID() shm.ProcessID { return shm.ProcessID(p.owner) }

// Client returns the producer's surface client.
func (p *Producer) Client() *surface.Client { return p.client }

// Recorder returns the producer's checkpoint recorder.
func (p *Producer) Recorder() *checkpoint.Recorder { return p.recorder }

// Close detaches the producer.
func (p *Producer) Close() {
	p.d.mu.Lock()
	for i, other := range p.d.producers {
		if other == p {
			p.d.producers = append(p.d.producers[:i], p.d.producers[i+1:]...)
			break
		}
	}
	p.d.mu.Unlock()
	p.close()
}

func (p *Producer) close() {
	p.translator.Close()
	<-p.done
	p.d.mgr.RemoveReplayTextures(p.owner)
	if err := p.client.Close(); err != nil {
		p.d.logger.Debug("close producer client", zap.Error(err))
	}
	_ = p.stream.Close()
	_ = p.exec.Close()
}
