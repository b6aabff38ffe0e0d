package pressure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) NotifyMemoryPressure() int {
	c.calls.Add(1)
	return 2
}

type scripted struct{ values []uint64 }

func (s *scripted) sample(context.Context) (uint64, error) {
	v := s.values[0]
	if len(s.values) > 1 {
		s.values = s.values[1:]
	}
	return v, nil
}

func TestFiresOncePerEpisode(t *testing.T) {
	sweeper := &countingSweeper{}
	src := &scripted{values: []uint64{500, 50, 40, 900, 10}}
	m := NewMonitor(Options{Sweeper: sweeper, MinAvailableBytes: 100, Sample: src.sample})
	ctx := context.Background()

	var fired []bool
	for i := 0; i < 5; i++ {
		ok, err := m.Check(ctx)
		require.NoError(t, err)
		fired = append(fired, ok)
	}
	assert.Equal(t, []bool{false, true, false, false, true}, fired)
	assert.Equal(t, int32(2), sweeper.calls.Load())
}

func TestSampleError(t *testing.T) {
	boom := errors.New("boom")
	m := NewMonitor(Options{
		Sweeper: &countingSweeper{},
		Sample:  func(context.Context) (uint64, error) { return 0, boom },
	})
	_, err := m.Check(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSystemSample(t *testing.T) {
	avail, err := SystemSample(context.Background())
	require.NoError(t, err)
	assert.Positive(t, avail)
}

func TestRunPolls(t *testing.T) {
	sweeper := &countingSweeper{}
	m := NewMonitor(Options{
		Sweeper:           sweeper,
		MinAvailableBytes: 100,
		PollInterval:      time.Millisecond,
		Sample:            func(context.Context) (uint64, error) { return 1, nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, int32(1), sweeper.calls.Load())
}
