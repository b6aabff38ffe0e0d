package binding

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shm-registry/pkg/shm"
)

var surfaceID = shm.NewResourceID(3, 1)

func newSet() *Set {
	return NewSet(surfaceID, shm.Size{Width: 64, Height: 32})
}

func TestFirstUpdateAddsImage(t *testing.T) {
	set := newSet()
	c := NewLocalConsumer(7)
	var u Updates

	key, err := set.UpdateKey(c, &u)
	require.NoError(t, err)
	assert.Equal(t, ImageKey{Namespace: 7, Handle: 1}, key)
	require.Len(t, u.Ops, 1)
	assert.True(t, u.Ops[0].Add)
	assert.Equal(t, shm.Size{Width: 64, Height: 32}, u.Ops[0].Size)

	u.Reset()
	again, err := set.UpdateKey(c, &u)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Empty(t, u.Ops, "clean surface needs no update")
}

func TestInvalidateMergesDirtyRects(t *testing.T) {
	set := newSet()
	a, b := NewLocalConsumer(1), NewLocalConsumer(2)
	var u Updates
	_, err := set.UpdateKey(a, &u)
	require.NoError(t, err)
	_, err = set.UpdateKey(b, &u)
	require.NoError(t, err)

	set.Invalidate(image.Rect(0, 0, 4, 4))
	set.Invalidate(image.Rect(10, 10, 20, 12))
	set.Invalidate(image.Rect(60, 30, 100, 100))

	u.Reset()
	_, err = set.UpdateKey(a, &u)
	require.NoError(t, err)
	require.Len(t, u.Ops, 1)
	assert.False(t, u.Ops[0].Add)
	assert.Equal(t, image.Rect(0, 0, 64, 32), u.Ops[0].Dirty)

	dirty, ok := set.Dirty(b)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 64, 32), dirty, "clipped to the surface")

	u.Reset()
	_, err = set.UpdateKey(a, &u)
	require.NoError(t, err)
	assert.Empty(t, u.Ops)
}

func TestInvalidateEmptyMarksEverything(t *testing.T) {
	set := newSet()
	c := NewLocalConsumer(1)
	var u Updates
	_, err := set.UpdateKey(c, &u)
	require.NoError(t, err)

	set.Invalidate(image.Rectangle{})
	dirty, _ := set.Dirty(c)
	assert.Equal(t, image.Rect(0, 0, 64, 32), dirty)
}

func TestNamespaceChangeAllocatesNewKey(t *testing.T) {
	set := newSet()
	c := NewLocalConsumer(1)
	var u Updates
	old, err := set.UpdateKey(c, &u)
	require.NoError(t, err)
	set.Invalidate(image.Rect(0, 0, 2, 2))

	c.Restart(9)
	u.Reset()
	key, err := set.UpdateKey(c, &u)
	require.NoError(t, err)
	assert.NotEqual(t, old, key)
	assert.Equal(t, shm.Namespace(9), key.Namespace)
	require.Len(t, u.Ops, 1)
	assert.True(t, u.Ops[0].Add)
	dirty, _ := set.Dirty(c)
	assert.True(t, dirty.Empty(), "stale dirty rect dropped")
	assert.Empty(t, c.TakeDiscarded())
	assert.Equal(t, 1, set.Len())
}

func TestDestroyedConsumersArePruned(t *testing.T) {
	set := newSet()
	gone, live := NewLocalConsumer(1), NewLocalConsumer(2)
	var u Updates
	_, err := set.UpdateKey(gone, &u)
	require.NoError(t, err)
	_, err = set.UpdateKey(live, &u)
	require.NoError(t, err)

	gone.Destroy()
	_, err = set.UpdateKey(gone, &u)
	assert.ErrorIs(t, err, ErrConsumerDestroyed)
	_, err = set.UpdateKey(live, &u)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestReleaseDiscardsKey(t *testing.T) {
	set := newSet()
	c := NewLocalConsumer(1)
	var u Updates
	key, err := set.UpdateKey(c, &u)
	require.NoError(t, err)

	assert.True(t, set.Release(c))
	assert.False(t, set.Release(c))
	assert.Equal(t, []ImageKey{key}, c.TakeDiscarded())
	assert.Equal(t, 0, set.Len())
}

func TestTakeAndDiscard(t *testing.T) {
	set := newSet()
	a, b, stale := NewLocalConsumer(1), NewLocalConsumer(2), NewLocalConsumer(3)
	var u Updates
	for _, c := range []*LocalConsumer{a, b, stale} {
		_, err := set.UpdateKey(c, &u)
		require.NoError(t, err)
	}
	b.Destroy()

	taken := set.Take()
	assert.Len(t, taken, 3)
	assert.Equal(t, 0, set.Len())

	stale.Restart(30)
	assert.Equal(t, 1, Discard(taken))
	assert.Len(t, a.TakeDiscarded(), 1)
	assert.Empty(t, stale.TakeDiscarded())
}

func TestConsumerIdentity(t *testing.T) {
	a, b := NewLocalConsumer(1), NewLocalConsumer(1)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, uint32(1), a.NextImageKey().Handle)
	assert.Equal(t, uint32(2), a.NextImageKey().Handle)
}
