package objects

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/groundtrack/internal/perception"
)

func TestRegistry_SpawnAndUpdate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(2)
	t0 := time.Unix(100, 0)
	o := r.Spawn(perception.Cluster{ID: 1, CenterX: 1, CenterZ: 2, W: 0.5, H: 1.7, PointCount: 4}, t0)

	assert.Equal(t, int64(1), o.ID)
	assert.Equal(t, perception.Label(2), o.Label)
	assert.Equal(t, 1.0, o.X)
	assert.Equal(t, 2.0, o.Z)
	assert.Equal(t, 1, o.Hits)
	assert.Equal(t, t0, o.Created)

	t1 := t0.Add(time.Second)
	require.NoError(t, r.Update(o.ID, perception.Cluster{CenterX: 1.2, CenterZ: 2.1, W: 0.6, H: 1.8, PointCount: 6}, t1))
	assert.Equal(t, 1.2, o.X)
	assert.Equal(t, 6, o.Points)
	assert.Equal(t, 2, o.Hits)
	assert.Equal(t, t1, o.Updated)
	assert.Equal(t, t0, o.Created)

	assert.ErrorIs(t, r.Update(99, perception.Cluster{}, t1), ErrUnknownObject)
}

func TestRegistry_PruneIdle(t *testing.T) {
	t.Parallel()

	r := NewRegistry(0)
	t0 := time.Unix(0, 0)
	stale := r.Spawn(perception.Cluster{CenterX: 1}, t0)
	fresh := r.Spawn(perception.Cluster{CenterX: 5}, t0.Add(20*time.Second))
	edge := r.Spawn(perception.Cluster{CenterX: 9}, t0.Add(10*time.Second))

	removed := r.PruneIdle(t0.Add(40*time.Second), 30*time.Second)

	assert.Equal(t, []int64{stale.ID}, removed)
	assert.Equal(t, 2, r.Len())
	_, ok := r.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = r.Get(edge.ID)
	assert.True(t, ok, "exactly lifetime old is kept")
}

func TestRegistry_OrderAndSnapshots(t *testing.T) {
	t.Parallel()

	r := NewRegistry(1)
	for i := 0; i < 4; i++ {
		r.Spawn(perception.Cluster{CenterX: float64(i)}, time.Time{})
	}
	require.True(t, r.Remove(2))
	assert.False(t, r.Remove(2))

	snaps := r.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, []int64{1, 3, 4}, []int64{snaps[0].ID, snaps[1].ID, snaps[2].ID})
	assert.Equal(t, 1, snaps[0].Label)
	assert.Equal(t, 3.0, snaps[2].X)
}
