package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/groundtrack/internal/objects"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

// setupTestStore opens a migrated store in a temp directory.
func setupTestStore(t *testing.T) *TrackStore {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.MigrateUp(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return s
}

func TestMigrateUp_Idempotent(t *testing.T) {
	s := setupTestStore(t)

	v, dirty, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)

	require.NoError(t, s.MigrateUp(), "second run is a no-op")
}

func TestMigrationVersion_Fresh(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer s.Close()

	v, dirty, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)
}

func TestStartRun(t *testing.T) {
	s := setupTestStore(t)

	started := time.Unix(1700000000, 123)
	id, err := s.StartRun(RunParams{
		Method:    "kalman",
		StartedAt: started,
		Params:    map[string]float64{"process_noise": 30},
	})
	require.NoError(t, err)
	require.Len(t, id, 36)

	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "kalman", run.Method)
	assert.True(t, started.Equal(run.StartedAt))
	assert.JSONEq(t, `{"process_noise":30}`, string(run.ParamsJSON))

	_, err = s.GetRun("missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestRecordTick_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.StartRun(RunParams{Method: "kalman"})
	require.NoError(t, err)

	t0 := time.Unix(100, 0)
	m := tracks.Measurement{X: 1.1, Z: 2.2}
	require.NoError(t, s.RecordTick(id, 1, t0, []tracks.Snapshot{
		{ID: 2, X: 3, Z: 4, VX: 0.5, VZ: -0.5, PXX: 0.1, PZZ: 0.2, NIS: 1.5, Hits: 3},
		{ID: 1, X: 1, Z: 2, PXX: 9, PZZ: 9, Measurement: &m, Hits: 1},
	}))
	require.NoError(t, s.RecordTick(id, 2, t0.Add(time.Second), []tracks.Snapshot{
		{ID: 1, X: 1.5, Z: 2, Misses: 1},
	}))
	require.NoError(t, s.RecordTick(id, 3, t0, nil))

	got, err := s.ListTrackStates(id)
	require.NoError(t, err)

	want := []TrackState{
		{Tick: 1, Time: t0, TrackID: 1, X: 1, Z: 2, PXX: 9, PZZ: 9, Hits: 1, Measurement: &m},
		{Tick: 1, Time: t0, TrackID: 2, X: 3, Z: 4, VX: 0.5, VZ: -0.5, PXX: 0.1, PZZ: 0.2, NIS: 1.5, Hits: 3},
		{Tick: 2, Time: t0.Add(time.Second), TrackID: 1, X: 1.5, Z: 2, Misses: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("track states mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordTick_UnknownRun(t *testing.T) {
	s := setupTestStore(t)
	err := s.RecordTick("no-such-run", 1, time.Unix(0, 0), []tracks.Snapshot{{ID: 1}})
	assert.Error(t, err, "foreign key rejects rows without a run")
}

func TestRecordObjects_ByLabel(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.StartRun(RunParams{Method: "cluster"})
	require.NoError(t, err)

	t0 := time.Unix(5, 0)
	require.NoError(t, s.RecordObjects(id, 1, t0, 0, []objects.Snapshot{
		{ID: 1, X: 1, Z: 1, W: 0.5, H: 1.7, Points: 4, Hits: 1},
	}))
	require.NoError(t, s.RecordObjects(id, 1, t0, 2, []objects.Snapshot{
		{ID: 1, X: 9, Z: 9, W: 2, H: 1.5, Points: 7, Hits: 1},
	}))

	got, err := s.ListObjectStates(id, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 9.0, got[0].X)
	assert.Equal(t, 7, got[0].Points)
	assert.EqualValues(t, 2, got[0].Label)

	none, err := s.ListObjectStates(id, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}
