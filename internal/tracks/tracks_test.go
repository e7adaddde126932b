package tracks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/groundtrack/internal/config"
)

func assertSymmetricPSD(t *testing.T, f *Filter) {
	t.Helper()
	n := f.Dim()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			require.Equal(t, f.P.At(i, j), f.P.At(j, i), "P[%d,%d] != P[%d,%d]", i, j, j, i)
		}
	}
	var eig mat.EigenSym
	require.True(t, eig.Factorize(f.Covariance(), false))
	for i, v := range eig.Values(nil) {
		require.GreaterOrEqual(t, v, -1e-9, "eigenvalue %d negative", i)
	}
}

// ----------------------------------------------------------------------------
// Filter
// ----------------------------------------------------------------------------

func TestNewFilter_InitialState(t *testing.T) {
	t.Parallel()

	f := NewFilter(DefaultFilterConfig(), Measurement{X: 1.5, Z: -2})
	assert.Equal(t, 4, f.Dim())
	assert.Equal(t, []float64{1.5, -2, 0, 0}, f.State())
	assert.Equal(t, []float64{100, 100, 10, 10}, f.CovarianceDiag())

	ca := NewFilter(FilterConfig{Model: ConstantAcceleration, Ts: 0.1}, Measurement{X: 1, Z: 2})
	assert.Equal(t, 6, ca.Dim())
	assert.Equal(t, []float64{1, 0, 0, 2, 0, 0}, ca.State())
	assert.Equal(t, []float64{1000, 100, 10, 1000, 100, 10}, ca.CovarianceDiag())
	assert.Equal(t, Measurement{X: 1, Z: 2}, ca.Position())
}

func TestFilter_ConstantVelocityMatrices(t *testing.T) {
	t.Parallel()

	const ts = 0.5
	f := NewFilter(FilterConfig{Ts: ts, ProcessNoise: 2}, Measurement{})

	assert.Equal(t, ts, f.F.At(0, 2))
	assert.Equal(t, ts, f.F.At(1, 3))
	assert.Equal(t, 1.0, f.H.At(0, 0))
	assert.Equal(t, 1.0, f.H.At(1, 1))
	assert.InDelta(t, ts*ts/2, f.Gd.At(0, 0), 1e-12)
	assert.Equal(t, ts, f.Gd.At(2, 0))

	// GdQGdᵀ[0,0] = q·(Ts²/2)², [0,2] = q·Ts³/2
	assert.InDelta(t, 2*math.Pow(ts*ts/2, 2), f.GdQGdT.At(0, 0), 1e-12)
	assert.InDelta(t, 2*ts*ts*ts/2, f.GdQGdT.At(0, 2), 1e-12)
	assert.InDelta(t, 0, f.GdQGdT.At(0, 1), 1e-12)
}

func TestFilter_ConstantAccelerationMatrices(t *testing.T) {
	t.Parallel()

	const ts = 0.2
	f := NewFilter(FilterConfig{Model: ConstantAcceleration, Ts: ts}, Measurement{})

	for _, o := range []int{0, 3} {
		assert.Equal(t, ts, f.F.At(o, o+1))
		assert.InDelta(t, ts*ts/2, f.F.At(o, o+2), 1e-12)
		assert.Equal(t, ts, f.F.At(o+1, o+2))
	}
	assert.Equal(t, 1.0, f.H.At(0, 0))
	assert.Equal(t, 1.0, f.H.At(1, 3))
	assert.Equal(t, 0.0, f.H.At(1, 1))
	assert.Equal(t, 1.0, f.Gd.At(2, 0))
	assert.Equal(t, 1.0, f.Gd.At(5, 1))
}

func TestFilter_PredictOnlyCovarianceGrows(t *testing.T) {
	t.Parallel()

	for _, model := range []Model{ConstantVelocity, ConstantAcceleration} {
		t.Run(model.String(), func(t *testing.T) {
			t.Parallel()
			f := NewFilter(FilterConfig{Model: model, Ts: 0.1, ProcessNoise: 30, MeasurementNoiseX: 10, MeasurementNoiseZ: 10}, Measurement{})
			prev := f.CovarianceDiag()
			for i := 0; i < 100; i++ {
				f.Predict()
				cur := f.CovarianceDiag()
				for j := range cur {
					require.GreaterOrEqual(t, cur[j], prev[j], "tick %d diag %d decreased", i, j)
				}
				prev = cur
			}
		})
	}
}

func TestFilter_PredictMovesWithVelocity(t *testing.T) {
	t.Parallel()

	f := NewFilter(FilterConfig{Ts: 0.5}, Measurement{X: 1, Z: 1})
	f.x.SetVec(2, 2)
	f.x.SetVec(3, -4)
	f.Predict()
	assert.InDelta(t, 2, f.Position().X, 1e-12)
	assert.InDelta(t, -1, f.Position().Z, 1e-12)
}

func TestFilter_UpdateConverges(t *testing.T) {
	t.Parallel()

	cfg := FilterConfig{Ts: 1, ProcessNoise: 0.01, MeasurementNoiseX: 1, MeasurementNoiseZ: 1}
	f := NewFilter(cfg, Measurement{})
	target := Measurement{X: 3, Z: -2}

	var lastP00 float64
	for i := 0; i < 500; i++ {
		f.Predict()
		_, err := f.Update(target)
		require.NoError(t, err)
		assertSymmetricPSD(t, f)
		lastP00 = f.P.At(0, 0)
	}

	pos := f.Position()
	assert.InDelta(t, target.X, pos.X, 1e-6)
	assert.InDelta(t, target.Z, pos.Z, 1e-6)
	assert.Less(t, lastP00, 100.0)

	// Steady state: one more cycle leaves P[0,0] unchanged.
	f.Predict()
	_, err := f.Update(target)
	require.NoError(t, err)
	assert.InDelta(t, lastP00, f.P.At(0, 0), 1e-9)
	assert.Greater(t, f.MeanNIS(), 0.0)
}

func TestFilter_ConstantAccelerationTracksVelocity(t *testing.T) {
	t.Parallel()

	cfg := FilterConfig{Model: ConstantAcceleration, Ts: 1, ProcessNoise: 1e-4, MeasurementNoiseX: 1e-4, MeasurementNoiseZ: 1e-4}
	f := NewFilter(cfg, Measurement{})
	for k := 1; k <= 60; k++ {
		f.Predict()
		_, err := f.Update(Measurement{X: float64(k), Z: -0.5 * float64(k)})
		require.NoError(t, err)
		assertSymmetricPSD(t, f)
	}
	vx, vz := f.Velocity()
	assert.InDelta(t, 1, vx, 1e-2)
	assert.InDelta(t, -0.5, vz, 1e-2)
}

func TestFilter_SingularInnovationSkipsUpdate(t *testing.T) {
	t.Parallel()

	f := NewFilter(FilterConfig{Ts: 1}, Measurement{X: 1, Z: 1})
	f.P = mat.NewDense(4, 4, nil)
	f.SetMeasurementNoise(0, 0)

	before := f.State()
	_, err := f.Update(Measurement{X: 5, Z: 5})
	assert.True(t, errors.Is(err, ErrSingularInnovation))
	assert.Equal(t, before, f.State())
}

func TestFilter_SetNoise(t *testing.T) {
	t.Parallel()

	f := NewFilter(FilterConfig{Ts: 1, ProcessNoise: 1}, Measurement{})
	before := f.GdQGdT.At(0, 0)
	f.SetProcessNoise(4)
	assert.InDelta(t, 4*before, f.GdQGdT.At(0, 0), 1e-12)

	f.SetMeasurementNoise(3, 7)
	assert.Equal(t, 3.0, f.R.At(0, 0))
	assert.Equal(t, 7.0, f.R.At(1, 1))
	assert.Equal(t, 0.0, f.R.At(0, 1))
}

func TestPlanarCovariance_CAReordersState(t *testing.T) {
	t.Parallel()

	f := NewFilter(FilterConfig{Model: ConstantAcceleration, Ts: 1}, Measurement{})
	c := f.PlanarCovariance()
	assert.Equal(t, 1000.0, c.At(0, 0)) // x
	assert.Equal(t, 1000.0, c.At(1, 1)) // z
	assert.Equal(t, 100.0, c.At(2, 2))  // vx
	assert.Equal(t, 100.0, c.At(3, 3))  // vz
}

func TestParseModel(t *testing.T) {
	t.Parallel()

	m, err := ParseModel("ca")
	require.NoError(t, err)
	assert.Equal(t, ConstantAcceleration, m)

	m, err = ParseModel("cv")
	require.NoError(t, err)
	assert.Equal(t, ConstantVelocity, m)

	_, err = ParseModel("singer")
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Bank
// ----------------------------------------------------------------------------

func TestBank_SpawnGetRemove(t *testing.T) {
	t.Parallel()

	b := NewBank(DefaultBankConfig())
	now := time.Unix(100, 0)

	t1 := b.Spawn(Measurement{X: 1}, now)
	t2 := b.Spawn(Measurement{X: 2}, now)
	t3 := b.Spawn(Measurement{X: 3}, now)
	assert.Equal(t, []int64{1, 2, 3}, []int64{t1.ID, t2.ID, t3.ID})
	assert.Equal(t, 3, b.Len())

	got, ok := b.Get(t2.ID)
	require.True(t, ok)
	assert.Same(t, t2, got)

	assert.True(t, b.Remove(t2.ID))
	assert.False(t, b.Remove(t2.ID))
	_, ok = b.Get(t2.ID)
	assert.False(t, ok)

	// Ids are never reused.
	t4 := b.Spawn(Measurement{X: 4}, now)
	assert.Equal(t, int64(4), t4.ID)

	var ids []int64
	for _, tr := range b.Tracks() {
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []int64{1, 3, 4}, ids)
}

func TestBank_SetMeasurementUnknown(t *testing.T) {
	t.Parallel()

	b := NewBank(DefaultBankConfig())
	assert.ErrorIs(t, b.SetMeasurement(42, Measurement{}), ErrUnknownTrack)
}

func TestBank_CorrectAppliesAndClearsPending(t *testing.T) {
	t.Parallel()

	b := NewBank(DefaultBankConfig())
	now := time.Unix(0, 0)
	tr := b.Spawn(Measurement{}, now)
	require.NoError(t, b.SetMeasurement(tr.ID, Measurement{X: 1, Z: 1}))

	later := now.Add(time.Second)
	removed := b.Tick(later)
	assert.Empty(t, removed)
	assert.Nil(t, tr.Pending)
	require.NotNil(t, tr.Last)
	assert.Equal(t, Measurement{X: 1, Z: 1}, *tr.Last)
	assert.Equal(t, later, tr.Updated)
	assert.Equal(t, 1, tr.Hits)
	assert.Greater(t, tr.Filter.Position().X, 0.0)

	// No measurement: the track coasts.
	b.Tick(later.Add(time.Second))
	assert.Equal(t, 1, tr.Misses)
	assert.Equal(t, later, tr.Updated)
}

func TestBank_SelfDestruct(t *testing.T) {
	t.Parallel()

	b := NewBank(DefaultBankConfig())
	now := time.Unix(0, 0)
	tr := b.Spawn(Measurement{}, now)
	keep := b.Spawn(Measurement{X: 10}, now)
	b.Correct(now) // clears the spawn exemption

	tr.Filter.P.Set(0, 0, 1e4)
	removed := b.Tick(now.Add(time.Second))

	assert.Equal(t, []int64{tr.ID}, removed)
	_, ok := b.Get(tr.ID)
	assert.False(t, ok)
	_, ok = b.Get(keep.ID)
	assert.True(t, ok)
}

func TestBank_SpawnedThisTickSurvives(t *testing.T) {
	t.Parallel()

	b := NewBank(DefaultBankConfig())
	now := time.Unix(0, 0)
	tr := b.Spawn(Measurement{}, now)
	tr.Filter.P.Set(0, 0, 1e4)

	assert.Empty(t, b.Correct(now), "fresh track must not be removed in its spawn tick")
	assert.Equal(t, []int64{tr.ID}, b.Correct(now))
}

func TestBank_SelfDestructDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultBankConfig()
	cfg.SelfDestruct = false
	b := NewBank(cfg)
	tr := b.Spawn(Measurement{}, time.Time{})
	b.Correct(time.Time{})
	tr.Filter.P.Set(0, 0, 1e6)

	assert.Empty(t, b.Tick(time.Time{}))
	assert.Equal(t, 1, b.Len())
}

func TestBank_CoastingTrackEventuallyDiverges(t *testing.T) {
	t.Parallel()

	cfg := DefaultBankConfig()
	cfg.Filter.Ts = 1
	b := NewBank(cfg)
	b.Spawn(Measurement{}, time.Time{})

	for i := 0; i < 100 && b.Len() > 0; i++ {
		b.Tick(time.Time{})
	}
	assert.Equal(t, 0, b.Len())
}

func TestBank_Snapshots(t *testing.T) {
	t.Parallel()

	b := NewBank(DefaultBankConfig())
	tr := b.Spawn(Measurement{X: 2, Z: 3}, time.Unix(5, 0))
	require.NoError(t, b.SetMeasurement(tr.ID, Measurement{X: 2, Z: 3}))
	b.Correct(time.Unix(5, 0))

	snaps := b.Snapshots()
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, tr.ID, s.ID)
	assert.InDelta(t, 2, s.X, 1e-9)
	assert.InDelta(t, 3, s.Z, 1e-9)
	assert.Len(t, s.CovarianceDiag, 4)
	require.NotNil(t, s.Measurement)
	assert.Equal(t, Measurement{X: 2, Z: 3}, *s.Measurement)

	// Snapshots do not alias track state.
	s.Measurement.X = 99
	assert.Equal(t, 2.0, tr.Last.X)
}

func TestBank_SetNoisePropagates(t *testing.T) {
	t.Parallel()

	b := NewBank(DefaultBankConfig())
	tr := b.Spawn(Measurement{}, time.Time{})
	b.SetMeasurementNoise(1, 2)
	b.SetProcessNoise(5)

	assert.Equal(t, 1.0, tr.Filter.R.At(0, 0))
	assert.Equal(t, 2.0, tr.Filter.R.At(1, 1))
	assert.Equal(t, 5.0, b.Config().Filter.ProcessNoise)

	next := b.Spawn(Measurement{}, time.Time{})
	assert.Equal(t, 2.0, next.Filter.R.At(1, 1))
}

func TestSetDiagLogger_WhileBankRuns(t *testing.T) {
	defer SetDiagLogger(nil)

	b := NewBank(DefaultBankConfig())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				SetDiagLogger(io.Discard)
			} else {
				SetDiagLogger(nil)
			}
		}
	}()
	for i := 0; i < 200; i++ {
		b.Spawn(Measurement{X: float64(i)}, time.Time{})
		b.Tick(time.Time{})
	}
	wg.Wait()

	var buf bytes.Buffer
	SetDiagLogger(&buf)
	tr := b.Spawn(Measurement{X: 1, Z: 2}, time.Time{})
	assert.Contains(t, buf.String(), "[tracks] ")
	assert.Contains(t, buf.String(), fmt.Sprintf("spawned track %d at (1.000, 2.000)", tr.ID))
}

func TestBankConfigFromTuning(t *testing.T) {
	t.Parallel()

	cfg := config.EmptyTuningConfig()
	got := BankConfigFromTuning(cfg)

	assert.Equal(t, ConstantVelocity, got.Filter.Model)
	assert.InDelta(t, 0.02, got.Filter.Ts, 1e-12)
	assert.Equal(t, 30.0, got.Filter.ProcessNoise)
	assert.True(t, got.SelfDestruct)
	assert.Equal(t, 500.0, got.SelfDestructThreshold)
}
