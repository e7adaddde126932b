// Package evaluation scores the track bank against simulated ground
// truth: greedy track-to-truth pairing, NEES and position MSE, and the
// measurement noise estimate used to tune R.
package evaluation

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/groundtrack/internal/association"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

// Truth is the true planar state of one simulated object.
type Truth struct {
	ID     int64
	X, Z   float64
	VX, VZ float64
}

// Pair links a track to the ground truth it is scored against.
type Pair struct {
	Track    *tracks.Track
	Truth    Truth
	Distance float64
}

// PairTracks pairs tracks to truths by repeatedly taking the closest
// remaining pair. Pairs farther apart than maxDistance are never made; a
// maxDistance <= 0 disables the limit. Each track and truth is used once.
func PairTracks(trs []*tracks.Track, truths []Truth, maxDistance float64) []Pair {
	if len(trs) == 0 || len(truths) == 0 {
		return nil
	}
	m := association.NewCostMatrix(len(trs), len(truths))
	for r, t := range trs {
		pos := t.Filter.Position()
		for c, g := range truths {
			d := association.Distance(pos.X, pos.Z, g.X, g.Z)
			if maxDistance <= 0 || d <= maxDistance {
				m.Set(r, c, d)
			}
		}
	}
	var out []Pair
	for _, a := range m.Greedy() {
		out = append(out, Pair{Track: trs[a.Row], Truth: truths[a.Col], Distance: a.Cost})
	}
	return out
}

// NEES returns the normalised estimation error squared eᵀP⁻¹e of a pair,
// with e the planar (x, z, vx, vz) error of the track. ok is false when
// the track covariance is not positive definite.
func NEES(p Pair) (nees float64, ok bool) {
	x := p.Track.Filter.PlanarState()
	truth := mat.NewVecDense(4, []float64{p.Truth.X, p.Truth.Z, p.Truth.VX, p.Truth.VZ})
	var e mat.VecDense
	e.SubVec(truth, x)

	var chol mat.Cholesky
	if !chol.Factorize(p.Track.Filter.PlanarCovariance()) {
		return 0, false
	}
	var y mat.VecDense
	if err := chol.SolveVecTo(&y, &e); err != nil {
		return 0, false
	}
	return mat.Dot(&e, &y), true
}

// SquaredError returns the squared position error of a pair.
func SquaredError(p Pair) float64 {
	pos := p.Track.Filter.Position()
	dx := p.Truth.X - pos.X
	dz := p.Truth.Z - pos.Z
	return dx*dx + dz*dz
}

// Evaluator accumulates NEES and MSE across ticks.
type Evaluator struct {
	neesSum float64
	mseSum  float64
	samples int
	skipped int
}

// Observe scores every pair of one tick.
func (e *Evaluator) Observe(pairs []Pair) {
	for _, p := range pairs {
		nees, ok := NEES(p)
		if !ok || math.IsNaN(nees) {
			e.skipped++
			continue
		}
		e.neesSum += nees
		e.mseSum += SquaredError(p)
		e.samples++
	}
}

// Samples returns how many pairs were scored.
func (e *Evaluator) Samples() int { return e.samples }

// NEES returns the mean NEES, or 0 before any sample. A consistent
// four-state filter averages close to 4.
func (e *Evaluator) NEES() float64 {
	if e.samples == 0 {
		return 0
	}
	return e.neesSum / float64(e.samples)
}

// MSE returns the mean squared position error, or 0 before any sample.
func (e *Evaluator) MSE() float64 {
	if e.samples == 0 {
		return 0
	}
	return e.mseSum / float64(e.samples)
}

// Summary is a printable evaluation result.
type Summary struct {
	Samples int     `json:"samples"`
	Skipped int     `json:"skipped"`
	NEES    float64 `json:"nees"`
	MSE     float64 `json:"mse"`
	RMSE    float64 `json:"rmse"`
}

// Summary returns the current totals.
func (e *Evaluator) Summary() Summary {
	mse := e.MSE()
	return Summary{
		Samples: e.samples,
		Skipped: e.skipped,
		NEES:    e.NEES(),
		MSE:     mse,
		RMSE:    math.Sqrt(mse),
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("NEES: %.4f MSE: %.4f (n=%d, skipped=%d)", s.NEES, s.MSE, s.Samples, s.Skipped)
}

// KalmanState is one row of the filter log: truth, measurement and
// estimate side by side.
type KalmanState struct {
	Time  time.Duration // since the start of the run
	Frame int64

	TruthX, TruthZ   float64
	TruthVX, TruthVZ float64

	MeasurementX, MeasurementZ float64 // NaN when the track coasted

	KalmanX, KalmanZ   float64
	KalmanVX, KalmanVZ float64
	KalmanPXX          float64
	KalmanPZZ          float64
}

// NewKalmanState builds the log row for a pair.
func NewKalmanState(elapsed time.Duration, frame int64, p Pair) KalmanState {
	pos := p.Track.Filter.Position()
	vx, vz := p.Track.Filter.Velocity()
	pxx, pzz := p.Track.Filter.PositionVariance()
	s := KalmanState{
		Time:         elapsed,
		Frame:        frame,
		TruthX:       p.Truth.X,
		TruthZ:       p.Truth.Z,
		TruthVX:      p.Truth.VX,
		TruthVZ:      p.Truth.VZ,
		MeasurementX: math.NaN(),
		MeasurementZ: math.NaN(),
		KalmanX:      pos.X,
		KalmanZ:      pos.Z,
		KalmanVX:     vx,
		KalmanVZ:     vz,
		KalmanPXX:    pxx,
		KalmanPZZ:    pzz,
	}
	if m := p.Track.Last; m != nil && p.Track.Misses == 0 {
		s.MeasurementX = m.X
		s.MeasurementZ = m.Z
	}
	return s
}

// NoiseEstimator collects measurement minus truth deltas.
type NoiseEstimator struct {
	dx, dz []float64
}

// Add records one measurement of an object whose true position is truth.
func (n *NoiseEstimator) Add(m tracks.Measurement, truth Truth) {
	n.dx = append(n.dx, m.X-truth.X)
	n.dz = append(n.dz, m.Z-truth.Z)
}

// Len returns the number of deltas recorded.
func (n *NoiseEstimator) Len() int { return len(n.dx) }

// NoiseEstimate is the per-axis population variance of the deltas, plus
// the variance of both axes pooled, suitable for Rx and Rz.
type NoiseEstimate struct {
	VarX, VarZ float64
	Pooled     float64
	BiasX      float64
	BiasZ      float64
}

// Estimate returns the variance estimate, or zeros with no samples.
func (n *NoiseEstimator) Estimate() NoiseEstimate {
	if len(n.dx) == 0 {
		return NoiseEstimate{}
	}
	mx, vx := stat.PopMeanVariance(n.dx, nil)
	mz, vz := stat.PopMeanVariance(n.dz, nil)
	_, pooled := stat.PopMeanVariance(append(append([]float64(nil), n.dx...), n.dz...), nil)
	return NoiseEstimate{VarX: vx, VarZ: vz, Pooled: pooled, BiasX: mx, BiasZ: mz}
}

func (e NoiseEstimate) String() string {
	return fmt.Sprintf("x: %.6f z: %.6f xz: %.6f", e.VarX, e.VarZ, e.Pooled)
}
