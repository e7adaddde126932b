// Package tracks maintains one linear Kalman filter per tracked object on
// the ground plane, held in an id-keyed bank.
package tracks

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrSingularInnovation is returned by Update when S = HPHᵀ + R cannot be
// inverted. The filter state is left untouched.
var ErrSingularInnovation = errors.New("innovation covariance is singular")

// Model selects the motion model of a filter.
type Model int

const (
	// ConstantVelocity uses state (x, z, vx, vz).
	ConstantVelocity Model = iota
	// ConstantAcceleration uses state (x, vx, ax, z, vz, az).
	ConstantAcceleration
)

// ParseModel maps the config names "cv" and "ca" to a Model.
func ParseModel(s string) (Model, error) {
	switch s {
	case "cv", "":
		return ConstantVelocity, nil
	case "ca":
		return ConstantAcceleration, nil
	}
	return 0, fmt.Errorf("unknown motion model %q", s)
}

func (m Model) String() string {
	switch m {
	case ConstantVelocity:
		return "cv"
	case ConstantAcceleration:
		return "ca"
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// Measurement is a ground-plane position observation.
type Measurement struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// FilterConfig fixes the filter matrices at construction.
type FilterConfig struct {
	Model             Model
	Ts                float64 // tick interval in seconds
	ProcessNoise      float64 // scalar process-noise intensity q
	MeasurementNoiseX float64 // R[0,0]
	MeasurementNoiseZ float64 // R[1,1]
}

// DefaultFilterConfig returns the default CV filter at a 20ms tick.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Model:             ConstantVelocity,
		Ts:                0.02,
		ProcessNoise:      30,
		MeasurementNoiseX: 10,
		MeasurementNoiseZ: 10,
	}
}

// Filter is a discrete linear Kalman filter over a planar motion model.
type Filter struct {
	model Model
	n     int

	// indices of x, z, vx, vz in the state vector
	ix, iz, ivx, ivz int

	x *mat.VecDense
	P *mat.Dense

	F      *mat.Dense
	H      *mat.Dense
	Gd     *mat.Dense
	R      *mat.Dense
	GdQGdT *mat.Dense
	q      float64
	eye    *mat.Dense

	nisSum   float64
	nisCount int
}

// NewFilter builds a filter at rest at pos.
func NewFilter(cfg FilterConfig, pos Measurement) *Filter {
	ts := cfg.Ts
	f := &Filter{model: cfg.Model}

	switch cfg.Model {
	case ConstantAcceleration:
		f.n = 6
		f.ix, f.ivx, f.iz, f.ivz = 0, 1, 3, 4
		f.F = mat.NewDense(6, 6, nil)
		f.Gd = mat.NewDense(6, 2, nil)
		for axis := 0; axis < 2; axis++ {
			o := 3 * axis
			f.F.Set(o, o, 1)
			f.F.Set(o, o+1, ts)
			f.F.Set(o, o+2, ts*ts/2)
			f.F.Set(o+1, o+1, 1)
			f.F.Set(o+1, o+2, ts)
			f.F.Set(o+2, o+2, 1)

			f.Gd.Set(o, axis, ts*ts/2)
			f.Gd.Set(o+1, axis, ts)
			f.Gd.Set(o+2, axis, 1)
		}
		f.P = diag(1000, 100, 10, 1000, 100, 10)
	default:
		f.n = 4
		f.ix, f.iz, f.ivx, f.ivz = 0, 1, 2, 3
		f.F = mat.NewDense(4, 4, []float64{
			1, 0, ts, 0,
			0, 1, 0, ts,
			0, 0, 1, 0,
			0, 0, 0, 1,
		})
		f.Gd = mat.NewDense(4, 2, []float64{
			ts * ts / 2, 0,
			0, ts * ts / 2,
			ts, 0,
			0, ts,
		})
		f.P = diag(100, 100, 10, 10)
	}

	f.H = mat.NewDense(2, f.n, nil)
	f.H.Set(0, f.ix, 1)
	f.H.Set(1, f.iz, 1)

	f.eye = identity(f.n)
	f.x = mat.NewVecDense(f.n, nil)
	f.x.SetVec(f.ix, pos.X)
	f.x.SetVec(f.iz, pos.Z)

	f.SetProcessNoise(cfg.ProcessNoise)
	f.SetMeasurementNoise(cfg.MeasurementNoiseX, cfg.MeasurementNoiseZ)
	return f
}

func diag(v ...float64) *mat.Dense {
	d := mat.NewDense(len(v), len(v), nil)
	for i, x := range v {
		d.Set(i, i, x)
	}
	return d
}

func identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

// SetProcessNoise replaces q and recomputes Gd·q·Gdᵀ.
func (f *Filter) SetProcessNoise(q float64) {
	f.q = q
	var g mat.Dense
	g.Mul(f.Gd, f.Gd.T())
	g.Scale(q, &g)
	f.GdQGdT = &g
}

// SetMeasurementNoise replaces R with diag(rx, rz).
func (f *Filter) SetMeasurementNoise(rx, rz float64) {
	f.R = diag(rx, rz)
}

// Predict propagates the state one tick: x ← Fx, P ← FPFᵀ + GdqGdᵀ.
func (f *Filter) Predict() {
	var x mat.VecDense
	x.MulVec(f.F, f.x)
	f.x = &x

	var fp, p mat.Dense
	fp.Mul(f.F, f.P)
	p.Mul(&fp, f.F.T())
	p.Add(&p, f.GdQGdT)
	f.P = &p
}

// Update corrects the state with z using the Joseph-form covariance
// update, then symmetrises P. It returns the normalised innovation
// squared yᵀS⁻¹y.
func (f *Filter) Update(z Measurement) (float64, error) {
	zv := mat.NewVecDense(2, []float64{z.X, z.Z})

	var hx, y mat.VecDense
	hx.MulVec(f.H, f.x)
	y.SubVec(zv, &hx)

	var pht, s, sInv mat.Dense
	pht.Mul(f.P, f.H.T())
	s.Mul(f.H, &pht)
	s.Add(&s, f.R)
	if err := sInv.Inverse(&s); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSingularInnovation, err)
	}

	var k mat.Dense
	k.Mul(&pht, &sInv)

	var ky, x mat.VecDense
	ky.MulVec(&k, &y)
	x.AddVec(f.x, &ky)
	f.x = &x

	// P ← (I−KH)P(I−KH)ᵀ + KRKᵀ
	var kh, ikh, tmp, p, kr, krk mat.Dense
	kh.Mul(&k, f.H)
	ikh.Sub(f.eye, &kh)
	tmp.Mul(&ikh, f.P)
	p.Mul(&tmp, ikh.T())
	kr.Mul(&k, f.R)
	krk.Mul(&kr, k.T())
	p.Add(&p, &krk)
	symmetrise(&p)
	f.P = &p

	var sy mat.VecDense
	sy.MulVec(&sInv, &y)
	nis := mat.Dot(&y, &sy)
	f.nisSum += nis
	f.nisCount++
	return nis, nil
}

func symmetrise(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			v := (m.At(i, j) + m.At(j, i)) / 2
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
}

// Model returns the motion model.
func (f *Filter) Model() Model { return f.model }

// Dim returns the state dimension.
func (f *Filter) Dim() int { return f.n }

// Position returns the estimated ground position.
func (f *Filter) Position() Measurement {
	return Measurement{X: f.x.AtVec(f.ix), Z: f.x.AtVec(f.iz)}
}

// Velocity returns the estimated ground velocity.
func (f *Filter) Velocity() (vx, vz float64) {
	return f.x.AtVec(f.ivx), f.x.AtVec(f.ivz)
}

// PositionVariance returns the covariance diagonal entries for x and z.
func (f *Filter) PositionVariance() (pxx, pzz float64) {
	return f.P.At(f.ix, f.ix), f.P.At(f.iz, f.iz)
}

// VelocityVariance returns the covariance diagonal entries for vx and vz.
func (f *Filter) VelocityVariance() (pvx, pvz float64) {
	return f.P.At(f.ivx, f.ivx), f.P.At(f.ivz, f.ivz)
}

// State returns a copy of the state vector in model order.
func (f *Filter) State() []float64 {
	out := make([]float64, f.n)
	for i := range out {
		out[i] = f.x.AtVec(i)
	}
	return out
}

// PlanarState returns (x, z, vx, vz) regardless of model.
func (f *Filter) PlanarState() *mat.VecDense {
	vx, vz := f.Velocity()
	p := f.Position()
	return mat.NewVecDense(4, []float64{p.X, p.Z, vx, vz})
}

// PlanarCovariance returns the covariance of PlanarState.
func (f *Filter) PlanarCovariance() *mat.SymDense {
	idx := []int{f.ix, f.iz, f.ivx, f.ivz}
	c := mat.NewSymDense(4, nil)
	for i, a := range idx {
		for j := i; j < 4; j++ {
			c.SetSym(i, j, f.P.At(a, idx[j]))
		}
	}
	return c
}

// Covariance returns a symmetric copy of P.
func (f *Filter) Covariance() *mat.SymDense {
	c := mat.NewSymDense(f.n, nil)
	for i := 0; i < f.n; i++ {
		for j := i; j < f.n; j++ {
			c.SetSym(i, j, f.P.At(i, j))
		}
	}
	return c
}

// CovarianceDiag returns the diagonal of P.
func (f *Filter) CovarianceDiag() []float64 {
	out := make([]float64, f.n)
	for i := range out {
		out[i] = f.P.At(i, i)
	}
	return out
}

// MeanNIS returns the average normalised innovation squared over all
// updates, or 0 before the first update.
func (f *Filter) MeanNIS() float64 {
	if f.nisCount == 0 {
		return 0
	}
	return f.nisSum / float64(f.nisCount)
}
