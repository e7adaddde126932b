// Package simulator moves synthetic actors over the ground plane and turns
// them into noisy measurements and camera detections, so the pipeline can
// run and be scored without a detector.
package simulator

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/groundtrack/internal/camera"
	"github.com/banshee-data/groundtrack/internal/evaluation"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

// Wander steers an actor along a randomly drifting heading that is pulled
// back toward the origin the farther the actor strays.
type Wander struct {
	DirectionChangeInterval time.Duration
	MaxHeadingChange        float64 // radians either side of the current heading
	MaxDistanceFactor       float64 // larger values weaken the pull to the origin

	target      float64
	untilChange time.Duration
}

// DefaultWander matches a 1 s retarget of up to 30° and a weak centre pull.
func DefaultWander() *Wander {
	return &Wander{
		DirectionChangeInterval: time.Second,
		MaxHeadingChange:        30 * math.Pi / 180,
		MaxDistanceFactor:       10,
	}
}

// Actor is one simulated object. Heading 0 moves along +z; positive
// headings turn toward +x.
type Actor struct {
	ID      int64
	X, Z    float64
	VX, VZ  float64
	Heading float64 // radians
	Speed   float64 // m/s
	Width   float64 // m
	Height  float64 // m
	Wander  *Wander // nil moves in a straight line
}

// Truth returns the actor's ground truth.
func (a *Actor) Truth() evaluation.Truth {
	return evaluation.Truth{ID: a.ID, X: a.X, Z: a.Z, VX: a.VX, VZ: a.VZ}
}

func (a *Actor) step(dt time.Duration, rng rand.Source) {
	s := dt.Seconds()
	if s <= 0 {
		return
	}
	if w := a.Wander; w != nil {
		w.untilChange -= dt
		if w.untilChange <= 0 {
			u := distuv.Uniform{Min: a.Heading - w.MaxHeadingChange, Max: a.Heading + w.MaxHeadingChange, Src: rng}
			w.target = u.Rand()
			w.untilChange += w.DirectionChangeInterval
			if w.untilChange <= 0 {
				w.untilChange = w.DirectionChangeInterval
			}
		}

		if dist := math.Hypot(a.X, a.Z); dist > 0 {
			home := math.Atan2(-a.X, -a.Z)
			factor := w.MaxDistanceFactor
			if factor <= 0 {
				factor = 1
			}
			maxDelta := math.Exp(math.Min(dist, 50)) / (1000 * factor)
			a.Heading += clamp(angleDiff(home, a.Heading), -maxDelta, maxDelta)
		}

		frac := math.Min(1, s*w.DirectionChangeInterval.Seconds())
		a.Heading += angleDiff(w.target, a.Heading) * frac
	}

	sin, cos := math.Sincos(a.Heading)
	a.VX = sin * a.Speed
	a.VZ = cos * a.Speed
	a.X += a.VX * s
	a.Z += a.VZ * s
}

// angleDiff returns a-b wrapped to (-π, π].
func angleDiff(a, b float64) float64 {
	d := math.Mod(a-b, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d <= -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Tick is what one simulation step produced.
type Tick struct {
	Elapsed      time.Duration
	Measurements []tracks.Measurement // one per actor, same order as Truths
	Truths       []evaluation.Truth
}

// Simulator advances a set of actors and measures them with gaussian
// noise of standard deviation Noise.
type Simulator struct {
	Actors []*Actor
	Noise  float64

	src     rand.Source
	nextID  int64
	elapsed time.Duration
	last    Tick
}

// New creates a simulator seeded with seed.
func New(noise float64, seed uint64) *Simulator {
	return &Simulator{
		Noise:  noise,
		src:    rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
		nextID: 1,
	}
}

// Add places an actor and assigns it the next id.
func (s *Simulator) Add(a *Actor) *Actor {
	a.ID = s.nextID
	s.nextID++
	s.Actors = append(s.Actors, a)
	return a
}

// SpawnRandom adds n wandering actors within ±extent of the origin, with
// random headings.
func (s *Simulator) SpawnRandom(n int, extent, speed float64) {
	pos := distuv.Uniform{Min: -extent, Max: extent, Src: s.src}
	heading := distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: s.src}
	for i := 0; i < n; i++ {
		s.Add(&Actor{
			X:       pos.Rand(),
			Z:       pos.Rand(),
			Heading: heading.Rand(),
			Speed:   speed,
			Width:   0.5,
			Height:  1.7,
			Wander:  DefaultWander(),
		})
	}
}

// Step advances every actor by dt and measures it.
func (s *Simulator) Step(dt time.Duration) Tick {
	s.elapsed += dt
	t := Tick{
		Elapsed:      s.elapsed,
		Measurements: make([]tracks.Measurement, len(s.Actors)),
		Truths:       make([]evaluation.Truth, len(s.Actors)),
	}
	noise := distuv.Normal{Mu: 0, Sigma: s.Noise, Src: s.src}
	for i, a := range s.Actors {
		a.step(dt, s.src)
		m := tracks.Measurement{X: a.X, Z: a.Z}
		if s.Noise > 0 {
			m.X += noise.Rand()
			m.Z += noise.Rand()
		}
		t.Measurements[i] = m
		t.Truths[i] = a.Truth()
	}
	s.last = t
	return t
}

// Last returns the most recent tick.
func (s *Simulator) Last() Tick { return s.last }

// Detections renders the last tick's measurements as boxes seen by cam, so
// that projecting them recovers the measured positions. Actors that fall
// outside the image or behind the camera yield no detection.
func (s *Simulator) Detections(cam *camera.PinholeCamera, class int) []camera.Detection {
	var out []camera.Detection
	for i, m := range s.last.Measurements {
		a := s.Actors[i]
		if det, ok := boxFor(cam, class, m, a.Width, a.Height); ok {
			out = append(out, det)
		}
	}
	return out
}

// boxFor inverts the projector: the bottom corners sit a half width either
// side of the footprint centre along the camera's horizontal right axis,
// with the centre pulled a quarter half width toward the camera.
func boxFor(cam *camera.PinholeCamera, class int, m tracks.Measurement, width, height float64) (camera.Detection, bool) {
	half := width / 2
	away := r3.Vector{X: m.X - cam.Pos.X, Z: m.Z - cam.Pos.Z}
	if away.Norm() <= half/4 {
		return camera.Detection{}, false
	}
	center := r3.Vector{X: m.X, Z: m.Z}.Sub(away.Normalize().Mul(half / 4))
	sy, cy := math.Sincos(cam.Yaw)
	right := r3.Vector{X: cy, Z: -sy}

	pxL, pyL, okL := cam.WorldToScreenPoint(center.Sub(right.Mul(half)))
	pxR, _, okR := cam.WorldToScreenPoint(center.Add(right.Mul(half)))
	if !okL || !okR {
		return camera.Detection{}, false
	}
	W, H := float64(cam.Width), float64(cam.Height)
	if pxL < 0 || pxR > W || pyL < 0 || pyL > H {
		return camera.Detection{}, false
	}

	w := (pxR - pxL) / (2 * W)
	h := height * 2 * w / half
	return camera.Detection{
		ClassIndex: class,
		X:          (pxL + pxR) / (2 * W),
		W:          w,
		Y:          1 - pyL/H - h/2,
		H:          h,
	}, true
}

// Source steps a simulator once per Next and yields its detections. It
// returns io.EOF after Ticks steps.
type Source struct {
	Sim   *Simulator
	Cam   *camera.PinholeCamera
	Class int
	Dt    time.Duration
	Ticks int // 0 runs forever
	count int
}

// Next advances the simulation one tick.
func (s *Source) Next(ctx context.Context) ([]camera.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Ticks > 0 && s.count >= s.Ticks {
		return nil, io.EOF
	}
	s.count++
	s.Sim.Step(s.Dt)
	return s.Sim.Detections(s.Cam, s.Class), nil
}
