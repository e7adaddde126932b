package camera

import (
	"errors"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/groundtrack/internal/config"
	"github.com/banshee-data/groundtrack/internal/perception"
)

// Geometric failures. These are expected for part of every detection
// stream and are recovered by dropping the detection.
var (
	ErrNoIntersection = errors.New("ray does not hit the ground plane")
	ErrBeyondRange    = errors.New("ground hit beyond max ray distance")
	ErrStereoDiscard  = errors.New("detection in right half of stereo image")
	ErrDegenerateBox  = errors.New("detection box has no width")
)

// Detection is one detector output in normalised image coordinates.
// X is the horizontal box centre and W its horizontal half extent; Y is
// the top edge measured down from the top of the image and H the box
// height.
type Detection struct {
	ClassIndex int     `json:"class_index"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
}

// ProjectorConfig controls ray casting.
type ProjectorConfig struct {
	// StereoImage is set when frames are two side-by-side eye images; only
	// the left image is used.
	StereoImage bool
	// MaxRayDistance rejects ground hits further than this along the ray.
	MaxRayDistance float64
}

// DefaultProjectorConfig returns the default projector config.
func DefaultProjectorConfig() ProjectorConfig {
	return ProjectorConfig{MaxRayDistance: 30}
}

// ProjectorConfigFromTuning builds a ProjectorConfig from the tuning config.
func ProjectorConfigFromTuning(cfg *config.TuningConfig) ProjectorConfig {
	return ProjectorConfig{
		StereoImage:    cfg.GetStereoImage(),
		MaxRayDistance: cfg.GetMaxRayDistance(),
	}
}

// Footprint is the ground segment spanned by a detection's bottom edge.
type Footprint struct {
	Left, Right r3.Vector
	Center      r3.Vector // midpoint of Left and Right
	Width       float64   // half the distance between Left and Right
}

// Projector maps detections to ground-plane points.
type Projector struct {
	cam Camera
	cfg ProjectorConfig
}

// NewProjector creates a projector for cam.
func NewProjector(cam Camera, cfg ProjectorConfig) *Projector {
	return &Projector{cam: cam, cfg: cfg}
}

// SetCamera swaps the camera, for rigs whose pose changes between ticks.
func (p *Projector) SetCamera(cam Camera) { p.cam = cam }

// Camera returns the current camera.
func (p *Projector) Camera() Camera { return p.cam }

// Footprint casts rays through the two bottom corners of det and returns
// the ground segment between the hits, before any offset is applied.
func (p *Projector) Footprint(det Detection) (Footprint, error) {
	x, w := det.X, det.W
	if p.cfg.StereoImage {
		if x >= 0.5 {
			return Footprint{}, ErrStereoDiscard
		}
		x *= 2
		w *= 2
	}
	if !(w > 0) {
		return Footprint{}, ErrDegenerateBox
	}

	pw, ph := p.cam.PixelSize()
	x1 := (x + w) * float64(pw)
	x2 := (x - w) * float64(pw)
	y := (1 - (det.Y + det.H/2)) * float64(ph)

	ray1 := p.cam.ScreenPointToRay(x1, y)
	ray2 := p.cam.ScreenPointToRay(x2, y)

	t1, ok := IntersectGround(ray1)
	if !ok {
		return Footprint{}, ErrNoIntersection
	}
	t2, ok := IntersectGround(ray2)
	if !ok {
		return Footprint{}, ErrNoIntersection
	}
	if t1 > p.cfg.MaxRayDistance || t2 > p.cfg.MaxRayDistance {
		return Footprint{}, ErrBeyondRange
	}

	right := ray1.At(t1)
	left := ray2.At(t2)
	return Footprint{
		Left:   left,
		Right:  right,
		Center: left.Add(right).Mul(0.5),
		Width:  left.Distance(right) / 2,
	}, nil
}

// Locate projects det into a ground point stamped with now. The footprint
// centre is pushed a quarter width away from the camera toward the far
// side of the object, and the object height is scaled from the box aspect.
func (p *Projector) Locate(det Detection, now time.Time) (perception.Point, error) {
	fp, err := p.Footprint(det)
	if err != nil {
		return perception.Point{}, err
	}

	away := fp.Center.Sub(p.cam.Position())
	away.Y = 0
	center := fp.Center
	if away.Norm() > 0 {
		center = center.Add(away.Normalize().Mul(fp.Width / 4))
	}

	return perception.Point{
		X:         center.X,
		Z:         center.Z,
		W:         fp.Width,
		H:         det.H * fp.Width / (2 * det.W),
		Timestamp: now,
		ClusterID: perception.Unclassified,
	}, nil
}

// Project is Locate without the failure reason.
func (p *Projector) Project(det Detection, now time.Time) (perception.Point, bool) {
	pt, err := p.Locate(det, now)
	return pt, err == nil
}
