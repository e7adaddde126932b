// Package camera turns image-space bounding boxes into ground-plane
// footprints by casting rays from a posed camera onto the y=0 plane.
package camera

import (
	"math"

	"github.com/golang/geo/r3"
)

// Up is the ground plane normal. World x and z are the ground axes.
var Up = r3.Vector{X: 0, Y: 1, Z: 0}

// intersectEpsilon bounds the ray/plane denominator below which a ray is
// treated as parallel to the ground.
const intersectEpsilon = 1e-9

// Ray is a half-line from Origin along unit Direction.
type Ray struct {
	Origin    r3.Vector
	Direction r3.Vector
}

// At returns the point at distance t along the ray.
func (r Ray) At(t float64) r3.Vector {
	return r.Origin.Add(r.Direction.Mul(t))
}

// IntersectGround returns the ray parameter where r meets the ground
// plane. ok is false when the ray is parallel to the plane or the hit lies
// behind the origin.
func IntersectGround(r Ray) (t float64, ok bool) {
	den := r.Direction.Dot(Up)
	if math.Abs(den) < intersectEpsilon {
		return 0, false
	}
	t = r.Origin.Mul(-1).Dot(Up) / den
	if !(t > 0) {
		return 0, false
	}
	return t, true
}

// Camera provides what the projector needs from the scene camera.
// Screen coordinates are pixels with the origin at the bottom-left.
type Camera interface {
	Position() r3.Vector
	PixelSize() (w, h int)
	ScreenPointToRay(px, py float64) Ray
}

// PinholeCamera is an ideal perspective camera posed by yaw (about +y,
// zero looking down +z) and pitch (positive tilts the view down).
type PinholeCamera struct {
	Pos         r3.Vector
	Yaw         float64 // radians
	Pitch       float64 // radians
	VerticalFOV float64 // radians
	Width       int
	Height      int
}

var _ Camera = (*PinholeCamera)(nil)

// Position returns the camera centre in world coordinates.
func (c *PinholeCamera) Position() r3.Vector { return c.Pos }

// PixelSize returns the image size in pixels.
func (c *PinholeCamera) PixelSize() (int, int) { return c.Width, c.Height }

// basis returns the camera forward, right and up unit vectors.
func (c *PinholeCamera) basis() (forward, right, up r3.Vector) {
	sy, cy := math.Sincos(c.Yaw)
	sp, cp := math.Sincos(c.Pitch)
	forward = r3.Vector{X: sy * cp, Y: -sp, Z: cy * cp}
	right = r3.Vector{X: cy, Y: 0, Z: -sy}
	up = forward.Cross(right)
	return forward, right, up
}

func (c *PinholeCamera) halfExtents() (tanX, tanY float64) {
	tanY = math.Tan(c.VerticalFOV / 2)
	aspect := 1.0
	if c.Height > 0 {
		aspect = float64(c.Width) / float64(c.Height)
	}
	return tanY * aspect, tanY
}

// ScreenPointToRay returns the ray from the camera centre through pixel
// (px, py).
func (c *PinholeCamera) ScreenPointToRay(px, py float64) Ray {
	forward, right, up := c.basis()
	tanX, tanY := c.halfExtents()

	ndcX := 2*px/float64(c.Width) - 1
	ndcY := 2*py/float64(c.Height) - 1

	dir := forward.
		Add(right.Mul(ndcX * tanX)).
		Add(up.Mul(ndcY * tanY))
	return Ray{Origin: c.Pos, Direction: dir.Normalize()}
}

// WorldToScreenPoint projects p into pixel coordinates. ok is false when
// p is behind the camera.
func (c *PinholeCamera) WorldToScreenPoint(p r3.Vector) (px, py float64, ok bool) {
	forward, right, up := c.basis()
	tanX, tanY := c.halfExtents()

	d := p.Sub(c.Pos)
	depth := d.Dot(forward)
	if depth <= 0 {
		return 0, 0, false
	}
	ndcX := d.Dot(right) / (depth * tanX)
	ndcY := d.Dot(up) / (depth * tanY)

	px = (ndcX + 1) / 2 * float64(c.Width)
	py = (ndcY + 1) / 2 * float64(c.Height)
	return px, py, true
}
