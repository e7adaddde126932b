package perception

import (
	"math"
	"sort"
)

// estimatedPointsPerCell is used for initial spatial index capacity estimation.
const estimatedPointsPerCell = 4

// SpatialIndex provides neighbourhood queries over the (X, Z) ground plane
// using a regular grid. Cell size should match the DBSCAN eps so a 3x3
// cell neighbourhood covers the full query radius.
type SpatialIndex struct {
	CellSize float64
	Grid     map[int64][]int // Cell ID → point indices
}

// NewSpatialIndex creates a spatial index with the specified cell size.
func NewSpatialIndex(cellSize float64) *SpatialIndex {
	return &SpatialIndex{
		CellSize: cellSize,
		Grid:     make(map[int64][]int),
	}
}

// Build populates the index from points.
func (si *SpatialIndex) Build(points []Point) {
	si.Grid = make(map[int64][]int, len(points)/estimatedPointsPerCell+1)
	for i, p := range points {
		cx, cz := si.cell(p.X, p.Z)
		id := cellID(cx, cz)
		si.Grid[id] = append(si.Grid[id], i)
	}
}

func (si *SpatialIndex) cell(x, z float64) (int64, int64) {
	return int64(math.Floor(x / si.CellSize)), int64(math.Floor(z / si.CellSize))
}

// cellID maps signed cell coordinates to a unique key: zigzag encoding to
// make both non-negative, then Szudzik's pairing function.
func cellID(cx, cz int64) int64 {
	a := zigzag(cx)
	b := zigzag(cz)
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

func zigzag(v int64) int64 {
	if v >= 0 {
		return 2 * v
	}
	return -2*v - 1
}

// RegionQuery appends to dst the indices of all points whose squared
// planar distance to points[idx] is at most eps2, including idx itself.
// Indices are appended in ascending order, matching a linear scan.
func (si *SpatialIndex) RegionQuery(dst []int, points []Point, idx int, eps2 float64) []int {
	p := points[idx]
	cx, cz := si.cell(p.X, p.Z)
	start := len(dst)

	for dx := int64(-1); dx <= 1; dx++ {
		for dz := int64(-1); dz <= 1; dz++ {
			for _, candidate := range si.Grid[cellID(cx+dx, cz+dz)] {
				if distanceSquared(p, points[candidate]) <= eps2 {
					dst = append(dst, candidate)
				}
			}
		}
	}
	sort.Ints(dst[start:])
	return dst
}

// linearRegionQuery is the reference O(n) neighbourhood scan. It is used
// when the eps cannot size a grid (zero, negative or NaN).
func linearRegionQuery(dst []int, points []Point, idx int, eps2 float64) []int {
	p := points[idx]
	for i := range points {
		if distanceSquared(p, points[i]) <= eps2 {
			dst = append(dst, i)
		}
	}
	return dst
}

func distanceSquared(a, b Point) float64 {
	dx := b.X - a.X
	dz := b.Z - a.Z
	return dx*dx + dz*dz
}
