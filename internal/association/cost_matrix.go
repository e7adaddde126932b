// Package association pairs measurements with tracks, and clusters with
// placed objects, by repeatedly taking the cheapest remaining cost.
package association

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Cell is one entry of a CostMatrix. Invalid cells are gated out or
// already consumed and are never returned by Min.
type Cell struct {
	Cost  float64
	Valid bool
}

// CostMatrix is a dense rows × cols grid of cells, all invalid until Set.
type CostMatrix struct {
	rows, cols int
	cells      []Cell
}

// NewCostMatrix creates an all-invalid matrix.
func NewCostMatrix(rows, cols int) *CostMatrix {
	return &CostMatrix{rows: rows, cols: cols, cells: make([]Cell, rows*cols)}
}

// Dims returns the matrix size.
func (m *CostMatrix) Dims() (rows, cols int) { return m.rows, m.cols }

// Set stores cost at (row, col). NaN and infinite costs leave the cell
// invalid.
func (m *CostMatrix) Set(row, col int, cost float64) {
	m.cells[row*m.cols+col] = Cell{Cost: cost, Valid: !math.IsNaN(cost) && !math.IsInf(cost, 0)}
}

// At returns the cell at (row, col).
func (m *CostMatrix) At(row, col int) Cell {
	return m.cells[row*m.cols+col]
}

// Min returns the lowest-cost valid cell. The scan is row-major with a
// strict comparison, so the first cell seen wins ties. ok is false when no
// valid cell remains.
func (m *CostMatrix) Min() (row, col int, ok bool) {
	best := math.Inf(1)
	row, col = -1, -1
	for r := 0; r < m.rows; r++ {
		for c := 0; c < m.cols; c++ {
			cell := m.cells[r*m.cols+c]
			if !cell.Valid {
				continue
			}
			if !ok || cell.Cost < best {
				best = cell.Cost
				row, col, ok = r, c, true
			}
		}
	}
	return row, col, ok
}

// Invalidate masks every cell in row and in col.
func (m *CostMatrix) Invalidate(row, col int) {
	for c := 0; c < m.cols; c++ {
		m.cells[row*m.cols+c].Valid = false
	}
	for r := 0; r < m.rows; r++ {
		m.cells[r*m.cols+col].Valid = false
	}
}

// Assignment is one (row, col) pair chosen by Greedy.
type Assignment struct {
	Row, Col int
	Cost     float64
}

// Greedy repeatedly takes Min and invalidates its row and column until no
// valid cell remains. The matrix is consumed.
func (m *CostMatrix) Greedy() []Assignment {
	var out []Assignment
	for {
		r, c, ok := m.Min()
		if !ok {
			return out
		}
		out = append(out, Assignment{Row: r, Col: c, Cost: m.At(r, c).Cost})
		m.Invalidate(r, c)
	}
}

// Distance is the planar distance between ground points (x1, z1) and
// (x2, z2).
func Distance(x1, z1, x2, z2 float64) float64 {
	return planar.Distance(orb.Point{x1, z1}, orb.Point{x2, z2})
}
