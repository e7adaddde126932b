package perception

import (
	"math"
	"time"

	"github.com/banshee-data/groundtrack/internal/config"
	"github.com/banshee-data/groundtrack/internal/timeutil"
)

// DefaultPassBudget is the wall-clock slice a pass may spend per Resume.
const DefaultPassBudget = 5 * time.Millisecond

// DBSCANParams contains parameters for the DBSCAN clustering algorithm.
type DBSCANParams struct {
	Eps    float64 // Neighbourhood radius in meters
	MinPts int     // Minimum neighbourhood size (self included) for a core point
}

// DefaultDBSCANParams returns the default clustering parameters.
func DefaultDBSCANParams() DBSCANParams {
	return DBSCANParams{Eps: 1.0, MinPts: 3}
}

// DBSCANParamsFromTuning builds parameters from the tuning config.
func DBSCANParamsFromTuning(cfg *config.TuningConfig) DBSCANParams {
	return DBSCANParams{
		Eps:    cfg.GetDBSCANEps(),
		MinPts: cfg.GetDBSCANMinPts(),
	}
}

// DBSCAN clusters points synchronously. Cluster ids are written to
// points[i].ClusterID; points must start Unclassified to be visited.
func DBSCAN(points []Point, params DBSCANParams) []Cluster {
	pass := NewPass(points, params, timeutil.RealClock{})
	pass.Resume(0)
	return pass.Clusters()
}

// Pass is a resumable DBSCAN run over one point slice. All progress
// (outer cursor, current cluster, seed queue and the classifications
// written on the points) survives between Resume calls.
//
// The pass owns the slice until Done reports true.
type Pass struct {
	points []Point
	params DBSCANParams
	eps2   float64
	index  *SpatialIndex
	clock  timeutil.Clock

	next      int // next outer-loop index
	clusterID ClusterID
	seeds     []int
	head      int
	expanding bool
	scratch   []int

	done     bool
	clusters []Cluster
	resumes  int
}

// NewPass prepares a pass. The spatial index is built once here; points
// must not be added or removed until the pass is done.
func NewPass(points []Point, params DBSCANParams, clock timeutil.Clock) *Pass {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	// A negative radius keeps its sign so it matches nothing.
	p := &Pass{
		points: points,
		params: params,
		eps2:   math.Copysign(params.Eps*params.Eps, params.Eps),
		clock:  clock,
	}
	if params.Eps > 0 && !math.IsInf(params.Eps, 0) {
		p.index = NewSpatialIndex(params.Eps)
		p.index.Build(points)
	}
	return p
}

// Done reports whether the pass has visited every point.
func (p *Pass) Done() bool { return p.done }

// Clusters returns the clusters found by a completed pass, or nil.
func (p *Pass) Clusters() []Cluster { return p.clusters }

// Points returns the slice the pass is classifying.
func (p *Pass) Points() []Point { return p.points }

// Resumes counts how many Resume calls the pass has taken.
func (p *Pass) Resumes() int { return p.resumes }

// Resume advances the pass until it completes or budget is spent, and
// reports whether it completed. A budget <= 0 runs to completion. At
// least one step is taken per call, so any positive budget makes progress.
func (p *Pass) Resume(budget time.Duration) bool {
	if p.done {
		return true
	}
	p.resumes++

	start := p.clock.Now()
	worked := false
	spent := func() bool {
		if budget <= 0 || !worked {
			return false
		}
		return p.clock.Since(start) >= budget
	}

	for {
		if p.expanding {
			for p.head < len(p.seeds) {
				if spent() {
					return false
				}
				idx := p.seeds[p.head]
				p.head++
				p.expand(idx)
				worked = true
			}
			p.expanding = false
			p.seeds = p.seeds[:0]
			p.head = 0
		}

		if p.next >= len(p.points) {
			p.finish()
			return true
		}
		if spent() {
			return false
		}

		i := p.next
		p.next++
		worked = true
		if p.points[i].ClusterID != Unclassified {
			continue
		}

		neighbours := p.region(i)
		if len(neighbours) < p.params.MinPts {
			p.points[i].ClusterID = Noise
			continue
		}

		// Every neighbour of a core point is density reachable from it.
		p.clusterID++
		for _, n := range neighbours {
			p.points[n].ClusterID = p.clusterID
			if n != i {
				p.seeds = append(p.seeds, n)
			}
		}
		p.expanding = true
	}
}

// expand grows the current cluster from a seed. Only points that were
// unclassified join the seed queue; noise points are absorbed as border
// points without being expanded.
func (p *Pass) expand(idx int) {
	neighbours := p.region(idx)
	if len(neighbours) < p.params.MinPts {
		return
	}
	for _, n := range neighbours {
		switch p.points[n].ClusterID {
		case Unclassified:
			p.seeds = append(p.seeds, n)
			p.points[n].ClusterID = p.clusterID
		case Noise:
			p.points[n].ClusterID = p.clusterID
		}
	}
}

func (p *Pass) region(idx int) []int {
	p.scratch = p.scratch[:0]
	if p.index != nil {
		p.scratch = p.index.RegionQuery(p.scratch, p.points, idx, p.eps2)
	} else {
		p.scratch = linearRegionQuery(p.scratch, p.points, idx, p.eps2)
	}
	return p.scratch
}

func (p *Pass) finish() {
	p.done = true
	p.clusters = buildClusters(p.points, p.clusterID)
	p.seeds = nil
	p.scratch = nil
}
