// Package perception holds ground-plane footprint points, the DBSCAN
// clustering engine that groups them into candidate objects, and the
// per-label point stores that feed it.
package perception

import (
	"time"
)

// ClusterID tags a point with its clustering outcome.
type ClusterID int

const (
	// Unclassified points have not been visited by the current pass.
	Unclassified ClusterID = 0
	// Noise points had fewer than MinPts neighbours and were not reached
	// from any core point.
	Noise ClusterID = -1
)

// IsCluster reports whether id names a real cluster.
func (id ClusterID) IsCluster() bool { return id > 0 }

// Label is a detection class index.
type Label int

// Point is a footprint sample on the ground plane.
// X and Z are world ground axes in meters; W and H are the estimated
// footprint width and object height.
type Point struct {
	X, Z      float64
	W, H      float64
	Timestamp time.Time
	ClusterID ClusterID
}

// Cluster is the mean of all points sharing a cluster id in one pass.
// Cluster ids carry no identity across passes.
type Cluster struct {
	ID         ClusterID
	CenterX    float64
	CenterZ    float64
	W, H       float64
	PointCount int
}

// buildClusters aggregates labelled points into clusters 1..maxID.
func buildClusters(points []Point, maxID ClusterID) []Cluster {
	if maxID <= 0 {
		return nil
	}

	sums := make([]Cluster, maxID+1)
	for _, p := range points {
		if !p.ClusterID.IsCluster() || p.ClusterID > maxID {
			continue
		}
		c := &sums[p.ClusterID]
		c.CenterX += p.X
		c.CenterZ += p.Z
		c.W += p.W
		c.H += p.H
		c.PointCount++
	}

	clusters := make([]Cluster, 0, maxID)
	for id := ClusterID(1); id <= maxID; id++ {
		c := sums[id]
		if c.PointCount == 0 {
			continue
		}
		n := float64(c.PointCount)
		clusters = append(clusters, Cluster{
			ID:         id,
			CenterX:    c.CenterX / n,
			CenterZ:    c.CenterZ / n,
			W:          c.W / n,
			H:          c.H / n,
			PointCount: c.PointCount,
		})
	}
	return clusters
}
