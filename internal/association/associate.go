package association

import (
	"math"
	"time"

	"github.com/banshee-data/groundtrack/internal/config"
	"github.com/banshee-data/groundtrack/internal/objects"
	"github.com/banshee-data/groundtrack/internal/perception"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

// TrackBank is the part of tracks.Bank the associator needs.
type TrackBank interface {
	Len() int
	Tracks() []*tracks.Track
	Spawn(pos tracks.Measurement, now time.Time) *tracks.Track
	SetMeasurement(id int64, m tracks.Measurement) error
}

var _ TrackBank = (*tracks.Bank)(nil)

// Config holds the adaptive gate parameters for track association.
type Config struct {
	// GateSigmaMultiplier scales the positional uncertainty term of the
	// gate: a pair is valid iff dist < speed + k·‖(Pxx, Pzz)‖.
	GateSigmaMultiplier float64
}

// DefaultConfig returns the default association config.
func DefaultConfig() Config {
	return Config{GateSigmaMultiplier: 2}
}

// ConfigFromTuning builds an association Config from the tuning config.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{GateSigmaMultiplier: cfg.GetGateSigmaMultiplier()}
}

// TrackPair records a measurement fed into a track's pending slot.
type TrackPair struct {
	TrackID     int64
	Measurement int // index into the measurement slice
	Cost        float64
}

// Result lists what one association round did, each slice in the order
// the events happened.
type Result struct {
	Matched []TrackPair
	Spawned []int64
}

// Gate returns the association radius of a track.
func Gate(t *tracks.Track, k float64) float64 {
	pxx, pzz := t.Filter.PositionVariance()
	return t.Speed() + k*math.Hypot(pxx, pzz)
}

// AssociateTracks assigns measurements to tracks greedily by distance.
//
// An empty bank is seeded with a track at the first measurement. Pairs
// outside a track's gate are invalid. The cheapest valid pair is taken
// until none remains; each taken measurement goes to the track's pending
// slot. Every measurement left over, including one the bank refused,
// spawns a track at its position with the measurement pending. Unmatched
// tracks are left to coast.
func AssociateTracks(bank TrackBank, measurements []tracks.Measurement, now time.Time, cfg Config) Result {
	var res Result
	if len(measurements) == 0 {
		return res
	}

	if bank.Len() == 0 {
		t := bank.Spawn(measurements[0], now)
		res.Spawned = append(res.Spawned, t.ID)
	}

	trackList := bank.Tracks()
	m := NewCostMatrix(len(trackList), len(measurements))
	for r, t := range trackList {
		pos := t.Filter.Position()
		gate := Gate(t, cfg.GateSigmaMultiplier)
		for c, z := range measurements {
			d := Distance(pos.X, pos.Z, z.X, z.Z)
			if d < gate {
				m.Set(r, c, d)
			}
		}
	}

	consumed := make([]bool, len(measurements))
	for _, a := range m.Greedy() {
		t := trackList[a.Row]
		if err := bank.SetMeasurement(t.ID, measurements[a.Col]); err != nil {
			// Left unconsumed, the measurement spawns a track below.
			diagf("track %d: dropped measurement %d: %v", t.ID, a.Col, err)
			continue
		}
		consumed[a.Col] = true
		res.Matched = append(res.Matched, TrackPair{TrackID: t.ID, Measurement: a.Col, Cost: a.Cost})
	}

	for c, z := range measurements {
		if consumed[c] {
			continue
		}
		t := bank.Spawn(z, now)
		if err := bank.SetMeasurement(t.ID, z); err != nil {
			diagf("track %d: spawned without pending measurement: %v", t.ID, err)
		}
		res.Spawned = append(res.Spawned, t.ID)
	}
	return res
}

// ObjectRegistry is the part of objects.Registry the cluster matcher needs.
type ObjectRegistry interface {
	Objects() []*objects.PlacedObject
	Spawn(c perception.Cluster, now time.Time) *objects.PlacedObject
	Update(id int64, c perception.Cluster, now time.Time) error
}

var _ ObjectRegistry = (*objects.Registry)(nil)

// ObjectPair records a cluster matched onto a placed object.
type ObjectPair struct {
	ObjectID int64
	Cluster  int // index into the cluster slice
	Cost     float64
}

// ClusterResult lists what one cluster matching round did.
type ClusterResult struct {
	Matched []ObjectPair
	Spawned []int64
}

// MatchClusters assigns clusters to placed objects greedily by centre
// distance under a fixed gate. Matched objects take the cluster's position
// and size; unmatched clusters, and clusters the registry refused, spawn
// new objects.
func MatchClusters(reg ObjectRegistry, clusters []perception.Cluster, gate float64, now time.Time) ClusterResult {
	var res ClusterResult
	if len(clusters) == 0 {
		return res
	}

	objs := reg.Objects()
	m := NewCostMatrix(len(objs), len(clusters))
	for r, o := range objs {
		for c, cl := range clusters {
			d := Distance(o.X, o.Z, cl.CenterX, cl.CenterZ)
			if d <= gate {
				m.Set(r, c, d)
			}
		}
	}

	consumed := make([]bool, len(clusters))
	for _, a := range m.Greedy() {
		o := objs[a.Row]
		if err := reg.Update(o.ID, clusters[a.Col], now); err != nil {
			diagf("object %d: dropped cluster %d: %v", o.ID, a.Col, err)
			continue
		}
		consumed[a.Col] = true
		res.Matched = append(res.Matched, ObjectPair{ObjectID: o.ID, Cluster: a.Col, Cost: a.Cost})
	}

	for c, cl := range clusters {
		if consumed[c] {
			continue
		}
		o := reg.Spawn(cl, now)
		res.Spawned = append(res.Spawned, o.ID)
	}
	return res
}
