package perception

import "time"

// Store accumulates footprint points for one label. New points are staged
// so projector appends never touch a slice an in-flight pass is
// classifying; Merge moves them into the working set between passes.
type Store struct {
	points []Point
	staged []Point
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Add stages a projected point.
func (s *Store) Add(p Point) {
	p.ClusterID = Unclassified
	s.staged = append(s.staged, p)
}

// Merge moves every staged point into the working set and returns how
// many were moved.
func (s *Store) Merge() int {
	n := len(s.staged)
	s.points = append(s.points, s.staged...)
	s.staged = s.staged[:0]
	return n
}

// Prune drops noise points older than noiseRetention and any point older
// than generalRetention, then resets every survivor to Unclassified so the
// next pass repartitions from scratch. It returns the number removed.
func (s *Store) Prune(now time.Time, noiseRetention, generalRetention time.Duration) int {
	kept := s.points[:0]
	for _, p := range s.points {
		age := now.Sub(p.Timestamp)
		if p.ClusterID == Noise && age > noiseRetention {
			continue
		}
		if age > generalRetention {
			continue
		}
		kept = append(kept, p)
	}
	removed := len(s.points) - len(kept)
	// Clear the tail so dropped points do not linger in the backing array.
	for i := len(kept); i < len(s.points); i++ {
		s.points[i] = Point{}
	}
	s.points = kept
	s.Reset()
	return removed
}

// Reset marks every working point Unclassified.
func (s *Store) Reset() {
	for i := range s.points {
		s.points[i].ClusterID = Unclassified
	}
}

// Points returns the working set. The slice is shared; callers must not
// modify it while a pass owns it.
func (s *Store) Points() []Point { return s.points }

// Len returns the number of working points.
func (s *Store) Len() int { return len(s.points) }

// Staged returns the number of points waiting for Merge.
func (s *Store) Staged() int { return len(s.staged) }
