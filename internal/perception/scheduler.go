package perception

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/groundtrack/internal/timeutil"
)

// ErrPassRunning is returned by Start when the label already has a pass in
// flight. A label's pass never overlaps itself.
var ErrPassRunning = errors.New("clustering pass already running for label")

// Scheduler time-slices one in-flight Pass per label. Passes for different
// labels own disjoint point slices and are resumed in parallel.
type Scheduler struct {
	mu     sync.Mutex
	params DBSCANParams
	clock  timeutil.Clock
	passes map[Label]*Pass
}

// NewScheduler creates a scheduler using params for every pass it starts.
func NewScheduler(params DBSCANParams, clock timeutil.Clock) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{
		params: params,
		clock:  clock,
		passes: make(map[Label]*Pass),
	}
}

// SetParams replaces the parameters used by passes started afterwards.
func (s *Scheduler) SetParams(params DBSCANParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
}

// Params returns the current clustering parameters.
func (s *Scheduler) Params() DBSCANParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Start begins a pass over points for label. The scheduler takes
// ownership of the slice until the pass completes.
func (s *Scheduler) Start(label Label, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.passes[label]; ok {
		return ErrPassRunning
	}
	s.passes[label] = NewPass(points, s.params, s.clock)
	return nil
}

// Running reports whether label has a pass in flight.
func (s *Scheduler) Running(label Label) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.passes[label]
	return ok
}

// Idle reports whether no label has a pass in flight.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.passes) == 0
}

// Step resumes every in-flight pass with the given budget and returns the
// clusters of the passes that completed, keyed by label. Completed passes
// are released so their labels can start again.
func (s *Scheduler) Step(ctx context.Context, budget time.Duration) (map[Label][]Cluster, error) {
	s.mu.Lock()
	labels := make([]Label, 0, len(s.passes))
	for label := range s.passes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	passes := make([]*Pass, len(labels))
	for i, label := range labels {
		passes[i] = s.passes[label]
	}
	s.mu.Unlock()

	if len(passes) == 0 {
		return nil, nil
	}

	doneFlags := make([]bool, len(passes))
	g, gctx := errgroup.WithContext(ctx)
	for i, pass := range passes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doneFlags[i] = pass.Resume(budget)
			return nil
		})
	}
	err := g.Wait()

	var completed map[Label][]Cluster
	s.mu.Lock()
	for i, label := range labels {
		if !doneFlags[i] {
			continue
		}
		if completed == nil {
			completed = make(map[Label][]Cluster)
		}
		completed[label] = passes[i].Clusters()
		delete(s.passes, label)
	}
	s.mu.Unlock()

	return completed, err
}
