// Package pipeline runs one tick of the detection-to-track loop: project
// detections to the ground, then either cluster them into placed objects
// or feed them through association into the Kalman track bank.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/banshee-data/groundtrack/internal/association"
	"github.com/banshee-data/groundtrack/internal/camera"
	"github.com/banshee-data/groundtrack/internal/config"
	"github.com/banshee-data/groundtrack/internal/objects"
	"github.com/banshee-data/groundtrack/internal/perception"
	"github.com/banshee-data/groundtrack/internal/timeutil"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

// Config is the full pipeline configuration.
type Config struct {
	Method       string // config.LocalisationCluster or config.LocalisationKalman
	Labels       []perception.Label
	TickInterval time.Duration

	Projector camera.ProjectorConfig

	DBSCAN              perception.DBSCANParams
	ClusterBudget       time.Duration
	GeneralLifetime     time.Duration
	NoiseLifetime       time.Duration
	ObjectLifetime      time.Duration
	ObjectMatchDistance float64

	Bank        tracks.BankConfig
	Association association.Config
}

// DefaultConfig returns the Kalman pipeline over label 0 at 50 Hz.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning derives every component config from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	raw := cfg.GetLabels()
	labels := make([]perception.Label, len(raw))
	for i, l := range raw {
		labels[i] = perception.Label(l)
	}
	return Config{
		Method:              cfg.GetLocalisationMethod(),
		Labels:              labels,
		TickInterval:        cfg.GetTickInterval(),
		Projector:           camera.ProjectorConfigFromTuning(cfg),
		DBSCAN:              perception.DBSCANParamsFromTuning(cfg),
		ClusterBudget:       cfg.GetClusterTimeBudget(),
		GeneralLifetime:     cfg.GetGeneralPointLifetime(),
		NoiseLifetime:       cfg.GetNoiseLifetime(),
		ObjectLifetime:      cfg.GetObjectLifetime(),
		ObjectMatchDistance: cfg.GetObjectMatchDistance(),
		Bank:                tracks.BankConfigFromTuning(cfg),
		Association:         association.ConfigFromTuning(cfg),
	}
}

// Frame is what one tick produced. Clusters holds only the labels whose
// clustering pass completed during the tick.
type Frame struct {
	Tick     int64
	Time     time.Time
	Points   int
	Rejected int

	Clusters map[perception.Label][]perception.Cluster
	Objects  map[perception.Label][]objects.Snapshot
	Tracks   []tracks.Snapshot

	Spawned []int64
	Removed []int64
}

// Pipeline owns every piece of tracking state. All methods are safe for
// concurrent use; Step holds the lock for the whole tick.
type Pipeline struct {
	mu    sync.Mutex
	cfg   Config
	clock timeutil.Clock

	projector *camera.Projector
	labels    map[perception.Label]bool
	order     []perception.Label

	stores     map[perception.Label]*perception.Store
	scheduler  *perception.Scheduler
	clusters   map[perception.Label][]perception.Cluster
	registries map[perception.Label]*objects.Registry

	bank *tracks.Bank

	metrics *Metrics
	tick    int64
}

// New builds a pipeline viewing the ground through cam. A nil clock uses
// the real clock; a nil registry keeps metrics private.
func New(cfg Config, cam camera.Camera, clock timeutil.Clock, registry gometrics.Registry) *Pipeline {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Pipeline{
		cfg:        cfg,
		clock:      clock,
		projector:  camera.NewProjector(cam, cfg.Projector),
		labels:     make(map[perception.Label]bool),
		stores:     make(map[perception.Label]*perception.Store),
		scheduler:  perception.NewScheduler(cfg.DBSCAN, clock),
		clusters:   make(map[perception.Label][]perception.Cluster),
		registries: make(map[perception.Label]*objects.Registry),
		bank:       tracks.NewBank(cfg.Bank),
		metrics:    NewMetrics(registry),
	}
	for _, l := range cfg.Labels {
		if p.labels[l] {
			continue
		}
		p.labels[l] = true
		p.order = append(p.order, l)
		p.stores[l] = perception.NewStore()
		p.registries[l] = objects.NewRegistry(l)
	}
	sort.Slice(p.order, func(i, j int) bool { return p.order[i] < p.order[j] })
	return p
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Metrics returns the pipeline meters.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// Bank returns the track bank, for runtime noise retuning.
func (p *Pipeline) Bank() *tracks.Bank { return p.bank }

// SetCamera swaps the camera used by later ticks.
func (p *Pipeline) SetCamera(cam camera.Camera) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projector.SetCamera(cam)
}

// Step projects detections and runs one tick at now. Detections of labels
// the pipeline does not track, and detections that fail to project, are
// counted and skipped.
func (p *Pipeline) Step(ctx context.Context, detections []camera.Detection, now time.Time) (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	points := make(map[perception.Label][]perception.Point)
	rejected := 0
	for _, det := range detections {
		label := perception.Label(det.ClassIndex)
		if !p.labels[label] {
			rejected++
			continue
		}
		pt, err := p.projector.Locate(det, now)
		if err != nil {
			tracef("detection label=%d rejected: %v", label, err)
			rejected++
			continue
		}
		points[label] = append(points[label], pt)
	}
	p.metrics.Detections.Inc(int64(len(detections)))
	p.metrics.Rejected.Inc(int64(rejected))

	f, err := p.stepLocked(ctx, points, now)
	f.Rejected = rejected
	return f, err
}

// StepPoints runs one tick on already projected ground points.
func (p *Pipeline) StepPoints(ctx context.Context, points map[perception.Label][]perception.Point, now time.Time) (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stepLocked(ctx, points, now)
}

func (p *Pipeline) stepLocked(ctx context.Context, points map[perception.Label][]perception.Point, now time.Time) (Frame, error) {
	start := p.clock.Now()
	p.tick++
	f := Frame{Tick: p.tick, Time: now}

	var err error
	switch p.cfg.Method {
	case config.LocalisationCluster:
		err = p.clusterTick(ctx, points, now, &f)
	case config.LocalisationKalman:
		p.kalmanTick(points, now, &f)
	default:
		err = fmt.Errorf("unknown localisation method %q", p.cfg.Method)
	}

	f.Tracks = p.bank.Snapshots()
	f.Objects = make(map[perception.Label][]objects.Snapshot, len(p.order))
	for _, l := range p.order {
		f.Objects[l] = p.registries[l].Snapshots()
	}

	p.metrics.Ticks.Inc(1)
	p.metrics.ActiveTracks.Update(int64(p.bank.Len()))
	p.metrics.StepTime.Update(p.clock.Since(start))
	tracef("tick %d: points=%d tracks=%d", f.Tick, f.Points, len(f.Tracks))
	return f, err
}

// kalmanTick predicts every track, associates this tick's measurements
// against the predicted positions and corrects.
func (p *Pipeline) kalmanTick(points map[perception.Label][]perception.Point, now time.Time, f *Frame) {
	var ms []tracks.Measurement
	for _, l := range p.order {
		for _, pt := range points[l] {
			ms = append(ms, tracks.Measurement{X: pt.X, Z: pt.Z})
		}
	}
	f.Points = len(ms)

	p.bank.Predict()
	res := association.AssociateTracks(p.bank, ms, now, p.cfg.Association)
	removed := p.bank.Correct(now)

	f.Spawned = res.Spawned
	f.Removed = removed
	p.metrics.TracksSpawned.Inc(int64(len(res.Spawned)))
	p.metrics.TracksRemoved.Inc(int64(len(removed)))
	if len(res.Spawned) > 0 || len(removed) > 0 {
		diagf("tick %d: matched=%d spawned=%v removed=%v", f.Tick, len(res.Matched), res.Spawned, removed)
	}
}

// clusterTick stages new points, restarts idle labels on their pruned
// working set, gives in-flight passes one budget slice and folds completed
// passes into the placed objects.
func (p *Pipeline) clusterTick(ctx context.Context, points map[perception.Label][]perception.Point, now time.Time, f *Frame) error {
	for _, l := range p.order {
		for _, pt := range points[l] {
			p.stores[l].Add(pt)
			f.Points++
		}
	}

	for _, l := range p.order {
		if p.scheduler.Running(l) {
			continue
		}
		store := p.stores[l]
		if n := store.Prune(now, p.cfg.NoiseLifetime, p.cfg.GeneralLifetime); n > 0 {
			p.metrics.PointsPruned.Inc(int64(n))
			tracef("label %d: pruned %d points", l, n)
		}
		store.Merge()
		if store.Len() == 0 {
			continue
		}
		if err := p.scheduler.Start(l, store.Points()); err != nil {
			return fmt.Errorf("starting pass for label %d: %w", l, err)
		}
	}

	completed, err := p.scheduler.Step(ctx, p.cfg.ClusterBudget)

	labels := make([]perception.Label, 0, len(completed))
	for l := range completed {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	for _, l := range labels {
		cl := completed[l]
		p.clusters[l] = cl
		if f.Clusters == nil {
			f.Clusters = make(map[perception.Label][]perception.Cluster)
		}
		f.Clusters[l] = cl
		res := association.MatchClusters(p.registries[l], cl, p.cfg.ObjectMatchDistance, now)
		p.metrics.PassesCompleted.Inc(1)
		p.metrics.ObjectsSpawned.Inc(int64(len(res.Spawned)))
		f.Spawned = append(f.Spawned, res.Spawned...)
		diagf("label %d: pass done, clusters=%d matched=%d spawned=%d", l, len(cl), len(res.Matched), len(res.Spawned))
	}

	for _, l := range p.order {
		pruned := p.registries[l].PruneIdle(now, p.cfg.ObjectLifetime)
		if len(pruned) > 0 {
			p.metrics.ObjectsPruned.Inc(int64(len(pruned)))
			f.Removed = append(f.Removed, pruned...)
			diagf("label %d: pruned idle objects %v", l, pruned)
		}
	}

	if err != nil {
		return fmt.Errorf("clustering step: %w", err)
	}
	return nil
}

// Clusters returns the clusters of the last completed pass for label.
func (p *Pipeline) Clusters(label perception.Label) []perception.Cluster {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]perception.Cluster(nil), p.clusters[label]...)
}

// Objects returns snapshots of the placed objects for label.
func (p *Pipeline) Objects(label perception.Label) []objects.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.registries[label]
	if !ok {
		return nil
	}
	return reg.Snapshots()
}

// Tracks returns snapshots of every live track.
func (p *Pipeline) Tracks() []tracks.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bank.Snapshots()
}
