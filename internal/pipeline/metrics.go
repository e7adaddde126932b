package pipeline

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics counts what the pipeline does each tick. All meters live in
// Registry under the "pipeline." prefix.
type Metrics struct {
	Registry gometrics.Registry

	Ticks           gometrics.Counter
	Detections      gometrics.Counter
	Rejected        gometrics.Counter // projection failures and filtered labels
	TracksSpawned   gometrics.Counter
	TracksRemoved   gometrics.Counter
	ObjectsSpawned  gometrics.Counter
	ObjectsPruned   gometrics.Counter
	PointsPruned    gometrics.Counter
	PassesCompleted gometrics.Counter
	SinkErrors      gometrics.Counter

	ActiveTracks gometrics.Gauge
	StepTime     gometrics.Timer
}

// NewMetrics registers the pipeline meters in r. A nil registry gets a
// fresh private one.
func NewMetrics(r gometrics.Registry) *Metrics {
	if r == nil {
		r = gometrics.NewRegistry()
	}
	return &Metrics{
		Registry:        r,
		Ticks:           gometrics.NewRegisteredCounter("pipeline.ticks", r),
		Detections:      gometrics.NewRegisteredCounter("pipeline.detections", r),
		Rejected:        gometrics.NewRegisteredCounter("pipeline.detections.rejected", r),
		TracksSpawned:   gometrics.NewRegisteredCounter("pipeline.tracks.spawned", r),
		TracksRemoved:   gometrics.NewRegisteredCounter("pipeline.tracks.removed", r),
		ObjectsSpawned:  gometrics.NewRegisteredCounter("pipeline.objects.spawned", r),
		ObjectsPruned:   gometrics.NewRegisteredCounter("pipeline.objects.pruned", r),
		PointsPruned:    gometrics.NewRegisteredCounter("pipeline.points.pruned", r),
		PassesCompleted: gometrics.NewRegisteredCounter("pipeline.passes.completed", r),
		SinkErrors:      gometrics.NewRegisteredCounter("pipeline.sink.errors", r),
		ActiveTracks:    gometrics.NewRegisteredGauge("pipeline.tracks.active", r),
		StepTime:        gometrics.NewRegisteredTimer("pipeline.step", r),
	}
}

// Counts returns the current value of every counter keyed by its
// registered name.
func (m *Metrics) Counts() map[string]int64 {
	out := make(map[string]int64)
	m.Registry.Each(func(name string, v interface{}) {
		switch meter := v.(type) {
		case gometrics.Counter:
			out[name] = meter.Snapshot().Count()
		case gometrics.Gauge:
			out[name] = meter.Snapshot().Value()
		}
	})
	return out
}
