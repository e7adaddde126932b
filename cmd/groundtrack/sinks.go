package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/groundtrack/internal/config"
	"github.com/banshee-data/groundtrack/internal/evaluation"
	"github.com/banshee-data/groundtrack/internal/export"
	"github.com/banshee-data/groundtrack/internal/perception"
	"github.com/banshee-data/groundtrack/internal/pipeline"
	"github.com/banshee-data/groundtrack/internal/publish"
	"github.com/banshee-data/groundtrack/internal/simulator"
	"github.com/banshee-data/groundtrack/internal/storage/sqlite"
)

// pairingDistance bounds how far a track may be from the truth it is
// scored against.
const pairingDistance = 2.0

func storeSink(store *sqlite.TrackStore, runID string) pipeline.Sink {
	return pipeline.SinkFunc(func(_ context.Context, f pipeline.Frame) error {
		if len(f.Tracks) > 0 {
			if err := store.RecordTick(runID, f.Tick, f.Time, f.Tracks); err != nil {
				return err
			}
		}
		for _, label := range sortedLabels(f.Objects) {
			if len(f.Objects[label]) == 0 {
				continue
			}
			if err := store.RecordObjects(runID, f.Tick, f.Time, label, f.Objects[label]); err != nil {
				return err
			}
		}
		return nil
	})
}

// publishSink sends the tracks on every kalman tick and the objects of
// every label on every cluster tick. Errors are joined so one failing
// topic does not hide another.
func publishSink(pub *publish.Publisher, method string) pipeline.Sink {
	return pipeline.SinkFunc(func(_ context.Context, f pipeline.Frame) error {
		var errs []error
		if method == config.LocalisationKalman {
			return pub.PublishTracks(f.Tick, f.Time, f.Tracks)
		}
		for _, label := range sortedLabels(f.Objects) {
			errs = append(errs, pub.PublishObjects(label, f.Tick, f.Time, f.Objects[label]))
		}
		return errors.Join(errs...)
	})
}

func plotSink(tp *export.TrackPlotter) pipeline.Sink {
	return pipeline.SinkFunc(func(_ context.Context, f pipeline.Frame) error {
		tp.Add(f.Tracks)
		return nil
	})
}

// lastFrame keeps the most recent frame for end of run exports.
type lastFrame struct {
	frame pipeline.Frame
}

func (l *lastFrame) Consume(_ context.Context, f pipeline.Frame) error {
	l.frame = f
	return nil
}

// evalSink scores the track bank against the simulator's ground truth on
// every tick. It must run after the simulator stepped for that tick, which
// holds because sources are read before sinks are called.
type evalSink struct {
	p         *pipeline.Pipeline
	sim       *simulator.Simulator
	plotter   *export.TrackPlotter
	csv       *export.CSVWriter
	evaluator evaluation.Evaluator
	noise     evaluation.NoiseEstimator
}

func newEvalSink(p *pipeline.Pipeline, sim *simulator.Simulator, plotter *export.TrackPlotter) *evalSink {
	return &evalSink{p: p, sim: sim, plotter: plotter}
}

func (e *evalSink) Consume(_ context.Context, f pipeline.Frame) error {
	tick := e.sim.Last()
	for i, m := range tick.Measurements {
		e.noise.Add(m, tick.Truths[i])
	}
	if e.plotter != nil {
		e.plotter.AddTruths(tick.Truths)
	}

	pairs := evaluation.PairTracks(e.p.Bank().Tracks(), tick.Truths, pairingDistance)
	e.evaluator.Observe(pairs)
	if e.csv == nil {
		return nil
	}
	for _, pair := range pairs {
		if err := e.csv.Write(evaluation.NewKalmanState(tick.Elapsed, f.Tick, pair)); err != nil {
			return fmt.Errorf("tick %d: %w", f.Tick, err)
		}
	}
	return nil
}

func sortedLabels[V any](m map[perception.Label]V) []perception.Label {
	labels := make([]perception.Label, 0, len(m))
	for l := range m {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}
