package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/groundtrack/internal/camera"
)

// Source yields the detections of one tick per call. It returns io.EOF
// when exhausted.
type Source interface {
	Next(ctx context.Context) ([]camera.Detection, error)
}

// Sink consumes the frames the pipeline produces.
type Sink interface {
	Consume(ctx context.Context, f Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f Frame) error

// Consume calls fn.
func (fn SinkFunc) Consume(ctx context.Context, f Frame) error { return fn(ctx, f) }

// Run steps the pipeline on every tick of its clock until ctx is done or
// src is exhausted. Sink errors are logged and counted; they never stop
// the loop. Run returns nil on io.EOF or cancellation.
func (p *Pipeline) Run(ctx context.Context, src Source, sinks ...Sink) error {
	interval := p.Config().TickInterval
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", interval)
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	opsf("running at %v per tick", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			done, err := p.runOnce(ctx, src, now, sinks)
			if err != nil || done {
				return err
			}
		}
	}
}

// Replay steps the pipeline as fast as src delivers, stamping tick n at
// start + n·TickInterval so replays are deterministic.
func (p *Pipeline) Replay(ctx context.Context, src Source, start time.Time, sinks ...Sink) error {
	interval := p.Config().TickInterval
	now := start
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		now = now.Add(interval)
		done, err := p.runOnce(ctx, src, now, sinks)
		if err != nil || done {
			return err
		}
	}
}

func (p *Pipeline) runOnce(ctx context.Context, src Source, now time.Time, sinks []Sink) (bool, error) {
	dets, err := src.Next(ctx)
	if errors.Is(err, io.EOF) {
		opsf("source exhausted after %d ticks", p.metrics.Ticks.Snapshot().Count())
		return true, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return true, fmt.Errorf("reading detections: %w", err)
	}

	f, err := p.Step(ctx, dets, now)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return true, err
	}
	for _, s := range sinks {
		if err := s.Consume(ctx, f); err != nil {
			p.metrics.SinkErrors.Inc(1)
			opsf("sink error on tick %d: %v", f.Tick, err)
		}
	}
	return false, nil
}

// SliceSource replays a fixed list of ticks.
type SliceSource struct {
	Ticks [][]camera.Detection
	next  int
}

// Next returns the next tick or io.EOF.
func (s *SliceSource) Next(context.Context) ([]camera.Detection, error) {
	if s.next >= len(s.Ticks) {
		return nil, io.EOF
	}
	d := s.Ticks[s.next]
	s.next++
	return d, nil
}

// JSONLSource reads one JSON array of detections per line. Blank lines
// are empty ticks.
type JSONLSource struct {
	scanner *bufio.Scanner
	line    int
}

// NewJSONLSource wraps r.
func NewJSONLSource(r io.Reader) *JSONLSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &JSONLSource{scanner: sc}
}

// Next decodes the next line.
func (s *JSONLSource) Next(context.Context) ([]camera.Detection, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading line %d: %w", s.line+1, err)
		}
		return nil, io.EOF
	}
	s.line++
	text := strings.TrimSpace(s.scanner.Text())
	if text == "" {
		return nil, nil
	}
	var dets []camera.Detection
	if err := json.Unmarshal([]byte(text), &dets); err != nil {
		return nil, fmt.Errorf("decoding line %d: %w", s.line, err)
	}
	return dets, nil
}
