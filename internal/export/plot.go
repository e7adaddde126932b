package export

import (
	"fmt"
	"image/color"
	"sort"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/groundtrack/internal/evaluation"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

// maxLegendEntries keeps the legend readable on crowded runs.
const maxLegendEntries = 12

// TrackPlotter accumulates track (and optionally ground truth) positions
// over a run and renders them as a top-down trajectory plot.
type TrackPlotter struct {
	mu     sync.Mutex
	title  string
	tracks map[int64]plotter.XYs
	truths map[int64]plotter.XYs
}

// NewTrackPlotter creates an empty plotter.
func NewTrackPlotter(title string) *TrackPlotter {
	return &TrackPlotter{
		title:  title,
		tracks: make(map[int64]plotter.XYs),
		truths: make(map[int64]plotter.XYs),
	}
}

// Add records the position of every track snapshot.
func (tp *TrackPlotter) Add(snaps []tracks.Snapshot) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, s := range snaps {
		tp.tracks[s.ID] = append(tp.tracks[s.ID], plotter.XY{X: s.X, Y: s.Z})
	}
}

// AddTruths records ground truth positions, drawn dashed.
func (tp *TrackPlotter) AddTruths(truths []evaluation.Truth) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, g := range truths {
		tp.truths[g.ID] = append(tp.truths[g.ID], plotter.XY{X: g.X, Y: g.Z})
	}
}

// Len returns the number of distinct tracks seen.
func (tp *TrackPlotter) Len() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.tracks)
}

// Save writes the plot as an image; the format follows the extension of
// path.
func (tp *TrackPlotter) Save(path string) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	p := plot.New()
	p.Title.Text = tp.title
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "z (m)"

	truthIDs := sortedIDs(tp.truths)
	for _, id := range truthIDs {
		line, err := plotter.NewLine(tp.truths[id])
		if err != nil {
			return fmt.Errorf("truth %d: %w", id, err)
		}
		line.Color = color.Gray{Y: 128}
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
	}
	if len(truthIDs) > 0 {
		p.Legend.Add("truth", &plotter.Line{LineStyle: draw.LineStyle{Color: color.Gray{Y: 128}, Width: vg.Points(1), Dashes: []vg.Length{vg.Points(4), vg.Points(2)}}})
	}

	ids := sortedIDs(tp.tracks)
	colors := generateColors(len(ids))
	for i, id := range ids {
		line, err := plotter.NewLine(tp.tracks[id])
		if err != nil {
			return fmt.Errorf("track %d: %w", id, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		if i < maxLegendEntries {
			p.Legend.Add(fmt.Sprintf("track %d", id), line)
		}
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save track plot: %w", err)
	}
	return nil
}

func sortedIDs(m map[int64]plotter.XYs) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// generateColors spreads n hues around the colour wheel.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
