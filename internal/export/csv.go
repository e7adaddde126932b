// Package export writes pipeline output to files: the kalman state log as
// CSV, per-tick GeoJSON scenes and PNG trajectory plots.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/banshee-data/groundtrack/internal/evaluation"
)

// CSVHeader is the column layout of the kalman state log.
var CSVHeader = []string{
	"Time", "Frame",
	"GroundTruth x", "GroundTruth y", "GroundTruth v_x", "GroundTruth v_y",
	"Measurement x", "Measurement y",
	"Kalman x", "Kalman y", "Kalman v_x", "Kalman v_y",
	"KalmanP x", "KalmanP y",
}

// CSVWriter writes evaluation.KalmanState rows separated by ';'. The
// header is written before the first row.
type CSVWriter struct {
	w       *csv.Writer
	started bool
	rows    int
}

// NewCSVWriter wraps w.
func NewCSVWriter(w io.Writer) *CSVWriter {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	return &CSVWriter{w: cw}
}

// Write appends one row per state.
func (c *CSVWriter) Write(states ...evaluation.KalmanState) error {
	if !c.started {
		if err := c.w.Write(CSVHeader); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		c.started = true
	}
	for _, s := range states {
		record := []string{
			formatFloat(s.Time.Seconds()),
			strconv.FormatInt(s.Frame, 10),
			formatFloat(s.TruthX), formatFloat(s.TruthZ),
			formatFloat(s.TruthVX), formatFloat(s.TruthVZ),
			formatFloat(s.MeasurementX), formatFloat(s.MeasurementZ),
			formatFloat(s.KalmanX), formatFloat(s.KalmanZ),
			formatFloat(s.KalmanVX), formatFloat(s.KalmanVZ),
			formatFloat(s.KalmanPXX), formatFloat(s.KalmanPZZ),
		}
		if err := c.w.Write(record); err != nil {
			return fmt.Errorf("writing csv row %d: %w", c.rows, err)
		}
		c.rows++
	}
	return nil
}

// Rows returns the number of data rows written.
func (c *CSVWriter) Rows() int { return c.rows }

// Flush flushes buffered rows to the underlying writer.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// formatFloat leaves coasting measurements empty.
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
