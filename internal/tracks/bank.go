package tracks

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/groundtrack/internal/config"
)

// ErrUnknownTrack is returned when an id is not in the bank.
var ErrUnknownTrack = errors.New("unknown track")

// BankConfig holds the per-track filter config and lifecycle policy.
type BankConfig struct {
	Filter FilterConfig
	// SelfDestruct removes tracks whose P[0,0] exceeds
	// SelfDestructThreshold after a correction step.
	SelfDestruct          bool
	SelfDestructThreshold float64
}

// DefaultBankConfig returns the default bank config.
func DefaultBankConfig() BankConfig {
	return BankConfig{
		Filter:                DefaultFilterConfig(),
		SelfDestruct:          true,
		SelfDestructThreshold: 500,
	}
}

// BankConfigFromTuning builds a BankConfig from the tuning config. An
// unknown motion model falls back to constant velocity.
func BankConfigFromTuning(cfg *config.TuningConfig) BankConfig {
	model, err := ParseModel(cfg.GetMotionModel())
	if err != nil {
		model = ConstantVelocity
	}
	return BankConfig{
		Filter: FilterConfig{
			Model:             model,
			Ts:                cfg.GetTickInterval().Seconds(),
			ProcessNoise:      cfg.GetProcessNoise(),
			MeasurementNoiseX: cfg.GetMeasurementNoiseX(),
			MeasurementNoiseZ: cfg.GetMeasurementNoiseZ(),
		},
		SelfDestruct:          cfg.GetSelfDestruct(),
		SelfDestructThreshold: cfg.GetSelfDestructThreshold(),
	}
}

// Track is one filtered object hypothesis.
type Track struct {
	ID     int64
	Filter *Filter

	// Pending is the measurement assigned this tick, applied and cleared
	// by Correct. Last is the most recent measurement applied.
	Pending *Measurement
	Last    *Measurement

	Created time.Time
	Updated time.Time
	Hits    int
	Misses  int
	LastNIS float64

	fresh bool // spawned since the last Correct
}

// Snapshot is a copyable view of a track for sinks.
type Snapshot struct {
	ID             int64        `json:"id"`
	X              float64      `json:"x"`
	Z              float64      `json:"z"`
	VX             float64      `json:"vx"`
	VZ             float64      `json:"vz"`
	PXX            float64      `json:"pxx"`
	PZZ            float64      `json:"pzz"`
	Model          string       `json:"model"`
	CovarianceDiag []float64    `json:"covariance_diag"` // model state order
	Measurement    *Measurement `json:"measurement,omitempty"`
	NIS            float64      `json:"nis"`
	Hits           int          `json:"hits"`
	Misses         int          `json:"misses"`
	Created        time.Time    `json:"created"`
	Updated        time.Time    `json:"updated"`
}

// Snapshot copies the track state.
func (t *Track) Snapshot() Snapshot {
	pos := t.Filter.Position()
	vx, vz := t.Filter.Velocity()
	pxx, pzz := t.Filter.PositionVariance()
	s := Snapshot{
		ID:             t.ID,
		X:              pos.X,
		Z:              pos.Z,
		VX:             vx,
		VZ:             vz,
		PXX:            pxx,
		PZZ:            pzz,
		Model:          t.Filter.Model().String(),
		CovarianceDiag: t.Filter.CovarianceDiag(),
		NIS:            t.LastNIS,
		Hits:           t.Hits,
		Misses:         t.Misses,
		Created:        t.Created,
		Updated:        t.Updated,
	}
	if t.Last != nil {
		m := *t.Last
		s.Measurement = &m
	}
	return s
}

// Speed returns the magnitude of the velocity estimate.
func (t *Track) Speed() float64 {
	vx, vz := t.Filter.Velocity()
	return math.Hypot(vx, vz)
}

// Bank is an arena of tracks keyed by monotonically increasing ids.
// Iteration order is ascending id.
type Bank struct {
	mu     sync.RWMutex
	cfg    BankConfig
	nextID int64
	tracks map[int64]*Track
	order  []int64
}

// NewBank creates an empty track bank.
func NewBank(cfg BankConfig) *Bank {
	return &Bank{
		cfg:    cfg,
		nextID: 1,
		tracks: make(map[int64]*Track),
	}
}

// Config returns the bank config.
func (b *Bank) Config() BankConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Spawn creates a track at rest at pos with no pending measurement.
func (b *Bank) Spawn(pos Measurement, now time.Time) *Track {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := &Track{
		ID:      b.nextID,
		Filter:  NewFilter(b.cfg.Filter, pos),
		Created: now,
		Updated: now,
		fresh:   true,
	}
	b.nextID++
	b.tracks[t.ID] = t
	b.order = append(b.order, t.ID)
	diagf("spawned track %d at (%.3f, %.3f)", t.ID, pos.X, pos.Z)
	return t
}

// Get returns the track with id.
func (b *Bank) Get(id int64) (*Track, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tracks[id]
	return t, ok
}

// Remove deletes the track with id and reports whether it existed.
func (b *Bank) Remove(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Bank) removeLocked(id int64) bool {
	if _, ok := b.tracks[id]; !ok {
		return false
	}
	delete(b.tracks, id)
	i := sort.Search(len(b.order), func(i int) bool { return b.order[i] >= id })
	if i < len(b.order) && b.order[i] == id {
		b.order = append(b.order[:i], b.order[i+1:]...)
	}
	return true
}

// Len returns the number of tracks.
func (b *Bank) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tracks)
}

// Tracks returns the tracks in ascending id order.
func (b *Bank) Tracks() []*Track {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Track, len(b.order))
	for i, id := range b.order {
		out[i] = b.tracks[id]
	}
	return out
}

// Snapshots returns a snapshot of every track in ascending id order.
func (b *Bank) Snapshots() []Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Snapshot, len(b.order))
	for i, id := range b.order {
		out[i] = b.tracks[id].Snapshot()
	}
	return out
}

// SetMeasurement fills the pending slot of track id, replacing any
// measurement already assigned this tick.
func (b *Bank) SetMeasurement(id int64, m Measurement) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tracks[id]
	if !ok {
		return ErrUnknownTrack
	}
	t.Pending = &m
	return nil
}

// SetProcessNoise reconfigures q on every track and on future spawns.
func (b *Bank) SetProcessNoise(q float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Filter.ProcessNoise = q
	for _, t := range b.tracks {
		t.Filter.SetProcessNoise(q)
	}
}

// SetMeasurementNoise reconfigures R on every track and on future spawns.
func (b *Bank) SetMeasurementNoise(rx, rz float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Filter.MeasurementNoiseX = rx
	b.cfg.Filter.MeasurementNoiseZ = rz
	for _, t := range b.tracks {
		t.Filter.SetMeasurementNoise(rx, rz)
	}
}

// Predict advances every track one tick.
func (b *Bank) Predict() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		b.tracks[id].Filter.Predict()
	}
}

// Correct applies and clears every pending measurement, then removes
// tracks whose positional variance has diverged. Tracks spawned since the
// previous Correct are exempt from removal. It returns the removed ids.
func (b *Bank) Correct(now time.Time) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed []int64
	for _, id := range append([]int64(nil), b.order...) {
		t := b.tracks[id]

		if t.Pending != nil {
			m := *t.Pending
			t.Pending = nil
			nis, err := t.Filter.Update(m)
			if err != nil {
				diagf("track %d: skipped update: %v", id, err)
			} else {
				t.Last = &m
				t.LastNIS = nis
				t.Updated = now
				t.Hits++
				t.Misses = 0
			}
		} else {
			t.Misses++
		}

		if t.fresh {
			t.fresh = false
			continue
		}
		if b.cfg.SelfDestruct {
			if pxx := t.Filter.P.At(0, 0); pxx > b.cfg.SelfDestructThreshold || math.IsNaN(pxx) {
				diagf("track %d diverged: P[0,0]=%.1f > %.1f, removing", id, pxx, b.cfg.SelfDestructThreshold)
				b.removeLocked(id)
				removed = append(removed, id)
			}
		}
	}
	return removed
}

// Tick runs one full filter cycle: predict every track, then Correct.
func (b *Bank) Tick(now time.Time) []int64 {
	b.Predict()
	return b.Correct(now)
}
