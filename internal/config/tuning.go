package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Localisation methods accepted by localisation_method.
const (
	LocalisationCluster = "cluster"
	LocalisationKalman  = "kalman"
)

// Motion models accepted by motion_model.
const (
	MotionModelCV = "cv"
	MotionModelCA = "ca"
)

// TuningConfig represents the root configuration for tuning parameters.
// Every field is optional; the Get* accessors supply defaults so a partial
// JSON document is always usable.
type TuningConfig struct {
	// Pipeline params
	LocalisationMethod *string `json:"localisation_method,omitempty"` // "cluster" or "kalman"
	Labels             []int   `json:"labels,omitempty"`
	TickInterval       *string `json:"tick_interval,omitempty"` // duration string like "20ms"

	// Projector params
	StereoImage    *bool    `json:"stereo_image,omitempty"`
	MaxRayDistance *float64 `json:"max_ray_distance,omitempty"`

	// Clustering params
	DBSCANEps            *float64 `json:"dbscan_eps,omitempty"`
	DBSCANMinPts         *int     `json:"dbscan_min_pts,omitempty"`
	ClusterTimeBudget    *string  `json:"cluster_time_budget,omitempty"`
	GeneralPointLifetime *string  `json:"general_point_lifetime,omitempty"`
	NoiseLifetime        *string  `json:"noise_lifetime,omitempty"`
	ObjectLifetime       *string  `json:"object_lifetime,omitempty"`
	ObjectMatchDistance  *float64 `json:"object_match_distance,omitempty"`

	// Kalman params
	MotionModel           *string  `json:"motion_model,omitempty"` // "cv" or "ca"
	ProcessNoise          *float64 `json:"process_noise,omitempty"`
	MeasurementNoiseX     *float64 `json:"measurement_noise_x,omitempty"`
	MeasurementNoiseZ     *float64 `json:"measurement_noise_z,omitempty"`
	SelfDestruct          *bool    `json:"self_destruct,omitempty"`
	SelfDestructThreshold *float64 `json:"self_destruct_threshold,omitempty"`
	GateSigmaMultiplier   *float64 `json:"gate_sigma_multiplier,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/storage/sqlite/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate rejects values that cannot be parsed or are physically
// meaningless. Degenerate clustering params (eps 0, huge min pts) are
// accepted and produce all-noise output.
func (c *TuningConfig) Validate() error {
	if c.LocalisationMethod != nil {
		switch *c.LocalisationMethod {
		case LocalisationCluster, LocalisationKalman:
		default:
			return fmt.Errorf("localisation_method must be %q or %q, got %q",
				LocalisationCluster, LocalisationKalman, *c.LocalisationMethod)
		}
	}

	if c.MotionModel != nil {
		switch *c.MotionModel {
		case MotionModelCV, MotionModelCA:
		default:
			return fmt.Errorf("motion_model must be %q or %q, got %q", MotionModelCV, MotionModelCA, *c.MotionModel)
		}
	}

	// tick_interval drives Ts, so it must be strictly positive.
	if c.TickInterval != nil && *c.TickInterval != "" {
		d, err := time.ParseDuration(*c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", d)
		}
	}

	durations := []struct {
		name  string
		value *string
	}{
		{"cluster_time_budget", c.ClusterTimeBudget},
		{"general_point_lifetime", c.GeneralPointLifetime},
		{"noise_lifetime", c.NoiseLifetime},
		{"object_lifetime", c.ObjectLifetime},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if parsed < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, parsed)
		}
	}

	nonNegative := []struct {
		name  string
		value *float64
	}{
		{"max_ray_distance", c.MaxRayDistance},
		{"dbscan_eps", c.DBSCANEps},
		{"object_match_distance", c.ObjectMatchDistance},
		{"process_noise", c.ProcessNoise},
		{"measurement_noise_x", c.MeasurementNoiseX},
		{"measurement_noise_z", c.MeasurementNoiseZ},
		{"self_destruct_threshold", c.SelfDestructThreshold},
		{"gate_sigma_multiplier", c.GateSigmaMultiplier},
	}
	for _, f := range nonNegative {
		if f.value != nil && *f.value < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", f.name, *f.value)
		}
	}

	if c.DBSCANMinPts != nil && *c.DBSCANMinPts < 0 {
		return fmt.Errorf("dbscan_min_pts must be non-negative, got %d", *c.DBSCANMinPts)
	}

	return nil
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetLocalisationMethod returns the localisation_method value or the default.
func (c *TuningConfig) GetLocalisationMethod() string {
	if c.LocalisationMethod == nil {
		return LocalisationKalman // default
	}
	return *c.LocalisationMethod
}

// GetLabels returns the label allow-list or the default (class 0 only).
func (c *TuningConfig) GetLabels() []int {
	if len(c.Labels) == 0 {
		return []int{0}
	}
	out := make([]int, len(c.Labels))
	copy(out, c.Labels)
	return out
}

// GetTickInterval parses and returns tick_interval as a time.Duration.
func (c *TuningConfig) GetTickInterval() time.Duration {
	d := parseDurationOr(c.TickInterval, 20*time.Millisecond)
	if d <= 0 {
		return 20 * time.Millisecond
	}
	return d
}

// GetStereoImage returns the stereo_image value or the default.
func (c *TuningConfig) GetStereoImage() bool {
	if c.StereoImage == nil {
		return false // default: monocular
	}
	return *c.StereoImage
}

// GetMaxRayDistance returns the max_ray_distance value or the default.
func (c *TuningConfig) GetMaxRayDistance() float64 {
	if c.MaxRayDistance == nil {
		return 30.0
	}
	return *c.MaxRayDistance
}

// GetDBSCANEps returns the dbscan_eps value or the default.
func (c *TuningConfig) GetDBSCANEps() float64 {
	if c.DBSCANEps == nil {
		return 1.0
	}
	return *c.DBSCANEps
}

// GetDBSCANMinPts returns the dbscan_min_pts value or the default.
func (c *TuningConfig) GetDBSCANMinPts() int {
	if c.DBSCANMinPts == nil {
		return 3
	}
	return *c.DBSCANMinPts
}

// GetClusterTimeBudget returns the per-step clustering budget.
func (c *TuningConfig) GetClusterTimeBudget() time.Duration {
	return parseDurationOr(c.ClusterTimeBudget, 5*time.Millisecond)
}

// GetGeneralPointLifetime returns the retention window for all points.
func (c *TuningConfig) GetGeneralPointLifetime() time.Duration {
	return parseDurationOr(c.GeneralPointLifetime, 30*time.Second)
}

// GetNoiseLifetime returns the retention window for noise points.
func (c *TuningConfig) GetNoiseLifetime() time.Duration {
	return parseDurationOr(c.NoiseLifetime, 5*time.Second)
}

// GetObjectLifetime returns the idle lifetime of placed objects.
func (c *TuningConfig) GetObjectLifetime() time.Duration {
	return parseDurationOr(c.ObjectLifetime, 30*time.Second)
}

// GetObjectMatchDistance returns the object_match_distance value or the default.
func (c *TuningConfig) GetObjectMatchDistance() float64 {
	if c.ObjectMatchDistance == nil {
		return 1.0
	}
	return *c.ObjectMatchDistance
}

// GetMotionModel returns the motion_model value or the default.
func (c *TuningConfig) GetMotionModel() string {
	if c.MotionModel == nil {
		return MotionModelCV
	}
	return *c.MotionModel
}

// GetProcessNoise returns the process_noise value or the default.
func (c *TuningConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return 30.0
	}
	return *c.ProcessNoise
}

// GetMeasurementNoiseX returns the measurement_noise_x value or the default.
func (c *TuningConfig) GetMeasurementNoiseX() float64 {
	if c.MeasurementNoiseX == nil {
		return 10.0
	}
	return *c.MeasurementNoiseX
}

// GetMeasurementNoiseZ returns the measurement_noise_z value or the default.
func (c *TuningConfig) GetMeasurementNoiseZ() float64 {
	if c.MeasurementNoiseZ == nil {
		return 10.0
	}
	return *c.MeasurementNoiseZ
}

// GetSelfDestruct returns the self_destruct value or the default.
func (c *TuningConfig) GetSelfDestruct() bool {
	if c.SelfDestruct == nil {
		return true // default
	}
	return *c.SelfDestruct
}

// GetSelfDestructThreshold returns the self_destruct_threshold value or the default.
func (c *TuningConfig) GetSelfDestructThreshold() float64 {
	if c.SelfDestructThreshold == nil {
		return 500.0
	}
	return *c.SelfDestructThreshold
}

// GetGateSigmaMultiplier returns the gate_sigma_multiplier value or the default.
func (c *TuningConfig) GetGateSigmaMultiplier() float64 {
	if c.GateSigmaMultiplier == nil {
		return 2.0
	}
	return *c.GateSigmaMultiplier
}
