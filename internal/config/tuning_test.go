package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmptyTuningConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if cfg.GetLocalisationMethod() != LocalisationKalman {
		t.Errorf("Expected default localisation kalman, got %q", cfg.GetLocalisationMethod())
	}
	if got := cfg.GetLabels(); len(got) != 1 || got[0] != 0 {
		t.Errorf("Expected default labels [0], got %v", got)
	}
	if cfg.GetTickInterval() != 20*time.Millisecond {
		t.Errorf("Expected 20ms tick, got %v", cfg.GetTickInterval())
	}
	if cfg.GetMaxRayDistance() != 30.0 {
		t.Errorf("Expected 30, got %f", cfg.GetMaxRayDistance())
	}
	if cfg.GetDBSCANEps() != 1.0 {
		t.Errorf("Expected eps 1, got %f", cfg.GetDBSCANEps())
	}
	if cfg.GetDBSCANMinPts() != 3 {
		t.Errorf("Expected min pts 3, got %d", cfg.GetDBSCANMinPts())
	}
	if cfg.GetClusterTimeBudget() != 5*time.Millisecond {
		t.Errorf("Expected 5ms budget, got %v", cfg.GetClusterTimeBudget())
	}
	if cfg.GetGeneralPointLifetime() != 30*time.Second {
		t.Errorf("Expected 30s, got %v", cfg.GetGeneralPointLifetime())
	}
	if cfg.GetNoiseLifetime() != 5*time.Second {
		t.Errorf("Expected 5s, got %v", cfg.GetNoiseLifetime())
	}
	if cfg.GetObjectLifetime() != 30*time.Second {
		t.Errorf("Expected 30s, got %v", cfg.GetObjectLifetime())
	}
	if cfg.GetMotionModel() != MotionModelCV {
		t.Errorf("Expected cv, got %q", cfg.GetMotionModel())
	}
	if cfg.GetProcessNoise() != 30.0 {
		t.Errorf("Expected process noise 30, got %f", cfg.GetProcessNoise())
	}
	if cfg.GetMeasurementNoiseX() != 10.0 || cfg.GetMeasurementNoiseZ() != 10.0 {
		t.Errorf("Expected measurement noise 10/10, got %f/%f", cfg.GetMeasurementNoiseX(), cfg.GetMeasurementNoiseZ())
	}
	if !cfg.GetSelfDestruct() {
		t.Error("Expected self destruct enabled by default")
	}
	if cfg.GetSelfDestructThreshold() != 500.0 {
		t.Errorf("Expected threshold 500, got %f", cfg.GetSelfDestructThreshold())
	}
	if cfg.GetGateSigmaMultiplier() != 2.0 {
		t.Errorf("Expected gate multiplier 2, got %f", cfg.GetGateSigmaMultiplier())
	}
	if cfg.GetStereoImage() {
		t.Error("Expected stereo disabled by default")
	}
}

func TestGetLabelsReturnsCopy(t *testing.T) {
	cfg := &TuningConfig{Labels: []int{1, 2}}
	got := cfg.GetLabels()
	got[0] = 99
	if cfg.Labels[0] != 1 {
		t.Errorf("GetLabels leaked internal slice, Labels[0] = %d", cfg.Labels[0])
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.json")

	configJSON := `{
  "localisation_method": "cluster",
  "labels": [0, 3],
  "dbscan_eps": 0.5,
  "dbscan_min_pts": 4,
  "noise_lifetime": "2s",
  "motion_model": "ca",
  "self_destruct": false
}`
	if err := os.WriteFile(configPath, []byte(configJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetLocalisationMethod() != LocalisationCluster {
		t.Errorf("Expected cluster, got %q", cfg.GetLocalisationMethod())
	}
	if got := cfg.GetLabels(); len(got) != 2 || got[1] != 3 {
		t.Errorf("Expected labels [0 3], got %v", got)
	}
	if cfg.GetDBSCANEps() != 0.5 {
		t.Errorf("Expected 0.5, got %f", cfg.GetDBSCANEps())
	}
	if cfg.GetDBSCANMinPts() != 4 {
		t.Errorf("Expected 4, got %d", cfg.GetDBSCANMinPts())
	}
	if cfg.GetNoiseLifetime() != 2*time.Second {
		t.Errorf("Expected 2s, got %v", cfg.GetNoiseLifetime())
	}
	if cfg.GetMotionModel() != MotionModelCA {
		t.Errorf("Expected ca, got %q", cfg.GetMotionModel())
	}
	if cfg.GetSelfDestruct() {
		t.Error("Expected self destruct disabled")
	}
	// Untouched fields keep defaults.
	if cfg.GetObjectLifetime() != 30*time.Second {
		t.Errorf("Expected default 30s object lifetime, got %v", cfg.GetObjectLifetime())
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/config.json")
	if err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.json")

	if err := os.WriteFile(configPath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error for invalid JSON, got nil")
	}
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	_, err := LoadTuningConfig("/some/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-.json extension, got nil")
	}
}

func TestLoadTuningConfigRejectsLargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "large.json")

	largeData := make([]byte, 2*1024*1024) // 2MB
	if err := os.WriteFile(configPath, largeData, 0644); err != nil {
		t.Fatalf("Failed to write large file: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error for file size > 1MB, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{name: "empty", cfg: EmptyTuningConfig(), wantErr: false},
		{name: "valid cluster", cfg: &TuningConfig{LocalisationMethod: ptrString("cluster")}, wantErr: false},
		{name: "unknown localisation", cfg: &TuningConfig{LocalisationMethod: ptrString("radar")}, wantErr: true},
		{name: "unknown motion model", cfg: &TuningConfig{MotionModel: ptrString("jerk")}, wantErr: true},
		{name: "zero tick", cfg: &TuningConfig{TickInterval: ptrString("0s")}, wantErr: true},
		{name: "negative tick", cfg: &TuningConfig{TickInterval: ptrString("-1s")}, wantErr: true},
		{name: "bad tick", cfg: &TuningConfig{TickInterval: ptrString("soon")}, wantErr: true},
		{name: "negative lifetime", cfg: &TuningConfig{NoiseLifetime: ptrString("-5s")}, wantErr: true},
		{name: "bad budget", cfg: &TuningConfig{ClusterTimeBudget: ptrString("5 ms")}, wantErr: true},
		{name: "negative eps", cfg: &TuningConfig{DBSCANEps: ptrFloat64(-1)}, wantErr: true},
		{name: "zero eps allowed", cfg: &TuningConfig{DBSCANEps: ptrFloat64(0)}, wantErr: false},
		{name: "huge min pts allowed", cfg: &TuningConfig{DBSCANMinPts: ptrInt(1 << 20)}, wantErr: false},
		{name: "negative min pts", cfg: &TuningConfig{DBSCANMinPts: ptrInt(-1)}, wantErr: true},
		{name: "negative noise", cfg: &TuningConfig{MeasurementNoiseZ: ptrFloat64(-0.1)}, wantErr: true},
		{name: "self destruct flag", cfg: &TuningConfig{SelfDestruct: ptrBool(false)}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetTickIntervalFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		value *string
		want  time.Duration
	}{
		{name: "nil", value: nil, want: 20 * time.Millisecond},
		{name: "empty", value: ptrString(""), want: 20 * time.Millisecond},
		{name: "invalid", value: ptrString("bogus"), want: 20 * time.Millisecond},
		{name: "zero", value: ptrString("0s"), want: 20 * time.Millisecond},
		{name: "set", value: ptrString("1s"), want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &TuningConfig{TickInterval: tt.value}
			if got := cfg.GetTickInterval(); got != tt.want {
				t.Errorf("GetTickInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := LoadTuningConfig("../../config/tuning.defaults.json")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	// The defaults file and the Get* fallbacks must agree.
	empty := EmptyTuningConfig()
	if cfg.GetDBSCANEps() != empty.GetDBSCANEps() {
		t.Errorf("Expected eps %f, got %f", empty.GetDBSCANEps(), cfg.GetDBSCANEps())
	}
	if cfg.GetTickInterval() != empty.GetTickInterval() {
		t.Errorf("Expected tick %v, got %v", empty.GetTickInterval(), cfg.GetTickInterval())
	}
	if cfg.GetSelfDestructThreshold() != empty.GetSelfDestructThreshold() {
		t.Errorf("Expected threshold %f, got %f", empty.GetSelfDestructThreshold(), cfg.GetSelfDestructThreshold())
	}
	if cfg.GetProcessNoise() != empty.GetProcessNoise() {
		t.Errorf("Expected process noise %f, got %f", empty.GetProcessNoise(), cfg.GetProcessNoise())
	}
}

func TestLoadExampleConfigFile(t *testing.T) {
	cfg, err := LoadTuningConfig("../../config/tuning.example.json")
	if err != nil {
		t.Fatalf("Failed to load example: %v", err)
	}
	if cfg.GetLocalisationMethod() != LocalisationCluster {
		t.Errorf("Expected cluster, got %q", cfg.GetLocalisationMethod())
	}
	if !cfg.GetStereoImage() {
		t.Error("Expected stereo enabled")
	}
	if cfg.GetDBSCANMinPts() != 5 {
		t.Errorf("Expected 5, got %d", cfg.GetDBSCANMinPts())
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.GetMaxRayDistance() != 30.0 {
		t.Errorf("Expected 30, got %f", cfg.GetMaxRayDistance())
	}
}
