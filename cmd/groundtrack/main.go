// Command groundtrack localises camera detections on the ground plane and
// tracks them, from a simulated scene or a recorded detections file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/banshee-data/groundtrack/internal/camera"
	"github.com/banshee-data/groundtrack/internal/config"
	"github.com/banshee-data/groundtrack/internal/export"
	"github.com/banshee-data/groundtrack/internal/monitoring"
	"github.com/banshee-data/groundtrack/internal/pipeline"
	"github.com/banshee-data/groundtrack/internal/publish"
	"github.com/banshee-data/groundtrack/internal/simulator"
	"github.com/banshee-data/groundtrack/internal/storage/sqlite"
	"github.com/banshee-data/groundtrack/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Tuning config JSON file")
	sourceKind  = flag.String("source", "sim", "Detection source: sim or file")
	detections  = flag.String("detections", "", "JSONL detections file (one JSON array per tick) for -source file")
	ticks       = flag.Int("ticks", 500, "Simulated ticks to run (0 runs until interrupted)")
	fast        = flag.Bool("fast", false, "Step the simulator as fast as possible instead of on the wall clock")
	dbPath      = flag.String("db", "", "SQLite database to record tracks and objects into")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	mqttPrefix  = flag.String("mqtt-prefix", publish.DefaultPrefix, "MQTT topic prefix")
	plotPath    = flag.String("plot", "", "Write a PNG trajectory plot here at the end of the run")
	geojsonPath = flag.String("geojson", "", "Write the last frame as GeoJSON here at the end of the run")
	csvPath     = flag.String("csv", "", "Write the kalman state log (simulator only) here")
	showVersion = flag.Bool("version", false, "Print version and exit")
	verbose     = flag.Bool("v", false, "Enable diagnostic logging")

	simActors = flag.Int("sim-actors", 3, "Number of simulated actors")
	simNoise  = flag.Float64("sim-noise", 0.05, "Simulated measurement noise standard deviation (m)")
	simSpeed  = flag.Float64("sim-speed", 1.4, "Simulated actor speed (m/s)")
	simExtent = flag.Float64("sim-extent", 4, "Half width of the simulated spawn area (m)")
	simSeed   = flag.Uint64("seed", 1, "Simulator seed")
	simClass  = flag.Int("sim-class", 0, "Class index of simulated detections")

	camHeight   = flag.Float64("camera-height", 3, "Camera height above the ground (m)")
	camDistance = flag.Float64("camera-distance", 10, "Camera distance behind the origin along -z (m)")
	camPitch    = flag.Float64("camera-pitch", 25, "Camera pitch down from horizontal (degrees)")
	camYaw      = flag.Float64("camera-yaw", 0, "Camera yaw about +y (degrees)")
	camFOV      = flag.Float64("camera-fov", 60, "Camera vertical field of view (degrees)")
	imageWidth  = flag.Int("image-width", 1280, "Image width (px)")
	imageHeight = flag.Int("image-height", 720, "Image height (px)")
)

// options is the parsed command line.
type options struct {
	ConfigPath string
	Source     string
	Detections string
	Ticks      int
	Fast       bool
	DBPath     string
	MQTTBroker string
	MQTTPrefix string
	PlotPath   string
	GeoJSON    string
	CSVPath    string

	SimActors int
	SimNoise  float64
	SimSpeed  float64
	SimExtent float64
	Seed      uint64
	Class     int

	Camera camera.PinholeCamera
}

func optionsFromFlags() options {
	deg := math.Pi / 180
	return options{
		ConfigPath: *configPath,
		Source:     *sourceKind,
		Detections: *detections,
		Ticks:      *ticks,
		Fast:       *fast,
		DBPath:     *dbPath,
		MQTTBroker: *mqttBroker,
		MQTTPrefix: *mqttPrefix,
		PlotPath:   *plotPath,
		GeoJSON:    *geojsonPath,
		CSVPath:    *csvPath,
		SimActors:  *simActors,
		SimNoise:   *simNoise,
		SimSpeed:   *simSpeed,
		SimExtent:  *simExtent,
		Seed:       *simSeed,
		Class:      *simClass,
		Camera: camera.PinholeCamera{
			Pos:         r3.Vector{X: 0, Y: *camHeight, Z: -*camDistance},
			Yaw:         *camYaw * deg,
			Pitch:       *camPitch * deg,
			VerticalFOV: *camFOV * deg,
			Width:       *imageWidth,
			Height:      *imageHeight,
		},
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	writers := pipeline.LogWriters{Ops: os.Stderr}
	if *verbose {
		writers.Diag = os.Stderr
	}
	pipeline.SetLogWriters(writers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, optionsFromFlags()); err != nil {
		log.Fatalf("groundtrack: %v", err)
	}
}

// run wires the pipeline to its source and sinks and drives it to
// completion.
func run(ctx context.Context, opts options) error {
	tuning, err := config.LoadTuningConfig(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := pipeline.ConfigFromTuning(tuning)
	cam := opts.Camera

	registry := gometrics.NewRegistry()
	p := pipeline.New(cfg, &cam, nil, registry)
	monitoring.Logf("%s: %s localisation over labels %v every %v", version.String(), cfg.Method, cfg.Labels, cfg.TickInterval)

	var (
		src  pipeline.Source
		sim  *simulator.Simulator
		done []func() error
	)
	defer func() {
		for i := len(done) - 1; i >= 0; i-- {
			if err := done[i](); err != nil {
				monitoring.Logf("shutdown: %v", err)
			}
		}
	}()

	switch opts.Source {
	case "sim":
		sim = simulator.New(opts.SimNoise, opts.Seed)
		sim.SpawnRandom(opts.SimActors, opts.SimExtent, opts.SimSpeed)
		src = &simulator.Source{Sim: sim, Cam: &cam, Class: opts.Class, Dt: cfg.TickInterval, Ticks: opts.Ticks}
	case "file":
		if opts.Detections == "" {
			return errors.New("-source file requires -detections")
		}
		f, err := os.Open(opts.Detections)
		if err != nil {
			return fmt.Errorf("opening detections: %w", err)
		}
		done = append(done, f.Close)
		src = pipeline.NewJSONLSource(f)
	default:
		return fmt.Errorf("unknown source %q (want sim or file)", opts.Source)
	}

	var sinks []pipeline.Sink

	if opts.DBPath != "" {
		store, err := sqlite.Open(opts.DBPath)
		if err != nil {
			return err
		}
		done = append(done, store.Close)
		if err := store.MigrateUp(); err != nil {
			return err
		}
		runID, err := store.StartRun(sqlite.RunParams{Method: cfg.Method, StartedAt: time.Now(), Params: tuning})
		if err != nil {
			return err
		}
		monitoring.Logf("recording run %s to %s", runID, opts.DBPath)
		sinks = append(sinks, storeSink(store, runID))
	}

	if opts.MQTTBroker != "" {
		client, err := publish.Connect(opts.MQTTBroker, opts.MQTTPrefix, 10*time.Second)
		if err != nil {
			return err
		}
		done = append(done, func() error { client.Disconnect(250); return nil })
		sinks = append(sinks, publishSink(publish.NewPublisher(client, opts.MQTTPrefix), cfg.Method))
	}

	var plotter *export.TrackPlotter
	if opts.PlotPath != "" {
		plotter = export.NewTrackPlotter(fmt.Sprintf("groundtrack %s", cfg.Method))
		sinks = append(sinks, plotSink(plotter))
	}

	last := &lastFrame{}
	if opts.GeoJSON != "" {
		sinks = append(sinks, last)
	}

	var eval *evalSink
	if sim != nil {
		eval = newEvalSink(p, sim, plotter)
		if opts.CSVPath != "" {
			f, err := os.Create(opts.CSVPath)
			if err != nil {
				return fmt.Errorf("creating csv: %w", err)
			}
			done = append(done, f.Close)
			eval.csv = export.NewCSVWriter(f)
			done = append(done, eval.csv.Flush)
		}
		sinks = append(sinks, eval)
	} else if opts.CSVPath != "" {
		monitoring.Logf("-csv needs simulator ground truth; ignoring for -source %s", opts.Source)
	}

	if sim != nil && !opts.Fast {
		err = p.Run(ctx, src, sinks...)
	} else {
		err = p.Replay(ctx, src, time.Now(), sinks...)
	}
	if err != nil {
		return err
	}

	if plotter != nil {
		if err := plotter.Save(opts.PlotPath); err != nil {
			return err
		}
		monitoring.Logf("wrote %d track trajectories to %s", plotter.Len(), opts.PlotPath)
	}
	if opts.GeoJSON != "" {
		f := last.frame
		if err := export.WriteGeoJSON(opts.GeoJSON, export.GeoJSON(f.Clusters, f.Objects, f.Tracks)); err != nil {
			return err
		}
	}
	if eval != nil {
		monitoring.Logf("evaluation %s", eval.evaluator.Summary())
		monitoring.Logf("measurement noise %s", eval.noise.Estimate())
	}
	monitoring.Logf("metrics %v", p.Metrics().Counts())
	return nil
}
