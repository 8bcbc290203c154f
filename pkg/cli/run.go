package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/vision-runner/pkg/config"
	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/detection"
	"github.com/devicelab-dev/vision-runner/pkg/device"
	"github.com/devicelab-dev/vision-runner/pkg/driver/mock"
	"github.com/devicelab-dev/vision-runner/pkg/engine"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
	"github.com/devicelab-dev/vision-runner/pkg/report"
	"github.com/devicelab-dev/vision-runner/pkg/script"
	"github.com/devicelab-dev/vision-runner/pkg/store"
)

// finalFlushTimeout bounds the flush performed after the last script.
const finalFlushTimeout = 30 * time.Second

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run scripts on one or more devices",
	ArgsUsage: "<script-file-or-folder>...",
	Description: `Run one or more scripts (.json, .yaml, .yml) on every selected device.
Devices run in parallel, up to the adaptive concurrency threshold.

Examples:
  vision-runner run daily.json
  vision-runner run scripts/ --project game-a
  vision-runner --device emulator-5554 run login.yaml --store none

  # Dry run against a mock device that sees every candidate
  vision-runner run --mock daily.json

  # Mock device that never sees "navigation-fight"
  vision-runner run --mock --mock-hide navigation-fight daily.json`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "project",
			Usage: "Project name recorded with every detection (overrides the script)",
		},
		&cli.StringFlag{
			Name:  "scenario",
			Usage: "Scenario recorded with every detection (overrides the script)",
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Record store: sqlite, monitor, none",
			EnvVars: []string{"VISION_STORE"},
		},
		&cli.StringFlag{
			Name:  "db",
			Usage: "SQLite database path (sqlite store)",
		},
		&cli.StringFlag{
			Name:  "monitor-url",
			Usage: "Monitor API base URL (monitor store)",
		},
		&cli.StringFlag{
			Name:  "screenshot-dir",
			Usage: "Save frames of failed detections under this directory",
		},
		&cli.IntFlag{
			Name:  "max-concurrency",
			Usage: "Upper bound on devices running at once (0 = adaptive)",
		},
		&cli.BoolFlag{
			Name:  "fail-fast",
			Usage: "Skip remaining devices once one device fails",
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "Write a JSON report to <output>/<timestamp>/",
		},
		&cli.BoolFlag{
			Name:  "flatten",
			Usage: "Don't create timestamp subfolder (requires --output)",
		},
		&cli.BoolFlag{
			Name:  "mock",
			Usage: "Use mock devices and a mock detector (dry run)",
		},
		&cli.StringSliceFlag{
			Name:  "mock-hide",
			Usage: "Classes the mock detector never finds",
		},
	},
	Action: runScripts,
}

// RunConfig holds everything resolved from flags and configuration for a run.
type RunConfig struct {
	Config        *config.Config
	ScriptPaths   []string
	Project       string
	Scenario      string
	MaxConcurrent int
	FailFast      bool
	Mock          bool
	MockHidden    []string
	OutputDir     string // "" = no report
	Out           io.Writer
}

func runScripts(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("at least one script file or folder is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if v := c.String("store"); v != "" {
		cfg.Store.Backend = v
	}
	if v := c.String("db"); v != "" {
		cfg.Store.Path = v
	}
	if v := c.String("monitor-url"); v != "" {
		cfg.Store.MonitorURL = v
	}
	if v := c.String("screenshot-dir"); v != "" {
		cfg.Execution.ScreenshotDir = v
	}

	outputDir, err := resolveOutputDir(c.String("output"), c.Bool("flatten"))
	if err != nil {
		return err
	}

	return executeRun(&RunConfig{
		Config:        cfg,
		ScriptPaths:   c.Args().Slice(),
		Project:       c.String("project"),
		Scenario:      c.String("scenario"),
		MaxConcurrent: c.Int("max-concurrency"),
		FailFast:      c.Bool("fail-fast"),
		Mock:          c.Bool("mock"),
		MockHidden:    c.StringSlice("mock-hide"),
		OutputDir:     outputDir,
		Out:           c.App.Writer,
	})
}

func executeRun(rc *RunConfig) error {
	cfg := rc.Config
	if rc.Out == nil {
		rc.Out = os.Stdout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	initLogging(cfg)
	defer logger.Close()
	logger.Info("=== vision-runner %s started ===", Version)

	scripts, err := loadScripts(rc.ScriptPaths)
	if err != nil {
		logger.Error("Script validation failed: %v", err)
		return err
	}
	logger.Info("Validated %d script(s)", len(scripts))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persistence, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	detector, devices, err := setupDevices(ctx, rc, scripts)
	if err != nil {
		logger.Error("Device setup failed: %v", err)
		return err
	}

	var reports *report.Writer
	if rc.OutputDir != "" {
		driver := "adb"
		if rc.Mock {
			driver = "mock"
		}
		if reports, err = report.NewWriter(rc.OutputDir, report.RunnerInfo{Version: Version, Driver: driver}); err != nil {
			return err
		}
	}

	opts := engine.OptionsFromConfig(cfg)
	opts.MaxConcurrency = rc.MaxConcurrent
	opts.FailFast = rc.FailFast
	eng := engine.New(detector, persistence, opts)
	eng.Start(ctx)

	out := newPrinter(rc.Out)
	failed := 0
	for i, s := range scripts {
		if ctx.Err() != nil {
			logger.Warn("Interrupted, skipping %d remaining script(s)", len(scripts)-i)
			break
		}

		settings := s.ExecutorSettings(cfg.ExecutorSettings())
		if settings.ProjectName == "" {
			settings.ProjectName = s.Name
		}
		if rc.Project != "" {
			settings.ProjectName = rc.Project
		}
		if rc.Scenario != "" {
			settings.Scenario = rc.Scenario
		}

		out.scriptStart(i, len(scripts), s, len(devices))
		res, err := eng.RunDevices(ctx, devices, s.ExecutorSteps(), engine.RunConfig{
			Settings:       settings,
			OnStepComplete: out.stepComplete,
		})
		if err != nil {
			logger.Error("Script %s failed to run: %v", s.Name, err)
			failed++
			continue
		}
		out.runSummary(res)
		if reports != nil {
			info := report.ScriptInfo{Name: s.Name, SourceFile: s.SourcePath, Project: settings.ProjectName, Scenario: settings.Scenario}
			if err := reports.AddScript(info, res); err != nil {
				logger.Warn("Failed to write report for %s: %v", s.Name, err)
			}
		}
		if res.Status != core.StatusPassed {
			failed++
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	flushed := eng.Close(flushCtx)
	out.engineStats(eng.Stats(), flushed)

	if reports != nil {
		if err := reports.End(); err != nil {
			logger.Warn("Failed to finalize report: %v", err)
		}
		out.printf("\nReport: %s\n", filepath.Join(reports.Dir(), "report.json"))
	}

	logger.Info("Run completed: %d/%d script(s) failed", failed, len(scripts))
	if failed > 0 {
		return fmt.Errorf("%d of %d script(s) failed", failed, len(scripts))
	}
	return nil
}

// resolveOutputDir determines the report directory based on flags.
// - No --output: no report
// - --output given: <output>/<timestamp>/
// - --output + --flatten: <output>/ (error if --output not given)
func resolveOutputDir(output string, flatten bool) (string, error) {
	if flatten && output == "" {
		return "", fmt.Errorf("--flatten requires --output to be specified")
	}
	if output == "" {
		return "", nil
	}
	if flatten {
		return filepath.Clean(output), nil
	}

	// Create timestamp-based subfolder
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(output, timestamp), nil
}

// loadScripts discovers, parses and validates every script under paths.
func loadScripts(paths []string) ([]*script.Script, error) {
	var files []string
	for _, p := range paths {
		found, err := script.Discover(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no script files found")
	}

	var scripts []*script.Script
	var errs []error
	for _, f := range files {
		s, err := script.ParseFile(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if verrs := s.Validate(); len(verrs) > 0 {
			errs = append(errs, verrs...)
			continue
		}
		scripts = append(scripts, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return scripts, nil
}

// openStore opens the configured persistence backend.
func openStore(cfg *config.Config) (core.Persistence, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open record store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close record store: %v", err)
			}
		}, nil
	case config.StoreMonitor:
		var opts []store.MonitorOption
		if cfg.Store.MonitorToken != "" {
			opts = append(opts, store.WithToken(cfg.Store.MonitorToken))
		}
		return store.NewMonitorClient(cfg.Store.MonitorURL, opts...), func() {}, nil
	default:
		return store.Discard{}, func() {}, nil
	}
}

// setupDevices connects the detector and device controllers for a run.
func setupDevices(ctx context.Context, rc *RunConfig, scripts []*script.Script) (core.Detector, []core.DeviceController, error) {
	cfg := rc.Config
	if rc.Mock {
		return mockSetup(cfg.Devices, rc.MockHidden, scripts)
	}

	serials := cfg.Devices
	if len(serials) == 0 {
		infos, err := device.ListDevices(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, info := range infos {
			if info.State == "device" {
				serials = append(serials, info.Serial)
			}
		}
		if len(serials) == 0 {
			return nil, nil, fmt.Errorf("no connected devices found")
		}
	}

	var devices []core.DeviceController
	for _, serial := range serials {
		d, err := device.New(ctx, serial)
		if err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", serial, err)
		}
		logger.Info("Connected to device %s", d.DeviceID())
		devices = append(devices, d)
	}
	return detection.NewHTTPDetector(cfg.Detector.Endpoint, cfg.Detector.Timeout), devices, nil
}

// mockSetup builds mock devices and a detector that sees every class the
// scripts reference, except hidden ones.
func mockSetup(serials, hidden []string, scripts []*script.Script) (core.Detector, []core.DeviceController, error) {
	if len(serials) == 0 {
		serials = []string{"mock-device"}
	}

	skip := make(map[string]bool, len(hidden))
	for _, h := range hidden {
		skip[h] = true
	}
	det := mock.NewDetector()
	for _, s := range scripts {
		for _, class := range s.Classes() {
			if !skip[class] {
				det.Show(class, core.Point{X: 54, Y: 120}, 0.95)
			}
		}
	}

	devices := make([]core.DeviceController, 0, len(serials))
	for _, serial := range serials {
		devices = append(devices, mock.New(mock.Config{DeviceID: serial}))
	}
	logger.Info("Using %d mock device(s)", len(devices))
	return det, devices, nil
}
