// Package cli provides the command-line interface for vision-runner.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/vision-runner/pkg/config"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "Path to config.yaml (default: ./config.yaml if present)",
		EnvVars: []string{"VISION_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "env-file",
		Usage:   "Dotenv file loaded before VISION_* variables are read",
		Value:   ".env",
		EnvVars: []string{"VISION_ENV_FILE"},
	},
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"serial", "s"},
		Usage:   "Device serial to run on (can be comma-separated)",
		EnvVars: []string{"VISION_DEVICE"},
	},
	&cli.StringFlag{
		Name:    "detector-url",
		Usage:   "Detection service endpoint",
		EnvVars: []string{"VISION_DETECTOR_URL"},
	},
	&cli.StringFlag{
		Name:  "log-file",
		Usage: "Log file (default: <home>/logs/vision-runner.log)",
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"VISION_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// NewApp builds the CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "vision-runner",
		Usage:   "Vision-driven UI automation for Android devices",
		Version: Version,
		Description: `vision-runner replays scripts whose steps name UI targets by detector
class. Each step tries its candidates in priority order, acts on the first
one found on screen, and falls back to a fixed action when none is found.
Every detection attempt is recorded.

Examples:
  vision-runner run daily.json
  vision-runner --device emulator-5554,emulator-5556 run scripts/
  vision-runner run --mock daily.yaml
  vision-runner stats --project game-a`,
		Flags: GlobalFlags,
		Before: func(c *cli.Context) error {
			if c.Bool("no-ansi") {
				colorsEnabled = false
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand,
			validateCommand,
			statsCommand,
			devicesCommand,
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then .env and VISION_* variables, then global flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return nil, err
	}

	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()

	if devices := parseDevices(c.String("device")); len(devices) > 0 {
		cfg.Devices = devices
	}
	if url := c.String("detector-url"); url != "" {
		cfg.Detector.Endpoint = url
	}
	if path := c.String("log-file"); path != "" {
		cfg.LogFile = path
	}
	if c.Bool("verbose") {
		cfg.Debug = true
	}
	return cfg, nil
}

// initLogging opens the log file named by cfg, or <home>/logs/vision-runner.log.
func initLogging(cfg *config.Config) {
	path := cfg.LogFile
	if path == "" {
		path = filepath.Join(config.GetLogDir(), "vision-runner.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Printf("Warning: Failed to create log directory: %v\n", err)
	}
	if err := logger.Init(path); err != nil {
		fmt.Printf("Warning: Failed to initialize logger: %v\n", err)
	}
	logger.SetDebug(cfg.Debug)
}

// parseDevices splits a comma-separated --device value.
func parseDevices(deviceFlag string) []string {
	if deviceFlag == "" {
		return nil
	}
	var devices []string
	for _, d := range strings.Split(deviceFlag, ",") {
		if d = strings.TrimSpace(d); d != "" {
			devices = append(devices, d)
		}
	}
	return devices
}
