package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/vision-runner/pkg/device"
	"github.com/devicelab-dev/vision-runner/pkg/store"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Parse and validate scripts without running them",
	ArgsUsage: "<script-file-or-folder>...",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return fmt.Errorf("at least one script file or folder is required")
		}
		scripts, err := loadScripts(c.Args().Slice())
		if err != nil {
			return err
		}
		w := c.App.Writer
		for _, s := range scripts {
			fmt.Fprintf(w, "  %s✓%s %s (%s): %d steps, %d classes\n",
				color(colorGreen), color(colorReset), s.Name, s.SourcePath, len(s.Steps), len(s.Classes()))
		}
		return nil
	},
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "Show per-class detection statistics from the SQLite store",
	Description: `Aggregates stored execution records by target class. Classes that rarely
succeed are candidates for moving down a step's priority list.

Examples:
  vision-runner stats
  vision-runner stats --project game-a --json`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "project",
			Usage: "Only records of this project",
		},
		&cli.StringFlag{
			Name:  "db",
			Usage: "SQLite database path",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print JSON instead of a table",
		},
	},
	Action: runStats,
}

func runStats(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path := cfg.Store.Path
	if v := c.String("db"); v != "" {
		path = v
	}

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer s.Close()

	project := c.String("project")
	total, err := s.Count(c.Context, project)
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	stats, err := s.ClassStats(c.Context, project)
	if err != nil {
		return err
	}

	w := c.App.Writer
	if c.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Project string            `json:"project,omitempty"`
			Records int               `json:"records"`
			Classes []store.ClassStat `json:"classes"`
		}{project, total, stats})
	}

	fmt.Fprintf(w, "%d records in %s\n\n", total, s.Path())
	if len(stats) == 0 {
		return nil
	}
	fmt.Fprintf(w, "  %-28s %8s %8s %8s %10s %6s  %s\n",
		"Class", "Attempts", "Success", "Rate", "Avg time", "Conf", "Last seen")
	for _, st := range stats {
		rateColor := color(colorGreen)
		switch {
		case st.SuccessRate < 0.5:
			rateColor = color(colorRed)
		case st.SuccessRate < 0.8:
			rateColor = color(colorYellow)
		}
		fmt.Fprintf(w, "  %-28s %8d %8d %s%7.1f%%%s %10s %6.2f  %s\n",
			st.ButtonClass, st.Attempts, st.Successes,
			rateColor, st.SuccessRate*100, color(colorReset),
			formatDuration(int64(st.AvgDetectionMs)), st.AvgConfidence,
			st.LastAttemptedAt.Local().Format(time.DateTime))
	}
	return nil
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List devices visible to adb",
	Action: func(c *cli.Context) error {
		infos, err := device.ListDevices(c.Context)
		if err != nil {
			return err
		}
		w := c.App.Writer
		if len(infos) == 0 {
			fmt.Fprintln(w, "No devices found")
			return nil
		}
		for _, d := range infos {
			kind := "device"
			if d.IsEmulator {
				kind = "emulator"
			}
			fmt.Fprintf(w, "  %-24s %-12s %-20s %s\n", d.Serial, d.State, d.Model, kind)
		}
		return nil
	},
}
