package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/engine"
	"github.com/devicelab-dev/vision-runner/pkg/executor"
	"github.com/devicelab-dev/vision-runner/pkg/script"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Slow step threshold in milliseconds (5 seconds)
const slowThresholdMs = 5000

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

// printer serializes live output from concurrent device workers.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) scriptStart(idx, total int, s *script.Script, devices int) {
	p.printf("\n  %s[%d/%d]%s %s%s%s (%s) on %d device(s)\n",
		color(colorCyan), idx+1, total, color(colorReset),
		color(colorBold), s.Name, color(colorReset), s.SourcePath, devices)
	p.printf("%s\n", strings.Repeat("─", 60))
}

func (p *printer) stepComplete(deviceID string, idx int, desc string, outcome *executor.StepOutcome) {
	durationMs := outcome.Duration.Milliseconds()
	durStr := formatDuration(durationMs)
	label := fmt.Sprintf("%s[%s]%s", color(colorGray), deviceID, color(colorReset))

	if !outcome.Succeeded() {
		p.printf("    %s %s✗%s %s (%s)\n", label, color(colorRed), color(colorReset), desc, durStr)
		if outcome.Err != nil {
			p.printf("      %s╰─%s %v\n", color(colorGray), color(colorReset), outcome.Err)
		}
		return
	}

	symbol := "✓"
	symbolColor := color(colorGreen)
	durColor := ""
	if durationMs >= slowThresholdMs {
		durColor = color(colorYellow)
		symbol = "⚠"
		symbolColor = color(colorYellow)
	}
	p.printf("    %s %s%s%s %s%s %s(%s)%s\n",
		label, symbolColor, symbol, color(colorReset), desc, matchSuffix(outcome), durColor, durStr, color(colorReset))
}

// matchSuffix names what satisfied a step: the matched candidate or the fallback.
func matchSuffix(outcome *executor.StepOutcome) string {
	switch {
	case outcome.Matched != nil:
		return fmt.Sprintf(" %s→ %s%s", color(colorDim), outcome.Matched.TargetClass, color(colorReset))
	case outcome.FallbackExecuted:
		return fmt.Sprintf(" %s→ fallback%s", color(colorDim), color(colorReset))
	}
	return ""
}

func (p *printer) runSummary(res *engine.RunResult) {
	p.printf("\n  %-24s %-8s %8s %6s %6s %6s\n", "Device", "Status", "Duration", "Passed", "Failed", "Skipped")
	for _, d := range res.Devices {
		p.printf("  %-24s %s%-8s%s %8s %6d %6d %6d\n",
			d.DeviceID, statusColor(d.Status), d.Status, color(colorReset), formatDuration(d.Duration),
			d.StepsPassed, d.StepsFailed, d.StepsSkipped)
		if d.Error != "" && d.Status != core.StatusPassed {
			p.printf("    %s╰─%s %s\n", color(colorGray), color(colorReset), d.Error)
		}
	}
	p.printf("\n  %s%s%s: %d/%d devices passed in %s (concurrency %d)\n",
		statusColor(res.Status), strings.ToUpper(res.Status.String()), color(colorReset),
		res.PassedDevices, res.TotalDevices, formatDuration(res.Duration), res.Concurrency)
}

func (p *printer) engineStats(s engine.Stats, flushed int) {
	p.printf("\n%sDetection%s\n", color(colorBold), color(colorReset))
	p.printf("  Detector calls: %d (shared %d, failed %d)\n",
		s.Detection.DetectorCalls, s.Detection.SharedCalls, s.Detection.Failures)
	p.printf("  Cache:          %d lookups, %.0f%% hit rate\n",
		s.Detection.Cache.TotalCalls, s.Detection.Cache.HitRate*100)
	p.printf("%sRecords%s\n", color(colorBold), color(colorReset))
	p.printf("  Persisted:      %d (final flush %d, failures %d, dropped %d)\n",
		s.Buffer.Persisted, flushed, s.Buffer.PersistFailures, s.Buffer.Dropped)
	if s.Buffer.TotalCached > 0 {
		p.printf("  %s⚠ %d record(s) could not be persisted%s\n", color(colorYellow), s.Buffer.TotalCached, color(colorReset))
	}
	p.printf("%sConcurrency%s\n", color(colorBold), color(colorReset))
	p.printf("  Next threshold: %d (trend %s, %d samples)\n", s.Threshold, s.Trend, s.Samples)
}

func statusColor(s core.StepStatus) string {
	switch s {
	case core.StatusPassed:
		return color(colorGreen)
	case core.StatusSkipped:
		return color(colorYellow)
	default:
		return color(colorRed)
	}
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", mins, secs)
}
