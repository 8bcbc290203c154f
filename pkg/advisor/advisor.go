// Package advisor recommends how many devices may run concurrently.
//
// It is a control loop, not a scheduler: callers report how long a batch of
// devices took, and ask for a threshold to size their worker pool.
package advisor

import (
	"sync"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// Threshold bounds.
const (
	optimalCeiling = 12
	optimalFloor   = 4
	adjustCeiling  = 16
	adjustFloor    = 4

	recentWindow   = 5
	minTrendSample = 2 * recentWindow
	trendChange    = 0.10
)

// Defaults.
const (
	DefaultBaseThreshold = 8
	DefaultMaxHistory    = 20
	DefaultScoreCap      = 1.0 // devices per second
)

// Trend describes the direction of recent throughput.
type Trend int

const (
	TrendInsufficientData Trend = iota
	TrendStable
	TrendImproving
	TrendDeclining
)

// String returns the string representation of Trend
func (t Trend) String() string {
	switch t {
	case TrendStable:
		return "stable"
	case TrendImproving:
		return "improving"
	case TrendDeclining:
		return "declining"
	default:
		return "insufficient_data"
	}
}

// Config configures an Advisor.
type Config struct {
	BaseThreshold int     // Threshold with no history
	MaxHistory    int     // Sliding window length
	ScoreCap      float64 // Throughput (devices/second) that scores 1.0
}

// Advisor keeps a sliding window of performance samples. Safe for concurrent use.
type Advisor struct {
	cfg   Config
	probe LoadProbe

	mu      sync.Mutex
	history []core.PerformanceSample

	now func() time.Time
}

// New creates an Advisor. A nil probe reports neutral load.
func New(cfg Config, probe LoadProbe) *Advisor {
	if cfg.BaseThreshold <= 0 {
		cfg.BaseThreshold = DefaultBaseThreshold
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.ScoreCap <= 0 {
		cfg.ScoreCap = DefaultScoreCap
	}
	return &Advisor{
		cfg:   cfg,
		probe: probe,
		now:   time.Now,
	}
}

// RecordPerformance adds a sample. Non-positive execution times are ignored.
func (a *Advisor) RecordPerformance(deviceCount int, executionTimeSeconds float64) {
	if executionTimeSeconds <= 0 {
		logger.Warn("advisor: ignoring sample with execution time %.3fs", executionTimeSeconds)
		return
	}

	throughput := float64(deviceCount) / executionTimeSeconds
	score := min(throughput, a.cfg.ScoreCap) / a.cfg.ScoreCap
	if score < 0 {
		score = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, core.PerformanceSample{
		DeviceCount:   deviceCount,
		ExecutionTime: executionTimeSeconds,
		Score:         score,
		Timestamp:     a.now(),
	})
	if over := len(a.history) - a.cfg.MaxHistory; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
}

// OptimalThreshold returns the base threshold adjusted by the last 5 scores:
// average >= 0.9 raises it by 2 (max 12), < 0.6 lowers it by 2 (min 4).
func (a *Advisor) OptimalThreshold() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.optimalLocked()
}

// Trend compares the mean score of the last 5 samples with the 5 before them.
func (a *Advisor) Trend() Trend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trendLocked()
}

// AutoAdjustThreshold combines OptimalThreshold, the trend (+/-1) and current
// system load, clamped to [4, 16].
func (a *Advisor) AutoAdjustThreshold() int {
	a.mu.Lock()
	threshold := a.optimalLocked()
	trend := a.trendLocked()
	a.mu.Unlock()

	switch trend {
	case TrendImproving:
		threshold++
	case TrendDeclining:
		threshold--
	}

	load := a.load()
	threshold += loadAdjustment(load)

	threshold = max(adjustFloor, min(adjustCeiling, threshold))
	logger.Debug("advisor: threshold=%d trend=%s load=%.2f", threshold, trend, load)
	return threshold
}

// Samples returns a copy of the sliding window, oldest first.
func (a *Advisor) Samples() []core.PerformanceSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.PerformanceSample, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Advisor) optimalLocked() int {
	base := a.cfg.BaseThreshold
	if len(a.history) == 0 {
		return base
	}

	avg := meanScore(a.history[max(0, len(a.history)-recentWindow):])
	switch {
	case avg >= 0.9:
		return min(base+2, optimalCeiling)
	case avg < 0.6:
		return max(base-2, optimalFloor)
	default:
		return base
	}
}

func (a *Advisor) trendLocked() Trend {
	n := len(a.history)
	if n < minTrendSample {
		return TrendInsufficientData
	}

	recent := meanScore(a.history[n-recentWindow:])
	previous := meanScore(a.history[n-2*recentWindow : n-recentWindow])
	if previous == 0 {
		if recent > 0 {
			return TrendImproving
		}
		return TrendStable
	}

	change := (recent - previous) / previous
	switch {
	case change > trendChange:
		return TrendImproving
	case change < -trendChange:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func (a *Advisor) load() float64 {
	if a.probe == nil {
		return neutralLoad
	}
	l, err := a.probe.Load()
	if err != nil {
		logger.Debug("advisor: load probe unavailable: %v", err)
		return neutralLoad
	}
	return l
}

// loadAdjustment maps system load (0..1) to a threshold delta.
func loadAdjustment(load float64) int {
	switch {
	case load < 0.3:
		return 2
	case load < 0.6:
		return 0
	case load < 0.8:
		return -1
	default:
		return -2
	}
}

func meanScore(samples []core.PerformanceSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Score
	}
	return sum / float64(len(samples))
}
