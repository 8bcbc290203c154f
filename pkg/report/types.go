// Package report provides JSON run reports.
//
// Layout:
//   - report.json: run index with one entry per script (small, rewritten after each script)
//   - scripts/script-XXX.json: per-script detail with every device's step results
package report

import (
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// Version is the report schema version.
const Version = "1.0.0"

// Status represents the execution status.
type Status string

// Status values.
const (
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusSkipped
}

// FromStepStatus maps a runner status onto a report status. Errored counts as failed.
func FromStepStatus(s core.StepStatus) Status {
	switch s {
	case core.StatusPassed:
		return StatusPassed
	case core.StatusSkipped:
		return StatusSkipped
	case core.StatusPending, core.StatusRunning:
		return StatusRunning
	default:
		return StatusFailed
	}
}

// ============================================================================
// INDEX (report.json)
// ============================================================================

// Index is the main report file.
type Index struct {
	Version     string        `json:"version"`
	UpdateSeq   uint64        `json:"updateSeq"`
	Status      Status        `json:"status"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     *time.Time    `json:"endTime,omitempty"`
	LastUpdated time.Time     `json:"lastUpdated"`
	Runner      RunnerInfo    `json:"runner"`
	Summary     Summary       `json:"summary"`
	Scripts     []ScriptEntry `json:"scripts"`
}

// RunnerInfo contains vision-runner information.
type RunnerInfo struct {
	Version string `json:"version"`
	Driver  string `json:"driver"` // adb, mock
}

// Summary contains aggregated script counts.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ScriptEntry is the index entry for one script run.
type ScriptEntry struct {
	Index       int           `json:"index"`
	ID          string        `json:"id"`
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	SourceFile  string        `json:"sourceFile"`
	DataFile    string        `json:"dataFile"`
	Project     string        `json:"project,omitempty"`
	Scenario    string        `json:"scenario,omitempty"`
	Status      Status        `json:"status"`
	Duration    int64         `json:"duration"` // milliseconds, wall clock
	Concurrency int           `json:"concurrency"`
	Devices     DeviceSummary `json:"devices"`
}

// DeviceSummary contains device counts for a script.
type DeviceSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ============================================================================
// SCRIPT DETAIL (scripts/script-XXX.json)
// ============================================================================

// ScriptDetail holds every device's result for one script.
type ScriptDetail struct {
	ID      string         `json:"id"`
	RunID   string         `json:"runId"`
	Name    string         `json:"name"`
	Devices []DeviceDetail `json:"devices"`
}

// DeviceDetail is one device's run of a script.
type DeviceDetail struct {
	ID       string       `json:"id"`
	Status   Status       `json:"status"`
	Duration int64        `json:"duration"` // milliseconds
	Aborted  bool         `json:"aborted,omitempty"`
	Error    string       `json:"error,omitempty"`
	Steps    []StepDetail `json:"steps"`
}

// StepDetail is one step's outcome on one device.
type StepDetail struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Tries    int    `json:"tries"`
	Attempts int    `json:"attempts"`           // Candidate detections across tries
	Matched  string `json:"matched,omitempty"`  // Class of the matched candidate
	Fallback bool   `json:"fallback,omitempty"` // Fallback action ran
	Duration int64  `json:"duration"`           // milliseconds
	Error    string `json:"error,omitempty"`
}
