package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/engine"
	"github.com/devicelab-dev/vision-runner/pkg/executor"
)

// ScriptInfo describes the script behind a run result.
type ScriptInfo struct {
	Name       string
	SourceFile string
	Project    string
	Scenario   string
}

// Writer maintains report.json and the per-script detail files.
// Safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	outputDir string
	path      string
	index     *Index
}

// NewWriter creates the output directory and writes the initial index.
func NewWriter(outputDir string, runner RunnerInfo) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(outputDir, "scripts"), 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	now := time.Now()
	w := &Writer{
		outputDir: outputDir,
		path:      filepath.Join(outputDir, "report.json"),
		index: &Index{
			Version:     Version,
			Status:      StatusRunning,
			StartTime:   now,
			LastUpdated: now,
			Runner:      runner,
			Scripts:     []ScriptEntry{},
		},
	}
	if err := w.flushLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.outputDir
}

// AddScript writes the detail file for one script run and adds it to the index.
func (w *Writer) AddScript(info ScriptInfo, res *engine.RunResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := len(w.index.Scripts)
	id := fmt.Sprintf("script-%03d", idx)
	dataFile := filepath.Join("scripts", id+".json")

	detail := ScriptDetail{ID: id, RunID: res.RunID, Name: info.Name}
	for _, d := range res.Devices {
		detail.Devices = append(detail.Devices, deviceDetail(d))
	}
	if err := atomicWriteJSON(filepath.Join(w.outputDir, dataFile), detail); err != nil {
		return fmt.Errorf("write %s: %w", dataFile, err)
	}

	w.index.Scripts = append(w.index.Scripts, ScriptEntry{
		Index:       idx,
		ID:          id,
		RunID:       res.RunID,
		Name:        info.Name,
		SourceFile:  info.SourceFile,
		DataFile:    dataFile,
		Project:     info.Project,
		Scenario:    info.Scenario,
		Status:      FromStepStatus(res.Status),
		Duration:    res.Duration,
		Concurrency: res.Concurrency,
		Devices: DeviceSummary{
			Total:   res.TotalDevices,
			Passed:  res.PassedDevices,
			Failed:  res.FailedDevices,
			Skipped: res.SkippedDevices,
		},
	})
	return w.flushLocked()
}

// End marks the run as complete.
func (w *Writer) End() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.index.EndTime = &now
	w.index.Status = w.computeRunStatus()
	return w.flushLocked()
}

// Index returns a copy of the current index.
func (w *Writer) Index() Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := *w.index
	idx.Scripts = append([]ScriptEntry(nil), w.index.Scripts...)
	return idx
}

func (w *Writer) flushLocked() error {
	w.index.UpdateSeq++
	w.index.LastUpdated = time.Now()
	w.index.Summary = w.computeSummary()
	return atomicWriteJSON(w.path, w.index)
}

// computeSummary calculates summary from script statuses.
func (w *Writer) computeSummary() Summary {
	var s Summary
	for _, e := range w.index.Scripts {
		s.Total++
		switch e.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// computeRunStatus determines overall run status from scripts.
func (w *Writer) computeRunStatus() Status {
	status := StatusPassed
	for _, e := range w.index.Scripts {
		switch e.Status {
		case StatusFailed:
			return StatusFailed
		case StatusSkipped:
			status = StatusSkipped
		}
	}
	return status
}

func deviceDetail(r *executor.RunResult) DeviceDetail {
	d := DeviceDetail{
		ID:       r.DeviceID,
		Status:   FromStepStatus(r.Status),
		Duration: r.Duration,
		Aborted:  r.Aborted,
		Error:    r.Error,
		Steps:    make([]StepDetail, 0, len(r.Steps)),
	}
	for _, s := range r.Steps {
		d.Steps = append(d.Steps, StepDetail{
			Index:    s.Index,
			Name:     s.Name,
			Status:   FromStepStatus(s.Status),
			Tries:    s.Tries,
			Attempts: s.Attempts,
			Matched:  s.Matched,
			Fallback: s.Fallback,
			Duration: s.Duration,
			Error:    s.Error,
		})
	}
	return d
}

// atomicWriteJSON writes v to a temp file in the same directory and renames
// it over path, so readers never see a partial file.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
