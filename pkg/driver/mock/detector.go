package mock

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// Detector is a mock implementation of core.Detector. A class is found when
// it is visible and the requested threshold does not exceed its confidence.
type Detector struct {
	// Delay adds artificial latency per call
	Delay time.Duration
	// Err, if set, is returned by every call
	Err error
	// FailOnCall makes call N return an error (1-indexed). 0 = never fail.
	FailOnCall int

	mu      sync.Mutex
	visible map[string]core.DetectionResult
	calls   []string
}

// NewDetector creates a detector that sees nothing.
func NewDetector() *Detector {
	return &Detector{visible: make(map[string]core.DetectionResult)}
}

// Show makes class visible at center with the given confidence.
func (d *Detector) Show(class string, center core.Point, confidence float64) {
	box := core.BBox{X1: center.X - 10, Y1: center.Y - 10, X2: center.X + 10, Y2: center.Y + 10}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible[class] = core.DetectionResult{
		Found:      true,
		ClassName:  class,
		Confidence: confidence,
		BBox:       &box,
		Center:     &center,
	}
}

// Hide makes class invisible.
func (d *Detector) Hide(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.visible, class)
}

// Detect implements core.Detector.
func (d *Detector) Detect(ctx context.Context, frame image.Image, targetClass string, threshold float64) (core.DetectionResult, error) {
	if d.Delay > 0 {
		select {
		case <-ctx.Done():
			return core.DetectionResult{}, ctx.Err()
		case <-time.After(d.Delay):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, targetClass)
	if d.Err != nil {
		return core.DetectionResult{}, d.Err
	}
	if d.FailOnCall > 0 && len(d.calls) == d.FailOnCall {
		return core.DetectionResult{}, fmt.Errorf("mock detector failure on call %d", len(d.calls))
	}

	res, ok := d.visible[targetClass]
	if !ok || res.Confidence < threshold {
		return core.DetectionResult{Found: false, ClassName: targetClass}, nil
	}
	return res, nil
}

// Calls returns the requested classes in call order.
func (d *Detector) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}
