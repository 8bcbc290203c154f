package core

import (
	"time"
)

// Point is a screen coordinate in pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// BBox is a detection bounding box (x1,y1 top-left; x2,y2 bottom-right).
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Center returns the center point of the box
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// DetectionRequest identifies one detection attempt. Built per attempt, never mutated.
type DetectionRequest struct {
	TargetClass    string
	DeviceID       string
	FrameSignature string
}

// DetectionResult is the detector's answer for one request. May be a cached copy.
type DetectionResult struct {
	Found      bool    `json:"found"`
	ClassName  string  `json:"className,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	BBox       *BBox   `json:"bbox,omitempty"`
	Center     *Point  `json:"center,omitempty"`
}

// Target returns the point to act on: Center if set, else the box center.
func (r DetectionResult) Target() (Point, bool) {
	if r.Center != nil {
		return *r.Center, true
	}
	if r.BBox != nil {
		return r.BBox.Center(), true
	}
	return Point{}, false
}

// ExecutionRecord is the audit entry for one detection attempt.
// Immutable once created; owned by the result buffer until flushed.
type ExecutionRecord struct {
	ID              string    `json:"id"`
	ProjectName     string    `json:"projectName"`
	ButtonClass     string    `json:"buttonClass"`
	Success         bool      `json:"success"`
	Scenario        string    `json:"scenario,omitempty"`
	DetectionTimeMs int64     `json:"detectionTimeMs"`
	Coordinates     *Point    `json:"coordinates,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	Cached          bool      `json:"cached,omitempty"`
	ScreenshotPath  string    `json:"screenshotPath,omitempty"`
	DeviceID        string    `json:"deviceId"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// PerformanceSample is one (device count, execution time) observation.
type PerformanceSample struct {
	DeviceCount   int       `json:"deviceCount"`
	ExecutionTime float64   `json:"executionTime"` // seconds
	Score         float64   `json:"score"`         // normalized throughput, 0..1
	Timestamp     time.Time `json:"timestamp"`
}
