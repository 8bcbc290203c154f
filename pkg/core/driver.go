package core

import (
	"context"
	"fmt"
	"image"
)

// DeviceController executes actions on a single device.
// Implementations: ADB (pkg/device), mock (pkg/driver/mock).
// The executor handles priority and fallback logic; the controller just runs commands.
type DeviceController interface {
	// DeviceID returns the serial of the controlled device
	DeviceID() string

	// Screenshot captures the current screen
	Screenshot(ctx context.Context) (image.Image, error)

	// Execute runs a single action. A nil error means the command succeeded.
	Execute(ctx context.Context, action Action) error
}

// Detector locates a UI class on a frame. Implementations must be safe for
// repeated and concurrent calls; construct once, reuse.
type Detector interface {
	Detect(ctx context.Context, frame image.Image, targetClass string, threshold float64) (DetectionResult, error)
}

// Persistence writes execution records to durable storage.
// SaveBatch returns one error per record, in order; a nil entry means the record was persisted.
type Persistence interface {
	SaveBatch(ctx context.Context, records []ExecutionRecord) []error
}

// ActionType identifies a device action.
type ActionType string

// Action types understood by device controllers.
const (
	ActionClick     ActionType = "click"      // Tap the detected target's center
	ActionTap       ActionType = "tap"        // Tap a fixed point
	ActionSwipe     ActionType = "swipe"      // Swipe (X,Y) -> (X2,Y2)
	ActionInput     ActionType = "input"      // Type text
	ActionKey       ActionType = "key"        // Press a key event
	ActionBack      ActionType = "back"       // Press back
	ActionHome      ActionType = "home"       // Press home
	ActionLaunchApp ActionType = "launch_app" // Start Package
	ActionStopApp   ActionType = "stop_app"   // Force-stop Package
	ActionSleep     ActionType = "sleep"      // Wait DurationMs
	ActionNone      ActionType = "none"       // Detect only
)

// Action is a device command. Which fields apply depends on Type.
type Action struct {
	Type       ActionType `yaml:"action" json:"action"`
	X          int        `yaml:"x" json:"x,omitempty"`
	Y          int        `yaml:"y" json:"y,omitempty"`
	X2         int        `yaml:"x2" json:"x2,omitempty"`
	Y2         int        `yaml:"y2" json:"y2,omitempty"`
	DurationMs int        `yaml:"duration" json:"duration,omitempty"`
	Text       string     `yaml:"text" json:"text,omitempty"`
	Key        string     `yaml:"key" json:"key,omitempty"`
	Package    string     `yaml:"package" json:"package,omitempty"`
}

// At returns a copy of the action resolved against a detected point.
// Only click actions are position-dependent; other types are returned unchanged.
func (a Action) At(p Point) Action {
	if a.Type != ActionClick {
		return a
	}
	a.X, a.Y = p.X, p.Y
	return a
}

// Describe returns a short human-readable description.
func (a Action) Describe() string {
	switch a.Type {
	case ActionClick, ActionTap:
		return fmt.Sprintf("%s (%d,%d)", a.Type, a.X, a.Y)
	case ActionSwipe:
		return fmt.Sprintf("swipe (%d,%d)->(%d,%d)", a.X, a.Y, a.X2, a.Y2)
	case ActionInput:
		return fmt.Sprintf("input %q", a.Text)
	case ActionKey:
		return "key " + a.Key
	case ActionLaunchApp, ActionStopApp:
		return fmt.Sprintf("%s %s", a.Type, a.Package)
	case ActionSleep:
		return fmt.Sprintf("sleep %dms", a.DurationMs)
	default:
		return string(a.Type)
	}
}

// Validate checks that the fields required by the action type are set.
func (a Action) Validate() error {
	switch a.Type {
	case ActionClick, ActionTap, ActionSwipe, ActionBack, ActionHome, ActionNone:
		return nil
	case ActionInput:
		if a.Text == "" {
			return ErrMissingRequired.WithMessage("input action requires text")
		}
	case ActionKey:
		if a.Key == "" {
			return ErrMissingRequired.WithMessage("key action requires key")
		}
	case ActionLaunchApp, ActionStopApp:
		if a.Package == "" {
			return ErrMissingRequired.WithMessage(string(a.Type) + " action requires package")
		}
	case ActionSleep:
		if a.DurationMs <= 0 {
			return ErrMissingRequired.WithMessage("sleep action requires a positive duration")
		}
	default:
		return ErrUnsupportedAction.WithMessage(fmt.Sprintf("unsupported action type %q", a.Type))
	}
	return nil
}
