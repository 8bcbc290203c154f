// Package mock provides a mock device controller and detector for testing
// without a real device or detection service.
package mock

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// Controller is a mock implementation of core.DeviceController.
type Controller struct {
	// Configuration
	Config Config

	mu       sync.Mutex
	actions  []core.Action
	calls    int // Execute calls, failed ones included
	captures int
}

// Config configures mock controller behavior.
type Config struct {
	// FailOnAction makes action N fail (1-indexed). 0 = never fail.
	FailOnAction int
	// ActionDelay adds artificial delay per action
	ActionDelay time.Duration
	// ScreenshotErr, if set, is returned by every Screenshot call
	ScreenshotErr error
	// OnAction is called after each successful action, e.g. to change what a
	// mock Detector sees
	OnAction func(core.Action)

	DeviceID     string
	ScreenWidth  int
	ScreenHeight int
}

// New creates a new mock controller.
func New(cfg Config) *Controller {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "mock-device"
	}
	if cfg.ScreenWidth == 0 {
		cfg.ScreenWidth = 108
	}
	if cfg.ScreenHeight == 0 {
		cfg.ScreenHeight = 240
	}
	return &Controller{Config: cfg}
}

// DeviceID returns the configured device ID.
func (c *Controller) DeviceID() string {
	return c.Config.DeviceID
}

// Screenshot returns a solid frame whose shade changes after every action,
// so consecutive screens fingerprint differently.
func (c *Controller) Screenshot(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.captures++
	n := len(c.actions)
	c.mu.Unlock()

	if c.Config.ScreenshotErr != nil {
		return nil, c.Config.ScreenshotErr
	}

	shade := uint8((n * 40) % 256)
	img := image.NewGray(image.Rect(0, 0, c.Config.ScreenWidth, c.Config.ScreenHeight))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	return img, nil
}

// Execute simulates an action.
func (c *Controller) Execute(ctx context.Context, action core.Action) error {
	if c.Config.ActionDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Config.ActionDelay):
		}
	}

	c.mu.Lock()
	c.calls++
	n := c.calls
	if c.Config.FailOnAction > 0 && n == c.Config.FailOnAction {
		c.mu.Unlock()
		return fmt.Errorf("mock failure on action %d (%s)", n, action.Type)
	}
	c.actions = append(c.actions, action)
	c.mu.Unlock()

	if c.Config.OnAction != nil {
		c.Config.OnAction(action)
	}
	return nil
}

// Actions returns the successfully executed actions in order.
func (c *Controller) Actions() []core.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Action, len(c.actions))
	copy(out, c.actions)
	return out
}

// Captures returns the number of Screenshot calls.
func (c *Controller) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}
