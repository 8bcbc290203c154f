package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/fingerprint"
)

func TestController_Defaults(t *testing.T) {
	c := New(Config{})
	if c.DeviceID() != "mock-device" {
		t.Errorf("DeviceID() = %q, want %q", c.DeviceID(), "mock-device")
	}
}

func TestController_FailOnAction(t *testing.T) {
	c := New(Config{FailOnAction: 2})
	ctx := context.Background()

	if err := c.Execute(ctx, core.Action{Type: core.ActionBack}); err != nil {
		t.Fatalf("action 1: unexpected error %v", err)
	}
	if err := c.Execute(ctx, core.Action{Type: core.ActionHome}); err == nil {
		t.Error("action 2: expected error")
	}
	if err := c.Execute(ctx, core.Action{Type: core.ActionHome}); err != nil {
		t.Errorf("action 3: unexpected error %v", err)
	}
	if got := len(c.Actions()); got != 2 {
		t.Errorf("len(Actions()) = %d, want 2", got)
	}
}

func TestController_ScreenChangesAfterAction(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	before, _ := c.Screenshot(ctx)
	again, _ := c.Screenshot(ctx)
	c.Execute(ctx, core.Action{Type: core.ActionBack})
	after, _ := c.Screenshot(ctx)

	if fingerprint.Fingerprint(before) != fingerprint.Fingerprint(again) {
		t.Error("same screen fingerprinted differently")
	}
	if fingerprint.Fingerprint(before) == fingerprint.Fingerprint(after) {
		t.Error("screen did not change after action")
	}
	if c.Captures() != 3 {
		t.Errorf("Captures() = %d, want 3", c.Captures())
	}
}

func TestController_OnAction(t *testing.T) {
	d := NewDetector()
	c := New(Config{OnAction: func(a core.Action) {
		if a.Type == core.ActionClick {
			d.Show("back", core.Point{X: 5, Y: 5}, 0.9)
		}
	}})
	ctx := context.Background()

	res, _ := d.Detect(ctx, nil, "back", 0.5)
	if res.Found {
		t.Fatal("back visible before click")
	}
	c.Execute(ctx, core.Action{Type: core.ActionClick, X: 1, Y: 1})
	res, _ = d.Detect(ctx, nil, "back", 0.5)
	if !res.Found {
		t.Error("back not visible after click")
	}
}

func TestController_ScreenshotErr(t *testing.T) {
	want := errors.New("adb offline")
	c := New(Config{ScreenshotErr: want})
	if _, err := c.Screenshot(context.Background()); !errors.Is(err, want) {
		t.Errorf("Screenshot() error = %v, want %v", err, want)
	}
}

func TestDetector_Threshold(t *testing.T) {
	d := NewDetector()
	d.Show("fight", core.Point{X: 100, Y: 200}, 0.7)
	ctx := context.Background()

	res, err := d.Detect(ctx, nil, "fight", 0.5)
	if err != nil || !res.Found {
		t.Fatalf("Detect(0.5) = %+v, %v; want found", res, err)
	}
	if p, _ := res.Target(); p != (core.Point{X: 100, Y: 200}) {
		t.Errorf("Target() = %v, want (100,200)", p)
	}

	res, _ = d.Detect(ctx, nil, "fight", 0.8)
	if res.Found {
		t.Error("Detect(0.8) found a 0.7 target")
	}

	d.Hide("fight")
	res, _ = d.Detect(ctx, nil, "fight", 0.1)
	if res.Found {
		t.Error("hidden class found")
	}
}

func TestDetector_Failures(t *testing.T) {
	d := NewDetector()
	d.FailOnCall = 2
	ctx := context.Background()

	if _, err := d.Detect(ctx, nil, "a", 0.5); err != nil {
		t.Errorf("call 1: unexpected error %v", err)
	}
	if _, err := d.Detect(ctx, nil, "b", 0.5); err == nil {
		t.Error("call 2: expected error")
	}
	if got := d.Calls(); len(got) != 2 || got[1] != "b" {
		t.Errorf("Calls() = %v, want [a b]", got)
	}
}
