// Package device provides Android device control via ADB.
package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// runFunc runs adb with args and returns stdout.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// AndroidDevice is a core.DeviceController backed by ADB.
type AndroidDevice struct {
	serial  string
	adbPath string
	run     runFunc // adb runner; replaced in tests
}

// DeviceInfo contains basic device information.
type DeviceInfo struct {
	Serial     string
	State      string // device, offline, unauthorized
	Model      string
	SDK        string
	Brand      string
	IsEmulator bool
}

// New creates an AndroidDevice for the given serial.
// If serial is empty, it auto-detects the connected device.
func New(ctx context.Context, serial string) (*AndroidDevice, error) {
	adbPath, err := findADB()
	if err != nil {
		return nil, err
	}

	d := &AndroidDevice{adbPath: adbPath}
	d.run = d.execADB

	// Auto-detect serial if not provided
	if serial == "" {
		serial, err = d.detectSerial(ctx)
		if err != nil {
			return nil, fmt.Errorf("no device specified and auto-detect failed: %w", err)
		}
	}
	d.serial = serial

	// Verify device is connected
	if err := d.waitForDevice(ctx, 5*time.Second); err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}

	return d, nil
}

// ListDevices returns every device adb knows about, in any state.
func ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	adbPath, err := findADB()
	if err != nil {
		return nil, err
	}
	d := &AndroidDevice{adbPath: adbPath}
	d.run = d.execADB
	return d.listDevices(ctx)
}

func (d *AndroidDevice) listDevices(ctx context.Context) ([]DeviceInfo, error) {
	out, err := d.run(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDevices(string(out)), nil
}

// detectSerial finds the first connected device serial.
func (d *AndroidDevice) detectSerial(ctx context.Context) (string, error) {
	devices, err := d.listDevices(ctx)
	if err != nil {
		return "", err
	}
	for _, dev := range devices {
		if dev.State == "device" {
			return dev.Serial, nil
		}
	}
	return "", fmt.Errorf("no connected devices found")
}

// parseDevices parses `adb devices -l` output.
func parseDevices(out string) []DeviceInfo {
	var devices []DeviceInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		info := DeviceInfo{
			Serial:     parts[0],
			State:      parts[1],
			IsEmulator: strings.HasPrefix(parts[0], "emulator-"),
		}
		for _, kv := range parts[2:] {
			if model, ok := strings.CutPrefix(kv, "model:"); ok {
				info.Model = model
			}
		}
		devices = append(devices, info)
	}
	return devices
}

// DeviceID returns the device serial number.
func (d *AndroidDevice) DeviceID() string {
	return d.serial
}

// Shell executes a shell command on the device.
func (d *AndroidDevice) Shell(ctx context.Context, cmd string) (string, error) {
	out, err := d.adb(ctx, "shell", cmd)
	return string(out), err
}

// Screenshot captures the screen as a decoded PNG.
func (d *AndroidDevice) Screenshot(ctx context.Context) (image.Image, error) {
	out, err := d.adb(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode screencap of %s: %w", d.serial, err)
	}
	return img, nil
}

// Execute runs action on the device.
func (d *AndroidDevice) Execute(ctx context.Context, action core.Action) error {
	switch action.Type {
	case core.ActionNone:
		return nil
	case core.ActionSleep:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(action.DurationMs) * time.Millisecond):
			return nil
		}
	}

	args, err := actionArgs(action)
	if err != nil {
		return err
	}
	logger.Debug("[%s] adb %s", d.serial, strings.Join(args, " "))
	_, err = d.adb(ctx, args...)
	return err
}

// actionArgs builds the adb arguments for an action.
func actionArgs(a core.Action) ([]string, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	itoa := strconv.Itoa

	switch a.Type {
	case core.ActionClick, core.ActionTap:
		return []string{"shell", "input", "tap", itoa(a.X), itoa(a.Y)}, nil
	case core.ActionSwipe:
		args := []string{"shell", "input", "swipe", itoa(a.X), itoa(a.Y), itoa(a.X2), itoa(a.Y2)}
		if a.DurationMs > 0 {
			args = append(args, itoa(a.DurationMs))
		}
		return args, nil
	case core.ActionInput:
		return []string{"shell", "input", "text", escapeText(a.Text)}, nil
	case core.ActionKey:
		return []string{"shell", "input", "keyevent", a.Key}, nil
	case core.ActionBack:
		return []string{"shell", "input", "keyevent", "KEYCODE_BACK"}, nil
	case core.ActionHome:
		return []string{"shell", "input", "keyevent", "KEYCODE_HOME"}, nil
	case core.ActionLaunchApp:
		return []string{"shell", "monkey", "-p", a.Package, "-c", "android.intent.category.LAUNCHER", "1"}, nil
	case core.ActionStopApp:
		return []string{"shell", "am", "force-stop", a.Package}, nil
	default:
		return nil, core.ErrUnsupportedAction.WithMessage(fmt.Sprintf("adb cannot run %q", a.Type))
	}
}

// escapeText escapes text for `input text`: spaces become %s and shell
// metacharacters are backslash-escaped.
func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\\', '"', '\'', '`', '$', '&', '|', ';', '<', '>', '(', ')', '*', '?', '~', '#', '!', '%':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Info returns device information.
func (d *AndroidDevice) Info(ctx context.Context) (DeviceInfo, error) {
	info := DeviceInfo{Serial: d.serial, State: "device"}

	if model, err := d.Shell(ctx, "getprop ro.product.model"); err == nil {
		info.Model = strings.TrimSpace(model)
	}
	if sdk, err := d.Shell(ctx, "getprop ro.build.version.sdk"); err == nil {
		info.SDK = strings.TrimSpace(sdk)
	}
	if brand, err := d.Shell(ctx, "getprop ro.product.brand"); err == nil {
		info.Brand = strings.TrimSpace(brand)
	}

	// Check if emulator
	chars, _ := d.Shell(ctx, "getprop ro.kernel.qemu")
	info.IsEmulator = strings.TrimSpace(chars) == "1"

	return info, nil
}

// adb runs an adb command against this device.
func (d *AndroidDevice) adb(ctx context.Context, args ...string) ([]byte, error) {
	cmdArgs := make([]string, 0, len(args)+2)
	if d.serial != "" {
		cmdArgs = append(cmdArgs, "-s", d.serial)
	}
	cmdArgs = append(cmdArgs, args...)
	return d.run(ctx, cmdArgs...)
}

// execADB executes the adb binary, folding stderr into the error.
func (d *AndroidDevice) execADB(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.adbPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, errMsg)
	}

	return stdout.Bytes(), nil
}

// waitForDevice waits for the device to be available.
func (d *AndroidDevice) waitForDevice(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.isConnected(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout waiting for device %s", d.serial)
}

// isConnected checks if the device is connected.
func (d *AndroidDevice) isConnected(ctx context.Context) bool {
	out, err := d.adb(ctx, "get-state")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "device"
}

// findADB locates the ADB binary.
func findADB() (string, error) {
	if path, err := exec.LookPath("adb"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("adb not found in PATH; ensure Android SDK is installed")
}
