package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	Info("device %s connected", "emulator-5554")
	Warn("cache miss rate %d%%", 80)
	Debug("hidden at info level")
	Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "device emulator-5554 connected") {
		t.Errorf("log missing info line: %q", out)
	}
	if !strings.Contains(out, "WARN") {
		t.Errorf("log missing WARN level: %q", out)
	}
	if strings.Contains(out, "hidden at info level") {
		t.Errorf("debug line written at info level: %q", out)
	}
}

func TestSetDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	SetDebug(true)
	defer SetDebug(false)

	Debug("fingerprint %s", "a1b2")
	Close()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "fingerprint a1b2") {
		t.Errorf("debug line not written: %q", string(data))
	}
}

func TestInit_BadPath(t *testing.T) {
	if err := Init(filepath.Join(t.TempDir(), "missing", "dir", "x.log")); err == nil {
		t.Error("expected error for unwritable path")
	}
}

func TestLogBeforeInit(t *testing.T) {
	Close()
	// Must not panic.
	Info("no logger")
	With("device", "x").Infof("no logger")
	if GetWriter() == nil {
		t.Error("GetWriter() returned nil")
	}
}
