package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devicelab-dev/vision-runner/pkg/config"
	"github.com/devicelab-dev/vision-runner/pkg/store"
)

const smokeScript = `{"name": "smoke", "project": "game-a", "scenario": "login",
 "settings": {"max_try_time": 1},
 "steps": [
   {"type": "detect", "candidates": [{"class": "button-ok", "action": "click"}]},
   {"type": "detect", "candidates": [{"class": "navigation-fight", "action": "click"}],
    "fallback": {"action": "back"}}
 ]}`

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("VISION_RUNNER_HOME", home)
	config.ResetHome()
	t.Cleanup(config.ResetHome)
	return home
}

func TestGlobalFlags(t *testing.T) {
	flagNames := make(map[string]bool)
	for _, f := range GlobalFlags {
		for _, name := range f.Names() {
			flagNames[name] = true
		}
	}

	for _, name := range []string{"config", "env-file", "device", "s", "detector-url", "log-file", "verbose", "no-ansi"} {
		if !flagNames[name] {
			t.Errorf("expected flag %q to be defined", name)
		}
	}
}

func TestNewApp_Commands(t *testing.T) {
	app := NewApp()
	for _, name := range []string{"run", "validate", "stats", "devices"} {
		if app.Command(name) == nil {
			t.Errorf("expected command %q", name)
		}
	}
}

func TestNewApp_VersionFlag(t *testing.T) {
	var out bytes.Buffer
	app := NewApp()
	app.Writer = &out
	if err := app.Run([]string{"vision-runner", "--version"}); err != nil {
		t.Fatalf("--version error = %v", err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Errorf("output = %q, want version %q", out.String(), Version)
	}

	out.Reset()
	app = NewApp()
	app.Writer = &out
	if err := app.Run([]string{"vision-runner", "-v"}); err != nil {
		t.Fatalf("-v error = %v", err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Errorf("-v output = %q, want version", out.String())
	}
}

func TestRunCommand_NoArgs(t *testing.T) {
	app := NewApp()
	app.Writer = &bytes.Buffer{}
	if err := app.Run([]string{"vision-runner", "run"}); err == nil {
		t.Error("expected error when no scripts provided")
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "smoke.json", smokeScript)

	var out bytes.Buffer
	app := NewApp()
	app.Writer = &out
	if err := app.Run([]string{"vision-runner", "validate", dir}); err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out.String(), "smoke") || !strings.Contains(out.String(), "2 steps") {
		t.Errorf("output = %q", out.String())
	}
}

func TestValidateCommand_InvalidScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bad.yaml", "steps:\n  - type: detect\n")

	app := NewApp()
	app.Writer = &bytes.Buffer{}
	err := app.Run([]string{"vision-runner", "validate", dir})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "bad.yaml") {
		t.Errorf("error = %v, want it to name bad.yaml", err)
	}
}

func TestLoadScripts_NoFiles(t *testing.T) {
	if _, err := loadScripts([]string{t.TempDir()}); err == nil {
		t.Error("expected error for a folder without scripts")
	}
}

func TestRunAndStats_Mock(t *testing.T) {
	home := isolateHome(t)
	dir := t.TempDir()
	scriptPath := writeScript(t, dir, "smoke.json", smokeScript)
	db := filepath.Join(home, "data", "records.db")
	logFile := filepath.Join(home, "logs", "run.log")
	reportDir := filepath.Join(home, "reports")

	var out bytes.Buffer
	app := NewApp()
	app.Writer = &out
	err := app.Run([]string{"vision-runner", "--device", "mock-1,mock-2", "--log-file", logFile,
		"run", "--mock", "--mock-hide", "navigation-fight", "--store", "sqlite", "--db", db,
		"--output", reportDir, "--flatten", scriptPath})
	if err != nil {
		t.Fatalf("run error = %v\noutput:\n%s", err, out.String())
	}
	for _, want := range []string{"mock-1", "mock-2", "→ button-ok", "→ fallback", "2/2 devices passed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("run output missing %q:\n%s", want, out.String())
		}
	}
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(reportDir, "report.json")); err != nil {
		t.Errorf("report not written: %v", err)
	}

	out.Reset()
	app = NewApp()
	app.Writer = &out
	if err := app.Run([]string{"vision-runner", "stats", "--db", db, "--project", "game-a", "--json"}); err != nil {
		t.Fatalf("stats error = %v", err)
	}

	var summary struct {
		Records int               `json:"records"`
		Classes []store.ClassStat `json:"classes"`
	}
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out.String())
	}
	// Two steps, one record each, on two devices.
	if summary.Records != 4 {
		t.Errorf("records = %d, want 4", summary.Records)
	}
	if len(summary.Classes) != 2 {
		t.Fatalf("classes = %+v, want 2", summary.Classes)
	}
	if c := summary.Classes[0]; c.ButtonClass != "button-ok" || c.Successes != 2 {
		t.Errorf("classes[0] = %+v, want button-ok with 2 successes", c)
	}
	if c := summary.Classes[1]; c.ButtonClass != "navigation-fight" || c.Successes != 0 || c.Attempts != 2 {
		t.Errorf("classes[1] = %+v, want navigation-fight 0/2", c)
	}
}

func TestExecuteRun_FailedScript(t *testing.T) {
	home := isolateHome(t)
	dir := t.TempDir()
	scriptPath := writeScript(t, dir, "strict.json", `{"steps": [
	  {"type": "detect", "candidates": [{"class": "missing"}]}]}`)

	cfg := config.Default()
	cfg.Store.Backend = config.StoreNone
	cfg.LogFile = filepath.Join(home, "run.log")
	cfg.Execution.RetryDelay = 0

	var out bytes.Buffer
	err := executeRun(&RunConfig{
		Config:      cfg,
		ScriptPaths: []string{scriptPath},
		Mock:        true,
		MockHidden:  []string{"missing"},
		Out:         &out,
	})
	if err == nil || !strings.Contains(err.Error(), "1 of 1 script(s) failed") {
		t.Errorf("executeRun() error = %v, want one failed script", err)
	}
	if !strings.Contains(out.String(), "✗") {
		t.Errorf("output should mark the failed step:\n%s", out.String())
	}
}

func TestExecuteRun_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "postgres"
	err := executeRun(&RunConfig{Config: cfg, ScriptPaths: []string{"x.json"}, Out: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Errorf("executeRun() error = %v, want unknown backend error", err)
	}
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()

	cfg.Store.Backend = config.StoreNone
	p, closeFn, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore(none) error = %v", err)
	}
	closeFn()
	if _, ok := p.(store.Discard); !ok {
		t.Errorf("openStore(none) = %T, want store.Discard", p)
	}

	cfg.Store.Backend = config.StoreMonitor
	cfg.Store.MonitorURL = "http://monitor.local"
	p, closeFn, err = openStore(cfg)
	if err != nil {
		t.Fatalf("openStore(monitor) error = %v", err)
	}
	closeFn()
	if _, ok := p.(*store.MonitorClient); !ok {
		t.Errorf("openStore(monitor) = %T, want *store.MonitorClient", p)
	}

	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "records.db")
	p, closeFn, err = openStore(cfg)
	if err != nil {
		t.Fatalf("openStore(sqlite) error = %v", err)
	}
	defer closeFn()
	if errs := p.SaveBatch(context.Background(), nil); len(errs) != 0 {
		t.Errorf("SaveBatch(nil) = %v", errs)
	}
}

func TestMockSetup(t *testing.T) {
	scripts, err := loadScripts([]string{writeScript(t, t.TempDir(), "smoke.json", smokeScript)})
	if err != nil {
		t.Fatal(err)
	}

	det, devices, err := mockSetup(nil, []string{"navigation-fight"}, scripts)
	if err != nil {
		t.Fatalf("mockSetup() error = %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID() != "mock-device" {
		t.Errorf("devices = %v, want one mock-device", devices)
	}

	ctx := context.Background()
	if r, _ := det.Detect(ctx, nil, "button-ok", 0.5); !r.Found {
		t.Error("button-ok should be visible")
	}
	if r, _ := det.Detect(ctx, nil, "navigation-fight", 0.5); r.Found {
		t.Error("navigation-fight should be hidden")
	}
}

func TestResolveOutputDir(t *testing.T) {
	if dir, err := resolveOutputDir("", false); err != nil || dir != "" {
		t.Errorf("resolveOutputDir(\"\", false) = %q, %v; want no report", dir, err)
	}

	dir, err := resolveOutputDir("./my-reports", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(dir, "my-reports/") {
		t.Errorf("expected dir to start with my-reports/, got %s", dir)
	}

	if dir, _ := resolveOutputDir("./my-reports", true); dir != "my-reports" {
		t.Errorf("expected my-reports, got %s", dir)
	}

	_, err = resolveOutputDir("", true)
	if err == nil || !strings.Contains(err.Error(), "--flatten requires --output") {
		t.Errorf("expected error about --flatten requiring --output, got: %v", err)
	}
}

func TestParseDevices(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"emulator-5554", []string{"emulator-5554"}},
		{"emulator-5554, emulator-5556", []string{"emulator-5554", "emulator-5556"}},
		{"a,,b,", []string{"a", "b"}},
	}
	for _, tc := range tests {
		got := parseDevices(tc.in)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Errorf("parseDevices(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms       int64
		expected string
	}{
		{0, "0ms"},
		{50, "50ms"},
		{999, "999ms"},
		{1000, "1.0s"},
		{1500, "1.5s"},
		{59999, "60.0s"},
		{60000, "1m 0s"},
		{90000, "1m 30s"},
		{125000, "2m 5s"},
	}

	for _, tc := range tests {
		if result := formatDuration(tc.ms); result != tc.expected {
			t.Errorf("formatDuration(%d) = %q, expected %q", tc.ms, result, tc.expected)
		}
	}
}
