// Package script loads replay scripts: ordered priority steps with candidates,
// fallbacks and global settings, written in JSON or YAML.
package script

import (
	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// Step types.
const (
	TypeDetect = "detect"
	TypeWait   = "wait"
	TypeAction = "action"
)

// Script is a parsed script file.
type Script struct {
	Name       string    `yaml:"name"`
	Project    string    `yaml:"project"`
	Scenario   string    `yaml:"scenario"`
	Settings   Settings  `yaml:"settings"`
	Steps      []StepDef `yaml:"-"`
	SourcePath string    `yaml:"-"`
}

// Settings are the script's global settings. Durations are in seconds.
// Nil/zero fields inherit the runner defaults.
type Settings struct {
	WaitTimeout      float64 `yaml:"wait_timeout"`
	MaxTryTime       int     `yaml:"max_try_time"`
	ErrorContinue    *bool   `yaml:"error_continue"`
	DefaultThreshold float64 `yaml:"default_threshold"`
	PollInterval     float64 `yaml:"poll_interval"`
	RetryDelay       float64 `yaml:"retry_delay"`
}

// StepDef is one step as written in the file.
type StepDef struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Candidates  []CandidateDef `yaml:"candidates"`
	Fallback    *core.Action   `yaml:"fallback"`
	Action      *core.Action   `yaml:"action"`
	WaitTimeout float64        `yaml:"wait_timeout"`
	MaxTryTime  int            `yaml:"max_try_time"`

	Line int `yaml:"-"` // Source line, for error messages
}

// CandidateDef is a target class plus the action to run when it is found.
// Action fields are inline: {"class": "ok", "action": "click"}.
type CandidateDef struct {
	Class       string  `yaml:"class"`
	Threshold   float64 `yaml:"threshold"`
	core.Action `yaml:",inline"`
}

// Classes returns every target class referenced by the script, in order of
// first appearance.
func (s *Script) Classes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, st := range s.Steps {
		for _, c := range st.Candidates {
			if c.Class != "" && !seen[c.Class] {
				seen[c.Class] = true
				out = append(out, c.Class)
			}
		}
	}
	return out
}
