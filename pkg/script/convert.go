package script

import (
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/executor"
)

// ExecutorSettings overlays the script's settings on base.
func (s *Script) ExecutorSettings(base executor.Settings) executor.Settings {
	st := s.Settings
	if st.WaitTimeout > 0 {
		base.WaitTimeout = seconds(st.WaitTimeout)
	}
	if st.MaxTryTime > 0 {
		base.MaxTryTime = st.MaxTryTime
	}
	if st.ErrorContinue != nil {
		base.ErrorContinue = *st.ErrorContinue
	}
	if st.DefaultThreshold > 0 {
		base.DefaultThreshold = st.DefaultThreshold
	}
	if st.PollInterval > 0 {
		base.PollInterval = seconds(st.PollInterval)
	}
	if st.RetryDelay > 0 {
		base.RetryDelay = seconds(st.RetryDelay)
	}
	if s.Project != "" {
		base.ProjectName = s.Project
	}
	if s.Scenario != "" {
		base.Scenario = s.Scenario
	}
	return base
}

// ExecutorSteps converts step definitions. Call Validate first.
func (s *Script) ExecutorSteps() []executor.Step {
	steps := make([]executor.Step, 0, len(s.Steps))
	for _, def := range s.Steps {
		step := executor.Step{
			Name:        def.Name,
			Fallback:    def.Fallback,
			Action:      def.Action,
			WaitTimeout: seconds(def.WaitTimeout),
			MaxTryTime:  def.MaxTryTime,
		}
		switch def.Type {
		case TypeWait:
			step.Kind = executor.KindWaitVisible
		case TypeAction:
			step.Kind = executor.KindAction
		default:
			step.Kind = executor.KindDetect
		}
		for _, c := range def.Candidates {
			action := c.Action
			if action.Type == "" {
				action.Type = core.ActionClick
			}
			step.Candidates = append(step.Candidates, executor.Candidate{
				TargetClass: c.Class,
				Action:      action,
				Threshold:   c.Threshold,
			})
		}
		steps = append(steps, step)
	}
	return steps
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
