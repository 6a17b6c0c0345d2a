package orchestrator

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-autoupdate/pkg/version"
)

type State string

const (
	StateIdle         State = "idle"
	StateCountingDown State = "counting_down"
	StateExecuting    State = "executing"
	StateCoolDown     State = "cool_down"
)

// AllStates lists every state in transition order.
var AllStates = []State{StateIdle, StateCountingDown, StateExecuting, StateCoolDown}

// Stage is one scheduled warning, sent Offset before the update action.
type Stage struct {
	Offset  time.Duration `yaml:"offset"`
	Message string        `yaml:"message"`
	Enabled bool          `yaml:"enabled"`
}

// UnmarshalYAML treats a stage without an enabled key as enabled.
func (s *Stage) UnmarshalYAML(value *yaml.Node) error {
	type plain Stage
	stage := plain{Enabled: true}
	if err := value.Decode(&stage); err != nil {
		return err
	}
	*s = Stage(stage)
	return nil
}

// DefaultStages returns the four canonical warnings at 15, 10, 5 and 1 minute.
func DefaultStages() []Stage {
	return []Stage{
		{Offset: 15 * time.Minute, Enabled: true, Message: "Oxide Update Detected. Server will restart in 15 minutes for update."},
		{Offset: 10 * time.Minute, Enabled: true, Message: "Oxide Update Scheduled. Server will restart in 10 minutes for update."},
		{Offset: 5 * time.Minute, Enabled: true, Message: "Oxide Update Scheduled. Server will restart in 5 minutes for update."},
		{Offset: 1 * time.Minute, Enabled: true, Message: "FINAL WARNING! SERVER RESTARTING FOR OXIDE UPDATE IN 1 MINUTE!!"},
	}
}

// UpdateCycle tracks one detected version change from detection until the
// update action. It is owned by the orchestrator loop and never shared.
type UpdateCycle struct {
	DetectedAt     time.Time
	TargetVersion  string
	RunningVersion string
	DownloadURL    string
	// ActionAt is DetectedAt plus the largest enabled offset.
	ActionAt     time.Time
	Remaining    []Stage
	NextDeadline time.Time
}

// NewUpdateCycle snapshots the enabled stages in decreasing offset order.
// Every stage is due at ActionAt minus its offset, so skipping a disabled
// stage never moves the others.
func NewUpdateCycle(obs version.Observation, stages []Stage, detectedAt time.Time) *UpdateCycle {
	remaining := make([]Stage, 0, len(stages))
	for _, stage := range stages {
		if stage.Enabled {
			remaining = append(remaining, stage)
		}
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].Offset > remaining[j].Offset
	})

	var lead time.Duration
	if len(remaining) > 0 {
		lead = remaining[0].Offset
	}

	c := &UpdateCycle{
		DetectedAt:     detectedAt,
		TargetVersion:  obs.LatestVersion,
		RunningVersion: obs.RunningVersion,
		DownloadURL:    obs.DownloadURL,
		ActionAt:       detectedAt.Add(lead),
		Remaining:      remaining,
	}
	c.updateDeadline()
	return c
}

// StageDue reports whether the next stage should be sent at now.
func (c *UpdateCycle) StageDue(now time.Time) bool {
	return len(c.Remaining) > 0 && !now.Before(c.NextDeadline)
}

// ActionDue reports whether every stage has been sent and the action time
// has been reached.
func (c *UpdateCycle) ActionDue(now time.Time) bool {
	return len(c.Remaining) == 0 && !now.Before(c.ActionAt)
}

// Pop removes the next stage and moves the deadline to the one after it.
func (c *UpdateCycle) Pop() Stage {
	stage := c.Remaining[0]
	c.Remaining = c.Remaining[1:]
	c.updateDeadline()
	return stage
}

func (c *UpdateCycle) updateDeadline() {
	if len(c.Remaining) == 0 {
		c.NextDeadline = c.ActionAt
		return
	}
	c.NextDeadline = c.ActionAt.Add(-c.Remaining[0].Offset)
}

func (c *UpdateCycle) clone() *UpdateCycle {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Remaining = append([]Stage(nil), c.Remaining...)
	return &cp
}
