package orchestrator

import (
	"fmt"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
)

// ValidateOptions checks intervals and the warning stage list.
func ValidateOptions(options Options) error {
	if options.PollInterval <= 0 {
		return errors.NewValidationError("poll interval must be positive", nil).WithContext("poll_interval", options.PollInterval)
	}
	if options.TickInterval <= 0 {
		return errors.NewValidationError("tick interval must be positive", nil).WithContext("tick_interval", options.TickInterval)
	}
	if options.GracePeriod < 0 {
		return errors.NewValidationError("grace period cannot be negative", nil).WithContext("grace_period", options.GracePeriod)
	}
	return ValidateStages(options.Stages)
}

// ValidateStages requires non-negative offsets and distinct offsets among
// the enabled stages.
func ValidateStages(stages []Stage) error {
	seen := make(map[int64]int, len(stages))
	for i, stage := range stages {
		if stage.Offset < 0 {
			return errors.NewValidationError(fmt.Sprintf("stage %d has a negative offset", i), nil).WithContext("offset", stage.Offset)
		}
		if !stage.Enabled {
			continue
		}
		if prev, ok := seen[int64(stage.Offset)]; ok {
			return errors.NewValidationError(fmt.Sprintf("stages %d and %d share the same offset", prev, i), nil).WithContext("offset", stage.Offset)
		}
		seen[int64(stage.Offset)] = i
	}
	return nil
}
