package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
)

func TestNewUpdateCycle(t *testing.T) {
	stages := []Stage{
		{Offset: 5 * time.Minute, Message: "five", Enabled: true},
		{Offset: 15 * time.Minute, Message: "fifteen", Enabled: true},
		{Offset: 10 * time.Minute, Message: "ten", Enabled: false},
		{Offset: time.Minute, Message: "one", Enabled: true},
	}

	c := NewUpdateCycle(pendingUpdate, stages, t0)

	assert.Equal(t, t0, c.DetectedAt)
	assert.Equal(t, "1.2.4", c.TargetVersion)
	assert.Equal(t, "1.2.3", c.RunningVersion)
	assert.Equal(t, pendingUpdate.DownloadURL, c.DownloadURL)
	assert.Equal(t, t0.Add(15*time.Minute), c.ActionAt)
	require.Len(t, c.Remaining, 3)
	assert.Equal(t, []string{"fifteen", "five", "one"}, []string{c.Remaining[0].Message, c.Remaining[1].Message, c.Remaining[2].Message})
	assert.Equal(t, t0, c.NextDeadline)

	// the snapshot does not alias the configured stages
	stages[0].Message = "changed"
	assert.Equal(t, "five", c.Remaining[1].Message)
}

func TestUpdateCycle_PopAdvancesDeadline(t *testing.T) {
	c := NewUpdateCycle(pendingUpdate, DefaultStages(), t0)

	assert.True(t, c.StageDue(t0))
	assert.False(t, c.ActionDue(t0.Add(time.Hour)))

	assert.Equal(t, 15*time.Minute, c.Pop().Offset)
	assert.Equal(t, t0.Add(5*time.Minute), c.NextDeadline)
	assert.False(t, c.StageDue(t0.Add(5*time.Minute-time.Second)))
	assert.True(t, c.StageDue(t0.Add(5*time.Minute)))

	c.Pop()
	c.Pop()
	assert.Equal(t, t0.Add(14*time.Minute), c.NextDeadline)
	c.Pop()

	assert.Empty(t, c.Remaining)
	assert.Equal(t, c.ActionAt, c.NextDeadline)
	assert.False(t, c.StageDue(t0.Add(time.Hour)))
	assert.False(t, c.ActionDue(t0.Add(15*time.Minute-time.Second)))
	assert.True(t, c.ActionDue(t0.Add(15*time.Minute)))
}

func TestNewUpdateCycle_NoEnabledStages(t *testing.T) {
	c := NewUpdateCycle(pendingUpdate, disabled(DefaultStages(), 15*time.Minute, 10*time.Minute, 5*time.Minute, time.Minute), t0)

	assert.Empty(t, c.Remaining)
	assert.Equal(t, t0, c.ActionAt)
	assert.True(t, c.ActionDue(t0))
}

func TestValidateStages(t *testing.T) {
	tests := []struct {
		name    string
		stages  []Stage
		wantErr bool
	}{
		{"defaults", DefaultStages(), false},
		{"empty", nil, false},
		{"negative offset", []Stage{{Offset: -time.Minute, Enabled: true}}, true},
		{"duplicate enabled offsets", []Stage{{Offset: time.Minute, Enabled: true}, {Offset: time.Minute, Enabled: true}}, true},
		{"duplicate offset on disabled stage", []Stage{{Offset: time.Minute, Enabled: true}, {Offset: time.Minute}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStages(tt.stages)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOptions(t *testing.T) {
	valid := Options{PollInterval: time.Minute, TickInterval: time.Second, GracePeriod: time.Minute, Stages: DefaultStages()}
	assert.NoError(t, ValidateOptions(valid))

	bad := valid
	bad.PollInterval = 0
	assert.Error(t, ValidateOptions(bad))

	bad = valid
	bad.TickInterval = -time.Second
	assert.Error(t, ValidateOptions(bad))

	bad = valid
	bad.GracePeriod = -time.Second
	assert.Error(t, ValidateOptions(bad))
}
