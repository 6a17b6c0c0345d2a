package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/version"
	"github.com/core-tools/hsu-autoupdate/pkg/workpool"
)

var t0 = time.Date(2024, time.May, 20, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = t
}

type fakeChecker struct {
	mutex sync.Mutex
	obs   version.Observation
	err   error
	calls int
}

func (f *fakeChecker) Check(ctx context.Context) (version.Observation, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	return f.obs, f.err
}

func (f *fakeChecker) Calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

type sent struct {
	at      time.Time
	message string
}

type fakeBroadcaster struct {
	mutex sync.Mutex
	clock Clock
	sent  []sent
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, message string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sent = append(f.sent, sent{at: f.clock.Now(), message: message})
}

func (f *fakeBroadcaster) Sent() []sent {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]sent(nil), f.sent...)
}

type fakeUpdater struct {
	mutex    sync.Mutex
	clock    Clock
	drains   []time.Time
	applies  []time.Time
	drainErr error
	applyErr error
}

func (f *fakeUpdater) Drain(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.drains = append(f.drains, f.clock.Now())
	return f.drainErr
}

func (f *fakeUpdater) ApplyUpdate(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.applies = append(f.applies, f.clock.Now())
	return f.applyErr
}

func (f *fakeUpdater) Applies() []time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]time.Time(nil), f.applies...)
}

func (f *fakeUpdater) Drains() []time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]time.Time(nil), f.drains...)
}

type fakeRecorder struct {
	mutex    sync.Mutex
	polls    []string
	detected int
	warnings int
	applied  []string
	states   []string
}

func (f *fakeRecorder) PollCompleted(result string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.polls = append(f.polls, result)
}

func (f *fakeRecorder) UpdateDetected() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.detected++
}

func (f *fakeRecorder) WarningSent() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.warnings++
}

func (f *fakeRecorder) UpdateApplied(result string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.applied = append(f.applied, result)
}

func (f *fakeRecorder) StateChanged(state string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.states = append(f.states, state)
}

type harness struct {
	clock       *fakeClock
	checker     *fakeChecker
	broadcaster *fakeBroadcaster
	updater     *fakeUpdater
	recorder    *fakeRecorder
	o           *Orchestrator
}

var pendingUpdate = version.Observation{
	NeedsUpdate:    true,
	DownloadURL:    "https://example.com/Oxide.Rust-linux.zip",
	RunningVersion: "1.2.3",
	LatestVersion:  "1.2.4",
}

func newHarness(t *testing.T, options Options) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	h := &harness{
		clock:       clock,
		checker:     &fakeChecker{obs: pendingUpdate},
		broadcaster: &fakeBroadcaster{clock: clock},
		updater:     &fakeUpdater{clock: clock},
		recorder:    &fakeRecorder{},
	}
	if options.PollInterval == 0 {
		options.PollInterval = 15 * time.Minute
	}
	if options.GracePeriod == 0 {
		options.GracePeriod = DefaultGracePeriod
	}
	h.o = NewOrchestrator(options, h.checker, h.broadcaster, h.updater, nil,
		WithClock(clock),
		WithRecorder(h.recorder),
		WithPool(workpool.NewPool(2, nil)))
	return h
}

// tickUntil ticks once per second of fake time up to and including end.
func (h *harness) tickUntil(end time.Time) {
	for !h.clock.Now().After(end) {
		h.o.Tick(context.Background())
		h.clock.Advance(time.Second)
	}
}

func (h *harness) tickAt(at time.Time) {
	h.clock.Set(at)
	h.o.Tick(context.Background())
}

func disabled(stages []Stage, offsets ...time.Duration) []Stage {
	out := append([]Stage(nil), stages...)
	for i := range out {
		for _, off := range offsets {
			if out[i].Offset == off {
				out[i].Enabled = false
			}
		}
	}
	return out
}

func TestOrchestrator_AllStagesDisabledExecutesOnNextTick(t *testing.T) {
	h := newHarness(t, Options{
		Stages:     disabled(DefaultStages(), 15*time.Minute, 10*time.Minute, 5*time.Minute, time.Minute),
		AutoUpdate: true,
	})

	h.tickAt(t0)
	assert.Equal(t, StateCountingDown, h.o.Status().State)
	assert.Equal(t, t0, h.o.Status().Cycle.ActionAt)
	assert.Empty(t, h.updater.Applies())

	h.tickAt(t0.Add(time.Second))
	assert.Empty(t, h.broadcaster.Sent())
	assert.Equal(t, []time.Time{t0.Add(time.Second)}, h.updater.Drains())
	assert.Equal(t, []time.Time{t0.Add(time.Second)}, h.updater.Applies())
	assert.Equal(t, StateCoolDown, h.o.Status().State)
}

func TestOrchestrator_CanonicalStageTiming(t *testing.T) {
	stages := DefaultStages()
	h := newHarness(t, Options{Stages: stages, AutoUpdate: true})

	h.tickUntil(t0.Add(16 * time.Minute))

	got := h.broadcaster.Sent()
	require.Len(t, got, 4)
	// The first stage fires on the first tick after detection.
	assert.Equal(t, t0.Add(time.Second), got[0].at)
	assert.Equal(t, t0.Add(5*time.Minute), got[1].at)
	assert.Equal(t, t0.Add(10*time.Minute), got[2].at)
	assert.Equal(t, t0.Add(14*time.Minute), got[3].at)
	for i, s := range got {
		assert.Equal(t, stages[i].Message, s.message)
	}

	assert.Equal(t, []time.Time{t0.Add(15 * time.Minute)}, h.updater.Applies())
	assert.Equal(t, 1, h.checker.Calls())
	assert.Equal(t, StateCoolDown, h.o.Status().State)
	assert.Equal(t, t0.Add(35*time.Minute), h.o.Status().ResumeAt)
}

func TestOrchestrator_DisabledStageDoesNotShiftOthers(t *testing.T) {
	tests := []struct {
		name     string
		disabled []time.Duration
		wantAt   []time.Duration
		actionAt time.Duration
	}{
		{
			name:     "middle stage disabled",
			disabled: []time.Duration{10 * time.Minute},
			wantAt:   []time.Duration{time.Second, 10 * time.Minute, 14 * time.Minute},
			actionAt: 15 * time.Minute,
		},
		{
			name:     "first stage disabled",
			disabled: []time.Duration{15 * time.Minute},
			wantAt:   []time.Duration{time.Second, 5 * time.Minute, 9 * time.Minute},
			actionAt: 10 * time.Minute,
		},
		{
			name:     "only last stage enabled",
			disabled: []time.Duration{15 * time.Minute, 10 * time.Minute, 5 * time.Minute},
			wantAt:   []time.Duration{time.Second},
			actionAt: time.Minute,
		},
		{
			name:     "final stage disabled",
			disabled: []time.Duration{time.Minute},
			wantAt:   []time.Duration{time.Second, 5 * time.Minute, 10 * time.Minute},
			actionAt: 15 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{Stages: disabled(DefaultStages(), tt.disabled...), AutoUpdate: true})

			h.tickUntil(t0.Add(16 * time.Minute))

			got := h.broadcaster.Sent()
			require.Len(t, got, len(tt.wantAt))
			for i, want := range tt.wantAt {
				assert.Equal(t, t0.Add(want), got[i].at, "stage %d", i)
			}
			assert.Equal(t, []time.Time{t0.Add(tt.actionAt)}, h.updater.Applies())
		})
	}
}

func TestOrchestrator_StagesFireInDecreasingOffsetOrder(t *testing.T) {
	stages := []Stage{
		{Offset: time.Minute, Message: "one", Enabled: true},
		{Offset: 3 * time.Minute, Message: "three", Enabled: true},
		{Offset: 2 * time.Minute, Message: "two", Enabled: true},
	}
	h := newHarness(t, Options{Stages: stages, AutoUpdate: true})

	h.tickUntil(t0.Add(4 * time.Minute))

	var messages []string
	for _, s := range h.broadcaster.Sent() {
		messages = append(messages, s.message)
	}
	assert.Equal(t, []string{"three", "two", "one"}, messages)
	assert.Equal(t, []time.Time{t0.Add(3 * time.Minute)}, h.updater.Applies())
}

func TestOrchestrator_OverdueStagesFireOnePerTick(t *testing.T) {
	stages := DefaultStages()
	h := newHarness(t, Options{Stages: stages, AutoUpdate: true})

	h.tickAt(t0)
	late := t0.Add(20 * time.Minute)

	for i := range stages {
		h.tickAt(late)
		got := h.broadcaster.Sent()
		require.Len(t, got, i+1)
		assert.Equal(t, stages[i].Message, got[i].message)
		assert.Empty(t, h.updater.Applies(), "action must wait for every stage")
	}

	h.tickAt(late)
	assert.Len(t, h.updater.Applies(), 1)
	assert.Equal(t, StateCoolDown, h.o.Status().State)
}

func TestOrchestrator_CoolDownBlocksPolling(t *testing.T) {
	h := newHarness(t, Options{Stages: DefaultStages(), AutoUpdate: true})

	h.tickUntil(t0.Add(15 * time.Minute))
	require.Len(t, h.updater.Applies(), 1)
	resumeAt := h.o.Status().ResumeAt
	assert.Equal(t, t0.Add(35*time.Minute), resumeAt)

	// The source still reports an update but must not be asked during the grace period.
	h.tickUntil(resumeAt.Add(-time.Second))
	assert.Equal(t, 1, h.checker.Calls())
	assert.Equal(t, StateCoolDown, h.o.Status().State)

	h.tickAt(resumeAt)
	assert.Equal(t, StateIdle, h.o.Status().State)
	assert.Equal(t, 1, h.checker.Calls())

	h.tickAt(resumeAt.Add(time.Second))
	assert.Equal(t, 2, h.checker.Calls())
	assert.Equal(t, StateCountingDown, h.o.Status().State)
	assert.Equal(t, resumeAt.Add(time.Second), h.o.Status().Cycle.DetectedAt)
}

func TestOrchestrator_PollInterval(t *testing.T) {
	h := newHarness(t, Options{Stages: DefaultStages(), AutoUpdate: true, PollInterval: 10 * time.Minute})
	h.checker.obs = version.Observation{RunningVersion: "1.2.4", LatestVersion: "1.2.4"}

	h.tickUntil(t0.Add(10*time.Minute - time.Second))
	assert.Equal(t, 1, h.checker.Calls())
	assert.Equal(t, StateIdle, h.o.Status().State)

	h.tickAt(t0.Add(10 * time.Minute))
	assert.Equal(t, 2, h.checker.Calls())
	assert.Equal(t, []string{PollResultUpToDate, PollResultUpToDate}, h.recorder.polls)
	assert.Empty(t, h.broadcaster.Sent())
}

func TestOrchestrator_CheckErrorIsRetriedNextCycle(t *testing.T) {
	h := newHarness(t, Options{Stages: DefaultStages(), AutoUpdate: true})
	h.checker.err = errors.NewRemoteQueryError("release endpoint returned 502", nil)

	h.tickAt(t0)
	assert.Equal(t, StateIdle, h.o.Status().State)
	assert.Nil(t, h.o.Status().Cycle)
	assert.Equal(t, t0, h.o.Status().LastPoll)

	h.tickAt(t0.Add(time.Minute))
	assert.Equal(t, 1, h.checker.Calls())

	h.checker.mutex.Lock()
	h.checker.err = nil
	h.checker.mutex.Unlock()

	h.tickAt(t0.Add(15 * time.Minute))
	assert.Equal(t, 2, h.checker.Calls())
	assert.Equal(t, StateCountingDown, h.o.Status().State)
	assert.Equal(t, []string{PollResultError, PollResultUpdateAvailable}, h.recorder.polls)
}

func TestOrchestrator_AutoUpdateDisabled(t *testing.T) {
	h := newHarness(t, Options{Stages: DefaultStages(), AutoUpdate: false})

	h.tickUntil(t0.Add(14 * time.Minute))
	assert.Len(t, h.broadcaster.Sent(), 4)
	assert.Equal(t, StateCountingDown, h.o.Status().State)

	// cool-down starts on the tick after the last warning, not at the action time
	h.tickAt(t0.Add(14*time.Minute + time.Second))
	assert.Empty(t, h.updater.Drains())
	assert.Empty(t, h.updater.Applies())
	assert.Equal(t, StateCoolDown, h.o.Status().State)
	assert.Equal(t, t0.Add(34*time.Minute+time.Second), h.o.Status().ResumeAt)
	assert.NotContains(t, h.recorder.states, string(StateExecuting))
}

func TestOrchestrator_AutoUpdateDisabledWithoutStages(t *testing.T) {
	h := newHarness(t, Options{
		Stages: disabled(DefaultStages(), 15*time.Minute, 10*time.Minute, 5*time.Minute, time.Minute),
	})

	h.tickAt(t0)
	assert.Equal(t, StateCountingDown, h.o.Status().State)

	h.tickAt(t0.Add(time.Second))
	assert.Empty(t, h.broadcaster.Sent())
	assert.Empty(t, h.updater.Applies())
	assert.Equal(t, StateCoolDown, h.o.Status().State)
}

func TestOrchestrator_FailedDrainStillApplies(t *testing.T) {
	h := newHarness(t, Options{AutoUpdate: true})
	h.updater.drainErr = fmt.Errorf("rcon unreachable")

	h.tickAt(t0)
	h.tickAt(t0.Add(time.Second))

	assert.Len(t, h.updater.Drains(), 1)
	assert.Len(t, h.updater.Applies(), 1)
	assert.Equal(t, []string{UpdateResultSuccess}, h.recorder.applied)
}

func TestOrchestrator_FailedUpdateStillCoolsDown(t *testing.T) {
	h := newHarness(t, Options{AutoUpdate: true})
	h.updater.applyErr = errors.NewProcessError("update command failed", nil)

	h.tickAt(t0)
	h.tickAt(t0.Add(time.Second))

	assert.Equal(t, StateCoolDown, h.o.Status().State)
	assert.Equal(t, []string{UpdateResultFailure}, h.recorder.applied)
	assert.Equal(t, t0.Add(time.Second+DefaultGracePeriod), h.o.Status().ResumeAt)
}

func TestOrchestrator_StateTransitionsRecorded(t *testing.T) {
	h := newHarness(t, Options{Stages: DefaultStages(), AutoUpdate: true})

	h.tickUntil(t0.Add(36 * time.Minute))

	assert.Equal(t, []string{
		string(StateIdle),
		string(StateCountingDown),
		string(StateExecuting),
		string(StateCoolDown),
		string(StateIdle),
		string(StateCountingDown),
	}, h.recorder.states)
	assert.Equal(t, 2, h.recorder.detected)
	assert.Equal(t, 5, h.recorder.warnings)
}

func TestOrchestrator_StatusIsACopy(t *testing.T) {
	h := newHarness(t, Options{Stages: DefaultStages(), AutoUpdate: true})
	h.tickAt(t0)

	status := h.o.Status()
	require.NotNil(t, status.Cycle)
	require.NotNil(t, status.LastObservation)
	assert.Equal(t, "1.2.4", status.Cycle.TargetVersion)
	assert.Equal(t, "1.2.3", status.Cycle.RunningVersion)
	assert.Len(t, status.Cycle.Remaining, 4)

	status.Cycle.Remaining[0].Message = "changed"
	status.Cycle.Remaining = nil
	assert.Len(t, h.o.Status().Cycle.Remaining, 4)
	assert.Equal(t, DefaultStages()[0].Message, h.o.Status().Cycle.Remaining[0].Message)
}

func TestOrchestrator_StartRejectsInvalidOptions(t *testing.T) {
	o := NewOrchestrator(Options{
		Stages: []Stage{
			{Offset: time.Minute, Enabled: true},
			{Offset: time.Minute, Enabled: true},
		},
	}, &fakeChecker{}, &fakeBroadcaster{clock: systemClock{}}, &fakeUpdater{clock: systemClock{}}, nil)

	err := o.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

type blockingChecker struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingChecker) Check(ctx context.Context) (version.Observation, error) {
	close(b.entered)
	<-b.release
	return version.Observation{RunningVersion: "1.2.4", LatestVersion: "1.2.4"}, nil
}

func TestOrchestrator_StopWaitsForInFlightCall(t *testing.T) {
	checker := &blockingChecker{entered: make(chan struct{}), release: make(chan struct{})}
	o := NewOrchestrator(Options{TickInterval: 10 * time.Millisecond}, checker,
		&fakeBroadcaster{clock: systemClock{}}, &fakeUpdater{clock: systemClock{}}, nil,
		WithPool(workpool.NewPool(1, nil)))

	require.NoError(t, o.Start(context.Background()))
	<-checker.entered

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the version check was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(checker.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the version check finished")
	}

	status := o.Status()
	assert.Equal(t, StateIdle, status.State)
	require.NotNil(t, status.LastObservation)
	assert.Equal(t, "1.2.4", status.LastObservation.LatestVersion)
}

type MockUpdater struct {
	mock.Mock
}

func (m *MockUpdater) Drain(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockUpdater) ApplyUpdate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestOrchestrator_RunUntilCancelled(t *testing.T) {
	checker := &fakeChecker{obs: pendingUpdate}
	updater := &MockUpdater{}
	updater.On("Drain", mock.Anything).Return(nil)
	updater.On("ApplyUpdate", mock.Anything).Return(nil)

	o := NewOrchestrator(Options{TickInterval: 5 * time.Millisecond, AutoUpdate: true, GracePeriod: time.Hour},
		checker, &fakeBroadcaster{clock: systemClock{}}, updater, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return o.Status().State == StateCoolDown
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	updater.AssertNumberOfCalls(t, "Drain", 1)
	updater.AssertNumberOfCalls(t, "ApplyUpdate", 1)
	assert.Equal(t, 1, checker.Calls())
}
