package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
	"github.com/core-tools/hsu-autoupdate/pkg/version"
	"github.com/core-tools/hsu-autoupdate/pkg/workpool"
)

const (
	DefaultPollInterval = 15 * time.Minute
	DefaultTickInterval = time.Second
	DefaultGracePeriod  = 20 * time.Minute
)

// Poll results reported to the Recorder.
const (
	PollResultError           = "error"
	PollResultUpToDate        = "up_to_date"
	PollResultUpdateAvailable = "update_available"
)

// Update results reported to the Recorder.
const (
	UpdateResultSuccess = "success"
	UpdateResultFailure = "failure"
)

type VersionChecker interface {
	Check(ctx context.Context) (version.Observation, error)
}

// Broadcaster delivers a warning to every channel. It never fails.
type Broadcaster interface {
	Broadcast(ctx context.Context, message string)
}

type Updater interface {
	Drain(ctx context.Context) error
	ApplyUpdate(ctx context.Context) error
}

type Clock interface {
	Now() time.Time
}

type Recorder interface {
	PollCompleted(result string)
	UpdateDetected()
	WarningSent()
	UpdateApplied(result string)
	StateChanged(state string)
}

type Options struct {
	PollInterval time.Duration
	TickInterval time.Duration
	GracePeriod  time.Duration
	Stages       []Stage
	AutoUpdate   bool
}

// Status is a point-in-time copy of the orchestrator state.
type Status struct {
	State           State
	Cycle           *UpdateCycle
	LastPoll        time.Time
	LastObservation *version.Observation
	ResumeAt        time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopRecorder struct{}

func (nopRecorder) PollCompleted(string) {}
func (nopRecorder) UpdateDetected()      {}
func (nopRecorder) WarningSent()         {}
func (nopRecorder) UpdateApplied(string) {}
func (nopRecorder) StateChanged(string)  {}

// Orchestrator polls for a new release, counts down through the warning
// stages and triggers the update. All transitions happen on the tick loop;
// blocking calls are offloaded to the pool and awaited.
type Orchestrator struct {
	options     Options
	checker     VersionChecker
	broadcaster Broadcaster
	updater     Updater
	pool        *workpool.Pool
	clock       Clock
	recorder    Recorder
	logger      logging.Logger

	// written only by the tick loop, guarded for Status readers
	mutex           sync.Mutex
	state           State
	cycle           *UpdateCycle
	pollDue         bool
	lastPoll        time.Time
	lastObservation *version.Observation
	resumeAt        time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Orchestrator)

func WithClock(clock Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithRecorder(recorder Recorder) Option {
	return func(o *Orchestrator) { o.recorder = recorder }
}

func WithPool(pool *workpool.Pool) Option {
	return func(o *Orchestrator) { o.pool = pool }
}

func NewOrchestrator(options Options, checker VersionChecker, broadcaster Broadcaster, updater Updater, logger logging.Logger, opts ...Option) *Orchestrator {
	if options.PollInterval == 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.TickInterval == 0 {
		options.TickInterval = DefaultTickInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	o := &Orchestrator{
		options:     options,
		checker:     checker,
		broadcaster: broadcaster,
		updater:     updater,
		clock:       systemClock{},
		recorder:    nopRecorder{},
		logger:      logger,
		state:       StateIdle,
		pollDue:     true,
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.recorder.StateChanged(string(StateIdle))
	return o
}

// Status returns a snapshot safe to use from any goroutine.
func (o *Orchestrator) Status() Status {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	status := Status{
		State:    o.state,
		Cycle:    o.cycle.clone(),
		LastPoll: o.lastPoll,
		ResumeAt: o.resumeAt,
	}
	if o.lastObservation != nil {
		obs := *o.lastObservation
		status.LastObservation = &obs
	}
	return status
}

// Start validates the options and runs the tick loop in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := ValidateOptions(o.options); err != nil {
		o.logger.Errorf("Orchestrator options validation failed, error: %v", err)
		return err
	}
	if o.checker == nil || o.broadcaster == nil || o.updater == nil {
		return errors.NewValidationError("orchestrator collaborators must not be nil", nil)
	}

	o.logger.Infof("Starting orchestrator, poll interval: %v, tick interval: %v, grace period: %v, auto update: %t, stages: %d",
		o.options.PollInterval, o.options.TickInterval, o.options.GracePeriod, o.options.AutoUpdate, len(o.options.Stages))

	o.wg.Add(1)
	go o.loop(ctx)
	return nil
}

// Stop asks the loop to exit and waits for the current tick to finish.
func (o *Orchestrator) Stop() {
	o.logger.Infof("Stopping orchestrator")
	o.stopOnce.Do(func() { close(o.stopChan) })
	o.wg.Wait()
	o.logger.Infof("Orchestrator stopped")
}

// Run starts the loop and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-o.stopChan:
	}
	o.Stop()
	return nil
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	o.logger.Debugf("Orchestrator loop started")

	ticker := time.NewTicker(o.options.TickInterval)
	defer ticker.Stop()

	for {
		if o.stopping(ctx) {
			o.logger.Debugf("Orchestrator loop stopping, state: %s", o.currentState())
			return
		}

		o.Tick(ctx)

		select {
		case <-ticker.C:
		case <-o.stopChan:
		case <-ctx.Done():
		}
	}
}

func (o *Orchestrator) stopping(ctx context.Context) bool {
	select {
	case <-o.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Tick evaluates one step of the state machine. It is called by the loop and
// directly by tests; it must not be called concurrently.
func (o *Orchestrator) Tick(ctx context.Context) {
	now := o.clock.Now()

	switch o.currentState() {
	case StateIdle:
		o.tickIdle(ctx, now)
	case StateCountingDown:
		o.tickCountingDown(ctx, now)
	case StateExecuting:
		o.execute(ctx)
	case StateCoolDown:
		o.tickCoolDown(now)
	}
}

func (o *Orchestrator) tickIdle(ctx context.Context, now time.Time) {
	o.mutex.Lock()
	due := o.pollDue || now.Sub(o.lastPoll) >= o.options.PollInterval
	o.mutex.Unlock()
	if !due {
		return
	}

	var obs version.Observation
	err := o.pool.Do(ctx, "version-check", func(ctx context.Context) error {
		var err error
		obs, err = o.checker.Check(ctx)
		return err
	})

	o.mutex.Lock()
	o.pollDue = false
	o.lastPoll = now
	if err == nil {
		o.lastObservation = &obs
	}
	o.mutex.Unlock()

	if err != nil {
		o.logger.Errorf("Version check failed, retrying in %v, error: %v", o.options.PollInterval, err)
		o.recorder.PollCompleted(PollResultError)
		return
	}

	if !obs.NeedsUpdate {
		o.logger.Infof("Up to date, running: %s", obs.RunningVersion)
		o.recorder.PollCompleted(PollResultUpToDate)
		return
	}

	cycle := NewUpdateCycle(obs, o.options.Stages, now)
	o.logger.Infof("Found new version, latest: %s, running: %s, action at: %v, stages: %d",
		obs.LatestVersion, obs.RunningVersion, cycle.ActionAt.Format(time.RFC3339), len(cycle.Remaining))
	o.recorder.PollCompleted(PollResultUpdateAvailable)
	o.recorder.UpdateDetected()

	o.mutex.Lock()
	o.cycle = cycle
	o.mutex.Unlock()
	o.setState(StateCountingDown)
}

// tickCountingDown sends at most one stage per tick. The action is only
// considered once every stage has been sent; without auto update the cycle
// ends on the tick after the last stage.
func (o *Orchestrator) tickCountingDown(ctx context.Context, now time.Time) {
	o.mutex.Lock()
	cycle := o.cycle
	o.mutex.Unlock()

	if cycle.StageDue(now) {
		o.mutex.Lock()
		stage := cycle.Pop()
		o.mutex.Unlock()

		o.logger.Infof("Sending warning, offset: %v, remaining: %d, message: %s", stage.Offset, len(cycle.Remaining), stage.Message)
		o.broadcaster.Broadcast(ctx, stage.Message)
		o.recorder.WarningSent()
		return
	}

	// without auto update there is no action to wait for
	if !o.options.AutoUpdate && len(cycle.Remaining) == 0 {
		o.logger.Infof("Auto update disabled, not applying update, latest: %s", cycle.TargetVersion)
		o.enterCoolDown(now)
		return
	}

	if !cycle.ActionDue(now) {
		return
	}

	o.setState(StateExecuting)
	o.execute(ctx)
}

// execute drains the server and runs the update command. Once started it runs
// to completion even when a stop is requested.
func (o *Orchestrator) execute(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	target := ""
	o.mutex.Lock()
	if o.cycle != nil {
		target = o.cycle.TargetVersion
	}
	o.mutex.Unlock()

	o.logger.Infof("Updating, target: %s", target)

	if err := o.pool.Do(ctx, "drain", o.updater.Drain); err != nil {
		o.logger.Warnf("Drain incomplete, continuing with update, error: %v", err)
	}

	result := UpdateResultSuccess
	if err := o.pool.Do(ctx, "apply-update", o.updater.ApplyUpdate); err != nil {
		result = UpdateResultFailure
		o.logger.Errorf("Update command failed, target: %s, error: %v", target, err)
	} else {
		o.logger.Infof("Update command completed, target: %s", target)
	}
	o.recorder.UpdateApplied(result)

	o.enterCoolDown(o.clock.Now())
}

func (o *Orchestrator) enterCoolDown(now time.Time) {
	resumeAt := now.Add(o.options.GracePeriod)

	o.mutex.Lock()
	o.cycle = nil
	o.resumeAt = resumeAt
	o.mutex.Unlock()

	o.logger.Infof("Cooling down, resume at: %v", resumeAt.Format(time.RFC3339))
	o.setState(StateCoolDown)
}

func (o *Orchestrator) tickCoolDown(now time.Time) {
	o.mutex.Lock()
	resumeAt := o.resumeAt
	o.mutex.Unlock()

	if now.Before(resumeAt) {
		return
	}

	o.logger.Infof("Reset update check")

	o.mutex.Lock()
	o.pollDue = true
	o.resumeAt = time.Time{}
	o.mutex.Unlock()
	o.setState(StateIdle)
}

func (o *Orchestrator) currentState() State {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.mutex.Lock()
	prev := o.state
	o.state = state
	o.mutex.Unlock()

	if prev != state {
		o.logger.Debugf("State changed, from: %s, to: %s", prev, state)
		o.recorder.StateChanged(string(state))
	}
}
