package workpool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
)

const DefaultSize = 4

// Task is a blocking call offloaded to the pool. The context it receives is
// never cancelled by the caller's stop request, only by its own deadline.
type Task func(ctx context.Context) error

// Pool runs blocking calls on a bounded set of goroutines while the caller
// waits for each one to complete.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	logger logging.Logger
}

func NewPool(size int, logger logging.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger,
	}
}

func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Do runs task on a pool slot and waits for it to return.
//
// ctx only gates acquiring the slot: once the task has started it runs to
// completion even if ctx is cancelled. A panic inside the task is converted
// into an internal error. A nil Pool runs the task inline.
func (p *Pool) Do(ctx context.Context, name string, task Task) error {
	if p == nil {
		return run(context.WithoutCancel(ctx), name, task)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errors.NewCancelledError("worker pool slot not acquired", err).WithContext("task", name)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- run(context.WithoutCancel(ctx), name, task)
	}()

	err := <-done
	p.logger.Debugf("Task finished, task: %s, elapsed: %v, error: %v", name, time.Since(start), err)
	return err
}

func run(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError(fmt.Sprintf("task panicked: %v", r), nil).WithContext("task", name)
		}
	}()
	return task(ctx)
}
