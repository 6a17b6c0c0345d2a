package notify

import (
	"context"

	"github.com/core-tools/hsu-autoupdate/pkg/logging"
	"github.com/core-tools/hsu-autoupdate/pkg/workpool"
)

// Channel delivers one text message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, message string) error
}

// FailureRecorder is told about every channel that failed to deliver.
type FailureRecorder interface {
	NotificationFailed(channel string)
}

// Dispatcher broadcasts messages to every configured channel on a best-effort
// basis. Failures are logged and recorded, never returned.
type Dispatcher struct {
	channels []Channel
	pool     *workpool.Pool
	recorder FailureRecorder
	logger   logging.Logger
}

func NewDispatcher(channels []Channel, pool *workpool.Pool, recorder FailureRecorder, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		channels: channels,
		pool:     pool,
		recorder: recorder,
		logger:   logger,
	}
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Broadcast attempts every channel in turn and returns once all of them have
// been tried. A channel that errors or panics does not stop the rest.
func (d *Dispatcher) Broadcast(ctx context.Context, message string) {
	if len(d.channels) == 0 {
		d.logger.Debugf("No notification channels configured, message: %s", message)
		return
	}

	for _, ch := range d.channels {
		ch := ch
		err := d.pool.Do(ctx, "notify:"+ch.Name(), func(ctx context.Context) error {
			return ch.Send(ctx, message)
		})
		if err != nil {
			d.logger.Errorf("Failed to send notification, channel: %s, error: %v", ch.Name(), err)
			if d.recorder != nil {
				d.recorder.NotificationFailed(ch.Name())
			}
			continue
		}
		d.logger.Debugf("Notification sent, channel: %s", ch.Name())
	}
}
