package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
	"github.com/core-tools/hsu-autoupdate/pkg/rcon"
)

const (
	DefaultKickReason = "Server Restarting"
	SaveCommand       = "server.save"
	DefaultWaitDelay  = 10 * time.Second

	maxOutputBytes = 16 * 1024
)

// Console executes one command on the game server's remote console.
type Console interface {
	Send(ctx context.Context, command string) (*rcon.Reply, error)
}

type Options struct {
	// Command is handed verbatim to the system shell.
	Command          string        `yaml:"command"`
	Shell            string        `yaml:"shell,omitempty"`
	KickReason       string        `yaml:"kick_reason,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// Executor drains the game server and runs the update command.
type Executor struct {
	options Options
	console Console
	logger  logging.Logger
}

// NewExecutor returns an executor. A nil console disables draining.
func NewExecutor(options Options, console Console, logger logging.Logger) *Executor {
	if strings.TrimSpace(options.KickReason) == "" {
		options.KickReason = DefaultKickReason
	}
	if options.WaitDelay <= 0 {
		options.WaitDelay = DefaultWaitDelay
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{
		options: options,
		console: console,
		logger:  logger,
	}
}

// KickCommand returns the console command that disconnects every player.
func (e *Executor) KickCommand() string {
	return fmt.Sprintf("kickall \"\" %q", e.options.KickReason)
}

// Drain kicks every player and forces a world save. Both commands are always
// attempted; their failures are returned together.
func (e *Executor) Drain(ctx context.Context) error {
	if e.console == nil {
		e.logger.Debugf("Remote console disabled, skipping drain")
		return nil
	}

	var result *multierror.Error
	for _, command := range []string{e.KickCommand(), SaveCommand} {
		e.logger.Infof("Sending drain command, command: %s", command)
		reply, err := e.console.Send(ctx, command)
		if err != nil {
			e.logger.Errorf("Drain command failed, command: %s, error: %v", command, err)
			result = errors.Append(result, err)
			continue
		}
		if reply != nil && reply.Message != "" {
			e.logger.Debugf("Drain command replied, command: %s, reply: %s", command, reply.Message)
		}
	}
	return errors.ErrorOrNil(result)
}

// ApplyUpdate runs the configured update command through the shell and waits
// for it to exit. A non-zero exit is reported as a process error.
func (e *Executor) ApplyUpdate(ctx context.Context) error {
	command := strings.TrimSpace(e.options.Command)
	if command == "" {
		return errors.NewValidationError("update command is empty", nil)
	}

	if e.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	shell, args := shellCommand(e.options.Shell, command)
	cmd := exec.CommandContext(ctx, shell, args...)
	cmd.Dir = e.options.WorkingDirectory
	cmd.Env = append(os.Environ(), e.options.Environment...)

	// Platform-specific setup is handled in command_unix.go or command_windows.go
	setupProcessAttributes(cmd)

	// bound on waiting for the output pipes once the command is killed or exits
	cmd.WaitDelay = e.options.WaitDelay

	output := &limitedBuffer{limit: maxOutputBytes}
	cmd.Stdout = output
	cmd.Stderr = output

	e.logger.Infof("Running update command, shell: %s, command: %s", shell, command)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if out := strings.TrimSpace(output.String()); out != "" {
		e.logger.Infof("Update command output, output: %s", out)
	}

	if err == exec.ErrWaitDelay {
		e.logger.Warnf("Update command exited but left processes holding its output, elapsed: %v", elapsed)
		err = nil
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.NewTimeoutError("update command timed out", err).
				WithContext("command", command).
				WithContext("timeout", e.options.Timeout)
		}
		return errors.NewProcessError("update command failed", err).
			WithContext("command", command).
			WithContext("exit_code", exitCode(err))
	}

	e.logger.Infof("Update command finished, elapsed: %v", elapsed)
	return nil
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps the first limit bytes written and drops the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
