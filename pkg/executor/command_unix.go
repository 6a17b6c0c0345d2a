//go:build !windows

package executor

import (
	"os"
	"os/exec"
	"syscall"
)

const defaultShell = "/bin/sh"

func shellCommand(shell, command string) (string, []string) {
	if shell == "" {
		shell = defaultShell
	}
	return shell, []string{"-c", command}
}

// setupProcessAttributes puts the update command in its own process group so
// a signal aimed at this service does not reach the server it restarts. On
// cancellation the whole group is killed, not only the shell.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process.Pid)
	}
}

func killProcessGroup(pid int) error {
	// negative PID addresses the process group
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return os.ErrProcessDone
	}
	return err
}
