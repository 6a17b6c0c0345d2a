//go:build windows

package executor

import (
	"os/exec"
	"strconv"
	"syscall"
)

const defaultShell = "cmd.exe"

func shellCommand(shell, command string) (string, []string) {
	if shell == "" {
		shell = defaultShell
	}
	return shell, []string{"/C", command}
}

// setupProcessAttributes detaches the update command from this console's
// Ctrl+C group. On cancellation the whole process tree is killed.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
	cmd.Cancel = func() error {
		return killProcessTree(cmd.Process.Pid)
	}
}

func killProcessTree(pid int) error {
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	if err := kill.Run(); err != nil {
		// fall back to the shell alone
		return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
	}
	return nil
}
