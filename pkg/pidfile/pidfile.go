package pidfile

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
)

// DefaultAppName names the subdirectory holding the PID files.
const DefaultAppName = "hsu-autoupdate"

// DefaultPath returns the PID file of a server section in the per-user
// runtime directory.
func DefaultPath(section string) string {
	return filepath.Join(runtimeDirectory(), DefaultAppName, strings.ToLower(section)+".pid")
}

func runtimeDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

// PIDFile marks one running updater. Holding it keeps a second updater for
// the same section from starting.
type PIDFile struct {
	path   string
	pid    int
	logger logging.Logger
}

// Acquire writes the current PID to path. It fails with a process error
// while the PID recorded there belongs to a live process; stale or
// unreadable files are replaced.
func Acquire(path string, logger logging.Logger) (*PIDFile, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	pid := os.Getpid()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewIOError("failed to create PID file directory", err).WithContext("path", path)
	}

	if existing, ok := readPID(path); ok && existing != pid {
		running, err := IsProcessRunning(existing)
		if err != nil {
			logger.Debugf("Process check failed, pid: %d, error: %v", existing, err)
		}
		if running {
			return nil, errors.NewProcessError("another updater is already running", nil).
				WithContext("path", path).
				WithContext("pid", existing)
		}
		logger.Warnf("Replacing stale PID file, path: %s, pid: %d", path, existing)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, errors.NewIOError("failed to write PID file", err).WithContext("path", path)
	}
	logger.Debugf("PID file written, path: %s, pid: %d", path, pid)

	return &PIDFile{path: path, pid: pid, logger: logger}, nil
}

func (f *PIDFile) Path() string {
	return f.path
}

// Release removes the file if it still records this process.
func (f *PIDFile) Release() error {
	if existing, ok := readPID(f.path); !ok || existing != f.pid {
		f.logger.Warnf("PID file no longer ours, leaving it, path: %s", f.path)
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("path", f.path)
	}
	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
