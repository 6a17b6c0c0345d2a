package version

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
)

// SentinelVersion is reported when no load marker is found. It never equals a
// real release tag, so a missing marker always reads as "update needed".
const SentinelVersion = "0.0.0"

const (
	DefaultLogFilePrefix = "oxide"
	DefaultLogFileExt    = ".txt"
)

// DefaultMarkerPattern matches the line Oxide writes once when the extension loads.
var DefaultMarkerPattern = regexp.MustCompile(`Loaded extension Rust v(\d+\.\d+\.\d+)`)

// LogScanner extracts the running version from the server's own log files.
//
// Log files carry their year-month in the name and the load marker is only
// written at process start, so a scan right after the month rolls over sees
// an empty current file. Both the current and the previous month are read and
// the last marker across them wins.
type LogScanner struct {
	Dir     string
	Prefix  string
	Ext     string
	Pattern *regexp.Regexp
}

func NewLogScanner(dir string) *LogScanner {
	return &LogScanner{
		Dir:     dir,
		Prefix:  DefaultLogFilePrefix,
		Ext:     DefaultLogFileExt,
		Pattern: DefaultMarkerPattern,
	}
}

// RunningVersion returns the last version marker logged during the month of
// now or the month before, or SentinelVersion.
func (s *LogScanner) RunningVersion(now time.Time) (string, error) {
	files, err := s.candidateFiles(now)
	if err != nil {
		return SentinelVersion, err
	}

	last := SentinelVersion
	for _, file := range files {
		found, ok, err := s.lastMarker(file)
		if err != nil {
			return SentinelVersion, err
		}
		if ok {
			last = found
		}
	}
	return last, nil
}

// candidateFiles lists the previous month's files followed by the current
// month's, each group in name order. Date-stamped names sort chronologically.
func (s *LogScanner) candidateFiles(now time.Time) ([]string, error) {
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	previous := current.AddDate(0, -1, 0)

	var files []string
	for _, month := range []time.Time{previous, current} {
		pattern := filepath.Join(s.Dir, s.Prefix+"*"+month.Format("2006-01")+"*"+s.Ext)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.NewIOError("invalid log file pattern", err).WithContext("pattern", pattern)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}

func (s *LogScanner) lastMarker(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// rotated away between glob and open
			return "", false, nil
		}
		return "", false, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}
	defer f.Close()

	var last string
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := s.Pattern.FindStringSubmatch(scanner.Text()); len(m) > 1 {
			last = m[1]
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return "", false, errors.NewIOError("failed to read log file", err).WithContext("path", path)
	}
	return last, found, nil
}
