package version

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
)

const DefaultHTTPTimeout = 30 * time.Second

// Observation is the result of one version check.
type Observation struct {
	NeedsUpdate    bool
	DownloadURL    string
	RunningVersion string
	LatestVersion  string
}

func (o Observation) String() string {
	return fmt.Sprintf("needs_update: %t, running: %s, latest: %s, url: %s",
		o.NeedsUpdate, o.RunningVersion, o.LatestVersion, o.DownloadURL)
}

type MonitorOptions struct {
	LogDir      string
	ManifestURL string
	Platform    Platform
	HTTPTimeout time.Duration
}

// Monitor compares the version the server last reported in its logs with the
// latest published release. It keeps no state between checks.
type Monitor struct {
	options MonitorOptions
	scanner *LogScanner
	client  *http.Client
	now     func() time.Time
	logger  logging.Logger
}

func NewMonitor(options MonitorOptions, logger logging.Logger) *Monitor {
	if options.ManifestURL == "" {
		options.ManifestURL = DefaultManifestURL
	}
	if options.Platform == "" {
		options.Platform = PlatformLinux
	}
	if options.HTTPTimeout <= 0 {
		options.HTTPTimeout = DefaultHTTPTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Monitor{
		options: options,
		scanner: NewLogScanner(options.LogDir),
		client:  &http.Client{Timeout: options.HTTPTimeout},
		now:     time.Now,
		logger:  logger,
	}
}

// Check fetches the latest release and compares its tag with the running
// version by plain string equality. A different tag is an update even when it
// is not newer.
func (m *Monitor) Check(ctx context.Context) (Observation, error) {
	release, err := FetchRelease(ctx, m.client, m.options.ManifestURL)
	if err != nil {
		return Observation{}, err
	}

	downloadURL, ok := release.DownloadURL(m.options.Platform)
	if !ok {
		return Observation{}, errors.NewManifestParseError("could not find download URL", nil).
			WithContext("platform", string(m.options.Platform)).
			WithContext("tag", release.TagName)
	}

	running, err := m.scanner.RunningVersion(m.now())
	if err != nil {
		return Observation{}, err
	}

	latest := release.TagName
	obs := Observation{
		NeedsUpdate:    strings.TrimSpace(running) != strings.TrimSpace(latest),
		DownloadURL:    downloadURL,
		RunningVersion: running,
		LatestVersion:  latest,
	}

	if obs.NeedsUpdate && running != SentinelVersion && isOlder(latest, running) {
		m.logger.Warnf("Latest release is older than the running version, treating it as an update anyway, running: %s, latest: %s",
			running, latest)
	}
	if running == SentinelVersion {
		m.logger.Infof("No version marker found in logs, dir: %s", m.options.LogDir)
	}

	return obs, nil
}

func isOlder(candidate, reference string) bool {
	c, err := goversion.NewVersion(candidate)
	if err != nil {
		return false
	}
	r, err := goversion.NewVersion(reference)
	if err != nil {
		return false
	}
	return c.LessThan(r)
}
