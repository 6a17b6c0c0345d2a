package version

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
)

// DefaultManifestURL is the latest-release endpoint of the Oxide.Rust repository.
const DefaultManifestURL = "https://api.github.com/repositories/94599577/releases/latest"

// maxManifestBytes caps how much of a release document is read.
const maxManifestBytes = 4 << 20

type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// Release is the subset of a release document the monitor relies on.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// DownloadURL returns the first asset URL for platform. Linux assets carry
// "linux" in their URL; every other URL is treated as a Windows build.
func (r *Release) DownloadURL(platform Platform) (string, bool) {
	for _, asset := range r.Assets {
		u := asset.BrowserDownloadURL
		if u == "" {
			continue
		}
		isLinux := strings.Contains(u, string(PlatformLinux))
		if (platform == PlatformWindows) != isLinux {
			return u, true
		}
	}
	return "", false
}

// FetchRelease queries the release endpoint once.
func FetchRelease(ctx context.Context, client *http.Client, manifestURL string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, errors.NewRemoteQueryError("failed to create release request", err).WithContext("url", manifestURL)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.NewRemoteQueryError("release endpoint unreachable", err).WithContext("url", manifestURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, errors.NewRemoteQueryError("failed to read release response", err).WithContext("url", manifestURL)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.NewRemoteQueryError(fmt.Sprintf("release endpoint returned %d", resp.StatusCode), nil).
			WithContext("url", manifestURL).
			WithContext("status", resp.StatusCode).
			WithContext("body", truncate(string(body), 256))
	}

	return ParseRelease(body)
}

// ParseRelease decodes a release document and checks the tag is present.
func ParseRelease(body []byte) (*Release, error) {
	var release Release
	if err := json.Unmarshal(body, &release); err != nil {
		return nil, errors.NewManifestParseError("release document is not valid JSON", err)
	}
	release.TagName = strings.TrimSpace(release.TagName)
	if release.TagName == "" {
		return nil, errors.NewManifestParseError("could not find tag_name", nil).
			WithContext("body", truncate(string(body), 256))
	}
	return &release, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
