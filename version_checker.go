package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"
)

const (
	versionURL          = "https://raw.githubusercontent.com/cwsl/itachd/refs/heads/main/version.go"
	versionCheckTimeout = 10 * time.Second
)

var (
	// LatestVersion holds the latest version fetched from GitHub
	LatestVersion string
	// latestVersionMu protects access to LatestVersion
	latestVersionMu sync.RWMutex
	// versionRegex matches the version constant in version.go
	versionRegex = regexp.MustCompile(`const\s+Version\s*=\s*"([^"]+)"`)
)

// GetLatestVersion returns the latest version fetched from GitHub.
// Returns empty string if no version has been fetched yet.
func GetLatestVersion() string {
	latestVersionMu.RLock()
	defer latestVersionMu.RUnlock()
	return LatestVersion
}

func setLatestVersion(version string) {
	latestVersionMu.Lock()
	defer latestVersionMu.Unlock()
	LatestVersion = version
}

// fetchVersionFromGitHub fetches version.go from the main branch and
// extracts the version constant.
func fetchVersionFromGitHub() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), versionCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", versionURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", fmt.Sprintf("itachd/%s", Version))

	client := &http.Client{Timeout: versionCheckTimeout}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch version file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		matches := versionRegex.FindStringSubmatch(line)
		if len(matches) == 2 {
			return matches[1], nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}

	return "", fmt.Errorf("version constant not found in file")
}

// checkVersion fetches the latest version and logs whether an upgrade
// is available. Semver comparison so a downgrade on the remote branch
// doesn't read as an update.
func checkVersion() {
	latest, err := fetchVersionFromGitHub()
	if err != nil {
		log.Printf("Version check failed: %v (Current version: %s)", err, Version)
		return
	}

	setLatestVersion(latest)

	current, err := goversion.NewVersion(Version)
	if err != nil {
		log.Printf("Version check: cannot parse current version %q: %v", Version, err)
		return
	}
	remote, err := goversion.NewVersion(latest)
	if err != nil {
		log.Printf("Version check: cannot parse remote version %q: %v", latest, err)
		return
	}

	if remote.GreaterThan(current) {
		log.Printf("Version check: Current=%s, Latest=%s — update available", Version, latest)
	} else {
		log.Printf("Version check: Current=%s, Latest=%s — up to date", Version, latest)
	}
}

// StartVersionChecker starts a goroutine that periodically checks for
// new versions. Performs an initial check at startup and then checks at
// the configured interval.
func StartVersionChecker(enabled bool, intervalMinutes int) {
	if !enabled {
		log.Printf("Version checker disabled in configuration")
		return
	}

	if intervalMinutes < 60 {
		log.Printf("Warning: version_check_interval must be at least 60 minutes, using 60")
		intervalMinutes = 60
	}

	interval := time.Duration(intervalMinutes) * time.Minute
	log.Printf("Starting version checker (checking every %v)", interval)

	go checkVersion()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			checkVersion()
		}
	}()
}
