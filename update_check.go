package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	selfupdate "github.com/creativeprojects/go-selfupdate"
)

const updateCheckInterval = 24 * time.Hour

type updateCheckCache struct {
	LastCheck     time.Time `json:"lastCheck"`
	LatestVersion string    `json:"latestVersion"`
}

// updateNotice holds the result of a background update check.
var updateNotice chan string

// startUpdateCheck kicks off a background goroutine that checks for a newer
// version. Call printUpdateNotice before exiting to display the result.
func startUpdateCheck() {
	if version == "dev" {
		return
	}

	updateNotice = make(chan string, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				// never crash the main process
			}
		}()

		latest, ok := checkForUpdate(updateCheckCachePath())
		if ok {
			updateNotice <- latest
		}
		close(updateNotice)
	}()
}

// printUpdateNotice prints a notification if a newer version was found.
// Non-blocking: if the check hasn't finished yet, it skips.
func printUpdateNotice() {
	if updateNotice == nil {
		return
	}
	select {
	case v, ok := <-updateNotice:
		if ok && v != "" {
			os.Stderr.WriteString("\nA new version of e2erun is available: v" + v + " (current: v" + version + ")\nRun 'e2erun upgrade' to update.\n")
		}
	default:
		// check still running, don't block
	}
}

func checkForUpdate(cachePath string) (string, bool) {
	if cache, ok := readUpdateCache(cachePath); ok && time.Since(cache.LastCheck) < updateCheckInterval {
		if isNewerVersion(cache.LatestVersion, version) {
			return cache.LatestVersion, true
		}
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(releaseSlug))
	if err != nil || !found {
		return "", false
	}

	latestVersion := latest.Version()
	writeUpdateCache(cachePath, updateCheckCache{
		LastCheck:     time.Now(),
		LatestVersion: latestVersion,
	})

	if latest.LessOrEqual(version) {
		return "", false
	}
	return latestVersion, true
}

func readUpdateCache(path string) (updateCheckCache, bool) {
	var cache updateCheckCache
	data, err := os.ReadFile(path)
	if err != nil {
		return cache, false
	}
	if json.Unmarshal(data, &cache) != nil {
		return cache, false
	}
	return cache, true
}

func writeUpdateCache(path string, cache updateCheckCache) {
	if data, err := json.Marshal(cache); err == nil {
		os.MkdirAll(filepath.Dir(path), 0755)
		os.WriteFile(path, data, 0644)
	}
}

// isNewerVersion reports whether latest is a higher semantic version than
// current. Unparseable versions are never newer.
func isNewerVersion(latest, current string) bool {
	l, err := semver.NewVersion(latest)
	if err != nil {
		return false
	}
	c, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	return l.GreaterThan(c)
}

func updateCheckCachePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "e2erun", "update-check.json")
	}
	return filepath.Join(os.TempDir(), "e2erun-update-check.json")
}
