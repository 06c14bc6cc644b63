package main

import (
	"context"
	"fmt"
	"runtime"

	selfupdate "github.com/creativeprojects/go-selfupdate"
)

// releaseSlug is the GitHub repository releases are published to
const releaseSlug = "scripness/e2erun"

// UpgradeCmd replaces the running binary with the latest release
type UpgradeCmd struct{}

func (c *UpgradeCmd) Run() error {
	fmt.Println("Checking for updates...")

	ctx := context.Background()
	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(releaseSlug))
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}
	if !found {
		return fmt.Errorf("no release found for %s/%s", runtime.GOOS, runtime.GOARCH)
	}

	if latest.LessOrEqual(version) {
		fmt.Printf("Already at latest version (v%s)\n", version)
		return nil
	}

	fmt.Printf("New version available: v%s (current: v%s)\n", latest.Version(), version)

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}

	fmt.Printf("Successfully upgraded to v%s\n", latest.Version())
	return nil
}
