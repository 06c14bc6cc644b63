package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		latest  string
		current string
		want    bool
	}{
		{"2.0.8", "2.0.6", true},
		{"2.0.6", "2.0.8", false},
		{"2.0.8", "2.0.8", false},
		{"2.1.0", "2.0.9", true},
		{"3.0.0", "2.9.9", true},
		{"v2.0.8", "2.0.6", true},
		{"2.0.8", "v2.0.6", true},
		{"v2.0.8", "v2.0.8", false},
		{"2.0.10", "2.0.9", true},
		{"2.0.9", "2.0.10", false},
		{"", "2.0.0", false},
		{"2.0.0", "dev", false},
	}

	for _, tt := range tests {
		t.Run(tt.latest+"_vs_"+tt.current, func(t *testing.T) {
			assert.Equal(t, tt.want, isNewerVersion(tt.latest, tt.current))
		})
	}
}

func TestCheckForUpdate_FreshCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update-check.json")

	saved := version
	version = "1.0.0"
	defer func() { version = saved }()

	writeUpdateCache(path, updateCheckCache{LastCheck: time.Now(), LatestVersion: "1.2.0"})
	latest, ok := checkForUpdate(path)
	assert.True(t, ok)
	assert.Equal(t, "1.2.0", latest)

	writeUpdateCache(path, updateCheckCache{LastCheck: time.Now(), LatestVersion: "1.0.0"})
	_, ok = checkForUpdate(path)
	assert.False(t, ok)
}

func TestUpdateCheckCachePath(t *testing.T) {
	path := filepath.ToSlash(updateCheckCachePath())
	assert.True(t,
		strings.HasSuffix(path, "e2erun/update-check.json") || strings.HasSuffix(path, "e2erun-update-check.json"),
		"unexpected cache path %s", path)
}
