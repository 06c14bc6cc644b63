package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmokeResult_Failed(t *testing.T) {
	tests := []struct {
		name   string
		result *SmokeResult
		want   bool
	}{
		{"nil", nil, false},
		{"clean", &SmokeResult{URL: "http://localhost:9001/"}, false},
		{"skipped", &SmokeResult{Skipped: true, Error: errors.New("ignored")}, false},
		{"load error", &SmokeResult{Error: errors.New("net::ERR_CONNECTION_REFUSED")}, true},
		{"exceptions", &SmokeResult{ConsoleErrors: []string{"TypeError: x is undefined"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Failed())
		})
	}
}

func TestBrowserSmoke_SkipsWithoutChrome(t *testing.T) {
	b := NewBrowserSmoke(t.TempDir(), &SmokeConfig{Timeout: 5})
	b.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	result := b.Check(context.Background(), "http://localhost:9001/")
	require.NotNil(t, result)
	assert.True(t, result.Skipped)
	assert.False(t, result.Failed())
	assert.Contains(t, FormatSmokeResult(result), "Skipped")
}

func TestBrowserSmoke_FindBrowser(t *testing.T) {
	b := NewBrowserSmoke(t.TempDir(), &SmokeConfig{})
	b.lookPath = func(name string) (string, error) {
		if name == "chromium" {
			return "/usr/bin/chromium", nil
		}
		return "", errors.New("not found")
	}

	exe, ok := b.findBrowser()
	assert.True(t, ok)
	assert.Equal(t, "/usr/bin/chromium", exe)
}

func TestBrowserSmoke_FindBrowserConfigured(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "chrome")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))

	b := NewBrowserSmoke(dir, &SmokeConfig{ExecutablePath: exe})
	b.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	got, ok := b.findBrowser()
	assert.True(t, ok)
	assert.Equal(t, exe, got)

	b.config.ExecutablePath = filepath.Join(dir, "missing")
	_, ok = b.findBrowser()
	assert.False(t, ok)
}

func TestSanitizeIdentifier(t *testing.T) {
	assert.Equal(t, "localhost_9001", sanitizeIdentifier("http://localhost:9001/"))
	assert.Equal(t, "host_a_b_q_1", sanitizeIdentifier("https://host/a/b?q=1"))
	assert.Len(t, sanitizeIdentifier("http://"+string(make([]byte, 80))), 50)
}

func TestExceptionText(t *testing.T) {
	assert.Equal(t, "unknown exception", exceptionText(nil))
	assert.Equal(t, "Uncaught", exceptionText(&runtime.ExceptionDetails{Text: "Uncaught"}))
	assert.Equal(t, "TypeError: boom", exceptionText(&runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Description: "TypeError: boom"},
	}))
}

func TestFormatSmokeResult(t *testing.T) {
	out := FormatSmokeResult(&SmokeResult{
		URL:           "http://localhost:9001/",
		ConsoleErrors: []string{"ReferenceError: angular is not defined"},
		Screenshot:    "/tmp/smoke.png",
	})
	assert.Contains(t, out, "http://localhost:9001/")
	assert.Contains(t, out, "Uncaught exceptions: 1")
	assert.Contains(t, out, "angular is not defined")
	assert.Contains(t, out, "/tmp/smoke.png")

	assert.Empty(t, FormatSmokeResult(nil))
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 10))
	assert.Equal(t, "12345...", truncateText("1234567890", 5))
}
