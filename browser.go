package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// SmokeResult is the outcome of loading the app once in a real browser
type SmokeResult struct {
	URL           string
	Skipped       bool
	SkipReason    string
	ConsoleErrors []string
	Screenshot    string
	Elapsed       time.Duration
	Error         error
}

// Failed reports whether the page failed to load or threw.
func (r *SmokeResult) Failed() bool {
	return r != nil && !r.Skipped && (r.Error != nil || len(r.ConsoleErrors) > 0)
}

// SmokeChecker loads a URL and reports whether the app came up cleanly.
type SmokeChecker interface {
	Check(ctx context.Context, url string) *SmokeResult
}

// browserCandidates are probed in PATH when no executable is configured
var browserCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"headless-shell",
}

// BrowserSmoke runs the smoke check in headless Chrome via chromedp
type BrowserSmoke struct {
	config      *SmokeConfig
	projectRoot string
	lookPath    func(string) (string, error)
}

// NewBrowserSmoke creates a smoke checker
func NewBrowserSmoke(projectRoot string, config *SmokeConfig) *BrowserSmoke {
	return &BrowserSmoke{
		config:      config,
		projectRoot: projectRoot,
		lookPath:    exec.LookPath,
	}
}

// findBrowser returns the Chrome executable to drive
func (b *BrowserSmoke) findBrowser() (string, bool) {
	if b.config.ExecutablePath != "" {
		if fileExists(b.config.ExecutablePath) {
			return b.config.ExecutablePath, true
		}
		if p, err := b.lookPath(b.config.ExecutablePath); err == nil {
			return p, true
		}
		return "", false
	}
	for _, name := range browserCandidates {
		if p, err := b.lookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}

// Check navigates to url, waits for the body and collects uncaught exceptions.
// A screenshot is saved when the check fails.
func (b *BrowserSmoke) Check(ctx context.Context, url string) *SmokeResult {
	result := &SmokeResult{URL: url}

	exe, ok := b.findBrowser()
	if !ok {
		result.Skipped = true
		result.SkipReason = "no Chrome executable found"
		return result
	}

	start := time.Now()
	defer func() { result.Elapsed = time.Since(start) }()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.Headless,
		chromedp.ExecPath(exe),
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var mu sync.Mutex
	var exceptions []string
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if ev, ok := ev.(*runtime.EventExceptionThrown); ok {
			mu.Lock()
			exceptions = append(exceptions, exceptionText(ev.ExceptionDetails))
			mu.Unlock()
		}
	})

	timeout := time.Duration(b.config.Timeout) * time.Second
	navCtx, navCancel := context.WithTimeout(browserCtx, timeout)
	defer navCancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1*time.Second), // let deferred scripts run
	)
	if err != nil {
		result.Error = fmt.Errorf("load %s: %w", url, err)
	}

	mu.Lock()
	result.ConsoleErrors = append([]string(nil), exceptions...)
	mu.Unlock()

	if result.Error != nil || len(result.ConsoleErrors) > 0 {
		shotCtx, shotCancel := context.WithTimeout(browserCtx, 10*time.Second)
		defer shotCancel()
		var buf []byte
		if err := chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, 90)); err == nil && len(buf) > 0 {
			result.Screenshot = b.saveScreenshot(url, buf)
		}
	}

	return result
}

// exceptionText extracts a readable message from an uncaught exception
func exceptionText(details *runtime.ExceptionDetails) string {
	if details == nil {
		return "unknown exception"
	}
	if details.Exception != nil && details.Exception.Description != "" {
		return details.Exception.Description
	}
	return details.Text
}

// saveScreenshot saves a screenshot to the screenshots directory
func (b *BrowserSmoke) saveScreenshot(identifier string, data []byte) string {
	screenshotDir := resolvePath(b.projectRoot, b.config.ScreenshotDir)

	if err := os.MkdirAll(screenshotDir, 0755); err != nil {
		fmt.Printf("Warning: failed to create screenshot dir: %v\n", err)
		return ""
	}

	filename := fmt.Sprintf("smoke-%s-%s.png", time.Now().Format("20060102-150405"), sanitizeIdentifier(identifier))
	screenshotPath := filepath.Join(screenshotDir, filename)

	if err := os.WriteFile(screenshotPath, data, 0644); err != nil {
		fmt.Printf("Warning: failed to save screenshot: %v\n", err)
		return ""
	}

	return screenshotPath
}

// sanitizeIdentifier turns a URL into something safe for a filename
func sanitizeIdentifier(identifier string) string {
	identifier = strings.TrimPrefix(identifier, "http://")
	identifier = strings.TrimPrefix(identifier, "https://")
	r := strings.NewReplacer("/", "_", ":", "_", "?", "_", "&", "_", "=", "_")
	idSafe := strings.Trim(r.Replace(identifier), "_")
	if len(idSafe) > 50 {
		idSafe = idSafe[:50]
	}
	return idSafe
}

// FormatSmokeResult formats a smoke result for display
func FormatSmokeResult(r *SmokeResult) string {
	if r == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  URL: %s\n", r.URL))
	switch {
	case r.Skipped:
		sb.WriteString(fmt.Sprintf("    - Skipped: %s\n", r.SkipReason))
	case r.Error != nil:
		sb.WriteString(fmt.Sprintf("    ✗ Error: %v\n", r.Error))
	default:
		sb.WriteString(fmt.Sprintf("    ✓ Loaded in %v\n", r.Elapsed.Round(time.Millisecond)))
	}
	if len(r.ConsoleErrors) > 0 {
		sb.WriteString(fmt.Sprintf("    ⚠ Uncaught exceptions: %d\n", len(r.ConsoleErrors)))
		for _, e := range r.ConsoleErrors {
			sb.WriteString(fmt.Sprintf("      - %s\n", truncateText(e, 200)))
		}
	}
	if r.Screenshot != "" {
		sb.WriteString(fmt.Sprintf("    Screenshot: %s\n", r.Screenshot))
	}
	return sb.String()
}

// truncateText truncates text to maxLen characters
func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
