package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// RunnerExitError carries a non-zero exit status of the test runner so it can
// become the exit status of e2erun.
type RunnerExitError struct {
	Code int
}

func (e *RunnerExitError) Error() string {
	return fmt.Sprintf("test runner exited with status %d", e.Code)
}

// RunnerConfigFile selects the runner configuration for the target.
func RunnerConfigFile(cfg *ResolvedConfig, browserstack bool) string {
	if browserstack {
		return cfg.Config.Runner.BrowserstackConfig
	}
	return cfg.Config.Runner.Config
}

// RunnerArgs computes the runner arguments after the runner binary.
func RunnerArgs(cfg *ResolvedConfig, opts Options) []string {
	args := []string{RunnerConfigFile(cfg, opts.Browserstack)}
	if opts.Sharded() {
		args = append(args,
			"--capabilities.shardTestFiles=true",
			fmt.Sprintf("--capabilities.maxInstances=%d", opts.ShardCount()),
		)
	}
	args = append(args,
		"--suite", opts.Suite,
		fmt.Sprintf("--params.devMode=%t", opts.DevMode()),
	)
	return args
}

// RunnerSpec is the foreground test runner invocation.
func RunnerSpec(cfg *ResolvedConfig, opts Options) CommandSpec {
	c := &cfg.Config
	return CommandSpec{
		Name: "protractor",
		Path: c.Node,
		Args: append([]string{cfg.Path(c.Runner.Bin)}, RunnerArgs(cfg, opts)...),
		Dir:  cfg.ProjectRoot,
	}
}

// clearScreenshotDir removes a left-over empty screenshot directory so the
// reporter starts clean. A non-empty directory is left for the developer.
func clearScreenshotDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}

// screenshotNote is printed after a failing run when screenshots exist.
func screenshotNote(dir string) string {
	return fmt.Sprintf(`
Note: If ADD_SCREENSHOT_REPORTER is set to true in
core/tests/protractor.conf.js, you can view screenshots
of the failed tests in %s
`, dir)
}
