package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
)

// ErrInterrupted is returned when a session was stopped by a signal
var ErrInterrupted = errors.New("interrupted")

// CLI is the command-line interface of e2erun
type CLI struct {
	Version kong.VersionFlag `help:"Show version information" short:"v"`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Run the end-to-end suite against a local stack (default)"`
	Init    InitCmd    `cmd:"" help:"Write a default e2erun.config.json"`
	Doctor  DoctorCmd  `cmd:"" help:"Check the e2erun environment"`
	Logs    LogsCmd    `cmd:"" help:"View run logs"`
	Upgrade UpgradeCmd `cmd:"" help:"Upgrade e2erun to the latest version"`
}

// RunCmd runs one test session
type RunCmd struct {
	Browserstack      bool          `help:"Run the tests on browserstack."`
	SkipInstall       bool          `name:"skip-install" help:"Skip installing dependencies."`
	Sharding          bool          `default:"true" negatable:"" help:"Shard the suite across parallel browsers. Disable to run tests one at a time."`
	ShardingInstances string        `name:"sharding-instances" default:"3" help:"Number of parallel browsers to open while sharding."`
	ProdEnv           bool          `name:"prod-env" aliases:"prod_env" help:"Build and serve in production mode."`
	Suite             string        `default:"full" help:"Test suite to run (see the suites section of the runner config)."`
	Smoke             bool          `help:"Load the app once in headless Chrome before running the suite."`
	ReadyTimeout      time.Duration `name:"ready-timeout" help:"How long to wait for the servers to come up (default from config)."`
}

// Options converts the parsed flags into session options
func (r *RunCmd) Options() Options {
	return Options{
		Browserstack:      r.Browserstack,
		SkipInstall:       r.SkipInstall,
		Sharding:          r.Sharding,
		ShardingInstances: r.ShardingInstances,
		ProdEnv:           r.ProdEnv,
		Suite:             r.Suite,
		Smoke:             r.Smoke,
		ReadyTimeout:      r.ReadyTimeout,
	}
}

// Run executes the session. SIGINT and SIGTERM cancel it; everything the
// session started is torn down before returning.
func (r *RunCmd) Run() error {
	projectRoot := GetProjectRoot()

	cfg, err := LoadConfig(projectRoot)
	if err != nil {
		return err
	}

	// The run log is only created once the port guard has passed
	logger := NewPendingRunLogger(StateDir(projectRoot), cfg.Config.Logging)
	defer logger.Close()

	session := NewSession(cfg, r.Options(), NewExecExecutor(projectRoot), logger)
	session.Smoke = NewBrowserSmoke(projectRoot, cfg.Config.Smoke)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var interrupted atomic.Bool
	go func() {
		select {
		case <-sigChan:
			interrupted.Store(true)
			fmt.Fprintln(os.Stderr, "\n\nInterrupted. Cleaning up and exiting...")
			// A second signal during teardown kills the process
			signal.Stop(sigChan)
			cancel()
		case <-ctx.Done():
		}
	}()

	err = session.Run(ctx)
	if interrupted.Load() {
		return ErrInterrupted
	}
	return err
}

// InitCmd writes the default configuration
type InitCmd struct {
	Force bool `short:"f" help:"Overwrite an existing config file."`
}

func (c *InitCmd) Run() error {
	return initProject(GetProjectRoot(), c.Force, os.Stdout)
}

func initProject(projectRoot string, force bool, w io.Writer) error {
	configPath := ConfigPath(projectRoot)
	if fileExists(configPath) && !force {
		return fmt.Errorf("e2erun.config.json already exists at %s (use --force to overwrite)", configPath)
	}

	if err := WriteDefaultConfig(projectRoot); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	stateDir := StateDir(projectRoot)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", stateDir, err)
	}

	gitignore := `# e2erun local state
e2erun.lock
logs/
screenshots/
*.tmp
`
	if err := AtomicWriteFile(filepath.Join(stateDir, ".gitignore"), []byte(gitignore), 0644); err != nil {
		fmt.Fprintf(w, "Warning: failed to write .gitignore: %v\n", err)
	}

	fmt.Fprintln(w, "Initialized e2erun:")
	fmt.Fprintf(w, "  Config: %s\n", configPath)
	fmt.Fprintf(w, "  State dir: %s\n", stateDir)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Run 'e2erun doctor' to check the environment")
	fmt.Fprintln(w, "  2. Run 'e2erun --suite <name>' to run a suite")
	return nil
}

// DoctorCmd checks the environment
type DoctorCmd struct{}

func (c *DoctorCmd) Run() error {
	issues := runDoctor(GetProjectRoot(), os.Stdout)
	if issues > 0 {
		return fmt.Errorf("%d issue(s) found", issues)
	}
	return nil
}

// runDoctor prints the environment checks and returns the number of issues
func runDoctor(projectRoot string, w io.Writer) int {
	issues := 0

	fmt.Fprintln(w, "e2erun Environment Check")
	fmt.Fprintln(w)

	if fileExists(ConfigPath(projectRoot)) {
		fmt.Fprintln(w, "✓ e2erun.config.json found")
	} else {
		fmt.Fprintln(w, "○ e2erun.config.json: not found, using defaults (run 'e2erun init')")
	}

	cfg, err := LoadConfig(projectRoot)
	if err != nil {
		fmt.Fprintf(w, "✗ config: %v\n", err)
		return issues + 1
	}

	if isCommandAvailable("sh") {
		fmt.Fprintln(w, "✓ sh available")
	} else {
		fmt.Fprintln(w, "✗ sh not found")
		issues++
	}

	for _, issue := range CheckReadiness(cfg) {
		fmt.Fprintf(w, "✗ %s\n", issue)
		issues++
	}

	ctx := context.Background()
	c := &cfg.Config
	for _, port := range c.Ports.Guard {
		if IsPortOpen(ctx, port) {
			fmt.Fprintf(w, "✗ port %d is in use\n", port)
			issues++
		} else {
			fmt.Fprintf(w, "✓ port %d free\n", port)
		}
	}
	if IsPortOpen(ctx, c.Ports.WebDriver) {
		fmt.Fprintf(w, "! port %d (webdriver) is in use, a driver may still be running\n", c.Ports.WebDriver)
	}

	backup := BackupPath(cfg.Path(c.Build.ConstantsFile))
	if fileExists(backup) {
		fmt.Fprintf(w, "✗ constants backup left behind: %s (a previous run did not restore it)\n", backup)
		issues++
	}

	stateDir := StateDir(projectRoot)
	if fi, statErr := os.Stat(stateDir); statErr == nil && fi.IsDir() {
		testFile := filepath.Join(stateDir, ".write-test")
		if f, writeErr := os.Create(testFile); writeErr != nil {
			fmt.Fprintln(w, "✗ .e2erun directory not writable")
			issues++
		} else {
			f.Close()
			os.Remove(testFile)
			fmt.Fprintln(w, "✓ .e2erun directory writable")
		}
	}

	lock, _ := ReadLockStatus(projectRoot)
	if lock != nil {
		fmt.Fprintln(w)
		if isProcessAlive(lock.PID) {
			fmt.Fprintf(w, "! e2erun is currently running (PID %d, suite: %s)\n", lock.PID, lock.Suite)
		} else {
			fmt.Fprintf(w, "○ Stale lock found (PID %d no longer running)\n", lock.PID)
		}
	}

	fmt.Fprintln(w)
	if issues > 0 {
		fmt.Fprintf(w, "%d issue(s) found.\n", issues)
	} else {
		fmt.Fprintln(w, "All checks passed.")
	}
	return issues
}

// LogsCmd inspects run logs
type LogsCmd struct {
	RunNum  int    `name:"run" help:"Show a specific run number (default: latest)."`
	List    bool   `help:"List all runs with summary."`
	Tail    int    `default:"50" help:"Show the last N events."`
	Follow  bool   `short:"f" help:"Follow the log in real time."`
	Type    string `help:"Filter by event type."`
	Step    string `help:"Filter by session step."`
	JSON    bool   `name:"json" help:"Output raw JSONL."`
	Summary bool   `help:"Show the run summary only."`
}

func (c *LogsCmd) Run() error {
	return c.show(StateDir(GetProjectRoot()), os.Stdout)
}

func (c *LogsCmd) show(stateDir string, w io.Writer) error {
	runs, err := ListRuns(stateDir)
	if err != nil {
		return fmt.Errorf("reading logs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No logs found.")
		fmt.Fprintln(w, "Run 'e2erun' to create logs.")
		return nil
	}

	if c.List {
		fmt.Fprintln(w, "Runs:")
		fmt.Fprintln(w)
		for _, run := range runs {
			status := "○"
			if run.Success != nil {
				if *run.Success {
					status = "✓"
				} else {
					status = "✗"
				}
			}

			duration := ""
			if run.EndTime != nil {
				duration = fmt.Sprintf(" (%s)", FormatDuration(run.EndTime.Sub(run.StartTime)))
			}

			fmt.Fprintf(w, "  %s Run #%d - %s%s\n", status, run.RunNumber,
				run.StartTime.Format("2006-01-02 15:04:05"), duration)
			if run.Summary != "" {
				fmt.Fprintf(w, "    └─ %s\n", run.Summary)
			}
		}
		return nil
	}

	target := &runs[0]
	if c.RunNum > 0 {
		target = nil
		for i := range runs {
			if runs[i].RunNumber == c.RunNum {
				target = &runs[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("run #%d not found", c.RunNum)
		}
	}

	filter := &EventFilter{EventType: EventType(c.Type), Step: c.Step}

	switch {
	case c.Summary:
		return printRunSummary(w, target.LogPath)
	case c.Follow:
		return followLog(w, target.LogPath, filter, c.JSON)
	default:
		return printEvents(w, target.LogPath, c.Tail, filter, c.JSON)
	}
}

func printRunSummary(w io.Writer, logPath string) error {
	summary, err := GetRunSummary(logPath)
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}

	fmt.Fprintf(w, "Run #%d - %s\n", summary.RunNumber, summary.StartTime.Format("2006-01-02 15:04:05"))
	if summary.Suite != "" {
		fmt.Fprintf(w, "Suite: %s\n", summary.Suite)
	}
	if summary.Duration != nil {
		fmt.Fprintf(w, "Duration: %s\n", FormatDuration(*summary.Duration))
	}
	if summary.Success != nil {
		result := "FAILED"
		if *summary.Success {
			result = "PASSED"
		}
		fmt.Fprintf(w, "Result: %s\n", result)
	}
	if summary.Result != "" {
		fmt.Fprintf(w, "Summary: %s\n", summary.Result)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Steps: %d\n", len(summary.Steps))
	for _, step := range summary.Steps {
		status := "✓"
		if !step.Success {
			status = "✗"
		}
		fmt.Fprintf(w, "  %s %s (%s)\n", status, step.Name, FormatDuration(step.Duration))
		if step.Error != "" {
			fmt.Fprintf(w, "      %s\n", strings.SplitN(step.Error, "\n", 2)[0])
		}
	}

	if summary.RunnerExitCode != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Runner exit code: %d\n", *summary.RunnerExitCode)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Warnings: %d\n", summary.Warnings)
	fmt.Fprintf(w, "Errors: %d\n", summary.Errors)
	return nil
}

func printEvents(w io.Writer, logPath string, tailN int, filter *EventFilter, jsonOutput bool) error {
	events, err := ReadEvents(logPath, filter)
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}

	if tailN > 0 && len(events) > tailN {
		events = events[len(events)-tailN:]
	}

	for i := range events {
		if jsonOutput {
			data, _ := json.Marshal(events[i])
			fmt.Fprintln(w, string(data))
		} else {
			printEvent(w, &events[i])
		}
	}
	return nil
}

func printEvent(w io.Writer, e *Event) {
	timestamp := e.Timestamp.Format("15:04:05")

	status := "✗"
	if e.Success != nil && *e.Success {
		status = "✓"
	}
	duration := ""
	if e.Duration != nil {
		duration = fmt.Sprintf(" (%s)", FormatDuration(time.Duration(*e.Duration)))
	}
	name, _ := e.Data["name"].(string)

	switch e.Type {
	case EventRunStart:
		suite, _ := e.Data["suite"].(string)
		fmt.Fprintf(w, "[%s] === Run started: suite %s ===\n", timestamp, suite)

	case EventRunEnd:
		result := "failed"
		if e.Success != nil && *e.Success {
			result = "success"
		}
		fmt.Fprintf(w, "[%s] === Run ended: %s%s ===\n", timestamp, result, duration)
		if e.Message != "" {
			fmt.Fprintf(w, "         %s\n", e.Message)
		}

	case EventStepStart:
		fmt.Fprintf(w, "[%s] ─── %s ───\n", timestamp, e.Step)

	case EventStepEnd:
		fmt.Fprintf(w, "[%s] %s %s complete%s\n", timestamp, status, e.Step, duration)

	case EventCommand:
		cmd, _ := e.Data["cmd"].(string)
		fmt.Fprintf(w, "[%s]   %s %s%s\n", timestamp, status, cmd, duration)

	case EventProcessStart:
		pid, _ := e.Data["pid"].(float64)
		fmt.Fprintf(w, "[%s] → Started %s (pid %d)\n", timestamp, name, int(pid))

	case EventResourceStop:
		fmt.Fprintf(w, "[%s] %s Stopped %s\n", timestamp, status, name)
		if e.Message != "" {
			fmt.Fprintf(w, "         %s\n", e.Message)
		}

	case EventPortReady:
		port, _ := e.Data["port"].(float64)
		fmt.Fprintf(w, "[%s] ✓ %s listening on %d%s\n", timestamp, name, int(port), duration)

	case EventConstantsPatch:
		path, _ := e.Data["path"].(string)
		devMode, _ := e.Data["dev_mode"].(bool)
		fmt.Fprintf(w, "[%s] ↔ %s: DEV_MODE=%t\n", timestamp, path, devMode)

	case EventConstantsRestore:
		path, _ := e.Data["path"].(string)
		fmt.Fprintf(w, "[%s] %s Restored %s\n", timestamp, status, path)

	case EventSmoke:
		url, _ := e.Data["url"].(string)
		fmt.Fprintf(w, "[%s] %s Smoke check %s%s\n", timestamp, status, url, duration)

	case EventRunnerEnd:
		code, _ := e.Data["exit_code"].(float64)
		fmt.Fprintf(w, "[%s] %s Runner exited with status %d%s\n", timestamp, status, int(code), duration)

	case EventWarning:
		fmt.Fprintf(w, "[%s] ! Warning: %s\n", timestamp, e.Message)

	case EventError:
		fmt.Fprintf(w, "[%s] ✗ Error: %s\n", timestamp, e.Message)
		if errMsg, ok := e.Data["error"].(string); ok {
			fmt.Fprintf(w, "         %s\n", errMsg)
		}

	default:
		fmt.Fprintf(w, "[%s] %s", timestamp, e.Type)
		if e.Message != "" {
			fmt.Fprintf(w, ": %s", e.Message)
		}
		fmt.Fprintln(w)
	}
}

func followLog(w io.Writer, logPath string, filter *EventFilter, jsonOutput bool) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer file.Close()

	file.Seek(0, io.SeekEnd)

	fmt.Fprintf(w, "Following %s (Ctrl+C to stop)\n\n", logPath)

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if !filter.Match(&event) {
			continue
		}

		if jsonOutput {
			fmt.Fprintln(w, line)
		} else {
			printEvent(w, &event)
		}
	}
}

// exitCode maps a command error to the process exit status
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var runnerErr *RunnerExitError
	switch {
	case errors.As(err, &runnerErr) && runnerErr.Code > 0:
		return runnerErr.Code
	case errors.Is(err, ErrInterrupted):
		return 130
	default:
		return 1
	}
}
