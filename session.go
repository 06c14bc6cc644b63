package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrSmokeFailed is returned when the app did not load cleanly in a browser
var ErrSmokeFailed = errors.New("smoke check failed")

// driverShutdownTimeout bounds the teardown call that stops the detached driver
const driverShutdownTimeout = 30 * time.Second

// outputTailLines is how much server output is attached to readiness errors
const outputTailLines = 20

// ExitedEarlyError reports a server that exited before its port came up.
type ExitedEarlyError struct {
	Name   string
	Port   int
	Err    error
	Output string
}

func (e *ExitedEarlyError) Error() string {
	msg := fmt.Sprintf("%s exited before port %d was ready", e.Name, e.Port)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *ExitedEarlyError) Unwrap() error { return e.Err }

// Session runs one end-to-end test session: guard, setup, build, launch,
// wait, run and tear down.
type Session struct {
	cfg      *ResolvedConfig
	opts     Options
	exec     Executor
	logger   *RunLogger
	registry *Registry
	procs    map[string]Process
	goos     string

	Stdout io.Writer
	Stderr io.Writer
	Smoke  SmokeChecker // nil disables the smoke check
}

// NewSession creates a session. All resources it acquires are owned by its
// registry and released when Run returns.
func NewSession(cfg *ResolvedConfig, opts Options, exec Executor, logger *RunLogger) *Session {
	return &Session{
		cfg:      cfg,
		opts:     opts,
		exec:     exec,
		logger:   logger,
		registry: NewRegistry(logger),
		procs:    make(map[string]Process),
		goos:     runtime.GOOS,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

// Registry returns the teardown registry so a signal handler can close it
func (s *Session) Registry() *Registry {
	return s.registry
}

// Run executes the session. Every process started and every file patched is
// released before it returns, whatever the outcome.
func (s *Session) Run(ctx context.Context) (err error) {
	c := &s.cfg.Config

	defer func() {
		if s.registry.Len() > 0 {
			names := s.registry.Names()
			slices.Reverse(names)
			s.logger.LogPrintln("Cleaning up:", strings.Join(names, ", "))
		}
		if cerr := s.registry.Close(); cerr != nil {
			s.logger.Error("teardown incomplete", cerr)
			fmt.Fprintf(s.Stderr, "Warning: teardown incomplete:\n%v\n", cerr)
			if err == nil {
				err = fmt.Errorf("teardown: %w", cerr)
			}
		}
		s.logger.RunEnd(err == nil, runSummary(err))
	}()

	// Nothing is written, not even the run log, before the guard passes
	if err := s.guardPorts(ctx); err != nil {
		return err
	}
	if err := s.logger.Open(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	s.logger.RunStart(s.opts)

	lock := NewLockFile(s.cfg.ProjectRoot)
	if err := lock.Acquire(s.logger.SessionID(), s.opts); err != nil {
		return err
	}
	s.registry.Add(lock)

	s.printBanner()

	if s.opts.SkipInstall {
		s.logger.LogPrintln("Skipping dependency installation")
	} else if err := s.step("setup", func() error { return s.setup(ctx) }); err != nil {
		return err
	}

	if err := s.step("build", func() error { return s.build(ctx) }); err != nil {
		return err
	}

	if err := s.step("driver", func() error { return s.startDriver(ctx) }); err != nil {
		return err
	}

	if err := s.step("appserver", s.startAppServer); err != nil {
		return err
	}

	if err := s.step("ready", func() error { return s.waitReady(ctx) }); err != nil {
		return err
	}

	if s.opts.Smoke || c.Smoke.Enabled {
		if err := s.step("smoke", func() error { return s.smoke(ctx) }); err != nil {
			return err
		}
	}

	return s.step("runner", func() error { return s.runTests(ctx) })
}

func (s *Session) step(name string, fn func() error) error {
	s.logger.StepStart(name)
	err := fn()
	s.logger.StepEnd(name, err)
	return err
}

func (s *Session) printBanner() {
	mode := "dev"
	if !s.opts.DevMode() {
		mode = "prod"
	}
	fmt.Fprintln(s.Stdout, strings.Repeat("=", 60))
	fmt.Fprintln(s.Stdout, " e2erun - end-to-end test session")
	fmt.Fprintln(s.Stdout, strings.Repeat("=", 60))
	fmt.Fprintf(s.Stdout, " Suite: %s (%s mode)\n", s.opts.Suite, mode)
	if s.opts.Sharded() {
		fmt.Fprintf(s.Stdout, " Sharding: %d instances\n", s.opts.ShardCount())
	}
	fmt.Fprintf(s.Stdout, " Project root: %s\n", s.cfg.ProjectRoot)
	if s.logger.LogPath() != "" {
		fmt.Fprintf(s.Stdout, " Run: #%d (logs: %s)\n", s.logger.RunNumber(), s.logger.LogPath())
	}
	fmt.Fprintln(s.Stdout, strings.Repeat("=", 60))
}

// run executes a synchronous command and records it
func (s *Session) run(ctx context.Context, spec CommandSpec) (*CommandResult, error) {
	result, err := s.exec.Run(ctx, spec)
	s.logger.Command(spec, result, err)
	return result, err
}

// runShell streams a configured shell command to the console
func (s *Session) runShell(ctx context.Context, name, cmdStr string) error {
	_, err := s.run(ctx, CommandSpec{
		Name:   name,
		Shell:  cmdStr,
		Dir:    s.cfg.ProjectRoot,
		Stdout: s.Stdout,
		Stderr: s.Stderr,
	})
	return err
}

// start launches a background process and hands it to the registry
func (s *Session) start(spec CommandSpec) (Process, error) {
	proc, err := s.exec.Start(spec)
	if err != nil {
		return nil, err
	}
	s.registry.Add(proc)
	s.procs[spec.Name] = proc
	s.logger.ProcessStart(spec.Name, spec.String(), proc.Pid())
	return proc, nil
}

func (s *Session) guardPorts(ctx context.Context) error {
	if err := CheckPortsFree(ctx, s.cfg.Config.Ports.Guard...); err != nil {
		var inUse *PortInUseError
		if errors.As(err, &inUse) {
			fmt.Fprintf(s.Stdout, "There is already a server running on localhost:%d. "+
				"Please terminate it before running the end-to-end tests. Exiting.\n", inUse.Port)
		}
		return err
	}
	return nil
}

func (s *Session) setup(ctx context.Context) error {
	for _, cmdStr := range s.cfg.Config.Setup {
		s.logger.LogPrintln("Running:", cmdStr)
		if err := s.runShell(ctx, cmdStr, cmdStr); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	return nil
}

// build patches DEV_MODE for the build and restores the constants file on
// the way out, including when a build command fails.
func (s *Session) build(ctx context.Context) (err error) {
	c := &s.cfg.Config.Build
	devMode := s.opts.DevMode()

	patch, err := PatchConstants(s.cfg.Path(c.ConstantsFile), devMode)
	if err != nil {
		return err
	}
	s.logger.ConstantsPatch(patch.Path(), devMode)
	// Restores on interrupt too
	s.registry.Add(patch)
	defer func() {
		rerr := patch.Restore()
		s.logger.ConstantsRestore(patch.Path(), rerr)
		if rerr != nil && err == nil {
			err = rerr
		}
	}()

	if devMode {
		s.logger.LogPrintln("Building webpack bundles...")
		if err := s.runShell(ctx, "bundler", c.Bundler); err != nil {
			return fmt.Errorf("bundler: %w", err)
		}
	} else {
		s.logger.LogPrintln("Generating files for production mode...")
	}

	if s.opts.Browserstack {
		s.logger.LogPrintln("Running the tests on browserstack...")
	}

	build := c.Build
	if !devMode {
		build += " " + c.ProdFlag
	}
	if err := s.runShell(ctx, "build", build); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	return nil
}

func (s *Session) startDriver(ctx context.Context) error {
	s.logger.LogPrintln("Updating webdriver-manager (chrome", s.cfg.Config.Driver.ChromeVersion+")...")
	result, err := s.run(ctx, DriverUpdateSpec(s.cfg))
	if err != nil {
		return err
	}
	fmt.Fprint(s.Stdout, result.Output)

	// The detached server has no handle; shutdown is the only way to stop it
	s.registry.Add(driverShutdownHook(s.cfg, func(spec CommandSpec) error {
		ctx, cancel := context.WithTimeout(context.Background(), driverShutdownTimeout)
		defer cancel()
		_, err := s.run(ctx, spec)
		return err
	}))

	result, err = s.run(ctx, DriverDetachedStartSpec(s.cfg))
	if err != nil {
		return err
	}
	fmt.Fprint(s.Stdout, result.Output)

	if _, err := s.start(DriverServeSpec(s.cfg, s.goos)); err != nil {
		return err
	}
	return nil
}

func (s *Session) startAppServer() error {
	s.logger.LogPrintln("Starting dev_appserver on port", s.cfg.Config.Ports.AppServer)
	_, err := s.start(AppServerSpec(s.cfg, s.opts.DevMode()))
	return err
}

// waitReady waits for the driver and the app server concurrently. A server
// that exits before its port opens fails the step at once.
func (s *Session) waitReady(ctx context.Context) error {
	c := &s.cfg.Config
	timeout := s.cfg.ReadyTimeout(s.opts)
	interval := s.cfg.ReadyInterval()

	targets := []struct {
		name string
		port int
	}{
		{"webdriver-manager", c.Ports.WebDriver},
		{"dev_appserver", c.Ports.AppServer},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			start := time.Now()
			if err := s.waitServer(gctx, t.name, t.port, interval, timeout); err != nil {
				return err
			}
			s.logger.PortReady(t.name, t.port, time.Since(start).Nanoseconds())
			return nil
		})
	}
	return g.Wait()
}

// waitServer polls port while watching the process that should serve it.
func (s *Session) waitServer(ctx context.Context, name string, port int, interval, timeout time.Duration) error {
	proc := s.procs[name]
	if proc == nil {
		if err := WaitForPort(ctx, port, interval, timeout); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exited := make(chan error, 1)
	go func() {
		// Returns at teardown at the latest
		err := proc.Wait()
		exited <- err
		cancel()
	}()

	err := WaitForPort(waitCtx, port, interval, timeout)
	if err == nil {
		return nil
	}

	tail := lastLines(proc.Output(), outputTailLines)
	select {
	case werr := <-exited:
		// The detached driver may already be serving the port
		if ctx.Err() == nil && IsPortOpen(ctx, port) {
			return nil
		}
		if ctx.Err() == nil {
			return &ExitedEarlyError{Name: name, Port: port, Err: werr, Output: tail}
		}
	default:
	}
	if tail != "" && ctx.Err() == nil {
		return fmt.Errorf("%s: %w\n%s", name, err, tail)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Session) smoke(ctx context.Context) error {
	if s.Smoke == nil {
		s.logger.Warning("smoke check requested but no checker configured")
		return nil
	}
	url := s.cfg.Config.Smoke.URL
	s.logger.LogPrintln("Smoke check:", url)

	result := s.Smoke.Check(ctx, url)
	s.logger.Smoke(result)
	fmt.Fprint(s.Stdout, FormatSmokeResult(result))

	if result.Failed() {
		if result.Error != nil {
			return fmt.Errorf("%w: %w", ErrSmokeFailed, result.Error)
		}
		return fmt.Errorf("%w: %d uncaught exception(s) on %s", ErrSmokeFailed, len(result.ConsoleErrors), url)
	}
	return nil
}

func (s *Session) runTests(ctx context.Context) error {
	shots := s.cfg.Path(s.cfg.Config.Runner.ScreenshotDir)
	if err := clearScreenshotDir(shots); err != nil {
		s.logger.Warning(fmt.Sprintf("could not clear %s: %v", shots, err))
	}

	spec := RunnerSpec(s.cfg, s.opts)
	spec.Stdout = s.Stdout
	spec.Stderr = s.Stderr
	s.logger.LogPrintln("Running:", spec.String())

	start := time.Now()
	_, err := s.run(ctx, spec)
	elapsed := time.Since(start).Nanoseconds()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		s.logger.RunnerEnd(cmdErr.ExitCode, elapsed)
		if fileExists(shots) {
			fmt.Fprint(s.Stdout, screenshotNote(shots))
		}
		return &RunnerExitError{Code: cmdErr.ExitCode}
	}
	if err != nil {
		return err
	}
	s.logger.RunnerEnd(0, elapsed)
	return nil
}

// runSummary is the one-line outcome written to run_end
func runSummary(err error) string {
	if err == nil {
		return "tests passed"
	}
	var inUse *PortInUseError
	var runnerErr *RunnerExitError
	switch {
	case errors.As(err, &inUse):
		return fmt.Sprintf("port %d in use", inUse.Port)
	case errors.As(err, &runnerErr):
		return runnerErr.Error()
	case errors.Is(err, context.Canceled):
		return "interrupted"
	default:
		return strings.SplitN(err.Error(), "\n", 2)[0]
	}
}
