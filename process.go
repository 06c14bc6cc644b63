package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stopGracePeriod is how long a process group gets between SIGTERM and SIGKILL
const stopGracePeriod = 5 * time.Second

// capturedOutput keeps the tail of a process's output in a bounded buffer.
type capturedOutput struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	maxBytes int
}

func (co *capturedOutput) Write(p []byte) (n int, err error) {
	n = len(p)
	co.mu.Lock()
	defer co.mu.Unlock()
	// Trim from front if buffer exceeds max
	if co.buf.Len()+len(p) > co.maxBytes {
		data := co.buf.Bytes()
		keep := co.maxBytes / 2
		if len(data) > keep {
			data = data[len(data)-keep:]
		}
		rest := append([]byte(nil), data...)
		co.buf.Reset()
		co.buf.Write(rest)
	}
	if len(p) > co.maxBytes {
		p = p[len(p)-co.maxBytes/2:]
	}
	co.buf.Write(p)
	return n, nil
}

func (co *capturedOutput) String() string {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.buf.String()
}

// lastLines returns at most n trailing lines of s
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// CommandSpec describes one external invocation.
type CommandSpec struct {
	Name  string   // label used in logs and errors
	Path  string   // executable; ignored when Shell is set
	Args  []string // arguments after Path
	Shell string   // command line run through the platform shell

	Dir string
	Env []string // appended to the inherited environment

	// Stdout and Stderr receive the output of Run when set; otherwise it is
	// captured and returned in CommandResult.Output.
	Stdout io.Writer
	Stderr io.Writer

	DiscardStderr bool // Start only: drop stderr instead of capturing it
}

// Argv returns the full argument vector of the command.
func (s CommandSpec) Argv() []string {
	if s.Shell != "" {
		return shellArgs(s.Shell)
	}
	return append([]string{s.Path}, s.Args...)
}

func (s CommandSpec) String() string {
	if s.Shell != "" {
		return s.Shell
	}
	return strings.Join(s.Argv(), " ")
}

// CommandResult holds the outcome of a synchronous command
type CommandResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	Name     string
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d (%s)", e.Name, e.ExitCode, e.Command)
	if tail := lastLines(e.Output, 20); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

// Process is a background command owned by a session.
type Process interface {
	Resource
	Pid() int
	Wait() error
	Output() string
}

// Executor launches external commands. The session only talks to this
// interface so sequencing can be tested without spawning anything.
type Executor interface {
	Run(ctx context.Context, spec CommandSpec) (*CommandResult, error)
	Start(spec CommandSpec) (Process, error)
}

// ExecExecutor runs commands with os/exec in their own process groups.
type ExecExecutor struct {
	Dir string // default working directory
}

// NewExecExecutor creates an executor rooted at dir
func NewExecExecutor(dir string) *ExecExecutor {
	return &ExecExecutor{Dir: dir}
}

func (e *ExecExecutor) command(ctx context.Context, spec CommandSpec) *exec.Cmd {
	argv := spec.Argv()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	if cmd.Dir == "" {
		cmd.Dir = e.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)
	return cmd
}

// Run executes spec to completion. A non-zero exit is returned as *CommandError
// alongside the result.
func (e *ExecExecutor) Run(ctx context.Context, spec CommandSpec) (*CommandResult, error) {
	cmd := e.command(ctx, spec)
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}
	cmd.WaitDelay = 100 * time.Millisecond

	var buf capturedOutput
	buf.maxBytes = 1024 * 1024
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{Output: buf.String(), Duration: time.Since(start)}

	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%s: %w", spec.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitStatus(exitErr)
			return result, &CommandError{
				Name:     spec.Name,
				Command:  spec.String(),
				ExitCode: result.ExitCode,
				Output:   result.Output,
			}
		}
		return result, fmt.Errorf("%s: failed to run %q: %w", spec.Name, spec.String(), err)
	}
	return result, nil
}

// Start launches spec in the background. The caller owns the returned
// Process and must Stop it.
func (e *ExecExecutor) Start(spec CommandSpec) (Process, error) {
	cmd := e.command(context.Background(), spec)
	// Descendants that leave the group may keep the pipes open after exit
	cmd.WaitDelay = time.Second
	out := &capturedOutput{maxBytes: 256 * 1024}
	cmd.Stdout = out
	if !spec.DiscardStderr {
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: failed to start %q: %w", spec.Name, spec.String(), err)
	}

	p := &execProcess{
		name: spec.Name,
		cmd:  cmd,
		out:  out,
		done: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	name    string
	cmd     *exec.Cmd
	out     *capturedOutput
	done    chan struct{}
	waitErr error
}

func (p *execProcess) Name() string   { return p.name }
func (p *execProcess) Pid() int       { return p.cmd.Process.Pid }
func (p *execProcess) Output() string { return p.out.String() }

// Wait blocks until the process exits.
func (p *execProcess) Wait() error {
	<-p.done
	return p.waitErr
}

// Stop signals the whole process group, then force kills it after the grace period.
func (p *execProcess) Stop() error {
	select {
	case <-p.done:
		return nil // already exited
	default:
	}

	terminateGroup(p.cmd.Process)

	select {
	case <-p.done:
	case <-time.After(stopGracePeriod):
		killGroup(p.cmd.Process)
		select {
		case <-p.done:
		case <-time.After(stopGracePeriod):
			return fmt.Errorf("%s (pid %d) did not exit after SIGKILL", p.name, p.Pid())
		}
	}
	return nil
}

// exitStatus returns the exit code of a finished command. A death by signal
// follows the shell convention of 128+N.
func exitStatus(err *exec.ExitError) int {
	if code := err.ExitCode(); code >= 0 {
		return code
	}
	if sig, ok := exitSignal(err); ok {
		return 128 + sig
	}
	return 1
}
