package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of log event
type EventType string

const (
	EventRunStart         EventType = "run_start"
	EventRunEnd           EventType = "run_end"
	EventStepStart        EventType = "step_start"
	EventStepEnd          EventType = "step_end"
	EventCommand          EventType = "command"
	EventProcessStart     EventType = "process_start"
	EventResourceStop     EventType = "resource_stop"
	EventPortReady        EventType = "port_ready"
	EventConstantsPatch   EventType = "constants_patch"
	EventConstantsRestore EventType = "constants_restore"
	EventSmoke            EventType = "smoke"
	EventRunnerEnd        EventType = "runner_end"
	EventWarning          EventType = "warning"
	EventError            EventType = "error"
)

// Event represents a single log event
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Type      EventType              `json:"type"`
	Session   string                 `json:"session,omitempty"`
	Step      string                 `json:"step,omitempty"`
	Duration  *int64                 `json:"duration,omitempty"` // nanoseconds
	Success   *bool                  `json:"success,omitempty"`
	Message   string                 `json:"msg,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// LoggingConfig configures the logging system
type LoggingConfig struct {
	Enabled           bool `json:"enabled"`
	MaxRuns           int  `json:"maxRuns"`
	ConsoleTimestamps bool `json:"consoleTimestamps"`
}

// DefaultLoggingConfig returns sensible defaults
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Enabled:           true,
		MaxRuns:           10,
		ConsoleTimestamps: true,
	}
}

// RunLogger writes the JSONL event log of one session and its console output
type RunLogger struct {
	file      *os.File
	encoder   *json.Encoder
	mu        sync.Mutex
	runNumber int
	logPath   string
	sessionID string
	step      string
	startTime time.Time
	stepStart time.Time
	enabled   bool
	config    *LoggingConfig
	stateDir  string
	out       io.Writer
}

// NewRunLogger creates a new logger and opens its run log under stateDir/logs
func NewRunLogger(stateDir string, config *LoggingConfig) (*RunLogger, error) {
	logger := NewPendingRunLogger(stateDir, config)
	if err := logger.Open(); err != nil {
		return nil, err
	}
	return logger, nil
}

// NewPendingRunLogger creates a logger that touches nothing on disk until
// Open. Events logged before Open are dropped; console output works.
func NewPendingRunLogger(stateDir string, config *LoggingConfig) *RunLogger {
	if config == nil {
		config = DefaultLoggingConfig()
	}
	return &RunLogger{
		sessionID: uuid.NewString(),
		startTime: time.Now(),
		enabled:   config.Enabled,
		config:    config,
		stateDir:  stateDir,
		out:       os.Stdout,
	}
}

// Open rotates old runs and creates this run's log file. It is a no-op when
// logging is disabled or the file is already open.
func (l *RunLogger) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.logPath != "" {
		return nil
	}

	logsDir := LogsDir(l.stateDir)
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	runNumber := nextRunNumber(logsDir)

	// Keep room for the run about to be written
	if l.config.MaxRuns > 0 {
		rotateOldRuns(logsDir, l.config.MaxRuns-1)
	}

	logPath := filepath.Join(logsDir, fmt.Sprintf("run-%03d.jsonl", runNumber))
	file, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	l.runNumber = runNumber
	l.file = file
	l.logPath = logPath
	l.encoder = json.NewEncoder(file)
	l.startTime = time.Now()
	return nil
}

// SetOutput redirects console output (stdout by default)
func (l *RunLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// Close closes the log file
func (l *RunLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// RunNumber returns the current run number
func (l *RunLogger) RunNumber() int {
	return l.runNumber
}

// SessionID returns the unique id of this session
func (l *RunLogger) SessionID() string {
	return l.sessionID
}

// LogPath returns the path to the current log file, empty when disabled
func (l *RunLogger) LogPath() string {
	return l.logPath
}

// logEvent stamps and writes one event
func (l *RunLogger) logEvent(event Event) {
	if !l.enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Session = l.sessionID
	if event.Step == "" {
		event.Step = l.step
	}

	l.encoder.Encode(event)
}

func (l *RunLogger) setStep(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.step = name
	l.stepStart = time.Now()
}

// RunStart logs the start of a session with its options
func (l *RunLogger) RunStart(opts Options) {
	l.logEvent(Event{
		Type: EventRunStart,
		Data: map[string]interface{}{
			"suite":              opts.Suite,
			"browserstack":       opts.Browserstack,
			"sharding":           opts.Sharding,
			"sharding_instances": opts.ShardingInstances,
			"dev_mode":           opts.DevMode(),
			"skip_install":       opts.SkipInstall,
			"run_number":         l.runNumber,
		},
	})
}

// RunEnd logs the end of a session
func (l *RunLogger) RunEnd(success bool, summary string) {
	duration := time.Since(l.startTime).Nanoseconds()
	l.logEvent(Event{
		Type:     EventRunEnd,
		Duration: &duration,
		Success:  &success,
		Message:  summary,
	})
}

// StepStart logs the start of a session step
func (l *RunLogger) StepStart(name string) {
	l.setStep(name)
	l.logEvent(Event{Type: EventStepStart, Step: name})
}

// StepEnd logs the end of the current step
func (l *RunLogger) StepEnd(name string, err error) {
	l.mu.Lock()
	duration := time.Since(l.stepStart).Nanoseconds()
	l.mu.Unlock()

	success := err == nil
	event := Event{
		Type:     EventStepEnd,
		Step:     name,
		Duration: &duration,
		Success:  &success,
	}
	if err != nil {
		event.Message = err.Error()
	}
	l.logEvent(event)
}

// Command logs a synchronous command and its outcome
func (l *RunLogger) Command(spec CommandSpec, result *CommandResult, err error) {
	success := err == nil
	data := map[string]interface{}{
		"name": spec.Name,
		"cmd":  spec.String(),
	}
	event := Event{Type: EventCommand, Success: &success, Data: data}
	if result != nil {
		d := result.Duration.Nanoseconds()
		event.Duration = &d
		data["exit_code"] = result.ExitCode
		if result.Output != "" {
			data["output"] = lastLines(result.Output, 50)
		}
	}
	if err != nil {
		event.Message = err.Error()
	}
	l.logEvent(event)
}

// ProcessStart logs a background process launch
func (l *RunLogger) ProcessStart(name, cmd string, pid int) {
	l.logEvent(Event{
		Type: EventProcessStart,
		Data: map[string]interface{}{
			"name": name,
			"cmd":  cmd,
			"pid":  pid,
		},
	})
}

// ResourceStop logs a teardown action
func (l *RunLogger) ResourceStop(name string, err error) {
	success := err == nil
	event := Event{
		Type:    EventResourceStop,
		Success: &success,
		Data:    map[string]interface{}{"name": name},
	}
	if err != nil {
		event.Message = err.Error()
	}
	l.logEvent(event)
}

// PortReady logs a service port becoming reachable
func (l *RunLogger) PortReady(name string, port int, durationNs int64) {
	l.logEvent(Event{
		Type:     EventPortReady,
		Duration: &durationNs,
		Data: map[string]interface{}{
			"name": name,
			"port": port,
		},
	})
}

// ConstantsPatch logs the DEV_MODE rewrite
func (l *RunLogger) ConstantsPatch(path string, devMode bool) {
	l.logEvent(Event{
		Type: EventConstantsPatch,
		Data: map[string]interface{}{
			"path":     path,
			"dev_mode": devMode,
		},
	})
}

// ConstantsRestore logs the constants file being put back
func (l *RunLogger) ConstantsRestore(path string, err error) {
	success := err == nil
	event := Event{
		Type:    EventConstantsRestore,
		Success: &success,
		Data:    map[string]interface{}{"path": path},
	}
	if err != nil {
		event.Message = err.Error()
	}
	l.logEvent(event)
}

// Smoke logs the browser smoke check
func (l *RunLogger) Smoke(r *SmokeResult) {
	success := !r.Failed()
	data := map[string]interface{}{
		"url":            r.URL,
		"skipped":        r.Skipped,
		"console_errors": len(r.ConsoleErrors),
	}
	if r.Screenshot != "" {
		data["screenshot"] = r.Screenshot
	}
	d := r.Elapsed.Nanoseconds()
	event := Event{Type: EventSmoke, Success: &success, Duration: &d, Data: data}
	if r.Error != nil {
		event.Message = r.Error.Error()
	}
	l.logEvent(event)
}

// RunnerEnd logs the test runner's exit
func (l *RunLogger) RunnerEnd(exitCode int, durationNs int64) {
	success := exitCode == 0
	l.logEvent(Event{
		Type:     EventRunnerEnd,
		Duration: &durationNs,
		Success:  &success,
		Data:     map[string]interface{}{"exit_code": exitCode},
	})
}

// Warning logs a warning message
func (l *RunLogger) Warning(msg string) {
	l.logEvent(Event{
		Type:    EventWarning,
		Message: msg,
	})
}

// Error logs an error message
func (l *RunLogger) Error(msg string, err error) {
	data := make(map[string]interface{})
	if err != nil {
		data["error"] = err.Error()
	}
	l.logEvent(Event{
		Type:    EventError,
		Message: msg,
		Data:    data,
	})
}

// Console output helpers with timestamps

// LogPrint prints a timestamped message
func (l *RunLogger) LogPrint(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config != nil && l.config.ConsoleTimestamps {
		fmt.Fprintf(l.out, "[%s] %s", time.Now().Format("15:04:05"), msg)
	} else {
		fmt.Fprint(l.out, msg)
	}
}

// LogPrintln prints a timestamped message with newline
func (l *RunLogger) LogPrintln(args ...interface{}) {
	msg := strings.TrimSuffix(fmt.Sprintln(args...), "\n")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config != nil && l.config.ConsoleTimestamps {
		fmt.Fprintf(l.out, "[%s] %s\n", time.Now().Format("15:04:05"), msg)
	} else {
		fmt.Fprintln(l.out, msg)
	}
}

// FormatDuration formats a duration for display
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.0fms", float64(d.Milliseconds()))
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if seconds == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}

// Helper functions

// nextRunNumber determines the next run number based on existing logs
func nextRunNumber(logsDir string) int {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return 1
	}

	maxRun := 0
	for _, entry := range entries {
		if entry.IsDir() || !isRunLog(entry.Name()) {
			continue
		}
		if num := extractRunNumber(entry.Name()); num > maxRun {
			maxRun = num
		}
	}

	return maxRun + 1
}

func isRunLog(name string) bool {
	return strings.HasPrefix(name, "run-") && strings.HasSuffix(name, ".jsonl")
}

// rotateOldRuns deletes runs beyond maxRuns (keeps most recent)
func rotateOldRuns(logsDir string, maxRuns int) {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return
	}

	var runFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && isRunLog(entry.Name()) {
			runFiles = append(runFiles, entry.Name())
		}
	}

	if len(runFiles) <= maxRuns {
		return
	}

	sort.Slice(runFiles, func(i, j int) bool {
		return extractRunNumber(runFiles[i]) < extractRunNumber(runFiles[j])
	})

	toDelete := len(runFiles) - maxRuns
	for i := 0; i < toDelete; i++ {
		os.Remove(filepath.Join(logsDir, runFiles[i]))
	}
}

// extractRunNumber extracts the run number from a filename like "run-001.jsonl"
func extractRunNumber(filename string) int {
	numStr := strings.TrimPrefix(filename, "run-")
	numStr = strings.TrimSuffix(numStr, ".jsonl")
	num, _ := strconv.Atoi(numStr)
	return num
}

// LogsDir returns the path to the logs directory
func LogsDir(stateDir string) string {
	return filepath.Join(stateDir, "logs")
}

// RunSummary contains summary info about a run
type RunSummary struct {
	RunNumber int
	LogPath   string
	FileSize  int64
	StartTime time.Time
	EndTime   *time.Time
	Success   *bool
	Summary   string
}

// ListRuns returns all run logs, most recent first
func ListRuns(stateDir string) ([]RunSummary, error) {
	logsDir := LogsDir(stateDir)
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runs []RunSummary
	for _, entry := range entries {
		if entry.IsDir() || !isRunLog(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		logPath := filepath.Join(logsDir, entry.Name())
		summary := RunSummary{
			RunNumber: extractRunNumber(entry.Name()),
			LogPath:   logPath,
			FileSize:  info.Size(),
		}

		if first, last := readFirstLastEvents(logPath); first != nil {
			summary.StartTime = first.Timestamp
			if last != nil && last.Type == EventRunEnd {
				summary.EndTime = &last.Timestamp
				summary.Success = last.Success
				summary.Summary = last.Message
			}
		}

		runs = append(runs, summary)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].RunNumber > runs[j].RunNumber
	})

	return runs, nil
}

// readFirstLastEvents reads the first and last events from a log file
func readFirstLastEvents(logPath string) (*Event, *Event) {
	events, err := ReadEvents(logPath, nil)
	if err != nil || len(events) == 0 {
		return nil, nil
	}
	return &events[0], &events[len(events)-1]
}

// ReadEvents reads events from a log file with optional filtering
func ReadEvents(logPath string, filter *EventFilter) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ReadEventsFromReader(file, filter)
}

// ReadEventsFromReader reads events from an io.Reader with optional filtering
func ReadEventsFromReader(r io.Reader, filter *EventFilter) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		if filter != nil && !filter.Match(&event) {
			continue
		}

		events = append(events, event)
	}

	return events, scanner.Err()
}

// EventFilter filters events when reading logs
type EventFilter struct {
	EventType EventType
	Step      string
}

// Match returns true if the event matches the filter
func (f *EventFilter) Match(event *Event) bool {
	if f.EventType != "" && event.Type != f.EventType {
		return false
	}
	if f.Step != "" && event.Step != f.Step {
		return false
	}
	return true
}

// StepSummary contains the outcome of one session step
type StepSummary struct {
	Name     string
	Duration time.Duration
	Success  bool
	Error    string
}

// DetailedRunSummary contains detailed information about a run
type DetailedRunSummary struct {
	RunNumber      int
	Session        string
	Suite          string
	StartTime      time.Time
	EndTime        *time.Time
	Duration       *time.Duration
	Success        *bool
	Result         string
	Steps          []StepSummary
	RunnerExitCode *int
	Warnings       int
	Errors         int
}

// GetRunSummary generates a detailed summary of a run
func GetRunSummary(logPath string) (*DetailedRunSummary, error) {
	events, err := ReadEvents(logPath, nil)
	if err != nil {
		return nil, err
	}

	summary := &DetailedRunSummary{}

	for _, event := range events {
		switch event.Type {
		case EventRunStart:
			summary.StartTime = event.Timestamp
			summary.Session = event.Session
			if data := event.Data; data != nil {
				if s, ok := data["suite"].(string); ok {
					summary.Suite = s
				}
				if n, ok := data["run_number"].(float64); ok {
					summary.RunNumber = int(n)
				}
			}

		case EventRunEnd:
			summary.EndTime = &event.Timestamp
			summary.Success = event.Success
			summary.Result = event.Message

		case EventStepEnd:
			step := StepSummary{
				Name:    event.Step,
				Success: event.Success != nil && *event.Success,
				Error:   event.Message,
			}
			if event.Duration != nil {
				step.Duration = time.Duration(*event.Duration)
			}
			summary.Steps = append(summary.Steps, step)

		case EventRunnerEnd:
			if code, ok := event.Data["exit_code"].(float64); ok {
				c := int(code)
				summary.RunnerExitCode = &c
			}

		case EventWarning:
			summary.Warnings++

		case EventError:
			summary.Errors++
		}
	}

	if summary.EndTime != nil {
		d := summary.EndTime.Sub(summary.StartTime)
		summary.Duration = &d
	}

	return summary, nil
}
