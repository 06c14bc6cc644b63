package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCLI(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("e2erun"), kong.Vars{"version": "test"})
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func TestCLI_RunDefaults(t *testing.T) {
	cli, _ := parseCLI(t)

	assert.Equal(t, DefaultOptions(), cli.Run.Options())
}

func TestCLI_RunFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want func(*Options)
	}{
		{"sharding false", []string{"--sharding=false"}, func(o *Options) { o.Sharding = false }},
		{"no sharding", []string{"--no-sharding"}, func(o *Options) { o.Sharding = false }},
		{"prod alias", []string{"--prod_env"}, func(o *Options) { o.ProdEnv = true }},
		{"prod", []string{"--prod-env"}, func(o *Options) { o.ProdEnv = true }},
		{"suite", []string{"--suite", "accessibility", "--sharding=false"}, func(o *Options) {
			o.Suite = "accessibility"
			o.Sharding = false
		}},
		{"explicit run", []string{"run", "--browserstack", "--skip-install"}, func(o *Options) {
			o.Browserstack = true
			o.SkipInstall = true
		}},
		{"instances", []string{"--sharding-instances", "5"}, func(o *Options) { o.ShardingInstances = "5" }},
		{"ready timeout", []string{"--ready-timeout", "90s", "--smoke"}, func(o *Options) {
			o.ReadyTimeout = 90 * time.Second
			o.Smoke = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, _ := parseCLI(t, tt.args...)
			want := DefaultOptions()
			tt.want(&want)
			assert.Equal(t, want, cli.Run.Options())
		})
	}
}

func TestCLI_Subcommands(t *testing.T) {
	_, kctx := parseCLI(t, "init", "--force")
	assert.Equal(t, "init", kctx.Command())

	cli, kctx := parseCLI(t, "logs", "--run", "2", "--json")
	assert.Equal(t, "logs", kctx.Command())
	assert.Equal(t, 2, cli.Logs.RunNum)
	assert.True(t, cli.Logs.JSON)
	assert.Equal(t, 50, cli.Logs.Tail)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(&PortInUseError{Port: 9001}))
	assert.Equal(t, 3, exitCode(fmt.Errorf("runner: %w", &RunnerExitError{Code: 3})))
	assert.Equal(t, 137, exitCode(&RunnerExitError{Code: 137}))
	assert.Equal(t, 1, exitCode(&RunnerExitError{Code: -1}))
	assert.Equal(t, 130, exitCode(ErrInterrupted))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestInitProject(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	require.NoError(t, initProject(dir, false, &out))
	assert.FileExists(t, ConfigPath(dir))
	assert.FileExists(t, filepath.Join(StateDir(dir), ".gitignore"))
	assert.Contains(t, out.String(), "Initialized e2erun")

	// Written config loads back
	_, err := LoadConfig(dir)
	require.NoError(t, err)

	err = initProject(dir, false, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	assert.NoError(t, initProject(dir, true, &out))
}

func TestRunDoctor(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	issues := runDoctor(dir, &out)

	assert.Greater(t, issues, 0)
	assert.Contains(t, out.String(), "e2erun Environment Check")
	assert.Contains(t, out.String(), "constants file not found")
	assert.Contains(t, out.String(), "issue(s) found")
}

func TestRunDoctor_LeftoverBackup(t *testing.T) {
	dir := t.TempDir()
	constants := filepath.Join(dir, "assets", "constants.ts")
	require.NoError(t, os.MkdirAll(filepath.Dir(constants), 0755))
	require.NoError(t, os.WriteFile(BackupPath(constants), []byte(`"DEV_MODE": false`), 0644))

	var out bytes.Buffer
	runDoctor(dir, &out)

	assert.Contains(t, out.String(), "constants backup left behind")
}

func writeTestRun(t *testing.T, stateDir string) *RunLogger {
	t.Helper()
	logger, err := NewRunLogger(stateDir, nil)
	require.NoError(t, err)
	logger.RunStart(DefaultOptions())
	logger.StepStart("ready")
	logger.PortReady("dev_appserver", 9001, int64(time.Second))
	logger.StepEnd("ready", nil)
	logger.Warning("slow start")
	logger.RunEnd(true, "tests passed")
	logger.Close()
	return logger
}

func TestLogsCmd(t *testing.T) {
	stateDir := t.TempDir()
	writeTestRun(t, stateDir)
	writeTestRun(t, stateDir)

	t.Run("list", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, (&LogsCmd{List: true}).show(stateDir, &out))
		assert.Contains(t, out.String(), "Run #2")
		assert.Contains(t, out.String(), "Run #1")
		assert.Contains(t, out.String(), "tests passed")
	})

	t.Run("events", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, (&LogsCmd{Tail: 50}).show(stateDir, &out))
		assert.Contains(t, out.String(), "=== Run started: suite full ===")
		assert.Contains(t, out.String(), "dev_appserver listening on 9001")
	})

	t.Run("filtered json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, (&LogsCmd{Tail: 50, Type: string(EventWarning), JSON: true}).show(stateDir, &out))
		events, err := ReadEventsFromReader(&out, nil)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "slow start", events[0].Message)
	})

	t.Run("summary", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, (&LogsCmd{RunNum: 1, Summary: true}).show(stateDir, &out))
		assert.Contains(t, out.String(), "Run #1")
		assert.Contains(t, out.String(), "Result: PASSED")
		assert.Contains(t, out.String(), "✓ ready")
	})

	t.Run("missing run", func(t *testing.T) {
		var out bytes.Buffer
		err := (&LogsCmd{RunNum: 9}).show(stateDir, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "#9")
	})
}

func TestLogsCmd_NoLogs(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, (&LogsCmd{}).show(t.TempDir(), &out))
	assert.Contains(t, out.String(), "No logs found.")
}

func TestPrintEvent_Unknown(t *testing.T) {
	var out bytes.Buffer
	printEvent(&out, &Event{Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Type: "custom", Message: "hi"})
	assert.Equal(t, "[03:04:05] custom: hi\n", out.String())
}
