//go:build e2e && unix

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// e2erunBin is the path to the compiled binary, set in TestMain.
var e2erunBin string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "e2erun-e2e-*")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}

	e2erunBin = filepath.Join(tmpDir, "e2erun")
	cmd := exec.Command("go", "build", "-ldflags=-s -w", "-o", e2erunBin, ".")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		os.RemoveAll(tmpDir)
		log.Fatalf("Failed to build e2erun: %v", err)
	}

	// The stub servers are plain python http servers
	if _, err := exec.LookPath("python3"); err != nil {
		os.RemoveAll(tmpDir)
		log.Fatalf("E2E tests require python3 in PATH")
	}

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

const stubDriver = `#!/bin/sh
case "$1" in
  update) echo "chromedriver $3 up to date" ;;
  shutdown) echo "driver shut down" ;;
  start)
    for a in "$@"; do
      if [ "$a" = "--detach" ]; then echo "driver detached"; exit 0; fi
    done
    exec python3 -m http.server "$E2ERUN_TEST_DRIVER_PORT" --bind 127.0.0.1
    ;;
esac
`

const stubRunner = `#!/bin/sh
echo "$@" > "$E2ERUN_TEST_ARGS"
case "$E2ERUN_TEST_RUNNER" in
  fail) echo "3 specs, 1 failure"; exit 3 ;;
  hang) sleep 60 ;;
esac
echo "3 specs, 0 failures"
`

const stubAppServer = `import http.server, sys
port = int(sys.argv[sys.argv.index("--port") + 1])
http.server.HTTPServer(("127.0.0.1", port), http.server.SimpleHTTPRequestHandler).serve_forever()
`

const stubConstants = `export = {
  "DEV_MODE": false,
  "SITE_NAME": "Oppia"
};
`

type testProject struct {
	dir        string
	argsFile   string
	driverPort int
	appPort    int
	guardPort  int
	env        []string
}

// newTestProject lays out a checkout whose tools are small shell and python
// stubs listening on free loopback ports.
func newTestProject(t *testing.T) *testProject {
	t.Helper()
	dir := t.TempDir()

	write := func(rel, content string, perm os.FileMode) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), perm))
	}

	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0755))
	write("bin/node", "#!/bin/sh\nexec /bin/sh \"$@\"\n", 0755)
	write("node_modules/.bin/webdriver-manager", stubDriver, 0755)
	write("node_modules/protractor/bin/protractor", stubRunner, 0755)
	write("gae/dev_appserver.py", stubAppServer, 0644)
	write("assets/constants.ts", stubConstants, 0644)

	p := &testProject{
		dir:        dir,
		argsFile:   filepath.Join(dir, "runner-args.txt"),
		driverPort: freePort(t),
		appPort:    freePort(t),
		guardPort:  freePort(t),
	}
	write("e2erun.config.json", fmt.Sprintf(`{
  "node": %q,
  "setup": ["true"],
  "ports": {"guard": [%d], "webDriver": %d, "appServer": %d},
  "build": {"bundler": "true", "build": "true"},
  "appServer": {"home": "gae", "python": "python3"},
  "readyTimeout": 30,
  "readyInterval": 100
}`, filepath.Join(dir, "bin", "node"), p.guardPort, p.driverPort, p.appPort), 0644)

	p.env = append(os.Environ(),
		fmt.Sprintf("E2ERUN_TEST_DRIVER_PORT=%d", p.driverPort),
		"E2ERUN_TEST_ARGS="+p.argsFile,
	)
	return p
}

type e2erunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (p *testProject) start(t *testing.T, env []string, args ...string) (*exec.Cmd, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	cmd := exec.Command(e2erunBin, args...)
	cmd.Dir = p.dir
	cmd.Env = append(p.env, env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Start())
	return cmd, &stdout, &stderr
}

func (p *testProject) run(t *testing.T, env []string, args ...string) e2erunResult {
	t.Helper()
	cmd, stdout, stderr := p.start(t, env, args...)
	err := cmd.Wait()

	res := e2erunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		require.NoError(t, err)
	}
	if res.ExitCode != 0 {
		t.Logf("stdout:\n%s\nstderr:\n%s", res.Stdout, res.Stderr)
	}
	return res
}

func (p *testProject) assertTornDown(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	assert.Eventually(t, func() bool {
		return !IsPortOpen(ctx, p.driverPort) && !IsPortOpen(ctx, p.appPort)
	}, 10*time.Second, 100*time.Millisecond, "servers still listening after exit")

	data, err := os.ReadFile(filepath.Join(p.dir, "assets", "constants.ts"))
	require.NoError(t, err)
	assert.Equal(t, stubConstants, string(data))
	assert.NoFileExists(t, filepath.Join(p.dir, "assets", "constants.ts.bak"))
	assert.NoFileExists(t, filepath.Join(p.dir, ".e2erun", "e2erun.lock"))
}

func TestE2E_FullSession(t *testing.T) {
	p := newTestProject(t)

	res := p.run(t, nil, "--suite", "accessibility", "--sharding=false")

	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "chromedriver 2.41 up to date")
	assert.Contains(t, res.Stdout, "3 specs, 0 failures")

	args, err := os.ReadFile(p.argsFile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("core", "tests", "protractor.conf.js")+" --suite accessibility --params.devMode=true",
		strings.TrimSpace(string(args)))

	p.assertTornDown(t)

	runs, err := ListRuns(filepath.Join(p.dir, ".e2erun"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Success)
	assert.True(t, *runs[0].Success)
}

func TestE2E_PortInUse(t *testing.T) {
	p := newTestProject(t)
	l, port := listen(t)
	defer l.Close()
	p.guardPort = port
	cfgPath := filepath.Join(p.dir, "e2erun.config.json")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte("\"guard\": ["), []byte(fmt.Sprintf("\"guard\": [%d, ", port)), 1)
	require.NoError(t, os.WriteFile(cfgPath, data, 0644))

	res := p.run(t, nil)

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stdout, fmt.Sprintf("There is already a server running on localhost:%d", port))
	assert.NoFileExists(t, p.argsFile)
}

func TestE2E_RunnerExitCode(t *testing.T) {
	p := newTestProject(t)

	res := p.run(t, []string{"E2ERUN_TEST_RUNNER=fail"}, "--prod-env")

	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "test runner exited with status 3")

	args, err := os.ReadFile(p.argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--params.devMode=false")

	p.assertTornDown(t)
}

func TestE2E_Interrupt(t *testing.T) {
	p := newTestProject(t)

	cmd, stdout, stderr := p.start(t, []string{"E2ERUN_TEST_RUNNER=hang"})

	// Wait until the runner is up, then interrupt
	require.Eventually(t, func() bool { return fileExists(p.argsFile) }, 60*time.Second, 100*time.Millisecond)
	require.NoError(t, cmd.Process.Signal(syscall.SIGINT))

	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "stdout:\n%s\nstderr:\n%s", stdout, stderr)
	assert.Equal(t, 130, exitErr.ExitCode())
	assert.Contains(t, stderr.String(), "Interrupted. Cleaning up and exiting...")

	p.assertTornDown(t)
}
