package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultWebDriverPort = 4444
	defaultAppServerPort = 9001
	defaultGuardPort     = 8181
	defaultChromeVersion = "2.41"
	defaultReadyTimeout  = 300  // seconds
	defaultReadyInterval = 1000 // milliseconds
)

// PortsConfig lists the TCP ports the session depends on
type PortsConfig struct {
	Guard     []int `json:"guard,omitempty"`     // must be free before anything starts
	WebDriver int   `json:"webDriver,omitempty"` // driver manager listens here
	AppServer int   `json:"appServer,omitempty"`
}

// BuildConfig configures the front-end build
type BuildConfig struct {
	ConstantsFile string `json:"constantsFile,omitempty"`
	Bundler       string `json:"bundler,omitempty"` // dev mode only
	Build         string `json:"build,omitempty"`
	ProdFlag      string `json:"prodFlag,omitempty"` // appended to Build in prod mode
}

// DriverConfig configures the browser driver manager
type DriverConfig struct {
	Bin           string `json:"bin,omitempty"`
	ChromeVersion string `json:"chromeVersion,omitempty"`
}

// AppServerConfig configures the local application server
type AppServerConfig struct {
	Home       string `json:"home,omitempty"` // falls back to $GOOGLE_APP_ENGINE_HOME
	Python     string `json:"python,omitempty"`
	Host       string `json:"host,omitempty"`
	DevConfig  string `json:"devConfig,omitempty"`
	ProdConfig string `json:"prodConfig,omitempty"`
}

// RunnerConfig configures the end-to-end test runner
type RunnerConfig struct {
	Bin                string `json:"bin,omitempty"`
	Config             string `json:"config,omitempty"`
	BrowserstackConfig string `json:"browserstackConfig,omitempty"`
	ScreenshotDir      string `json:"screenshotDir,omitempty"`
}

// SmokeConfig configures the optional browser smoke check
type SmokeConfig struct {
	Enabled        bool   `json:"enabled,omitempty"`
	URL            string `json:"url,omitempty"`
	ExecutablePath string `json:"executablePath,omitempty"`
	ScreenshotDir  string `json:"screenshotDir,omitempty"`
	Timeout        int    `json:"timeout,omitempty"` // seconds
}

// E2EConfig is the project configuration loaded from e2erun.config.json
type E2EConfig struct {
	Node          string          `json:"node,omitempty"`
	Setup         []string        `json:"setup,omitempty"`
	Ports         PortsConfig     `json:"ports"`
	Build         BuildConfig     `json:"build"`
	Driver        DriverConfig    `json:"driver"`
	AppServer     AppServerConfig `json:"appServer"`
	Runner        RunnerConfig    `json:"runner"`
	ReadyTimeout  int             `json:"readyTimeout,omitempty"`  // seconds, -1 waits forever
	ReadyInterval int             `json:"readyInterval,omitempty"` // milliseconds
	Smoke         *SmokeConfig    `json:"smoke,omitempty"`
	Logging       *LoggingConfig  `json:"logging,omitempty"`
}

// ResolvedConfig is the fully resolved configuration
type ResolvedConfig struct {
	ProjectRoot string
	Config      E2EConfig
}

// ConfigPath returns the path to e2erun.config.json
func ConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, "e2erun.config.json")
}

// StateDir returns the directory holding logs and the session lock
func StateDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".e2erun")
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() E2EConfig {
	cfg := E2EConfig{}
	applyDefaults(&cfg)
	return cfg
}

// LoadConfig loads e2erun.config.json, falling back to defaults when absent
func LoadConfig(projectRoot string) (*ResolvedConfig, error) {
	var cfg E2EConfig

	data, err := os.ReadFile(ConfigPath(projectRoot))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid e2erun.config.json: %w", err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &ResolvedConfig{
		ProjectRoot: projectRoot,
		Config:      cfg,
	}, nil
}

// applyDefaults fills every unset field
func applyDefaults(cfg *E2EConfig) {
	if cfg.Node == "" {
		cfg.Node = "node"
	}
	if cfg.Setup == nil {
		cfg.Setup = []string{
			"python -m scripts.install_third_party_libs",
			"python -m scripts.setup",
			"python -m scripts.setup_gae",
		}
	}

	if cfg.Ports.Guard == nil {
		cfg.Ports.Guard = []int{defaultGuardPort, defaultAppServerPort}
	}
	if cfg.Ports.WebDriver == 0 {
		cfg.Ports.WebDriver = defaultWebDriverPort
	}
	if cfg.Ports.AppServer == 0 {
		cfg.Ports.AppServer = defaultAppServerPort
	}

	if cfg.Build.ConstantsFile == "" {
		cfg.Build.ConstantsFile = filepath.Join("assets", "constants.ts")
	}
	if cfg.Build.Bundler == "" {
		cfg.Build.Bundler = "node node_modules/webpack/bin/webpack.js --config webpack.dev.config.ts"
	}
	if cfg.Build.Build == "" {
		cfg.Build.Build = "python -m scripts.build"
	}
	if cfg.Build.ProdFlag == "" {
		cfg.Build.ProdFlag = "--prod_env"
	}

	if cfg.Driver.Bin == "" {
		cfg.Driver.Bin = filepath.Join("node_modules", ".bin", "webdriver-manager")
	}
	if cfg.Driver.ChromeVersion == "" {
		cfg.Driver.ChromeVersion = defaultChromeVersion
	}

	if cfg.AppServer.Home == "" {
		cfg.AppServer.Home = os.Getenv("GOOGLE_APP_ENGINE_HOME")
	}
	if cfg.AppServer.Home == "" {
		cfg.AppServer.Home = filepath.Join("..", "oppia_tools", "google_appengine_1.9.67", "google_appengine")
	}
	if cfg.AppServer.Python == "" {
		cfg.AppServer.Python = "python"
	}
	if cfg.AppServer.Host == "" {
		cfg.AppServer.Host = "0.0.0.0"
	}
	if cfg.AppServer.DevConfig == "" {
		cfg.AppServer.DevConfig = "app_dev.yaml"
	}
	if cfg.AppServer.ProdConfig == "" {
		cfg.AppServer.ProdConfig = "app.yaml"
	}

	if cfg.Runner.Bin == "" {
		cfg.Runner.Bin = filepath.Join("node_modules", "protractor", "bin", "protractor")
	}
	if cfg.Runner.Config == "" {
		cfg.Runner.Config = filepath.Join("core", "tests", "protractor.conf.js")
	}
	if cfg.Runner.BrowserstackConfig == "" {
		cfg.Runner.BrowserstackConfig = filepath.Join("core", "tests", "protractor-browserstack.conf.js")
	}
	if cfg.Runner.ScreenshotDir == "" {
		cfg.Runner.ScreenshotDir = filepath.Join("..", "protractor-screenshots")
	}

	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.ReadyInterval == 0 {
		cfg.ReadyInterval = defaultReadyInterval
	}

	if cfg.Smoke == nil {
		cfg.Smoke = &SmokeConfig{}
	}
	if cfg.Smoke.URL == "" {
		cfg.Smoke.URL = fmt.Sprintf("http://localhost:%d/", cfg.Ports.AppServer)
	}
	if cfg.Smoke.ScreenshotDir == "" {
		cfg.Smoke.ScreenshotDir = filepath.Join(".e2erun", "screenshots")
	}
	if cfg.Smoke.Timeout <= 0 {
		cfg.Smoke.Timeout = 30
	}

	if cfg.Logging == nil {
		cfg.Logging = DefaultLoggingConfig()
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *E2EConfig) error {
	if cfg.Build.ConstantsFile == "" {
		return fmt.Errorf("build.constantsFile is required")
	}
	if cfg.ReadyInterval < 0 {
		return fmt.Errorf("readyInterval must be positive, got %d", cfg.ReadyInterval)
	}
	if cfg.ReadyTimeout < -1 {
		return fmt.Errorf("readyTimeout must be -1 (no deadline) or positive, got %d", cfg.ReadyTimeout)
	}
	ports := append([]int{cfg.Ports.WebDriver, cfg.Ports.AppServer}, cfg.Ports.Guard...)
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid port %d", p)
		}
	}
	if cfg.Ports.WebDriver == cfg.Ports.AppServer {
		return fmt.Errorf("ports.webDriver and ports.appServer must differ (both %d)", cfg.Ports.AppServer)
	}
	return nil
}

// ReadyTimeout returns the readiness deadline; zero means wait forever.
func (c *ResolvedConfig) ReadyTimeout(opts Options) time.Duration {
	if opts.ReadyTimeout > 0 {
		return opts.ReadyTimeout
	}
	if c.Config.ReadyTimeout < 0 {
		return 0
	}
	return time.Duration(c.Config.ReadyTimeout) * time.Second
}

// ReadyInterval returns the pause between readiness probes.
func (c *ResolvedConfig) ReadyInterval() time.Duration {
	return time.Duration(c.Config.ReadyInterval) * time.Millisecond
}

// Path resolves a config-relative path against the project root.
func (c *ResolvedConfig) Path(p string) string {
	return resolvePath(c.ProjectRoot, p)
}

// findGitRoot finds the git root from a starting directory
func findGitRoot(start string) string {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// GetProjectRoot returns the project root (git root or cwd)
func GetProjectRoot() string {
	cwd, _ := os.Getwd()
	return findGitRoot(cwd)
}

// isCommandAvailable checks if a command is available in PATH
func isCommandAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

// extractBaseCommand returns the first word of a shell command string.
// e.g. "python -m scripts.build" → "python"
func extractBaseCommand(cmdStr string) string {
	fields := strings.Fields(cmdStr)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// WriteDefaultConfig writes a default e2erun.config.json
func WriteDefaultConfig(projectRoot string) error {
	cfg := DefaultConfig()
	// Leave the app server home to the environment unless it was defaulted.
	if os.Getenv("GOOGLE_APP_ENGINE_HOME") != "" {
		cfg.AppServer.Home = ""
	}
	return AtomicWriteJSON(ConfigPath(projectRoot), cfg)
}

// CheckReadiness validates that the project can run a session.
// Returns a list of issues. Empty list means ready.
func CheckReadiness(cfg *ResolvedConfig) []string {
	var issues []string
	c := &cfg.Config

	if !isCommandAvailable(c.Node) {
		issues = append(issues, fmt.Sprintf("'%s' not found in PATH", c.Node))
	}

	for _, cmd := range c.Setup {
		base := extractBaseCommand(cmd)
		if base != "" && !isCommandAvailable(base) {
			issues = append(issues, fmt.Sprintf("setup: '%s' not found in PATH (from: %s)", base, cmd))
		}
	}
	for _, cmd := range []string{c.Build.Bundler, c.Build.Build} {
		base := extractBaseCommand(cmd)
		if base != "" && !isCommandAvailable(base) {
			issues = append(issues, fmt.Sprintf("build: '%s' not found in PATH (from: %s)", base, cmd))
		}
	}

	if !fileExists(cfg.Path(c.Build.ConstantsFile)) {
		issues = append(issues, fmt.Sprintf("constants file not found: %s", c.Build.ConstantsFile))
	}
	if !fileExists(cfg.Path(c.Driver.Bin)) {
		issues = append(issues, fmt.Sprintf("driver manager not found: %s (run the dependency setup)", c.Driver.Bin))
	}
	if !fileExists(cfg.Path(c.Runner.Bin)) {
		issues = append(issues, fmt.Sprintf("test runner not found: %s (run the dependency setup)", c.Runner.Bin))
	}
	if !fileExists(filepath.Join(cfg.Path(c.AppServer.Home), "dev_appserver.py")) {
		issues = append(issues, fmt.Sprintf("dev_appserver.py not found under %s (set GOOGLE_APP_ENGINE_HOME)", c.AppServer.Home))
	}

	return issues
}
