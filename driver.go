package main

import "fmt"

// driverSpec builds an invocation of the webdriver-manager binary.
func driverSpec(cfg *ResolvedConfig, name string, args ...string) CommandSpec {
	c := &cfg.Config
	return CommandSpec{
		Name: name,
		Path: c.Node,
		Args: append([]string{cfg.Path(c.Driver.Bin)}, args...),
		Dir:  cfg.ProjectRoot,
	}
}

// DriverUpdateSpec downloads the pinned chrome driver.
func DriverUpdateSpec(cfg *ResolvedConfig) CommandSpec {
	return driverSpec(cfg, "webdriver-manager update",
		"update", "--versions.chrome", cfg.Config.Driver.ChromeVersion)
}

// DriverDetachedStartSpec starts the pinned driver detached; it returns once
// the server has been forked off.
func DriverDetachedStartSpec(cfg *ResolvedConfig) CommandSpec {
	return driverSpec(cfg, "webdriver-manager start --detach",
		"start", "--versions.chrome", cfg.Config.Driver.ChromeVersion, "--detach", "--quiet")
}

// DriverServeSpec is the long-lived foreground driver manager. stderr is
// dropped on Windows, where the manager's progress output floods the console.
func DriverServeSpec(cfg *ResolvedConfig, goos string) CommandSpec {
	spec := driverSpec(cfg, "webdriver-manager", "start")
	spec.DiscardStderr = goos == "windows"
	return spec
}

// DriverShutdownSpec stops any server the driver manager started, including
// the detached one no handle owns.
func DriverShutdownSpec(cfg *ResolvedConfig) CommandSpec {
	return driverSpec(cfg, "webdriver-manager shutdown", "shutdown")
}

// driverShutdownHook returns the teardown hook for the detached driver.
func driverShutdownHook(cfg *ResolvedConfig, run func(CommandSpec) error) Resource {
	spec := DriverShutdownSpec(cfg)
	return NewHook(spec.Name, func() error {
		if err := run(spec); err != nil {
			return fmt.Errorf("driver shutdown: %w", err)
		}
		return nil
	})
}
