package main

import (
	"fmt"
	"path/filepath"
	"strings"
)

// AppServerConfigFile picks the app config for the build mode.
func AppServerConfigFile(cfg *ResolvedConfig, devMode bool) string {
	if devMode {
		return cfg.Config.AppServer.DevConfig
	}
	return cfg.Config.AppServer.ProdConfig
}

// AppServerCommand builds the shell command line for dev_appserver.py.
func AppServerCommand(cfg *ResolvedConfig, devMode bool) string {
	c := &cfg.Config.AppServer
	script := filepath.Join(cfg.Path(c.Home), "dev_appserver.py")

	parts := []string{
		c.Python,
		script,
		"--host", c.Host,
		"--port", fmt.Sprint(cfg.Config.Ports.AppServer),
		"--clear_datastore=yes",
		"--dev_appserver_log_level=critical",
		"--log_level=critical",
		"--skip_sdk_update_check=true",
		AppServerConfigFile(cfg, devMode),
	}
	return strings.Join(parts, " ")
}

// AppServerSpec is the background application server.
func AppServerSpec(cfg *ResolvedConfig, devMode bool) CommandSpec {
	return CommandSpec{
		Name:  "dev_appserver",
		Shell: AppServerCommand(cfg, devMode),
		Dir:   cfg.ProjectRoot,
	}
}
