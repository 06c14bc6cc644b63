//go:build !unix

package main

import (
	"os"
	"os/exec"
)

// Process groups are a unix concept; elsewhere only the direct child is signalled.
func setProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func shellArgs(line string) []string {
	return []string{"cmd", "/C", line}
}

func exitSignal(err *exec.ExitError) (int, bool) {
	return 0, false
}
