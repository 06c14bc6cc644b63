//go:build unix

package main

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts cmd in its own process group so its children can be
// signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return unix.Kill(-p.Pid, unix.SIGTERM)
}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return unix.Kill(-p.Pid, unix.SIGKILL)
}

func shellArgs(line string) []string {
	return []string{"sh", "-c", line}
}

// exitSignal reports the signal that killed the command, if any
func exitSignal(err *exec.ExitError) (int, bool) {
	ws, ok := err.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return int(ws.Signal()), true
}
