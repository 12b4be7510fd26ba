//go:build !windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

// startDetached launches the binary with args in its own session so it
// survives this process exiting. Stdout and stderr go to logFile.
func startDetached(exe string, args []string, logFile *os.File) (int, error) {
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	return pid, cmd.Process.Release()
}
