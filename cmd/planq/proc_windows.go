//go:build windows

package main

import (
	"os"
	"os/exec"
)

// startDetached launches the binary with args detached from this
// process. Stdout and stderr go to logFile.
func startDetached(exe string, args []string, logFile *os.File) (int, error) {
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	return pid, cmd.Process.Release()
}
