package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// detachArgs drops the flags that only make sense to the launching process.
func detachArgs(args []string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--detach", strings.HasPrefix(arg, "--detach="):
			continue
		case arg == "--detach-log":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--detach-log="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

// detach starts this program again in a new session and returns its pid.
// The copy runs as an ordinary supervisor; the caller is free to exit.
func detach(args []string, logFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204 -- re-executes this program
	cmd := exec.Command(executable, detachArgs(args)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304 -- path comes from the command line
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
