// Package daemon re-executes the gateway binary as a detached background
// process and owns its rotating log file.
package daemon

import (
	"fmt"
	"os"
	"os/exec"

	"gopkg.in/natefinch/lumberjack.v2"
)

// childMarker is set in the environment of the detached child so a
// re-executed gateway never tries to detach again.
const childMarker = "_CLAUDE_BOX_DAEMON"

// InChild reports whether this process is the detached gateway child.
func InChild() bool {
	return os.Getenv(childMarker) == "1"
}

// RotatingLog returns a size-capped writer for the gateway log file.
// maxSizeMB <= 0 falls back to 20 MB per file.
func RotatingLog(path string, maxSizeMB int) *lumberjack.Logger {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
}

// Detach re-executes the current command line as a detached child with
// the marker set and returns the child pid. The caller is expected to
// report the pid and exit; the child takes over serving.
func Detach() (int, error) {
	if InChild() {
		return os.Getpid(), nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(execPath, os.Args[1:]...)
	cmd.Env = append(os.Environ(), childMarker+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachAttr()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start detached process: %w", err)
	}
	return cmd.Process.Pid, nil
}
