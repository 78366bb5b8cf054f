//go:build !windows

package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// FileLock manages exclusive file locking for single-instance enforcement.
// The lock is automatically released when the process dies, even if it
// crashes. It also stores the current process PID for signal-based shutdown.
type FileLock struct {
	lockFile string
	file     *os.File
	pid      int
}

// NewFileLock creates a new file lock instance.
// The lock file will be created in the specified config directory.
func NewFileLock(configDir string) *FileLock {
	return &FileLock{
		lockFile: filepath.Join(configDir, "claude-box.lock"),
	}
}

// TryLock attempts to acquire the file lock.
// Returns an error if the lock is already held by another process.
// On success the current PID is written into the lock file so other
// processes can signal a shutdown.
func (fl *FileLock) TryLock() error {
	var err error
	fl.file, err = os.OpenFile(fl.lockFile, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("lock already held: server may already be running")
	}

	fl.pid = os.Getpid()
	if err := fl.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := fl.file.WriteAt([]byte(strconv.Itoa(fl.pid)+"\n"), 0); err != nil {
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}

	return nil
}

// Unlock releases the file lock.
// Safe to call multiple times; subsequent calls are no-ops.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	_ = unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)

	closeErr := fl.file.Close()
	fl.file = nil

	_ = os.Remove(fl.lockFile)

	if closeErr != nil {
		return fmt.Errorf("failed to close lock file: %w", closeErr)
	}

	return nil
}

// IsLocked reports whether the lock is currently held by any process.
func (fl *FileLock) IsLocked() bool {
	file, err := os.OpenFile(fl.lockFile, os.O_RDONLY, 0644)
	if err != nil {
		return false
	}
	defer file.Close()

	// If we can grab the lock it was not held; release immediately.
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return true
	}
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return false
}

// GetPID reads the PID stored in the lock file.
func (fl *FileLock) GetPID() (int, error) {
	data, err := os.ReadFile(fl.lockFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in lock file: %w", err)
	}

	return pid, nil
}

// GetLockFilePath returns the path of the lock file.
func (fl *FileLock) GetLockFilePath() string {
	return fl.lockFile
}
