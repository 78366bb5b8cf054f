//go:build !windows

package lock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFileLock(t *testing.T) {
	configDir := t.TempDir()
	fl := NewFileLock(configDir)

	expectedPath := filepath.Join(configDir, "claude-box.lock")
	if fl.lockFile != expectedPath {
		t.Errorf("Expected lock file path %q, got %q", expectedPath, fl.lockFile)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	configDir := t.TempDir()
	fl := NewFileLock(configDir)

	// First lock should succeed
	err := fl.TryLock()
	if err != nil {
		t.Fatalf("First TryLock failed: %v", err)
	}

	// Verify lock file exists
	if _, err := os.Stat(fl.lockFile); os.IsNotExist(err) {
		t.Error("Lock file was not created")
	}

	// Second lock should fail
	fl2 := NewFileLock(configDir)
	err = fl2.TryLock()
	if err == nil {
		t.Error("Second TryLock should have failed but succeeded")
	}

	fl.Unlock()
}

func TestFileLock_Unlock(t *testing.T) {
	configDir := t.TempDir()
	fl := NewFileLock(configDir)

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}

	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	// Verify we can lock again
	fl2 := NewFileLock(configDir)
	if err := fl2.TryLock(); err != nil {
		t.Errorf("TryLock after Unlock failed: %v", err)
	}

	fl2.Unlock()
}

func TestFileLock_UnlockMultipleTimes(t *testing.T) {
	configDir := t.TempDir()
	fl := NewFileLock(configDir)

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}

	if err := fl.Unlock(); err != nil {
		t.Fatalf("First Unlock failed: %v", err)
	}

	// Second unlock should be safe (no-op)
	if err := fl.Unlock(); err != nil {
		t.Errorf("Second Unlock should be no-op but failed: %v", err)
	}
}

func TestFileLock_IsLocked(t *testing.T) {
	configDir := t.TempDir()
	fl := NewFileLock(configDir)

	if fl.IsLocked() {
		t.Error("File should not be locked initially")
	}

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}

	if !fl.IsLocked() {
		t.Error("File should be locked after TryLock")
	}

	// A new FileLock instance should also see it as locked
	fl2 := NewFileLock(configDir)
	if !fl2.IsLocked() {
		t.Error("New FileLock instance should see the file as locked")
	}

	fl.Unlock()

	if fl.IsLocked() {
		t.Error("File should not be locked after Unlock")
	}
}

func TestFileLock_GetPID(t *testing.T) {
	configDir := t.TempDir()
	fl := NewFileLock(configDir)

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}

	pid, err := fl.GetPID()
	if err != nil {
		t.Fatalf("GetPID failed: %v", err)
	}

	expectedPid := os.Getpid()
	if pid != expectedPid {
		t.Errorf("Expected PID %d, got %d", expectedPid, pid)
	}

	fl.Unlock()
}

func TestFileLock_GetPID_NoFile(t *testing.T) {
	configDir := t.TempDir()
	fl := NewFileLock(configDir)

	if _, err := fl.GetPID(); err == nil {
		t.Error("GetPID should fail when lock file doesn't exist")
	}
}
