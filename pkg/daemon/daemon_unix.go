//go:build !windows

package daemon

import "syscall"

// detachAttr puts the child in its own session so it survives the
// controlling terminal going away.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
