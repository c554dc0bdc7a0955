//go:build windows

package server

import "syscall"

func newProcessGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Process groups cannot be signalled as a unit here; Destroy relies on the
// process tree walk alone.
func groupAlive(int) bool       { return false }
func terminateGroup(int) error { return nil }
func killGroup(int) error      { return nil }
