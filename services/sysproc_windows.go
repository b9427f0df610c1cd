//go:build windows

package services

import "syscall"

// sysProcAttr hides the console window that child processes would otherwise
// flash on Windows.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{HideWindow: true}
}
