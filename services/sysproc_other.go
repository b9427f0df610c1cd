//go:build !windows

package services

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
