//go:build windows

package server

import "syscall"

const (
	sighup  = syscall.SIGHUP
	sigterm = syscall.SIGTERM
	// Windows has no SIGUSR1, this value is never delivered there.
	sigusr1 = syscall.Signal(0xa)
)
