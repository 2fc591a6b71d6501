//go:build !windows

package service

import (
	"os"
	"syscall"
)

var (
	shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	// SIGALRM lets an external watchdog force the exit
	forceSignals = []os.Signal{syscall.SIGALRM}
)
