//go:build windows

package service

import "os"

var (
	shutdownSignals = []os.Signal{os.Interrupt}
	forceSignals    []os.Signal
)
