// Package platform owns the native window and turns its messages into
// engine input and events.
package platform

import "time"

// Window is a platform the engine can start, pump and shut down.
type Window interface {
	Startup(applicationName string, x uint32, y uint32, width uint32, height uint32) error
	// PumpMessages processes pending messages and reports false once the
	// application should quit.
	PumpMessages() bool
	Shutdown() error
}

var startTime = time.Now()

// GetAbsoluteTime returns the seconds since the process started.
func GetAbsoluteTime() float64 {
	return time.Since(startTime).Seconds()
}
