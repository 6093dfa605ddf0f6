package platform

import (
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/core"
)

// Headless is a platform without a window, used with devices that
// present off screen. It runs until Close is called.
type Headless struct {
	Width  uint32
	Height uint32
	closed atomic.Bool
}

var _ Window = (*Headless)(nil)

func NewHeadless() *Headless {
	return &Headless{}
}

func (h *Headless) Startup(applicationName string, x uint32, y uint32, width uint32, height uint32) error {
	h.Width, h.Height = width, height
	h.closed.Store(false)
	core.LogInfo("headless platform started for %q (%dx%d)", applicationName, width, height)
	return nil
}

func (h *Headless) PumpMessages() bool {
	return !h.closed.Load()
}

// Close makes the next PumpMessages report quit. Safe from any goroutine.
func (h *Headless) Close() {
	h.closed.Store(true)
}

func (h *Headless) Shutdown() error {
	h.Close()
	return nil
}
