package engine

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/bmp"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
)

// frameCapture keeps the last presented back buffer of the software
// device. The present hook runs on the device queue goroutine.
type frameCapture struct {
	mu    sync.Mutex
	last  softgpu.PresentedFrame
	count uint64
}

func (fc *frameCapture) hook(f softgpu.PresentedFrame) {
	fc.mu.Lock()
	fc.last = f
	fc.count++
	fc.mu.Unlock()
}

func (fc *frameCapture) image() (*image.RGBA, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.count == 0 {
		return nil, false
	}
	return fc.last.Image(), true
}

// writeBMP encodes img to path, creating the parent directories.
func writeBMP(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := bmp.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	core.LogInfo("frame captured to %s (%dx%d)", path, img.Bounds().Dx(), img.Bounds().Dy())
	return nil
}
