package softgpu

import (
	"fmt"
	"image"
	"sync"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// PresentedFrame is a copy of a back buffer taken when it was presented.
type PresentedFrame struct {
	Index  uint32
	Width  uint32
	Height uint32
	Format driver.Format
	Pixels []byte
}

// Image converts the frame to RGBA.
func (f PresentedFrame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(f.Width), int(f.Height)))
	copy(img.Pix, f.Pixels)
	if f.Format == driver.FormatB8G8R8A8Unorm {
		for i := 0; i+4 <= len(img.Pix); i += 4 {
			img.Pix[i], img.Pix[i+2] = img.Pix[i+2], img.Pix[i]
		}
	}
	return img
}

type PresentFunc func(frame PresentedFrame)

type swapchain struct {
	dev     *Device
	queue   *queue
	desc    driver.SwapchainDesc
	buffers []*resource

	mu      sync.Mutex
	current uint32
}

var _ driver.Swapchain = (*swapchain)(nil)

func newSwapchain(d *Device, q *queue, desc driver.SwapchainDesc) (*swapchain, error) {
	if desc.BufferCount < 2 {
		return nil, fmt.Errorf("softgpu: swapchain needs at least 2 buffers, got %d", desc.BufferCount)
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("softgpu: swapchain of %dx%d", desc.Width, desc.Height)
	}
	if desc.Format == driver.FormatUnknown {
		desc.Format = driver.FormatR8G8B8A8Unorm
	}
	sc := &swapchain{dev: d, queue: q, desc: desc}
	for i := uint32(0); i < desc.BufferCount; i++ {
		res, err := d.CreateCommittedResource(driver.HeapDefault,
			driver.Texture2DDesc(desc.Width, desc.Height, desc.Format, driver.ResourceFlagAllowRenderTarget),
			driver.StatePresent)
		if err != nil {
			sc.Release()
			return nil, err
		}
		res.SetName(fmt.Sprintf("backbuffer[%d]", i))
		sc.buffers = append(sc.buffers, res.(*resource))
	}
	return sc, nil
}

func (sc *swapchain) BufferCount() uint32 {
	return uint32(len(sc.buffers))
}

func (sc *swapchain) CurrentBackBufferIndex() uint32 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.current
}

func (sc *swapchain) BackBuffer(i uint32) driver.Resource {
	if int(i) >= len(sc.buffers) {
		return nil
	}
	return sc.buffers[i]
}

// Present queues a check that the buffer is back in the present state and
// hands a copy to the present hook.
func (sc *swapchain) Present() error {
	if err := sc.dev.checkAlive(); err != nil {
		return err
	}
	sc.mu.Lock()
	idx := sc.current
	sc.current = (sc.current + 1) % uint32(len(sc.buffers))
	sc.mu.Unlock()

	buf := sc.buffers[idx]
	hook := sc.dev.presentHook
	return sc.queue.present(func() error {
		if err := buf.expect(driver.StatePresent); err != nil {
			return fmt.Errorf("present: %w", err)
		}
		sc.dev.presents.Add(1)
		if hook != nil {
			hook(PresentedFrame{
				Index:  idx,
				Width:  sc.desc.Width,
				Height: sc.desc.Height,
				Format: sc.desc.Format,
				Pixels: append([]byte(nil), buf.mem...),
			})
		}
		return nil
	})
}

func (sc *swapchain) Release() {
	for _, b := range sc.buffers {
		b.Release()
	}
	sc.buffers = nil
}
