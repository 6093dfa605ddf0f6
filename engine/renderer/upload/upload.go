// Package upload moves CPU data into GPU local buffers through staging
// buffers on the upload heap.
package upload

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/frames"
)

type Uploader struct {
	dev driver.Device

	mu      sync.Mutex
	pending []driver.Releaser
}

func New(dev driver.Device) *Uploader {
	return &Uploader{dev: dev}
}

/**
 * @brief Creates a default heap buffer of size bytes holding data and
 * records the copy into cl. The buffer ends in state. The staging buffer
 * stays pending until RetireAfter hands it to a release queue.
 */
func (u *Uploader) Upload(cl driver.CommandList, size uint64, data []byte, flags driver.ResourceFlags, state driver.ResourceState) (driver.Resource, error) {
	if uint64(len(data)) > size {
		err := fmt.Errorf("upload of %d bytes into a buffer of %d", len(data), size)
		core.LogError(err.Error())
		return nil, err
	}
	staging, err := u.dev.CreateCommittedResource(driver.HeapUpload, driver.BufferDesc(size, driver.ResourceFlagNone), driver.StateGenericRead)
	if err != nil {
		err = fmt.Errorf("failed to create staging buffer: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	staging.SetName("staging")
	if err := Write(staging, 0, data); err != nil {
		staging.Release()
		core.LogError(err.Error())
		return nil, err
	}

	dst, err := u.dev.CreateCommittedResource(driver.HeapDefault, driver.BufferDesc(size, flags), driver.StateCopyDest)
	if err != nil {
		staging.Release()
		err = fmt.Errorf("failed to create destination buffer: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	cl.CopyBufferRegion(dst, 0, staging, 0, size)
	if state != driver.StateCopyDest {
		cl.Transition(dst, driver.StateCopyDest, state)
	}

	u.mu.Lock()
	u.pending = append(u.pending, staging)
	u.mu.Unlock()
	return dst, nil
}

// Pending is the number of staging buffers not yet retired.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// RetireAfter hands the pending staging buffers to rq. value must be the
// fence value signaled after the list that consumed them was executed.
func (u *Uploader) RetireAfter(value uint64, rq *frames.ReleaseQueue) error {
	u.mu.Lock()
	pending := u.pending
	u.pending = nil
	u.mu.Unlock()
	if err := rq.Retire(value, pending...); err != nil {
		u.mu.Lock()
		u.pending = append(pending, u.pending...)
		u.mu.Unlock()
		return err
	}
	return nil
}

// Readback records a copy of src into a new readback buffer. src is
// moved from state to COPY_SOURCE and back.
func (u *Uploader) Readback(cl driver.CommandList, src driver.Resource, state driver.ResourceState) (driver.Resource, error) {
	desc := src.Desc()
	rb, err := u.dev.CreateCommittedResource(driver.HeapReadback, driver.BufferDesc(desc.ByteSize(), driver.ResourceFlagNone), driver.StateCopyDest)
	if err != nil {
		err = fmt.Errorf("failed to create readback buffer: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	rb.SetName("readback")
	if state != driver.StateCopySource {
		cl.Transition(src, state, driver.StateCopySource)
	}
	cl.CopyResource(rb, src)
	if state != driver.StateCopySource {
		cl.Transition(src, driver.StateCopySource, state)
	}
	return rb, nil
}

// Write copies data into a CPU visible resource at offset.
func Write(res driver.Resource, offset uint64, data []byte) error {
	mem, err := res.Map()
	if err != nil {
		return fmt.Errorf("failed to map %q: %w", res.Name(), err)
	}
	defer res.Unmap()
	if offset+uint64(len(data)) > uint64(len(mem)) {
		return fmt.Errorf("%w: write of %d bytes at %d into %q of %d bytes", driver.ErrOutOfBounds, len(data), offset, res.Name(), len(mem))
	}
	copy(mem[offset:], data)
	return nil
}

// Read returns a copy of size bytes at offset of a CPU visible resource.
func Read(res driver.Resource, offset, size uint64) ([]byte, error) {
	mem, err := res.Map()
	if err != nil {
		return nil, fmt.Errorf("failed to map %q: %w", res.Name(), err)
	}
	defer res.Unmap()
	if offset+size > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: read of %d bytes at %d from %q of %d bytes", driver.ErrOutOfBounds, size, offset, res.Name(), len(mem))
	}
	return append([]byte(nil), mem[offset:offset+size]...), nil
}
