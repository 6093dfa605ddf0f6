package softgpu

import (
	"fmt"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type commandAllocator struct {
	typ     driver.QueueType
	pending atomic.Int64
}

var _ driver.CommandAllocator = (*commandAllocator)(nil)

// Reset fails while lists recorded from the allocator are still queued or
// executing, the GPU would otherwise read freed command memory.
func (a *commandAllocator) Reset() error {
	if n := a.pending.Load(); n > 0 {
		return fmt.Errorf("softgpu: command allocator reset while %d lists are in flight", n)
	}
	return nil
}

func (a *commandAllocator) Release() {}

type command struct {
	name string
	fn   func(st *execState) error
}

type commandList struct {
	dev   *Device
	typ   driver.QueueType
	alloc *commandAllocator

	open bool
	err  error
	cmds []command
}

var _ driver.CommandList = (*commandList)(nil)

// executable is an immutable copy of a closed list taken at submit time.
type executable struct {
	alloc *commandAllocator
	cmds  []command
}

func (e executable) run(q *queue) error {
	st := newExecState(q.dev, q)
	for i, c := range e.cmds {
		if err := c.fn(st); err != nil {
			return fmt.Errorf("command %d (%s): %w", i, c.name, err)
		}
	}
	q.dev.listsExecuted.Add(1)
	return nil
}

func (cl *commandList) snapshot(qt driver.QueueType) (executable, error) {
	if cl.open {
		return executable{}, driver.ErrListOpen
	}
	if cl.err != nil {
		return executable{}, fmt.Errorf("softgpu: executing a list that failed recording: %w", cl.err)
	}
	if cl.typ != qt {
		return executable{}, fmt.Errorf("softgpu: list of type %d submitted to queue of type %d", cl.typ, qt)
	}
	return executable{alloc: cl.alloc, cmds: cl.cmds}, nil
}

func (cl *commandList) fail(err error) {
	if cl.err == nil {
		cl.err = err
	}
}

func (cl *commandList) record(name string, fn func(st *execState) error) {
	if !cl.open {
		cl.fail(fmt.Errorf("%w: recording %s", driver.ErrListClosed, name))
		return
	}
	if cl.err != nil {
		return
	}
	cl.cmds = append(cl.cmds, command{name: name, fn: fn})
}

func (cl *commandList) Reset(alloc driver.CommandAllocator) error {
	if cl.open {
		return driver.ErrListOpen
	}
	a, ok := alloc.(*commandAllocator)
	if !ok || a == nil {
		return fmt.Errorf("softgpu: foreign command allocator %T", alloc)
	}
	cl.alloc = a
	// a fresh slice, queued snapshots keep the old one
	cl.cmds = nil
	cl.err = nil
	cl.open = true
	return nil
}

func (cl *commandList) Close() error {
	if !cl.open {
		return driver.ErrListClosed
	}
	cl.open = false
	return cl.err
}

func (cl *commandList) Release() {
	cl.cmds = nil
}

func (cl *commandList) CopyBufferRegion(dst driver.Resource, dstOffset uint64, src driver.Resource, srcOffset uint64, size uint64) {
	d, err := asResource(dst)
	if err != nil {
		cl.fail(err)
		return
	}
	s, err := asResource(src)
	if err != nil {
		cl.fail(err)
		return
	}
	if d.desc.Dimension != driver.DimensionBuffer || s.desc.Dimension != driver.DimensionBuffer {
		cl.fail(fmt.Errorf("softgpu: CopyBufferRegion between non buffer resources"))
		return
	}
	if dstOffset+size > uint64(len(d.mem)) || srcOffset+size > uint64(len(s.mem)) {
		cl.fail(fmt.Errorf("%w: copy of %d bytes from %q+%d to %q+%d", driver.ErrOutOfBounds, size, s.Name(), srcOffset, d.Name(), dstOffset))
		return
	}
	cl.record("CopyBufferRegion", func(st *execState) error {
		if err := firstErr(d.liveOrErr(), s.liveOrErr()); err != nil {
			return err
		}
		if err := d.expect(driver.StateCopyDest); err != nil {
			return err
		}
		if err := s.expect(driver.StateCopySource, driver.StateGenericRead); err != nil {
			return err
		}
		copy(d.mem[dstOffset:dstOffset+size], s.mem[srcOffset:srcOffset+size])
		return nil
	})
}

func (cl *commandList) CopyResource(dst, src driver.Resource) {
	d, err := asResource(dst)
	if err != nil {
		cl.fail(err)
		return
	}
	s, err := asResource(src)
	if err != nil {
		cl.fail(err)
		return
	}
	if d.desc.Dimension != s.desc.Dimension || len(d.mem) != len(s.mem) || d.desc.Height != s.desc.Height {
		cl.fail(fmt.Errorf("softgpu: CopyResource between incompatible resources %q and %q", s.Name(), d.Name()))
		return
	}
	cl.record("CopyResource", func(st *execState) error {
		if err := firstErr(d.liveOrErr(), s.liveOrErr()); err != nil {
			return err
		}
		if err := d.expect(driver.StateCopyDest); err != nil {
			return err
		}
		if err := s.expect(driver.StateCopySource, driver.StateGenericRead); err != nil {
			return err
		}
		copy(d.mem, s.mem)
		return nil
	})
}

func (cl *commandList) Transition(res driver.Resource, before, after driver.ResourceState) {
	r, err := asResource(res)
	if err != nil {
		cl.fail(err)
		return
	}
	if before == after {
		cl.fail(fmt.Errorf("softgpu: transition of %q from %s to itself", r.Name(), before))
		return
	}
	if r.heap != driver.HeapDefault {
		cl.fail(fmt.Errorf("softgpu: transition of %q on the %s heap", r.Name(), r.heap))
		return
	}
	cl.record("Transition", func(st *execState) error {
		if err := r.liveOrErr(); err != nil {
			return err
		}
		if !r.state.CompareAndSwap(uint32(before), uint32(after)) {
			return fmt.Errorf("%w: transition of %q from %s but resource is %s", driver.ErrInvalidResourceState, r.Name(), before, r.State())
		}
		return nil
	})
}

func (cl *commandList) UAVBarrier(res driver.Resource) {
	r, err := asResource(res)
	if err != nil {
		cl.fail(err)
		return
	}
	if r.desc.Flags&driver.ResourceFlagAllowUnorderedAccess == 0 {
		cl.fail(fmt.Errorf("softgpu: UAV barrier on %q without unordered access", r.Name()))
		return
	}
	cl.record("UAVBarrier", func(st *execState) error {
		return r.liveOrErr()
	})
}

func (cl *commandList) SetDescriptorHeaps(heaps ...driver.DescriptorHeap) {
	hs := make([]*descriptorHeap, 0, len(heaps))
	for _, h := range heaps {
		dh, ok := h.(*descriptorHeap)
		if !ok || dh == nil {
			cl.fail(fmt.Errorf("softgpu: foreign descriptor heap %T", h))
			return
		}
		hs = append(hs, dh)
	}
	cl.record("SetDescriptorHeaps", func(st *execState) error {
		st.heaps = hs
		return nil
	})
}

func (cl *commandList) ClearRenderTarget(rt driver.Resource, color [4]float32) {
	r, err := asResource(rt)
	if err != nil {
		cl.fail(err)
		return
	}
	if r.desc.Flags&driver.ResourceFlagAllowRenderTarget == 0 {
		cl.fail(fmt.Errorf("softgpu: clear of %q which is not a render target", r.Name()))
		return
	}
	px := packColor(r.desc.Format, color)
	cl.record("ClearRenderTarget", func(st *execState) error {
		if err := r.liveOrErr(); err != nil {
			return err
		}
		if err := r.expect(driver.StateRenderTarget); err != nil {
			return err
		}
		for i := 0; i+4 <= len(r.mem); i += 4 {
			copy(r.mem[i:i+4], px[:])
		}
		delete(st.depth, r)
		return nil
	})
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func toByte(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(v*255 + 0.5)
}

// packColor encodes an RGBA float color in the texel layout of format.
func packColor(format driver.Format, c [4]float32) [4]byte {
	r, g, b, a := toByte(c[0]), toByte(c[1]), toByte(c[2]), toByte(c[3])
	if format == driver.FormatB8G8R8A8Unorm {
		return [4]byte{b, g, r, a}
	}
	return [4]byte{r, g, b, a}
}
