package vulkan

import (
	"context"
	"fmt"
	"sync"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// waitSlice bounds every blocking vkWaitForFences so context cancellation
// is observed.
const waitSlice = 2 * time.Millisecond

type pendingSignal struct {
	value  uint64
	handle vk.Fence
}

/**
 * @brief A 64-bit timeline emulated with binary fences. Every queued
 * signal submits an empty batch with its own VkFence; the completed value
 * is the value of the newest signaled fence, popped in submission order.
 */
type fence struct {
	dev *Device

	mu        sync.Mutex
	submitted *sync.Cond
	completed uint64
	// highest is the largest value queued for signaling.
	highest uint64
	pending []pendingSignal
	free    []vk.Fence
	// waiting counts CPU threads blocked on a pending handle; handles
	// are recycled only while nobody waits on them.
	waiting int
	retired []vk.Fence
}

var _ driver.Fence = (*fence)(nil)

func asFence(f driver.Fence) (*fence, error) {
	fn, ok := f.(*fence)
	if !ok || fn == nil {
		return nil, fmt.Errorf("vulkan: foreign fence %T", f)
	}
	return fn, nil
}

func (d *Device) CreateFence(initial uint64) (driver.Fence, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	f := &fence{dev: d, completed: initial, highest: initial}
	f.submitted = sync.NewCond(&f.mu)
	return f, nil
}

// handle returns an unsignaled VkFence, recycled when possible.
func (f *fence) handle() (vk.Fence, error) {
	f.mu.Lock()
	if n := len(f.free); n > 0 {
		h := f.free[n-1]
		f.free = f.free[:n-1]
		f.mu.Unlock()
		return h, nil
	}
	f.mu.Unlock()

	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var h vk.Fence
	if err := resultError("vkCreateFence", vk.CreateFence(f.dev.logical, &info, nil, &h)); err != nil {
		core.LogError(err.Error())
		return vk.NullFence, err
	}
	return h, nil
}

// queued records a signal submitted with h. Called under the queue lock,
// so values arrive in submission order.
func (f *fence) queued(value uint64, h vk.Fence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, pendingSignal{value: value, handle: h})
	f.highest = max(f.highest, value)
	f.submitted.Broadcast()
}

// poll pops every signaled fence. Must hold f.mu.
func (f *fence) poll() error {
	for len(f.pending) > 0 {
		p := f.pending[0]
		res := vk.GetFenceStatus(f.dev.logical, p.handle)
		if res == vk.NotReady {
			return nil
		}
		if res != vk.Success {
			return f.dev.observe(resultError("vkGetFenceStatus", res))
		}
		f.completed = max(f.completed, p.value)
		f.pending = f.pending[1:]
		f.recycle(p.handle)
	}
	return nil
}

func (f *fence) recycle(h vk.Fence) {
	if f.waiting > 0 {
		f.retired = append(f.retired, h)
		return
	}
	if vk.ResetFences(f.dev.logical, 1, []vk.Fence{h}) != vk.Success {
		vk.DestroyFence(f.dev.logical, h, nil)
		return
	}
	f.free = append(f.free, h)
}

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.poll(); err != nil {
		core.LogError(err.Error())
	}
	return f.completed
}

func (f *fence) Wait(ctx context.Context, value uint64) error {
	for {
		f.mu.Lock()
		if err := f.poll(); err != nil {
			f.mu.Unlock()
			return err
		}
		if f.completed >= value {
			f.mu.Unlock()
			return nil
		}
		if err := f.dev.checkAlive(); err != nil {
			f.mu.Unlock()
			return err
		}
		if err := ctx.Err(); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("fence wait for %d: %w", value, err)
		}
		var target vk.Fence
		for _, p := range f.pending {
			if p.value >= value {
				target = p.handle
				break
			}
		}
		if target == vk.NullFence {
			// not submitted yet, another thread will queue it
			f.mu.Unlock()
			time.Sleep(waitSlice)
			continue
		}
		f.waiting++
		f.mu.Unlock()

		res := vk.WaitForFences(f.dev.logical, 1, []vk.Fence{target}, vk.True, uint64(waitSlice.Nanoseconds()))

		f.mu.Lock()
		f.waiting--
		if f.waiting == 0 {
			retired := f.retired
			f.retired = nil
			for _, h := range retired {
				f.recycle(h)
			}
		}
		f.mu.Unlock()
		if res != vk.Success && res != vk.Timeout {
			return f.dev.observe(resultError("vkWaitForFences", res))
		}
	}
}

// awaitSubmitted blocks until value has been queued for signaling.
func (f *fence) awaitSubmitted(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.highest < value && f.dev.checkAlive() == nil {
		f.submitted.Wait()
	}
}

func (f *fence) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.dev.logical
	for _, p := range f.pending {
		vk.WaitForFences(dev, 1, []vk.Fence{p.handle}, vk.True, vk.MaxUint64)
		vk.DestroyFence(dev, p.handle, nil)
	}
	for _, h := range append(f.free, f.retired...) {
		vk.DestroyFence(dev, h, nil)
	}
	f.pending, f.free, f.retired = nil, nil, nil
}
