package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// queue is a driver queue over the single VkQueue of the device. Every
// driver queue shares it, so submissions from all of them are ordered.
type queue struct {
	dev *Device
	typ driver.QueueType
}

var _ driver.Queue = (*queue)(nil)

func (d *Device) CreateCommandQueue(t driver.QueueType) (driver.Queue, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if t == driver.QueueCopy {
		core.LogDebug("vulkan: copy queue shares the graphics queue")
	}
	return &queue{dev: d, typ: t}, nil
}

func (q *queue) Type() driver.QueueType { return q.typ }

func (q *queue) Execute(lists ...driver.CommandList) error {
	if err := q.dev.checkAlive(); err != nil {
		return err
	}
	buffers := make([]vk.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok || cl == nil {
			return fmt.Errorf("vulkan: foreign command list %T", l)
		}
		if cl.open {
			return driver.ErrListOpen
		}
		buffers = append(buffers, cl.cb)
	}
	if len(buffers) == 0 {
		return nil
	}
	return q.dev.locks.safeCall(queueManagement, func() error {
		submit := vk.SubmitInfo{
			SType:              vk.StructureTypeSubmitInfo,
			CommandBufferCount: uint32(len(buffers)),
			PCommandBuffers:    buffers,
		}
		return q.dev.observe(resultError("vkQueueSubmit", vk.QueueSubmit(q.dev.queue, 1, []vk.SubmitInfo{submit}, vk.NullFence)))
	})
}

/**
 * @brief Submits an empty batch whose fence marks value as reached once
 * everything submitted before it completes.
 */
func (q *queue) Signal(f driver.Fence, value uint64) error {
	if err := q.dev.checkAlive(); err != nil {
		return err
	}
	fn, err := asFence(f)
	if err != nil {
		return err
	}
	h, err := fn.handle()
	if err != nil {
		return err
	}
	return q.dev.locks.safeCall(queueManagement, func() error {
		res := vk.QueueSubmit(q.dev.queue, 0, nil, h)
		if err := resultError("vkQueueSubmit", res); err != nil {
			vk.DestroyFence(q.dev.logical, h, nil)
			return q.dev.observe(err)
		}
		fn.queued(value, h)
		return nil
	})
}

// Wait orders later submissions after value. Every queue feeds the same
// VkQueue, so a value already queued for signaling needs no further work;
// otherwise the CPU blocks until another thread signals it.
func (q *queue) Wait(f driver.Fence, value uint64) error {
	if err := q.dev.checkAlive(); err != nil {
		return err
	}
	fn, err := asFence(f)
	if err != nil {
		return err
	}
	fn.awaitSubmitted(value)
	return q.dev.checkAlive()
}

func (q *queue) Release() {}
