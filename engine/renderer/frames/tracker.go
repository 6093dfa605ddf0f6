// Package frames paces CPU recording against GPU completion. Each frame
// slot remembers the fence value of its last submission and the CPU waits
// on it before touching the slot's resources again.
package frames

import (
	"context"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type SlotState int

const (
	SlotIdle SlotState = iota
	SlotSubmitted
	SlotSignaled
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotSubmitted:
		return "submitted"
	case SlotSignaled:
		return "signaled"
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// BufferIndexer reports which backbuffer the presentation engine hands out
// next. driver.Swapchain satisfies it.
type BufferIndexer interface {
	CurrentBackBufferIndex() uint32
}

// Slot is the per frame state owned by the render loop.
type Slot struct {
	Index     uint32
	Allocator driver.CommandAllocator
	// BackBufferState is the last state the slot's backbuffer was left in.
	BackBufferState driver.ResourceState

	value  uint64
	waited bool
}

// Value is the fence value of the slot's last submission, zero if none.
func (s *Slot) Value() uint64 {
	return s.value
}

type Tracker struct {
	fence   driver.Fence
	buffers BufferIndexer

	mu      sync.Mutex
	counter uint64
	slots   []*Slot
}

/**
 * @brief Creates the frame fence at zero and one command allocator per
 * slot on the direct queue.
 */
func NewTracker(dev driver.Device, buffers BufferIndexer, count uint32) (*Tracker, error) {
	if count == 0 {
		err := fmt.Errorf("frame tracker needs at least one slot")
		core.LogError(err.Error())
		return nil, err
	}
	fence, err := dev.CreateFence(0)
	if err != nil {
		err = fmt.Errorf("failed to create the frame fence: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	t := &Tracker{fence: fence, buffers: buffers}
	for i := uint32(0); i < count; i++ {
		alloc, err := dev.CreateCommandAllocator(driver.QueueDirect)
		if err != nil {
			t.Release()
			err = fmt.Errorf("failed to create the allocator of slot %d: %w", i, err)
			core.LogError(err.Error())
			return nil, err
		}
		t.slots = append(t.slots, &Slot{Index: i, Allocator: alloc, BackBufferState: driver.StatePresent, waited: true})
	}
	return t, nil
}

func (t *Tracker) Fence() driver.Fence {
	return t.fence
}

func (t *Tracker) Len() uint32 {
	return uint32(len(t.slots))
}

// Slot returns nil when i is out of range.
func (t *Tracker) Slot(i uint32) *Slot {
	if int(i) >= len(t.slots) {
		return nil
	}
	return t.slots[i]
}

// LastValue is the most recently issued fence value.
func (t *Tracker) LastValue() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counter
}

// SlotState reports SlotIdle for a slot out of range, it has no
// outstanding work.
func (t *Tracker) SlotState(i uint32) SlotState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(i) >= len(t.slots) {
		return SlotIdle
	}
	s := t.slots[i]
	switch {
	case s.waited:
		return SlotIdle
	case t.fence.CompletedValue() >= s.value:
		return SlotSignaled
	default:
		return SlotSubmitted
	}
}

func (t *Tracker) waitSlot(ctx context.Context, i uint32) error {
	if int(i) >= len(t.slots) {
		return fmt.Errorf("frame slot %d out of range (%d slots)", i, len(t.slots))
	}
	t.mu.Lock()
	value := t.slots[i].value
	t.mu.Unlock()

	if t.fence.CompletedValue() < value {
		if err := t.fence.Wait(ctx, value); err != nil {
			return fmt.Errorf("failed to wait frame slot %d for fence value %d: %w", i, value, err)
		}
	}
	t.mu.Lock()
	t.slots[i].waited = true
	t.mu.Unlock()
	return nil
}

/**
 * @brief Blocks until the GPU finished the last submission of slot. The
 * presentation engine may hand out a different backbuffer than the one we
 * expect, that one is waited as well. Returns the slot now safe to record.
 */
func (t *Tracker) WaitForSlot(ctx context.Context, slot uint32) (uint32, error) {
	if err := t.waitSlot(ctx, slot); err != nil {
		core.LogError(err.Error())
		return slot, err
	}
	current := slot
	if t.buffers != nil {
		current = t.buffers.CurrentBackBufferIndex()
	}
	if current != slot {
		if err := t.waitSlot(ctx, current); err != nil {
			core.LogError(err.Error())
			return current, err
		}
	}
	return current, nil
}

// SignalSubmitted issues the next fence value on q for slot.
func (t *Tracker) SignalSubmitted(slot uint32, q driver.Queue) (uint64, error) {
	if int(slot) >= len(t.slots) {
		return 0, fmt.Errorf("frame slot %d out of range (%d slots)", slot, len(t.slots))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	value := t.counter + 1
	if err := q.Signal(t.fence, value); err != nil {
		err = fmt.Errorf("failed to signal fence value %d: %w", value, err)
		core.LogError(err.Error())
		return 0, err
	}
	t.counter = value
	t.slots[slot].value = value
	t.slots[slot].waited = false
	return value, nil
}

// Drain waits for every slot. Nothing the GPU may still read can be
// released before it returns.
func (t *Tracker) Drain(ctx context.Context) error {
	for i := range t.slots {
		if err := t.waitSlot(ctx, uint32(i)); err != nil {
			core.LogError(err.Error())
			return err
		}
	}
	return nil
}

func (t *Tracker) Release() {
	for _, s := range t.slots {
		if s.Allocator != nil {
			s.Allocator.Release()
		}
	}
	t.slots = nil
	if t.fence != nil {
		t.fence.Release()
		t.fence = nil
	}
}
