package softgpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type fenceWaiter struct {
	value uint64
	ch    chan struct{}
}

type fence struct {
	dev *Device

	mu      sync.Mutex
	value   uint64
	waiters []fenceWaiter
	// history records every value written, in order.
	history []uint64
}

var _ driver.Fence = (*fence)(nil)

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *fence) Wait(ctx context.Context, value uint64) error {
	f.mu.Lock()
	if f.value >= value {
		f.mu.Unlock()
		return nil
	}
	if err := f.dev.checkAlive(); err != nil {
		f.mu.Unlock()
		return err
	}
	w := fenceWaiter{value: value, ch: make(chan struct{})}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-w.ch:
		if f.CompletedValue() >= value {
			return nil
		}
		return f.dev.checkAlive()
	case <-ctx.Done():
		f.dropWaiter(w.ch)
		return fmt.Errorf("fence wait for %d: %w", value, ctx.Err())
	}
}

func (f *fence) dropWaiter(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w.ch == ch {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

// signal is called from queue timelines.
func (f *fence) signal(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = value
	f.history = append(f.history, value)
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= value {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
}

func (f *fence) wakeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.waiters {
		close(w.ch)
	}
	f.waiters = nil
}

func (f *fence) Release() {
	f.wakeAll()
	f.dev.releaseFence(f)
}

// SignaledValues returns every value written to a softgpu fence in the
// order the GPU wrote them.
func SignaledValues(fn driver.Fence) []uint64 {
	f, ok := fn.(*fence)
	if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.history...)
}

func asFence(fn driver.Fence) (*fence, error) {
	f, ok := fn.(*fence)
	if !ok || f == nil {
		return nil, fmt.Errorf("softgpu: foreign fence %T", fn)
	}
	return f, nil
}
