package softgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type resource struct {
	dev  *Device
	desc driver.ResourceDesc
	heap driver.HeapType
	addr driver.GPUAddress
	mem  []byte

	// state is only written by queue timelines.
	state    atomic.Uint32
	released atomic.Bool

	mu    sync.Mutex
	name  string
	accel *accelerationStructure
}

var _ driver.Resource = (*resource)(nil)

func (r *resource) Desc() driver.ResourceDesc {
	return r.desc
}

func (r *resource) Heap() driver.HeapType {
	return r.heap
}

func (r *resource) GPUAddress() driver.GPUAddress {
	return r.addr
}

func (r *resource) Map() ([]byte, error) {
	if !r.heap.CPUVisible() {
		return nil, fmt.Errorf("%w: %q lives on the %s heap", driver.ErrNotMappable, r.Name(), r.heap)
	}
	if r.released.Load() {
		return nil, fmt.Errorf("softgpu: map of released resource %q", r.Name())
	}
	return r.mem, nil
}

func (r *resource) Unmap() {}

func (r *resource) SetName(name string) {
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
}

func (r *resource) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.name == "" {
		return fmt.Sprintf("resource@0x%x", uint64(r.addr))
	}
	return r.name
}

func (r *resource) Release() {
	if r.released.Swap(true) {
		return
	}
	r.dev.untrack(r)
}

func (r *resource) State() driver.ResourceState {
	return driver.ResourceState(r.state.Load())
}

// StateOf reports the GPU timeline state of a softgpu resource. It is
// meant for tests and diagnostics.
func StateOf(res driver.Resource) (driver.ResourceState, bool) {
	r, ok := res.(*resource)
	if !ok {
		return 0, false
	}
	return r.State(), true
}

func (r *resource) expect(states ...driver.ResourceState) error {
	cur := r.State()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is %s, expected %v", driver.ErrInvalidResourceState, r.Name(), cur, states)
}

func (r *resource) liveOrErr() error {
	if r.released.Load() {
		return fmt.Errorf("softgpu: use of released resource %q", r.Name())
	}
	return nil
}

func asResource(res driver.Resource) (*resource, error) {
	r, ok := res.(*resource)
	if !ok || r == nil {
		return nil, fmt.Errorf("softgpu: foreign resource %T", res)
	}
	return r, nil
}
