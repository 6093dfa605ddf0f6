// Package softgpu is an in-process device that executes the driver API on
// the CPU. Queues run on their own goroutines, resources are plain byte
// slices addressed through a GPU virtual address space, and ray dispatches
// walk the shader binding table exactly like hardware does, running Go
// kernels bound by export name.
package softgpu

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/systems"
)

const (
	addressSpaceBase    = 0x10000
	descriptorIncrement = 32
)

// Stats counts executed work since the device was created.
type Stats struct {
	ListsExecuted uint64
	RayDispatches uint64
	Dispatches    uint64
	Draws         uint64
	Presents      uint64
	Builds        uint64
}

type Device struct {
	features    driver.Features
	rayKernels  map[string]RayKernel
	compKernels map[string]ComputeKernel
	presentHook PresentFunc
	workers     int
	jobs        *systems.JobSystem

	mu        sync.RWMutex
	nextAddr  uint64
	resources []*resource
	heaps     []*descriptorHeap
	fences    map[*fence]struct{}
	removed   error

	listsExecuted atomic.Uint64
	rayDispatches atomic.Uint64
	dispatches    atomic.Uint64
	draws         atomic.Uint64
	presents      atomic.Uint64
	builds        atomic.Uint64
}

var _ driver.Device = (*Device)(nil)

// New creates a device with ray tracing tier 1.1 and the built-in kernels.
func New(opts ...Option) *Device {
	d := &Device{
		features: driver.Features{
			Name:           "softgpu",
			RaytracingTier: driver.RaytracingTier1_1,
			Compute:        true,
		},
		rayKernels:  BuiltinRayKernels(),
		compKernels: BuiltinComputeKernels(),
		nextAddr:    addressSpaceBase,
		fences:      make(map[*fence]struct{}),
		workers:     runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(d)
	}
	jobs, err := systems.NewJobSystem(d.workers, d.workers*2)
	if err != nil {
		// a single worker always succeeds
		jobs, _ = systems.NewJobSystem(1, 2)
	}
	d.jobs = jobs
	return d
}

func (d *Device) Features() driver.Features {
	return d.features
}

func (d *Device) Stats() Stats {
	return Stats{
		ListsExecuted: d.listsExecuted.Load(),
		RayDispatches: d.rayDispatches.Load(),
		Dispatches:    d.dispatches.Load(),
		Draws:         d.draws.Load(),
		Presents:      d.presents.Load(),
		Builds:        d.builds.Load(),
	}
}

// Release drops every tracked object. Queues must be released first.
func (d *Device) Release() {
	_ = d.jobs.Shutdown()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources = nil
	d.heaps = nil
}

// Removed returns the error that removed the device, or nil.
func (d *Device) Removed() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.removed
}

func (d *Device) checkAlive() error {
	if err := d.Removed(); err != nil {
		return fmt.Errorf("%w: %v", driver.ErrDeviceRemoved, err)
	}
	return nil
}

// remove latches the first GPU timeline failure and wakes every fence
// waiter so blocked CPU threads observe the removal.
func (d *Device) remove(err error) {
	d.mu.Lock()
	if d.removed != nil {
		d.mu.Unlock()
		return
	}
	d.removed = err
	fences := make([]*fence, 0, len(d.fences))
	for f := range d.fences {
		fences = append(fences, f)
	}
	d.mu.Unlock()

	core.LogError("softgpu: device removed: %s", err.Error())
	for _, f := range fences {
		f.wakeAll()
	}
}

// allocate reserves a range of the address space honouring the
// acceleration structure alignment for every allocation.
func (d *Device) allocate(size uint64) driver.GPUAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocateLocked(size)
}

func (d *Device) allocateLocked(size uint64) driver.GPUAddress {
	if size == 0 {
		size = 1
	}
	addr := d.nextAddr
	d.nextAddr += math.RoundUp(size, uint64(driver.AccelerationStructureAlignment))
	return driver.GPUAddress(addr)
}

func (d *Device) track(r *resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.addr = d.allocateLocked(uint64(len(r.mem)))
	d.resources = append(d.resources, r)
}

func (d *Device) untrack(r *resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, other := range d.resources {
		if other == r {
			d.resources = append(d.resources[:i], d.resources[i+1:]...)
			return
		}
	}
}

// resolve maps a GPU address to the resource containing it and the byte
// offset inside that resource.
func (d *Device) resolve(addr driver.GPUAddress) (*resource, uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := sort.Search(len(d.resources), func(i int) bool {
		return d.resources[i].addr > addr
	})
	if i == 0 {
		return nil, 0, fmt.Errorf("%w: 0x%x", driver.ErrInvalidAddress, uint64(addr))
	}
	r := d.resources[i-1]
	off := uint64(addr - r.addr)
	if off >= uint64(len(r.mem)) {
		return nil, 0, fmt.Errorf("%w: 0x%x", driver.ErrInvalidAddress, uint64(addr))
	}
	return r, off, nil
}

// read copies n bytes starting at addr.
func (d *Device) read(addr driver.GPUAddress, n uint64) ([]byte, error) {
	r, off, err := d.resolve(addr)
	if err != nil {
		return nil, err
	}
	if off+n > uint64(len(r.mem)) {
		return nil, fmt.Errorf("%w: read of %d bytes at 0x%x in %q", driver.ErrOutOfBounds, n, uint64(addr), r.Name())
	}
	return r.mem[off : off+n], nil
}

func (d *Device) CreateCommittedResource(heap driver.HeapType, desc driver.ResourceDesc, initial driver.ResourceState) (driver.Resource, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	size := desc.ByteSize()
	if size == 0 {
		return nil, fmt.Errorf("softgpu: resource of zero size (%+v)", desc)
	}
	if desc.Dimension == driver.DimensionTexture2D && heap != driver.HeapDefault {
		return nil, fmt.Errorf("softgpu: textures must live on the default heap")
	}
	switch heap {
	case driver.HeapUpload:
		if initial != driver.StateGenericRead {
			return nil, fmt.Errorf("softgpu: upload heap resources must start in %s, got %s", driver.StateGenericRead, initial)
		}
	case driver.HeapReadback:
		if initial != driver.StateCopyDest {
			return nil, fmt.Errorf("softgpu: readback heap resources must start in %s, got %s", driver.StateCopyDest, initial)
		}
	}
	r := &resource{
		dev:  d,
		desc: desc,
		heap: heap,
		mem:  make([]byte, size),
	}
	r.state.Store(uint32(initial))
	d.track(r)
	return r, nil
}

func (d *Device) CreateFence(initial uint64) (driver.Fence, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	f := &fence{dev: d, value: initial}
	d.mu.Lock()
	d.fences[f] = struct{}{}
	d.mu.Unlock()
	return f, nil
}

func (d *Device) releaseFence(f *fence) {
	d.mu.Lock()
	delete(d.fences, f)
	d.mu.Unlock()
}

func (d *Device) CreateCommandQueue(t driver.QueueType) (driver.Queue, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return newQueue(d, t), nil
}

func (d *Device) CreateCommandAllocator(t driver.QueueType) (driver.CommandAllocator, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return &commandAllocator{typ: t}, nil
}

func (d *Device) CreateCommandList(t driver.QueueType, alloc driver.CommandAllocator) (driver.CommandList, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	a, ok := alloc.(*commandAllocator)
	if !ok || a == nil {
		return nil, fmt.Errorf("softgpu: foreign command allocator %T", alloc)
	}
	if a.typ != t {
		return nil, fmt.Errorf("softgpu: allocator type %d does not match list type %d", a.typ, t)
	}
	return &commandList{dev: d, typ: t, alloc: a, open: true}, nil
}

func (d *Device) CreateDescriptorHeap(t driver.DescriptorHeapType, count uint32, shaderVisible bool) (driver.DescriptorHeap, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("softgpu: descriptor heap of zero descriptors")
	}
	h := &descriptorHeap{
		dev:   d,
		typ:   t,
		slots: make([]descriptor, count),
	}
	d.mu.Lock()
	h.start = d.allocateLocked(uint64(count) * descriptorIncrement)
	d.heaps = append(d.heaps, h)
	d.mu.Unlock()
	return h, nil
}

func (d *Device) releaseHeap(h *descriptorHeap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, other := range d.heaps {
		if other == h {
			d.heaps = append(d.heaps[:i], d.heaps[i+1:]...)
			return
		}
	}
}

func (d *Device) CreateRootSignature(desc driver.RootSignatureDesc) (driver.RootSignature, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	for i, p := range desc.Parameters {
		if p.Type == driver.RootParameterDescriptorTable && len(p.Ranges) == 0 {
			return nil, fmt.Errorf("softgpu: root parameter %d is an empty descriptor table", i)
		}
	}
	return &rootSignature{desc: desc}, nil
}

func (d *Device) CreateSwapchain(q driver.Queue, desc driver.SwapchainDesc) (driver.Swapchain, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	sq, ok := q.(*queue)
	if !ok || sq.typ != driver.QueueDirect {
		return nil, fmt.Errorf("softgpu: swapchain requires a direct queue of this device")
	}
	return newSwapchain(d, sq, desc)
}
