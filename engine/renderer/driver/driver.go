// Package driver defines the explicit graphics API surface used by the
// renderer. Backends implement these interfaces; the renderer never
// talks to a graphics API directly.
package driver

import "context"

// Releaser is implemented by every object that owns device memory.
// Release must not be called while the GPU may still reference the
// object; see frames.ReleaseQueue.
type Releaser interface {
	Release()
}

// Device is the main interface to a backend. It creates every other
// object and answers capability queries.
type Device interface {
	Releaser

	// Features reports immutable device capabilities.
	Features() Features

	// CreateCommittedResource creates a resource with its own memory
	// on the given heap, starting in initial state.
	CreateCommittedResource(heap HeapType, desc ResourceDesc, initial ResourceState) (Resource, error)

	// CreateFence creates a fence whose completed value starts at
	// initial.
	CreateFence(initial uint64) (Fence, error)

	CreateCommandQueue(t QueueType) (Queue, error)
	CreateCommandAllocator(t QueueType) (CommandAllocator, error)

	// CreateCommandList creates a list in the recording state bound
	// to alloc.
	CreateCommandList(t QueueType, alloc CommandAllocator) (CommandList, error)

	CreateDescriptorHeap(t DescriptorHeapType, count uint32, shaderVisible bool) (DescriptorHeap, error)
	CreateRootSignature(desc RootSignatureDesc) (RootSignature, error)

	// AccelerationStructurePrebuildInfo returns the buffer sizes
	// required to build the structure described by inputs.
	AccelerationStructurePrebuildInfo(inputs AccelerationStructureInputs) (PrebuildInfo, error)

	// CreateStateObject creates a ray tracing pipeline. Backends
	// without ray tracing return ErrRaytracingUnsupported.
	CreateStateObject(desc RaytracingPipelineDesc) (StateObject, error)

	CreateComputePipeline(desc ComputePipelineDesc) (Pipeline, error)
	CreateGraphicsPipeline(desc GraphicsPipelineDesc) (Pipeline, error)

	// CreateSwapchain creates the presentation surface buffers. The
	// back buffers start in the PRESENT state.
	CreateSwapchain(q Queue, desc SwapchainDesc) (Swapchain, error)
}

// Resource is a buffer or texture.
type Resource interface {
	Releaser

	Desc() ResourceDesc
	Heap() HeapType

	// GPUAddress returns the start of the resource in the GPU virtual
	// address space.
	GPUAddress() GPUAddress

	// Map returns the CPU view of the resource memory. Only upload and
	// readback heaps are mappable; others return ErrNotMappable.
	Map() ([]byte, error)
	Unmap()

	SetName(name string)
	Name() string
}

// Fence is a monotonically increasing 64-bit timeline written by
// queues and read by the CPU.
type Fence interface {
	Releaser

	// CompletedValue returns the last value the GPU has signaled.
	CompletedValue() uint64

	// Wait blocks until CompletedValue() >= value or ctx is done.
	Wait(ctx context.Context, value uint64) error
}

// Queue executes command lists in submission order.
type Queue interface {
	Releaser

	Type() QueueType

	// Execute submits closed lists for execution.
	Execute(lists ...CommandList) error

	// Signal enqueues a write of value to f after all previously
	// submitted work.
	Signal(f Fence, value uint64) error

	// Wait makes the queue wait on the GPU until f reaches value.
	// The CPU does not block.
	Wait(f Fence, value uint64) error
}

// CommandAllocator backs the memory of recorded commands. It may only
// be reset once the GPU finished every list recorded from it.
type CommandAllocator interface {
	Releaser

	Reset() error
}

// CommandList records GPU commands. Recording errors are latched and
// returned by Close, so call sites can record without checking every
// command.
type CommandList interface {
	Releaser

	// Reset reopens a closed list for recording against alloc.
	Reset(alloc CommandAllocator) error
	Close() error

	CopyBufferRegion(dst Resource, dstOffset uint64, src Resource, srcOffset uint64, size uint64)
	CopyResource(dst, src Resource)

	// Transition records a state change. before must match the state
	// the resource is in when the list executes.
	Transition(res Resource, before, after ResourceState)
	// UAVBarrier orders accesses to res between commands.
	UAVBarrier(res Resource)

	BuildAccelerationStructure(desc BuildDesc)

	SetDescriptorHeaps(heaps ...DescriptorHeap)

	SetRaytracingPipeline(so StateObject)
	DispatchRays(desc DispatchRaysDesc)

	SetComputePipeline(p Pipeline)
	SetComputeRootShaderResource(index uint32, addr GPUAddress)
	SetComputeRootUnorderedAccess(index uint32, addr GPUAddress)
	Dispatch(x, y, z uint32)

	ClearRenderTarget(rt Resource, color [4]float32)
	// SetRenderTarget binds the output of subsequent draws.
	SetRenderTarget(rt Resource)
	SetGraphicsPipeline(p Pipeline)
	SetGraphicsRootConstantBuffer(index uint32, addr GPUAddress)
	SetGraphicsRootShaderResource(index uint32, addr GPUAddress)
	SetVertexBuffer(addr GPUAddress, size uint64, stride uint32)
	SetIndexBuffer(addr GPUAddress, size uint64, format Format)
	DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32)
	DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32)
}

// DescriptorHeap is an array of views addressable by the GPU.
type DescriptorHeap interface {
	Releaser

	Type() DescriptorHeapType
	Len() uint32

	// GPUStart is the handle of the first descriptor. Descriptor i
	// lives at GPUStart() + i*IncrementSize().
	GPUStart() GPUAddress
	IncrementSize() uint32

	CreateUnorderedAccessView(index uint32, res Resource)
	CreateAccelerationStructureView(index uint32, addr GPUAddress)
	CreateConstantBufferView(index uint32, addr GPUAddress, size uint32)
	CreateBufferShaderResourceView(index uint32, res Resource, elements, stride uint32)
}

type RootSignature interface {
	Releaser

	Desc() RootSignatureDesc
}

// StateObject is a compiled ray tracing pipeline.
type StateObject interface {
	Releaser

	// ShaderIdentifier returns the opaque identifier of an exported
	// program or hit group. ok is false for unknown names.
	ShaderIdentifier(export string) (id []byte, ok bool)
}

type Pipeline interface {
	Releaser
}

// Swapchain owns the presentable back buffers.
type Swapchain interface {
	Releaser

	BufferCount() uint32
	// CurrentBackBufferIndex returns the buffer the next frame renders
	// into.
	CurrentBackBufferIndex() uint32
	BackBuffer(i uint32) Resource

	// Present queues the current back buffer for display and advances
	// the index.
	Present() error
}
