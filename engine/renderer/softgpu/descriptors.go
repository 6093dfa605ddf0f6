package softgpu

import (
	"sync"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type descriptorKind int

const (
	descriptorEmpty descriptorKind = iota
	descriptorUAV
	descriptorAccelerationStructure
	descriptorCBV
	descriptorBufferSRV
)

type descriptor struct {
	kind     descriptorKind
	res      *resource
	addr     driver.GPUAddress
	size     uint32
	elements uint32
	stride   uint32
}

type descriptorHeap struct {
	dev   *Device
	typ   driver.DescriptorHeapType
	start driver.GPUAddress

	mu    sync.RWMutex
	slots []descriptor
}

var _ driver.DescriptorHeap = (*descriptorHeap)(nil)

func (h *descriptorHeap) Type() driver.DescriptorHeapType { return h.typ }
func (h *descriptorHeap) Len() uint32                     { return uint32(len(h.slots)) }
func (h *descriptorHeap) GPUStart() driver.GPUAddress     { return h.start }
func (h *descriptorHeap) IncrementSize() uint32           { return descriptorIncrement }

func (h *descriptorHeap) set(index uint32, d descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(index) < len(h.slots) {
		h.slots[index] = d
	}
}

func (h *descriptorHeap) CreateUnorderedAccessView(index uint32, res driver.Resource) {
	r, err := asResource(res)
	if err != nil {
		return
	}
	h.set(index, descriptor{kind: descriptorUAV, res: r})
}

func (h *descriptorHeap) CreateAccelerationStructureView(index uint32, addr driver.GPUAddress) {
	h.set(index, descriptor{kind: descriptorAccelerationStructure, addr: addr})
}

func (h *descriptorHeap) CreateConstantBufferView(index uint32, addr driver.GPUAddress, size uint32) {
	h.set(index, descriptor{kind: descriptorCBV, addr: addr, size: size})
}

func (h *descriptorHeap) CreateBufferShaderResourceView(index uint32, res driver.Resource, elements, stride uint32) {
	r, err := asResource(res)
	if err != nil {
		return
	}
	h.set(index, descriptor{kind: descriptorBufferSRV, res: r, elements: elements, stride: stride})
}

func (h *descriptorHeap) Release() {
	h.dev.releaseHeap(h)
}

type rootSignature struct {
	desc driver.RootSignatureDesc
}

func (s *rootSignature) Desc() driver.RootSignatureDesc { return s.desc }
func (s *rootSignature) Release()                       {}

// execState is the pipeline state of one list execution.
type execState struct {
	dev   *Device
	queue *queue
	heaps []*descriptorHeap

	rtso *stateObject

	compute    *computePipeline
	computeSRV map[uint32]driver.GPUAddress
	computeUAV map[uint32]driver.GPUAddress

	graphics    *graphicsPipeline
	graphicsCBV map[uint32]driver.GPUAddress
	graphicsSRV map[uint32]driver.GPUAddress
	vertex      vertexBinding
	index       indexBinding
	target      *resource
	depth       map[*resource][]float32
}

func newExecState(d *Device, q *queue) *execState {
	return &execState{
		dev:         d,
		queue:       q,
		computeSRV:  make(map[uint32]driver.GPUAddress),
		computeUAV:  make(map[uint32]driver.GPUAddress),
		graphicsCBV: make(map[uint32]driver.GPUAddress),
		graphicsSRV: make(map[uint32]driver.GPUAddress),
		depth:       make(map[*resource][]float32),
	}
}
