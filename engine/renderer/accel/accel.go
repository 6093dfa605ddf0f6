// Package accel builds the bottom and top level acceleration structures
// of a scene and refits the top level one when instances move.
package accel

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/frames"
	"github.com/spaghettifunk/lumen/engine/renderer/sbt"
	"github.com/spaghettifunk/lumen/engine/renderer/upload"
)

var (
	ErrRefitWithoutBuild = errors.New("top level refit requested before a full build")
	ErrTopologyChanged   = errors.New("top level refit changes the instance topology")
)

// Geometry is one triangle mesh. IndexBuffer is nil for non indexed
// geometry. Positions are three float32 at the start of each vertex.
type Geometry struct {
	VertexBuffer driver.Resource
	VertexCount  uint32
	VertexStride uint64
	IndexBuffer  driver.Resource
	IndexCount   uint32
	Opaque       bool
}

// BottomLevel holds the buffers of a built bottom level structure. It is
// never rebuilt.
type BottomLevel struct {
	Scratch driver.Resource
	Result  driver.Resource
}

func (b *BottomLevel) GPUAddress() driver.GPUAddress {
	return b.Result.GPUAddress()
}

func (b *BottomLevel) Release() {
	if b.Scratch != nil {
		b.Scratch.Release()
	}
	if b.Result != nil {
		b.Result.Release()
	}
}

// Instance places a bottom level structure in the world. Its position in
// the instance slice selects its hit group records.
type Instance struct {
	BottomLevel *BottomLevel
	Transform   math.Mat4
}

type Builder struct {
	dev                driver.Device
	recordsPerInstance uint32
}

// NewBuilder returns a builder writing recordsPerInstance hit group
// records per instance. Zero selects sbt.DefaultRecordsPerInstance.
func NewBuilder(dev driver.Device, recordsPerInstance uint32) *Builder {
	if recordsPerInstance == 0 {
		recordsPerInstance = sbt.DefaultRecordsPerInstance
	}
	return &Builder{dev: dev, recordsPerInstance: recordsPerInstance}
}

func (b *Builder) RecordsPerInstance() uint32 {
	return b.recordsPerInstance
}

func (b *Builder) buffer(size uint64, state driver.ResourceState, name string) (driver.Resource, error) {
	size = math.RoundUp(size, uint64(driver.AccelerationStructureAlignment))
	res, err := b.dev.CreateCommittedResource(driver.HeapDefault, driver.BufferDesc(size, driver.ResourceFlagAllowUnorderedAccess), state)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s buffer: %w", name, err)
	}
	res.SetName(name)
	return res, nil
}

/**
 * @brief Records the build of a bottom level structure over geometries
 * into cl. The vertex and index buffers must be readable by the time the
 * list executes.
 */
func (b *Builder) BuildBottomLevel(cl driver.CommandList, geometries ...Geometry) (*BottomLevel, error) {
	if len(geometries) == 0 {
		err := fmt.Errorf("bottom level structure without geometry")
		core.LogError(err.Error())
		return nil, err
	}
	inputs := driver.AccelerationStructureInputs{Type: driver.BottomLevel, Flags: driver.BuildFlagPreferFastTrace}
	for i, g := range geometries {
		if g.VertexBuffer == nil || g.VertexCount == 0 {
			err := fmt.Errorf("geometry %d has no vertices", i)
			core.LogError(err.Error())
			return nil, err
		}
		desc := driver.GeometryDesc{
			VertexBuffer: g.VertexBuffer.GPUAddress(),
			VertexStride: g.VertexStride,
			VertexCount:  g.VertexCount,
			VertexFormat: driver.FormatR32G32B32Float,
			Opaque:       g.Opaque,
		}
		if g.IndexBuffer != nil {
			desc.IndexBuffer = g.IndexBuffer.GPUAddress()
			desc.IndexCount = g.IndexCount
			desc.IndexFormat = driver.FormatR32Uint
		}
		inputs.Geometries = append(inputs.Geometries, desc)
	}

	info, err := b.dev.AccelerationStructurePrebuildInfo(inputs)
	if err != nil {
		err = fmt.Errorf("bottom level prebuild info: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	scratch, err := b.buffer(info.ScratchDataSize, driver.StateUnorderedAccess, "blas scratch")
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	result, err := b.buffer(info.ResultDataMaxSize, driver.StateRaytracingAccelerationStructure, "blas")
	if err != nil {
		scratch.Release()
		core.LogError(err.Error())
		return nil, err
	}
	cl.BuildAccelerationStructure(driver.BuildDesc{Inputs: inputs, Dest: result.GPUAddress(), Scratch: scratch.GPUAddress()})
	cl.UAVBarrier(result)
	return &BottomLevel{Scratch: scratch, Result: result}, nil
}

// TopLevel is a refittable top level structure.
type TopLevel struct {
	builder *Builder

	scratch   driver.Resource
	result    driver.Resource
	instances driver.Resource

	built    bool
	topology []driver.GPUAddress

	// replaced holds the buffers of earlier full builds until RetireAfter.
	replaced []driver.Releaser
}

func (b *Builder) NewTopLevel() *TopLevel {
	return &TopLevel{builder: b}
}

func (t *TopLevel) Built() bool {
	return t.built
}

func (t *TopLevel) Result() driver.Resource {
	return t.result
}

func (t *TopLevel) GPUAddress() driver.GPUAddress {
	if t.result == nil {
		return 0
	}
	return t.result.GPUAddress()
}

// InstanceBuffer is the upload buffer holding the instance descriptors.
func (t *TopLevel) InstanceBuffer() driver.Resource {
	return t.instances
}

// Descriptor converts an instance to the descriptor written for index i.
func (b *Builder) Descriptor(i uint32, inst Instance) driver.InstanceDesc {
	var tr [3][4]float32
	// the descriptor holds the transposed matrix, first three rows
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			tr[r][c] = inst.Transform.Data[c*4+r]
		}
	}
	return driver.InstanceDesc{
		Transform:             tr,
		InstanceID:            i,
		Mask:                  0xFF,
		HitGroupContribution:  sbt.HitGroupContribution(i, b.recordsPerInstance),
		Flags:                 driver.InstanceFlagNone,
		AccelerationStructure: inst.BottomLevel.GPUAddress(),
	}
}

func (t *TopLevel) inputs(count uint32, flags driver.BuildFlags) driver.AccelerationStructureInputs {
	in := driver.AccelerationStructureInputs{
		Type:          driver.TopLevel,
		Flags:         flags,
		InstanceCount: count,
	}
	if t.instances != nil {
		in.InstanceDescs = t.instances.GPUAddress()
	}
	return in
}

func (t *TopLevel) allocate(count uint32) error {
	info, err := t.builder.dev.AccelerationStructurePrebuildInfo(t.inputs(count, driver.BuildFlagAllowUpdate))
	if err != nil {
		return fmt.Errorf("top level prebuild info: %w", err)
	}
	scratch, err := t.builder.buffer(max(info.ScratchDataSize, info.UpdateScratchDataSize), driver.StateUnorderedAccess, "tlas scratch")
	if err != nil {
		return err
	}
	result, err := t.builder.buffer(info.ResultDataMaxSize, driver.StateRaytracingAccelerationStructure, "tlas")
	if err != nil {
		scratch.Release()
		return err
	}
	size := math.RoundUp(uint64(count)*driver.InstanceDescSize, uint64(driver.AccelerationStructureAlignment))
	descs, err := t.builder.dev.CreateCommittedResource(driver.HeapUpload, driver.BufferDesc(size, driver.ResourceFlagNone), driver.StateGenericRead)
	if err != nil {
		scratch.Release()
		result.Release()
		return fmt.Errorf("failed to create instance descriptor buffer: %w", err)
	}
	descs.SetName("tlas instances")
	if err := upload.Write(descs, 0, make([]byte, size)); err != nil {
		scratch.Release()
		result.Release()
		descs.Release()
		return err
	}
	for _, r := range []driver.Resource{t.scratch, t.result, t.instances} {
		if r != nil {
			t.replaced = append(t.replaced, r)
		}
	}
	t.scratch, t.result, t.instances = scratch, result, descs
	t.built = false
	t.topology = t.topology[:0]
	return nil
}

// Pending returns how many buffers of earlier full builds wait for
// RetireAfter.
func (t *TopLevel) Pending() int {
	return len(t.replaced)
}

// RetireAfter hands the buffers replaced by full builds to rq. value must
// be the fence value signaled after the last list that used them.
func (t *TopLevel) RetireAfter(value uint64, rq *frames.ReleaseQueue) error {
	if len(t.replaced) == 0 {
		return nil
	}
	if err := rq.Retire(value, t.replaced...); err != nil {
		core.LogError(err.Error())
		return err
	}
	t.replaced = nil
	return nil
}

func (t *TopLevel) checkTopology(instances []Instance) error {
	if !t.built {
		return ErrRefitWithoutBuild
	}
	if len(instances) != len(t.topology) {
		return fmt.Errorf("%w: %d instances, built with %d", ErrTopologyChanged, len(instances), len(t.topology))
	}
	for i, inst := range instances {
		if inst.BottomLevel.GPUAddress() != t.topology[i] {
			return fmt.Errorf("%w: instance %d references another bottom level structure", ErrTopologyChanged, i)
		}
	}
	return nil
}

/**
 * @brief Writes the instance descriptors and records the top level build
 * into cl. A full build allocates buffers sized for instances. With
 * updateOnly the previous result is refitted in place, which requires a
 * prior full build over the same instance topology.
 */
func (t *TopLevel) Build(cl driver.CommandList, instances []Instance, updateOnly bool) error {
	for i, inst := range instances {
		if inst.BottomLevel == nil || inst.BottomLevel.Result == nil {
			err := fmt.Errorf("instance %d has no bottom level structure", i)
			core.LogError(err.Error())
			return err
		}
	}
	count := uint32(len(instances))
	flags := driver.BuildFlagAllowUpdate
	if updateOnly {
		if err := t.checkTopology(instances); err != nil {
			core.LogError(err.Error())
			return err
		}
		flags |= driver.BuildFlagPerformUpdate
	} else {
		if count == 0 {
			err := fmt.Errorf("top level structure without instances")
			core.LogError(err.Error())
			return err
		}
		if err := t.allocate(count); err != nil {
			core.LogError(err.Error())
			return err
		}
	}

	buf := make([]byte, uint64(count)*driver.InstanceDescSize)
	for i, inst := range instances {
		if err := t.builder.Descriptor(uint32(i), inst).Encode(buf[i*driver.InstanceDescSize:]); err != nil {
			core.LogError(err.Error())
			return err
		}
	}
	if err := upload.Write(t.instances, 0, buf); err != nil {
		core.LogError(err.Error())
		return err
	}

	desc := driver.BuildDesc{
		Inputs:  t.inputs(count, flags),
		Dest:    t.result.GPUAddress(),
		Scratch: t.scratch.GPUAddress(),
	}
	if updateOnly {
		desc.Source = t.result.GPUAddress()
	}
	cl.BuildAccelerationStructure(desc)
	cl.UAVBarrier(t.result)

	if !updateOnly {
		t.topology = t.topology[:0]
		for _, inst := range instances {
			t.topology = append(t.topology, inst.BottomLevel.GPUAddress())
		}
		t.built = true
	}
	return nil
}

func (t *TopLevel) Refit(cl driver.CommandList, instances []Instance) error {
	return t.Build(cl, instances, true)
}

// DecodeInstances reads the descriptors currently in the instance buffer.
func (t *TopLevel) DecodeInstances() ([]driver.InstanceDesc, error) {
	if t.instances == nil {
		return nil, ErrRefitWithoutBuild
	}
	size := uint64(len(t.topology)) * driver.InstanceDescSize
	raw, err := upload.Read(t.instances, 0, size)
	if err != nil {
		return nil, err
	}
	out := make([]driver.InstanceDesc, len(t.topology))
	for i := range out {
		d, err := driver.DecodeInstanceDesc(raw[i*driver.InstanceDescSize:])
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (t *TopLevel) Release() {
	for _, r := range []driver.Resource{t.scratch, t.result, t.instances} {
		if r != nil {
			r.Release()
		}
	}
	t.scratch, t.result, t.instances = nil, nil, nil
	for _, r := range t.replaced {
		r.Release()
	}
	t.replaced = nil
	t.built = false
}
