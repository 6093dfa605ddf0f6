package softgpu

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type Stage int

const (
	StageRayGeneration Stage = iota
	StageMiss
	StageClosestHit
	StageAnyHit
)

func (s Stage) String() string {
	switch s {
	case StageRayGeneration:
		return "raygeneration"
	case StageMiss:
		return "miss"
	case StageClosestHit:
		return "closesthit"
	case StageAnyHit:
		return "anyhit"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Payload travels with a ray. Shadow rays only use Hit.
type Payload struct {
	Color    math.Vec3
	Distance float32
	Hit      bool
}

// Ray is a world space ray segment.
type Ray struct {
	Origin    math.Vec3
	Direction math.Vec3
	TMin      float32
	TMax      float32
}

// RayKernel is the Go implementation of an exported shader. Ray
// generation kernels receive a nil payload.
type RayKernel struct {
	Stage Stage
	Run   func(rc *RayContext, p *Payload) error
}

type program struct {
	name      string
	stage     Stage
	hitGroup  bool
	kernel    *RayKernel
	signature *rootSignature
}

type stateObject struct {
	dev          *Device
	ids          map[string][]byte
	programs     map[string]*program
	maxRecursion uint32
}

var _ driver.StateObject = (*stateObject)(nil)

func (so *stateObject) ShaderIdentifier(export string) ([]byte, bool) {
	id, ok := so.ids[export]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), id...), true
}

func (so *stateObject) Release() {}

func newIdentifier() []byte {
	a, b := uuid.New(), uuid.New()
	return append(a[:], b[:]...)
}

func (d *Device) CreateStateObject(desc driver.RaytracingPipelineDesc) (driver.StateObject, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if !d.features.Raytracing() {
		return nil, driver.ErrRaytracingUnsupported
	}
	if desc.MaxRecursionDepth > driver.MaxRecursionDepth {
		return nil, fmt.Errorf("softgpu: recursion depth %d exceeds %d", desc.MaxRecursionDepth, driver.MaxRecursionDepth)
	}

	so := &stateObject{
		dev:          d,
		ids:          make(map[string][]byte),
		programs:     make(map[string]*program),
		maxRecursion: desc.MaxRecursionDepth,
	}
	for li, lib := range desc.Libraries {
		if len(lib.Bytecode) == 0 {
			return nil, fmt.Errorf("softgpu: library %d has no bytecode", li)
		}
		for _, export := range lib.Exports {
			if _, dup := so.programs[export]; dup {
				return nil, fmt.Errorf("softgpu: export %q defined twice", export)
			}
			k, ok := d.rayKernels[export]
			if !ok {
				return nil, fmt.Errorf("softgpu: no kernel bound for export %q", export)
			}
			so.programs[export] = &program{name: export, stage: k.Stage, kernel: &k}
		}
	}
	for _, hg := range desc.HitGroups {
		if _, dup := so.programs[hg.Name]; dup {
			return nil, fmt.Errorf("softgpu: hit group %q collides with another symbol", hg.Name)
		}
		if hg.ClosestHit == "" && hg.AnyHit == "" {
			return nil, fmt.Errorf("softgpu: hit group %q has no shaders", hg.Name)
		}
		p := &program{name: hg.Name, stage: StageClosestHit, hitGroup: true}
		for _, member := range []string{hg.ClosestHit, hg.AnyHit, hg.Intersection} {
			if member == "" {
				continue
			}
			m, ok := so.programs[member]
			if !ok || m.hitGroup {
				return nil, fmt.Errorf("softgpu: hit group %q references unknown export %q", hg.Name, member)
			}
		}
		if hg.ClosestHit != "" {
			ch := so.programs[hg.ClosestHit]
			if ch.stage != StageClosestHit {
				return nil, fmt.Errorf("softgpu: %q in hit group %q is a %s shader", hg.ClosestHit, hg.Name, ch.stage)
			}
			p.kernel = ch.kernel
		}
		so.programs[hg.Name] = p
	}
	for _, assoc := range desc.Associations {
		sig, ok := assoc.Signature.(*rootSignature)
		if !ok || sig == nil {
			return nil, fmt.Errorf("softgpu: foreign root signature %T", assoc.Signature)
		}
		for _, name := range assoc.Exports {
			p, ok := so.programs[name]
			if !ok {
				return nil, fmt.Errorf("softgpu: root signature associated with unknown symbol %q", name)
			}
			p.signature = sig
		}
	}
	for name := range so.programs {
		so.ids[name] = newIdentifier()
	}
	return so, nil
}

func (cl *commandList) SetRaytracingPipeline(so driver.StateObject) {
	s, ok := so.(*stateObject)
	if !ok || s == nil {
		cl.fail(fmt.Errorf("softgpu: foreign state object %T", so))
		return
	}
	cl.record("SetPipelineState1", func(st *execState) error {
		st.rtso = s
		return nil
	})
}

func validateTable(name string, start driver.GPUAddress, size, stride uint64) error {
	if size == 0 {
		return nil
	}
	if uint64(start)%driver.ShaderTableAlignment != 0 {
		return fmt.Errorf("softgpu: %s table start 0x%x is not %d byte aligned", name, uint64(start), driver.ShaderTableAlignment)
	}
	if stride == 0 || stride%driver.ShaderRecordAlignment != 0 {
		return fmt.Errorf("softgpu: %s record stride %d is not a multiple of %d", name, stride, driver.ShaderRecordAlignment)
	}
	return nil
}

func (cl *commandList) DispatchRays(desc driver.DispatchRaysDesc) {
	if !cl.dev.features.Raytracing() {
		cl.fail(driver.ErrRaytracingUnsupported)
		return
	}
	if desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		cl.fail(fmt.Errorf("softgpu: DispatchRays with empty grid %dx%dx%d", desc.Width, desc.Height, desc.Depth))
		return
	}
	if desc.RayGeneration.Size < driver.ShaderIdentifierSize {
		cl.fail(fmt.Errorf("softgpu: ray generation record of %d bytes", desc.RayGeneration.Size))
		return
	}
	if err := firstErr(
		validateTable("ray generation", desc.RayGeneration.Start, desc.RayGeneration.Size, driver.ShaderRecordAlignment),
		validateTable("miss", desc.Miss.Start, desc.Miss.Size, desc.Miss.Stride),
		validateTable("hit group", desc.HitGroup.Start, desc.HitGroup.Size, desc.HitGroup.Stride),
	); err != nil {
		cl.fail(err)
		return
	}
	cl.record("DispatchRays", func(st *execState) error {
		return st.dispatchRays(desc)
	})
}

// record resolves a shader record to its program and root arguments.
func (st *execState) record(addr driver.GPUAddress, size uint64, stage Stage) (*program, []uint64, error) {
	raw, err := st.dev.read(addr, size)
	if err != nil {
		return nil, nil, fmt.Errorf("shader record: %w", err)
	}
	var found *program
	id := raw[:driver.ShaderIdentifierSize]
	for name, known := range st.rtso.ids {
		if string(known) == string(id) {
			found = st.rtso.programs[name]
			break
		}
	}
	if found == nil {
		return nil, nil, fmt.Errorf("softgpu: shader record at 0x%x holds an unknown identifier", uint64(addr))
	}
	if found.stage != stage && !(stage == StageClosestHit && found.hitGroup) {
		return nil, nil, fmt.Errorf("softgpu: record at 0x%x is %q (%s), expected a %s program", uint64(addr), found.name, found.stage, stage)
	}
	if stage == StageClosestHit && !found.hitGroup {
		return nil, nil, fmt.Errorf("softgpu: record at 0x%x is %q which is not a hit group", uint64(addr), found.name)
	}
	var args []uint64
	if found.signature != nil {
		n := len(found.signature.desc.Parameters)
		need := uint64(driver.ShaderIdentifierSize + n*driver.RootArgumentSize)
		if need > size {
			return nil, nil, fmt.Errorf("softgpu: record for %q needs %d bytes, stride is %d", found.name, need, size)
		}
		args = make([]uint64, n)
		for i := range args {
			args[i] = binary.LittleEndian.Uint64(raw[driver.ShaderIdentifierSize+i*driver.RootArgumentSize:])
		}
	}
	return found, args, nil
}

func (st *execState) dispatchRays(desc driver.DispatchRaysDesc) error {
	if st.rtso == nil {
		return fmt.Errorf("softgpu: DispatchRays without a ray tracing pipeline")
	}
	rg, args, err := st.record(desc.RayGeneration.Start, desc.RayGeneration.Size, StageRayGeneration)
	if err != nil {
		return err
	}

	rows := desc.Height * desc.Depth
	tasks := make([]func() error, 0, rows)
	for z := uint32(0); z < desc.Depth; z++ {
		for y := uint32(0); y < desc.Height; y++ {
			y, z := y, z
			tasks = append(tasks, func() error {
				for x := uint32(0); x < desc.Width; x++ {
					rc := &RayContext{
						st:     st,
						desc:   &desc,
						launch: [3]uint32{x, y, z},
						args:   args,
					}
					if err := rg.kernel.Run(rc, nil); err != nil {
						return fmt.Errorf("%s at (%d,%d,%d): %w", rg.name, x, y, z, err)
					}
				}
				return nil
			})
		}
	}
	if err := st.dev.jobs.RunBatch(tasks); err != nil {
		return err
	}
	st.dev.rayDispatches.Add(1)
	return nil
}

// descriptor resolves a table handle written in a shader record. The
// handle must point into one of the heaps bound to the list.
func (st *execState) descriptor(handle driver.GPUAddress) (descriptor, error) {
	for _, h := range st.heaps {
		if handle < h.start {
			continue
		}
		idx := uint64(handle-h.start) / descriptorIncrement
		if idx >= uint64(len(h.slots)) {
			continue
		}
		h.mu.RLock()
		d := h.slots[idx]
		h.mu.RUnlock()
		if d.kind == descriptorEmpty {
			return d, fmt.Errorf("softgpu: descriptor %d of heap 0x%x is empty", idx, uint64(h.start))
		}
		return d, nil
	}
	return descriptor{}, fmt.Errorf("softgpu: descriptor handle 0x%x is outside the bound heaps", uint64(handle))
}

// RayContext is what a kernel sees while it runs: the launch
// coordinates, the root arguments of its shader record and, inside hit
// shaders, the intersection.
type RayContext struct {
	st     *execState
	desc   *driver.DispatchRaysDesc
	launch [3]uint32
	args   []uint64
	depth  uint32
	ray    Ray
	hit    *rayHit
}

func (rc *RayContext) LaunchIndex() [3]uint32 {
	return rc.launch
}

func (rc *RayContext) LaunchDimensions() [3]uint32 {
	return [3]uint32{rc.desc.Width, rc.desc.Height, rc.desc.Depth}
}

// Args returns the root arguments of the current shader record.
func (rc *RayContext) Args() []uint64 {
	return rc.args
}

func (rc *RayContext) WorldRayOrigin() math.Vec3 {
	return rc.ray.Origin
}

func (rc *RayContext) WorldRayDirection() math.Vec3 {
	return rc.ray.Direction
}

// RayT is the hit distance along the world ray.
func (rc *RayContext) RayT() float32 {
	if rc.hit == nil {
		return rc.ray.TMax
	}
	return rc.hit.t
}

func (rc *RayContext) HitPosition() math.Vec3 {
	return rc.ray.Origin.Add(rc.ray.Direction.MulScalar(rc.RayT()))
}

func (rc *RayContext) InstanceIndex() uint32 {
	if rc.hit == nil {
		return 0
	}
	return rc.hit.inst.index
}

func (rc *RayContext) InstanceID() uint32 {
	if rc.hit == nil {
		return 0
	}
	return rc.hit.inst.desc.InstanceID
}

func (rc *RayContext) PrimitiveIndex() uint32 {
	if rc.hit == nil {
		return 0
	}
	return rc.hit.primitive
}

// Barycentrics are the weights of the second and third vertex.
func (rc *RayContext) Barycentrics() [2]float32 {
	if rc.hit == nil {
		return [2]float32{}
	}
	return rc.hit.barycentrics
}

// HitGroupRecordIndex is the record the hit shader was invoked from.
func (rc *RayContext) HitGroupRecordIndex(rayContribution, multiplier uint32) uint32 {
	if rc.hit == nil {
		return 0
	}
	return rayContribution + rc.hit.geometryIndex*multiplier + rc.hit.inst.desc.HitGroupContribution
}

// ReadBuffer returns size bytes at addr + offset.
func (rc *RayContext) ReadBuffer(addr driver.GPUAddress, offset, size uint64) ([]byte, error) {
	return rc.st.dev.read(addr+driver.GPUAddress(offset), size)
}

// TableAccelerationStructure reads the address of an acceleration
// structure view at index of the table starting at handle.
func (rc *RayContext) TableAccelerationStructure(handle uint64, index uint32) (driver.GPUAddress, error) {
	d, err := rc.st.descriptor(driver.GPUAddress(handle) + driver.GPUAddress(index*descriptorIncrement))
	if err != nil {
		return 0, err
	}
	if d.kind != descriptorAccelerationStructure {
		return 0, fmt.Errorf("softgpu: descriptor %d is not an acceleration structure view", index)
	}
	return d.addr, nil
}

func (rc *RayContext) TableConstantBuffer(handle uint64, index uint32) ([]byte, error) {
	d, err := rc.st.descriptor(driver.GPUAddress(handle) + driver.GPUAddress(index*descriptorIncrement))
	if err != nil {
		return nil, err
	}
	if d.kind != descriptorCBV {
		return nil, fmt.Errorf("softgpu: descriptor %d is not a constant buffer view", index)
	}
	return rc.st.dev.read(d.addr, uint64(d.size))
}

// TableWriteTexel stores color at (x, y) of the texture behind the UAV at
// index of the table starting at handle.
func (rc *RayContext) TableWriteTexel(handle uint64, index uint32, x, y uint32, color [4]float32) error {
	d, err := rc.st.descriptor(driver.GPUAddress(handle) + driver.GPUAddress(index*descriptorIncrement))
	if err != nil {
		return err
	}
	if d.kind != descriptorUAV || d.res.desc.Dimension != driver.DimensionTexture2D {
		return fmt.Errorf("softgpu: descriptor %d is not a texture UAV", index)
	}
	r := d.res
	if err := r.expect(driver.StateUnorderedAccess); err != nil {
		return err
	}
	if uint64(x) >= r.desc.Width || y >= r.desc.Height {
		return fmt.Errorf("%w: texel (%d,%d) of %dx%d", driver.ErrOutOfBounds, x, y, r.desc.Width, r.desc.Height)
	}
	px := packColor(r.desc.Format, color)
	off := (uint64(y)*r.desc.Width + uint64(x)) * 4
	copy(r.mem[off:off+4], px[:])
	return nil
}

// TraceRay intersects ray with the top level structure at tlas and runs
// the selected hit group or miss shader on p.
func (rc *RayContext) TraceRay(tlas driver.GPUAddress, mask uint8, rayContribution, multiplier, missIndex uint32, ray Ray, p *Payload) error {
	so := rc.st.rtso
	if rc.depth+1 > so.maxRecursion {
		return fmt.Errorf("softgpu: TraceRay exceeds max recursion depth %d", so.maxRecursion)
	}
	res, _, err := rc.st.dev.resolve(tlas)
	if err != nil {
		return fmt.Errorf("TraceRay: %w", err)
	}
	res.mu.Lock()
	as := res.accel
	res.mu.Unlock()
	if as == nil || as.kind != driver.TopLevel {
		return fmt.Errorf("softgpu: TraceRay against 0x%x which is not a top level structure", uint64(tlas))
	}

	child := &RayContext{st: rc.st, desc: rc.desc, launch: rc.launch, depth: rc.depth + 1, ray: ray}
	hit, ok := as.intersect(ray.Origin, ray.Direction, ray.TMin, ray.TMax, mask)
	if !ok {
		miss := rc.desc.Miss
		if uint64(missIndex+1)*miss.Stride > miss.Size {
			return fmt.Errorf("softgpu: miss index %d beyond table of %d bytes", missIndex, miss.Size)
		}
		prog, args, err := rc.st.record(miss.Start+driver.GPUAddress(uint64(missIndex)*miss.Stride), miss.Stride, StageMiss)
		if err != nil {
			return err
		}
		child.args = args
		return prog.kernel.Run(child, p)
	}

	table := rc.desc.HitGroup
	idx := rayContribution + hit.geometryIndex*multiplier + hit.inst.desc.HitGroupContribution
	if uint64(idx+1)*table.Stride > table.Size {
		return fmt.Errorf("softgpu: hit group record %d beyond table of %d records", idx, table.Size/max(table.Stride, 1))
	}
	prog, args, err := rc.st.record(table.Start+driver.GPUAddress(uint64(idx)*table.Stride), table.Stride, StageClosestHit)
	if err != nil {
		return err
	}
	if prog.kernel == nil {
		return nil
	}
	child.args = args
	child.hit = &hit
	return prog.kernel.Run(child, p)
}
