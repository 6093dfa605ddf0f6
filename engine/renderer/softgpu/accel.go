package softgpu

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type triangle struct {
	v0, v1, v2 math.Vec3
}

type geometry struct {
	triangles []triangle
	opaque    bool
}

type instance struct {
	desc          driver.InstanceDesc
	index         uint32
	blas          *accelerationStructure
	objectToWorld math.Mat4
	worldToObject math.Mat4
}

type accelerationStructure struct {
	kind       driver.AccelerationStructureType
	flags      driver.BuildFlags
	geometries []geometry
	instances  []instance
	// updates counts refits applied since the last full build.
	updates int
}

func (as *accelerationStructure) triangleCount() int {
	n := 0
	for _, g := range as.geometries {
		n += len(g.triangles)
	}
	return n
}

func triangleCount(g driver.GeometryDesc) uint64 {
	if g.IndexBuffer != 0 {
		return uint64(g.IndexCount / 3)
	}
	return uint64(g.VertexCount / 3)
}

func (d *Device) AccelerationStructurePrebuildInfo(inputs driver.AccelerationStructureInputs) (driver.PrebuildInfo, error) {
	if err := d.checkAlive(); err != nil {
		return driver.PrebuildInfo{}, err
	}
	if !d.features.Raytracing() {
		return driver.PrebuildInfo{}, driver.ErrRaytracingUnsupported
	}
	switch inputs.Type {
	case driver.BottomLevel:
		if len(inputs.Geometries) == 0 {
			return driver.PrebuildInfo{}, fmt.Errorf("softgpu: bottom level inputs without geometry")
		}
		var tris uint64
		for _, g := range inputs.Geometries {
			tris += triangleCount(g)
		}
		scratch := 128 + 32*tris
		return driver.PrebuildInfo{
			ResultDataMaxSize:     256 + 64*tris,
			ScratchDataSize:       scratch,
			UpdateScratchDataSize: scratch,
		}, nil
	case driver.TopLevel:
		n := uint64(inputs.InstanceCount)
		return driver.PrebuildInfo{
			ResultDataMaxSize:     256 + 128*n,
			ScratchDataSize:       128 + 64*n,
			UpdateScratchDataSize: 128 + 32*n,
		}, nil
	}
	return driver.PrebuildInfo{}, fmt.Errorf("softgpu: unknown acceleration structure type %d", inputs.Type)
}

func (cl *commandList) BuildAccelerationStructure(desc driver.BuildDesc) {
	if !cl.dev.features.Raytracing() {
		cl.fail(driver.ErrRaytracingUnsupported)
		return
	}
	desc.Inputs.Geometries = append([]driver.GeometryDesc(nil), desc.Inputs.Geometries...)
	info, err := cl.dev.AccelerationStructurePrebuildInfo(desc.Inputs)
	if err != nil {
		cl.fail(err)
		return
	}
	if desc.Dest == 0 || desc.Scratch == 0 {
		cl.fail(fmt.Errorf("softgpu: acceleration structure build without destination or scratch"))
		return
	}
	update := desc.Inputs.Flags&driver.BuildFlagPerformUpdate != 0
	if update && desc.Source == 0 {
		cl.fail(fmt.Errorf("softgpu: update build without a source structure"))
		return
	}
	cl.record("BuildAccelerationStructure", func(st *execState) error {
		return st.dev.buildAccelerationStructure(desc, info, update)
	})
}

func (d *Device) buildAccelerationStructure(desc driver.BuildDesc, info driver.PrebuildInfo, update bool) error {
	dst, off, err := d.resolve(desc.Dest)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if off != 0 {
		return fmt.Errorf("softgpu: acceleration structure must start its resource")
	}
	if dst.desc.Flags&driver.ResourceFlagAllowUnorderedAccess == 0 {
		return fmt.Errorf("softgpu: destination %q lacks unordered access", dst.Name())
	}
	if err := dst.expect(driver.StateRaytracingAccelerationStructure); err != nil {
		return err
	}
	if uint64(len(dst.mem)) < info.ResultDataMaxSize {
		return fmt.Errorf("%w: destination %q holds %d bytes, build needs %d", driver.ErrOutOfBounds, dst.Name(), len(dst.mem), info.ResultDataMaxSize)
	}

	scratch, soff, err := d.resolve(desc.Scratch)
	if err != nil {
		return fmt.Errorf("scratch: %w", err)
	}
	if err := scratch.expect(driver.StateUnorderedAccess, driver.StateCommon); err != nil {
		return err
	}
	need := info.ScratchDataSize
	if update {
		need = info.UpdateScratchDataSize
	}
	if uint64(len(scratch.mem))-soff < need {
		return fmt.Errorf("%w: scratch %q too small for build (%d < %d)", driver.ErrOutOfBounds, scratch.Name(), uint64(len(scratch.mem))-soff, need)
	}

	var prev *accelerationStructure
	if update {
		src, _, err := d.resolve(desc.Source)
		if err != nil {
			return fmt.Errorf("update source: %w", err)
		}
		src.mu.Lock()
		prev = src.accel
		src.mu.Unlock()
		if prev == nil {
			return fmt.Errorf("softgpu: update of %q which was never built", src.Name())
		}
		if prev.flags&driver.BuildFlagAllowUpdate == 0 {
			return fmt.Errorf("softgpu: update of %q which was built without ALLOW_UPDATE", src.Name())
		}
		if prev.kind != desc.Inputs.Type {
			return fmt.Errorf("softgpu: update changes the structure type of %q", src.Name())
		}
	}

	as := &accelerationStructure{kind: desc.Inputs.Type, flags: desc.Inputs.Flags}
	switch desc.Inputs.Type {
	case driver.BottomLevel:
		for i, g := range desc.Inputs.Geometries {
			geo, err := d.readGeometry(g)
			if err != nil {
				return fmt.Errorf("geometry %d: %w", i, err)
			}
			as.geometries = append(as.geometries, geo)
		}
		if prev != nil && prev.triangleCount() != as.triangleCount() {
			return fmt.Errorf("softgpu: bottom level update changes the triangle count")
		}
	case driver.TopLevel:
		if prev != nil && len(prev.instances) != int(desc.Inputs.InstanceCount) {
			return fmt.Errorf("softgpu: top level update changes the instance count from %d to %d", len(prev.instances), desc.Inputs.InstanceCount)
		}
		instances, err := d.readInstances(desc.Inputs.InstanceDescs, desc.Inputs.InstanceCount)
		if err != nil {
			return err
		}
		as.instances = instances
	}
	if prev != nil {
		as.updates = prev.updates + 1
	}

	dst.mu.Lock()
	dst.accel = as
	dst.mu.Unlock()
	d.builds.Add(1)
	return nil
}

func readVec3(b []byte) math.Vec3 {
	return math.NewVec3(
		gomath.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		gomath.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		gomath.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	)
}

func (d *Device) readGeometry(g driver.GeometryDesc) (geometry, error) {
	if g.VertexFormat != driver.FormatR32G32B32Float {
		return geometry{}, fmt.Errorf("softgpu: unsupported vertex format %d", g.VertexFormat)
	}
	if g.VertexCount == 0 {
		return geometry{}, fmt.Errorf("softgpu: geometry without vertices")
	}
	if g.VertexStride < 12 {
		return geometry{}, fmt.Errorf("softgpu: vertex stride %d smaller than a position", g.VertexStride)
	}
	vb, err := d.read(g.VertexBuffer, g.VertexStride*uint64(g.VertexCount-1)+12)
	if err != nil {
		return geometry{}, fmt.Errorf("vertex buffer: %w", err)
	}
	vertex := func(i uint32) math.Vec3 {
		return readVec3(vb[uint64(i)*g.VertexStride:])
	}

	geo := geometry{opaque: g.Opaque}
	if g.IndexBuffer == 0 {
		for i := uint32(0); i+2 < g.VertexCount; i += 3 {
			geo.triangles = append(geo.triangles, triangle{vertex(i), vertex(i + 1), vertex(i + 2)})
		}
		return geo, nil
	}

	if g.IndexFormat != driver.FormatR32Uint {
		return geometry{}, fmt.Errorf("softgpu: unsupported index format %d", g.IndexFormat)
	}
	ib, err := d.read(g.IndexBuffer, 4*uint64(g.IndexCount))
	if err != nil {
		return geometry{}, fmt.Errorf("index buffer: %w", err)
	}
	for i := uint32(0); i+2 < g.IndexCount; i += 3 {
		var idx [3]uint32
		for k := range idx {
			idx[k] = binary.LittleEndian.Uint32(ib[4*(i+uint32(k)):])
			if idx[k] >= g.VertexCount {
				return geometry{}, fmt.Errorf("%w: index %d references vertex %d of %d", driver.ErrOutOfBounds, i+uint32(k), idx[k], g.VertexCount)
			}
		}
		geo.triangles = append(geo.triangles, triangle{vertex(idx[0]), vertex(idx[1]), vertex(idx[2])})
	}
	return geo, nil
}

// rowVectorMatrix expands a 3x4 instance transform into the engine's
// row vector convention.
func rowVectorMatrix(t [3][4]float32) math.Mat4 {
	m := math.Mat4{}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m.Data[c*4+r] = t[r][c]
		}
	}
	m.Data[15] = 1
	return m
}

func (d *Device) readInstances(addr driver.GPUAddress, count uint32) ([]instance, error) {
	if count == 0 {
		return nil, nil
	}
	r, off, err := d.resolve(addr)
	if err != nil {
		return nil, fmt.Errorf("instance descs: %w", err)
	}
	if err := r.expect(driver.StateGenericRead, driver.StateNonPixelShaderResource); err != nil {
		return nil, err
	}
	raw, err := d.read(addr, uint64(count)*driver.InstanceDescSize)
	if err != nil {
		return nil, fmt.Errorf("instance descs at %q+%d: %w", r.Name(), off, err)
	}
	out := make([]instance, 0, count)
	for i := uint32(0); i < count; i++ {
		desc, err := driver.DecodeInstanceDesc(raw[i*driver.InstanceDescSize:])
		if err != nil {
			return nil, err
		}
		blasRes, boff, err := d.resolve(desc.AccelerationStructure)
		if err != nil {
			return nil, fmt.Errorf("instance %d bottom level: %w", i, err)
		}
		blasRes.mu.Lock()
		blas := blasRes.accel
		blasRes.mu.Unlock()
		if boff != 0 || blas == nil || blas.kind != driver.BottomLevel {
			return nil, fmt.Errorf("softgpu: instance %d references 0x%x which is not a built bottom level structure", i, uint64(desc.AccelerationStructure))
		}
		m := rowVectorMatrix(desc.Transform)
		inv, ok := m.Inverse()
		if !ok {
			return nil, fmt.Errorf("softgpu: instance %d has a singular transform", i)
		}
		out = append(out, instance{desc: desc, index: i, blas: blas, objectToWorld: m, worldToObject: inv})
	}
	return out, nil
}

// TopLevelInstances returns the instance descriptors the GPU consumed for
// the structure at addr. It is meant for tests and diagnostics.
func (d *Device) TopLevelInstances(addr driver.GPUAddress) ([]driver.InstanceDesc, int, error) {
	r, _, err := d.resolve(addr)
	if err != nil {
		return nil, 0, err
	}
	r.mu.Lock()
	as := r.accel
	r.mu.Unlock()
	if as == nil || as.kind != driver.TopLevel {
		return nil, 0, fmt.Errorf("softgpu: 0x%x is not a built top level structure", uint64(addr))
	}
	out := make([]driver.InstanceDesc, len(as.instances))
	for i, inst := range as.instances {
		out[i] = inst.desc
	}
	return out, as.updates, nil
}

type rayHit struct {
	t             float32
	inst          *instance
	geometryIndex uint32
	primitive     uint32
	barycentrics  [2]float32
	objectOrigin  math.Vec3
	objectDir     math.Vec3
}

// intersect finds the closest triangle along origin + t*dir within
// (tmin, tmax). Instances whose mask does not share a bit with mask are
// skipped.
func (as *accelerationStructure) intersect(origin, dir math.Vec3, tmin, tmax float32, mask uint8) (rayHit, bool) {
	best := rayHit{t: tmax}
	found := false
	for i := range as.instances {
		inst := &as.instances[i]
		if inst.desc.Mask&mask == 0 {
			continue
		}
		o := origin.Transform(inst.worldToObject)
		dd := dir.TransformDirection(inst.worldToObject)
		for gi, g := range inst.blas.geometries {
			for pi, tri := range g.triangles {
				t, u, v, ok := intersectTriangle(o, dd, tri)
				if !ok || t <= tmin || t >= best.t {
					continue
				}
				best = rayHit{
					t:             t,
					inst:          inst,
					geometryIndex: uint32(gi),
					primitive:     uint32(pi),
					barycentrics:  [2]float32{u, v},
					objectOrigin:  o,
					objectDir:     dd,
				}
				found = true
			}
		}
	}
	return best, found
}

// Möller-Trumbore, no culling.
func intersectTriangle(o, d math.Vec3, tri triangle) (t, u, v float32, ok bool) {
	e1 := tri.v1.Sub(tri.v0)
	e2 := tri.v2.Sub(tri.v0)
	p := d.Cross(e2)
	det := e1.Dot(p)
	if det > -1e-9 && det < 1e-9 {
		return 0, 0, 0, false
	}
	inv := 1 / det
	s := o.Sub(tri.v0)
	u = s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v = d.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = e2.Dot(q) * inv
	return t, u, v, true
}
