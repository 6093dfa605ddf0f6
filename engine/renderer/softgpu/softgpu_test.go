package softgpu_test

import (
	"context"
	"encoding/binary"
	"io"
	gomath "math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type harness struct {
	t     *testing.T
	dev   *softgpu.Device
	queue driver.Queue
	fence driver.Fence
	value uint64
}

func newHarness(t *testing.T, opts ...softgpu.Option) *harness {
	t.Helper()
	dev := softgpu.New(opts...)
	q, err := dev.CreateCommandQueue(driver.QueueDirect)
	require.NoError(t, err)
	f, err := dev.CreateFence(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Release()
		dev.Release()
	})
	return &harness{t: t, dev: dev, queue: q, fence: f}
}

// run records with fn, executes and waits for completion.
func (h *harness) run(fn func(cl driver.CommandList)) error {
	h.t.Helper()
	alloc, err := h.dev.CreateCommandAllocator(driver.QueueDirect)
	require.NoError(h.t, err)
	cl, err := h.dev.CreateCommandList(driver.QueueDirect, alloc)
	require.NoError(h.t, err)
	fn(cl)
	if err := cl.Close(); err != nil {
		return err
	}
	if err := h.queue.Execute(cl); err != nil {
		return err
	}
	return h.flush()
}

func (h *harness) flush() error {
	h.value++
	if err := h.queue.Signal(h.fence, h.value); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.fence.Wait(ctx, h.value)
}

func (h *harness) buffer(heap driver.HeapType, size uint64, flags driver.ResourceFlags, state driver.ResourceState) driver.Resource {
	h.t.Helper()
	r, err := h.dev.CreateCommittedResource(heap, driver.BufferDesc(size, flags), state)
	require.NoError(h.t, err)
	return r
}

func (h *harness) upload(data []byte) driver.Resource {
	h.t.Helper()
	r := h.buffer(driver.HeapUpload, uint64(len(data)), driver.ResourceFlagNone, driver.StateGenericRead)
	mem, err := r.Map()
	require.NoError(h.t, err)
	copy(mem, data)
	r.Unmap()
	return r
}

func floats(fs ...float32) []byte {
	b := make([]byte, 0, len(fs)*4)
	for _, f := range fs {
		b = binary.LittleEndian.AppendUint32(b, gomath.Float32bits(f))
	}
	return b
}

func TestFenceSignalsInOrder(t *testing.T) {
	h := newHarness(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, h.queue.Signal(h.fence, i))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.fence.Wait(ctx, 5))
	assert.Equal(t, uint64(5), h.fence.CompletedValue())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, softgpu.SignaledValues(h.fence))
}

func TestFenceWaitHonorsContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.fence.Wait(ctx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMapDefaultHeapFails(t *testing.T) {
	h := newHarness(t)
	r := h.buffer(driver.HeapDefault, 64, driver.ResourceFlagNone, driver.StateCommon)
	_, err := r.Map()
	assert.ErrorIs(t, err, driver.ErrNotMappable)
}

func TestUploadHeapInitialState(t *testing.T) {
	h := newHarness(t)
	_, err := h.dev.CreateCommittedResource(driver.HeapUpload, driver.BufferDesc(16, 0), driver.StateCommon)
	assert.Error(t, err)
	_, err = h.dev.CreateCommittedResource(driver.HeapUpload, driver.Texture2DDesc(4, 4, driver.FormatR8G8B8A8Unorm, 0), driver.StateGenericRead)
	assert.Error(t, err)
}

func TestCopyRoundTrip(t *testing.T) {
	h := newHarness(t)
	data := []byte("the quick brown fox jumps over the lazy dog")
	src := h.upload(data)
	dst := h.buffer(driver.HeapDefault, uint64(len(data)), 0, driver.StateCopyDest)
	rb := h.buffer(driver.HeapReadback, uint64(len(data)), 0, driver.StateCopyDest)

	require.NoError(t, h.run(func(cl driver.CommandList) {
		cl.CopyBufferRegion(dst, 0, src, 0, uint64(len(data)))
		cl.Transition(dst, driver.StateCopyDest, driver.StateCopySource)
		cl.CopyResource(rb, dst)
	}))

	mem, err := rb.Map()
	require.NoError(t, err)
	assert.Equal(t, data, mem)
	state, ok := softgpu.StateOf(dst)
	require.True(t, ok)
	assert.Equal(t, driver.StateCopySource, state)
}

func TestTransitionMismatchRemovesDevice(t *testing.T) {
	h := newHarness(t)
	r := h.buffer(driver.HeapDefault, 64, 0, driver.StateCommon)
	err := h.run(func(cl driver.CommandList) {
		cl.Transition(r, driver.StateCopyDest, driver.StateCopySource)
	})
	assert.ErrorIs(t, err, driver.ErrDeviceRemoved)
	assert.Error(t, h.dev.Removed())

	_, err = h.dev.CreateFence(0)
	assert.ErrorIs(t, err, driver.ErrDeviceRemoved)
}

func TestRecordingErrorSurfacesOnClose(t *testing.T) {
	h := newHarness(t)
	r := h.buffer(driver.HeapDefault, 64, 0, driver.StateCommon)
	err := h.run(func(cl driver.CommandList) {
		cl.UAVBarrier(r)
	})
	assert.Error(t, err)
	assert.NoError(t, h.dev.Removed())
}

func TestAllocatorResetWhileInFlight(t *testing.T) {
	h := newHarness(t)
	alloc, err := h.dev.CreateCommandAllocator(driver.QueueDirect)
	require.NoError(t, err)
	cl, err := h.dev.CreateCommandList(driver.QueueDirect, alloc)
	require.NoError(t, err)
	require.NoError(t, cl.Close())

	blocker, err := h.dev.CreateFence(0)
	require.NoError(t, err)
	other, err := h.dev.CreateCommandQueue(driver.QueueCompute)
	require.NoError(t, err)
	defer other.Release()

	require.NoError(t, h.queue.Wait(blocker, 1))
	require.NoError(t, h.queue.Execute(cl))
	assert.Error(t, alloc.Reset())

	require.NoError(t, other.Signal(blocker, 1))
	require.NoError(t, h.flush())
	assert.NoError(t, alloc.Reset())
}

func cubeGeometry(h *harness) (driver.GeometryDesc, driver.Resource) {
	verts := floats(
		-1, -1, 0, 1, 0, 0, 1,
		1, -1, 0, 0, 1, 0, 1,
		0, 1, 0, 0, 0, 1, 1,
	)
	vb := h.upload(verts)
	return driver.GeometryDesc{
		VertexBuffer: vb.GPUAddress(),
		VertexStride: softgpu.VertexStride,
		VertexCount:  3,
		VertexFormat: driver.FormatR32G32B32Float,
		Opaque:       true,
	}, vb
}

func (h *harness) buildBLAS(g driver.GeometryDesc) driver.Resource {
	h.t.Helper()
	inputs := driver.AccelerationStructureInputs{Type: driver.BottomLevel, Geometries: []driver.GeometryDesc{g}}
	info, err := h.dev.AccelerationStructurePrebuildInfo(inputs)
	require.NoError(h.t, err)
	scratch := h.buffer(driver.HeapDefault, info.ScratchDataSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateUnorderedAccess)
	result := h.buffer(driver.HeapDefault, info.ResultDataMaxSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateRaytracingAccelerationStructure)
	require.NoError(h.t, h.run(func(cl driver.CommandList) {
		cl.BuildAccelerationStructure(driver.BuildDesc{Inputs: inputs, Dest: result.GPUAddress(), Scratch: scratch.GPUAddress()})
	}))
	return result
}

func instanceBytes(t *testing.T, descs ...driver.InstanceDesc) []byte {
	b := make([]byte, len(descs)*driver.InstanceDescSize)
	for i, d := range descs {
		require.NoError(t, d.Encode(b[i*driver.InstanceDescSize:]))
	}
	return b
}

func identity3x4() [3][4]float32 {
	return [3][4]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}
}

func TestTopLevelBuildAndRefit(t *testing.T) {
	h := newHarness(t)
	g, _ := cubeGeometry(h)
	blas := h.buildBLAS(g)

	descs := []driver.InstanceDesc{
		{Transform: identity3x4(), InstanceID: 0, Mask: 0xFF, AccelerationStructure: blas.GPUAddress()},
		{Transform: identity3x4(), InstanceID: 1, Mask: 0xFF, HitGroupContribution: 2, AccelerationStructure: blas.GPUAddress()},
	}
	instances := h.upload(instanceBytes(t, descs...))
	inputs := driver.AccelerationStructureInputs{
		Type:          driver.TopLevel,
		Flags:         driver.BuildFlagAllowUpdate,
		InstanceCount: 2,
		InstanceDescs: instances.GPUAddress(),
	}
	info, err := h.dev.AccelerationStructurePrebuildInfo(inputs)
	require.NoError(t, err)
	scratch := h.buffer(driver.HeapDefault, info.ScratchDataSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateUnorderedAccess)
	tlas := h.buffer(driver.HeapDefault, info.ResultDataMaxSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateRaytracingAccelerationStructure)
	require.NoError(t, h.run(func(cl driver.CommandList) {
		cl.BuildAccelerationStructure(driver.BuildDesc{Inputs: inputs, Dest: tlas.GPUAddress(), Scratch: scratch.GPUAddress()})
	}))

	got, updates, err := h.dev.TopLevelInstances(tlas.GPUAddress())
	require.NoError(t, err)
	assert.Equal(t, 0, updates)
	assert.Equal(t, descs, got)

	descs[1].Transform[0][3] = 5
	mem, err := instances.Map()
	require.NoError(t, err)
	copy(mem, instanceBytes(t, descs...))

	update := inputs
	update.Flags |= driver.BuildFlagPerformUpdate
	require.NoError(t, h.run(func(cl driver.CommandList) {
		cl.BuildAccelerationStructure(driver.BuildDesc{Inputs: update, Dest: tlas.GPUAddress(), Scratch: scratch.GPUAddress(), Source: tlas.GPUAddress()})
	}))
	got, updates, err = h.dev.TopLevelInstances(tlas.GPUAddress())
	require.NoError(t, err)
	assert.Equal(t, 1, updates)
	assert.Equal(t, float32(5), got[1].Transform[0][3])
	assert.Equal(t, descs[0], got[0])
}

func TestUpdateWithoutAllowUpdateFails(t *testing.T) {
	h := newHarness(t)
	g, _ := cubeGeometry(h)
	blas := h.buildBLAS(g)
	inputs := driver.AccelerationStructureInputs{
		Type:       driver.BottomLevel,
		Flags:      driver.BuildFlagPerformUpdate,
		Geometries: []driver.GeometryDesc{g},
	}
	info, err := h.dev.AccelerationStructurePrebuildInfo(inputs)
	require.NoError(t, err)
	scratch := h.buffer(driver.HeapDefault, info.ScratchDataSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateUnorderedAccess)
	err = h.run(func(cl driver.CommandList) {
		cl.BuildAccelerationStructure(driver.BuildDesc{Inputs: inputs, Dest: blas.GPUAddress(), Scratch: scratch.GPUAddress(), Source: blas.GPUAddress()})
	})
	assert.ErrorIs(t, err, driver.ErrDeviceRemoved)
}

func TestStateObjectIdentifiers(t *testing.T) {
	h := newHarness(t)
	so, err := h.dev.CreateStateObject(driver.RaytracingPipelineDesc{
		Libraries: []driver.ShaderLibrary{{
			Bytecode: []byte("lib"),
			Exports:  []string{softgpu.ExportRayGen, softgpu.ExportMiss, softgpu.ExportClosestHit},
		}},
		HitGroups:         []driver.HitGroupDesc{{Name: "HitGroup", ClosestHit: softgpu.ExportClosestHit}},
		MaxRecursionDepth: 1,
	})
	require.NoError(t, err)

	a, ok := so.ShaderIdentifier(softgpu.ExportRayGen)
	require.True(t, ok)
	assert.Len(t, a, driver.ShaderIdentifierSize)
	b, ok := so.ShaderIdentifier("HitGroup")
	require.True(t, ok)
	assert.NotEqual(t, a, b)
	_, ok = so.ShaderIdentifier("Nope")
	assert.False(t, ok)
}

func TestStateObjectRejectsUnknownHitGroupMember(t *testing.T) {
	h := newHarness(t)
	_, err := h.dev.CreateStateObject(driver.RaytracingPipelineDesc{
		Libraries: []driver.ShaderLibrary{{Bytecode: []byte("lib"), Exports: []string{softgpu.ExportRayGen}}},
		HitGroups: []driver.HitGroupDesc{{Name: "HitGroup", ClosestHit: "Missing"}},
	})
	assert.Error(t, err)
}

func TestStateObjectNeedsRaytracing(t *testing.T) {
	h := newHarness(t, softgpu.WithRaytracingTier(driver.RaytracingTierNotSupported))
	_, err := h.dev.CreateStateObject(driver.RaytracingPipelineDesc{})
	assert.ErrorIs(t, err, driver.ErrRaytracingUnsupported)
}

func TestComputeIntegratesParticles(t *testing.T) {
	h := newHarness(t)
	particle := floats(0, 0.5, 0, 1, 0.6, 0, 0, 0)
	src := h.buffer(driver.HeapDefault, softgpu.ParticleSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateCopyDest)
	dst := h.buffer(driver.HeapDefault, softgpu.ParticleSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateUnorderedAccess)
	rb := h.buffer(driver.HeapReadback, softgpu.ParticleSize, 0, driver.StateCopyDest)
	staging := h.upload(particle)

	sig, err := h.dev.CreateRootSignature(driver.RootSignatureDesc{Parameters: []driver.RootParameter{
		{Type: driver.RootParameterSRV}, {Type: driver.RootParameterUAV},
	}})
	require.NoError(t, err)
	pso, err := h.dev.CreateComputePipeline(driver.ComputePipelineDesc{Signature: sig, Bytecode: []byte("cs"), EntryPoint: softgpu.EntryIntegrate})
	require.NoError(t, err)

	require.NoError(t, h.run(func(cl driver.CommandList) {
		cl.CopyBufferRegion(src, 0, staging, 0, softgpu.ParticleSize)
		cl.Transition(src, driver.StateCopyDest, driver.StateNonPixelShaderResource)
		cl.SetComputePipeline(pso)
		cl.SetComputeRootShaderResource(0, src.GPUAddress())
		cl.SetComputeRootUnorderedAccess(1, dst.GPUAddress())
		cl.Dispatch(1, 1, 1)
		cl.Transition(dst, driver.StateUnorderedAccess, driver.StateCopySource)
		cl.CopyResource(rb, dst)
	}))

	mem, err := rb.Map()
	require.NoError(t, err)
	x := gomath.Float32frombits(binary.LittleEndian.Uint32(mem[0:]))
	vy := gomath.Float32frombits(binary.LittleEndian.Uint32(mem[20:]))
	assert.InDelta(t, 0.01, x, 1e-5)
	assert.Less(t, vy, float32(0))
	assert.Equal(t, uint64(1), h.dev.Stats().Dispatches)
}

func TestComputeRejectsWrongUAVState(t *testing.T) {
	h := newHarness(t)
	src := h.buffer(driver.HeapDefault, softgpu.ParticleSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateNonPixelShaderResource)
	dst := h.buffer(driver.HeapDefault, softgpu.ParticleSize, driver.ResourceFlagAllowUnorderedAccess, driver.StateNonPixelShaderResource)
	sig, err := h.dev.CreateRootSignature(driver.RootSignatureDesc{Parameters: []driver.RootParameter{
		{Type: driver.RootParameterSRV}, {Type: driver.RootParameterUAV},
	}})
	require.NoError(t, err)
	pso, err := h.dev.CreateComputePipeline(driver.ComputePipelineDesc{Signature: sig, Bytecode: []byte("cs"), EntryPoint: softgpu.EntryIntegrate})
	require.NoError(t, err)
	err = h.run(func(cl driver.CommandList) {
		cl.SetComputePipeline(pso)
		cl.SetComputeRootShaderResource(0, src.GPUAddress())
		cl.SetComputeRootUnorderedAccess(1, dst.GPUAddress())
		cl.Dispatch(1, 1, 1)
	})
	assert.ErrorIs(t, err, driver.ErrDeviceRemoved)
}

func TestSwapchainPresent(t *testing.T) {
	frames := make(chan softgpu.PresentedFrame, 4)
	h := newHarness(t, softgpu.WithPresentHook(func(f softgpu.PresentedFrame) { frames <- f }))
	sc, err := h.dev.CreateSwapchain(h.queue, driver.SwapchainDesc{Width: 4, Height: 2, BufferCount: 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sc.CurrentBackBufferIndex())

	bb := sc.BackBuffer(0)
	require.NoError(t, h.run(func(cl driver.CommandList) {
		cl.Transition(bb, driver.StatePresent, driver.StateRenderTarget)
		cl.ClearRenderTarget(bb, [4]float32{1, 0, 0, 1})
		cl.Transition(bb, driver.StateRenderTarget, driver.StatePresent)
	}))
	require.NoError(t, sc.Present())
	assert.Equal(t, uint32(1), sc.CurrentBackBufferIndex())

	select {
	case f := <-frames:
		assert.Equal(t, uint32(0), f.Index)
		img := f.Image()
		r, g, b, a := img.At(3, 1).RGBA()
		assert.Equal(t, []uint32{0xffff, 0, 0, 0xffff}, []uint32{r, g, b, a})
	case <-time.After(5 * time.Second):
		t.Fatal("no frame presented")
	}
}

func TestSwapchainPresentInWrongState(t *testing.T) {
	h := newHarness(t)
	sc, err := h.dev.CreateSwapchain(h.queue, driver.SwapchainDesc{Width: 2, Height: 2, BufferCount: 2})
	require.NoError(t, err)
	bb := sc.BackBuffer(0)
	require.NoError(t, h.run(func(cl driver.CommandList) {
		cl.Transition(bb, driver.StatePresent, driver.StateRenderTarget)
	}))
	require.NoError(t, sc.Present())
	assert.ErrorIs(t, h.flush(), driver.ErrDeviceRemoved)
}

func TestDrawRasterizesTriangle(t *testing.T) {
	h := newHarness(t)
	g, vb := cubeGeometry(h)
	rt, err := h.dev.CreateCommittedResource(driver.HeapDefault, driver.Texture2DDesc(8, 8, driver.FormatR8G8B8A8Unorm, driver.ResourceFlagAllowRenderTarget), driver.StateRenderTarget)
	require.NoError(t, err)
	cam := math.AppendMat4(nil, math.NewMat4Identity())
	cam = math.AppendMat4(cam, math.NewMat4Identity())
	cb := h.upload(cam)

	sig, err := h.dev.CreateRootSignature(driver.RootSignatureDesc{Parameters: []driver.RootParameter{{Type: driver.RootParameterCBV}}})
	require.NoError(t, err)
	pso, err := h.dev.CreateGraphicsPipeline(driver.GraphicsPipelineDesc{
		Signature:    sig,
		VertexShader: []byte("vs"),
		PixelShader:  []byte("ps"),
		InputLayout: []driver.VertexElement{
			{Semantic: "POSITION", Format: driver.FormatR32G32B32Float, Offset: 0},
			{Semantic: "COLOR", Format: driver.FormatR32G32B32Float, Offset: 12},
		},
		TargetFormat: driver.FormatR8G8B8A8Unorm,
	})
	require.NoError(t, err)

	require.NoError(t, h.run(func(cl driver.CommandList) {
		cl.ClearRenderTarget(rt, [4]float32{0, 0, 0, 1})
		cl.SetRenderTarget(rt)
		cl.SetGraphicsPipeline(pso)
		cl.SetGraphicsRootConstantBuffer(softgpu.GraphicsCameraParameter, cb.GPUAddress())
		cl.SetVertexBuffer(vb.GPUAddress(), uint64(g.VertexCount)*softgpu.VertexStride, softgpu.VertexStride)
		cl.DrawInstanced(3, 1, 0, 0)
	}))
	assert.Equal(t, uint64(1), h.dev.Stats().Draws)
}
