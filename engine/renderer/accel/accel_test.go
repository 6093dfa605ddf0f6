package accel_test

import (
	"bytes"
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
	"github.com/spaghettifunk/lumen/engine/renderer/accel"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/frames"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
	"github.com/spaghettifunk/lumen/engine/renderer/upload"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type scene struct {
	dev   *softgpu.Device
	queue driver.Queue
	fence driver.Fence
	value uint64
	blas  *accel.BottomLevel
}

func newScene(t *testing.T) *scene {
	t.Helper()
	dev := softgpu.New()
	q, err := dev.CreateCommandQueue(driver.QueueDirect)
	require.NoError(t, err)
	f, err := dev.CreateFence(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Release()
		dev.Release()
	})
	s := &scene{dev: dev, queue: q, fence: f}

	var verts []byte
	for _, v := range []float32{0, 1, 0, -1, -1, 0, 1, -1, 0} {
		verts = binary.LittleEndian.AppendUint32(verts, gomath.Float32bits(v))
	}
	b := accel.NewBuilder(dev, 0)
	s.record(t, func(cl driver.CommandList) {
		u := upload.New(dev)
		vb, err := u.Upload(cl, uint64(len(verts)), verts, driver.ResourceFlagNone, driver.StateNonPixelShaderResource)
		require.NoError(t, err)
		s.blas, err = b.BuildBottomLevel(cl, accel.Geometry{VertexBuffer: vb, VertexCount: 3, VertexStride: 12, Opaque: true})
		require.NoError(t, err)
	})
	return s
}

func (s *scene) record(t *testing.T, fn func(cl driver.CommandList)) {
	t.Helper()
	alloc, err := s.dev.CreateCommandAllocator(driver.QueueDirect)
	require.NoError(t, err)
	cl, err := s.dev.CreateCommandList(driver.QueueDirect, alloc)
	require.NoError(t, err)
	fn(cl)
	require.NoError(t, cl.Close())
	require.NoError(t, s.queue.Execute(cl))
	s.value++
	require.NoError(t, s.queue.Signal(s.fence, s.value))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.fence.Wait(ctx, s.value))
}

func (s *scene) instances(n int) []accel.Instance {
	out := make([]accel.Instance, n)
	for i := range out {
		out[i] = accel.Instance{
			BottomLevel: s.blas,
			Transform:   math.NewMat4Translation(math.NewVec3(float32(i)*2-2, 0, 0)),
		}
	}
	return out
}

func TestRefitWithoutBuildFails(t *testing.T) {
	s := newScene(t)
	tlas := accel.NewBuilder(s.dev, 0).NewTopLevel()
	alloc, err := s.dev.CreateCommandAllocator(driver.QueueDirect)
	require.NoError(t, err)
	cl, err := s.dev.CreateCommandList(driver.QueueDirect, alloc)
	require.NoError(t, err)

	assert.False(t, tlas.Built())
	err = tlas.Refit(cl, s.instances(3))
	assert.ErrorIs(t, err, accel.ErrRefitWithoutBuild)
	require.NoError(t, cl.Close())
	assert.Equal(t, uint64(1), s.dev.Stats().Builds, "only the bottom level build ran")
}

func TestHitGroupContributionIsTwiceIndex(t *testing.T) {
	s := newScene(t)
	tlas := accel.NewBuilder(s.dev, 0).NewTopLevel()
	s.record(t, func(cl driver.CommandList) {
		require.NoError(t, tlas.Build(cl, s.instances(3), false))
	})
	descs, err := tlas.DecodeInstances()
	require.NoError(t, err)
	require.Len(t, descs, 3)
	for i, d := range descs {
		assert.Equal(t, uint32(i), d.InstanceID)
		assert.Equal(t, uint32(2*i), d.HitGroupContribution)
		assert.Equal(t, uint8(0xFF), d.Mask)
		assert.Equal(t, s.blas.GPUAddress(), d.AccelerationStructure)
	}

	gpu, updates, err := s.dev.TopLevelInstances(tlas.GPUAddress())
	require.NoError(t, err)
	assert.Equal(t, 0, updates)
	assert.Equal(t, descs, gpu)
}

func TestRecordsPerInstanceIsConfigurable(t *testing.T) {
	s := newScene(t)
	b := accel.NewBuilder(s.dev, 3)
	d := b.Descriptor(4, s.instances(1)[0])
	assert.Equal(t, uint32(12), d.HitGroupContribution)
	assert.Equal(t, uint32(3), b.RecordsPerInstance())
}

func TestDescriptorTransformIsTransposed(t *testing.T) {
	s := newScene(t)
	m := math.NewMat4Translation(math.NewVec3(1, 2, 3))
	d := accel.NewBuilder(s.dev, 0).Descriptor(0, accel.Instance{BottomLevel: s.blas, Transform: m})
	assert.Equal(t, [3][4]float32{{1, 0, 0, 1}, {0, 1, 0, 2}, {0, 0, 1, 3}}, d.Transform)
}

func TestRefitMovesOnlyTheAnimatedInstance(t *testing.T) {
	s := newScene(t)
	tlas := accel.NewBuilder(s.dev, 0).NewTopLevel()
	instances := s.instances(3)
	s.record(t, func(cl driver.CommandList) {
		require.NoError(t, tlas.Build(cl, instances, false))
	})
	before, err := upload.Read(tlas.InstanceBuffer(), 0, 3*driver.InstanceDescSize)
	require.NoError(t, err)
	resultAddr := tlas.GPUAddress()

	instances[1].Transform = instances[1].Transform.Mul(math.NewMat4Translation(math.NewVec3(0, 1, 0)))
	s.record(t, func(cl driver.CommandList) {
		require.NoError(t, tlas.Refit(cl, instances))
	})
	after, err := upload.Read(tlas.InstanceBuffer(), 0, 3*driver.InstanceDescSize)
	require.NoError(t, err)

	assert.Equal(t, resultAddr, tlas.GPUAddress(), "refit reuses the result buffer")
	assert.True(t, bytes.Equal(before[:64], after[:64]))
	assert.True(t, bytes.Equal(before[128:], after[128:]))
	assert.False(t, bytes.Equal(before[64:128], after[64:128]))

	gpu, updates, err := s.dev.TopLevelInstances(tlas.GPUAddress())
	require.NoError(t, err)
	assert.Equal(t, 1, updates)
	assert.Equal(t, float32(1), gpu[1].Transform[1][3])
	assert.Equal(t, float32(0), gpu[0].Transform[1][3])
}

func TestRefitRejectsTopologyChange(t *testing.T) {
	s := newScene(t)
	tlas := accel.NewBuilder(s.dev, 0).NewTopLevel()
	s.record(t, func(cl driver.CommandList) {
		require.NoError(t, tlas.Build(cl, s.instances(3), false))
	})
	alloc, err := s.dev.CreateCommandAllocator(driver.QueueDirect)
	require.NoError(t, err)
	cl, err := s.dev.CreateCommandList(driver.QueueDirect, alloc)
	require.NoError(t, err)
	assert.ErrorIs(t, tlas.Refit(cl, s.instances(2)), accel.ErrTopologyChanged)

	other := *s.blas
	moved := s.instances(3)
	moved[2].BottomLevel = &accel.BottomLevel{Result: other.Scratch}
	assert.ErrorIs(t, tlas.Refit(cl, moved), accel.ErrTopologyChanged)
}

func TestRebuildKeepsQueuedBuffersAlive(t *testing.T) {
	s := newScene(t)
	tlas := accel.NewBuilder(s.dev, 0).NewTopLevel()
	defer tlas.Release()

	gate, err := s.dev.CreateFence(0)
	require.NoError(t, err)
	defer gate.Release()
	opener, err := s.dev.CreateCommandQueue(driver.QueueCompute)
	require.NoError(t, err)
	defer opener.Release()

	// The first build stays queued behind the gate while the second full
	// build replaces the buffers it writes.
	require.NoError(t, s.queue.Wait(gate, 1))
	lists := make([]driver.CommandList, 2)
	for i, n := range []int{2, 3} {
		alloc, err := s.dev.CreateCommandAllocator(driver.QueueDirect)
		require.NoError(t, err)
		lists[i], err = s.dev.CreateCommandList(driver.QueueDirect, alloc)
		require.NoError(t, err)
		require.NoError(t, tlas.Build(lists[i], s.instances(n), false))
		require.NoError(t, lists[i].Close())
		require.NoError(t, s.queue.Execute(lists[i]))
	}
	assert.Equal(t, 3, tlas.Pending())

	s.value++
	require.NoError(t, s.queue.Signal(s.fence, s.value))
	rq := frames.NewReleaseQueue()
	require.NoError(t, tlas.RetireAfter(s.value, rq))
	assert.Zero(t, tlas.Pending())
	assert.Zero(t, rq.Collect(s.fence.CompletedValue()), "nothing is released before the fence")

	require.NoError(t, opener.Signal(gate, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.fence.Wait(ctx, s.value))
	require.NoError(t, s.dev.Removed())
	assert.Equal(t, 3, rq.Collect(s.fence.CompletedValue()))

	gpu, _, err := s.dev.TopLevelInstances(tlas.GPUAddress())
	require.NoError(t, err)
	assert.Len(t, gpu, 3)
}

func TestFailedRebuildForgetsTheTopology(t *testing.T) {
	s := newScene(t)
	tlas := accel.NewBuilder(s.dev, 0).NewTopLevel()
	defer tlas.Release()
	s.record(t, func(cl driver.CommandList) {
		require.NoError(t, tlas.Build(cl, s.instances(3), false))
	})
	require.True(t, tlas.Built())

	alloc, err := s.dev.CreateCommandAllocator(driver.QueueDirect)
	require.NoError(t, err)
	cl, err := s.dev.CreateCommandList(driver.QueueDirect, alloc)
	require.NoError(t, err)
	builder := accel.NewBuilder(s.dev, 1<<24)
	wide := builder.NewTopLevel()
	defer wide.Release()
	require.NoError(t, wide.Build(cl, s.instances(1), false))
	require.Error(t, wide.Build(cl, s.instances(2), false), "contribution does not fit in 24 bits")
	assert.False(t, wide.Built())
	assert.ErrorIs(t, wide.Refit(cl, s.instances(2)), accel.ErrRefitWithoutBuild)
}

func TestBottomLevelNeedsGeometry(t *testing.T) {
	s := newScene(t)
	alloc, err := s.dev.CreateCommandAllocator(driver.QueueDirect)
	require.NoError(t, err)
	cl, err := s.dev.CreateCommandList(driver.QueueDirect, alloc)
	require.NoError(t, err)
	_, err = accel.NewBuilder(s.dev, 0).BuildBottomLevel(cl)
	assert.Error(t, err)
	_, err = accel.NewBuilder(s.dev, 0).BuildBottomLevel(cl, accel.Geometry{})
	assert.Error(t, err)
}
