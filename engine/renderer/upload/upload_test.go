package upload_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/frames"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
	"github.com/spaghettifunk/lumen/engine/renderer/upload"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type env struct {
	dev   *softgpu.Device
	queue driver.Queue
	fence driver.Fence
	alloc driver.CommandAllocator
	list  driver.CommandList
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dev := softgpu.New()
	q, err := dev.CreateCommandQueue(driver.QueueDirect)
	require.NoError(t, err)
	f, err := dev.CreateFence(0)
	require.NoError(t, err)
	alloc, err := dev.CreateCommandAllocator(driver.QueueDirect)
	require.NoError(t, err)
	cl, err := dev.CreateCommandList(driver.QueueDirect, alloc)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Release()
		dev.Release()
	})
	return &env{dev: dev, queue: q, fence: f, alloc: alloc, list: cl}
}

func (e *env) submit(t *testing.T, value uint64) {
	t.Helper()
	require.NoError(t, e.list.Close())
	require.NoError(t, e.queue.Execute(e.list))
	require.NoError(t, e.queue.Signal(e.fence, value))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.fence.Wait(ctx, value))
}

func TestUploadRoundTrip(t *testing.T) {
	e := newEnv(t)
	u := upload.New(e.dev)
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}

	dst, err := u.Upload(e.list, 512, data, driver.ResourceFlagNone, driver.StateNonPixelShaderResource)
	require.NoError(t, err)
	rb, err := u.Readback(e.list, dst, driver.StateNonPixelShaderResource)
	require.NoError(t, err)
	e.submit(t, 1)

	got, err := upload.Read(rb, 0, 512)
	require.NoError(t, err)
	assert.Equal(t, data, got[:300])
	assert.Equal(t, make([]byte, 212), got[300:])

	state, ok := softgpu.StateOf(dst)
	require.True(t, ok)
	assert.Equal(t, driver.StateNonPixelShaderResource, state)
}

func TestUploadTooLarge(t *testing.T) {
	e := newEnv(t)
	u := upload.New(e.dev)
	_, err := u.Upload(e.list, 4, make([]byte, 8), driver.ResourceFlagNone, driver.StateCommon)
	assert.Error(t, err)
	assert.Equal(t, 0, u.Pending())
}

func TestStagingRetiredAfterFence(t *testing.T) {
	e := newEnv(t)
	u := upload.New(e.dev)
	_, err := u.Upload(e.list, 64, []byte("vertices"), driver.ResourceFlagNone, driver.StateVertexAndConstantBuffer)
	require.NoError(t, err)
	_, err = u.Upload(e.list, 64, []byte("indices"), driver.ResourceFlagNone, driver.StateIndexBuffer)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Pending())
	e.submit(t, 1)

	rq := frames.NewReleaseQueue()
	require.NoError(t, u.RetireAfter(1, rq))
	assert.Equal(t, 0, u.Pending())
	assert.Equal(t, 0, rq.Collect(0))
	assert.Equal(t, 2, rq.Collect(e.fence.CompletedValue()))
}

func TestWriteOutOfBounds(t *testing.T) {
	e := newEnv(t)
	r, err := e.dev.CreateCommittedResource(driver.HeapUpload, driver.BufferDesc(8, 0), driver.StateGenericRead)
	require.NoError(t, err)
	assert.ErrorIs(t, upload.Write(r, 4, make([]byte, 8)), driver.ErrOutOfBounds)
	require.NoError(t, upload.Write(r, 0, []byte{1, 2, 3}))
	got, err := upload.Read(r, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}
