package frames_test

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
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type fixedIndex uint32

func (f fixedIndex) CurrentBackBufferIndex() uint32 { return uint32(f) }

func setup(t *testing.T, slots uint32, buffers frames.BufferIndexer) (*softgpu.Device, driver.Queue, *frames.Tracker) {
	t.Helper()
	dev := softgpu.New()
	q, err := dev.CreateCommandQueue(driver.QueueDirect)
	require.NoError(t, err)
	tr, err := frames.NewTracker(dev, buffers, slots)
	require.NoError(t, err)
	t.Cleanup(func() {
		tr.Release()
		q.Release()
		dev.Release()
	})
	return dev, q, tr
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestFenceValuesAreMonotonic(t *testing.T) {
	_, q, tr := setup(t, 2, nil)
	var issued []uint64
	for frame := uint32(0); frame < 10; frame++ {
		slot, err := tr.WaitForSlot(ctx(t), frame%2)
		require.NoError(t, err)
		v, err := tr.SignalSubmitted(slot, q)
		require.NoError(t, err)
		issued = append(issued, v)
	}
	require.NoError(t, tr.Drain(ctx(t)))

	for i := 1; i < len(issued); i++ {
		assert.Greater(t, issued[i], issued[i-1])
	}
	signaled := softgpu.SignaledValues(tr.Fence())
	assert.Equal(t, issued, signaled)
	assert.Equal(t, uint64(10), tr.LastValue())
}

func TestSlotStateMachine(t *testing.T) {
	dev, q, tr := setup(t, 2, nil)
	assert.Equal(t, frames.SlotIdle, tr.SlotState(0))

	gate, err := dev.CreateFence(0)
	require.NoError(t, err)
	require.NoError(t, q.Wait(gate, 1))
	_, err = tr.SignalSubmitted(0, q)
	require.NoError(t, err)
	assert.Equal(t, frames.SlotSubmitted, tr.SlotState(0))

	copyQueue, err := dev.CreateCommandQueue(driver.QueueCopy)
	require.NoError(t, err)
	defer copyQueue.Release()
	require.NoError(t, copyQueue.Signal(gate, 1))
	require.Eventually(t, func() bool { return tr.SlotState(0) == frames.SlotSignaled }, time.Second, time.Millisecond)

	_, err = tr.WaitForSlot(ctx(t), 0)
	require.NoError(t, err)
	assert.Equal(t, frames.SlotIdle, tr.SlotState(0))
}

func TestWaitForSlotFollowsPresentationIndex(t *testing.T) {
	dev, q, tr := setup(t, 2, fixedIndex(1))
	gate, err := dev.CreateFence(0)
	require.NoError(t, err)
	require.NoError(t, q.Wait(gate, 1))
	_, err = tr.SignalSubmitted(1, q)
	require.NoError(t, err)

	done := make(chan uint32)
	waitCtx := ctx(t)
	go func() {
		slot, _ := tr.WaitForSlot(waitCtx, 0)
		done <- slot
	}()
	select {
	case <-done:
		t.Fatal("returned before slot 1 completed")
	case <-time.After(20 * time.Millisecond):
	}

	other, err := dev.CreateCommandQueue(driver.QueueCompute)
	require.NoError(t, err)
	defer other.Release()
	require.NoError(t, other.Signal(gate, 1))
	select {
	case slot := <-done:
		assert.Equal(t, uint32(1), slot)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForSlot never returned")
	}
}

func TestSlotOutOfRange(t *testing.T) {
	_, q, tr := setup(t, 2, nil)
	_, err := tr.WaitForSlot(ctx(t), 5)
	assert.Error(t, err)
	_, err = tr.SignalSubmitted(5, q)
	assert.Error(t, err)
	assert.Nil(t, tr.Slot(5))
	assert.NotNil(t, tr.Slot(1))
	assert.Equal(t, frames.SlotIdle, tr.SlotState(5))
}

func TestNewTrackerNeedsSlots(t *testing.T) {
	dev := softgpu.New()
	defer dev.Release()
	_, err := frames.NewTracker(dev, nil, 0)
	assert.Error(t, err)
}

type countingReleaser struct {
	name  string
	order *[]string
}

func (c countingReleaser) Release() { *c.order = append(*c.order, c.name) }

func TestReleaseQueueOrder(t *testing.T) {
	var order []string
	rq := frames.NewReleaseQueue()
	require.NoError(t, rq.Retire(1, countingReleaser{"a", &order}))
	require.NoError(t, rq.Retire(3, countingReleaser{"b", &order}, countingReleaser{"c", &order}))
	require.NoError(t, rq.Retire(5, countingReleaser{"d", &order}))
	assert.Error(t, rq.Retire(2, countingReleaser{"late", &order}))

	assert.Equal(t, 0, rq.Collect(0))
	assert.Equal(t, 3, rq.Collect(4))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 1, rq.Len())

	assert.Equal(t, 1, rq.Flush())
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	assert.Equal(t, 0, rq.Len())
}
