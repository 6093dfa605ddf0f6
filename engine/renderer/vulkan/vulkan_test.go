package vulkan

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func spirvHeader(words ...uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

func TestIsSPIRV(t *testing.T) {
	module := spirvHeader(spirvMagic, 0x00010000, 0, 8, 0)
	assert.True(t, isSPIRV(module))
	assert.False(t, isSPIRV(module[:16]), "shorter than a header")
	assert.False(t, isSPIRV(append(module, 0)), "not word aligned")
	assert.False(t, isSPIRV([]byte("VSMain:shaders.hlsl:vs_6_0")))
	assert.False(t, isSPIRV(spirvHeader(0x03022307, 0, 0, 0, 0)), "big endian")
}

func TestSPIRVWords(t *testing.T) {
	words := spirvWords(spirvHeader(spirvMagic, 1, 2))
	assert.Equal(t, []uint32{spirvMagic, 1, 2}, words)
}

func TestResultError(t *testing.T) {
	assert.NoError(t, resultError("vkQueueSubmit", vk.Success))

	err := resultError("vkQueueSubmit", vk.ErrorDeviceLost)
	assert.ErrorIs(t, err, driver.ErrDeviceRemoved)
	assert.True(t, isDeviceLost(err))

	err = resultError("vkCreateBuffer", vk.ErrorOutOfDeviceMemory)
	assert.EqualError(t, err, "vulkan: vkCreateBuffer failed: VK_ERROR_OUT_OF_DEVICE_MEMORY")
	assert.False(t, isDeviceLost(err))

	assert.Equal(t, "VkResult(-12345)", ResultString(vk.Result(-12345)))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "main\x00", safeString("main"))
	assert.Equal(t, "main\x00", safeString("main\x00"))
	assert.Equal(t, []string{"a\x00", "b\x00"}, safeStrings([]string{"a", "b"}))
	assert.Equal(t, "llvmpipe", cString([]byte("llvmpipe\x00\x00garbage")))
	assert.Equal(t, "full", cString([]byte("full")))
}

func TestFormats(t *testing.T) {
	for _, f := range []driver.Format{
		driver.FormatR8G8B8A8Unorm,
		driver.FormatB8G8R8A8Unorm,
		driver.FormatR32G32B32Float,
		driver.FormatR32G32B32A32Float,
		driver.FormatR32Uint,
	} {
		assert.Equal(t, f, driverFormat(vkFormat(f)), "format %d", f)
	}
	assert.Equal(t, vk.FormatUndefined, vkFormat(driver.FormatUnknown))

	assert.True(t, swizzled(vk.FormatB8g8r8a8Unorm, vk.FormatR8g8b8a8Unorm))
	assert.True(t, swizzled(vk.FormatR8g8b8a8Unorm, vk.FormatR8g8b8a8Unorm))
	assert.False(t, swizzled(vk.FormatB8g8r8a8Srgb, vk.FormatR8g8b8a8Unorm))
}

func TestStateMapping(t *testing.T) {
	assert.Equal(t, vk.ImageLayoutPresentSrc, layout(driver.StatePresent))
	assert.Equal(t, vk.ImageLayoutColorAttachmentOptimal, layout(driver.StateRenderTarget))
	assert.Equal(t, vk.ImageLayoutTransferSrcOptimal, layout(driver.StateCopySource))
	assert.Equal(t, vk.ImageLayoutTransferDstOptimal, layout(driver.StateCopyDest))
	assert.Equal(t, vk.ImageLayoutGeneral, layout(driver.StateUnorderedAccess))

	assert.Zero(t, access(driver.StateCommon))
	assert.NotZero(t, access(driver.StateRenderTarget)&vk.AccessFlags(vk.AccessColorAttachmentWriteBit))

	typ, ok := descriptorType(driver.RootParameterCBV)
	require.True(t, ok)
	assert.Equal(t, vk.DescriptorTypeUniformBuffer, typ)
	typ, ok = descriptorType(driver.RootParameterUAV)
	require.True(t, ok)
	assert.Equal(t, vk.DescriptorTypeStorageBuffer, typ)
	_, ok = descriptorType(driver.RootParameterDescriptorTable)
	assert.False(t, ok)

	assert.NotZero(t, memoryProperties(driver.HeapUpload)&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit))
	assert.NotZero(t, memoryProperties(driver.HeapReadback)&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit))
	assert.Equal(t, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit), memoryProperties(driver.HeapDefault))
}

func TestVertexStride(t *testing.T) {
	stride := vertexStride([]driver.VertexElement{
		{Semantic: "COLOR", Format: driver.FormatR32G32B32A32Float, Offset: 12},
		{Semantic: "POSITION", Format: driver.FormatR32G32B32Float, Offset: 0},
	})
	assert.Equal(t, uint32(28), stride)
	assert.Zero(t, vertexStride(nil))
}

func TestChooseFormat(t *testing.T) {
	formats := []vk.SurfaceFormat{
		{Format: vk.FormatA2b10g10r10UnormPack32, ColorSpace: vk.ColorSpaceSrgbNonlinear},
		{Format: vk.FormatB8g8r8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear},
	}
	assert.Equal(t, vk.FormatB8g8r8a8Unorm, chooseFormat(formats, vk.FormatR8g8b8a8Unorm).Format)
	assert.Equal(t, vk.FormatA2b10g10r10UnormPack32, chooseFormat(formats[:1], vk.FormatR8g8b8a8Unorm).Format)

	assert.Equal(t, vk.PresentModeMailbox, choosePresentMode([]vk.PresentMode{vk.PresentModeFifo, vk.PresentModeMailbox}))
	assert.Equal(t, vk.PresentModeFifo, choosePresentMode([]vk.PresentMode{vk.PresentModeImmediate}))
}

func TestLockPoolSerializesGroups(t *testing.T) {
	p := newLockPool()
	assert.Same(t, p.lock(queueManagement), p.lock(queueManagement))
	assert.NotSame(t, p.lock(queueManagement), p.lock(pipelineManagement))

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.safeCall(queueManagement, func() error {
				inside++
				maxSeen = max(maxSeen, inside)
				inside--
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)

	boom := errors.New("boom")
	assert.ErrorIs(t, p.safeCall(renderpassManagement, func() error { return boom }), boom)
}

func TestBindStateGrows(t *testing.T) {
	var b bindState
	b.set(1, 0x200)
	assert.Equal(t, []driver.GPUAddress{0, 0x200}, b.args)
	assert.True(t, b.dirty)
	b.set(0, 0x100)
	assert.Equal(t, []driver.GPUAddress{0x100, 0x200}, b.args)
}
