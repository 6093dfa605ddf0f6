package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

func vkFormat(f driver.Format) vk.Format {
	switch f {
	case driver.FormatR8G8B8A8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case driver.FormatB8G8R8A8Unorm:
		return vk.FormatB8g8r8a8Unorm
	case driver.FormatR32G32B32Float:
		return vk.FormatR32g32b32Sfloat
	case driver.FormatR32G32B32A32Float:
		return vk.FormatR32g32b32a32Sfloat
	case driver.FormatR32Uint:
		return vk.FormatR32Uint
	}
	return vk.FormatUndefined
}

func driverFormat(f vk.Format) driver.Format {
	switch f {
	case vk.FormatR8g8b8a8Unorm:
		return driver.FormatR8G8B8A8Unorm
	case vk.FormatB8g8r8a8Unorm:
		return driver.FormatB8G8R8A8Unorm
	case vk.FormatR32g32b32Sfloat:
		return driver.FormatR32G32B32Float
	case vk.FormatR32g32b32a32Sfloat:
		return driver.FormatR32G32B32A32Float
	case vk.FormatR32Uint:
		return driver.FormatR32Uint
	}
	return driver.FormatUnknown
}

// swizzled reports whether a and b only differ by channel order, which is
// the case for the surface formats handed out by most presentation engines.
func swizzled(a, b vk.Format) bool {
	unorm8 := func(f vk.Format) bool { return f == vk.FormatR8g8b8a8Unorm || f == vk.FormatB8g8r8a8Unorm }
	return unorm8(a) && unorm8(b)
}

// layout maps a resource state to the image layout textures are kept in.
func layout(s driver.ResourceState) vk.ImageLayout {
	switch s {
	case driver.StatePresent:
		return vk.ImageLayoutPresentSrc
	case driver.StateRenderTarget:
		return vk.ImageLayoutColorAttachmentOptimal
	case driver.StateCopyDest:
		return vk.ImageLayoutTransferDstOptimal
	case driver.StateCopySource:
		return vk.ImageLayoutTransferSrcOptimal
	case driver.StateNonPixelShaderResource, driver.StateGenericRead:
		return vk.ImageLayoutShaderReadOnlyOptimal
	}
	return vk.ImageLayoutGeneral
}

func access(s driver.ResourceState) vk.AccessFlags {
	switch s {
	case driver.StateRenderTarget:
		return vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit)
	case driver.StateCopyDest:
		return vk.AccessFlags(vk.AccessTransferWriteBit)
	case driver.StateCopySource:
		return vk.AccessFlags(vk.AccessTransferReadBit)
	case driver.StateUnorderedAccess:
		return vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit)
	case driver.StateVertexAndConstantBuffer:
		return vk.AccessFlags(vk.AccessVertexAttributeReadBit | vk.AccessUniformReadBit)
	case driver.StateIndexBuffer:
		return vk.AccessFlags(vk.AccessIndexReadBit)
	case driver.StateNonPixelShaderResource:
		return vk.AccessFlags(vk.AccessShaderReadBit)
	case driver.StateGenericRead:
		return vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessUniformReadBit | vk.AccessVertexAttributeReadBit |
			vk.AccessIndexReadBit | vk.AccessTransferReadBit)
	case driver.StatePresent:
		return vk.AccessFlags(vk.AccessMemoryReadBit)
	}
	return 0
}

func descriptorType(t driver.RootParameterType) (vk.DescriptorType, bool) {
	switch t {
	case driver.RootParameterCBV:
		return vk.DescriptorTypeUniformBuffer, true
	case driver.RootParameterSRV, driver.RootParameterUAV:
		return vk.DescriptorTypeStorageBuffer, true
	}
	return 0, false
}

func memoryProperties(h driver.HeapType) vk.MemoryPropertyFlags {
	switch h {
	case driver.HeapUpload:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	case driver.HeapReadback:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit | vk.MemoryPropertyHostCachedBit)
	}
	return vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
}
