package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// resource is a buffer or a 2D image with its own allocation. Swapchain
// images are wrapped without owning their memory.
type resource struct {
	dev  *Device
	desc driver.ResourceDesc
	heap driver.HeapType
	name string
	addr driver.GPUAddress
	size uint64

	buffer vk.Buffer
	image  vk.Image
	view   vk.ImageView
	format vk.Format
	memory vk.DeviceMemory
	mapped []byte
	// owned is false for swapchain images.
	owned bool
}

var _ driver.Resource = (*resource)(nil)

func asResource(r driver.Resource) (*resource, error) {
	res, ok := r.(*resource)
	if !ok || res == nil {
		return nil, fmt.Errorf("vulkan: foreign resource %T", r)
	}
	return res, nil
}

func (d *Device) CreateCommittedResource(heap driver.HeapType, desc driver.ResourceDesc, initial driver.ResourceState) (driver.Resource, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	r := &resource{dev: d, desc: desc, heap: heap, size: desc.ByteSize(), owned: true}
	var err error
	switch desc.Dimension {
	case driver.DimensionBuffer:
		err = r.createBuffer()
	case driver.DimensionTexture2D:
		if heap != driver.HeapDefault {
			err = fmt.Errorf("vulkan: textures on the %s heap are not supported", heap)
			break
		}
		err = r.createImage()
		if err == nil && initial != driver.StateCommon {
			err = d.singleUse(func(cb vk.CommandBuffer) {
				imageBarrier(cb, r.image, vk.ImageLayoutUndefined, layout(initial), 0, access(initial))
			})
		}
	default:
		err = fmt.Errorf("vulkan: unknown dimension %d", desc.Dimension)
	}
	if err != nil {
		r.destroy()
		core.LogError(err.Error())
		return nil, err
	}
	d.track(r)
	return r, nil
}

// Buffers are created with every usage the driver API allows on them.
func bufferUsage() vk.BufferUsageFlags {
	usage := vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit | vk.BufferUsageUniformBufferBit |
		vk.BufferUsageStorageBufferBit | vk.BufferUsageVertexBufferBit | vk.BufferUsageIndexBufferBit
	return vk.BufferUsageFlags(usage)
}

func (r *resource) createBuffer() error {
	d := r.dev
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(max(r.size, 4)),
		Usage:       bufferUsage(),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if err := resultError("vkCreateBuffer", vk.CreateBuffer(d.logical, &info, nil, &buffer)); err != nil {
		return err
	}
	r.buffer = buffer

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logical, buffer, &reqs)
	reqs.Deref()
	if err := r.allocate(reqs); err != nil {
		return err
	}
	if err := resultError("vkBindBufferMemory", vk.BindBufferMemory(d.logical, buffer, r.memory, 0)); err != nil {
		return err
	}
	if r.heap.CPUVisible() {
		var ptr unsafe.Pointer
		if err := resultError("vkMapMemory", vk.MapMemory(d.logical, r.memory, 0, vk.DeviceSize(r.size), 0, &ptr)); err != nil {
			return err
		}
		r.mapped = unsafe.Slice((*byte)(ptr), r.size)
	}
	return nil
}

func (r *resource) createImage() error {
	d := r.dev
	r.format = vkFormat(r.desc.Format)
	if r.format == vk.FormatUndefined {
		return fmt.Errorf("vulkan: texture format %d is not supported", r.desc.Format)
	}
	usage := vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit
	if r.desc.Flags&driver.ResourceFlagAllowRenderTarget != 0 {
		usage |= vk.ImageUsageColorAttachmentBit
	}
	if r.desc.Flags&driver.ResourceFlagAllowUnorderedAccess != 0 {
		usage |= vk.ImageUsageStorageBit
	}
	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    r.format,
		Extent: vk.Extent3D{
			Width:  uint32(r.desc.Width),
			Height: r.desc.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var image vk.Image
	if err := resultError("vkCreateImage", vk.CreateImage(d.logical, &info, nil, &image)); err != nil {
		return err
	}
	r.image = image

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logical, image, &reqs)
	reqs.Deref()
	if err := r.allocate(reqs); err != nil {
		return err
	}
	if err := resultError("vkBindImageMemory", vk.BindImageMemory(d.logical, image, r.memory, 0)); err != nil {
		return err
	}
	view, err := createView(d, image, r.format, vk.ImageAspectColorBit)
	if err != nil {
		return err
	}
	r.view = view
	return nil
}

func (r *resource) allocate(reqs vk.MemoryRequirements) error {
	d := r.dev
	props := memoryProperties(r.heap)
	index, ok := d.memoryIndex(reqs.MemoryTypeBits, props)
	if !ok && r.heap == driver.HeapReadback {
		index, ok = d.memoryIndex(reqs.MemoryTypeBits, memoryProperties(driver.HeapUpload))
	}
	if !ok {
		return fmt.Errorf("vulkan: no memory type for the %s heap", r.heap)
	}
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: index,
	}
	var memory vk.DeviceMemory
	if err := resultError("vkAllocateMemory", vk.AllocateMemory(d.logical, &info, nil, &memory)); err != nil {
		return err
	}
	r.memory = memory
	return nil
}

func createView(d *Device, image vk.Image, format vk.Format, aspect vk.ImageAspectFlagBits) (vk.ImageView, error) {
	info := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(aspect),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	var view vk.ImageView
	if err := resultError("vkCreateImageView", vk.CreateImageView(d.logical, &info, nil, &view)); err != nil {
		return nil, err
	}
	return view, nil
}

func (r *resource) Desc() driver.ResourceDesc { return r.desc }
func (r *resource) Heap() driver.HeapType     { return r.heap }

func (r *resource) GPUAddress() driver.GPUAddress {
	if r.desc.Dimension != driver.DimensionBuffer {
		return 0
	}
	return r.addr
}

func (r *resource) Map() ([]byte, error) {
	if r.mapped == nil {
		return nil, fmt.Errorf("%w: %q on the %s heap", driver.ErrNotMappable, r.name, r.heap)
	}
	return r.mapped, nil
}

// Unmap keeps the memory mapped; host visible allocations stay mapped
// for their whole lifetime.
func (r *resource) Unmap() {}

func (r *resource) SetName(name string) { r.name = name }
func (r *resource) Name() string        { return r.name }

func (r *resource) Release() {
	r.dev.untrack(r)
	r.destroy()
}

func (r *resource) destroy() {
	dev := r.dev.logical
	if r.view != nil {
		vk.DestroyImageView(dev, r.view, nil)
		r.view = nil
	}
	if !r.owned {
		return
	}
	if r.mapped != nil {
		vk.UnmapMemory(dev, r.memory)
		r.mapped = nil
	}
	if r.buffer != nil {
		vk.DestroyBuffer(dev, r.buffer, nil)
		r.buffer = nil
	}
	if r.image != nil {
		vk.DestroyImage(dev, r.image, nil)
		r.image = nil
	}
	if r.memory != nil {
		vk.FreeMemory(dev, r.memory, nil)
		r.memory = nil
	}
}

// imageBarrier records a layout transition covering the whole image.
func imageBarrier(cb vk.CommandBuffer, image vk.Image, from, to vk.ImageLayout, src, dst vk.AccessFlags) {
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       src,
		DstAccessMask:       dst,
		OldLayout:           from,
		NewLayout:           to,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	allCommands := vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	vk.CmdPipelineBarrier(cb, allCommands, allCommands, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

func memoryBarrier(cb vk.CommandBuffer, src, dst vk.AccessFlags) {
	barrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: src,
		DstAccessMask: dst,
	}
	allCommands := vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	vk.CmdPipelineBarrier(cb, allCommands, allCommands, 0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
}

/**
 * @brief Records fn into a one-time command buffer, submits it and waits
 * for the queue to go idle.
 */
func (d *Device) singleUse(fn func(cb vk.CommandBuffer)) error {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.setupPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	buffers := make([]vk.CommandBuffer, 1)
	if err := resultError("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(d.logical, &info, buffers)); err != nil {
		return err
	}
	cb := buffers[0]
	defer vk.FreeCommandBuffers(d.logical, d.setupPool, 1, buffers)

	begin := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := resultError("vkBeginCommandBuffer", vk.BeginCommandBuffer(cb, &begin)); err != nil {
		return err
	}
	fn(cb)
	if err := resultError("vkEndCommandBuffer", vk.EndCommandBuffer(cb)); err != nil {
		return err
	}
	return d.locks.safeCall(queueManagement, func() error {
		submit := vk.SubmitInfo{
			SType:              vk.StructureTypeSubmitInfo,
			CommandBufferCount: 1,
			PCommandBuffers:    buffers,
		}
		if err := resultError("vkQueueSubmit", vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{submit}, vk.NullFence)); err != nil {
			return d.observe(err)
		}
		return d.observe(resultError("vkQueueWaitIdle", vk.QueueWaitIdle(d.queue)))
	})
}
