package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

// renderPassKey selects a cached render pass. clear picks the variant that
// clears the color attachment on load; the other one keeps its contents.
type renderPassKey struct {
	format vk.Format
	clear  bool
}

/**
 * @brief Returns the single subpass render pass for format, creating it on
 * first use. The color attachment enters and leaves in the color
 * attachment layout, so passes start and end without implicit
 * transitions. Depth is always cleared and never stored.
 */
func (d *Device) renderPass(format vk.Format, clear bool) (vk.RenderPass, error) {
	key := renderPassKey{format: format, clear: clear}
	d.mu.RLock()
	rp, ok := d.passes[key]
	d.mu.RUnlock()
	if ok {
		return rp, nil
	}

	err := d.locks.safeCall(renderpassManagement, func() error {
		d.mu.RLock()
		_, ok := d.passes[key]
		d.mu.RUnlock()
		if ok {
			return nil
		}
		created, err := d.createRenderPass(key)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.passes[key] = created
		d.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.passes[key], nil
}

func (d *Device) createRenderPass(key renderPassKey) (vk.RenderPass, error) {
	load := vk.AttachmentLoadOpLoad
	if key.clear {
		load = vk.AttachmentLoadOpClear
	}
	attachments := []vk.AttachmentDescription{
		{
			Format:         key.format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         load,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
		},
		{
			Format:         d.depth,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpDontCare,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		},
	}
	depthRef := vk.AttachmentReference{
		Attachment: 1,
		Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
	}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments: []vk.AttachmentReference{{
			Attachment: 0,
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		}},
		PDepthStencilAttachment: &depthRef,
	}
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit | vk.AccessDepthStencilAttachmentWriteBit),
	}
	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	var rp vk.RenderPass
	if err := resultError("vkCreateRenderPass", vk.CreateRenderPass(d.logical, &info, nil, &rp)); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	core.LogDebug("vulkan: render pass created for format %d (clear %t)", key.format, key.clear)
	return rp, nil
}

// framebuffer binds a color target to its own depth buffer. Both render
// pass variants of a format are compatible with it.
type framebuffer struct {
	handle vk.Framebuffer
	width  uint32
	height uint32

	depthImage  vk.Image
	depthMemory vk.DeviceMemory
	depthView   vk.ImageView
}

// target returns the framebuffer of r, creating it on first use.
func (d *Device) target(r *resource) (*framebuffer, error) {
	if r.view == nil {
		return nil, fmt.Errorf("vulkan: %q is not a texture", r.name)
	}
	d.mu.RLock()
	fb, ok := d.targets[r.view]
	d.mu.RUnlock()
	if ok {
		return fb, nil
	}
	rp, err := d.renderPass(r.format, false)
	if err != nil {
		return nil, err
	}
	fb = &framebuffer{width: uint32(r.desc.Width), height: r.desc.Height}
	if err := fb.create(d, rp, r.view); err != nil {
		fb.destroy(d)
		core.LogError(err.Error())
		return nil, err
	}
	d.mu.Lock()
	d.targets[r.view] = fb
	d.mu.Unlock()
	return fb, nil
}

func (fb *framebuffer) create(d *Device, rp vk.RenderPass, color vk.ImageView) error {
	info := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        d.depth,
		Extent:        vk.Extent3D{Width: fb.width, Height: fb.height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	if err := resultError("vkCreateImage", vk.CreateImage(d.logical, &info, nil, &fb.depthImage)); err != nil {
		return err
	}
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logical, fb.depthImage, &reqs)
	reqs.Deref()
	index, ok := d.memoryIndex(reqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if !ok {
		return fmt.Errorf("vulkan: no device local memory for the depth buffer")
	}
	alloc := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: index,
	}
	if err := resultError("vkAllocateMemory", vk.AllocateMemory(d.logical, &alloc, nil, &fb.depthMemory)); err != nil {
		return err
	}
	if err := resultError("vkBindImageMemory", vk.BindImageMemory(d.logical, fb.depthImage, fb.depthMemory, 0)); err != nil {
		return err
	}
	view, err := createView(d, fb.depthImage, d.depth, vk.ImageAspectDepthBit)
	if err != nil {
		return err
	}
	fb.depthView = view

	fbInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      rp,
		AttachmentCount: 2,
		PAttachments:    []vk.ImageView{color, fb.depthView},
		Width:           fb.width,
		Height:          fb.height,
		Layers:          1,
	}
	return resultError("vkCreateFramebuffer", vk.CreateFramebuffer(d.logical, &fbInfo, nil, &fb.handle))
}

func (fb *framebuffer) destroy(d *Device) {
	dev := d.logical
	if fb.handle != nil {
		vk.DestroyFramebuffer(dev, fb.handle, nil)
		fb.handle = nil
	}
	if fb.depthView != nil {
		vk.DestroyImageView(dev, fb.depthView, nil)
		fb.depthView = nil
	}
	if fb.depthImage != nil {
		vk.DestroyImage(dev, fb.depthImage, nil)
		fb.depthImage = nil
	}
	if fb.depthMemory != nil {
		vk.FreeMemory(dev, fb.depthMemory, nil)
		fb.depthMemory = nil
	}
}

// beginPass opens the render pass of fb with the viewport covering it.
// The viewport is flipped so clip space y points up like the other
// backends.
func beginPass(cb vk.CommandBuffer, rp vk.RenderPass, fb *framebuffer, color [4]float32) {
	clears := make([]vk.ClearValue, 2)
	clears[0].SetColor(color[:])
	clears[1].SetDepthStencil(1, 0)
	begin := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  rp,
		Framebuffer: fb.handle,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: fb.width, Height: fb.height},
		},
		ClearValueCount: 2,
		PClearValues:    clears,
	}
	vk.CmdBeginRenderPass(cb, &begin, vk.SubpassContentsInline)

	viewport := vk.Viewport{
		X:        0,
		Y:        float32(fb.height),
		Width:    float32(fb.width),
		Height:   -float32(fb.height),
		MinDepth: 0,
		MaxDepth: 1,
	}
	vk.CmdSetViewport(cb, 0, 1, []vk.Viewport{viewport})
	scissor := vk.Rect2D{Extent: vk.Extent2D{Width: fb.width, Height: fb.height}}
	vk.CmdSetScissor(cb, 0, 1, []vk.Rect2D{scissor})
}
