package vulkan

import (
	"fmt"
	"math"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	lmath "github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

func (d *Device) querySwapchainSupport() (swapchainSupport, error) {
	var s swapchainSupport
	if err := resultError("vkGetPhysicalDeviceSurfaceCapabilities", vk.GetPhysicalDeviceSurfaceCapabilities(d.physical, d.surface, &s.capabilities)); err != nil {
		return s, err
	}
	s.capabilities.Deref()
	s.capabilities.CurrentExtent.Deref()
	s.capabilities.MinImageExtent.Deref()
	s.capabilities.MaxImageExtent.Deref()

	var count uint32
	if err := resultError("vkGetPhysicalDeviceSurfaceFormats", vk.GetPhysicalDeviceSurfaceFormats(d.physical, d.surface, &count, nil)); err != nil {
		return s, err
	}
	s.formats = make([]vk.SurfaceFormat, count)
	if err := resultError("vkGetPhysicalDeviceSurfaceFormats", vk.GetPhysicalDeviceSurfaceFormats(d.physical, d.surface, &count, s.formats)); err != nil {
		return s, err
	}
	for i := range s.formats {
		s.formats[i].Deref()
	}

	if err := resultError("vkGetPhysicalDeviceSurfacePresentModes", vk.GetPhysicalDeviceSurfacePresentModes(d.physical, d.surface, &count, nil)); err != nil {
		return s, err
	}
	s.presentModes = make([]vk.PresentMode, count)
	if err := resultError("vkGetPhysicalDeviceSurfacePresentModes", vk.GetPhysicalDeviceSurfacePresentModes(d.physical, d.surface, &count, s.presentModes)); err != nil {
		return s, err
	}
	return s, nil
}

// chooseFormat prefers want, then any 8 bit unorm format in the sRGB
// color space, then whatever the surface lists first.
func chooseFormat(formats []vk.SurfaceFormat, want vk.Format) vk.SurfaceFormat {
	for _, f := range formats {
		if f.Format == want && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	for _, f := range formats {
		if swizzled(f.Format, want) && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	return formats[0]
}

func choosePresentMode(modes []vk.PresentMode) vk.PresentMode {
	for _, m := range modes {
		if m == vk.PresentModeMailbox {
			return m
		}
	}
	return vk.PresentModeFifo
}

/**
 * @brief Presentable images of the window surface. The image to render
 * into is acquired on the CPU ahead of time, so CurrentBackBufferIndex is
 * known before recording like on the other backends.
 */
type swapchain struct {
	dev    *Device
	handle vk.Swapchain
	format vk.SurfaceFormat
	extent vk.Extent2D
	images []*resource
	index  uint32
	// acquired is signaled when the acquired image may be written.
	acquired vk.Fence
	// rendered is signaled per image before it is presented.
	rendered []vk.Semaphore
}

var _ driver.Swapchain = (*swapchain)(nil)

func (d *Device) CreateSwapchain(q driver.Queue, desc driver.SwapchainDesc) (driver.Swapchain, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	support, err := d.querySwapchainSupport()
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	caps := support.capabilities
	if len(support.formats) == 0 {
		err := fmt.Errorf("vulkan: the surface reports no formats")
		core.LogError(err.Error())
		return nil, err
	}
	if desc.BufferCount < caps.MinImageCount || (caps.MaxImageCount > 0 && desc.BufferCount > caps.MaxImageCount) {
		err := fmt.Errorf("vulkan: %d back buffers requested, the surface allows %d to %d", desc.BufferCount, caps.MinImageCount, caps.MaxImageCount)
		core.LogError(err.Error())
		return nil, err
	}

	sc := &swapchain{dev: d, format: chooseFormat(support.formats, vkFormat(desc.Format))}
	sc.extent = vk.Extent2D{Width: desc.Width, Height: desc.Height}
	if caps.CurrentExtent.Width != math.MaxUint32 {
		sc.extent = caps.CurrentExtent
	}
	sc.extent.Width = lmath.Clamp(sc.extent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
	sc.extent.Height = lmath.Clamp(sc.extent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)

	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.surface,
		MinImageCount:    desc.BufferCount,
		ImageFormat:      sc.format.Format,
		ImageColorSpace:  sc.format.ColorSpace,
		ImageExtent:      sc.extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      choosePresentMode(support.presentModes),
		Clipped:          vk.True,
	}
	if err := resultError("vkCreateSwapchain", vk.CreateSwapchain(d.logical, &info, nil, &sc.handle)); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	if err := sc.wrapImages(desc.BufferCount); err != nil {
		sc.Release()
		core.LogError(err.Error())
		return nil, err
	}

	d.mu.Lock()
	d.surfaceFormat = sc.format.Format
	d.mu.Unlock()

	if err := sc.acquire(); err != nil {
		sc.Release()
		return nil, err
	}
	core.LogInfo("Swapchain created successfully (%dx%d, %d images).", sc.extent.Width, sc.extent.Height, len(sc.images))
	return sc, nil
}

func (sc *swapchain) wrapImages(want uint32) error {
	d := sc.dev
	var count uint32
	if err := resultError("vkGetSwapchainImagesKHR", vk.GetSwapchainImages(d.logical, sc.handle, &count, nil)); err != nil {
		return err
	}
	if count != want {
		return fmt.Errorf("vulkan: the presentation engine created %d images, %d requested", count, want)
	}
	images := make([]vk.Image, count)
	if err := resultError("vkGetSwapchainImagesKHR", vk.GetSwapchainImages(d.logical, sc.handle, &count, images)); err != nil {
		return err
	}

	desc := driver.Texture2DDesc(sc.extent.Width, sc.extent.Height, driverFormat(sc.format.Format), driver.ResourceFlagAllowRenderTarget)
	for i, image := range images {
		view, err := createView(d, image, sc.format.Format, vk.ImageAspectColorBit)
		if err != nil {
			return err
		}
		r := &resource{
			dev:    d,
			desc:   desc,
			heap:   driver.HeapDefault,
			name:   fmt.Sprintf("back buffer %d", i),
			size:   desc.ByteSize(),
			image:  image,
			view:   view,
			format: sc.format.Format,
		}
		d.track(r)
		sc.images = append(sc.images, r)

		var sem vk.Semaphore
		semInfo := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
		if err := resultError("vkCreateSemaphore", vk.CreateSemaphore(d.logical, &semInfo, nil, &sem)); err != nil {
			return err
		}
		sc.rendered = append(sc.rendered, sem)
	}

	fenceInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if err := resultError("vkCreateFence", vk.CreateFence(d.logical, &fenceInfo, nil, &sc.acquired)); err != nil {
		return err
	}

	// Back buffers start in the present state.
	return d.singleUse(func(cb vk.CommandBuffer) {
		for _, r := range sc.images {
			imageBarrier(cb, r.image, vk.ImageLayoutUndefined, vk.ImageLayoutPresentSrc, 0, access(driver.StatePresent))
		}
	})
}

// acquire blocks until the next image is available.
func (sc *swapchain) acquire() error {
	d := sc.dev
	var index uint32
	res := vk.AcquireNextImage(d.logical, sc.handle, vk.MaxUint64, vk.NullSemaphore, sc.acquired, &index)
	switch res {
	case vk.Success, vk.Suboptimal:
	case vk.ErrorOutOfDate:
		err := fmt.Errorf("vulkan: swapchain is out of date, resizing is not supported")
		core.LogError(err.Error())
		return err
	default:
		return d.observe(resultError("vkAcquireNextImageKHR", res))
	}
	fences := []vk.Fence{sc.acquired}
	if err := resultError("vkWaitForFences", vk.WaitForFences(d.logical, 1, fences, vk.True, vk.MaxUint64)); err != nil {
		return d.observe(err)
	}
	if err := resultError("vkResetFences", vk.ResetFences(d.logical, 1, fences)); err != nil {
		return d.observe(err)
	}
	sc.index = index
	return nil
}

func (sc *swapchain) BufferCount() uint32 { return uint32(len(sc.images)) }

func (sc *swapchain) CurrentBackBufferIndex() uint32 { return sc.index }

func (sc *swapchain) BackBuffer(i uint32) driver.Resource {
	if int(i) >= len(sc.images) {
		return nil
	}
	return sc.images[i]
}

/**
 * @brief Presents the current image once the work submitted before it has
 * completed, then acquires the next one.
 */
func (sc *swapchain) Present() error {
	d := sc.dev
	if err := d.checkAlive(); err != nil {
		return err
	}
	sem := []vk.Semaphore{sc.rendered[sc.index]}
	err := d.locks.safeCall(queueManagement, func() error {
		submit := vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			SignalSemaphoreCount: 1,
			PSignalSemaphores:    sem,
		}
		if err := resultError("vkQueueSubmit", vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{submit}, vk.NullFence)); err != nil {
			return d.observe(err)
		}
		present := vk.PresentInfo{
			SType:              vk.StructureTypePresentInfo,
			WaitSemaphoreCount: 1,
			PWaitSemaphores:    sem,
			SwapchainCount:     1,
			PSwapchains:        []vk.Swapchain{sc.handle},
			PImageIndices:      []uint32{sc.index},
		}
		switch res := vk.QueuePresent(d.queue, &present); res {
		case vk.Success, vk.Suboptimal:
			return nil
		case vk.ErrorOutOfDate:
			return fmt.Errorf("vulkan: swapchain is out of date, resizing is not supported")
		default:
			return d.observe(resultError("vkQueuePresentKHR", res))
		}
	})
	if err != nil {
		core.LogError(err.Error())
		return err
	}
	return sc.acquire()
}

func (sc *swapchain) Release() {
	d := sc.dev
	vk.DeviceWaitIdle(d.logical)
	for _, r := range sc.images {
		r.Release()
	}
	sc.images = nil
	for _, sem := range sc.rendered {
		vk.DestroySemaphore(d.logical, sem, nil)
	}
	sc.rendered = nil
	if sc.acquired != vk.NullFence {
		vk.DestroyFence(d.logical, sc.acquired, nil)
		sc.acquired = vk.NullFence
	}
	if sc.handle != nil {
		vk.DestroySwapchain(d.logical, sc.handle, nil)
		sc.handle = nil
	}
}
