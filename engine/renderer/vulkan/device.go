// Package vulkan implements the driver interfaces on Vulkan 1.1. It covers
// the raster path of the renderer: buffers, render target textures,
// graphics and compute pipelines built from SPIR-V, and presentation.
// Ray tracing is not exposed, so the device reports no ray tracing tier
// and the renderer keeps to raster mode.
package vulkan

import (
	"fmt"
	"sort"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

const addressSpaceBase = 0x10000

type Device struct {
	instance vk.Instance
	debug    vk.DebugReportCallback
	surface  vk.Surface

	physical   vk.PhysicalDevice
	logical    vk.Device
	family     uint32
	queue      vk.Queue
	properties vk.PhysicalDeviceProperties
	memory     vk.PhysicalDeviceMemoryProperties
	depth      vk.Format
	name       string

	// setupPool backs one-time command buffers recorded by the backend.
	setupPool vk.CommandPool
	locks     *lockPool

	mu        sync.RWMutex
	nextAddr  uint64
	resources []*resource
	passes    map[renderPassKey]vk.RenderPass
	targets   map[vk.ImageView]*framebuffer
	// surfaceFormat is the format of the swapchain images, once created.
	surfaceFormat vk.Format
	lost          error
}

var _ driver.Device = (*Device)(nil)

/**
 * @brief Creates the instance, the surface and the logical device on the
 * first physical device with a queue family that both renders and
 * presents to s.
 */
func New(s Surface, opts Options) (*Device, error) {
	if err := loadLoader(); err != nil {
		return nil, err
	}
	d := &Device{
		locks:    newLockPool(),
		nextAddr: addressSpaceBase,
		passes:   make(map[renderPassKey]vk.RenderPass),
		targets:  make(map[vk.ImageView]*framebuffer),
	}
	ok := false
	defer func() {
		if !ok {
			d.Release()
		}
	}()

	var err error
	if d.instance, err = createInstance(s, opts); err != nil {
		return nil, err
	}
	if opts.Debug {
		if d.debug, err = createDebugCallback(d.instance); err != nil {
			return nil, err
		}
	}
	handle, err := s.CreateWindowSurface(d.instance, nil)
	if err != nil {
		err = fmt.Errorf("vulkan: surface creation failed: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	d.surface = vk.SurfaceFromPointer(handle)

	if err := d.selectPhysicalDevice(); err != nil {
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		return nil, err
	}
	if !d.detectDepthFormat() {
		err := fmt.Errorf("vulkan: no supported depth format on %s", d.name)
		core.LogError(err.Error())
		return nil, err
	}
	ok = true
	core.LogInfo("Vulkan device ready on %s.", d.name)
	return d, nil
}

func (d *Device) selectPhysicalDevice() error {
	var count uint32
	if err := resultError("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(d.instance, &count, nil)); err != nil {
		return err
	}
	if count == 0 {
		err := fmt.Errorf("vulkan: no devices which support Vulkan were found")
		core.LogError(err.Error())
		return err
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := resultError("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(d.instance, &count, devices)); err != nil {
		return err
	}

	best, bestScore := -1, -1
	var bestFamily uint32
	for i, pd := range devices {
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(pd, &props)
		props.Deref()
		name := cString(props.DeviceName[:])

		family, ok := d.presentFamily(pd)
		if !ok {
			core.LogInfo("vulkan: %s has no queue family that renders and presents, skipping", name)
			continue
		}
		if !hasDeviceExtension(pd, vk.KhrSwapchainExtensionName) {
			core.LogInfo("vulkan: %s lacks %s, skipping", name, vk.KhrSwapchainExtensionName)
			continue
		}
		score := 1
		if props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
			score = 2
		}
		if score > bestScore {
			best, bestScore, bestFamily = i, score, family
		}
	}
	if best < 0 {
		err := fmt.Errorf("vulkan: no physical device meets the requirements")
		core.LogError(err.Error())
		return err
	}

	d.physical = devices[best]
	d.family = bestFamily
	vk.GetPhysicalDeviceProperties(d.physical, &d.properties)
	d.properties.Deref()
	d.properties.Limits.Deref()
	vk.GetPhysicalDeviceMemoryProperties(d.physical, &d.memory)
	d.memory.Deref()
	d.name = cString(d.properties.DeviceName[:])

	api := vk.Version(d.properties.ApiVersion)
	core.LogInfo("Selected device: '%s', Vulkan API %d.%d.%d.", d.name, api.Major(), api.Minor(), api.Patch())
	return nil
}

func (d *Device) presentFamily(pd vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, families)
	for i := range families {
		families[i].Deref()
		flags := vk.QueueFlagBits(families[i].QueueFlags)
		if flags&vk.QueueGraphicsBit == 0 || flags&vk.QueueComputeBit == 0 {
			continue
		}
		var present vk.Bool32
		if vk.GetPhysicalDeviceSurfaceSupport(pd, uint32(i), d.surface, &present) != vk.Success {
			continue
		}
		if present == vk.True {
			return uint32(i), true
		}
	}
	return 0, false
}

func hasDeviceExtension(pd vk.PhysicalDevice, name string) bool {
	var count uint32
	if vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil) != vk.Success {
		return false
	}
	exts := make([]vk.ExtensionProperties, count)
	if vk.EnumerateDeviceExtensionProperties(pd, "", &count, exts) != vk.Success {
		return false
	}
	for i := range exts {
		exts[i].Deref()
		if cString(exts[i].ExtensionName[:]) == name {
			return true
		}
	}
	return false
}

func (d *Device) createLogicalDevice() error {
	extensions := []string{vk.KhrSwapchainExtensionName}
	if hasDeviceExtension(d.physical, "VK_KHR_portability_subset") {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		extensions = append(extensions, "VK_KHR_portability_subset")
	}
	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: d.family,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}
	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    1,
		PQueueCreateInfos:       []vk.DeviceQueueCreateInfo{queueInfo},
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}
	var logical vk.Device
	if err := resultError("vkCreateDevice", vk.CreateDevice(d.physical, &createInfo, nil, &logical)); err != nil {
		core.LogError(err.Error())
		return err
	}
	d.logical = logical
	vk.GetDeviceQueue(d.logical, d.family, 0, &d.queue)

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if err := resultError("vkCreateCommandPool", vk.CreateCommandPool(d.logical, &poolInfo, nil, &d.setupPool)); err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Logical device created.")
	return nil
}

func (d *Device) detectDepthFormat() bool {
	want := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
	for _, f := range []vk.Format{vk.FormatD32Sfloat, vk.FormatD32SfloatS8Uint, vk.FormatD24UnormS8Uint} {
		var props vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(d.physical, f, &props)
		props.Deref()
		if props.OptimalTilingFeatures&want == want {
			d.depth = f
			return true
		}
	}
	return false
}

// memoryIndex returns a memory type allowed by typeFilter with every
// property bit set.
func (d *Device) memoryIndex(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, bool) {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		d.memory.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && d.memory.MemoryTypes[i].PropertyFlags&properties == properties {
			return i, true
		}
	}
	return 0, false
}

func (d *Device) Features() driver.Features {
	return driver.Features{
		Name:           d.name,
		RaytracingTier: driver.RaytracingTierNotSupported,
		Compute:        true,
	}
}

func (d *Device) checkAlive() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lost
}

// observe latches a lost device so every later call fails fast.
func (d *Device) observe(err error) error {
	if err == nil {
		return nil
	}
	d.mu.Lock()
	if d.lost == nil && isDeviceLost(err) {
		d.lost = err
		core.LogError("vulkan: device lost: %s", err.Error())
	}
	d.mu.Unlock()
	return err
}

func (d *Device) allocateAddress(size uint64) driver.GPUAddress {
	addr := d.nextAddr
	d.nextAddr += math.RoundUp(max(size, 1), uint64(driver.AccelerationStructureAlignment))
	return driver.GPUAddress(addr)
}

func (d *Device) track(r *resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.addr = d.allocateAddress(r.size)
	d.resources = append(d.resources, r)
}

func (d *Device) untrack(r *resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, other := range d.resources {
		if other == r {
			d.resources = append(d.resources[:i], d.resources[i+1:]...)
			break
		}
	}
	if r.view != nil {
		if fb, ok := d.targets[r.view]; ok {
			fb.destroy(d)
			delete(d.targets, r.view)
		}
	}
}

// resolve maps a GPU address to its resource and the offset inside it.
func (d *Device) resolve(addr driver.GPUAddress) (*resource, uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := sort.Search(len(d.resources), func(i int) bool {
		return d.resources[i].addr > addr
	})
	if i == 0 {
		return nil, 0, fmt.Errorf("%w: 0x%x", driver.ErrInvalidAddress, uint64(addr))
	}
	r := d.resources[i-1]
	off := uint64(addr - r.addr)
	if off >= r.size {
		return nil, 0, fmt.Errorf("%w: 0x%x", driver.ErrInvalidAddress, uint64(addr))
	}
	return r, off, nil
}

func (d *Device) CreateDescriptorHeap(t driver.DescriptorHeapType, count uint32, shaderVisible bool) (driver.DescriptorHeap, error) {
	return nil, fmt.Errorf("%w: descriptor heaps", driver.ErrUnsupported)
}

func (d *Device) AccelerationStructurePrebuildInfo(inputs driver.AccelerationStructureInputs) (driver.PrebuildInfo, error) {
	return driver.PrebuildInfo{}, driver.ErrRaytracingUnsupported
}

func (d *Device) CreateStateObject(desc driver.RaytracingPipelineDesc) (driver.StateObject, error) {
	return nil, driver.ErrRaytracingUnsupported
}

// WaitIdle blocks until the queue has drained.
func (d *Device) WaitIdle() error {
	return d.locks.safeCall(queueManagement, func() error {
		return d.observe(resultError("vkQueueWaitIdle", vk.QueueWaitIdle(d.queue)))
	})
}

/**
 * @brief Destroys the device level objects in reverse creation order.
 * Every resource, queue and swapchain must have been released.
 */
func (d *Device) Release() {
	if d.logical != nil {
		vk.DeviceWaitIdle(d.logical)
		for view, fb := range d.targets {
			fb.destroy(d)
			delete(d.targets, view)
		}
		for key, rp := range d.passes {
			vk.DestroyRenderPass(d.logical, rp, nil)
			delete(d.passes, key)
		}
		if d.setupPool != nil {
			vk.DestroyCommandPool(d.logical, d.setupPool, nil)
			d.setupPool = nil
		}
		core.LogDebug("Destroying Vulkan device...")
		vk.DestroyDevice(d.logical, nil)
		d.logical = nil
	}
	if d.surface != vk.NullSurface {
		vk.DestroySurface(d.instance, d.surface, nil)
		d.surface = vk.NullSurface
	}
	if d.debug != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(d.instance, d.debug, nil)
		d.debug = vk.NullDebugReportCallback
	}
	if d.instance != nil {
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
}
