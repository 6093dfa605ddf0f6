package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// Descriptor pool sizing; another pool is added when one runs out.
const (
	setsPerPool     = 256
	buffersPerPool  = 512
	uniformsPerPool = 256
)

/**
 * @brief Owns the command pool lists record into and the descriptor pools
 * their root arguments are allocated from. Reset recycles both.
 */
type allocator struct {
	dev   *Device
	typ   driver.QueueType
	pool  vk.CommandPool
	pools []vk.DescriptorPool
	// current indexes the pool sets are allocated from.
	current int
}

var _ driver.CommandAllocator = (*allocator)(nil)

func (d *Device) CreateCommandAllocator(t driver.QueueType) (driver.CommandAllocator, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	a := &allocator{dev: d, typ: t}
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if err := resultError("vkCreateCommandPool", vk.CreateCommandPool(d.logical, &info, nil, &a.pool)); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	if err := a.grow(); err != nil {
		a.Release()
		core.LogError(err.Error())
		return nil, err
	}
	return a, nil
}

func asAllocator(a driver.CommandAllocator) (*allocator, error) {
	al, ok := a.(*allocator)
	if !ok || al == nil {
		return nil, fmt.Errorf("vulkan: foreign command allocator %T", a)
	}
	return al, nil
}

func (a *allocator) grow() error {
	sizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: buffersPerPool},
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: uniformsPerPool},
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       setsPerPool,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	if err := resultError("vkCreateDescriptorPool", vk.CreateDescriptorPool(a.dev.logical, &info, nil, &pool)); err != nil {
		return err
	}
	a.pools = append(a.pools, pool)
	a.current = len(a.pools) - 1
	return nil
}

func (a *allocator) descriptorSet(layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	for {
		info := vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     a.pools[a.current],
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{layout},
		}
		var set vk.DescriptorSet
		res := vk.AllocateDescriptorSets(a.dev.logical, &info, &set)
		switch res {
		case vk.Success:
			return set, nil
		case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
			if a.current+1 < len(a.pools) {
				a.current++
				continue
			}
			if err := a.grow(); err != nil {
				return nil, err
			}
		default:
			return nil, resultError("vkAllocateDescriptorSets", res)
		}
	}
}

func (a *allocator) Reset() error {
	if err := a.dev.checkAlive(); err != nil {
		return err
	}
	if err := resultError("vkResetCommandPool", vk.ResetCommandPool(a.dev.logical, a.pool, 0)); err != nil {
		return a.dev.observe(err)
	}
	for _, p := range a.pools {
		if err := resultError("vkResetDescriptorPool", vk.ResetDescriptorPool(a.dev.logical, p, 0)); err != nil {
			return a.dev.observe(err)
		}
	}
	a.current = 0
	return nil
}

func (a *allocator) Release() {
	for _, p := range a.pools {
		vk.DestroyDescriptorPool(a.dev.logical, p, nil)
	}
	a.pools = nil
	if a.pool != nil {
		vk.DestroyCommandPool(a.dev.logical, a.pool, nil)
		a.pool = nil
	}
}

// bindState is the pipeline and root arguments of one bind point.
type bindState struct {
	pipeline *pipeline
	args     []driver.GPUAddress
	dirty    bool
}

func (b *bindState) set(index uint32, addr driver.GPUAddress) {
	if int(index) >= len(b.args) {
		b.args = append(b.args, make([]driver.GPUAddress, int(index)+1-len(b.args))...)
	}
	b.args[index] = addr
	b.dirty = true
}

// renderTarget is the render pass a list has open.
type renderTarget struct {
	res *resource
	fb  *framebuffer
}

/**
 * @brief Records into one VkCommandBuffer. Recording errors are latched
 * and the first one is returned by Close. Commands that may not run inside
 * a render pass end the open one first.
 */
type commandList struct {
	dev   *Device
	typ   driver.QueueType
	alloc *allocator
	cb    vk.CommandBuffer
	open  bool
	err   error

	pass     *renderTarget
	graphics bindState
	compute  bindState
}

var _ driver.CommandList = (*commandList)(nil)

func (d *Device) CreateCommandList(t driver.QueueType, alloc driver.CommandAllocator) (driver.CommandList, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	a, err := asAllocator(alloc)
	if err != nil {
		return nil, err
	}
	l := &commandList{dev: d, typ: t}
	if err := l.begin(a); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	return l, nil
}

func (l *commandList) begin(a *allocator) error {
	if l.alloc != a {
		l.free()
		info := vk.CommandBufferAllocateInfo{
			SType:              vk.StructureTypeCommandBufferAllocateInfo,
			CommandPool:        a.pool,
			Level:              vk.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		}
		buffers := make([]vk.CommandBuffer, 1)
		if err := resultError("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(l.dev.logical, &info, buffers)); err != nil {
			return err
		}
		l.alloc, l.cb = a, buffers[0]
	}
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := resultError("vkBeginCommandBuffer", vk.BeginCommandBuffer(l.cb, &info)); err != nil {
		return err
	}
	l.open, l.err, l.pass = true, nil, nil
	l.graphics, l.compute = bindState{}, bindState{}
	return nil
}

func (l *commandList) free() {
	if l.alloc != nil && l.cb != nil {
		vk.FreeCommandBuffers(l.dev.logical, l.alloc.pool, 1, []vk.CommandBuffer{l.cb})
	}
	l.alloc, l.cb = nil, nil
}

func (l *commandList) Reset(alloc driver.CommandAllocator) error {
	if l.open {
		return driver.ErrListOpen
	}
	if err := l.dev.checkAlive(); err != nil {
		return err
	}
	a, err := asAllocator(alloc)
	if err != nil {
		return err
	}
	return l.begin(a)
}

func (l *commandList) Close() error {
	if !l.open {
		return driver.ErrListClosed
	}
	l.endPass()
	l.open = false
	if err := resultError("vkEndCommandBuffer", vk.EndCommandBuffer(l.cb)); err != nil && l.err == nil {
		l.err = err
	}
	return l.err
}

func (l *commandList) Release() {
	l.free()
}

func (l *commandList) fail(err error) {
	if l.err == nil {
		l.err = err
		core.LogError(err.Error())
	}
}

// recording reports whether commands may be recorded, latching
// ErrListClosed otherwise.
func (l *commandList) recording() bool {
	if !l.open {
		l.fail(driver.ErrListClosed)
		return false
	}
	return l.err == nil
}

func (l *commandList) endPass() {
	if l.pass != nil {
		vk.CmdEndRenderPass(l.cb)
		l.pass = nil
	}
}

func (l *commandList) resource(r driver.Resource) (*resource, bool) {
	res, err := asResource(r)
	if err != nil {
		l.fail(err)
		return nil, false
	}
	return res, true
}

func (l *commandList) CopyBufferRegion(dst driver.Resource, dstOffset uint64, src driver.Resource, srcOffset uint64, size uint64) {
	if !l.recording() {
		return
	}
	d, ok := l.resource(dst)
	if !ok {
		return
	}
	s, ok := l.resource(src)
	if !ok {
		return
	}
	if d.buffer == nil || s.buffer == nil {
		l.fail(fmt.Errorf("vulkan: CopyBufferRegion between %q and %q needs two buffers", s.name, d.name))
		return
	}
	if dstOffset+size > d.size || srcOffset+size > s.size {
		l.fail(fmt.Errorf("%w: copy of %d bytes from %q+%d to %q+%d", driver.ErrOutOfBounds, size, s.name, srcOffset, d.name, dstOffset))
		return
	}
	l.endPass()
	region := vk.BufferCopy{SrcOffset: vk.DeviceSize(srcOffset), DstOffset: vk.DeviceSize(dstOffset), Size: vk.DeviceSize(size)}
	vk.CmdCopyBuffer(l.cb, s.buffer, d.buffer, 1, []vk.BufferCopy{region})
}

/**
 * @brief Copies src into dst, which must have the same dimension and
 * size. Textures are expected in the copy source and copy destination
 * states; formats differing in channel order are converted by a blit.
 */
func (l *commandList) CopyResource(dst, src driver.Resource) {
	if !l.recording() {
		return
	}
	d, ok := l.resource(dst)
	if !ok {
		return
	}
	s, ok := l.resource(src)
	if !ok {
		return
	}
	if d.desc.Dimension != s.desc.Dimension || d.size != s.size {
		l.fail(fmt.Errorf("%w: CopyResource from %q to %q", driver.ErrOutOfBounds, s.name, d.name))
		return
	}
	l.endPass()
	if d.buffer != nil {
		region := vk.BufferCopy{Size: vk.DeviceSize(s.size)}
		vk.CmdCopyBuffer(l.cb, s.buffer, d.buffer, 1, []vk.BufferCopy{region})
		return
	}
	layers := vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1}
	w, h := int32(s.desc.Width), int32(s.desc.Height)
	if d.format == s.format {
		region := vk.ImageCopy{
			SrcSubresource: layers,
			DstSubresource: layers,
			Extent:         vk.Extent3D{Width: uint32(w), Height: uint32(h), Depth: 1},
		}
		vk.CmdCopyImage(l.cb, s.image, vk.ImageLayoutTransferSrcOptimal, d.image, vk.ImageLayoutTransferDstOptimal, 1, []vk.ImageCopy{region})
		return
	}
	blit := vk.ImageBlit{
		SrcSubresource: layers,
		SrcOffsets:     [2]vk.Offset3D{{}, {X: w, Y: h, Z: 1}},
		DstSubresource: layers,
		DstOffsets:     [2]vk.Offset3D{{}, {X: w, Y: h, Z: 1}},
	}
	vk.CmdBlitImage(l.cb, s.image, vk.ImageLayoutTransferSrcOptimal, d.image, vk.ImageLayoutTransferDstOptimal, 1, []vk.ImageBlit{blit}, vk.FilterNearest)
}

func (l *commandList) Transition(r driver.Resource, before, after driver.ResourceState) {
	if !l.recording() {
		return
	}
	res, ok := l.resource(r)
	if !ok {
		return
	}
	l.endPass()
	if res.image == nil {
		memoryBarrier(l.cb, access(before)|vk.AccessFlags(vk.AccessShaderWriteBit|vk.AccessTransferWriteBit), access(after))
		return
	}
	imageBarrier(l.cb, res.image, layout(before), layout(after), access(before), access(after))
}

func (l *commandList) UAVBarrier(r driver.Resource) {
	if !l.recording() {
		return
	}
	l.endPass()
	memoryBarrier(l.cb, vk.AccessFlags(vk.AccessShaderWriteBit), vk.AccessFlags(vk.AccessShaderReadBit|vk.AccessShaderWriteBit))
}

func (l *commandList) BuildAccelerationStructure(desc driver.BuildDesc) {
	l.fail(driver.ErrRaytracingUnsupported)
}

func (l *commandList) SetDescriptorHeaps(heaps ...driver.DescriptorHeap) {
	l.fail(fmt.Errorf("%w: descriptor heaps", driver.ErrUnsupported))
}

func (l *commandList) SetRaytracingPipeline(so driver.StateObject) {
	l.fail(driver.ErrRaytracingUnsupported)
}

func (l *commandList) DispatchRays(desc driver.DispatchRaysDesc) {
	l.fail(driver.ErrRaytracingUnsupported)
}

func (l *commandList) bindPipeline(state *bindState, p driver.Pipeline, bindPoint vk.PipelineBindPoint) {
	pl, err := asPipeline(p, bindPoint)
	if err != nil {
		l.fail(err)
		return
	}
	vk.CmdBindPipeline(l.cb, bindPoint, pl.handle)
	if state.pipeline == nil || state.pipeline.sig != pl.sig {
		state.dirty = true
	}
	state.pipeline = pl
}

// flush writes the root arguments of state into a fresh descriptor set
// and binds it.
func (l *commandList) flush(state *bindState, bindPoint vk.PipelineBindPoint) bool {
	if state.pipeline == nil {
		l.fail(fmt.Errorf("vulkan: no pipeline bound"))
		return false
	}
	if !state.dirty {
		return true
	}
	sig := state.pipeline.sig
	set, err := l.alloc.descriptorSet(sig.set)
	if err != nil {
		l.fail(l.dev.observe(err))
		return false
	}
	writes := make([]vk.WriteDescriptorSet, len(sig.types))
	for i, t := range sig.types {
		if i >= len(state.args) || state.args[i] == 0 {
			l.fail(fmt.Errorf("vulkan: root parameter %d is not bound", i))
			return false
		}
		res, off, err := l.dev.resolve(state.args[i])
		if err != nil {
			l.fail(err)
			return false
		}
		size := res.size - off
		if t == vk.DescriptorTypeUniformBuffer {
			size = min(size, uint64(l.dev.properties.Limits.MaxUniformBufferRange))
		}
		writes[i] = vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      uint32(i),
			DescriptorCount: 1,
			DescriptorType:  t,
			PBufferInfo: []vk.DescriptorBufferInfo{{
				Buffer: res.buffer,
				Offset: vk.DeviceSize(off),
				Range:  vk.DeviceSize(size),
			}},
		}
	}
	vk.UpdateDescriptorSets(l.dev.logical, uint32(len(writes)), writes, 0, nil)
	vk.CmdBindDescriptorSets(l.cb, bindPoint, sig.layout, 0, 1, []vk.DescriptorSet{set}, 0, nil)
	state.dirty = false
	return true
}

func (l *commandList) SetComputePipeline(p driver.Pipeline) {
	if !l.recording() {
		return
	}
	l.endPass()
	l.bindPipeline(&l.compute, p, vk.PipelineBindPointCompute)
}

func (l *commandList) SetComputeRootShaderResource(index uint32, addr driver.GPUAddress) {
	l.compute.set(index, addr)
}

func (l *commandList) SetComputeRootUnorderedAccess(index uint32, addr driver.GPUAddress) {
	l.compute.set(index, addr)
}

func (l *commandList) Dispatch(x, y, z uint32) {
	if !l.recording() {
		return
	}
	l.endPass()
	if !l.flush(&l.compute, vk.PipelineBindPointCompute) {
		return
	}
	vk.CmdDispatch(l.cb, x, y, z)
}

func (l *commandList) openPass(r driver.Resource, clear bool, color [4]float32) {
	res, ok := l.resource(r)
	if !ok {
		return
	}
	fb, err := l.dev.target(res)
	if err != nil {
		l.fail(err)
		return
	}
	rp, err := l.dev.renderPass(res.format, clear)
	if err != nil {
		l.fail(err)
		return
	}
	l.endPass()
	beginPass(l.cb, rp, fb, color)
	l.pass = &renderTarget{res: res, fb: fb}
}

func (l *commandList) ClearRenderTarget(rt driver.Resource, color [4]float32) {
	if !l.recording() {
		return
	}
	l.openPass(rt, true, color)
}

func (l *commandList) SetRenderTarget(rt driver.Resource) {
	if !l.recording() {
		return
	}
	if l.pass != nil && driver.Resource(l.pass.res) == rt {
		return
	}
	l.openPass(rt, false, [4]float32{})
}

func (l *commandList) SetGraphicsPipeline(p driver.Pipeline) {
	if !l.recording() {
		return
	}
	l.bindPipeline(&l.graphics, p, vk.PipelineBindPointGraphics)
}

func (l *commandList) SetGraphicsRootConstantBuffer(index uint32, addr driver.GPUAddress) {
	l.graphics.set(index, addr)
}

func (l *commandList) SetGraphicsRootShaderResource(index uint32, addr driver.GPUAddress) {
	l.graphics.set(index, addr)
}

func (l *commandList) SetVertexBuffer(addr driver.GPUAddress, size uint64, stride uint32) {
	if !l.recording() {
		return
	}
	res, off, err := l.dev.resolve(addr)
	if err != nil {
		l.fail(err)
		return
	}
	if off+size > res.size {
		l.fail(fmt.Errorf("%w: vertex buffer view of %d bytes in %q", driver.ErrOutOfBounds, size, res.name))
		return
	}
	if p := l.graphics.pipeline; p != nil && p.stride != stride {
		core.LogDebug("vulkan: vertex stride %d differs from the pipeline layout (%d)", stride, p.stride)
	}
	vk.CmdBindVertexBuffers(l.cb, 0, 1, []vk.Buffer{res.buffer}, []vk.DeviceSize{vk.DeviceSize(off)})
}

func (l *commandList) SetIndexBuffer(addr driver.GPUAddress, size uint64, format driver.Format) {
	if !l.recording() {
		return
	}
	if format != driver.FormatR32Uint {
		l.fail(fmt.Errorf("%w: index format %d", driver.ErrUnsupported, format))
		return
	}
	res, off, err := l.dev.resolve(addr)
	if err != nil {
		l.fail(err)
		return
	}
	if off+size > res.size {
		l.fail(fmt.Errorf("%w: index buffer view of %d bytes in %q", driver.ErrOutOfBounds, size, res.name))
		return
	}
	vk.CmdBindIndexBuffer(l.cb, res.buffer, vk.DeviceSize(off), vk.IndexTypeUint32)
}

// drawable reports whether a draw may be recorded, flushing root
// arguments.
func (l *commandList) drawable() bool {
	if !l.recording() {
		return false
	}
	if l.pass == nil {
		l.fail(fmt.Errorf("vulkan: draw without a render target"))
		return false
	}
	if p := l.graphics.pipeline; p != nil && p.format != l.pass.res.format {
		l.fail(fmt.Errorf("vulkan: pipeline format %d does not match target %q", p.format, l.pass.res.name))
		return false
	}
	return l.flush(&l.graphics, vk.PipelineBindPointGraphics)
}

func (l *commandList) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	if !l.drawable() {
		return
	}
	vk.CmdDrawIndexed(l.cb, indexCount, instanceCount, startIndex, baseVertex, startInstance)
}

func (l *commandList) DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32) {
	if !l.drawable() {
		return
	}
	vk.CmdDraw(l.cb, vertexCount, instanceCount, startVertex, startInstance)
}
