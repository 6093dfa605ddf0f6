package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

/**
 * @brief A root signature as one descriptor set. Root parameter i is
 * binding i of set 0; descriptor tables have no equivalent here.
 */
type rootSignature struct {
	dev    *Device
	desc   driver.RootSignatureDesc
	types  []vk.DescriptorType
	set    vk.DescriptorSetLayout
	layout vk.PipelineLayout
}

var _ driver.RootSignature = (*rootSignature)(nil)

func (d *Device) CreateRootSignature(desc driver.RootSignatureDesc) (driver.RootSignature, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if desc.Local {
		return nil, fmt.Errorf("%w: local root signatures", driver.ErrRaytracingUnsupported)
	}
	s := &rootSignature{dev: d, desc: desc}
	bindings := make([]vk.DescriptorSetLayoutBinding, len(desc.Parameters))
	for i, p := range desc.Parameters {
		t, ok := descriptorType(p.Type)
		if !ok {
			err := fmt.Errorf("%w: root parameter %d is a descriptor table", driver.ErrUnsupported, i)
			core.LogError(err.Error())
			return nil, err
		}
		s.types = append(s.types, t)
		bindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         uint32(i),
			DescriptorType:  t,
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageAll),
		}
	}
	err := d.locks.safeCall(pipelineManagement, func() error {
		setInfo := vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: uint32(len(bindings)),
			PBindings:    bindings,
		}
		if err := resultError("vkCreateDescriptorSetLayout", vk.CreateDescriptorSetLayout(d.logical, &setInfo, nil, &s.set)); err != nil {
			return err
		}
		layoutInfo := vk.PipelineLayoutCreateInfo{
			SType:          vk.StructureTypePipelineLayoutCreateInfo,
			SetLayoutCount: 1,
			PSetLayouts:    []vk.DescriptorSetLayout{s.set},
		}
		return resultError("vkCreatePipelineLayout", vk.CreatePipelineLayout(d.logical, &layoutInfo, nil, &s.layout))
	})
	if err != nil {
		s.Release()
		core.LogError(err.Error())
		return nil, err
	}
	return s, nil
}

func asRootSignature(sig driver.RootSignature) (*rootSignature, error) {
	s, ok := sig.(*rootSignature)
	if !ok || s == nil {
		return nil, fmt.Errorf("vulkan: foreign root signature %T", sig)
	}
	return s, nil
}

func (s *rootSignature) Desc() driver.RootSignatureDesc { return s.desc }

func (s *rootSignature) Release() {
	_ = s.dev.locks.safeCall(pipelineManagement, func() error {
		if s.layout != nil {
			vk.DestroyPipelineLayout(s.dev.logical, s.layout, nil)
			s.layout = nil
		}
		if s.set != nil {
			vk.DestroyDescriptorSetLayout(s.dev.logical, s.set, nil)
			s.set = nil
		}
		return nil
	})
}

// pipeline is a graphics or compute pipeline and the signature it was
// created against.
type pipeline struct {
	dev       *Device
	handle    vk.Pipeline
	sig       *rootSignature
	bindPoint vk.PipelineBindPoint
	// format is the color format graphics pipelines render to.
	format vk.Format
	stride uint32
}

var _ driver.Pipeline = (*pipeline)(nil)

func asPipeline(p driver.Pipeline, bindPoint vk.PipelineBindPoint) (*pipeline, error) {
	pl, ok := p.(*pipeline)
	if !ok || pl == nil {
		return nil, fmt.Errorf("vulkan: foreign pipeline %T", p)
	}
	if pl.bindPoint != bindPoint {
		return nil, fmt.Errorf("vulkan: pipeline bound at the wrong bind point")
	}
	return pl, nil
}

func (d *Device) shaderModule(code []byte, entry string) (vk.ShaderModule, error) {
	if !isSPIRV(code) {
		return nil, fmt.Errorf("%w: %q is not SPIR-V bytecode", driver.ErrUnsupported, entry)
	}
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    spirvWords(code),
	}
	var module vk.ShaderModule
	if err := resultError("vkCreateShaderModule", vk.CreateShaderModule(d.logical, &info, nil, &module)); err != nil {
		return nil, err
	}
	return module, nil
}

func stage(module vk.ShaderModule, bit vk.ShaderStageFlagBits, entry string) vk.PipelineShaderStageCreateInfo {
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  bit,
		Module: module,
		PName:  safeString(entry),
	}
}

func (d *Device) CreateComputePipeline(desc driver.ComputePipelineDesc) (driver.Pipeline, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	sig, err := asRootSignature(desc.Signature)
	if err != nil {
		return nil, err
	}
	module, err := d.shaderModule(desc.Bytecode, desc.EntryPoint)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	defer vk.DestroyShaderModule(d.logical, module, nil)

	p := &pipeline{dev: d, sig: sig, bindPoint: vk.PipelineBindPointCompute}
	info := vk.ComputePipelineCreateInfo{
		SType:              vk.StructureTypeComputePipelineCreateInfo,
		Stage:              stage(module, vk.ShaderStageComputeBit, desc.EntryPoint),
		Layout:             sig.layout,
		BasePipelineHandle: vk.NullPipeline,
		BasePipelineIndex:  -1,
	}
	handles := make([]vk.Pipeline, 1)
	err = d.locks.safeCall(pipelineManagement, func() error {
		return resultError("vkCreateComputePipelines", vk.CreateComputePipelines(d.logical, vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{info}, nil, handles))
	})
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	p.handle = handles[0]
	core.LogDebug("Compute pipeline %q created.", desc.EntryPoint)
	return p, nil
}

// vertexStride is the end of the furthest input element.
func vertexStride(layout []driver.VertexElement) uint32 {
	var stride uint32
	for _, e := range layout {
		stride = max(stride, e.Offset+uint32(e.Format.BytesPerPixel()))
	}
	return stride
}

/**
 * @brief Creates a graphics pipeline drawing triangle lists into
 * TargetFormat. Input element i is vertex attribute location i. A target
 * that differs from the surface only in channel order is built against
 * the surface format so it can draw straight into the back buffers.
 */
func (d *Device) CreateGraphicsPipeline(desc driver.GraphicsPipelineDesc) (driver.Pipeline, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	sig, err := asRootSignature(desc.Signature)
	if err != nil {
		return nil, err
	}
	format := vkFormat(desc.TargetFormat)
	d.mu.RLock()
	if surface := d.surfaceFormat; surface != vk.FormatUndefined && swizzled(format, surface) {
		format = surface
	}
	d.mu.RUnlock()
	rp, err := d.renderPass(format, false)
	if err != nil {
		return nil, err
	}

	vs, err := d.shaderModule(desc.VertexShader, desc.VertexEntry)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	defer vk.DestroyShaderModule(d.logical, vs, nil)
	ps, err := d.shaderModule(desc.PixelShader, desc.PixelEntry)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	defer vk.DestroyShaderModule(d.logical, ps, nil)

	p := &pipeline{dev: d, sig: sig, bindPoint: vk.PipelineBindPointGraphics, format: format, stride: vertexStride(desc.InputLayout)}

	attributes := make([]vk.VertexInputAttributeDescription, len(desc.InputLayout))
	for i, e := range desc.InputLayout {
		attributes[i] = vk.VertexInputAttributeDescription{
			Location: uint32(i),
			Binding:  0,
			Format:   vkFormat(e.Format),
			Offset:   e.Offset,
		}
	}
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                         vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount: 1,
		PVertexBindingDescriptions: []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    p.stride,
			InputRate: vk.VertexInputRateVertex,
		}},
		VertexAttributeDescriptionCount: uint32(len(attributes)),
		PVertexAttributeDescriptions:    attributes,
	}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: vk.PrimitiveTopologyTriangleList,
	}
	// Viewport and scissor are dynamic, set when a pass begins.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		CullMode:    vk.CullModeFlags(vk.CullModeNone),
		FrontFace:   vk.FrontFaceClockwise,
		LineWidth:   1.0,
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}
	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType: vk.StructureTypePipelineDepthStencilStateCreateInfo,
	}
	if desc.DepthTest {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthWriteEnable = vk.True
		depthStencil.DepthCompareOp = vk.CompareOpLess
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: 1,
		PAttachments: []vk.PipelineColorBlendAttachmentState{{
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit |
				vk.ColorComponentBBit | vk.ColorComponentABit),
		}},
	}
	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	dynamic := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}
	stages := []vk.PipelineShaderStageCreateInfo{
		stage(vs, vk.ShaderStageVertexBit, desc.VertexEntry),
		stage(ps, vk.ShaderStageFragmentBit, desc.PixelEntry),
	}
	info := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisample,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamic,
		Layout:              sig.layout,
		RenderPass:          rp,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}
	handles := make([]vk.Pipeline, 1)
	err = d.locks.safeCall(pipelineManagement, func() error {
		return resultError("vkCreateGraphicsPipelines", vk.CreateGraphicsPipelines(d.logical, vk.NullPipelineCache, 1, []vk.GraphicsPipelineCreateInfo{info}, nil, handles))
	})
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	p.handle = handles[0]
	core.LogDebug("Graphics pipeline created!")
	return p, nil
}

func (p *pipeline) Release() {
	_ = p.dev.locks.safeCall(pipelineManagement, func() error {
		if p.handle != nil {
			vk.DestroyPipeline(p.dev.logical, p.handle, nil)
			p.handle = nil
		}
		return nil
	})
}
