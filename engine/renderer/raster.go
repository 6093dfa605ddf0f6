package renderer

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

// Root parameters of the raster signature.
const (
	rasterCameraParameter   = 0
	rasterInstanceParameter = 1
)

type rasterPass struct {
	c        *Context
	sig      driver.RootSignature
	pipeline driver.Pipeline
}

func newRasterPass(c *Context) (*rasterPass, error) {
	sig, err := c.dev.CreateRootSignature(driver.RootSignatureDesc{Parameters: []driver.RootParameter{
		rasterCameraParameter:   {Type: driver.RootParameterCBV, Register: 0},
		rasterInstanceParameter: {Type: driver.RootParameterSRV, Register: 0},
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to create the raster root signature: %w", err)
	}
	p := &rasterPass{c: c, sig: sig}
	if err := p.reload(); err != nil {
		if !errors.Is(err, driver.ErrUnsupported) {
			sig.Release()
			return nil, err
		}
		core.LogWarn("raster pipeline unavailable, frames are only cleared: %s", err.Error())
	}
	return p, nil
}

// reload creates the pipeline from the current shader bytecode and
// replaces the previous one. The GPU must be idle.
func (p *rasterPass) reload() error {
	c := p.c
	file := c.shaderPath(c.sourceOr(c.cfg.RasterShader, rasterShaderFile))
	vs, err := c.shaders.Get(file, vertexEntry, vertexProfile)
	if err != nil {
		return err
	}
	ps, err := c.shaders.Get(file, pixelEntry, pixelProfile)
	if err != nil {
		return err
	}
	pipeline, err := c.dev.CreateGraphicsPipeline(driver.GraphicsPipelineDesc{
		Signature:    p.sig,
		VertexShader: vs,
		VertexEntry:  vertexEntry,
		PixelShader:  ps,
		PixelEntry:   pixelEntry,
		InputLayout: []driver.VertexElement{
			{Semantic: "POSITION", Format: driver.FormatR32G32B32Float, Offset: 0},
			{Semantic: "COLOR", Format: driver.FormatR32G32B32A32Float, Offset: metadata.VertexColorOffset},
		},
		TargetFormat: driver.FormatR8G8B8A8Unorm,
		DepthTest:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to create the raster pipeline: %w", err)
	}
	if p.pipeline != nil {
		p.pipeline.Release()
	}
	p.pipeline = pipeline
	return nil
}

// record draws every instance into bb, which must be a bound render
// target already cleared.
func (p *rasterPass) record(cl driver.CommandList, slot uint32, bb driver.Resource) {
	if p.pipeline == nil {
		return
	}
	s := p.c.scene
	constants := s.frameConstants(slot).GPUAddress()

	cl.SetRenderTarget(bb)
	cl.SetGraphicsPipeline(p.pipeline)
	cl.SetGraphicsRootConstantBuffer(rasterCameraParameter, constants+cameraConstantsOffset)
	cl.SetGraphicsRootShaderResource(rasterInstanceParameter, constants+worldMatricesOffset)
	for i, m := range s.meshes {
		first, count := s.instancesOf(i)
		if count == 0 {
			continue
		}
		cl.SetVertexBuffer(m.vertices.GPUAddress(), m.vertices.Desc().Width, metadata.VertexSize)
		cl.SetIndexBuffer(m.indices.GPUAddress(), m.indices.Desc().Width, driver.FormatR32Uint)
		cl.DrawIndexedInstanced(m.geometry.IndexCount(), count, 0, 0, first)
	}
}

func (p *rasterPass) Release() {
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
	if p.sig != nil {
		p.sig.Release()
		p.sig = nil
	}
}
