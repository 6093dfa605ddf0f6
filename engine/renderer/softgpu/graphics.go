package softgpu

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// Root parameters read by the rasterizer. The constant buffer holds the
// camera view and projection, the shader resource an array of per
// instance world matrices.
const (
	GraphicsCameraParameter   = 0
	GraphicsInstanceParameter = 1
	instanceMatrixSize        = 64
	positionSemantic          = "POSITION"
	colorSemantic             = "COLOR"
)

type graphicsPipeline struct {
	sig       *rootSignature
	layout    []driver.VertexElement
	format    driver.Format
	depthTest bool
}

func (p *graphicsPipeline) Release() {}

func (p *graphicsPipeline) element(semantic string) (driver.VertexElement, bool) {
	for _, e := range p.layout {
		if e.Semantic == semantic {
			return e, true
		}
	}
	return driver.VertexElement{}, false
}

type vertexBinding struct {
	addr   driver.GPUAddress
	size   uint64
	stride uint32
}

type indexBinding struct {
	addr   driver.GPUAddress
	size   uint64
	format driver.Format
}

func (d *Device) CreateGraphicsPipeline(desc driver.GraphicsPipelineDesc) (driver.Pipeline, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if len(desc.VertexShader) == 0 || len(desc.PixelShader) == 0 {
		return nil, fmt.Errorf("softgpu: graphics pipeline needs vertex and pixel shaders")
	}
	sig, _ := desc.Signature.(*rootSignature)
	if sig == nil {
		return nil, fmt.Errorf("softgpu: graphics pipeline needs a root signature")
	}
	p := &graphicsPipeline{sig: sig, layout: desc.InputLayout, format: desc.TargetFormat, depthTest: desc.DepthTest}
	pos, ok := p.element(positionSemantic)
	if !ok || pos.Format != driver.FormatR32G32B32Float {
		return nil, fmt.Errorf("softgpu: input layout needs a %s element of R32G32B32_FLOAT", positionSemantic)
	}
	return p, nil
}

func (cl *commandList) SetRenderTarget(rt driver.Resource) {
	r, err := asResource(rt)
	if err != nil {
		cl.fail(err)
		return
	}
	if r.desc.Flags&driver.ResourceFlagAllowRenderTarget == 0 || r.desc.Dimension != driver.DimensionTexture2D {
		cl.fail(fmt.Errorf("softgpu: %q cannot be bound as a render target", r.Name()))
		return
	}
	cl.record("OMSetRenderTargets", func(st *execState) error {
		st.target = r
		return nil
	})
}

func (cl *commandList) SetGraphicsPipeline(p driver.Pipeline) {
	gp, ok := p.(*graphicsPipeline)
	if !ok || gp == nil {
		cl.fail(fmt.Errorf("softgpu: %T is not a graphics pipeline", p))
		return
	}
	cl.record("SetPipelineState", func(st *execState) error {
		st.graphics = gp
		return nil
	})
}

func (cl *commandList) SetGraphicsRootConstantBuffer(index uint32, addr driver.GPUAddress) {
	cl.record("SetGraphicsRootConstantBufferView", func(st *execState) error {
		st.graphicsCBV[index] = addr
		return nil
	})
}

func (cl *commandList) SetGraphicsRootShaderResource(index uint32, addr driver.GPUAddress) {
	cl.record("SetGraphicsRootShaderResourceView", func(st *execState) error {
		st.graphicsSRV[index] = addr
		return nil
	})
}

func (cl *commandList) SetVertexBuffer(addr driver.GPUAddress, size uint64, stride uint32) {
	if stride == 0 {
		cl.fail(fmt.Errorf("softgpu: vertex buffer with zero stride"))
		return
	}
	cl.record("IASetVertexBuffers", func(st *execState) error {
		st.vertex = vertexBinding{addr: addr, size: size, stride: stride}
		return nil
	})
}

func (cl *commandList) SetIndexBuffer(addr driver.GPUAddress, size uint64, format driver.Format) {
	if format != driver.FormatR32Uint {
		cl.fail(fmt.Errorf("softgpu: index format %d is not supported", format))
		return
	}
	cl.record("IASetIndexBuffer", func(st *execState) error {
		st.index = indexBinding{addr: addr, size: size, format: format}
		return nil
	})
}

func (cl *commandList) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	if indexCount%3 != 0 {
		cl.fail(fmt.Errorf("softgpu: index count %d is not a triangle list", indexCount))
		return
	}
	cl.record("DrawIndexedInstanced", func(st *execState) error {
		if st.index.addr == 0 {
			return fmt.Errorf("softgpu: indexed draw without an index buffer")
		}
		if uint64(startIndex+indexCount)*4 > st.index.size {
			return fmt.Errorf("%w: draw reads %d indices from a buffer of %d bytes", driver.ErrOutOfBounds, startIndex+indexCount, st.index.size)
		}
		raw, err := st.dev.read(st.index.addr+driver.GPUAddress(startIndex)*4, uint64(indexCount)*4)
		if err != nil {
			return err
		}
		indices := make([]int64, indexCount)
		for i := range indices {
			indices[i] = int64(binary.LittleEndian.Uint32(raw[i*4:])) + int64(baseVertex)
		}
		return st.draw(indices, instanceCount, startInstance)
	})
}

func (cl *commandList) DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32) {
	if vertexCount%3 != 0 {
		cl.fail(fmt.Errorf("softgpu: vertex count %d is not a triangle list", vertexCount))
		return
	}
	cl.record("DrawInstanced", func(st *execState) error {
		indices := make([]int64, vertexCount)
		for i := range indices {
			indices[i] = int64(startVertex) + int64(i)
		}
		return st.draw(indices, instanceCount, startInstance)
	})
}

type rasterVertex struct {
	x, y, z float32
	color   math.Vec3
}

func (st *execState) draw(indices []int64, instanceCount, startInstance uint32) error {
	gp := st.graphics
	if gp == nil {
		return fmt.Errorf("softgpu: draw without a graphics pipeline")
	}
	rt := st.target
	if rt == nil {
		return fmt.Errorf("softgpu: draw without a render target")
	}
	if err := rt.expect(driver.StateRenderTarget); err != nil {
		return err
	}
	if st.vertex.stride == 0 {
		return fmt.Errorf("softgpu: draw without a vertex buffer")
	}
	camAddr, ok := st.graphicsCBV[GraphicsCameraParameter]
	if !ok {
		return fmt.Errorf("softgpu: draw without camera constants")
	}
	cb, err := st.dev.read(camAddr, 2*instanceMatrixSize)
	if err != nil {
		return err
	}
	viewProj := math.Mat4FromBytes(cb).Mul(math.Mat4FromBytes(cb[instanceMatrixSize:]))

	world := func(uint32) (math.Mat4, error) { return math.NewMat4Identity(), nil }
	if addr, ok := st.graphicsSRV[GraphicsInstanceParameter]; ok {
		world = func(i uint32) (math.Mat4, error) {
			b, err := st.dev.read(addr+driver.GPUAddress(i)*instanceMatrixSize, instanceMatrixSize)
			if err != nil {
				return math.Mat4{}, err
			}
			return math.Mat4FromBytes(b), nil
		}
	}

	pos, _ := gp.element(positionSemantic)
	col, hasColor := gp.element(colorSemantic)
	w, h := float32(rt.desc.Width), float32(rt.desc.Height)

	for inst := startInstance; inst < startInstance+max(instanceCount, 1); inst++ {
		model, err := world(inst)
		if err != nil {
			return err
		}
		mvp := model.Mul(viewProj)
		verts := make([]rasterVertex, len(indices))
		for i, vi := range indices {
			if vi < 0 {
				return fmt.Errorf("softgpu: negative vertex index %d", vi)
			}
			base := uint64(vi) * uint64(st.vertex.stride)
			if base+uint64(st.vertex.stride) > st.vertex.size {
				return fmt.Errorf("%w: vertex %d beyond a buffer of %d bytes", driver.ErrOutOfBounds, vi, st.vertex.size)
			}
			raw, err := st.dev.read(st.vertex.addr+driver.GPUAddress(base), uint64(st.vertex.stride))
			if err != nil {
				return err
			}
			p := readVec3(raw[pos.Offset:]).ToVec4(1).Transform(mvp)
			if p.W <= 0 {
				p.W = 1e-6
			}
			v := rasterVertex{
				x:     (p.X/p.W*0.5 + 0.5) * w,
				y:     (0.5 - p.Y/p.W*0.5) * h,
				z:     p.Z / p.W,
				color: math.NewVec3One(),
			}
			if hasColor {
				v.color = readVec3(raw[col.Offset:])
			}
			verts[i] = v
		}
		for t := 0; t+2 < len(verts); t += 3 {
			st.rasterize(rt, gp, verts[t], verts[t+1], verts[t+2])
		}
	}
	st.dev.draws.Add(1)
	return nil
}

func edge(a, b rasterVertex, x, y float32) float32 {
	return (b.x-a.x)*(y-a.y) - (b.y-a.y)*(x-a.x)
}

func (st *execState) rasterize(rt *resource, gp *graphicsPipeline, a, b, c rasterVertex) {
	area := edge(a, b, c.x, c.y)
	if area == 0 {
		return
	}
	width, height := int(rt.desc.Width), int(rt.desc.Height)
	minX := max(0, int(gomath.Floor(float64(min(a.x, b.x, c.x)))))
	maxX := min(width-1, int(gomath.Ceil(float64(max(a.x, b.x, c.x)))))
	minY := max(0, int(gomath.Floor(float64(min(a.y, b.y, c.y)))))
	maxY := min(height-1, int(gomath.Ceil(float64(max(a.y, b.y, c.y)))))

	depth := st.depth[rt]
	if gp.depthTest && depth == nil {
		depth = make([]float32, width*height)
		for i := range depth {
			depth[i] = 1
		}
		st.depth[rt] = depth
	}
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			px, py := float32(x)+0.5, float32(y)+0.5
			w0 := edge(b, c, px, py) / area
			w1 := edge(c, a, px, py) / area
			w2 := edge(a, b, px, py) / area
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			z := w0*a.z + w1*b.z + w2*c.z
			if z < 0 || z > 1 {
				continue
			}
			i := y*width + x
			if gp.depthTest {
				if z >= depth[i] {
					continue
				}
				depth[i] = z
			}
			color := a.color.MulScalar(w0).Add(b.color.MulScalar(w1)).Add(c.color.MulScalar(w2))
			texel := packColor(rt.desc.Format, [4]float32{color.X, color.Y, color.Z, 1})
			copy(rt.mem[i*4:i*4+4], texel[:])
		}
	}
}
