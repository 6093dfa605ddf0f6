package renderer

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/components"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/frames"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/sbt"
)

// tableExports names the programs the binding table references.
type tableExports struct {
	rayGen     string
	miss       string
	shadowMiss string
	hit        string
	shadowHit  string
}

var tutorialExports = tableExports{
	rayGen:     pipeline.RayGen,
	miss:       pipeline.Miss,
	shadowMiss: pipeline.ShadowMiss,
	hit:        pipeline.HitGroup,
	shadowHit:  pipeline.ShadowHitGroup,
}

type raytracePass struct {
	c *Context

	sigs   *pipeline.Signatures
	so     driver.StateObject
	table  *sbt.Table
	heap   driver.DescriptorHeap
	output driver.Resource
	// outputState is the state the output was left in by the last frame.
	outputState driver.ResourceState
}

/**
 * @brief Creates the state object, the output texture, the descriptor
 * heap and the binding table. Every slot gets its own descriptor table so
 * the ray generation record of a slot reads that slot's camera.
 */
func newRaytracePass(c *Context) (*raytracePass, error) {
	p := &raytracePass{c: c, outputState: driver.StateCopySource}
	ok := false
	defer func() {
		if !ok {
			p.Release()
		}
	}()

	var err error
	if p.sigs, err = pipeline.CreateSignatures(c.dev); err != nil {
		return nil, fmt.Errorf("failed to create the ray tracing signatures: %w", err)
	}
	p.output, err = c.dev.CreateCommittedResource(driver.HeapDefault,
		driver.Texture2DDesc(c.cfg.Width, c.cfg.Height, driver.FormatR8G8B8A8Unorm, driver.ResourceFlagAllowUnorderedAccess),
		driver.StateCopySource)
	if err != nil {
		return nil, fmt.Errorf("failed to create the ray tracing output: %w", err)
	}
	p.output.SetName("raytracing output")

	p.heap, err = c.dev.CreateDescriptorHeap(driver.DescriptorHeapCBVSRVUAV, c.cfg.FrameCount*pipeline.TableSize, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create the descriptor heap: %w", err)
	}
	for slot := uint32(0); slot < c.cfg.FrameCount; slot++ {
		base := slot * pipeline.TableSize
		p.heap.CreateUnorderedAccessView(base+pipeline.OutputSlot, p.output)
		p.heap.CreateAccelerationStructureView(base+pipeline.SceneSlot, c.scene.tlas.GPUAddress())
		p.heap.CreateConstantBufferView(base+pipeline.CameraSlot, c.scene.frameConstants(slot).GPUAddress()+cameraConstantsOffset, components.CameraConstantsSize)
	}

	if err := p.reload(); err != nil {
		return nil, err
	}
	ok = true
	return p, nil
}

// tableHandle is the GPU handle of the descriptor table of slot.
func (p *raytracePass) tableHandle(slot uint32) uint64 {
	return uint64(p.heap.GPUStart()) + uint64(slot*pipeline.TableSize*p.heap.IncrementSize())
}

// reload rebuilds the state object and the binding table. The GPU must be
// idle.
func (p *raytracePass) reload() error {
	c := p.c
	var libs [4][]byte
	for i, file := range []string{rayGenShaderFile, missShaderFile, hitShaderFile, shadowShaderFile} {
		code, err := c.library(file)
		if err != nil {
			return err
		}
		libs[i] = code
	}
	so, err := pipeline.Tutorial(libs[0], libs[1], libs[2], libs[3], p.sigs).Generate(c.dev)
	if err != nil {
		return err
	}
	table, err := p.buildTable(so, tutorialExports)
	if err != nil {
		so.Release()
		return err
	}
	p.releasePipeline()
	p.so, p.table = so, table
	core.LogDebug("binding table:\n%s", table.Layout.Table())
	return nil
}

/**
 * @brief Packs one ray generation record per slot, the primary and shadow
 * miss programs and RecordsPerInstance hit group records per instance.
 * Shadows are traced only when every instance owns a shadow record.
 */
func (p *raytracePass) buildTable(props sbt.Properties, names tableExports) (*sbt.Table, error) {
	c := p.c
	s := c.scene
	g := &sbt.Generator{}
	for slot := uint32(0); slot < c.cfg.FrameCount; slot++ {
		g.AddRayGenProgram(names.rayGen, p.tableHandle(slot))
	}
	g.AddMissProgram(names.miss)
	g.AddMissProgram(names.shadowMiss)

	rpi := s.builder.RecordsPerInstance()
	shadows := uint64(0)
	if rpi >= 2 {
		shadows = uint64(s.tlas.GPUAddress())
	}
	for _, pl := range s.placements {
		m := s.meshes[pl.mesh]
		g.AddHitGroup(names.hit, uint64(m.vertices.GPUAddress()), uint64(m.indices.GPUAddress()), shadows)
		for r := uint32(1); r < rpi; r++ {
			g.AddHitGroup(names.shadowHit)
		}
	}
	return g.Build(c.dev, props)
}

// record traces the scene into the output texture and copies it to bb.
func (p *raytracePass) record(cl driver.CommandList, slot *frames.Slot, bb driver.Resource) error {
	c := p.c
	desc, err := p.table.RayGenDispatchDesc(slot.Index, c.cfg.Width, c.cfg.Height, 1)
	if err != nil {
		return err
	}
	if err := c.scene.tlas.Refit(cl, c.scene.instances); err != nil {
		return err
	}
	if p.outputState != driver.StateUnorderedAccess {
		cl.Transition(p.output, p.outputState, driver.StateUnorderedAccess)
	}
	cl.SetDescriptorHeaps(p.heap)
	cl.SetRaytracingPipeline(p.so)
	cl.DispatchRays(desc)
	cl.Transition(p.output, driver.StateUnorderedAccess, driver.StateCopySource)
	p.outputState = driver.StateCopySource

	c.transitionBackBuffer(slot, bb, driver.StateCopyDest)
	cl.CopyResource(bb, p.output)
	return nil
}

// releasePipeline frees the objects rebuilt by reload.
func (p *raytracePass) releasePipeline() {
	if p.table != nil {
		p.table.Release()
		p.table = nil
	}
	if p.so != nil {
		p.so.Release()
		p.so = nil
	}
}

func (p *raytracePass) Release() {
	p.releasePipeline()
	if p.heap != nil {
		p.heap.Release()
		p.heap = nil
	}
	if p.output != nil {
		p.output.Release()
		p.output = nil
	}
	if p.sigs != nil {
		p.sigs.Release()
		p.sigs = nil
	}
}
