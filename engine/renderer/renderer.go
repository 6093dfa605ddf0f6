// Package renderer drives the frame loop of the sample: it paces frames
// with the fence tracker, keeps the scene acceleration structures current
// and records either the raster or the ray tracing path every frame.
package renderer

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/components"
	"github.com/spaghettifunk/lumen/engine/renderer/compute"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/frames"
	"github.com/spaghettifunk/lumen/engine/renderer/sbt"
	"github.com/spaghettifunk/lumen/engine/renderer/upload"
)

type Mode int

const (
	ModeRaster Mode = iota
	ModeRaytrace
)

func (m Mode) String() string {
	switch m {
	case ModeRaster:
		return "raster"
	case ModeRaytrace:
		return "raytrace"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "raster", "":
		return ModeRaster, nil
	case "raytrace", "raytracing":
		return ModeRaytrace, nil
	}
	return ModeRaster, fmt.Errorf("unknown render mode %q", s)
}

var ErrNotRunning = errors.New("renderer is not running")

// Features selects the parts of the sample that are set up.
type Features struct {
	Raster   bool
	Compute  bool
	Raytrace bool
}

type Config struct {
	Width      uint32
	Height     uint32
	FrameCount uint32
	Mode       Mode
	Features   Features
	// RecordsPerInstance is the number of hit group records of every
	// instance. Shadow rays need at least two.
	RecordsPerInstance uint32
	ClearColor         [4]float32
	ShaderDir          string
	// RasterShader and ComputeShader override the default HLSL sources,
	// for backends consuming SPIR-V compiled from WGSL.
	RasterShader   string
	ComputeShader  string
	Particles      int
	CameraPosition math.Vec3
}

// ShaderSource returns compiled bytecode. shaders.Library satisfies it.
type ShaderSource interface {
	Get(path, entry, profile string) ([]byte, error)
}

type Stats struct {
	Frames           uint64
	LastFenceValue   uint64
	Mode             Mode
	ComputeIteration uint64
}

type Context struct {
	cfg     Config
	dev     driver.Device
	shaders ShaderSource

	queue     driver.Queue
	swapchain driver.Swapchain
	tracker   *frames.Tracker
	releases  *frames.ReleaseQueue
	list      driver.CommandList
	uploader  *upload.Uploader
	camera    *components.Camera

	scene  *scene
	raster *rasterPass
	rt     *raytracePass
	worker *compute.Worker

	// owned is released in reverse order on shutdown.
	owned []driver.Releaser

	mode    Mode
	running bool
	frames  uint64
}

func (c *Context) own(r driver.Releaser) {
	c.owned = append(c.owned, r)
}

/**
 * @brief Creates every device object of the sample, uploads the scene and
 * builds the acceleration structures. The setup list is executed and
 * waited before returning, so the first frame starts with an idle GPU.
 */
func New(ctx context.Context, dev driver.Device, shaders ShaderSource, cfg Config) (*Context, error) {
	c := &Context{cfg: cfg, dev: dev, shaders: shaders, mode: cfg.Mode}
	if err := c.initialize(ctx); err != nil {
		core.LogError(err.Error())
		c.release()
		return nil, err
	}
	c.running = true
	core.LogInfo("renderer ready on %s: %dx%d, %d frames in flight, %s mode", dev.Features().Name, cfg.Width, cfg.Height, cfg.FrameCount, c.mode)
	return c, nil
}

func (c *Context) initialize(ctx context.Context) error {
	cfg := c.cfg
	if cfg.Features.Raytrace && !c.dev.Features().Raytracing() {
		return driver.ErrRaytracingUnsupported
	}
	if cfg.Mode == ModeRaytrace && !cfg.Features.Raytrace {
		return fmt.Errorf("ray tracing mode requested with the raytrace feature disabled")
	}
	if cfg.FrameCount < 2 {
		return fmt.Errorf("at least two frames in flight are required, got %d", cfg.FrameCount)
	}

	var err error
	if c.queue, err = c.dev.CreateCommandQueue(driver.QueueDirect); err != nil {
		return fmt.Errorf("failed to create the direct queue: %w", err)
	}
	c.own(c.queue)
	c.swapchain, err = c.dev.CreateSwapchain(c.queue, driver.SwapchainDesc{
		Width:       cfg.Width,
		Height:      cfg.Height,
		Format:      driver.FormatR8G8B8A8Unorm,
		BufferCount: cfg.FrameCount,
	})
	if err != nil {
		return fmt.Errorf("failed to create the swapchain: %w", err)
	}
	c.own(c.swapchain)
	if c.tracker, err = frames.NewTracker(c.dev, c.swapchain, cfg.FrameCount); err != nil {
		return err
	}
	c.releases = frames.NewReleaseQueue()
	if c.list, err = c.dev.CreateCommandList(driver.QueueDirect, c.tracker.Slot(0).Allocator); err != nil {
		return fmt.Errorf("failed to create the command list: %w", err)
	}
	c.own(c.list)
	c.uploader = upload.New(c.dev)
	c.camera = components.NewCamera(cfg.CameraPosition, float32(cfg.Width)/float32(cfg.Height))

	if c.scene, err = newScene(c, cfg.Features.Raytrace); err != nil {
		return err
	}
	c.own(c.scene)

	if cfg.Features.Raster {
		if c.raster, err = newRasterPass(c); err != nil {
			return err
		}
		c.own(c.raster)
	}
	if cfg.Features.Raytrace {
		if c.rt, err = newRaytracePass(c); err != nil {
			return err
		}
		c.own(c.rt)
	}

	if err := c.list.Close(); err != nil {
		return fmt.Errorf("failed to record the setup commands: %w", err)
	}
	if err := c.queue.Execute(c.list); err != nil {
		return err
	}
	value, err := c.tracker.SignalSubmitted(0, c.queue)
	if err != nil {
		return err
	}
	if err := c.uploader.RetireAfter(value, c.releases); err != nil {
		return err
	}
	if c.scene.tlas != nil {
		if err := c.scene.tlas.RetireAfter(value, c.releases); err != nil {
			return err
		}
	}
	if err := c.tracker.Drain(ctx); err != nil {
		return err
	}
	c.releases.Collect(c.tracker.Fence().CompletedValue())

	if cfg.Features.Compute {
		if err := c.startCompute(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) startCompute() error {
	code, err := c.shaders.Get(c.shaderPath(c.sourceOr(c.cfg.ComputeShader, computeShaderFile)), compute.DefaultEntryPoint, computeProfile)
	if err != nil {
		return err
	}
	w, err := compute.NewWorker(c.dev, compute.Config{
		Bytecode:   code,
		EntryPoint: compute.DefaultEntryPoint,
		Particles:  particleGrid(c.cfg.Particles),
	})
	if err != nil {
		return err
	}
	c.worker = w
	return w.Start()
}

// particleGrid spreads n particles on a square in the upper half of the
// simulation volume.
func particleGrid(n int) []compute.Particle {
	n = max(n, 1)
	side := 1
	for side*side < n {
		side++
	}
	ps := make([]compute.Particle, n)
	for i := range ps {
		x := -0.9 + 1.8*float32(i%side)/float32(side)
		z := -0.9 + 1.8*float32(i/side)/float32(side)
		ps[i] = compute.Particle{Position: math.NewVec4(x, 0.9, z, 1)}
	}
	return ps
}

func (c *Context) Camera() *components.Camera {
	return c.camera
}

// TableLayout returns the layout of the shader binding table, false when
// ray tracing is disabled.
func (c *Context) TableLayout() (sbt.Layout, bool) {
	if c.rt == nil || c.rt.table == nil {
		return sbt.Layout{}, false
	}
	return c.rt.table.Layout, true
}

func (c *Context) Device() driver.Device {
	return c.dev
}

func (c *Context) Mode() Mode {
	return c.mode
}

func (c *Context) Running() bool {
	return c.running
}

// ToggleMode switches between raster and ray tracing. It reports whether
// the mode changed.
func (c *Context) ToggleMode() bool {
	next := ModeRaster
	if c.mode == ModeRaster {
		next = ModeRaytrace
	}
	if next == ModeRaytrace && c.rt == nil {
		core.LogWarn("ray tracing is not available on %s", c.dev.Features().Name)
		return false
	}
	if next == ModeRaster && c.raster == nil && c.rt != nil {
		core.LogWarn("raster feature disabled, staying in ray tracing mode")
		return false
	}
	c.mode = next
	core.LogInfo("render mode: %s", c.mode)
	core.EventFire(core.EventContext{
		Type: core.EVENT_CODE_RENDER_MODE_CHANGED,
		Data: &core.RenderModeEvent{Raster: c.mode == ModeRaster},
	})
	return true
}

func (c *Context) Stats() Stats {
	s := Stats{Frames: c.frames, Mode: c.mode}
	if c.tracker != nil {
		s.LastFenceValue = c.tracker.LastValue()
	}
	if c.worker != nil {
		s.ComputeIteration = c.worker.Snapshot().Iteration
	}
	return s
}

/**
 * @brief Renders one frame. Any failure stops the renderer: the error is
 * logged, returned, and every later call returns ErrNotRunning.
 */
func (c *Context) Frame(ctx context.Context, deltaTime float64) error {
	if !c.running {
		return ErrNotRunning
	}
	if err := c.frame(ctx, deltaTime); err != nil {
		c.running = false
		err = fmt.Errorf("frame %d failed: %w", c.frames, err)
		core.LogError(err.Error())
		return err
	}
	c.frames++
	return nil
}

func (c *Context) frame(ctx context.Context, deltaTime float64) error {
	idx, err := c.tracker.WaitForSlot(ctx, c.swapchain.CurrentBackBufferIndex())
	if err != nil {
		return err
	}
	c.releases.Collect(c.tracker.Fence().CompletedValue())

	slot := c.tracker.Slot(idx)
	if err := slot.Allocator.Reset(); err != nil {
		return err
	}
	if err := c.list.Reset(slot.Allocator); err != nil {
		return err
	}

	c.scene.update(float32(deltaTime))
	if err := c.scene.writeFrameConstants(idx, c.camera.Constants()); err != nil {
		return err
	}

	bb := c.swapchain.BackBuffer(idx)
	switch c.mode {
	case ModeRaytrace:
		// the instance buffer is shared by every slot
		if err := c.tracker.Drain(ctx); err != nil {
			return err
		}
		if err := c.rt.record(c.list, slot, bb); err != nil {
			return err
		}
	default:
		c.recordRaster(slot, bb)
	}
	if slot.BackBufferState != driver.StatePresent {
		c.list.Transition(bb, slot.BackBufferState, driver.StatePresent)
		slot.BackBufferState = driver.StatePresent
	}
	if err := c.list.Close(); err != nil {
		return err
	}

	if c.worker != nil {
		snap := c.worker.Snapshot()
		if err := c.queue.Wait(c.worker.Fence(), snap.FenceValue()); err != nil {
			return err
		}
	}
	if err := c.queue.Execute(c.list); err != nil {
		return err
	}
	if _, err := c.tracker.SignalSubmitted(idx, c.queue); err != nil {
		return err
	}
	return c.swapchain.Present()
}

func (c *Context) transitionBackBuffer(slot *frames.Slot, bb driver.Resource, after driver.ResourceState) {
	if slot.BackBufferState == after {
		return
	}
	c.list.Transition(bb, slot.BackBufferState, after)
	slot.BackBufferState = after
}

func (c *Context) recordRaster(slot *frames.Slot, bb driver.Resource) {
	c.transitionBackBuffer(slot, bb, driver.StateRenderTarget)
	c.list.ClearRenderTarget(bb, c.cfg.ClearColor)
	if c.raster != nil {
		c.raster.record(c.list, slot.Index, bb)
	}
}

/**
 * @brief Rebuilds the pipelines from the current shader bytecode. The
 * GPU is drained first, the old pipelines are kept if any build fails.
 */
func (c *Context) ReloadShaders(ctx context.Context) error {
	if !c.running {
		return ErrNotRunning
	}
	if err := c.tracker.Drain(ctx); err != nil {
		return err
	}
	if c.raster != nil {
		if err := c.raster.reload(); err != nil {
			core.LogError(err.Error())
			return err
		}
	}
	if c.rt != nil {
		if err := c.rt.reload(); err != nil {
			core.LogError(err.Error())
			return err
		}
	}
	core.LogInfo("shaders reloaded")
	return nil
}

/**
 * @brief Stops the compute worker, drains every frame in flight and
 * releases the device objects in reverse creation order.
 */
func (c *Context) Shutdown(ctx context.Context) error {
	c.running = false
	var first error
	if c.worker != nil {
		if err := c.worker.Stop(); err != nil {
			first = err
		}
	}
	if c.tracker != nil {
		if err := c.tracker.Drain(ctx); err != nil && first == nil {
			first = err
		}
	}
	c.release()
	return first
}

func (c *Context) release() {
	if c.worker != nil {
		c.worker.Release()
		c.worker = nil
	}
	if c.releases != nil {
		if c.uploader != nil && c.tracker != nil {
			_ = c.uploader.RetireAfter(c.tracker.LastValue(), c.releases)
		}
		c.releases.Flush()
	}
	for i := len(c.owned) - 1; i >= 0; i-- {
		c.owned[i].Release()
	}
	c.owned = nil
	if c.tracker != nil {
		c.tracker.Release()
		c.tracker = nil
	}
}
