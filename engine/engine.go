package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/shaders"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
	"github.com/spaghettifunk/lumen/engine/renderer/vulkan"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// WGSL sources compiled to SPIR-V for the vulkan backend.
const (
	vulkanRasterShader  = "shaders.wgsl"
	vulkanComputeShader = "particles.wgsl"
)

// Orbit speed of a mouse drag, in camera move units per pixel.
const dragScale = 1.0

type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    bool
	isSuspended  bool
	platform     platform.Window
	device       driver.Device
	compiler     shaders.Compiler
	library      *shaders.Library
	watcher      *shaders.Watcher
	renderer     *renderer.Context
	capture      *frameCapture
	width        uint32
	height       uint32
	clock        *core.Clock
	lastTime     float64

	dragging      bool
	dragX, dragY  int32
	reloadPending atomic.Bool
}

type Option func(e *Engine)

// WithPlatform replaces the platform chosen from the backend.
func WithPlatform(p platform.Window) Option {
	return func(e *Engine) {
		e.platform = p
	}
}

// WithDevice replaces the device chosen from the backend. The engine
// takes ownership of it.
func WithDevice(d driver.Device) Option {
	return func(e *Engine) {
		e.device = d
	}
}

func WithShaderCompiler(c shaders.Compiler) Option {
	return func(e *Engine) {
		e.compiler = c
	}
}

func New(g *Game, opts ...Option) (*Engine, error) {
	if g == nil {
		err := fmt.Errorf("the engine needs a game")
		core.LogError(err.Error())
		return nil, err
	}
	if g.ApplicationConfig == nil {
		g.ApplicationConfig = DefaultApplicationConfig()
	}
	e := &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		clock:        core.NewClock(),
		capture:      &frameCapture{},
		isRunning:    true,
		isSuspended:  false,
		width:        g.ApplicationConfig.Window.Width,
		height:       g.ApplicationConfig.Window.Height,
		lastTime:     0,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

/**
 * @brief Boots the game, starts the engine systems, opens the platform
 * and creates the device, the shader library and the renderer.
 */
func (e *Engine) Initialize(ctx context.Context) error {
	e.currentStage = EngineStageBooting
	if err := e.gameInstance.boot(); err != nil {
		core.LogError("game boot failed: %s", err)
		return err
	}
	config := e.gameInstance.ApplicationConfig
	if err := config.Validate(); err != nil {
		return err
	}
	e.width, e.height = config.Window.Width, config.Window.Height
	core.SetLogLevel(core.ParseLogLevel(config.LogLevel))
	core.SetLogPrefix(config.Name + " ")
	e.currentStage = EngineStageBootComplete

	e.currentStage = EngineStageInitializing
	// initialize events
	if !core.EventSystemInitialize() {
		err := fmt.Errorf("failed to initialize the event system")
		core.LogError(err.Error())
		return err
	}
	// initialize input
	if err := core.InputInitialize(); err != nil {
		return err
	}
	if err := core.MetricsInitialize(); err != nil {
		return err
	}

	// register some events
	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e.onEvent)
	core.EventRegister(core.EVENT_CODE_KEY_PRESSED, e.onKey)
	core.EventRegister(core.EVENT_CODE_KEY_RELEASED, e.onKey)
	core.EventRegister(core.EVENT_CODE_BUTTON_PRESSED, e.onButton)
	core.EventRegister(core.EVENT_CODE_BUTTON_RELEASED, e.onButton)
	core.EventRegister(core.EVENT_CODE_MOUSE_MOVED, e.onMouseMoved)
	core.EventRegister(core.EVENT_CODE_MOUSE_WHEEL, e.onMouseWheel)
	core.EventRegister(core.EVENT_CODE_RESIZED, e.onResized)
	core.EventRegister(core.EVENT_CODE_SHADER_RELOADED, e.onShaderReloaded)

	if e.platform == nil {
		e.platform = newPlatform(config.Backend)
	}
	if err := e.platform.Startup(config.Name, config.Window.X, config.Window.Y, config.Window.Width, config.Window.Height); err != nil {
		return err
	}

	if e.device == nil {
		dev, err := e.createDevice(config)
		if err != nil {
			return err
		}
		e.device = dev
	}
	features := e.device.Features()
	core.LogInfo("device %s: ray tracing tier %s, compute %t", features.Name, features.RaytracingTier, features.Compute)

	if e.compiler == nil {
		e.compiler = newCompiler(config.Backend)
	}
	e.library = shaders.NewLibrary(e.compiler)

	rc, err := e.rendererConfig(config, features)
	if err != nil {
		core.LogError(err.Error())
		return err
	}
	if e.renderer, err = renderer.New(ctx, e.device, e.library, rc); err != nil {
		return err
	}
	e.gameInstance.Renderer = e.renderer

	if config.WatchShaders {
		if err := e.watchShaders(); err != nil {
			core.LogWarn("shader hot reload disabled: %s", err)
		}
	}

	if err := e.gameInstance.initialize(); err != nil {
		return err
	}
	if err := e.gameInstance.onResize(e.width, e.height); err != nil {
		return err
	}
	e.currentStage = EngineStageInitialized
	return nil
}

func newPlatform(backend string) platform.Window {
	if backend == BackendVulkan {
		return platform.New()
	}
	return platform.NewHeadless()
}

func newCompiler(backend string) shaders.Compiler {
	if backend == BackendVulkan {
		return shaders.ByExtension{WGSL: shaders.NagaCompiler{}, HLSL: shaders.DXCCompiler{}}
	}
	return shaders.SourceCompiler{}
}

func (e *Engine) createDevice(config *ApplicationConfig) (driver.Device, error) {
	switch config.Backend {
	case BackendVulkan:
		surface, ok := e.platform.(vulkan.Surface)
		if !ok {
			err := fmt.Errorf("platform %T cannot present with vulkan", e.platform)
			core.LogError(err.Error())
			return nil, err
		}
		return vulkan.New(surface, vulkan.Options{AppName: config.Name, Debug: config.Debug})
	default:
		return softgpu.New(softgpu.WithPresentHook(e.capture.hook)), nil
	}
}

// rendererConfig turns off the optional features the device cannot run,
// so that a raster only device still shows the cube. Starting in raytrace
// mode on such a device is an error.
func (e *Engine) rendererConfig(config *ApplicationConfig, features driver.Features) (renderer.Config, error) {
	rc, err := config.RendererConfig()
	if err != nil {
		return rc, err
	}
	if config.Backend == BackendVulkan {
		rc.RasterShader = vulkanRasterShader
		rc.ComputeShader = vulkanComputeShader
	}
	if rc.Mode == renderer.ModeRaytrace && !features.Raytracing() {
		return rc, fmt.Errorf("%w: %s cannot start in %s mode (tier %s)", driver.ErrRaytracingUnsupported, features.Name, rc.Mode, features.RaytracingTier)
	}
	if rc.Features.Raytrace && !features.Raytracing() {
		core.LogWarn("%s does not support ray tracing, the raytrace feature is disabled", features.Name)
		rc.Features.Raytrace = false
	}
	if rc.Features.Compute && !features.Compute {
		core.LogWarn("%s does not support compute, the compute feature is disabled", features.Name)
		rc.Features.Compute = false
	}
	if !rc.Features.Raster && !rc.Features.Raytrace {
		return rc, fmt.Errorf("nothing to render on %s: enable %s or %s", features.Name, FeatureRaster, FeatureRaytrace)
	}
	return rc, nil
}

func (e *Engine) watchShaders() error {
	w, err := shaders.NewWatcher(e.library)
	if err != nil {
		return err
	}
	if err := w.WatchLibrary(); err != nil {
		w.Close()
		return err
	}
	e.watcher = w
	core.LogInfo("watching %d shader files for changes", len(e.library.Paths()))
	return nil
}

/**
 * @brief Runs frames until the platform or the game asks to quit, the
 * frame limit is reached or ctx is cancelled. A failed frame stops the
 * loop and is returned.
 */
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		err := fmt.Errorf("the engine must be initialized before running")
		core.LogError(err.Error())
		return err
	}
	e.currentStage = EngineStageRunning
	maxFrames := e.gameInstance.ApplicationConfig.MaxFrames

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	for e.isRunning {
		if ctx.Err() != nil {
			core.LogInfo("run cancelled, shutting down.")
			break
		}
		if !e.platform.PumpMessages() {
			e.isRunning = false
			break
		}
		if e.isSuspended {
			continue
		}

		// Update clock and get delta time.
		e.clock.Update()
		var currentTime float64 = e.clock.Elapsed()
		var delta float64 = (currentTime - e.lastTime)
		var frameStartTime float64 = platform.GetAbsoluteTime()

		if e.reloadPending.Swap(false) {
			// the renderer keeps the previous pipelines on failure
			_ = e.renderer.ReloadShaders(ctx)
		}

		if err := e.gameInstance.update(delta); err != nil {
			core.LogError("game update failed, shutting down: %s", err)
			return err
		}
		// Call the game's render routine.
		if err := e.gameInstance.render(delta); err != nil {
			core.LogError("game render failed, shutting down: %s", err)
			return err
		}

		if err := e.renderer.Frame(ctx, delta); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return err
		}

		core.MetricsUpdate(platform.GetAbsoluteTime() - frameStartTime)
		if maxFrames > 0 && e.renderer.Stats().Frames >= maxFrames {
			core.LogInfo("frame limit of %d reached", maxFrames)
			e.isRunning = false
		}

		// NOTE: Input update/state copying should always be handled
		// after any input should be recorded; I.E. before this line.
		// As a safety, input is the last thing to be updated before
		// this frame ends.
		core.InputUpdate(delta)

		// Update last time
		e.lastTime = currentTime
	}
	fps, frameTime := core.MetricsFrame()
	core.LogInfo("%d frames rendered, %.1f fps (%.2f ms)", core.MetricsTotalFrames(), fps, frameTime)
	return nil
}

/**
 * @brief Stops the game and the renderer, writes the capture if one is
 * configured and releases the device, the platform and the engine
 * systems. Every step runs even when an earlier one fails.
 */
func (e *Engine) Shutdown(ctx context.Context) error {
	e.currentStage = EngineStageShuttingDown
	e.isRunning = false
	var errs []error

	if err := e.gameInstance.shutdown(); err != nil {
		errs = append(errs, err)
	}
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
		e.watcher = nil
	}
	if e.renderer != nil {
		if err := e.renderer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		e.renderer = nil
		e.gameInstance.Renderer = nil
	}
	if path := e.gameInstance.ApplicationConfig.Capture; path != "" {
		if err := e.writeCapture(path); err != nil {
			errs = append(errs, err)
		}
	}
	if e.device != nil {
		e.device.Release()
		e.device = nil
	}
	if e.platform != nil {
		if err := e.platform.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := core.InputShutdown(); err != nil && !errors.Is(err, core.ErrInputSystemDown) {
		errs = append(errs, err)
	}
	if err := core.EventSystemShutdown(); err != nil && !errors.Is(err, core.ErrEventSystemDown) {
		errs = append(errs, err)
	}
	e.currentStage = EngineStageUninitialized
	return errors.Join(errs...)
}

// LastFrame returns the last back buffer presented by the software
// device.
func (e *Engine) LastFrame() (image.Image, bool) {
	img, ok := e.capture.image()
	if !ok {
		return nil, false
	}
	return img, true
}

func (e *Engine) writeCapture(path string) error {
	img, ok := e.capture.image()
	if !ok {
		core.LogWarn("no frame to capture, captures need the %s backend", BackendSoft)
		return nil
	}
	if err := writeBMP(path, img); err != nil {
		core.LogError(err.Error())
		return err
	}
	return nil
}

// ApplicationGetFramebufferSize returns the width and height (in this order)
// of the application Framebuffer
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onEvent(context core.EventContext) {
	switch context.Type {
	case core.EVENT_CODE_APPLICATION_QUIT:
		{
			core.LogInfo("EVENT_CODE_APPLICATION_QUIT recieved, shutting down.")
			e.isRunning = false
		}
	}
}

func (e *Engine) onKey(context core.EventContext) {
	ke, ok := context.Data.(*core.KeyEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return
	}
	if context.Type != core.EVENT_CODE_KEY_PRESSED {
		return
	}

	switch ke.KeyCode {
	case core.KEY_ESCAPE:
		// NOTE: Technically firing an event to itself, but there may be other listeners.
		core.EventFire(core.EventContext{
			Type: core.EVENT_CODE_APPLICATION_QUIT,
		})
	case core.KEY_SPACE:
		if e.renderer != nil {
			e.renderer.ToggleMode()
		}
	default:
		core.LogDebug("'%c' key pressed in window.", rune(ke.KeyCode))
	}
}

func (e *Engine) onButton(context core.EventContext) {
	me, ok := context.Data.(*core.MouseEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return
	}
	if me.Button != core.BUTTON_LEFT {
		return
	}
	e.dragging = context.Type == core.EVENT_CODE_BUTTON_PRESSED
	e.dragX, e.dragY = int32(me.PosX), int32(me.PosY)
}

func (e *Engine) onMouseMoved(context core.EventContext) {
	me, ok := context.Data.(*core.MouseEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return
	}
	x, y := int32(me.PosX), int32(me.PosY)
	if e.dragging && e.renderer != nil {
		dx, dy := x-e.dragX, y-e.dragY
		e.renderer.Camera().Move(-float32(dx)*dragScale, float32(dy)*dragScale)
	}
	e.dragX, e.dragY = x, y
}

func (e *Engine) onMouseWheel(context core.EventContext) {
	me, ok := context.Data.(*core.MouseEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return
	}
	if e.renderer != nil && me.Scroll != 0 {
		e.renderer.Camera().Zoom(float32(me.Scroll))
	}
}

// onShaderReloaded runs on the watcher goroutine, the pipelines are
// rebuilt at the start of the next frame.
func (e *Engine) onShaderReloaded(context core.EventContext) {
	if se, ok := context.Data.(*core.ShaderReloadEvent); ok {
		core.LogInfo("shader %s changed", se.Path)
	}
	e.reloadPending.Store(true)
}

func (e *Engine) onResized(context core.EventContext) {
	if context.Type == core.EVENT_CODE_RESIZED {
		se, ok := context.Data.(*core.SystemEvent)
		if !ok {
			core.LogError("wrong event associated with the event type `%d`", context.Type)
			return
		}

		width := se.WindowWidth
		height := se.WindowHeight

		// Check if different. If so, trigger a resize event.
		if width != e.width || height != e.height {
			e.width = width
			e.height = height

			core.LogDebug("Window resize: %d, %d", width, height)

			// Handle minimization
			if width == 0 || height == 0 {
				core.LogInfo("Window minimized, suspending application.")
				e.isSuspended = true
				return
			}
			if e.isSuspended {
				core.LogInfo("Window restored, resuming application.")
				e.isSuspended = false
			}
			if e.renderer != nil {
				e.renderer.Camera().SetAspect(float32(width) / float32(height))
			}
			if err := e.gameInstance.onResize(width, height); err != nil {
				core.LogError(err.Error())
			}
		}
	}
}
