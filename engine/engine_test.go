package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func testConfig() *ApplicationConfig {
	cfg := DefaultApplicationConfig()
	cfg.Name = "engine test"
	cfg.Window = WindowConfig{Width: 48, Height: 32}
	cfg.ShaderDir = filepath.Join("..", "assets", "shaders")
	cfg.Particles = 64
	cfg.MaxFrames = 3
	cfg.LogLevel = "error"
	return cfg
}

func startEngine(t *testing.T, cfg *ApplicationConfig, opts ...Option) (*Engine, *Game) {
	t.Helper()
	g := &Game{ApplicationConfig: cfg}
	e, err := New(g, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if e.Stage() != EngineStageUninitialized {
			assert.NoError(t, e.Shutdown(context.Background()))
		}
	})
	require.NoError(t, e.Initialize(context.Background()))
	return e, g
}

func TestRunStopsAtTheFrameLimitAndCaptures(t *testing.T) {
	cfg := testConfig()
	cfg.Capture = filepath.Join(t.TempDir(), "captures", "frame.bmp")

	var hooks []string
	g := &Game{ApplicationConfig: cfg}
	g.FnBoot = func() error { hooks = append(hooks, "boot"); return nil }
	g.FnInitialize = func() error {
		hooks = append(hooks, "initialize")
		assert.NotNil(t, g.Renderer)
		return nil
	}
	g.FnOnResize = func(w, h uint32) error {
		assert.Equal(t, uint32(48), w)
		assert.Equal(t, uint32(32), h)
		return nil
	}
	updates, renders := 0, 0
	g.FnUpdate = func(float64) error { updates++; return nil }
	g.FnRender = func(float64) error { renders++; return nil }
	g.FnShutdown = func() error { hooks = append(hooks, "shutdown"); return nil }

	e, err := New(g)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, EngineStageInitialized, e.Stage())
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, uint64(3), g.Renderer.Stats().Frames)
	assert.Equal(t, 3, updates)
	assert.Equal(t, 3, renders)
	img, ok := e.LastFrame()
	require.True(t, ok)
	assert.Equal(t, 48, img.Bounds().Dx())

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, []string{"boot", "initialize", "shutdown"}, hooks)
	assert.Nil(t, g.Renderer)

	f, err := os.Open(cfg.Capture)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := bmp.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestSpaceTogglesTheRenderMode(t *testing.T) {
	e, g := startEngine(t, testConfig())

	var events []bool
	require.NoError(t, core.EventRegister(core.EVENT_CODE_RENDER_MODE_CHANGED, func(ctx core.EventContext) {
		events = append(events, ctx.Data.(*core.RenderModeEvent).Raster)
	}))

	require.NoError(t, core.InputProcessKey(core.KEY_SPACE, true))
	assert.Equal(t, renderer.ModeRaytrace, g.Renderer.Mode())
	require.NoError(t, core.InputProcessKey(core.KEY_SPACE, false))
	require.NoError(t, core.InputProcessKey(core.KEY_SPACE, true))
	assert.Equal(t, renderer.ModeRaster, g.Renderer.Mode())
	assert.Equal(t, []bool{false, true}, events)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(3), g.Renderer.Stats().Frames)
}

func TestEscapeQuits(t *testing.T) {
	e, g := startEngine(t, testConfig())

	require.NoError(t, core.InputProcessKey(core.KEY_ESCAPE, true))
	require.NoError(t, e.Run(context.Background()))
	assert.Zero(t, g.Renderer.Stats().Frames)
}

func TestDragOrbitsAndWheelZooms(t *testing.T) {
	_, g := startEngine(t, testConfig())
	cam := g.Renderer.Camera()
	start := cam.Position

	// moving without a button pressed leaves the camera alone
	require.NoError(t, core.InputProcessMouseMove(10, 10))
	assert.Equal(t, start, cam.Position)

	require.NoError(t, core.InputProcessButton(core.BUTTON_LEFT, true))
	require.NoError(t, core.InputProcessMouseMove(30, 14))
	moved := cam.Position
	assert.NotEqual(t, start, moved)
	assert.InDelta(t, start.Length(), moved.Length(), 1e-3)

	require.NoError(t, core.InputProcessButton(core.BUTTON_LEFT, false))
	require.NoError(t, core.InputProcessMouseMove(50, 50))
	assert.Equal(t, moved, cam.Position)

	require.NoError(t, core.InputProcessMouseWheel(1))
	assert.Less(t, cam.Position.Length(), moved.Length())
}

func TestShaderReloadRunsOnTheRenderLoop(t *testing.T) {
	e, _ := startEngine(t, testConfig())

	core.EventFire(core.EventContext{
		Type: core.EVENT_CODE_SHADER_RELOADED,
		Data: &core.ShaderReloadEvent{Path: "shaders.hlsl"},
	})
	assert.True(t, e.reloadPending.Load())
	require.NoError(t, e.Run(context.Background()))
	assert.False(t, e.reloadPending.Load())
}

func TestRaytraceDisabledOnRasterOnlyDevices(t *testing.T) {
	cfg := testConfig()
	dev := softgpu.New(softgpu.WithRaytracingTier(driver.RaytracingTierNotSupported))
	_, g := startEngine(t, cfg, WithDevice(dev), WithPlatform(platform.NewHeadless()))

	assert.Equal(t, renderer.ModeRaster, g.Renderer.Mode())
	assert.False(t, g.Renderer.ToggleMode())
	_, ok := g.Renderer.TableLayout()
	assert.False(t, ok)
}

func TestRaytraceModeNeedsRaytracingDevice(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "raytrace"
	dev := softgpu.New(softgpu.WithRaytracingTier(driver.RaytracingTierNotSupported))
	e, err := New(&Game{ApplicationConfig: cfg}, WithDevice(dev), WithPlatform(platform.NewHeadless()))
	require.NoError(t, err)

	err = e.Initialize(context.Background())
	assert.ErrorIs(t, err, driver.ErrRaytracingUnsupported)
	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestCancelledContextStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrames = 0
	e, g := startEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	frames := 0
	g.FnUpdate = func(float64) error {
		if frames++; frames == 2 {
			cancel()
		}
		return nil
	}
	require.NoError(t, e.Run(ctx))
	assert.LessOrEqual(t, g.Renderer.Stats().Frames, uint64(2))
}

func TestHeadlessCloseStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrames = 0
	h := platform.NewHeadless()
	e, g := startEngine(t, cfg, WithPlatform(h))

	g.FnRender = func(float64) error {
		if g.Renderer.Stats().Frames == 4 {
			h.Close()
		}
		return nil
	}
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(5), g.Renderer.Stats().Frames)
}

func TestRunNeedsInitialize(t *testing.T) {
	e, err := New(&Game{})
	require.NoError(t, err)
	assert.Error(t, e.Run(context.Background()))
}

func TestInitializeFailsOnMissingShaders(t *testing.T) {
	cfg := testConfig()
	cfg.ShaderDir = t.TempDir()
	e, err := New(&Game{ApplicationConfig: cfg})
	require.NoError(t, err)
	assert.Error(t, e.Initialize(context.Background()))
	assert.NoError(t, e.Shutdown(context.Background()))
}
