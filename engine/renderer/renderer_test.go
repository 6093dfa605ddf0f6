package renderer

import (
	"context"
	"errors"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/sbt"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeShaders struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (f *fakeShaders) Get(path, entry, profile string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := filepath.Base(path)
	if f.fail[name] {
		return nil, errors.New(name + ": compile error")
	}
	return []byte(name + ":" + entry + ":" + profile), nil
}

func (f *fakeShaders) breakFile(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]bool{}
	}
	f.fail[name] = true
}

type presents struct {
	mu     sync.Mutex
	frames []softgpu.PresentedFrame
}

func (p *presents) hook(f softgpu.PresentedFrame) {
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
}

func (p *presents) waitFor(t *testing.T, n int) softgpu.PresentedFrame {
	t.Helper()
	var last softgpu.PresentedFrame
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.frames) < n {
			return false
		}
		last = p.frames[n-1]
		return true
	}, 5*time.Second, time.Millisecond)
	return last
}

var clearColor = [4]float32{0, 0.2, 0.4, 1}

func testConfig() Config {
	return Config{
		Width:              48,
		Height:             32,
		FrameCount:         2,
		Mode:               ModeRaster,
		Features:           Features{Raster: true, Raytrace: true},
		RecordsPerInstance: sbt.DefaultRecordsPerInstance,
		ClearColor:         clearColor,
		ShaderDir:          "shaders",
		CameraPosition:     math.NewVec3(0, 1.5, -5),
	}
}

func newContext(t *testing.T, cfg Config, opts ...softgpu.Option) (*Context, *presents, *fakeShaders) {
	t.Helper()
	p := &presents{}
	dev := softgpu.New(append(opts, softgpu.WithPresentHook(p.hook))...)
	shaders := &fakeShaders{}
	c, err := New(context.Background(), dev, shaders, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
		dev.Release()
	})
	return c, p, shaders
}

func frame(t *testing.T, c *Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Frame(ctx, 1.0/60.0))
}

func rgba(c [4]float32) color.RGBA {
	b := func(v float32) uint8 { return uint8(v*255 + 0.5) }
	return color.RGBA{R: b(c[0]), G: b(c[1]), B: b(c[2]), A: b(c[3])}
}

func near(a, b color.RGBA) bool {
	d := func(x, y uint8) int {
		if x > y {
			return int(x - y)
		}
		return int(y - x)
	}
	return d(a.R, b.R) <= 2 && d(a.G, b.G) <= 2 && d(a.B, b.B) <= 2
}

func TestRasterFrames(t *testing.T) {
	c, p, _ := newContext(t, testConfig())
	for i := 0; i < 3; i++ {
		frame(t, c)
	}
	f := p.waitFor(t, 3)
	img := f.Image()

	assert.Equal(t, rgba(clearColor), img.RGBAAt(0, 0), "corner shows the clear color")
	assert.NotEqual(t, rgba(clearColor), img.RGBAAt(24, 16), "center shows the spinning cube")

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Frames)
	// setup submission plus one per frame
	assert.Equal(t, uint64(4), s.LastFenceValue)
	assert.Equal(t, ModeRaster, s.Mode)
}

func TestRaytracedFrameShowsHitAndMiss(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeRaytrace
	c, p, _ := newContext(t, cfg)
	frame(t, c)
	img := p.waitFor(t, 1).Image()

	missTop := color.RGBA{R: 0, G: 51, B: 179, A: 255}
	assert.True(t, near(missTop, img.RGBAAt(0, 0)), "top left pixel misses: %v", img.RGBAAt(0, 0))
	center := img.RGBAAt(24, 16)
	assert.False(t, near(missTop, center), "center pixel hits the cube: %v", center)
	assert.Equal(t, uint8(255), center.A)
}

func TestToggleKeepsPresentStateInBothPaths(t *testing.T) {
	c, p, _ := newContext(t, testConfig())
	frame(t, c)
	require.True(t, c.ToggleMode())
	assert.Equal(t, ModeRaytrace, c.Mode())
	frame(t, c)
	frame(t, c)
	require.True(t, c.ToggleMode())
	frame(t, c)
	p.waitFor(t, 4)

	assert.True(t, c.Running())
	for i := uint32(0); i < c.tracker.Len(); i++ {
		assert.Equal(t, driver.StatePresent, c.tracker.Slot(i).BackBufferState)
	}
}

func TestToggleRefusedWithoutRaytracing(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Raytrace = false
	c, _, _ := newContext(t, cfg)
	assert.False(t, c.ToggleMode())
	assert.Equal(t, ModeRaster, c.Mode())
	_, ok := c.TableLayout()
	assert.False(t, ok)
	frame(t, c)
}

func TestSetupChecksRaytracingTier(t *testing.T) {
	dev := softgpu.New(softgpu.WithRaytracingTier(driver.RaytracingTierNotSupported))
	defer dev.Release()
	_, err := New(context.Background(), dev, &fakeShaders{}, testConfig())
	assert.ErrorIs(t, err, driver.ErrRaytracingUnsupported)
}

func TestUnknownExportFailsWhilePacking(t *testing.T) {
	c, _, _ := newContext(t, testConfig())
	names := tutorialExports
	names.hit = "HitGroup_Missing"
	_, err := c.rt.buildTable(c.rt.so, names)

	var unknown *sbt.UnknownExportError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"HitGroup_Missing"}, unknown.Exports)
}

func TestRecordsPerInstanceShapeTheTable(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeRaytrace
	cfg.RecordsPerInstance = 3
	c, p, _ := newContext(t, cfg)
	layout, ok := c.TableLayout()
	require.True(t, ok)
	assert.Equal(t, uint32(len(c.scene.placements)*3), layout.HitGroup.Count)
	assert.Equal(t, cfg.FrameCount, layout.RayGen.Count)

	descs, err := c.scene.tlas.DecodeInstances()
	require.NoError(t, err)
	for i, d := range descs {
		assert.Equal(t, uint32(i*3), d.HitGroupContribution)
	}
	frame(t, c)
	frame(t, c)
	p.waitFor(t, 2)
}

func TestFailureStopsTheLoop(t *testing.T) {
	c, _, _ := newContext(t, testConfig())
	frame(t, c)

	// a wrong tracked state makes the next transition fail on the GPU
	for i := uint32(0); i < c.tracker.Len(); i++ {
		c.tracker.Slot(i).BackBufferState = driver.StateCopySource
	}
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = c.Frame(ctx, 0)
		cancel()
	}
	require.Error(t, err)
	assert.False(t, c.Running())
	assert.ErrorIs(t, c.Frame(context.Background(), 0), ErrNotRunning)
}

func TestComputeWorkerRunsBesideFrames(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Compute = true
	cfg.Particles = 100
	c, _, _ := newContext(t, cfg)
	assert.Eventually(t, func() bool { return c.Stats().ComputeIteration >= 2 }, 5*time.Second, time.Millisecond)
	frame(t, c)
	frame(t, c)
	assert.True(t, c.Running())
}

func TestReloadShadersKeepsPipelinesOnFailure(t *testing.T) {
	c, _, shaders := newContext(t, testConfig())
	require.NoError(t, c.ReloadShaders(context.Background()))
	so := c.rt.so

	shaders.breakFile(hitShaderFile)
	assert.Error(t, c.ReloadShaders(context.Background()))
	assert.Same(t, so, c.rt.so)
	require.True(t, c.ToggleMode())
	frame(t, c)
}

func TestParticleGrid(t *testing.T) {
	ps := particleGrid(10)
	assert.Len(t, ps, 10)
	for _, p := range ps {
		assert.InDelta(t, 0.9, p.Position.Y, 1e-6)
		assert.GreaterOrEqual(t, p.Position.X, float32(-0.9))
		assert.Less(t, p.Position.X, float32(0.9))
	}
	assert.Len(t, particleGrid(0), 1)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("raytrace")
	require.NoError(t, err)
	assert.Equal(t, ModeRaytrace, m)
	_, err = ParseMode("pathtrace")
	assert.Error(t, err)
}
