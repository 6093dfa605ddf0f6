package samples

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func testConfig() *engine.ApplicationConfig {
	cfg := engine.DefaultApplicationConfig()
	cfg.Window = engine.WindowConfig{Width: 32, Height: 24}
	cfg.ShaderDir = filepath.Join("..", "assets", "shaders")
	cfg.Particles = 64
	cfg.MaxFrames = 2
	return cfg
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"raster", "compute", "raytrace", "all", Custom}, Names())
	d, ok := Describe("compute")
	assert.True(t, ok)
	assert.Contains(t, d, "particles")

	_, err := New("pathtracer", nil)
	assert.ErrorContains(t, err, "unknown sample")
}

func TestBootSetsTheStageFeatures(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "raytrace"
	s, err := New("compute", cfg)
	require.NoError(t, err)
	require.NoError(t, s.Boot())
	assert.Equal(t, []string{engine.FeatureRaster, engine.FeatureCompute}, cfg.Features)
	assert.Equal(t, "raster", cfg.Mode)

	cfg = testConfig()
	cfg.Features = []string{engine.FeatureRaytrace}
	s, err = New(Custom, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Boot())
	assert.Equal(t, []string{engine.FeatureRaytrace}, cfg.Features)
}

func TestSamplesRunOnTheSoftwareDevice(t *testing.T) {
	for _, name := range []string{"raster", "compute", "raytrace", "all"} {
		t.Run(name, func(t *testing.T) {
			s, err := New(name, testConfig())
			require.NoError(t, err)
			e, err := engine.New(s.Game)
			require.NoError(t, err)
			defer func() { assert.NoError(t, e.Shutdown(context.Background())) }()

			require.NoError(t, e.Initialize(context.Background()))
			if name == "raytrace" {
				require.True(t, s.Renderer.ToggleMode())
				assert.Equal(t, renderer.ModeRaytrace, s.Renderer.Mode())
			}
			require.NoError(t, e.Run(context.Background()))
			assert.Equal(t, uint64(2), s.Renderer.Stats().Frames)
		})
	}
}

func TestUpdateReportsPeriodically(t *testing.T) {
	s, err := New("raster", testConfig())
	require.NoError(t, err)
	e, err := engine.New(s.Game)
	require.NoError(t, err)
	defer func() { assert.NoError(t, e.Shutdown(context.Background())) }()
	require.NoError(t, e.Initialize(context.Background()))

	state := s.State.(*sampleState)
	assert.Equal(t, uint32(32), state.width)
	require.NoError(t, s.Update(reportInterval/2))
	assert.Zero(t, state.reports)
	require.NoError(t, s.Update(reportInterval))
	assert.Equal(t, 1, state.reports)
	assert.Zero(t, state.sinceReport)
}
