package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lumen.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultApplicationConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(900), cfg.Window.Width)
	assert.Equal(t, uint32(600), cfg.Window.Height)
	assert.Equal(t, uint32(2), cfg.Frames)
	assert.Equal(t, "raster", cfg.Mode)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
name = "cube"
backend = "soft"
features = ["raster", "raytrace"]
frames = 3
mode = "raytrace"
clear_color = [1.0, 0.0, 0.0, 1.0]

[window]
width = 320
height = 240
`)
	cfg, err := LoadApplicationConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "cube", cfg.Name)
	assert.Equal(t, uint32(320), cfg.Window.Width)
	assert.Equal(t, uint32(100), cfg.Window.X, "missing keys keep their default")
	assert.Equal(t, uint32(3), cfg.Frames)
	assert.Equal(t, [4]float32{1, 0, 0, 1}, cfg.ClearColor)
	assert.False(t, cfg.HasFeature(FeatureCompute))

	rc, err := cfg.RendererConfig()
	require.NoError(t, err)
	assert.Equal(t, renderer.ModeRaytrace, rc.Mode)
	assert.Equal(t, renderer.Features{Raster: true, Raytrace: true}, rc.Features)
	assert.Equal(t, uint32(3), rc.FrameCount)
	assert.Equal(t, math.NewVec3(1.5, 1.5, -5), rc.CameraPosition)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadApplicationConfig(writeConfig(t, "name = \"x\"\nframes_in_flight = 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frames_in_flight")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadApplicationConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *ApplicationConfig)
		want   string
	}{
		{"backend", func(c *ApplicationConfig) { c.Backend = "d3d12" }, "unknown backend"},
		{"feature", func(c *ApplicationConfig) { c.Features = append(c.Features, "mesh") }, "unknown feature"},
		{"frames", func(c *ApplicationConfig) { c.Frames = 1 }, "at least 2"},
		{"mode", func(c *ApplicationConfig) { c.Mode = "path" }, "unknown render mode"},
		{"raytrace mode", func(c *ApplicationConfig) {
			c.Features = []string{FeatureRaster}
			c.Mode = "raytrace"
		}, "needs the raytrace feature"},
		{"window", func(c *ApplicationConfig) { c.Window.Height = 0 }, "is empty"},
		{"records", func(c *ApplicationConfig) { c.RecordsPerInstance = 0 }, "records_per_instance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultApplicationConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSetFeatures(t *testing.T) {
	cfg := DefaultApplicationConfig()
	cfg.SetFeatures(" raster, compute,,raster ")
	assert.Equal(t, []string{FeatureRaster, FeatureCompute}, cfg.Features)
}
