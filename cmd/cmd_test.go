package cmd

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/core"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func testApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Writer = out
	app.ExitErrHandler = func(*cli.Context, error) {}
	app.Flags = []cli.Flag{cli.BoolFlag{Name: "v"}}
	app.Commands = []cli.Command{
		{Name: "run", Flags: RunFlags, Action: Run},
		{Name: "info", Flags: InfoFlags, Action: Info},
		{Name: "compile", Flags: CompileFlags, Action: Compile},
	}
	return app
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	shaderDir, err := filepath.Abs(filepath.Join("..", "assets", "shaders"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "lumen.toml")
	body := "shader_dir = '" + shaderDir + "'\nparticles = 64\n\n[window]\nwidth = 32\nheight = 24\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	var cfg *engine.ApplicationConfig
	app := testApp(io.Discard)
	app.Commands = append(app.Commands, cli.Command{
		Name:  "probe",
		Flags: RunFlags,
		Action: func(ctx *cli.Context) error {
			var err error
			cfg, err = loadConfig(ctx)
			return err
		},
	})
	cfgPath := writeTestConfig(t)
	require.NoError(t, app.Run([]string{"lumen", "-v", "probe", "--config", cfgPath, "-n", "7", "--mode", "raytrace", "--features", "raster,raytrace", "--capture", "out.bmp"}))

	require.NotNil(t, cfg)
	assert.Equal(t, uint64(7), cfg.MaxFrames)
	assert.Equal(t, "raytrace", cfg.Mode)
	assert.Equal(t, []string{"raster", "raytrace"}, cfg.Features)
	assert.Equal(t, "out.bmp", cfg.Capture)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint32(32), cfg.Window.Width)
	assert.Equal(t, "soft", cfg.Backend, "unset flags keep the file value")
}

func TestLoadConfigRejectsNegativeFrames(t *testing.T) {
	app := testApp(io.Discard)
	app.Commands = append(app.Commands, cli.Command{
		Name:  "probe",
		Flags: RunFlags,
		Action: func(ctx *cli.Context) error {
			_, err := loadConfig(ctx)
			return err
		},
	})
	assert.Error(t, app.Run([]string{"lumen", "probe", "--config", writeTestConfig(t), "--frames", "-1"}))
}

func TestRunCommandCaptures(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "frame.bmp")
	app := testApp(io.Discard)
	err := app.Run([]string{"lumen", "run", "--config", writeTestConfig(t), "--sample", "raytrace", "--frames", "2", "--capture", capture})
	require.NoError(t, err)
	info, err := os.Stat(capture)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestInfoPrintsTheTables(t *testing.T) {
	var out bytes.Buffer
	app := testApp(&out)
	require.NoError(t, app.Run([]string{"lumen", "info", "--config", writeTestConfig(t)}))
	assert.Contains(t, out.String(), "softgpu")
	assert.Contains(t, out.String(), "Ray tracing tier")
	assert.Contains(t, out.String(), "Hit group")
}

func TestCompileValidatesArguments(t *testing.T) {
	app := testApp(io.Discard)
	assert.Error(t, app.Run([]string{"lumen", "compile", "--profile", "vs_6_0", "shader.hlsl"}), "missing entry")
	assert.Error(t, app.Run([]string{"lumen", "compile", "--profile", "gs_6_0", "--entry", "main", "shader.hlsl"}))
	assert.Error(t, app.Run([]string{"lumen", "compile", "--profile", "lib_6_3"}))
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "assets/shaders/particles.spv", outputName("assets/shaders/particles.wgsl"))
	assert.Equal(t, "Hit.dxil", outputName("Hit.hlsl"))
}
