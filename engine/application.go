package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/sbt"
)

// Backend names accepted in the configuration.
const (
	BackendSoft   = "soft"
	BackendVulkan = "vulkan"
)

// Feature names accepted in the configuration.
const (
	FeatureRaster   = "raster"
	FeatureCompute  = "compute"
	FeatureRaytrace = "raytrace"
)

type WindowConfig struct {
	// Window starting position x axis, if applicable.
	X uint32 `toml:"x"`
	// Window starting position y axis, if applicable.
	Y uint32 `toml:"y"`
	// Window starting width, if applicable.
	Width uint32 `toml:"width"`
	// Window starting height, if applicable.
	Height uint32 `toml:"height"`
}

type ApplicationConfig struct {
	// The application name used in windowing, if applicable.
	Name    string       `toml:"name"`
	Window  WindowConfig `toml:"window"`
	Backend string       `toml:"backend"`
	// Debug enables the validation layer of the vulkan backend.
	Debug    bool     `toml:"debug"`
	Features []string `toml:"features"`
	// Frames is the number of frames in flight and of back buffers.
	Frames             uint32     `toml:"frames"`
	Mode               string     `toml:"mode"`
	RecordsPerInstance uint32     `toml:"records_per_instance"`
	ShaderDir          string     `toml:"shader_dir"`
	WatchShaders       bool       `toml:"watch_shaders"`
	Capture            string     `toml:"capture"`
	LogLevel           string     `toml:"log_level"`
	ClearColor         [4]float32 `toml:"clear_color"`
	Particles          int        `toml:"particles"`
	Camera             [3]float32 `toml:"camera"`
	// MaxFrames stops the application after that many frames, 0 runs
	// until the window is closed.
	MaxFrames uint64 `toml:"max_frames"`
}

func DefaultApplicationConfig() *ApplicationConfig {
	return &ApplicationConfig{
		Name: "Lumen",
		Window: WindowConfig{
			X:      100,
			Y:      100,
			Width:  900,
			Height: 600,
		},
		Backend:            BackendSoft,
		Features:           []string{FeatureRaster, FeatureCompute, FeatureRaytrace},
		Frames:             2,
		Mode:               renderer.ModeRaster.String(),
		RecordsPerInstance: sbt.DefaultRecordsPerInstance,
		ShaderDir:          "assets/shaders",
		LogLevel:           "info",
		ClearColor:         [4]float32{0.0, 0.2, 0.4, 1.0},
		Particles:          1024,
		Camera:             [3]float32{1.5, 1.5, -5},
	}
}

/**
 * @brief Reads a TOML file over the defaults. Keys missing from the file
 * keep their default value, unknown keys are an error.
 */
func LoadApplicationConfig(path string) (*ApplicationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read the configuration: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	cfg := DefaultApplicationConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			err = fmt.Errorf("%s: unknown configuration keys\n%s", path, strict.String())
		} else {
			err = fmt.Errorf("%s: %w", path, err)
		}
		core.LogError(err.Error())
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ApplicationConfig) Validate() error {
	var errs []error
	if c.Window.Width == 0 || c.Window.Height == 0 {
		errs = append(errs, fmt.Errorf("window size %dx%d is empty", c.Window.Width, c.Window.Height))
	}
	switch c.Backend {
	case BackendSoft, BackendVulkan:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q, want %s or %s", c.Backend, BackendSoft, BackendVulkan))
	}
	for _, f := range c.Features {
		switch f {
		case FeatureRaster, FeatureCompute, FeatureRaytrace:
		default:
			errs = append(errs, fmt.Errorf("unknown feature %q", f))
		}
	}
	if c.Frames < 2 {
		errs = append(errs, fmt.Errorf("frames must be at least 2, got %d", c.Frames))
	}
	mode, err := renderer.ParseMode(c.Mode)
	if err != nil {
		errs = append(errs, err)
	} else if mode == renderer.ModeRaytrace && !c.HasFeature(FeatureRaytrace) {
		errs = append(errs, fmt.Errorf("mode %s needs the %s feature", c.Mode, FeatureRaytrace))
	}
	if c.RecordsPerInstance == 0 {
		errs = append(errs, fmt.Errorf("records_per_instance must be positive"))
	}
	if c.Particles < 0 {
		errs = append(errs, fmt.Errorf("particles must not be negative, got %d", c.Particles))
	}
	if err := errors.Join(errs...); err != nil {
		err = fmt.Errorf("invalid configuration: %w", err)
		core.LogError(err.Error())
		return err
	}
	return nil
}

func (c *ApplicationConfig) HasFeature(name string) bool {
	return slices.Contains(c.Features, name)
}

// SetFeatures replaces the feature list with a comma separated one.
func (c *ApplicationConfig) SetFeatures(list string) {
	c.Features = c.Features[:0]
	for _, f := range strings.Split(list, ",") {
		if f = strings.TrimSpace(f); f != "" && !c.HasFeature(f) {
			c.Features = append(c.Features, f)
		}
	}
}

func (c *ApplicationConfig) RendererConfig() (renderer.Config, error) {
	mode, err := renderer.ParseMode(c.Mode)
	if err != nil {
		return renderer.Config{}, err
	}
	return renderer.Config{
		Width:      c.Window.Width,
		Height:     c.Window.Height,
		FrameCount: c.Frames,
		Mode:       mode,
		Features: renderer.Features{
			Raster:   c.HasFeature(FeatureRaster),
			Compute:  c.HasFeature(FeatureCompute),
			Raytrace: c.HasFeature(FeatureRaytrace),
		},
		RecordsPerInstance: c.RecordsPerInstance,
		ClearColor:         c.ClearColor,
		ShaderDir:          c.ShaderDir,
		Particles:          c.Particles,
		CameraPosition:     math.NewVec3(c.Camera[0], c.Camera[1], c.Camera[2]),
	}, nil
}
