package cmd

import (
	"errors"
	"os"

	"github.com/urfave/cli"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/core"
)

// DefaultConfigPath is read when --config is not given and the file
// exists.
const DefaultConfigPath = "config/lumen.toml"

// loadConfig reads the configuration file and applies the command line
// overrides on top of it.
func loadConfig(ctx *cli.Context) (*engine.ApplicationConfig, error) {
	path := ctx.String("config")
	cfg := engine.DefaultApplicationConfig()
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			path = DefaultConfigPath
		}
	}
	if path != "" {
		loaded, err := engine.LoadApplicationConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		core.LogDebug("configuration read from %s", path)
	}

	if ctx.IsSet("backend") {
		cfg.Backend = ctx.String("backend")
	}
	if ctx.IsSet("features") {
		cfg.SetFeatures(ctx.String("features"))
	}
	if ctx.IsSet("frames") {
		n := ctx.Int("frames")
		if n < 0 {
			return nil, errors.New("--frames must not be negative")
		}
		cfg.MaxFrames = uint64(n)
	}
	if ctx.IsSet("mode") {
		cfg.Mode = ctx.String("mode")
	}
	if ctx.IsSet("capture") {
		cfg.Capture = ctx.String("capture")
	}
	if ctx.IsSet("watch") {
		cfg.WatchShaders = ctx.Bool("watch")
	}
	if ctx.GlobalBool("v") {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

var configFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "TOML configuration file, " + DefaultConfigPath + " when present",
	},
	cli.StringFlag{
		Name:  "backend, b",
		Value: engine.BackendSoft,
		Usage: "device backend: " + engine.BackendSoft + " or " + engine.BackendVulkan,
	},
	cli.StringFlag{
		Name:  "features",
		Usage: "comma separated features for the custom sample (raster,compute,raytrace)",
	},
}
