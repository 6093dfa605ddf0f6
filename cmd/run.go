package cmd

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/samples"
)

var RunFlags = append([]cli.Flag{
	cli.StringFlag{
		Name:  "sample, s",
		Value: samples.Custom,
		Usage: "tutorial stage to run: " + strings.Join(samples.Names(), ", "),
	},
	cli.IntFlag{
		Name:  "frames, n",
		Usage: "stop after this many frames, 0 runs until the window closes",
	},
	cli.StringFlag{
		Name:  "mode, m",
		Value: "raster",
		Usage: "starting render mode: raster or raytrace",
	},
	cli.StringFlag{
		Name:  "capture, o",
		Usage: "write the last frame to this BMP file",
	},
	cli.BoolFlag{
		Name:  "watch, w",
		Usage: "rebuild the pipelines when shader files change",
	},
}, configFlags...)

// Run a sample until it is closed, the frame limit is reached or the
// process is interrupted.
func Run(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}
	sample, err := samples.New(ctx.String("sample"), cfg)
	if err != nil {
		return fail(err)
	}
	e, err := engine.New(sample.Game)
	if err != nil {
		return fail(err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if err := e.Initialize(runCtx); err != nil {
		_ = e.Shutdown(context.Background())
		return fail(err)
	}
	runErr := e.Run(runCtx)
	// shutdown must drain the GPU even after an interrupt
	shutdownErr := e.Shutdown(context.Background())
	if err := errors.Join(runErr, shutdownErr); err != nil {
		return fail(err)
	}
	core.LogInfo("bye")
	return nil
}
