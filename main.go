package main

import (
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/spaghettifunk/lumen/cmd"
	"github.com/spaghettifunk/lumen/samples"
)

func main() {
	app := cli.NewApp()
	app.Name = "lumen"
	app.Usage = "ray tracing tutorial renderer"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable debug logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:        "run",
			Usage:       "run a sample",
			Description: "Samples: " + strings.Join(samples.Names(), ", ") + ". SPACE toggles ray tracing, dragging orbits the camera, ESC quits.",
			Action:      cmd.Run,
			Flags:       cmd.RunFlags,
		},
		{
			Name:   "info",
			Usage:  "print device capabilities and the shader binding table layout",
			Action: cmd.Info,
			Flags:  cmd.InfoFlags,
		},
		{
			Name:      "compile",
			Usage:     "compile a WGSL or HLSL shader",
			ArgsUsage: "<file>",
			Action:    cmd.Compile,
			Flags:     cmd.CompileFlags,
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
