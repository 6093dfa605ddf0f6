package cmd

import (
	"github.com/urfave/cli"

	"github.com/spaghettifunk/lumen/engine/core"
)

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		core.SetLogLevel(core.LogLevelDebug)
	}
}

// fail logs err and turns it into an exit status.
func fail(err error) error {
	core.LogError(err.Error())
	return cli.NewExitError("", 1)
}
