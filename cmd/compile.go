package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/shaders"
)

var CompileFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "entry, e",
		Usage: "entry point, ignored by library profiles",
	},
	cli.StringFlag{
		Name:  "profile, p",
		Usage: "target profile such as vs_6_0, cs_6_0 or lib_6_3",
	},
	cli.StringFlag{
		Name:  "out, o",
		Usage: "output file, the source name with a .spv or .dxil extension by default",
	},
	cli.StringFlag{
		Name:  "dxc",
		Usage: "path of the dxc executable",
	},
}

// Compile one shader source with naga (WGSL) or dxc (HLSL).
func Compile(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() != 1 {
		return fail(errors.New("compile expects exactly one shader file"))
	}
	src := ctx.Args().Get(0)
	profile := ctx.String("profile")
	p, err := shaders.ParseProfile(profile)
	if err != nil {
		return fail(err)
	}
	entry := ctx.String("entry")
	if p.Stage != shaders.StageLibrary && entry == "" {
		return fail(errors.New("--entry is required for " + p.String()))
	}

	compiler := shaders.ByExtension{
		WGSL: shaders.NagaCompiler{},
		HLSL: shaders.DXCCompiler{Path: ctx.String("dxc")},
	}
	code, err := compiler.Compile(src, entry, p.String())
	if err != nil {
		return fail(err)
	}

	out := ctx.String("out")
	if out == "" {
		out = outputName(src)
	}
	if err := os.WriteFile(out, code, 0o644); err != nil {
		return fail(err)
	}
	core.LogInfo("%s (%s) compiled to %s, %d bytes", src, p, out, len(code))
	return nil
}

func outputName(src string) string {
	ext := filepath.Ext(src)
	base := strings.TrimSuffix(src, ext)
	if strings.EqualFold(ext, ".wgsl") {
		return base + ".spv"
	}
	return base + ".dxil"
}
