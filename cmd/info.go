package cmd

import (
	"bytes"
	"context"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/samples"
)

var InfoFlags = append([]cli.Flag{
	cli.StringFlag{
		Name:  "sample, s",
		Value: "all",
		Usage: "sample whose setup is reported",
	},
}, configFlags...)

// Info sets up a sample without running it and prints the device
// capabilities and the shader binding table layout.
func Info(ctx *cli.Context) error {
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
	if err := e.Initialize(context.Background()); err != nil {
		_ = e.Shutdown(context.Background())
		return fail(err)
	}
	report := deviceTable(cfg, sample.Renderer)
	if layout, ok := sample.Renderer.TableLayout(); ok {
		report += "\nShader binding table\n" + layout.Table()
	} else {
		report += "\nShader binding table: ray tracing disabled\n"
	}
	if err := e.Shutdown(context.Background()); err != nil {
		return fail(err)
	}
	fmt.Fprint(ctx.App.Writer, report)
	return nil
}

func deviceTable(cfg *engine.ApplicationConfig, r *renderer.Context) string {
	features := r.Device().Features()
	stats := r.Stats()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Property", "Value"})
	table.Append([]string{"Device", features.Name})
	table.Append([]string{"Backend", cfg.Backend})
	table.Append([]string{"Ray tracing tier", features.RaytracingTier.String()})
	table.Append([]string{"Compute", fmt.Sprint(features.Compute)})
	table.Append([]string{"Frames in flight", fmt.Sprint(cfg.Frames)})
	table.Append([]string{"Records per instance", fmt.Sprint(cfg.RecordsPerInstance)})
	table.Append([]string{"Starting mode", stats.Mode.String()})
	table.Append([]string{"Setup fence value", fmt.Sprint(stats.LastFenceValue)})
	table.Render()
	return buf.String()
}
