package engine

import (
	"github.com/spaghettifunk/lumen/engine/renderer"
)

// Game is the application side of the engine. Every hook is optional.
type Game struct {
	ApplicationConfig *ApplicationConfig
	// Renderer is set by the engine before FnInitialize runs.
	Renderer     *renderer.Context
	State        interface{}
	FnBoot       Boot
	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnOnResize   OnResize
	FnShutdown   Shutdown
}

// Boot runs before any engine system starts and may adjust the config.
type Boot func() error
type Initialize func() error
type Update func(deltaTime float64) error

// Render runs right before the renderer records the frame.
type Render func(deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error

func (g *Game) boot() error {
	if g.FnBoot == nil {
		return nil
	}
	return g.FnBoot()
}

func (g *Game) initialize() error {
	if g.FnInitialize == nil {
		return nil
	}
	return g.FnInitialize()
}

func (g *Game) update(deltaTime float64) error {
	if g.FnUpdate == nil {
		return nil
	}
	return g.FnUpdate(deltaTime)
}

func (g *Game) render(deltaTime float64) error {
	if g.FnRender == nil {
		return nil
	}
	return g.FnRender(deltaTime)
}

func (g *Game) onResize(width, height uint32) error {
	if g.FnOnResize == nil {
		return nil
	}
	return g.FnOnResize(width, height)
}

func (g *Game) shutdown() error {
	if g.FnShutdown == nil {
		return nil
	}
	return g.FnShutdown()
}
