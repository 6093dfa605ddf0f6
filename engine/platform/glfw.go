package platform

import (
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/lumen/engine/core"
	lmath "github.com/spaghettifunk/lumen/engine/math"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

// Platform is a glfw window without a client API. It satisfies the
// surface contract of the vulkan device.
type Platform struct {
	Window *glfw.Window
}

var _ Window = (*Platform)(nil)

func New() *Platform {
	return &Platform{
		Window: nil,
	}
}

func (p *Platform) Startup(applicationName string, x uint32, y uint32, width uint32, height uint32) error {
	if err := glfw.Init(); err != nil {
		err = fmt.Errorf("failed to initialize glfw: %w", err)
		core.LogError(err.Error())
		return err
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	// the swapchain is created once
	glfw.WindowHint(glfw.Resizable, glfw.False)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(width), int(height), applicationName, nil, nil)
	if err != nil {
		glfw.Terminate()
		err = fmt.Errorf("failed to create window: %w", err)
		core.LogError(err.Error())
		return err
	}
	p.Window = window

	p.Window.SetKeyCallback(keyCallback)
	p.Window.SetMouseButtonCallback(mouseButtonCallback)
	p.Window.SetCursorPosCallback(cursorPosCallback)
	p.Window.SetScrollCallback(scrollCallback)
	p.Window.SetFramebufferSizeCallback(framebufferSizeCallback)
	p.Window.SetPos(int(x), int(y))
	p.Window.Show()

	core.LogInfo("window %q created (%dx%d)", applicationName, width, height)
	return nil
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
	}
	glfw.Terminate()
	return nil
}

func (p *Platform) PumpMessages() bool {
	if p.Window == nil {
		return false
	}
	glfw.PollEvents()
	return !p.Window.ShouldClose()
}

func (p *Platform) RequiredInstanceExtensions() []string {
	return p.Window.GetRequiredInstanceExtensions()
}

func (p *Platform) CreateWindowSurface(instance interface{}, allocCallbacks unsafe.Pointer) (uintptr, error) {
	return p.Window.CreateWindowSurface(instance, allocCallbacks)
}

func keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if action == glfw.Repeat {
		return
	}
	code, ok := translateKey(key)
	if !ok {
		return
	}
	if err := core.InputProcessKey(code, action == glfw.Press); err != nil {
		core.LogWarn("key %d dropped: %s", code, err)
	}
}

func mouseButtonCallback(w *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
	b, ok := translateButton(button)
	if !ok {
		return
	}
	if err := core.InputProcessButton(b, action == glfw.Press); err != nil {
		core.LogWarn("mouse button %d dropped: %s", b, err)
	}
}

func cursorPosCallback(w *glfw.Window, xpos, ypos float64) {
	_ = core.InputProcessMouseMove(cursorCoord(xpos), cursorCoord(ypos))
}

func scrollCallback(w *glfw.Window, xoff, yoff float64) {
	_ = core.InputProcessMouseWheel(wheelDelta(yoff))
}

func framebufferSizeCallback(w *glfw.Window, width, height int) {
	core.EventFire(core.EventContext{
		Type: core.EVENT_CODE_RESIZED,
		Data: &core.SystemEvent{
			WindowWidth:  uint32(max(width, 0)),
			WindowHeight: uint32(max(height, 0)),
		},
	})
}

// cursorCoord clamps a cursor position to the range of the input system.
// The cursor goes negative when dragged outside the window.
func cursorCoord(v float64) uint16 {
	return uint16(lmath.Clamp(v, 0, math.MaxUint16))
}

func wheelDelta(yoff float64) int8 {
	return int8(lmath.Clamp(math.Round(yoff), math.MinInt8, math.MaxInt8))
}
