package core

import "sync"

type EventCode uint16

// System internal event codes. Application should use codes beyond 255.
const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT EventCode = 0x01
	// Keyboard key pressed. Data: *KeyEvent
	EVENT_CODE_KEY_PRESSED EventCode = 0x02
	// Keyboard key released. Data: *KeyEvent
	EVENT_CODE_KEY_RELEASED EventCode = 0x03
	// Mouse button pressed. Data: *MouseEvent
	EVENT_CODE_BUTTON_PRESSED EventCode = 0x04
	// Mouse button released. Data: *MouseEvent
	EVENT_CODE_BUTTON_RELEASED EventCode = 0x05
	// Mouse moved. Data: *MouseEvent
	EVENT_CODE_MOUSE_MOVED EventCode = 0x06
	// Mouse wheel. Data: *MouseEvent
	EVENT_CODE_MOUSE_WHEEL EventCode = 0x07
	// Resized/resolution changed from the OS. Data: *SystemEvent
	EVENT_CODE_RESIZED EventCode = 0x08
	// Render mode switched between raster and ray tracing. Data: *RenderModeEvent
	EVENT_CODE_RENDER_MODE_CHANGED EventCode = 0x09
	// Shader sources changed on disk. Data: *ShaderReloadEvent
	EVENT_CODE_SHADER_RELOADED EventCode = 0x0A

	MAX_EVENT_CODE EventCode = 0xFF
)

const MAX_MESSAGE_CODES = 16384

type EventContext struct {
	Type EventCode
	Data interface{}
}

type KeyEvent struct {
	KeyCode KeyCode
}

type MouseEvent struct {
	Button Button
	PosX   uint16
	PosY   uint16
	Scroll int8
}

type SystemEvent struct {
	WindowWidth  uint32
	WindowHeight uint32
}

type RenderModeEvent struct {
	Raster bool
}

type ShaderReloadEvent struct {
	Path string
}

type FnOnEvent func(context EventContext)

type eventSystemState struct {
	mu         sync.RWMutex
	registered map[EventCode][]FnOnEvent
}

var eventState *eventSystemState = nil
var eventMu sync.Mutex

// EventSystemInitialize returns false when the system is already running.
func EventSystemInitialize() bool {
	eventMu.Lock()
	defer eventMu.Unlock()
	if eventState != nil {
		return false
	}
	eventState = &eventSystemState{
		registered: make(map[EventCode][]FnOnEvent),
	}
	return true
}

func EventSystemShutdown() error {
	eventMu.Lock()
	defer eventMu.Unlock()
	eventState = nil
	return nil
}

func currentEvents() *eventSystemState {
	eventMu.Lock()
	defer eventMu.Unlock()
	return eventState
}

/**
 * Register to listen for when events are sent with the provided code.
 * @param code The event code to listen for.
 * @param onEvent The callback invoked when the event code is fired.
 * @returns ErrEventSystemDown if the event system is not running.
 */
func EventRegister(code EventCode, onEvent FnOnEvent) error {
	s := currentEvents()
	if s == nil {
		return ErrEventSystemDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[code] = append(s.registered[code], onEvent)
	return nil
}

// EventUnregisterAll drops every listener of code.
func EventUnregisterAll(code EventCode) {
	s := currentEvents()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registered, code)
}

/**
 * Fires an event to every listener of the given code, synchronously and in
 * registration order.
 * @returns true if at least one listener was invoked.
 */
func EventFire(context EventContext) bool {
	s := currentEvents()
	if s == nil {
		return false
	}
	s.mu.RLock()
	listeners := append([]FnOnEvent(nil), s.registered[context.Type]...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(context)
	}
	return len(listeners) > 0
}
