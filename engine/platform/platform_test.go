package platform

import (
	"io"
	"os"
	"testing"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/stretchr/testify/assert"

	"github.com/spaghettifunk/lumen/engine/core"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestTranslateKey(t *testing.T) {
	tests := []struct {
		key  glfw.Key
		want core.KeyCode
	}{
		{glfw.KeySpace, core.KEY_SPACE},
		{glfw.KeyEscape, core.KEY_ESCAPE},
		{glfw.KeyA, core.KEY_A},
		{glfw.KeyZ, core.KEY_Z},
		{glfw.Key7, core.KeyCode('7')},
		{glfw.KeyF12, core.KEY_F12},
		{glfw.KeyKP3, core.KEY_NUMPAD3},
		{glfw.KeyLeft, core.KEY_LEFT},
		{glfw.KeyPageDown, core.KEY_NEXT},
	}
	for _, tt := range tests {
		got, ok := translateKey(tt.key)
		assert.True(t, ok, "key %d", tt.key)
		assert.Equal(t, tt.want, got, "key %d", tt.key)
	}

	_, ok := translateKey(glfw.KeyWorld1)
	assert.False(t, ok)
	_, ok = translateKey(glfw.KeyUnknown)
	assert.False(t, ok)
}

func TestTranslateButton(t *testing.T) {
	b, ok := translateButton(glfw.MouseButtonLeft)
	assert.True(t, ok)
	assert.Equal(t, core.BUTTON_LEFT, b)
	b, ok = translateButton(glfw.MouseButtonMiddle)
	assert.True(t, ok)
	assert.Equal(t, core.BUTTON_MIDDLE, b)
	_, ok = translateButton(glfw.MouseButton4)
	assert.False(t, ok)
}

func TestClamping(t *testing.T) {
	assert.Equal(t, uint16(0), cursorCoord(-12.5))
	assert.Equal(t, uint16(320), cursorCoord(320.7))
	assert.Equal(t, uint16(65535), cursorCoord(1e9))

	assert.Equal(t, int8(1), wheelDelta(0.6))
	assert.Equal(t, int8(-2), wheelDelta(-2))
	assert.Equal(t, int8(127), wheelDelta(500))
	assert.Equal(t, int8(-128), wheelDelta(-500))
}

func TestHeadless(t *testing.T) {
	h := NewHeadless()
	assert.NoError(t, h.Startup("test", 0, 0, 64, 32))
	assert.Equal(t, uint32(64), h.Width)
	assert.True(t, h.PumpMessages())
	h.Close()
	assert.False(t, h.PumpMessages())
	assert.NoError(t, h.Shutdown())
}
