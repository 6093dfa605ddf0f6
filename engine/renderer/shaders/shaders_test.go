package shaders

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/naga/hlsl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("lib_6_3")
	require.NoError(t, err)
	assert.Equal(t, StageLibrary, p.Stage)
	assert.Equal(t, hlsl.ShaderModel6_3, p.Model)
	assert.Equal(t, "lib_6_3", p.String())

	p, err = ParseProfile(" VS_6_0 ")
	require.NoError(t, err)
	assert.Equal(t, "vs_6_0", p.String())

	for _, bad := range []string{"", "lib", "gs_6_0", "cs_9_9", "lib_6_0", "lib_5_1"} {
		_, err := ParseProfile(bad)
		assert.Error(t, err, bad)
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSourceCompiler(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "shader.hlsl", "float4 VSMain() : SV_POSITION { return 0; }")

	code, err := SourceCompiler{}.Compile(path, "VSMain", "vs_6_0")
	require.NoError(t, err)
	assert.Contains(t, string(code), "VSMain")

	_, err = SourceCompiler{}.Compile(path, "Missing", "vs_6_0")
	assert.Error(t, err)

	// libraries export every symbol, the entry is not checked
	_, err = SourceCompiler{}.Compile(path, "", "lib_6_3")
	assert.NoError(t, err)

	_, err = SourceCompiler{}.Compile(writeFile(t, dir, "empty.hlsl", ""), "", "lib_6_3")
	assert.Error(t, err)
}

func TestNagaRejectsLibraries(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shader.wgsl", "@compute @workgroup_size(64) fn main() {}")
	_, err := NagaCompiler{}.Compile(path, "", "lib_6_3")
	assert.Error(t, err)
	_, err = NagaCompiler{}.Compile(path, "other", "cs_6_0")
	assert.Error(t, err)
}

type recordingCompiler struct {
	mu    sync.Mutex
	calls map[string]int
	fail  bool
	next  []byte
}

func (c *recordingCompiler) Compile(path, entry, profile string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[path+"|"+entry+"|"+profile]++
	if c.fail {
		return nil, errors.New("syntax error")
	}
	return append([]byte(nil), c.next...), nil
}

func (c *recordingCompiler) set(code []byte, fail bool) {
	c.mu.Lock()
	c.next, c.fail = code, fail
	c.mu.Unlock()
}

func TestByExtension(t *testing.T) {
	wgsl := &recordingCompiler{next: []byte("spirv")}
	hlslc := &recordingCompiler{next: []byte("dxil")}
	c := ByExtension{WGSL: wgsl, HLSL: hlslc}

	code, err := c.Compile("a.WGSL", "main", "cs_6_0")
	require.NoError(t, err)
	assert.Equal(t, "spirv", string(code))

	code, err = c.Compile("a.hlsl", "", "lib_6_3")
	require.NoError(t, err)
	assert.Equal(t, "dxil", string(code))
}

func TestLibraryCachesAndReloads(t *testing.T) {
	c := &recordingCompiler{next: []byte("v1")}
	lib := NewLibrary(c)

	code, err := lib.Get("dir/../rt.hlsl", "", "lib_6_3")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(code))
	_, err = lib.Get("rt.hlsl", "", "lib_6_3")
	require.NoError(t, err)
	assert.Equal(t, 1, c.calls["rt.hlsl||lib_6_3"])
	assert.Equal(t, []string{"rt.hlsl"}, lib.Paths())

	c.set([]byte("v2"), false)
	cached, err := lib.Reload("rt.hlsl")
	require.NoError(t, err)
	assert.True(t, cached)
	code, _ = lib.Get("rt.hlsl", "", "lib_6_3")
	assert.Equal(t, "v2", string(code))

	c.set(nil, true)
	_, err = lib.Reload("rt.hlsl")
	assert.Error(t, err)
	code, _ = lib.Get("rt.hlsl", "", "lib_6_3")
	assert.Equal(t, "v2", string(code), "a failed reload keeps the old bytecode")

	cached, err = lib.Reload("other.hlsl")
	assert.NoError(t, err)
	assert.False(t, cached)

	_, err = lib.Get("broken.hlsl", "", "lib_6_3")
	assert.Error(t, err)
}

func TestWatcherFiresReload(t *testing.T) {
	require.NoError(t, core.EventSystemShutdown())
	require.True(t, core.EventSystemInitialize())
	t.Cleanup(func() { _ = core.EventSystemShutdown() })

	dir := t.TempDir()
	path := writeFile(t, dir, "rt.hlsl", "v1")

	lib := NewLibrary(SourceCompiler{})
	_, err := lib.Get(path, "", "lib_6_3")
	require.NoError(t, err)

	reloaded := make(chan string, 4)
	require.NoError(t, core.EventRegister(core.EVENT_CODE_SHADER_RELOADED, func(ctx core.EventContext) {
		select {
		case reloaded <- ctx.Data.(*core.ShaderReloadEvent).Path:
		default:
		}
	}))

	w, err := NewWatcher(lib)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.WatchLibrary())

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	select {
	case got := <-reloaded:
		assert.Equal(t, filepath.Clean(path), got)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload event")
	}
	assert.Eventually(t, func() bool {
		code, _ := lib.Get(path, "", "lib_6_3")
		return string(code) == "v2"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close())
	assert.Error(t, w.Watch(path))
}
