package shaders

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
)

type key struct {
	path    string
	entry   string
	profile string
}

// Library caches compiled bytecode by path, entry and profile.
type Library struct {
	compiler Compiler

	mu    sync.RWMutex
	cache map[key][]byte
}

func NewLibrary(c Compiler) *Library {
	return &Library{compiler: c, cache: make(map[key][]byte)}
}

func (l *Library) Get(path, entry, profile string) ([]byte, error) {
	k := key{path: filepath.Clean(path), entry: entry, profile: profile}
	l.mu.RLock()
	code, ok := l.cache[k]
	l.mu.RUnlock()
	if ok {
		return code, nil
	}
	code, err := l.compiler.Compile(k.path, entry, profile)
	if err != nil {
		err = fmt.Errorf("failed to compile %s (%s %s): %w", path, entry, profile, err)
		core.LogError(err.Error())
		return nil, err
	}
	l.mu.Lock()
	l.cache[k] = code
	l.mu.Unlock()
	core.LogDebug("compiled %s (%s %s), %d bytes", path, entry, profile, len(code))
	return code, nil
}

// Reload recompiles every cached variant of path. A variant that fails
// keeps its previous bytecode. It reports whether anything was cached.
func (l *Library) Reload(path string) (bool, error) {
	path = filepath.Clean(path)
	l.mu.RLock()
	var keys []key
	for k := range l.cache {
		if k.path == path {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	var first error
	for _, k := range keys {
		code, err := l.compiler.Compile(k.path, k.entry, k.profile)
		if err != nil {
			err = fmt.Errorf("failed to recompile %s (%s %s), keeping the old bytecode: %w", k.path, k.entry, k.profile, err)
			core.LogWarn(err.Error())
			if first == nil {
				first = err
			}
			continue
		}
		l.mu.Lock()
		l.cache[k] = code
		l.mu.Unlock()
	}
	return len(keys) > 0, first
}

// Paths returns the distinct source files in the cache.
func (l *Library) Paths() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for k := range l.cache {
		if !seen[k.path] {
			seen[k.path] = true
			out = append(out, k.path)
		}
	}
	return out
}
