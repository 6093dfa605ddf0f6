// Package shaders compiles shader sources and keeps the results cached,
// recompiling them when the files change on disk.
package shaders

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gogpu/naga"
)

// Compiler turns a shader source file into bytecode for one entry point.
// Library profiles ignore entry.
type Compiler interface {
	Compile(path, entry, profile string) ([]byte, error)
}

// NagaCompiler compiles WGSL sources to SPIR-V.
type NagaCompiler struct{}

func (NagaCompiler) Compile(path, entry, profile string) ([]byte, error) {
	p, err := ParseProfile(profile)
	if err != nil {
		return nil, err
	}
	if p.Stage == StageLibrary {
		return nil, fmt.Errorf("%s: WGSL has no ray tracing libraries", path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if entry != "" && !bytes.Contains(src, []byte("fn "+entry)) {
		return nil, fmt.Errorf("%s: entry point %q not found", path, entry)
	}
	spirv, err := naga.Compile(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spirv, nil
}

// DXCCompiler runs the DirectX shader compiler on HLSL sources.
type DXCCompiler struct {
	// Path of the dxc executable, looked up in PATH when empty.
	Path string
}

func (c DXCCompiler) Compile(path, entry, profile string) ([]byte, error) {
	p, err := ParseProfile(profile)
	if err != nil {
		return nil, err
	}
	bin := c.Path
	if bin == "" {
		if bin, err = exec.LookPath("dxc"); err != nil {
			return nil, fmt.Errorf("dxc not available: %w", err)
		}
	}
	out, err := os.CreateTemp("", "lumen-*.dxil")
	if err != nil {
		return nil, err
	}
	out.Close()
	defer os.Remove(out.Name())

	args := []string{"-T", p.String(), "-Fo", out.Name()}
	if p.Stage != StageLibrary {
		args = append(args, "-E", entry)
	}
	args = append(args, path)
	var stderr bytes.Buffer
	cmd := exec.Command(bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return os.ReadFile(out.Name())
}

// SourceCompiler validates the profile and entry point and returns the
// source itself. The software device binds kernels by export name and
// only needs a non empty library.
type SourceCompiler struct{}

func (SourceCompiler) Compile(path, entry, profile string) ([]byte, error) {
	p, err := ParseProfile(profile)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(src) == 0 {
		return nil, fmt.Errorf("%s: empty shader source", path)
	}
	if p.Stage != StageLibrary && (entry == "" || !bytes.Contains(src, []byte(entry))) {
		return nil, fmt.Errorf("%s: entry point %q not found", path, entry)
	}
	return src, nil
}

// ByExtension routes .wgsl files to naga and everything else to DXC.
type ByExtension struct {
	WGSL Compiler
	HLSL Compiler
}

func (c ByExtension) Compile(path, entry, profile string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".wgsl") {
		return c.WGSL.Compile(path, entry, profile)
	}
	return c.HLSL.Compile(path, entry, profile)
}
