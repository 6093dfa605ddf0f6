//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

type shaderTarget struct {
	file, entry, profile, out string
}

// WGSL stages consumed by the Vulkan backend.
var wgslTargets = []shaderTarget{
	{"assets/shaders/shaders.wgsl", "VSMain", "vs_6_0", "assets/shaders/shaders.vs.spv"},
	{"assets/shaders/shaders.wgsl", "PSMain", "ps_6_0", "assets/shaders/shaders.ps.spv"},
	{"assets/shaders/particles.wgsl", "integrate", "cs_6_0", "assets/shaders/particles.spv"},
}

// Compiles the WGSL shaders to SPIR-V through the compile command.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the lumen binary into bin/.
func (Build) Engine() error {
	mg.Deps(Build.Shaders)
	if _, err := executeCmd("go", withArgs("build", "-o", "bin/lumen", "."), withStream()); err != nil {
		return err
	}
	return nil
}

func buildShaders() error {
	for _, t := range wgslTargets {
		args := []string{"run", ".", "compile", "--entry", t.entry, "--profile", t.profile, "-o", t.out, t.file}
		if _, err := executeCmd("go", withArgs(args...)); err != nil {
			return fmt.Errorf("failed to compile %s:%s: %w", t.file, t.entry, err)
		}
	}
	return nil
}
