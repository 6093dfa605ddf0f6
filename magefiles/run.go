//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs every sample stage on the software device and captures the last frame.
func (Run) Samples() error {
	for _, name := range []string{"raster", "compute", "raytrace", "all"} {
		fmt.Printf("Run sample %s...\n", name)
		args := []string{"run", ".", "run", "--sample", name, "--frames", "120", "--capture", "out/" + name + ".bmp"}
		if _, err := executeCmd("go", withArgs(args...), withStream()); err != nil {
			return err
		}
	}
	return nil
}

// Runs the full sample in a window on the Vulkan backend.
func (Run) Engine() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", ".", "run", "--backend", "vulkan", "--sample", "all", "--watch"), withStream()); err != nil {
		return err
	}
	return nil
}
