// Package pipeline assembles ray tracing state objects: shader libraries,
// hit groups and the local root signatures bound to each export.
package pipeline

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// Export names shared by the shader libraries and the binding table.
const (
	RayGen           = "RayGen"
	Miss             = "Miss"
	ClosestHit       = "ClosestHit"
	ShadowClosestHit = "ShadowClosestHit"
	ShadowMiss       = "ShadowMiss"
	HitGroup         = "HitGroup"
	ShadowHitGroup   = "ShadowHitGroup"
)

const (
	// DefaultPayloadSize holds a float4 color and distance.
	DefaultPayloadSize = 4 * 4
	// DefaultAttributeSize holds the triangle barycentrics.
	DefaultAttributeSize = 2 * 4
)

type Builder struct {
	libraries    []driver.ShaderLibrary
	hitGroups    []driver.HitGroupDesc
	associations []driver.RootAssociation
	global       driver.RootSignature

	maxPayloadSize    uint32
	maxAttributeSize  uint32
	maxRecursionDepth uint32
}

func NewBuilder() *Builder {
	return &Builder{
		maxPayloadSize:    DefaultPayloadSize,
		maxAttributeSize:  DefaultAttributeSize,
		maxRecursionDepth: 1,
	}
}

// AddLibrary adds compiled code exporting the given symbols.
func (b *Builder) AddLibrary(bytecode []byte, exports ...string) {
	b.libraries = append(b.libraries, driver.ShaderLibrary{Bytecode: bytecode, Exports: exports})
}

func (b *Builder) AddHitGroup(name, closestHit, anyHit, intersection string) {
	b.hitGroups = append(b.hitGroups, driver.HitGroupDesc{
		Name:         name,
		ClosestHit:   closestHit,
		AnyHit:       anyHit,
		Intersection: intersection,
	})
}

// AddRootSignatureAssociation binds a local root signature to exports or
// hit groups.
func (b *Builder) AddRootSignatureAssociation(sig driver.RootSignature, exports ...string) {
	b.associations = append(b.associations, driver.RootAssociation{Signature: sig, Exports: exports})
}

func (b *Builder) SetGlobalRootSignature(sig driver.RootSignature) {
	b.global = sig
}

func (b *Builder) SetMaxPayloadSize(size uint32) {
	b.maxPayloadSize = size
}

func (b *Builder) SetMaxAttributeSize(size uint32) {
	b.maxAttributeSize = size
}

// SetMaxRecursionDepth sets how deep TraceRay may nest. Primary rays
// with shadow rays from the hit shader need 2.
func (b *Builder) SetMaxRecursionDepth(depth uint32) {
	b.maxRecursionDepth = depth
}

// Symbols returns every export and hit group name.
func (b *Builder) Symbols() []string {
	var out []string
	for _, l := range b.libraries {
		out = append(out, l.Exports...)
	}
	for _, hg := range b.hitGroups {
		out = append(out, hg.Name)
	}
	return out
}

func (b *Builder) Validate() error {
	exports := map[string]bool{}
	for i, l := range b.libraries {
		if len(l.Bytecode) == 0 {
			return fmt.Errorf("shader library %d is empty", i)
		}
		if len(l.Exports) == 0 {
			return fmt.Errorf("shader library %d exports nothing", i)
		}
		for _, e := range l.Exports {
			if exports[e] {
				return fmt.Errorf("export %q is defined twice", e)
			}
			exports[e] = true
		}
	}
	symbols := map[string]bool{}
	for e := range exports {
		symbols[e] = true
	}
	for _, hg := range b.hitGroups {
		if symbols[hg.Name] {
			return fmt.Errorf("hit group %q collides with another symbol", hg.Name)
		}
		if hg.ClosestHit == "" && hg.AnyHit == "" && hg.Intersection == "" {
			return fmt.Errorf("hit group %q is empty", hg.Name)
		}
		for _, member := range []string{hg.ClosestHit, hg.AnyHit, hg.Intersection} {
			if member != "" && !exports[member] {
				return fmt.Errorf("hit group %q references unknown export %q", hg.Name, member)
			}
		}
		symbols[hg.Name] = true
	}
	for _, a := range b.associations {
		if a.Signature == nil {
			return fmt.Errorf("root signature association without a signature")
		}
		for _, e := range a.Exports {
			if !symbols[e] {
				return fmt.Errorf("root signature associated with unknown symbol %q", e)
			}
		}
	}
	if b.maxRecursionDepth > driver.MaxRecursionDepth {
		return fmt.Errorf("max recursion depth %d exceeds %d", b.maxRecursionDepth, driver.MaxRecursionDepth)
	}
	return nil
}

func (b *Builder) Desc() driver.RaytracingPipelineDesc {
	return driver.RaytracingPipelineDesc{
		Libraries:         b.libraries,
		HitGroups:         b.hitGroups,
		Associations:      b.associations,
		GlobalSignature:   b.global,
		MaxPayloadSize:    b.maxPayloadSize,
		MaxAttributeSize:  b.maxAttributeSize,
		MaxRecursionDepth: b.maxRecursionDepth,
	}
}

// Generate validates the description and creates the state object.
func (b *Builder) Generate(dev driver.Device) (driver.StateObject, error) {
	if err := b.Validate(); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	so, err := dev.CreateStateObject(b.Desc())
	if err != nil {
		err = fmt.Errorf("failed to create the ray tracing state object: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	return so, nil
}
