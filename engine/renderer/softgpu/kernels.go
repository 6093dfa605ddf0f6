package softgpu

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// Layout of the vertex buffer read by the built-in closest hit kernel.
const (
	VertexStride      = 28
	vertexColorOffset = 12
)

const (
	rayTMax      = 100000
	shadowTMin   = 0.01
	shadowFactor = 0.3
)

var lightPosition = math.NewVec3(2, 2, -2)

// Export names the built-in kernels are bound to.
const (
	ExportRayGen           = "RayGen"
	ExportMiss             = "Miss"
	ExportClosestHit       = "ClosestHit"
	ExportShadowClosestHit = "ShadowClosestHit"
	ExportShadowMiss       = "ShadowMiss"
)

// Descriptor table slots read by the ray generation kernel.
const (
	RayGenOutputSlot = 0
	RayGenSceneSlot  = 1
	RayGenCameraSlot = 2
)

// BuiltinRayKernels returns the kernels implementing the tutorial
// shaders. The ray generation kernel takes one root argument: a table
// holding the output UAV, the scene and the camera constants. Closest hit
// takes the vertex buffer, an optional index buffer and an optional scene
// used for shadow rays.
func BuiltinRayKernels() map[string]RayKernel {
	return map[string]RayKernel{
		ExportRayGen:           {Stage: StageRayGeneration, Run: rayGen},
		ExportMiss:             {Stage: StageMiss, Run: miss},
		ExportClosestHit:       {Stage: StageClosestHit, Run: closestHit},
		ExportShadowClosestHit: {Stage: StageClosestHit, Run: shadowClosestHit},
		ExportShadowMiss:       {Stage: StageMiss, Run: shadowMiss},
	}
}

func float32At(b []byte, off int) float32 {
	return gomath.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

func rayGen(rc *RayContext, _ *Payload) error {
	args := rc.Args()
	if len(args) < 1 {
		return fmt.Errorf("RayGen expects a descriptor table argument")
	}
	table := args[0]
	scene, err := rc.TableAccelerationStructure(table, RayGenSceneSlot)
	if err != nil {
		return err
	}
	cb, err := rc.TableConstantBuffer(table, RayGenCameraSlot)
	if err != nil {
		return err
	}
	if len(cb) < 256 {
		return fmt.Errorf("RayGen: camera buffer of %d bytes", len(cb))
	}
	viewInv := math.Mat4FromBytes(cb[128:])
	projInv := math.Mat4FromBytes(cb[192:])

	launch := rc.LaunchIndex()
	dims := rc.LaunchDimensions()
	// pixel center in normalized device coordinates
	dx := (float32(launch[0])+0.5)/float32(dims[0])*2 - 1
	dy := (float32(launch[1])+0.5)/float32(dims[1])*2 - 1

	origin := math.NewVec4(0, 0, 0, 1).Transform(viewInv).ToVec3()
	target := math.NewVec4(dx, -dy, 1, 1).Transform(projInv)
	if target.W != 0 {
		target = math.NewVec4(target.X/target.W, target.Y/target.W, target.Z/target.W, 1)
	}
	dir := math.NewVec3(target.X, target.Y, target.Z).TransformDirection(viewInv).Normalized()

	var p Payload
	if err := rc.TraceRay(scene, 0xFF, 0, 0, 0, Ray{Origin: origin, Direction: dir, TMin: 0, TMax: rayTMax}, &p); err != nil {
		return err
	}
	return rc.TableWriteTexel(table, RayGenOutputSlot, launch[0], launch[1], [4]float32{p.Color.X, p.Color.Y, p.Color.Z, 1})
}

func miss(rc *RayContext, p *Payload) error {
	dims := rc.LaunchDimensions()
	ramp := float32(rc.LaunchIndex()[1]) / float32(dims[1])
	p.Color = math.NewVec3(0, 0.2, 0.7-0.3*ramp)
	p.Distance = -1
	return nil
}

func closestHit(rc *RayContext, p *Payload) error {
	args := rc.Args()
	bary := rc.Barycentrics()
	weights := [3]float32{1 - bary[0] - bary[1], bary[0], bary[1]}

	color := math.NewVec3(weights[0], weights[1], weights[2])
	if len(args) > 0 && args[0] != 0 {
		vb := driver.GPUAddress(args[0])
		prim := uint64(rc.PrimitiveIndex())
		var idx [3]uint64
		for k := range idx {
			idx[k] = prim*3 + uint64(k)
		}
		if len(args) > 1 && args[1] != 0 {
			raw, err := rc.ReadBuffer(driver.GPUAddress(args[1]), prim*12, 12)
			if err != nil {
				return err
			}
			for k := range idx {
				idx[k] = uint64(binary.LittleEndian.Uint32(raw[k*4:]))
			}
		}
		color = math.NewVec3Zero()
		for k, vi := range idx {
			raw, err := rc.ReadBuffer(vb, vi*VertexStride+vertexColorOffset, 12)
			if err != nil {
				return err
			}
			c := math.NewVec3(float32At(raw, 0), float32At(raw, 4), float32At(raw, 8))
			color = color.Add(c.MulScalar(weights[k]))
		}
	}

	if len(args) > 2 && args[2] != 0 {
		pos := rc.HitPosition()
		toLight := lightPosition.Sub(pos)
		shadow := Payload{}
		ray := Ray{Origin: pos, Direction: toLight.Normalized(), TMin: shadowTMin, TMax: toLight.Length()}
		if err := rc.TraceRay(driver.GPUAddress(args[2]), 0xFF, 1, 0, 1, ray, &shadow); err != nil {
			return err
		}
		if shadow.Hit {
			color = color.MulScalar(shadowFactor)
		}
	}

	p.Color = color
	p.Distance = rc.RayT()
	return nil
}

func shadowClosestHit(_ *RayContext, p *Payload) error {
	p.Hit = true
	return nil
}

func shadowMiss(_ *RayContext, p *Payload) error {
	p.Hit = false
	return nil
}
