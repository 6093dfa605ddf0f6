package pipeline

import "github.com/spaghettifunk/lumen/engine/renderer/driver"

// Heap slots of the ray generation descriptor table.
const (
	OutputSlot = 0
	SceneSlot  = 1
	CameraSlot = 2
	// TableSize is the number of descriptors the ray generation table
	// spans.
	TableSize = 3
)

// RayGenSignature is a single descriptor table: the output texture as
// u0, the scene as t0 and the camera constants as b0.
func RayGenSignature() driver.RootSignatureDesc {
	return driver.RootSignatureDesc{
		Local: true,
		Parameters: []driver.RootParameter{{
			Type: driver.RootParameterDescriptorTable,
			Ranges: []driver.DescriptorRange{
				{Type: driver.RangeUAV, Count: 1, BaseRegister: 0, HeapOffset: OutputSlot},
				{Type: driver.RangeSRV, Count: 1, BaseRegister: 0, HeapOffset: SceneSlot},
				{Type: driver.RangeCBV, Count: 1, BaseRegister: 0, HeapOffset: CameraSlot},
			},
		}},
	}
}

// MissSignature takes no arguments.
func MissSignature() driver.RootSignatureDesc {
	return driver.RootSignatureDesc{Local: true}
}

// HitSignature passes the vertex buffer as t0, the index buffer as t1 and
// the scene as t2 for shadow rays.
func HitSignature() driver.RootSignatureDesc {
	return driver.RootSignatureDesc{
		Local: true,
		Parameters: []driver.RootParameter{
			{Type: driver.RootParameterSRV, Register: 0},
			{Type: driver.RootParameterSRV, Register: 1},
			{Type: driver.RootParameterSRV, Register: 2},
		},
	}
}

// Signatures holds the local root signatures of the tutorial pipeline.
type Signatures struct {
	RayGen driver.RootSignature
	Miss   driver.RootSignature
	Hit    driver.RootSignature
}

func CreateSignatures(dev driver.Device) (*Signatures, error) {
	rg, err := dev.CreateRootSignature(RayGenSignature())
	if err != nil {
		return nil, err
	}
	miss, err := dev.CreateRootSignature(MissSignature())
	if err != nil {
		rg.Release()
		return nil, err
	}
	hit, err := dev.CreateRootSignature(HitSignature())
	if err != nil {
		rg.Release()
		miss.Release()
		return nil, err
	}
	return &Signatures{RayGen: rg, Miss: miss, Hit: hit}, nil
}

func (s *Signatures) Release() {
	for _, sig := range []driver.RootSignature{s.RayGen, s.Miss, s.Hit} {
		if sig != nil {
			sig.Release()
		}
	}
}

// Tutorial describes the pipeline of the sample: primary rays shading
// with vertex colors and shadow rays toward a point light. Each argument
// is a compiled library holding the matching exports.
func Tutorial(rayGen, miss, hit, shadow []byte, sigs *Signatures) *Builder {
	b := NewBuilder()
	b.AddLibrary(rayGen, RayGen)
	b.AddLibrary(miss, Miss)
	b.AddLibrary(hit, ClosestHit)
	b.AddLibrary(shadow, ShadowClosestHit, ShadowMiss)
	b.AddHitGroup(HitGroup, ClosestHit, "", "")
	b.AddHitGroup(ShadowHitGroup, ShadowClosestHit, "", "")
	b.AddRootSignatureAssociation(sigs.RayGen, RayGen)
	b.AddRootSignatureAssociation(sigs.Miss, Miss, ShadowMiss)
	b.AddRootSignatureAssociation(sigs.Hit, HitGroup)
	b.AddRootSignatureAssociation(sigs.Miss, ShadowHitGroup)
	// HitInfo is float4 color and distance, the shadow payload fits in it.
	b.SetMaxPayloadSize(4 * 4)
	b.SetMaxAttributeSize(2 * 4)
	b.SetMaxRecursionDepth(2)
	return b
}
