package pipeline_test

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func tutorial(t *testing.T, dev driver.Device) *pipeline.Builder {
	t.Helper()
	sigs, err := pipeline.CreateSignatures(dev)
	require.NoError(t, err)
	t.Cleanup(sigs.Release)
	return pipeline.Tutorial([]byte("rg"), []byte("miss"), []byte("hit"), []byte("shadow"), sigs)
}

func TestTutorialPipelineGenerates(t *testing.T) {
	dev := softgpu.New()
	defer dev.Release()
	b := tutorial(t, dev)
	require.NoError(t, b.Validate())

	so, err := b.Generate(dev)
	require.NoError(t, err)
	for _, name := range b.Symbols() {
		id, ok := so.ShaderIdentifier(name)
		assert.True(t, ok, name)
		assert.Len(t, id, driver.ShaderIdentifierSize)
	}
	assert.Equal(t, uint32(2), b.Desc().MaxRecursionDepth)
	assert.Equal(t, uint32(16), b.Desc().MaxPayloadSize)
	assert.Equal(t, uint32(8), b.Desc().MaxAttributeSize)
}

func TestDuplicateExport(t *testing.T) {
	b := pipeline.NewBuilder()
	b.AddLibrary([]byte("a"), "RayGen")
	b.AddLibrary([]byte("b"), "RayGen")
	assert.ErrorContains(t, b.Validate(), "defined twice")
}

func TestHitGroupUnknownExport(t *testing.T) {
	b := pipeline.NewBuilder()
	b.AddLibrary([]byte("a"), "RayGen")
	b.AddHitGroup("HitGroup", "ClosestHit", "", "")
	assert.ErrorContains(t, b.Validate(), "unknown export")
}

func TestAssociationUnknownSymbol(t *testing.T) {
	dev := softgpu.New()
	defer dev.Release()
	sig, err := dev.CreateRootSignature(pipeline.MissSignature())
	require.NoError(t, err)
	b := pipeline.NewBuilder()
	b.AddLibrary([]byte("a"), "RayGen")
	b.AddRootSignatureAssociation(sig, "Elsewhere")
	assert.ErrorContains(t, b.Validate(), "unknown symbol")
}

func TestRecursionLimit(t *testing.T) {
	b := pipeline.NewBuilder()
	b.AddLibrary([]byte("a"), "RayGen")
	b.SetMaxRecursionDepth(32)
	assert.Error(t, b.Validate())
}

func TestEmptyLibrary(t *testing.T) {
	b := pipeline.NewBuilder()
	b.AddLibrary(nil, "RayGen")
	assert.Error(t, b.Validate())
}

func TestRayGenSignatureLayout(t *testing.T) {
	desc := pipeline.RayGenSignature()
	require.Len(t, desc.Parameters, 1)
	ranges := desc.Parameters[0].Ranges
	require.Len(t, ranges, pipeline.TableSize)
	assert.Equal(t, driver.RangeUAV, ranges[pipeline.OutputSlot].Type)
	assert.Equal(t, driver.RangeSRV, ranges[pipeline.SceneSlot].Type)
	assert.Equal(t, driver.RangeCBV, ranges[pipeline.CameraSlot].Type)
	assert.True(t, desc.Local)
	assert.Len(t, pipeline.HitSignature().Parameters, 3)
}
