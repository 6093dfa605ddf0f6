package sbt_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/sbt"
	"github.com/spaghettifunk/lumen/engine/renderer/softgpu"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeProps map[string][]byte

func (p fakeProps) ShaderIdentifier(export string) ([]byte, bool) {
	id, ok := p[export]
	return id, ok
}

func ident(b byte) []byte {
	return bytes.Repeat([]byte{b}, driver.ShaderIdentifierSize)
}

func props() fakeProps {
	return fakeProps{
		"RayGen":         ident(1),
		"Miss":           ident(2),
		"ShadowMiss":     ident(3),
		"HitGroup":       ident(4),
		"ShadowHitGroup": ident(5),
	}
}

func tutorialGenerator(instances int) *sbt.Generator {
	g := &sbt.Generator{}
	g.AddRayGenProgram("RayGen", 0x1000)
	g.AddMissProgram("Miss")
	g.AddMissProgram("ShadowMiss")
	for i := 0; i < instances; i++ {
		g.AddHitGroup("HitGroup", 0x2000, 0x3000, 0x4000)
		g.AddHitGroup("ShadowHitGroup")
	}
	return g
}

func TestStrideIsUniformPerSection(t *testing.T) {
	g := tutorialGenerator(3)
	l := g.Compute()

	assert.Equal(t, uint64(64), l.RayGen.Stride)
	assert.Equal(t, uint64(32), l.Miss.Stride)
	// 32 + 3*8 = 56 rounds to 64, the shadow record shares the stride
	assert.Equal(t, uint64(64), l.HitGroup.Stride)
	for _, s := range []sbt.Section{l.RayGen, l.Miss, l.HitGroup} {
		assert.Zero(t, s.Stride%driver.ShaderRecordAlignment)
		assert.Zero(t, s.Offset%driver.ShaderTableAlignment)
		assert.GreaterOrEqual(t, s.Size, s.Used())
	}
	assert.Equal(t, l.RayGen.Offset+l.RayGen.Size, l.Miss.Offset)
	assert.Equal(t, l.Miss.Offset+l.Miss.Size, l.HitGroup.Offset)
	assert.Equal(t, l.HitGroup.Offset+l.HitGroup.Size, l.Size)
	assert.Equal(t, uint32(6), l.HitGroup.Count)
}

func TestGenerateWritesRecords(t *testing.T) {
	g := tutorialGenerator(2)
	l := g.Compute()
	dst := bytes.Repeat([]byte{0xEE}, int(l.Size))
	got, err := g.Generate(props(), dst)
	require.NoError(t, err)
	assert.Equal(t, l, got)

	rg := dst[l.RayGen.Offset:]
	assert.Equal(t, ident(1), rg[:32])
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(rg[32:]))
	assert.Equal(t, make([]byte, 24), rg[40:64])

	for i := uint32(0); i < l.HitGroup.Count; i++ {
		rec := dst[l.HitGroup.Offset+uint64(i)*l.HitGroup.Stride:][:l.HitGroup.Stride]
		if i%2 == 0 {
			assert.Equal(t, ident(4), rec[:32])
			assert.Equal(t, uint64(0x4000), binary.LittleEndian.Uint64(rec[48:]))
		} else {
			assert.Equal(t, ident(5), rec[:32])
			assert.Equal(t, make([]byte, 32), rec[32:])
		}
	}
}

func TestHitGroupContributionMatchesRecords(t *testing.T) {
	g := tutorialGenerator(4)
	l := g.Compute()
	for i := uint32(0); i < 4; i++ {
		c := sbt.HitGroupContribution(i, sbt.DefaultRecordsPerInstance)
		assert.Equal(t, 2*i, c)
		idx, err := l.HitGroupIndex(uint64(c) * l.HitGroup.Stride)
		require.NoError(t, err)
		assert.Equal(t, c, idx)
	}
	_, err := l.HitGroupIndex(l.HitGroup.Used())
	assert.Error(t, err)
	assert.Equal(t, uint32(9), sbt.HitGroupContribution(3, 3))
}

func TestUnknownExportFailsBeforeWriting(t *testing.T) {
	g := tutorialGenerator(1)
	g.AddHitGroup("Typo")
	g.AddMissProgram("AlsoMissing")
	l := g.Compute()
	dst := bytes.Repeat([]byte{0xEE}, int(l.Size))

	_, err := g.Generate(props(), dst)
	var unknown *sbt.UnknownExportError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, []string{"AlsoMissing", "Typo"}, unknown.Exports)
	assert.Equal(t, bytes.Repeat([]byte{0xEE}, int(l.Size)), dst)
}

func TestGenerateNeedsRayGen(t *testing.T) {
	g := &sbt.Generator{}
	g.AddMissProgram("Miss")
	_, err := g.Generate(props(), make([]byte, 1024))
	assert.Error(t, err)
}

func TestGenerateShortDestination(t *testing.T) {
	g := tutorialGenerator(1)
	_, err := g.Generate(props(), make([]byte, 16))
	assert.Error(t, err)
}

func TestDispatchDesc(t *testing.T) {
	l := tutorialGenerator(3).Compute()
	d := l.DispatchDesc(0x10000, 900, 600, 1)
	assert.Equal(t, driver.GPUAddress(0x10000), d.RayGeneration.Start)
	assert.Equal(t, l.RayGen.Stride, d.RayGeneration.Size)
	assert.Equal(t, driver.GPUAddress(0x10000+l.Miss.Offset), d.Miss.Start)
	assert.Equal(t, uint64(2*32), d.Miss.Size)
	assert.Equal(t, l.HitGroup.Stride, d.HitGroup.Stride)
	assert.Equal(t, uint32(900), d.Width)
}

func TestBuildUploadsTable(t *testing.T) {
	dev := softgpu.New()
	defer dev.Release()
	g := tutorialGenerator(1)
	table, err := g.Build(dev, props())
	require.NoError(t, err)
	defer table.Release()

	mem, err := table.Buffer.Map()
	require.NoError(t, err)
	assert.Equal(t, ident(1), mem[:32])
	assert.Zero(t, uint64(table.Buffer.GPUAddress())%driver.ShaderTableAlignment)
	assert.Contains(t, table.Layout.Table(), "Hit group")
}

func TestRayGenDispatchDescPerSlot(t *testing.T) {
	g := &sbt.Generator{}
	g.AddRayGenProgram("RayGen", 0x1000)
	g.AddRayGenProgram("RayGen", 0x1100)
	g.AddMissProgram("Miss")
	g.AddHitGroup("HitGroup")
	l := g.Compute()
	require.Equal(t, uint64(64), l.RayGen.Stride)

	d, err := l.RayGenDispatchDesc(0x10000, 1, 4, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, driver.GPUAddress(0x10000+64), d.RayGeneration.Start)
	assert.Equal(t, l.RayGen.Stride, d.RayGeneration.Size)
	assert.Equal(t, driver.GPUAddress(0x10000+l.Miss.Offset), d.Miss.Start)

	_, err = l.RayGenDispatchDesc(0x10000, 2, 4, 4, 1)
	assert.Error(t, err)

	// records without arguments are only 32 bytes apart
	g = &sbt.Generator{}
	g.AddRayGenProgram("RayGen")
	g.AddRayGenProgram("RayGen")
	_, err = g.Compute().RayGenDispatchDesc(0x10000, 1, 4, 4, 1)
	assert.Error(t, err)
}
