// Package sbt packs shader records into a shader binding table. A table
// holds three contiguous sections, ray generation, miss and hit group,
// each with a uniform record stride.
package sbt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// DefaultRecordsPerInstance is the number of hit group records each
// instance owns: one for primary rays and one for shadow rays.
const DefaultRecordsPerInstance = 2

// HitGroupContribution is the first hit group record of instance.
func HitGroupContribution(instance, recordsPerInstance uint32) uint32 {
	return instance * recordsPerInstance
}

// Properties resolves export names to shader identifiers.
// driver.StateObject satisfies it.
type Properties interface {
	ShaderIdentifier(export string) ([]byte, bool)
}

// UnknownExportError lists every export the pipeline does not know.
type UnknownExportError struct {
	Exports []string
}

func (e *UnknownExportError) Error() string {
	return fmt.Sprintf("unknown shader exports in binding table: %s", strings.Join(e.Exports, ", "))
}

type record struct {
	export string
	args   []uint64
}

// Section describes one stride-uniform region of the table.
type Section struct {
	Offset uint64
	Size   uint64
	Stride uint64
	Count  uint32
}

// Used is the number of bytes covered by records.
func (s Section) Used() uint64 {
	return uint64(s.Count) * s.Stride
}

type Layout struct {
	RayGen   Section
	Miss     Section
	HitGroup Section
	Size     uint64
}

// DispatchDesc fills the table ranges of a dispatch for a table whose
// first byte lives at base.
func (l Layout) DispatchDesc(base driver.GPUAddress, width, height, depth uint32) driver.DispatchRaysDesc {
	return driver.DispatchRaysDesc{
		RayGeneration: driver.AddressRange{
			Start: base + driver.GPUAddress(l.RayGen.Offset),
			Size:  l.RayGen.Stride,
		},
		Miss: driver.AddressRangeStride{
			Start:  base + driver.GPUAddress(l.Miss.Offset),
			Size:   l.Miss.Used(),
			Stride: l.Miss.Stride,
		},
		HitGroup: driver.AddressRangeStride{
			Start:  base + driver.GPUAddress(l.HitGroup.Offset),
			Size:   l.HitGroup.Used(),
			Stride: l.HitGroup.Stride,
		},
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// RayGenDispatchDesc is DispatchDesc launching ray generation record i
// instead of the first one.
func (l Layout) RayGenDispatchDesc(base driver.GPUAddress, i, width, height, depth uint32) (driver.DispatchRaysDesc, error) {
	if i >= l.RayGen.Count {
		return driver.DispatchRaysDesc{}, fmt.Errorf("ray generation record %d out of %d", i, l.RayGen.Count)
	}
	offset := uint64(i) * l.RayGen.Stride
	if !math.IsAligned(uint64(base)+l.RayGen.Offset+offset, driver.ShaderTableAlignment) {
		return driver.DispatchRaysDesc{}, fmt.Errorf("ray generation record %d is not %d byte aligned", i, driver.ShaderTableAlignment)
	}
	desc := l.DispatchDesc(base, width, height, depth)
	desc.RayGeneration.Start += driver.GPUAddress(offset)
	return desc, nil
}

// HitGroupIndex converts a byte offset inside the hit group section to a
// record index.
func (l Layout) HitGroupIndex(offset uint64) (uint32, error) {
	if l.HitGroup.Stride == 0 || offset >= l.HitGroup.Used() || offset%l.HitGroup.Stride != 0 {
		return 0, fmt.Errorf("offset %d is not a hit group record", offset)
	}
	return uint32(offset / l.HitGroup.Stride), nil
}

// Table renders the layout for display.
func (l Layout) Table() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Section", "Offset", "Records", "Stride", "Size"})
	for _, row := range []struct {
		name string
		s    Section
	}{{"Ray generation", l.RayGen}, {"Miss", l.Miss}, {"Hit group", l.HitGroup}} {
		table.Append([]string{row.name, fmt.Sprint(row.s.Offset), fmt.Sprint(row.s.Count), fmt.Sprint(row.s.Stride), fmt.Sprint(row.s.Size)})
	}
	table.SetFooter([]string{"Total", " ", " ", " ", fmt.Sprint(l.Size)})
	table.Render()
	return buf.String()
}

// Generator collects programs and their root arguments. Root arguments
// are 8 byte values, descriptor table handles or GPU addresses.
type Generator struct {
	rayGen   []record
	miss     []record
	hitGroup []record
}

func (g *Generator) AddRayGenProgram(export string, args ...uint64) {
	g.rayGen = append(g.rayGen, record{export: export, args: args})
}

func (g *Generator) AddMissProgram(export string, args ...uint64) {
	g.miss = append(g.miss, record{export: export, args: args})
}

func (g *Generator) AddHitGroup(export string, args ...uint64) {
	g.hitGroup = append(g.hitGroup, record{export: export, args: args})
}

func (g *Generator) Reset() {
	g.rayGen, g.miss, g.hitGroup = nil, nil, nil
}

func section(records []record, offset uint64) Section {
	maxArgs := 0
	for _, r := range records {
		maxArgs = max(maxArgs, len(r.args))
	}
	stride := math.RoundUp(uint64(driver.ShaderIdentifierSize+driver.RootArgumentSize*maxArgs), uint64(driver.ShaderRecordAlignment))
	return Section{
		Offset: offset,
		Size:   math.RoundUp(uint64(len(records))*stride, uint64(driver.ShaderTableAlignment)),
		Stride: stride,
		Count:  uint32(len(records)),
	}
}

// Compute returns the layout of the programs added so far.
func (g *Generator) Compute() Layout {
	var l Layout
	l.RayGen = section(g.rayGen, 0)
	l.Miss = section(g.miss, l.RayGen.Offset+l.RayGen.Size)
	l.HitGroup = section(g.hitGroup, l.Miss.Offset+l.Miss.Size)
	l.Size = l.HitGroup.Offset + l.HitGroup.Size
	return l
}

func (g *Generator) validate(props Properties) error {
	seen := map[string]bool{}
	var unknown []string
	for _, list := range [][]record{g.rayGen, g.miss, g.hitGroup} {
		for _, r := range list {
			if _, ok := props.ShaderIdentifier(r.export); !ok && !seen[r.export] {
				seen[r.export] = true
				unknown = append(unknown, r.export)
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &UnknownExportError{Exports: unknown}
	}
	return nil
}

/**
 * @brief Writes the table into dst, which must hold Compute().Size
 * bytes. Every export is resolved before anything is written.
 */
func (g *Generator) Generate(props Properties, dst []byte) (Layout, error) {
	if len(g.rayGen) == 0 {
		err := fmt.Errorf("binding table without a ray generation program")
		core.LogError(err.Error())
		return Layout{}, err
	}
	if err := g.validate(props); err != nil {
		core.LogError(err.Error())
		return Layout{}, err
	}
	l := g.Compute()
	if uint64(len(dst)) < l.Size {
		err := fmt.Errorf("binding table needs %d bytes, destination holds %d", l.Size, len(dst))
		core.LogError(err.Error())
		return Layout{}, err
	}
	for _, s := range []struct {
		sec     Section
		records []record
	}{{l.RayGen, g.rayGen}, {l.Miss, g.miss}, {l.HitGroup, g.hitGroup}} {
		region := dst[s.sec.Offset : s.sec.Offset+s.sec.Size]
		clear(region)
		for i, r := range s.records {
			rec := region[uint64(i)*s.sec.Stride:]
			id, _ := props.ShaderIdentifier(r.export)
			copy(rec[:driver.ShaderIdentifierSize], id)
			for a, arg := range r.args {
				binary.LittleEndian.PutUint64(rec[driver.ShaderIdentifierSize+a*driver.RootArgumentSize:], arg)
			}
		}
	}
	return l, nil
}

// Table is a binding table stored in an upload heap buffer.
type Table struct {
	Buffer driver.Resource
	Layout Layout
}

func (t *Table) DispatchDesc(width, height, depth uint32) driver.DispatchRaysDesc {
	return t.Layout.DispatchDesc(t.Buffer.GPUAddress(), width, height, depth)
}

func (t *Table) RayGenDispatchDesc(i, width, height, depth uint32) (driver.DispatchRaysDesc, error) {
	return t.Layout.RayGenDispatchDesc(t.Buffer.GPUAddress(), i, width, height, depth)
}

func (t *Table) Release() {
	if t.Buffer != nil {
		t.Buffer.Release()
		t.Buffer = nil
	}
}

// Build packs the table into a new upload heap buffer.
func (g *Generator) Build(dev driver.Device, props Properties) (*Table, error) {
	if err := g.validate(props); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	l := g.Compute()
	data := make([]byte, l.Size)
	if _, err := g.Generate(props, data); err != nil {
		return nil, err
	}
	buf, err := dev.CreateCommittedResource(driver.HeapUpload, driver.BufferDesc(math.RoundUp(l.Size, uint64(driver.AccelerationStructureAlignment)), driver.ResourceFlagNone), driver.StateGenericRead)
	if err != nil {
		err = fmt.Errorf("failed to create binding table buffer: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	buf.SetName("sbt")
	mem, err := buf.Map()
	if err != nil {
		buf.Release()
		return nil, err
	}
	copy(mem, data)
	buf.Unmap()
	return &Table{Buffer: buf, Layout: l}, nil
}
