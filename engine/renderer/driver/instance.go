package driver

import (
	"encoding/binary"
	"fmt"
	gomath "math"
)

// InstanceFlags mirror the top level instance flags.
type InstanceFlags uint8

const (
	InstanceFlagNone                          InstanceFlags = 0
	InstanceFlagTriangleCullDisable           InstanceFlags = 1 << 0
	InstanceFlagTriangleFrontCounterClockwise InstanceFlags = 1 << 1
	InstanceFlagForceOpaque                   InstanceFlags = 1 << 2
)

// InstanceDesc is one entry of a top level instance buffer. Transform
// is a 3x4 row major object-to-world matrix.
type InstanceDesc struct {
	Transform             [3][4]float32
	InstanceID            uint32
	Mask                  uint8
	HitGroupContribution  uint32
	Flags                 InstanceFlags
	AccelerationStructure GPUAddress
}

const max24 = 1<<24 - 1

// Encode writes d to b in the 64 byte wire layout.
func (d InstanceDesc) Encode(b []byte) error {
	if len(b) < InstanceDescSize {
		return fmt.Errorf("instance desc: need %d bytes, have %d", InstanceDescSize, len(b))
	}
	if d.InstanceID > max24 || d.HitGroupContribution > max24 {
		return fmt.Errorf("instance desc: id %d or contribution %d exceeds 24 bits", d.InstanceID, d.HitGroupContribution)
	}
	off := 0
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			binary.LittleEndian.PutUint32(b[off:], gomath.Float32bits(d.Transform[r][c]))
			off += 4
		}
	}
	binary.LittleEndian.PutUint32(b[48:], d.InstanceID|uint32(d.Mask)<<24)
	binary.LittleEndian.PutUint32(b[52:], d.HitGroupContribution|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(b[56:], uint64(d.AccelerationStructure))
	return nil
}

// DecodeInstanceDesc reads one descriptor from b.
func DecodeInstanceDesc(b []byte) (InstanceDesc, error) {
	var d InstanceDesc
	if len(b) < InstanceDescSize {
		return d, fmt.Errorf("instance desc: need %d bytes, have %d", InstanceDescSize, len(b))
	}
	off := 0
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			d.Transform[r][c] = gomath.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
	}
	w := binary.LittleEndian.Uint32(b[48:])
	d.InstanceID = w & max24
	d.Mask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(b[52:])
	d.HitGroupContribution = w & max24
	d.Flags = InstanceFlags(w >> 24)
	d.AccelerationStructure = GPUAddress(binary.LittleEndian.Uint64(b[56:]))
	return d, nil
}
