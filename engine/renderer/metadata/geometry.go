package metadata

import (
	"encoding/binary"
	gomath "math"

	"github.com/spaghettifunk/lumen/engine/math"
)

/** @brief The byte size of a Vertex: a float3 position and a float4 color. */
const VertexSize = 28

/** @brief Byte offset of the color inside a vertex. */
const VertexColorOffset = 12

type Vertex struct {
	Position math.Vec3
	Color    math.Vec4
}

/**
 * @brief A triangle mesh kept on the CPU until it is uploaded. Indices
 * are a 32 bit triangle list.
 */
type Geometry struct {
	Name     string
	Vertices []Vertex
	Indices  []uint32
}

func (g *Geometry) VertexCount() uint32 {
	return uint32(len(g.Vertices))
}

func (g *Geometry) IndexCount() uint32 {
	return uint32(len(g.Indices))
}

// VertexBytes encodes the vertices as little endian float32s.
func (g *Geometry) VertexBytes() []byte {
	out := make([]byte, len(g.Vertices)*VertexSize)
	for i, v := range g.Vertices {
		vals := [7]float32{v.Position.X, v.Position.Y, v.Position.Z, v.Color.X, v.Color.Y, v.Color.Z, v.Color.W}
		for j, f := range vals {
			binary.LittleEndian.PutUint32(out[i*VertexSize+j*4:], gomath.Float32bits(f))
		}
	}
	return out
}

func (g *Geometry) IndexBytes() []byte {
	out := make([]byte, len(g.Indices)*4)
	for i, idx := range g.Indices {
		binary.LittleEndian.PutUint32(out[i*4:], idx)
	}
	return out
}

/** @brief A unit cube centered on the origin with a color per corner. */
func NewCube() *Geometry {
	return &Geometry{
		Name: "cube",
		Vertices: []Vertex{
			{math.NewVec3(-0.5, -0.5, -0.5), math.NewVec4(1, 0, 0, 1)},
			{math.NewVec3(-0.5, +0.5, -0.5), math.NewVec4(0, 1, 0, 1)},
			{math.NewVec3(+0.5, +0.5, -0.5), math.NewVec4(0, 0, 1, 1)},
			{math.NewVec3(+0.5, -0.5, -0.5), math.NewVec4(1, 1, 0, 1)},
			{math.NewVec3(-0.5, -0.5, +0.5), math.NewVec4(0, 1, 1, 1)},
			{math.NewVec3(-0.5, +0.5, +0.5), math.NewVec4(1, 1, 1, 1)},
			{math.NewVec3(+0.5, +0.5, +0.5), math.NewVec4(1, 0, 1, 1)},
			{math.NewVec3(+0.5, -0.5, +0.5), math.NewVec4(1, 0, 0, 1)},
		},
		Indices: []uint32{
			0, 1, 2, 0, 2, 3,
			4, 6, 5, 4, 7, 6,
			4, 5, 1, 4, 1, 0,
			3, 2, 6, 3, 6, 7,
			1, 5, 6, 1, 6, 2,
			4, 0, 3, 4, 3, 7,
		},
	}
}

/** @brief A square in the XZ plane at height y, receiving the shadows. */
func NewPlane(size, y float32) *Geometry {
	h := size / 2
	grey := math.NewVec4(0.8, 0.8, 0.8, 1)
	return &Geometry{
		Name: "plane",
		Vertices: []Vertex{
			{math.NewVec3(-h, y, -h), grey},
			{math.NewVec3(-h, y, +h), grey},
			{math.NewVec3(+h, y, +h), grey},
			{math.NewVec3(+h, y, -h), grey},
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	}
}
