package metadata

import (
	"encoding/binary"
	gomath "math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCubeLayout(t *testing.T) {
	c := NewCube()
	assert.Equal(t, uint32(8), c.VertexCount())
	assert.Equal(t, uint32(36), c.IndexCount())

	vb := c.VertexBytes()
	assert.Len(t, vb, 8*VertexSize)
	// second vertex is green
	g := gomath.Float32frombits(binary.LittleEndian.Uint32(vb[VertexSize+VertexColorOffset+4:]))
	assert.Equal(t, float32(1), g)

	ib := c.IndexBytes()
	assert.Len(t, ib, 36*4)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(ib[4*4:]))
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(ib[7*4:]))
	for i, idx := range c.Indices {
		assert.Less(t, idx, c.VertexCount())
		assert.Equal(t, idx, binary.LittleEndian.Uint32(ib[i*4:]), "index %d", i)
	}
}

func TestPlaneHeight(t *testing.T) {
	p := NewPlane(4, -0.5)
	for _, v := range p.Vertices {
		assert.Equal(t, float32(-0.5), v.Position.Y)
		assert.InDelta(t, 2, gomath.Abs(float64(v.Position.X)), 1e-6)
	}
	assert.Equal(t, uint32(6), p.IndexCount())
}
