package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-5

func TestMat4MulAppliesLeftFirst(t *testing.T) {
	scale := NewMat4Scale(NewVec3(2, 2, 2))
	move := NewMat4Translation(NewVec3(1, 0, 0))

	p := NewVec3(1, 1, 1).Transform(scale.Mul(move))
	assert.True(t, p.Compare(NewVec3(3, 2, 2), eps), "got %v", p)
}

func TestMat4Inverse(t *testing.T) {
	m := NewMat4EulerY(0.7).Mul(NewMat4Translation(NewVec3(1, -2, 3))).Mul(NewMat4Scale(NewVec3(2, 1, 0.5)))
	inv, ok := m.Inverse()
	require.True(t, ok)
	assert.True(t, m.Mul(inv).Compare(NewMat4Identity(), 1e-4))

	_, ok = Mat4{}.Inverse()
	assert.False(t, ok)
}

func TestMat4Transposed(t *testing.T) {
	m := NewMat4Translation(NewVec3(4, 5, 6))
	tr := NewMat4Transposed(m)
	assert.Equal(t, float32(4), tr.At(0, 3))
	assert.Equal(t, float32(5), tr.At(1, 3))
	assert.Equal(t, float32(6), tr.At(2, 3))
	assert.Equal(t, m, NewMat4Transposed(tr))
}

func TestEulerYMatchesQuaternion(t *testing.T) {
	angle := DegToRad(90)
	q := NewQuatFromAxisAngle(NewVec3Up(), angle, true)
	assert.True(t, q.ToMat4().Compare(NewMat4EulerY(angle), eps))

	// left handed: +X turns towards -Z
	v := NewVec3Right().TransformDirection(NewMat4EulerY(angle))
	assert.True(t, v.Compare(NewVec3(0, 0, -1), eps), "got %v", v)
}

func TestLookAtLH(t *testing.T) {
	eye := NewVec3(0, 0, -5)
	view := NewMat4LookAtLH(eye, NewVec3Zero(), NewVec3Up())

	origin := NewVec3Zero().Transform(view)
	assert.True(t, origin.Compare(NewVec3(0, 0, 5), eps), "origin should be 5 units in front, got %v", origin)
	assert.True(t, eye.Transform(view).Compare(NewVec3Zero(), eps))
}

func TestPerspectiveLHDepthRange(t *testing.T) {
	proj := NewMat4PerspectiveLH(DegToRad(60), 1.5, 1, 1000)

	near := NewVec4(0, 0, 1, 1).Transform(proj)
	far := NewVec4(0, 0, 1000, 1).Transform(proj)
	assert.InDelta(t, 0, near.Z/near.W, eps)
	assert.InDelta(t, 1, far.Z/far.W, eps)
}

func TestTransformLocal(t *testing.T) {
	tr := TransformFromPosition(NewVec3(0, 1, 0))
	tr.SetScale(NewVec3(2, 2, 2))
	p := NewVec3(1, 0, 0).Transform(tr.GetLocal())
	assert.True(t, p.Compare(NewVec3(2, 1, 0), eps))
	assert.False(t, tr.IsDirty)
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, uint64(256), RoundUp[uint64](1, 256))
	assert.Equal(t, uint64(256), RoundUp[uint64](256, 256))
	assert.Equal(t, uint32(64), RoundUp[uint32](40, 32))
	assert.True(t, IsAligned[uint64](512, 256))
	assert.False(t, IsAligned[uint64](100, 64))
	assert.Equal(t, 3, Clamp(5, 0, 3))
}
