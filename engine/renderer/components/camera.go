package components

import (
	"github.com/spaghettifunk/lumen/engine/math"
)

const (
	cameraMoveSpeed float32 = 0.1
	cameraZoomSpeed float32 = 0.002

	DefaultCameraFOV  float32 = 60.0
	DefaultCameraNear float32 = 1.0
	DefaultCameraFar  float32 = 1000.0
)

/**
 * @brief An orbit camera looking at a fixed target. Moving keeps the
 * distance to the origin, zooming moves along the view direction.
 */
type Camera struct {
	Position math.Vec3
	Target   math.Vec3

	front math.Vec3
	right math.Vec3
	up    math.Vec3

	aspect     float32
	view       math.Mat4
	projection math.Mat4
}

// CameraConstants is the layout of the camera constant buffer read by the
// ray generation program: four row major matrices.
type CameraConstants struct {
	View        math.Mat4
	Projection  math.Mat4
	ViewInverse math.Mat4
	ProjInverse math.Mat4
}

// CameraConstantsSize is the byte size of CameraConstants.
const CameraConstantsSize = 4 * 16 * 4

func NewCamera(position math.Vec3, aspect float32) *Camera {
	c := &Camera{
		Position: position,
		Target:   math.NewVec3Zero(),
		up:       math.NewVec3Up(),
		aspect:   aspect,
	}
	c.front = c.Target.Sub(position).Normalized()
	c.right = c.front.Cross(c.up).Normalized()
	c.view = math.NewMat4LookAtLH(c.Position, c.Target, c.up)
	c.SetAspect(aspect)
	return c
}

func (c *Camera) SetAspect(aspect float32) {
	if aspect <= 0 {
		return
	}
	c.aspect = aspect
	c.projection = math.NewMat4PerspectiveLH(math.DegToRad(DefaultCameraFOV), aspect, DefaultCameraNear, DefaultCameraFar)
}

// Move orbits the camera around the target by a screen space delta.
func (c *Camera) Move(x, y float32) {
	distance := c.Position.Length()

	c.Position = c.Position.Add(c.right.MulScalar(x * cameraMoveSpeed))
	c.Position = c.Position.Add(c.up.MulScalar(y * cameraMoveSpeed))

	if newDistance := c.Position.Length(); newDistance > 0 {
		c.Position = c.Position.MulScalar(distance / newDistance)
	}
	c.UpdateView()
}

// Zoom moves the camera along its view direction by the wheel delta.
func (c *Camera) Zoom(delta float32) {
	c.Position = c.Position.Add(c.front.MulScalar(delta * cameraZoomSpeed))
	c.view = math.NewMat4LookAtLH(c.Position, c.Target, c.up)
}

func (c *Camera) UpdateView() {
	c.front = c.Target.Sub(c.Position).Normalized()
	c.right = c.front.Cross(math.NewVec3Up()).Normalized()
	c.up = c.right.Cross(c.front).Normalized()

	c.view = math.NewMat4LookAtLH(c.Position, c.Target, c.up)
}

func (c *Camera) View() math.Mat4 {
	return c.view
}

func (c *Camera) Projection() math.Mat4 {
	return c.projection
}

func (c *Camera) Constants() CameraConstants {
	viewInv, _ := c.view.Inverse()
	projInv, _ := c.projection.Inverse()
	return CameraConstants{
		View:        c.view,
		Projection:  c.projection,
		ViewInverse: viewInv,
		ProjInverse: projInv,
	}
}

// Bytes returns the constants as little endian float32s.
func (cc CameraConstants) Bytes() []byte {
	out := make([]byte, 0, CameraConstantsSize)
	for _, m := range []*math.Mat4{&cc.View, &cc.Projection, &cc.ViewInverse, &cc.ProjInverse} {
		out = math.AppendMat4(out, *m)
	}
	return out
}
