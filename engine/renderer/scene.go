package renderer

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/accel"
	"github.com/spaghettifunk/lumen/engine/renderer/components"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/upload"
)

// Layout of the per slot frame constants buffer.
const (
	cameraConstantsOffset = 0
	worldMatricesOffset   = 256
	worldMatrixSize       = 64
	frameConstantsSize    = 512
)

// AnimatedInstance is the instance spinning about the Y axis.
const AnimatedInstance = 1

type mesh struct {
	geometry *metadata.Geometry
	vertices driver.Resource
	indices  driver.Resource
}

func (m *mesh) accelGeometry() accel.Geometry {
	return accel.Geometry{
		VertexBuffer: m.vertices,
		VertexCount:  m.geometry.VertexCount(),
		VertexStride: metadata.VertexSize,
		IndexBuffer:  m.indices,
		IndexCount:   m.geometry.IndexCount(),
		Opaque:       true,
	}
}

type placement struct {
	mesh      int
	transform *math.Transform
}

type scene struct {
	meshes     []*mesh
	placements []placement
	instances  []accel.Instance
	angle      float32

	builder *accel.Builder
	bottom  []*accel.BottomLevel
	tlas    *accel.TopLevel

	frameBuffers []driver.Resource
}

const (
	cubeMesh = iota
	planeMesh
)

func defaultPlacements() []placement {
	return []placement{
		{mesh: cubeMesh, transform: math.TransformFromPosition(math.NewVec3(-1.5, 0, 0))},
		{mesh: cubeMesh, transform: math.TransformCreate()},
		{mesh: cubeMesh, transform: math.TransformFromPosition(math.NewVec3(1.5, 0, 0))},
		{mesh: planeMesh, transform: math.TransformCreate()},
	}
}

/**
 * @brief Uploads the meshes and records the acceleration structure builds
 * into the setup list. Without ray tracing only the buffers are created.
 */
func newScene(c *Context, raytrace bool) (*scene, error) {
	s := &scene{placements: defaultPlacements()}
	ok := false
	defer func() {
		if !ok {
			s.Release()
		}
	}()

	for _, g := range []*metadata.Geometry{metadata.NewCube(), metadata.NewPlane(6, -0.51)} {
		m := &mesh{geometry: g}
		var err error
		m.vertices, err = c.uploader.Upload(c.list, uint64(len(g.Vertices))*metadata.VertexSize, g.VertexBytes(), driver.ResourceFlagNone, driver.StateGenericRead)
		if err != nil {
			return nil, err
		}
		m.vertices.SetName(g.Name + " vertices")
		m.indices, err = c.uploader.Upload(c.list, uint64(len(g.Indices))*4, g.IndexBytes(), driver.ResourceFlagNone, driver.StateGenericRead)
		if err != nil {
			m.vertices.Release()
			return nil, err
		}
		m.indices.SetName(g.Name + " indices")
		s.meshes = append(s.meshes, m)
	}

	for i := uint32(0); i < c.cfg.FrameCount; i++ {
		buf, err := c.dev.CreateCommittedResource(driver.HeapUpload, driver.BufferDesc(frameConstantsSize, driver.ResourceFlagNone), driver.StateGenericRead)
		if err != nil {
			return nil, fmt.Errorf("failed to create frame constants %d: %w", i, err)
		}
		buf.SetName(fmt.Sprintf("frame constants[%d]", i))
		s.frameBuffers = append(s.frameBuffers, buf)
	}

	if raytrace {
		s.builder = accel.NewBuilder(c.dev, c.cfg.RecordsPerInstance)
		for _, m := range s.meshes {
			blas, err := s.builder.BuildBottomLevel(c.list, m.accelGeometry())
			if err != nil {
				return nil, err
			}
			s.bottom = append(s.bottom, blas)
		}
	}
	s.layout()
	if raytrace {
		s.tlas = s.builder.NewTopLevel()
		if err := s.tlas.Build(c.list, s.instances, false); err != nil {
			return nil, err
		}
	}
	ok = true
	return s, nil
}

// layout recomputes the instance transforms from the animation angle.
func (s *scene) layout() {
	s.instances = s.instances[:0]
	for i, p := range s.placements {
		if i == AnimatedInstance {
			p.transform.SetRotation(math.NewQuatFromAxisAngle(math.NewVec3Up(), s.angle, true))
		}
		inst := accel.Instance{Transform: p.transform.GetWorld()}
		if s.bottom != nil {
			inst.BottomLevel = s.bottom[p.mesh]
		}
		s.instances = append(s.instances, inst)
	}
}

func (s *scene) update(deltaTime float32) {
	s.angle += deltaTime
	s.layout()
}

// instancesOf returns the first instance index and the count of
// consecutive instances drawing mesh m.
func (s *scene) instancesOf(m int) (first, count uint32) {
	first = uint32(len(s.placements))
	for i, p := range s.placements {
		if p.mesh != m {
			continue
		}
		first = min(first, uint32(i))
		count++
	}
	return first, count
}

func (s *scene) frameConstants(slot uint32) driver.Resource {
	return s.frameBuffers[slot]
}

// writeFrameConstants stores the camera and the world matrices of every
// instance into the buffer of slot. The slot must have been waited.
func (s *scene) writeFrameConstants(slot uint32, cam components.CameraConstants) error {
	buf := s.frameBuffers[slot]
	if err := upload.Write(buf, cameraConstantsOffset, cam.Bytes()); err != nil {
		return err
	}
	world := make([]byte, 0, len(s.instances)*worldMatrixSize)
	for _, inst := range s.instances {
		world = math.AppendMat4(world, inst.Transform)
	}
	return upload.Write(buf, worldMatricesOffset, world)
}

func (s *scene) Release() {
	if s.tlas != nil {
		s.tlas.Release()
		s.tlas = nil
	}
	for i := len(s.bottom) - 1; i >= 0; i-- {
		s.bottom[i].Release()
	}
	s.bottom = nil
	for i := len(s.frameBuffers) - 1; i >= 0; i-- {
		s.frameBuffers[i].Release()
	}
	s.frameBuffers = nil
	for i := len(s.meshes) - 1; i >= 0; i-- {
		m := s.meshes[i]
		m.indices.Release()
		m.vertices.Release()
	}
	s.meshes = nil
}
