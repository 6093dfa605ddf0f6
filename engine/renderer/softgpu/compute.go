package softgpu

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// ComputeKernel is the Go implementation of a compute entry point.
type ComputeKernel func(cc *ComputeContext) error

const (
	// EntryIntegrate is the built-in particle integration kernel.
	EntryIntegrate = "integrate"
	// ParticleSize is the byte size of one particle: a float4 position
	// followed by a float4 velocity.
	ParticleSize = 32
	// ThreadGroupSize is the number of threads per group of the built-in
	// compute kernels.
	ThreadGroupSize = 64

	particleTimeStep = 1.0 / 60.0
	particleGravity  = -9.8
)

func BuiltinComputeKernels() map[string]ComputeKernel {
	return map[string]ComputeKernel{
		EntryIntegrate: integrateParticles,
	}
}

type computePipeline struct {
	entry  string
	kernel ComputeKernel
	sig    *rootSignature
}

func (p *computePipeline) Release() {}

func (d *Device) CreateComputePipeline(desc driver.ComputePipelineDesc) (driver.Pipeline, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if !d.features.Compute {
		return nil, fmt.Errorf("%w: compute", driver.ErrUnsupported)
	}
	if len(desc.Bytecode) == 0 {
		return nil, fmt.Errorf("softgpu: compute pipeline %q has no bytecode", desc.EntryPoint)
	}
	sig, _ := desc.Signature.(*rootSignature)
	if sig == nil {
		return nil, fmt.Errorf("softgpu: compute pipeline %q needs a root signature", desc.EntryPoint)
	}
	k, ok := d.compKernels[desc.EntryPoint]
	if !ok {
		return nil, fmt.Errorf("softgpu: no compute kernel bound for entry %q", desc.EntryPoint)
	}
	return &computePipeline{entry: desc.EntryPoint, kernel: k, sig: sig}, nil
}

func (cl *commandList) SetComputePipeline(p driver.Pipeline) {
	cp, ok := p.(*computePipeline)
	if !ok || cp == nil {
		cl.fail(fmt.Errorf("softgpu: %T is not a compute pipeline", p))
		return
	}
	cl.record("SetPipelineState", func(st *execState) error {
		st.compute = cp
		return nil
	})
}

func (cl *commandList) SetComputeRootShaderResource(index uint32, addr driver.GPUAddress) {
	cl.record("SetComputeRootShaderResourceView", func(st *execState) error {
		st.computeSRV[index] = addr
		return nil
	})
}

func (cl *commandList) SetComputeRootUnorderedAccess(index uint32, addr driver.GPUAddress) {
	cl.record("SetComputeRootUnorderedAccessView", func(st *execState) error {
		st.computeUAV[index] = addr
		return nil
	})
}

func (cl *commandList) Dispatch(x, y, z uint32) {
	if x == 0 || y == 0 || z == 0 {
		cl.fail(fmt.Errorf("softgpu: Dispatch with empty grid %dx%dx%d", x, y, z))
		return
	}
	cl.record("Dispatch", func(st *execState) error {
		if st.compute == nil {
			return fmt.Errorf("softgpu: Dispatch without a compute pipeline")
		}
		cc := &ComputeContext{st: st, groups: [3]uint32{x, y, z}}
		if err := st.compute.kernel(cc); err != nil {
			return fmt.Errorf("%s: %w", st.compute.entry, err)
		}
		st.dev.dispatches.Add(1)
		return nil
	})
}

// ComputeContext gives a kernel access to the dispatch grid and the root
// views bound on the list.
type ComputeContext struct {
	st     *execState
	groups [3]uint32
}

func (cc *ComputeContext) Groups() [3]uint32 {
	return cc.groups
}

// Threads is the total number of threads of the dispatch.
func (cc *ComputeContext) Threads() uint64 {
	return uint64(cc.groups[0]) * uint64(cc.groups[1]) * uint64(cc.groups[2]) * ThreadGroupSize
}

func (cc *ComputeContext) view(index uint32, bound map[uint32]driver.GPUAddress, states ...driver.ResourceState) ([]byte, error) {
	addr, ok := bound[index]
	if !ok {
		return nil, fmt.Errorf("softgpu: root parameter %d is not bound", index)
	}
	r, off, err := cc.st.dev.resolve(addr)
	if err != nil {
		return nil, err
	}
	if err := r.expect(states...); err != nil {
		return nil, err
	}
	return r.mem[off:], nil
}

// SRV returns the buffer bound as root shader resource at root parameter
// index, from its bound address to the end of the resource.
func (cc *ComputeContext) SRV(index uint32) ([]byte, error) {
	return cc.view(index, cc.st.computeSRV, driver.StateNonPixelShaderResource, driver.StateGenericRead)
}

// UAV returns the writable buffer bound as root unordered access at root
// parameter index.
func (cc *ComputeContext) UAV(index uint32) ([]byte, error) {
	return cc.view(index, cc.st.computeUAV, driver.StateUnorderedAccess)
}

func integrateParticles(cc *ComputeContext) error {
	src, err := cc.SRV(0)
	if err != nil {
		return err
	}
	dst, err := cc.UAV(1)
	if err != nil {
		return err
	}
	n := uint64(min(len(src), len(dst)) / ParticleSize)
	n = min(n, cc.Threads())

	f := func(b []byte, i int) float32 { return gomath.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])) }
	put := func(b []byte, i int, v float32) { binary.LittleEndian.PutUint32(b[i*4:], gomath.Float32bits(v)) }

	for i := uint64(0); i < n; i++ {
		in := src[i*ParticleSize : (i+1)*ParticleSize]
		out := dst[i*ParticleSize : (i+1)*ParticleSize]
		for axis := 0; axis < 3; axis++ {
			pos, vel := f(in, axis), f(in, 4+axis)
			if axis == 1 {
				vel += particleGravity * particleTimeStep
			}
			pos += vel * particleTimeStep
			if pos < -1 || pos > 1 {
				pos = float32(gomath.Max(-1, gomath.Min(1, float64(pos))))
				vel = -vel
			}
			put(out, axis, pos)
			put(out, 4+axis, vel)
		}
		put(out, 3, f(in, 3))
		put(out, 7, f(in, 7))
	}
	return nil
}
