// Package compute runs the particle simulation on its own queue. Two
// particle buffers alternate roles every iteration: the one at srv is read
// and the other one is written, and the render thread only ever looks at
// the published srv index.
package compute

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	gomath "math"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/frames"
	"github.com/spaghettifunk/lumen/engine/renderer/upload"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopRequested
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop requested"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	// ParticleSize is the byte size of a particle: float4 position and
	// float4 velocity.
	ParticleSize    = 32
	ThreadsPerGroup = 64
	// DefaultEntryPoint is the integration kernel of the particle shader.
	DefaultEntryPoint = "integrate"
)

var ErrWorkerRunning = errors.New("compute worker is running")

type Particle struct {
	Position math.Vec4
	Velocity math.Vec4
}

// Snapshot is a consistent view of the worker progress. Iteration is also
// the fence value signaled when the iteration completed.
type Snapshot struct {
	Iteration uint64
	SRV       uint32
}

func unpack(word uint64) Snapshot {
	return Snapshot{Iteration: word >> 1, SRV: uint32(word & 1)}
}

func pack(s Snapshot) uint64 {
	return s.Iteration<<1 | uint64(s.SRV&1)
}

type Config struct {
	Bytecode   []byte
	EntryPoint string
	Particles  []Particle
	// MaxIterations stops the worker on its own once reached. Zero runs
	// until Stop.
	MaxIterations uint64
}

type Worker struct {
	dev     driver.Device
	queue   driver.Queue
	alloc   driver.CommandAllocator
	list    driver.CommandList
	fence   driver.Fence
	reads   driver.Fence
	nreads  uint64
	sig     driver.RootSignature
	pso     driver.Pipeline
	buffers [2]driver.Resource
	count   uint32
	limit   uint64

	state atomic.Int32
	word  atomic.Uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
	err    error
}

/**
 * @brief Creates the compute queue, the pipeline and both particle
 * buffers. Buffer 0 holds the initial particles in the shader resource
 * state, buffer 1 starts as the unordered access target.
 */
func NewWorker(dev driver.Device, cfg Config) (*Worker, error) {
	if !dev.Features().Compute {
		err := fmt.Errorf("%w: compute queues", driver.ErrUnsupported)
		core.LogError(err.Error())
		return nil, err
	}
	if len(cfg.Particles) == 0 {
		err := errors.New("compute worker needs at least one particle")
		core.LogError(err.Error())
		return nil, err
	}
	w := &Worker{dev: dev, count: uint32(len(cfg.Particles)), limit: cfg.MaxIterations}
	if err := w.create(cfg); err != nil {
		w.release()
		core.LogError(err.Error())
		return nil, err
	}
	return w, nil
}

func (w *Worker) create(cfg Config) error {
	var err error
	if w.queue, err = w.dev.CreateCommandQueue(driver.QueueCompute); err != nil {
		return fmt.Errorf("failed to create compute queue: %w", err)
	}
	if w.alloc, err = w.dev.CreateCommandAllocator(driver.QueueCompute); err != nil {
		return fmt.Errorf("failed to create compute allocator: %w", err)
	}
	if w.list, err = w.dev.CreateCommandList(driver.QueueCompute, w.alloc); err != nil {
		return fmt.Errorf("failed to create compute list: %w", err)
	}
	if w.fence, err = w.dev.CreateFence(0); err != nil {
		return fmt.Errorf("failed to create compute fence: %w", err)
	}
	if w.reads, err = w.dev.CreateFence(0); err != nil {
		return fmt.Errorf("failed to create readback fence: %w", err)
	}
	w.sig, err = w.dev.CreateRootSignature(driver.RootSignatureDesc{Parameters: []driver.RootParameter{
		{Type: driver.RootParameterSRV, Register: 0},
		{Type: driver.RootParameterUAV, Register: 0},
	}})
	if err != nil {
		return fmt.Errorf("failed to create compute root signature: %w", err)
	}
	w.pso, err = w.dev.CreateComputePipeline(driver.ComputePipelineDesc{Signature: w.sig, Bytecode: cfg.Bytecode, EntryPoint: cfg.EntryPoint})
	if err != nil {
		return fmt.Errorf("failed to create compute pipeline: %w", err)
	}

	size := uint64(w.count) * ParticleSize
	up := upload.New(w.dev)
	if w.buffers[0], err = up.Upload(w.list, size, EncodeParticles(cfg.Particles), driver.ResourceFlagAllowUnorderedAccess, driver.StateNonPixelShaderResource); err != nil {
		return err
	}
	w.buffers[0].SetName("particles[0]")
	if w.buffers[1], err = w.dev.CreateCommittedResource(driver.HeapDefault, driver.BufferDesc(size, driver.ResourceFlagAllowUnorderedAccess), driver.StateUnorderedAccess); err != nil {
		return fmt.Errorf("failed to create particle buffer: %w", err)
	}
	w.buffers[1].SetName("particles[1]")

	// the setup copy completes at fence value 1
	if err := w.submit(context.Background(), 0); err != nil {
		return err
	}
	rq := frames.NewReleaseQueue()
	if err := up.RetireAfter(1, rq); err != nil {
		return err
	}
	rq.Collect(w.fence.CompletedValue())
	return nil
}

func (w *Worker) submit(ctx context.Context, value uint64) error {
	if err := w.list.Close(); err != nil {
		return err
	}
	if err := w.queue.Execute(w.list); err != nil {
		return err
	}
	if err := w.queue.Signal(w.fence, value+1); err != nil {
		return err
	}
	if err := w.fence.Wait(ctx, value+1); err != nil {
		return err
	}
	if err := w.alloc.Reset(); err != nil {
		return err
	}
	return w.list.Reset(w.alloc)
}

// Fence is the worker timeline. The setup copy completes at value 1 and
// iteration n at value n+1.
func (w *Worker) Fence() driver.Fence {
	return w.fence
}

// FenceValue returns the fence value that guarantees the buffers of s are
// written.
func (s Snapshot) FenceValue() uint64 {
	return s.Iteration + 1
}

func (w *Worker) Buffers() [2]driver.Resource {
	return w.buffers
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// Snapshot reads iteration and srv index in one atomic load.
func (w *Worker) Snapshot() Snapshot {
	return unpack(w.word.Load())
}

// Start launches the worker goroutine.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return ErrWorkerRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.err = nil
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer w.state.Store(int32(StateStopped))

	for State(w.state.Load()) == StateRunning {
		snap := w.Snapshot()
		if w.limit > 0 && snap.Iteration >= w.limit {
			return
		}
		if err := w.step(ctx, snap); err != nil {
			if !errors.Is(err, context.Canceled) {
				core.LogError("compute worker stopped: %s", err.Error())
				w.err = err
			}
			return
		}
	}
}

func (w *Worker) step(ctx context.Context, snap Snapshot) error {
	srv, uav := w.buffers[snap.SRV], w.buffers[1-snap.SRV]
	w.list.SetComputePipeline(w.pso)
	w.list.SetComputeRootShaderResource(0, srv.GPUAddress())
	w.list.SetComputeRootUnorderedAccess(1, uav.GPUAddress())
	w.list.Dispatch(math.RoundUp(w.count, ThreadsPerGroup)/ThreadsPerGroup, 1, 1)
	w.list.Transition(uav, driver.StateUnorderedAccess, driver.StateNonPixelShaderResource)
	w.list.Transition(srv, driver.StateNonPixelShaderResource, driver.StateUnorderedAccess)
	if err := w.submit(ctx, snap.Iteration+1); err != nil {
		return err
	}
	w.word.Store(pack(Snapshot{Iteration: snap.Iteration + 1, SRV: 1 - snap.SRV}))
	return nil
}

// Stop requests the worker to finish its iteration and joins it. It
// returns the error that stopped the worker, if any.
func (w *Worker) Stop() error {
	w.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested))
	return w.Wait()
}

// Wait joins the worker without requesting it to stop, for workers
// started with MaxIterations.
func (w *Worker) Wait() error {
	w.wg.Wait()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	return w.err
}

/**
 * @brief Copies the particles the last iteration wrote back to the CPU.
 * The worker must be stopped.
 */
func (w *Worker) Particles(ctx context.Context) ([]Particle, error) {
	if w.State() != StateStopped {
		return nil, ErrWorkerRunning
	}
	snap := w.Snapshot()
	rb, err := upload.New(w.dev).Readback(w.list, w.buffers[snap.SRV], driver.StateNonPixelShaderResource)
	if err != nil {
		return nil, err
	}
	defer rb.Release()
	// readbacks run on their own fence so the iteration count stays the
	// worker timeline
	if err := w.list.Close(); err != nil {
		return nil, err
	}
	if err := w.queue.Execute(w.list); err != nil {
		return nil, err
	}
	w.nreads++
	if err := w.queue.Signal(w.reads, w.nreads); err != nil {
		return nil, err
	}
	if err := w.reads.Wait(ctx, w.nreads); err != nil {
		return nil, err
	}
	if err := w.alloc.Reset(); err != nil {
		return nil, err
	}
	if err := w.list.Reset(w.alloc); err != nil {
		return nil, err
	}
	raw, err := upload.Read(rb, 0, uint64(w.count)*ParticleSize)
	if err != nil {
		return nil, err
	}
	return DecodeParticles(raw), nil
}

// Release stops the worker and frees its objects.
func (w *Worker) Release() {
	_ = w.Stop()
	w.release()
}

func (w *Worker) release() {
	for i := len(w.buffers) - 1; i >= 0; i-- {
		if w.buffers[i] != nil {
			w.buffers[i].Release()
			w.buffers[i] = nil
		}
	}
	for _, r := range []driver.Releaser{w.pso, w.sig, w.reads, w.fence, w.list, w.alloc, w.queue} {
		if r != nil {
			r.Release()
		}
	}
	w.pso, w.sig, w.reads, w.fence, w.list, w.alloc, w.queue = nil, nil, nil, nil, nil, nil, nil
}

func EncodeParticles(ps []Particle) []byte {
	b := make([]byte, len(ps)*ParticleSize)
	for i, p := range ps {
		vals := [8]float32{p.Position.X, p.Position.Y, p.Position.Z, p.Position.W, p.Velocity.X, p.Velocity.Y, p.Velocity.Z, p.Velocity.W}
		for j, v := range vals {
			binary.LittleEndian.PutUint32(b[i*ParticleSize+j*4:], gomath.Float32bits(v))
		}
	}
	return b
}

func DecodeParticles(b []byte) []Particle {
	out := make([]Particle, len(b)/ParticleSize)
	f := func(off int) float32 { return gomath.Float32frombits(binary.LittleEndian.Uint32(b[off:])) }
	for i := range out {
		o := i * ParticleSize
		out[i] = Particle{
			Position: math.Vec4{X: f(o), Y: f(o + 4), Z: f(o + 8), W: f(o + 12)},
			Velocity: math.Vec4{X: f(o + 16), Y: f(o + 20), Z: f(o + 24), W: f(o + 28)},
		}
	}
	return out
}
