package softgpu

import "github.com/spaghettifunk/lumen/engine/renderer/driver"

type Option func(d *Device)

// WithRaytracingTier overrides the reported tier. Tier zero makes the
// device reject state objects and acceleration structure work.
func WithRaytracingTier(tier driver.RaytracingTier) Option {
	return func(d *Device) {
		d.features.RaytracingTier = tier
	}
}

// WithRayKernel binds export to k, replacing any built-in kernel.
func WithRayKernel(export string, k RayKernel) Option {
	return func(d *Device) {
		d.rayKernels[export] = k
	}
}

func WithComputeKernel(entry string, k ComputeKernel) Option {
	return func(d *Device) {
		d.compKernels[entry] = k
	}
}

// WithPresentHook is called on the GPU timeline for every presented
// frame with a copy of the back buffer.
func WithPresentHook(fn PresentFunc) Option {
	return func(d *Device) {
		d.presentHook = fn
	}
}

// WithWorkers sets the number of goroutines ray dispatches are split
// across.
func WithWorkers(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.workers = n
		}
	}
}
