package driver

import "errors"

var (
	// ErrNotMappable is returned by Resource.Map on GPU-local heaps.
	ErrNotMappable = errors.New("resource is not CPU visible")
	// ErrDeviceRemoved is returned by every call once the device has
	// failed executing submitted work.
	ErrDeviceRemoved = errors.New("device removed")
	// ErrRaytracingUnsupported is returned when the device reports no
	// ray tracing tier.
	ErrRaytracingUnsupported = errors.New("ray tracing not supported on device")
	// ErrUnsupported is returned for optional features a backend lacks.
	ErrUnsupported          = errors.New("operation not supported by backend")
	ErrListClosed           = errors.New("command list is closed")
	ErrListOpen             = errors.New("command list is still recording")
	ErrInvalidResourceState = errors.New("resource is not in the expected state")
	ErrInvalidAddress       = errors.New("GPU address does not resolve to a resource")
	ErrOutOfBounds          = errors.New("access out of resource bounds")
)
