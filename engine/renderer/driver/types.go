package driver

import "fmt"

// Binary layout constants shared by every backend.
const (
	ShaderIdentifierSize           = 32
	ShaderRecordAlignment          = 32
	ShaderTableAlignment           = 64
	AccelerationStructureAlignment = 256
	InstanceDescSize               = 64
	RootArgumentSize               = 8
	MaxRecursionDepth              = 31
)

// GPUAddress is a GPU virtual address. Zero is the null address.
type GPUAddress uint64

type HeapType int

const (
	HeapDefault HeapType = iota
	HeapUpload
	HeapReadback
)

func (h HeapType) String() string {
	switch h {
	case HeapDefault:
		return "default"
	case HeapUpload:
		return "upload"
	case HeapReadback:
		return "readback"
	}
	return fmt.Sprintf("heap(%d)", int(h))
}

// CPUVisible reports whether resources on h can be mapped.
func (h HeapType) CPUVisible() bool {
	return h == HeapUpload || h == HeapReadback
}

type ResourceState uint32

const (
	StateCommon ResourceState = iota
	StateVertexAndConstantBuffer
	StateIndexBuffer
	StateRenderTarget
	StateUnorderedAccess
	StateNonPixelShaderResource
	StateCopyDest
	StateCopySource
	StateGenericRead
	StatePresent
	StateRaytracingAccelerationStructure
)

var stateNames = [...]string{
	"COMMON",
	"VERTEX_AND_CONSTANT_BUFFER",
	"INDEX_BUFFER",
	"RENDER_TARGET",
	"UNORDERED_ACCESS",
	"NON_PIXEL_SHADER_RESOURCE",
	"COPY_DEST",
	"COPY_SOURCE",
	"GENERIC_READ",
	"PRESENT",
	"RAYTRACING_ACCELERATION_STRUCTURE",
}

func (s ResourceState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

type ResourceFlags uint32

const (
	ResourceFlagNone                 ResourceFlags = 0
	ResourceFlagAllowRenderTarget    ResourceFlags = 1 << 0
	ResourceFlagAllowUnorderedAccess ResourceFlags = 1 << 2
)

type Dimension int

const (
	DimensionBuffer Dimension = iota
	DimensionTexture2D
)

type Format int

const (
	FormatUnknown Format = iota
	FormatR8G8B8A8Unorm
	FormatB8G8R8A8Unorm
	FormatR32G32B32Float
	FormatR32G32B32A32Float
	FormatR32Uint
)

// BytesPerPixel returns the texel size of color formats and zero otherwise.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatR8G8B8A8Unorm, FormatB8G8R8A8Unorm, FormatR32Uint:
		return 4
	case FormatR32G32B32Float:
		return 12
	case FormatR32G32B32A32Float:
		return 16
	}
	return 0
}

type ResourceDesc struct {
	Dimension Dimension
	// Width is the byte size of buffers and the texel width of textures.
	Width  uint64
	Height uint32
	Format Format
	Flags  ResourceFlags
}

func BufferDesc(size uint64, flags ResourceFlags) ResourceDesc {
	return ResourceDesc{Dimension: DimensionBuffer, Width: size, Height: 1, Flags: flags}
}

func Texture2DDesc(width, height uint32, format Format, flags ResourceFlags) ResourceDesc {
	return ResourceDesc{Dimension: DimensionTexture2D, Width: uint64(width), Height: height, Format: format, Flags: flags}
}

// ByteSize returns the storage required by the described resource.
func (d ResourceDesc) ByteSize() uint64 {
	if d.Dimension == DimensionBuffer {
		return d.Width
	}
	return d.Width * uint64(d.Height) * uint64(d.Format.BytesPerPixel())
}

type QueueType int

const (
	QueueDirect QueueType = iota
	QueueCompute
	QueueCopy
)

type RaytracingTier int

const (
	RaytracingTierNotSupported RaytracingTier = 0
	RaytracingTier1_0          RaytracingTier = 10
	RaytracingTier1_1          RaytracingTier = 11
)

func (t RaytracingTier) String() string {
	switch t {
	case RaytracingTierNotSupported:
		return "not supported"
	case RaytracingTier1_0:
		return "1.0"
	case RaytracingTier1_1:
		return "1.1"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

type Features struct {
	Name           string
	RaytracingTier RaytracingTier
	Compute        bool
}

// Raytracing reports tier 1.0 or better.
func (f Features) Raytracing() bool {
	return f.RaytracingTier >= RaytracingTier1_0
}

type AccelerationStructureType int

const (
	BottomLevel AccelerationStructureType = iota
	TopLevel
)

type BuildFlags uint32

const (
	BuildFlagNone            BuildFlags = 0
	BuildFlagAllowUpdate     BuildFlags = 1 << 0
	BuildFlagPreferFastTrace BuildFlags = 1 << 2
	BuildFlagPerformUpdate   BuildFlags = 1 << 5
)

// GeometryDesc describes one triangle geometry of a bottom level structure.
type GeometryDesc struct {
	VertexBuffer GPUAddress
	VertexStride uint64
	VertexCount  uint32
	VertexFormat Format
	// IndexBuffer is zero for non indexed geometry.
	IndexBuffer GPUAddress
	IndexCount  uint32
	IndexFormat Format
	Opaque      bool
}

type AccelerationStructureInputs struct {
	Type       AccelerationStructureType
	Flags      BuildFlags
	Geometries []GeometryDesc
	// InstanceCount and InstanceDescs are used by top level inputs.
	InstanceCount uint32
	InstanceDescs GPUAddress
}

type PrebuildInfo struct {
	ResultDataMaxSize     uint64
	ScratchDataSize       uint64
	UpdateScratchDataSize uint64
}

type BuildDesc struct {
	Inputs  AccelerationStructureInputs
	Dest    GPUAddress
	Scratch GPUAddress
	// Source is the structure being updated when PerformUpdate is set.
	Source GPUAddress
}

// AddressRange is a region of GPU memory.
type AddressRange struct {
	Start GPUAddress
	Size  uint64
}

// AddressRangeStride is a region of GPU memory split in equal records.
type AddressRangeStride struct {
	Start  GPUAddress
	Size   uint64
	Stride uint64
}

type DispatchRaysDesc struct {
	RayGeneration AddressRange
	Miss          AddressRangeStride
	HitGroup      AddressRangeStride
	Width         uint32
	Height        uint32
	Depth         uint32
}

type DescriptorHeapType int

const (
	DescriptorHeapCBVSRVUAV DescriptorHeapType = iota
	DescriptorHeapRTV
)

type RootParameterType int

const (
	RootParameterDescriptorTable RootParameterType = iota
	RootParameterCBV
	RootParameterSRV
	RootParameterUAV
)

type DescriptorRangeType int

const (
	RangeSRV DescriptorRangeType = iota
	RangeUAV
	RangeCBV
)

type DescriptorRange struct {
	Type         DescriptorRangeType
	Count        uint32
	BaseRegister uint32
	HeapOffset   uint32
}

type RootParameter struct {
	Type RootParameterType
	// Register is used by root descriptors.
	Register uint32
	// Ranges is used by descriptor tables.
	Ranges []DescriptorRange
}

type RootSignatureDesc struct {
	Parameters []RootParameter
	// Local signatures are bound through shader records.
	Local bool
}

// ShaderLibrary is compiled code exporting one or more symbols.
type ShaderLibrary struct {
	Bytecode []byte
	Exports  []string
}

type HitGroupDesc struct {
	Name         string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

type RootAssociation struct {
	Signature RootSignature
	Exports   []string
}

type RaytracingPipelineDesc struct {
	Libraries         []ShaderLibrary
	HitGroups         []HitGroupDesc
	Associations      []RootAssociation
	GlobalSignature   RootSignature
	MaxPayloadSize    uint32
	MaxAttributeSize  uint32
	MaxRecursionDepth uint32
}

type ComputePipelineDesc struct {
	Signature  RootSignature
	Bytecode   []byte
	EntryPoint string
}

type VertexElement struct {
	Semantic string
	Format   Format
	Offset   uint32
}

type GraphicsPipelineDesc struct {
	Signature    RootSignature
	VertexShader []byte
	VertexEntry  string
	PixelShader  []byte
	PixelEntry   string
	InputLayout  []VertexElement
	TargetFormat Format
	DepthTest    bool
}

type SwapchainDesc struct {
	Width       uint32
	Height      uint32
	Format      Format
	BufferCount uint32
}
