// Package rhi is the thin GPU device abstraction used by the level mesh and
// the lightmap baker. Backends live in sub-packages: headless records
// commands for tests and dry runs, wgpudev drives a real adapter through
// webgpu.
package rhi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnsupported is returned when a backend lacks a requested capability.
var ErrUnsupported = errors.New("rhi: unsupported by device")

// Fence is a monotonically increasing submission counter. Submit returns
// the fence of the submitted work; work is complete once CompletedFence
// has reached it.
type Fence uint64

// Features describes optional device capabilities. It is read once at
// startup.
type Features struct {
	RayQuery      bool
	MaxBufferSize uint64
}

// Resource is any object owned by a device.
type Resource interface {
	Label() string
}

// Buffer is a linear GPU allocation.
type Buffer interface {
	Resource
	Size() uint64
}

// Texture is a 2D texture or texture array.
type Texture interface {
	Resource
	Desc() TextureDesc
}

// AccelStruct is a bottom or top level acceleration structure.
type AccelStruct interface {
	Resource
	DeviceAddress() uint64
}

// ShaderModule is a compiled shader.
type ShaderModule interface {
	Resource
}

// Pipeline is a render pipeline.
type Pipeline interface {
	Resource
}

// BindGroup binds resources to a pipeline slot.
type BindGroup interface {
	Resource
}

// BufferUsage flags.
type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndirect
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageAccelInput
)

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// TextureFormat enumerates the formats the baker needs.
type TextureFormat int

const (
	FormatRGBA16Float TextureFormat = iota
	FormatRGBA8Unorm
	FormatR32Float
)

// BytesPerTexel returns the texel size of the format.
func (f TextureFormat) BytesPerTexel() int {
	switch f {
	case FormatRGBA16Float:
		return 8
	default:
		return 4
	}
}

func (f TextureFormat) String() string {
	switch f {
	case FormatRGBA16Float:
		return "rgba16float"
	case FormatRGBA8Unorm:
		return "rgba8unorm"
	case FormatR32Float:
		return "r32float"
	default:
		return fmt.Sprintf("TextureFormat(%d)", int(f))
	}
}

// TextureUsage flags.
type TextureUsage uint32

const (
	TextureUsageRenderTarget TextureUsage = 1 << iota
	TextureUsageSampled
	TextureUsageCopySrc
	TextureUsageCopyDst
)

// TextureDesc describes a texture. Layers > 1 creates an array.
type TextureDesc struct {
	Label   string
	Width   int
	Height  int
	Layers  int
	Samples int
	Format  TextureFormat
	Usage   TextureUsage
}

// ShaderStage flags.
type ShaderStage uint32

const (
	ShaderStageVertex ShaderStage = 1 << iota
	ShaderStageFragment
	ShaderStageCompute
)

func (s ShaderStage) String() string {
	out := ""
	for _, n := range []struct {
		bit  ShaderStage
		name string
	}{{ShaderStageVertex, "vertex"}, {ShaderStageFragment, "fragment"}, {ShaderStageCompute, "compute"}} {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// ShaderModuleDesc carries both the expanded WGSL text and the compiled
// bytecode. Backends pick whichever they ingest.
type ShaderModuleDesc struct {
	Label    string
	Stage    ShaderStage
	Source   string
	Bytecode []byte
}

// VertexFormat enumerates vertex attribute formats.
type VertexFormat int

const (
	VertexFormatFloat32x2 VertexFormat = iota
	VertexFormatFloat32x3
	VertexFormatFloat32x4
	VertexFormatUint32
)

// VertexAttribute is one attribute of a vertex buffer layout.
type VertexAttribute struct {
	Format   VertexFormat
	Offset   uint64
	Location uint32
}

// VertexBufferLayout describes one vertex buffer.
type VertexBufferLayout struct {
	Stride     uint64
	Attributes []VertexAttribute
}

// PipelineDesc describes a render pipeline with a single color target.
// A nil layout is derived from the shaders.
type PipelineDesc struct {
	Label         string
	Vertex        ShaderModule
	VertexEntry   string
	Fragment      ShaderModule
	FragmentEntry string
	VertexBuffers []VertexBufferLayout
	ColorFormat   TextureFormat
	Samples       int
	CullBackFaces bool
}

// BindGroupEntry binds exactly one of Buffer, Texture or Accel.
type BindGroupEntry struct {
	Binding uint32
	Buffer  Buffer
	Texture Texture
	Accel   AccelStruct
}

// BindGroupDesc describes a bind group for group index Group of Pipeline.
type BindGroupDesc struct {
	Label    string
	Pipeline Pipeline
	Group    int
	Entries  []BindGroupEntry
}

// BLASDesc describes a bottom level structure over either an index range
// of a triangle mesh or a list of AABBs.
type BLASDesc struct {
	Label        string
	Vertices     Buffer
	VertexStride uint64
	VertexCount  int
	Indices      Buffer
	FirstIndex   int
	IndexCount   int

	AABBs     Buffer
	AABBCount int
}

// TLASDesc describes a top level structure.
type TLASDesc struct {
	Label        string
	MaxInstances int
}

// LoadOp selects what a render pass does with existing attachment content.
type LoadOp int

const (
	LoadOpClear LoadOp = iota
	LoadOpLoad
)

// RenderPassDesc describes a render pass with one color attachment. Layer
// selects the array layer of Target.
type RenderPassDesc struct {
	Label      string
	Target     Texture
	Layer      int
	Load       LoadOp
	ClearColor [4]float64
}

// DrawIndexedIndirectArgs mirrors the 20-byte indirect argument layout.
type DrawIndexedIndirectArgs struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

// DrawIndexedIndirectStride is the byte size of DrawIndexedIndirectArgs.
const DrawIndexedIndirectStride = 20

// Put writes the arguments into buf, which must hold
// DrawIndexedIndirectStride bytes.
func (a DrawIndexedIndirectArgs) Put(buf []byte) {
	_ = buf[DrawIndexedIndirectStride-1]
	binary.LittleEndian.PutUint32(buf[0:], a.IndexCount)
	binary.LittleEndian.PutUint32(buf[4:], a.InstanceCount)
	binary.LittleEndian.PutUint32(buf[8:], a.FirstIndex)
	binary.LittleEndian.PutUint32(buf[12:], uint32(a.BaseVertex))
	binary.LittleEndian.PutUint32(buf[16:], a.FirstInstance)
}

// Device creates resources and submits recorded work.
type Device interface {
	Features() Features

	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateTexture(desc TextureDesc) (Texture, error)
	CreateShaderModule(desc ShaderModuleDesc) (ShaderModule, error)
	CreatePipeline(desc PipelineDesc) (Pipeline, error)
	CreateBindGroup(desc BindGroupDesc) (BindGroup, error)
	CreateBLAS(desc BLASDesc) (AccelStruct, error)
	CreateTLAS(desc TLASDesc) (AccelStruct, error)

	// Destroy releases a resource immediately. Use a ReleaseQueue for
	// anything the GPU may still read.
	Destroy(r Resource)

	// Begin starts recording the next submission.
	Begin() Recorder

	// Submit hands the recorded work to the GPU.
	Submit(rec Recorder) Fence

	// NextFence is the fence the next Submit will return.
	NextFence() Fence

	// CompletedFence is the highest fence known to be finished.
	CompletedFence() Fence

	// WaitIdle blocks until all submitted work completed.
	WaitIdle()

	Close()
}

// Recorder records the commands of one submission. Only one goroutine may
// record at a time.
type Recorder interface {
	WriteBuffer(dst Buffer, offset uint64, data []byte)
	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64)
	Barrier(b Barrier)

	BuildBLAS(as AccelStruct)
	BuildTLAS(as AccelStruct, instances Buffer, count int)

	BeginRenderPass(desc RenderPassDesc)
	SetPipeline(p Pipeline)
	SetBindGroup(index int, bg BindGroup)
	SetVertexBuffer(buf Buffer)
	SetIndexBuffer(buf Buffer)
	SetViewport(x, y, width, height float32)
	DrawIndexedIndirect(args Buffer, offset uint64, count int)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance int)
	EndRenderPass()
}
