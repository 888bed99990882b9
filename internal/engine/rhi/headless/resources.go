package headless

import "github.com/Faultbox/midgard-bake/internal/engine/rhi"

// Buffer is a host-memory buffer. Data holds the current contents.
type Buffer struct {
	id   uint64
	desc rhi.BufferDesc
	Data []byte
}

func (b *Buffer) Label() string          { return b.desc.Label }
func (b *Buffer) Size() uint64           { return b.desc.Size }
func (b *Buffer) Usage() rhi.BufferUsage { return b.desc.Usage }

// Texture records its descriptor only; texel contents are not simulated.
type Texture struct {
	id   uint64
	desc rhi.TextureDesc
}

func (t *Texture) Label() string         { return t.desc.Label }
func (t *Texture) Desc() rhi.TextureDesc { return t.desc }

// ShaderModule keeps the module descriptor.
type ShaderModule struct {
	id   uint64
	desc rhi.ShaderModuleDesc
}

func (m *ShaderModule) Label() string { return m.desc.Label }

// Desc returns the descriptor the module was created with.
func (m *ShaderModule) Desc() rhi.ShaderModuleDesc { return m.desc }

// Pipeline keeps the pipeline descriptor.
type Pipeline struct {
	id   uint64
	desc rhi.PipelineDesc
}

func (p *Pipeline) Label() string { return p.desc.Label }

// BindGroup keeps the bind group descriptor.
type BindGroup struct {
	id   uint64
	desc rhi.BindGroupDesc
}

func (bg *BindGroup) Label() string { return bg.desc.Label }

// Desc returns the descriptor the bind group was created with.
func (bg *BindGroup) Desc() rhi.BindGroupDesc { return bg.desc }

// AccelStruct is an acceleration structure with a unique fake device
// address. Builds counts how often it was built.
type AccelStruct struct {
	id      uint64
	label   string
	address uint64
	top     bool

	BLAS   rhi.BLASDesc
	TLAS   rhi.TLASDesc
	Builds int
}

func (as *AccelStruct) Label() string         { return as.label }
func (as *AccelStruct) DeviceAddress() uint64 { return as.address }

func resourceID(r rhi.Resource) (uint64, bool) {
	switch v := r.(type) {
	case *Buffer:
		return v.id, true
	case *Texture:
		return v.id, true
	case *ShaderModule:
		return v.id, true
	case *Pipeline:
		return v.id, true
	case *BindGroup:
		return v.id, true
	case *AccelStruct:
		return v.id, true
	default:
		return 0, false
	}
}
