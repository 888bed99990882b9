package wgpudev

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

// Buffer wraps a WebGPU buffer.
type Buffer struct {
	desc rhi.BufferDesc
	buf  *wgpu.Buffer
}

func (b *Buffer) Label() string { return b.desc.Label }
func (b *Buffer) Size() uint64  { return b.desc.Size }

// Texture wraps a WebGPU texture with a view over all layers, plus lazily
// created single-layer views used as render targets.
type Texture struct {
	desc   rhi.TextureDesc
	tex    *wgpu.Texture
	view   *wgpu.TextureView
	layers map[int]*wgpu.TextureView
}

func (t *Texture) Label() string         { return t.desc.Label }
func (t *Texture) Desc() rhi.TextureDesc { return t.desc }

func (t *Texture) layerView(layer int) (*wgpu.TextureView, error) {
	if t.desc.Layers == 1 {
		return t.view, nil
	}
	if v, ok := t.layers[layer]; ok {
		return v, nil
	}
	v, err := t.tex.CreateView(&wgpu.TextureViewDescriptor{
		Label:           fmt.Sprintf("%s Layer %d", t.desc.Label, layer),
		Format:          textureFormat(t.desc.Format),
		Dimension:       wgpu.TextureViewDimension2D,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  uint32(layer),
		ArrayLayerCount: 1,
	})
	if err != nil {
		return nil, err
	}
	if t.layers == nil {
		t.layers = make(map[int]*wgpu.TextureView)
	}
	t.layers[layer] = v
	return v, nil
}

// ShaderModule wraps a WebGPU shader module.
type ShaderModule struct {
	label string
	mod   *wgpu.ShaderModule
}

func (m *ShaderModule) Label() string { return m.label }

// Pipeline wraps a WebGPU render pipeline.
type Pipeline struct {
	label    string
	pipeline *wgpu.RenderPipeline
}

func (p *Pipeline) Label() string { return p.label }

// BindGroup wraps a WebGPU bind group.
type BindGroup struct {
	label string
	bg    *wgpu.BindGroup
}

func (bg *BindGroup) Label() string { return bg.label }

func bufferUsage(u rhi.BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&rhi.BufferUsageVertex != 0 {
		out |= wgpu.BufferUsageVertex
	}
	if u&rhi.BufferUsageIndex != 0 {
		out |= wgpu.BufferUsageIndex
	}
	if u&rhi.BufferUsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	// Acceleration structure inputs are read by the BVH traversal shader.
	if u&(rhi.BufferUsageStorage|rhi.BufferUsageAccelInput) != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&rhi.BufferUsageIndirect != 0 {
		out |= wgpu.BufferUsageIndirect
	}
	if u&rhi.BufferUsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&rhi.BufferUsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	return out
}

func textureUsage(u rhi.TextureUsage) wgpu.TextureUsage {
	var out wgpu.TextureUsage
	if u&rhi.TextureUsageRenderTarget != 0 {
		out |= wgpu.TextureUsageRenderAttachment
	}
	if u&rhi.TextureUsageSampled != 0 {
		out |= wgpu.TextureUsageTextureBinding
	}
	if u&rhi.TextureUsageCopySrc != 0 {
		out |= wgpu.TextureUsageCopySrc
	}
	if u&rhi.TextureUsageCopyDst != 0 {
		out |= wgpu.TextureUsageCopyDst
	}
	return out
}

func textureFormat(f rhi.TextureFormat) wgpu.TextureFormat {
	switch f {
	case rhi.FormatRGBA16Float:
		return wgpu.TextureFormatRGBA16Float
	case rhi.FormatR32Float:
		return wgpu.TextureFormatR32Float
	default:
		return wgpu.TextureFormatRGBA8Unorm
	}
}

func vertexLayouts(in []rhi.VertexBufferLayout) []wgpu.VertexBufferLayout {
	out := make([]wgpu.VertexBufferLayout, 0, len(in))
	for _, l := range in {
		attrs := make([]wgpu.VertexAttribute, 0, len(l.Attributes))
		for _, a := range l.Attributes {
			attrs = append(attrs, wgpu.VertexAttribute{
				Format:         vertexFormat(a.Format),
				Offset:         a.Offset,
				ShaderLocation: a.Location,
			})
		}
		out = append(out, wgpu.VertexBufferLayout{
			ArrayStride: l.Stride,
			StepMode:    wgpu.VertexStepModeVertex,
			Attributes:  attrs,
		})
	}
	return out
}

func vertexFormat(f rhi.VertexFormat) wgpu.VertexFormat {
	switch f {
	case rhi.VertexFormatFloat32x2:
		return wgpu.VertexFormatFloat32x2
	case rhi.VertexFormatFloat32x3:
		return wgpu.VertexFormatFloat32x3
	case rhi.VertexFormatFloat32x4:
		return wgpu.VertexFormatFloat32x4
	default:
		return wgpu.VertexFormatUint32
	}
}
