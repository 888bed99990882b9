// Package wgpudev implements rhi.Device on top of WebGPU.
//
// WebGPU exposes no ray query, so acceleration structures are reported as
// unsupported and callers select the software BVH path. WebGPU also
// orders work inside a queue itself, which makes explicit barriers no-ops.
package wgpudev

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

// Options configures the device.
type Options struct {
	// FramesInFlight is how many submissions may still run on the GPU.
	// WebGPU has no fence objects, so a submission is considered complete
	// once this many newer submissions were made, or after WaitIdle.
	FramesInFlight int

	// ForceFallbackAdapter requests the software adapter.
	ForceFallbackAdapter bool
}

// Device wraps a WebGPU adapter, device and queue.
type Device struct {
	opts Options
	log  *zap.Logger

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu        sync.Mutex
	submitted rhi.Fence
	completed rhi.Fence
}

// New requests a high performance adapter and creates a device on it.
func New(opts Options, log *zap.Logger) (*Device, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.FramesInFlight <= 0 {
		opts.FramesInFlight = 2
	}

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference:      wgpu.PowerPreferenceHighPerformance,
		ForceFallbackAdapter: opts.ForceFallbackAdapter,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("requesting adapter: %w", err)
	}

	// Bake draws select their tile record through the first instance of
	// each indirect draw.
	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            "Bake Device",
		RequiredFeatures: []wgpu.FeatureName{wgpu.FeatureNameIndirectFirstInstance},
	})
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("requesting device: %w", err)
	}

	log.Info("webgpu device ready", zap.Int("frames_in_flight", opts.FramesInFlight))

	return &Device{
		opts:     opts,
		log:      log,
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    device.GetQueue(),
	}, nil
}

// Features implements rhi.Device.
func (d *Device) Features() rhi.Features {
	return rhi.Features{RayQuery: false, MaxBufferSize: 256 << 20}
}

// CreateBuffer implements rhi.Device.
func (d *Device) CreateBuffer(desc rhi.BufferDesc) (rhi.Buffer, error) {
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: bufferUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("creating buffer %q: %w", desc.Label, err)
	}
	return &Buffer{desc: desc, buf: buf}, nil
}

// CreateTexture implements rhi.Device.
func (d *Device) CreateTexture(desc rhi.TextureDesc) (rhi.Texture, error) {
	if desc.Layers <= 0 {
		desc.Layers = 1
	}
	if desc.Samples <= 0 {
		desc.Samples = 1
	}
	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: desc.Label,
		Size: wgpu.Extent3D{
			Width:              uint32(desc.Width),
			Height:             uint32(desc.Height),
			DepthOrArrayLayers: uint32(desc.Layers),
		},
		MipLevelCount: 1,
		SampleCount:   uint32(desc.Samples),
		Dimension:     wgpu.TextureDimension2D,
		Format:        textureFormat(desc.Format),
		Usage:         textureUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("creating texture %q: %w", desc.Label, err)
	}

	dim := wgpu.TextureViewDimension2D
	if desc.Layers > 1 {
		dim = wgpu.TextureViewDimension2DArray
	}
	view, err := tex.CreateView(&wgpu.TextureViewDescriptor{
		Label:           desc.Label + " View",
		Format:          textureFormat(desc.Format),
		Dimension:       dim,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  0,
		ArrayLayerCount: uint32(desc.Layers),
	})
	if err != nil {
		tex.Release()
		return nil, fmt.Errorf("creating view for %q: %w", desc.Label, err)
	}
	return &Texture{desc: desc, tex: tex, view: view}, nil
}

// CreateShaderModule implements rhi.Device. WebGPU ingests the WGSL text.
func (d *Device) CreateShaderModule(desc rhi.ShaderModuleDesc) (rhi.ShaderModule, error) {
	if desc.Source == "" {
		return nil, fmt.Errorf("shader %q: webgpu needs WGSL source", desc.Label)
	}
	mod, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          desc.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: desc.Source},
	})
	if err != nil {
		return nil, fmt.Errorf("%s shader %q: %w", desc.Stage, desc.Label, err)
	}
	return &ShaderModule{label: desc.Label, mod: mod}, nil
}

// CreatePipeline implements rhi.Device. The layout is derived from the
// shaders.
func (d *Device) CreatePipeline(desc rhi.PipelineDesc) (rhi.Pipeline, error) {
	vs, ok := desc.Vertex.(*ShaderModule)
	if !ok {
		return nil, fmt.Errorf("pipeline %q: foreign vertex module", desc.Label)
	}
	fs, ok := desc.Fragment.(*ShaderModule)
	if !ok {
		return nil, fmt.Errorf("pipeline %q: foreign fragment module", desc.Label)
	}

	samples := desc.Samples
	if samples <= 0 {
		samples = 1
	}
	cull := wgpu.CullModeNone
	if desc.CullBackFaces {
		cull = wgpu.CullModeBack
	}

	p, err := d.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: desc.Label,
		Vertex: wgpu.VertexState{
			Module:     vs.mod,
			EntryPoint: desc.VertexEntry,
			Buffers:    vertexLayouts(desc.VertexBuffers),
		},
		Fragment: &wgpu.FragmentState{
			Module:     fs.mod,
			EntryPoint: desc.FragmentEntry,
			Targets: []wgpu.ColorTargetState{{
				Format:    textureFormat(desc.ColorFormat),
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  cull,
		},
		Multisample: wgpu.MultisampleState{
			Count: uint32(samples),
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline %q: %w", desc.Label, err)
	}
	return &Pipeline{label: desc.Label, pipeline: p}, nil
}

// CreateBindGroup implements rhi.Device.
func (d *Device) CreateBindGroup(desc rhi.BindGroupDesc) (rhi.BindGroup, error) {
	p, ok := desc.Pipeline.(*Pipeline)
	if !ok {
		return nil, fmt.Errorf("bind group %q: foreign pipeline", desc.Label)
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(desc.Entries))
	for _, e := range desc.Entries {
		switch {
		case e.Buffer != nil:
			b, ok := e.Buffer.(*Buffer)
			if !ok {
				return nil, fmt.Errorf("bind group %q: foreign buffer at binding %d", desc.Label, e.Binding)
			}
			entries = append(entries, wgpu.BindGroupEntry{Binding: e.Binding, Buffer: b.buf, Size: wgpu.WholeSize})
		case e.Texture != nil:
			t, ok := e.Texture.(*Texture)
			if !ok {
				return nil, fmt.Errorf("bind group %q: foreign texture at binding %d", desc.Label, e.Binding)
			}
			entries = append(entries, wgpu.BindGroupEntry{Binding: e.Binding, TextureView: t.view})
		case e.Accel != nil:
			return nil, fmt.Errorf("bind group %q: binding %d: %w", desc.Label, e.Binding, rhi.ErrUnsupported)
		default:
			return nil, fmt.Errorf("bind group %q: empty binding %d", desc.Label, e.Binding)
		}
	}

	bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  p.pipeline.GetBindGroupLayout(uint32(desc.Group)),
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bind group %q: %w", desc.Label, err)
	}
	return &BindGroup{label: desc.Label, bg: bg}, nil
}

// CreateBLAS implements rhi.Device.
func (d *Device) CreateBLAS(rhi.BLASDesc) (rhi.AccelStruct, error) {
	return nil, rhi.ErrUnsupported
}

// CreateTLAS implements rhi.Device.
func (d *Device) CreateTLAS(rhi.TLASDesc) (rhi.AccelStruct, error) {
	return nil, rhi.ErrUnsupported
}

// Destroy implements rhi.Device.
func (d *Device) Destroy(r rhi.Resource) {
	switch v := r.(type) {
	case *Buffer:
		v.buf.Release()
	case *Texture:
		for _, lv := range v.layers {
			lv.Release()
		}
		v.view.Release()
		v.tex.Release()
	case *ShaderModule:
		v.mod.Release()
	case *Pipeline:
		v.pipeline.Release()
	case *BindGroup:
		v.bg.Release()
	default:
		panic(fmt.Sprintf("wgpudev: destroy of foreign resource %q", r.Label()))
	}
}

// Begin implements rhi.Device.
func (d *Device) Begin() rhi.Recorder {
	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		panic(fmt.Sprintf("wgpudev: creating command encoder: %v", err))
	}
	return &Recorder{dev: d, enc: enc}
}

// Submit implements rhi.Device.
func (d *Device) Submit(rec rhi.Recorder) rhi.Fence {
	r, ok := rec.(*Recorder)
	if !ok {
		panic("wgpudev: foreign recorder")
	}
	if r.pass != nil {
		panic("wgpudev: submit inside a render pass")
	}

	cmd, err := r.enc.Finish(nil)
	if err != nil {
		panic(fmt.Sprintf("wgpudev: finishing command encoder: %v", err))
	}
	d.queue.Submit(cmd)
	cmd.Release()
	r.enc.Release()
	d.device.Poll(false, nil)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted++
	if lag := rhi.Fence(d.opts.FramesInFlight); d.submitted > lag && d.submitted-lag > d.completed {
		d.completed = d.submitted - lag
	}
	return d.submitted
}

// NextFence implements rhi.Device.
func (d *Device) NextFence() rhi.Fence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitted + 1
}

// CompletedFence implements rhi.Device.
func (d *Device) CompletedFence() rhi.Fence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// WaitIdle implements rhi.Device.
func (d *Device) WaitIdle() {
	d.device.Poll(true, nil)
	d.mu.Lock()
	d.completed = d.submitted
	d.mu.Unlock()
}

// Close waits for the GPU and releases the device.
func (d *Device) Close() {
	d.WaitIdle()
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

var _ rhi.Device = (*Device)(nil)
