package wgpudev

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

// Recorder records into a WebGPU command encoder. Buffer writes go through
// the queue and therefore land before the submission they belong to.
type Recorder struct {
	dev  *Device
	enc  *wgpu.CommandEncoder
	pass *wgpu.RenderPassEncoder
}

func unwrapBuffer(b rhi.Buffer) *wgpu.Buffer {
	wb, ok := b.(*Buffer)
	if !ok {
		panic(fmt.Sprintf("wgpudev: foreign buffer %q", b.Label()))
	}
	return wb.buf
}

// WriteBuffer implements rhi.Recorder.
func (r *Recorder) WriteBuffer(dst rhi.Buffer, offset uint64, data []byte) {
	r.dev.queue.WriteBuffer(unwrapBuffer(dst), offset, data)
}

// CopyBuffer implements rhi.Recorder.
func (r *Recorder) CopyBuffer(src rhi.Buffer, srcOffset uint64, dst rhi.Buffer, dstOffset uint64, size uint64) {
	r.enc.CopyBufferToBuffer(unwrapBuffer(src), srcOffset, unwrapBuffer(dst), dstOffset, size)
}

// Barrier implements rhi.Recorder. WebGPU tracks resource hazards itself.
func (r *Recorder) Barrier(rhi.Barrier) {}

// BuildBLAS implements rhi.Recorder.
func (r *Recorder) BuildBLAS(rhi.AccelStruct) {
	panic("wgpudev: acceleration structures are not supported")
}

// BuildTLAS implements rhi.Recorder.
func (r *Recorder) BuildTLAS(rhi.AccelStruct, rhi.Buffer, int) {
	panic("wgpudev: acceleration structures are not supported")
}

// BeginRenderPass implements rhi.Recorder.
func (r *Recorder) BeginRenderPass(desc rhi.RenderPassDesc) {
	t, ok := desc.Target.(*Texture)
	if !ok {
		panic(fmt.Sprintf("wgpudev: render pass %q: foreign target", desc.Label))
	}
	view, err := t.layerView(desc.Layer)
	if err != nil {
		panic(fmt.Sprintf("wgpudev: render pass %q: %v", desc.Label, err))
	}

	load := wgpu.LoadOpClear
	if desc.Load == rhi.LoadOpLoad {
		load = wgpu.LoadOpLoad
	}
	r.pass = r.enc.BeginRenderPass(&wgpu.RenderPassDescriptor{
		Label: desc.Label,
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:    view,
			LoadOp:  load,
			StoreOp: wgpu.StoreOpStore,
			ClearValue: wgpu.Color{
				R: desc.ClearColor[0],
				G: desc.ClearColor[1],
				B: desc.ClearColor[2],
				A: desc.ClearColor[3],
			},
		}},
	})
}

// SetPipeline implements rhi.Recorder.
func (r *Recorder) SetPipeline(p rhi.Pipeline) {
	r.pass.SetPipeline(p.(*Pipeline).pipeline)
}

// SetBindGroup implements rhi.Recorder.
func (r *Recorder) SetBindGroup(index int, bg rhi.BindGroup) {
	r.pass.SetBindGroup(uint32(index), bg.(*BindGroup).bg, nil)
}

// SetVertexBuffer implements rhi.Recorder.
func (r *Recorder) SetVertexBuffer(buf rhi.Buffer) {
	r.pass.SetVertexBuffer(0, unwrapBuffer(buf), 0, wgpu.WholeSize)
}

// SetIndexBuffer implements rhi.Recorder.
func (r *Recorder) SetIndexBuffer(buf rhi.Buffer) {
	r.pass.SetIndexBuffer(unwrapBuffer(buf), wgpu.IndexFormatUint32, 0, wgpu.WholeSize)
}

// SetViewport implements rhi.Recorder.
func (r *Recorder) SetViewport(x, y, width, height float32) {
	r.pass.SetViewport(x, y, width, height, 0, 1)
}

// DrawIndexedIndirect implements rhi.Recorder. WebGPU has no multi-draw,
// so each argument record is issued on its own.
func (r *Recorder) DrawIndexedIndirect(args rhi.Buffer, offset uint64, count int) {
	buf := unwrapBuffer(args)
	for i := 0; i < count; i++ {
		r.pass.DrawIndexedIndirect(buf, offset+uint64(i)*rhi.DrawIndexedIndirectStride)
	}
}

// Draw implements rhi.Recorder.
func (r *Recorder) Draw(vertexCount, instanceCount, firstVertex, firstInstance int) {
	r.pass.Draw(uint32(vertexCount), uint32(instanceCount), uint32(firstVertex), uint32(firstInstance))
}

// EndRenderPass implements rhi.Recorder.
func (r *Recorder) EndRenderPass() {
	r.pass.End()
	r.pass.Release()
	r.pass = nil
}

var _ rhi.Recorder = (*Recorder)(nil)
