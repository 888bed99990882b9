package headless

import (
	"fmt"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

// CommandKind identifies a recorded command.
type CommandKind int

const (
	CmdWriteBuffer CommandKind = iota
	CmdCopyBuffer
	CmdBarrier
	CmdBuildBLAS
	CmdBuildTLAS
	CmdBeginRenderPass
	CmdSetPipeline
	CmdSetBindGroup
	CmdSetVertexBuffer
	CmdSetIndexBuffer
	CmdSetViewport
	CmdDrawIndexedIndirect
	CmdDraw
	CmdEndRenderPass
)

var commandNames = [...]string{
	CmdWriteBuffer:         "WriteBuffer",
	CmdCopyBuffer:          "CopyBuffer",
	CmdBarrier:             "Barrier",
	CmdBuildBLAS:           "BuildBLAS",
	CmdBuildTLAS:           "BuildTLAS",
	CmdBeginRenderPass:     "BeginRenderPass",
	CmdSetPipeline:         "SetPipeline",
	CmdSetBindGroup:        "SetBindGroup",
	CmdSetVertexBuffer:     "SetVertexBuffer",
	CmdSetIndexBuffer:      "SetIndexBuffer",
	CmdSetViewport:         "SetViewport",
	CmdDrawIndexedIndirect: "DrawIndexedIndirect",
	CmdDraw:                "Draw",
	CmdEndRenderPass:       "EndRenderPass",
}

func (k CommandKind) String() string {
	if int(k) < len(commandNames) {
		return commandNames[k]
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// Command is one recorded command. Only the fields relevant to Kind are
// set.
type Command struct {
	Kind          CommandKind
	Buffer        rhi.Buffer
	Src           rhi.Buffer
	Offset        uint64
	SrcOff        uint64
	Size          uint64
	Barrier       rhi.Barrier
	Accel         rhi.AccelStruct
	Pass          rhi.RenderPassDesc
	Pipeline      rhi.Pipeline
	Group         rhi.BindGroup
	Index         int
	Count         int
	Instances     int
	First         int
	FirstInstance int
	Viewport      [4]float32
}

// Recorder executes commands immediately against host memory and logs
// them.
type Recorder struct {
	dev      *Device
	inPass   bool
	Commands []Command
}

func (r *Recorder) add(c Command) {
	r.Commands = append(r.Commands, c)
}

func (r *Recorder) requirePass(op string, want bool) {
	if r.inPass != want {
		if want {
			panic(fmt.Sprintf("headless: %s outside a render pass", op))
		}
		panic(fmt.Sprintf("headless: %s inside a render pass", op))
	}
}

func hostBuffer(b rhi.Buffer) *Buffer {
	hb, ok := b.(*Buffer)
	if !ok {
		panic(fmt.Sprintf("headless: foreign buffer %q", b.Label()))
	}
	return hb
}

// WriteBuffer implements rhi.Recorder.
func (r *Recorder) WriteBuffer(dst rhi.Buffer, offset uint64, data []byte) {
	r.requirePass("WriteBuffer", false)
	hb := hostBuffer(dst)
	if offset+uint64(len(data)) > uint64(len(hb.Data)) {
		panic(fmt.Sprintf("headless: write [%d,%d) past end of %q (%d bytes)", offset, offset+uint64(len(data)), hb.Label(), len(hb.Data)))
	}
	copy(hb.Data[offset:], data)
	r.add(Command{Kind: CmdWriteBuffer, Buffer: dst, Offset: offset, Size: uint64(len(data))})
}

// CopyBuffer implements rhi.Recorder.
func (r *Recorder) CopyBuffer(src rhi.Buffer, srcOffset uint64, dst rhi.Buffer, dstOffset uint64, size uint64) {
	r.requirePass("CopyBuffer", false)
	s, d := hostBuffer(src), hostBuffer(dst)
	if srcOffset+size > uint64(len(s.Data)) || dstOffset+size > uint64(len(d.Data)) {
		panic(fmt.Sprintf("headless: copy of %d bytes from %q@%d to %q@%d out of bounds", size, s.Label(), srcOffset, d.Label(), dstOffset))
	}
	copy(d.Data[dstOffset:dstOffset+size], s.Data[srcOffset:srcOffset+size])
	r.add(Command{Kind: CmdCopyBuffer, Src: src, SrcOff: srcOffset, Buffer: dst, Offset: dstOffset, Size: size})
}

// Barrier implements rhi.Recorder.
func (r *Recorder) Barrier(b rhi.Barrier) {
	r.requirePass("Barrier", false)
	r.add(Command{Kind: CmdBarrier, Barrier: b})
}

// BuildBLAS implements rhi.Recorder.
func (r *Recorder) BuildBLAS(as rhi.AccelStruct) {
	r.requirePass("BuildBLAS", false)
	if a, ok := as.(*AccelStruct); ok {
		a.Builds++
	}
	r.add(Command{Kind: CmdBuildBLAS, Accel: as})
}

// BuildTLAS implements rhi.Recorder.
func (r *Recorder) BuildTLAS(as rhi.AccelStruct, instances rhi.Buffer, count int) {
	r.requirePass("BuildTLAS", false)
	if a, ok := as.(*AccelStruct); ok {
		if count > a.TLAS.MaxInstances {
			panic(fmt.Sprintf("headless: tlas %q built with %d instances, capacity %d", a.Label(), count, a.TLAS.MaxInstances))
		}
		a.Builds++
	}
	r.add(Command{Kind: CmdBuildTLAS, Accel: as, Buffer: instances, Count: count})
}

// BeginRenderPass implements rhi.Recorder.
func (r *Recorder) BeginRenderPass(desc rhi.RenderPassDesc) {
	r.requirePass("BeginRenderPass", false)
	if desc.Target == nil {
		panic("headless: render pass without target")
	}
	if desc.Layer < 0 || desc.Layer >= desc.Target.Desc().Layers {
		panic(fmt.Sprintf("headless: render pass layer %d out of range for %q", desc.Layer, desc.Target.Label()))
	}
	r.inPass = true
	r.add(Command{Kind: CmdBeginRenderPass, Pass: desc})
}

// SetPipeline implements rhi.Recorder.
func (r *Recorder) SetPipeline(p rhi.Pipeline) {
	r.requirePass("SetPipeline", true)
	r.add(Command{Kind: CmdSetPipeline, Pipeline: p})
}

// SetBindGroup implements rhi.Recorder.
func (r *Recorder) SetBindGroup(index int, bg rhi.BindGroup) {
	r.requirePass("SetBindGroup", true)
	r.add(Command{Kind: CmdSetBindGroup, Index: index, Group: bg})
}

// SetVertexBuffer implements rhi.Recorder.
func (r *Recorder) SetVertexBuffer(buf rhi.Buffer) {
	r.requirePass("SetVertexBuffer", true)
	r.add(Command{Kind: CmdSetVertexBuffer, Buffer: buf})
}

// SetIndexBuffer implements rhi.Recorder.
func (r *Recorder) SetIndexBuffer(buf rhi.Buffer) {
	r.requirePass("SetIndexBuffer", true)
	r.add(Command{Kind: CmdSetIndexBuffer, Buffer: buf})
}

// SetViewport implements rhi.Recorder.
func (r *Recorder) SetViewport(x, y, width, height float32) {
	r.requirePass("SetViewport", true)
	r.add(Command{Kind: CmdSetViewport, Viewport: [4]float32{x, y, width, height}})
}

// DrawIndexedIndirect implements rhi.Recorder.
func (r *Recorder) DrawIndexedIndirect(args rhi.Buffer, offset uint64, count int) {
	r.requirePass("DrawIndexedIndirect", true)
	end := offset + uint64(count)*rhi.DrawIndexedIndirectStride
	if end > args.Size() {
		panic(fmt.Sprintf("headless: indirect draws [%d,%d) past end of %q", offset, end, args.Label()))
	}
	r.add(Command{Kind: CmdDrawIndexedIndirect, Buffer: args, Offset: offset, Count: count})
}

// Draw implements rhi.Recorder.
func (r *Recorder) Draw(vertexCount, instanceCount, firstVertex, firstInstance int) {
	r.requirePass("Draw", true)
	r.add(Command{Kind: CmdDraw, Count: vertexCount, Instances: instanceCount, First: firstVertex, FirstInstance: firstInstance})
}

// EndRenderPass implements rhi.Recorder.
func (r *Recorder) EndRenderPass() {
	r.requirePass("EndRenderPass", true)
	r.inPass = false
	r.add(Command{Kind: CmdEndRenderPass})
}

// Count returns how many commands of kind k were recorded.
func Count(cmds []Command, k CommandKind) int {
	n := 0
	for _, c := range cmds {
		if c.Kind == k {
			n++
		}
	}
	return n
}

// Filter returns the commands of kind k.
func Filter(cmds []Command, k CommandKind) []Command {
	var out []Command
	for _, c := range cmds {
		if c.Kind == k {
			out = append(out, c)
		}
	}
	return out
}

var _ rhi.Recorder = (*Recorder)(nil)
