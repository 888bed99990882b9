// Package headless implements rhi.Device without a GPU. Buffers are backed
// by host memory, commands execute as they are recorded and are kept in a
// log so tests and dry runs can inspect what a frame did.
package headless

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

// Options configures the device.
type Options struct {
	// RayQuery reports hardware ray query support.
	RayQuery bool

	// FenceLatency is how many submissions stay in flight. Zero completes
	// work on submit.
	FenceLatency int

	// MaxBufferSize limits buffer creation. Zero means 1 GiB.
	MaxBufferSize uint64
}

// Device is a recording device.
type Device struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	nextID    uint64
	nextAddr  uint64
	submitted rhi.Fence
	completed rhi.Fence
	live      map[uint64]rhi.Resource
	destroyed int
	frames    [][]Command
}

// New creates a headless device.
func New(opts Options, log *zap.Logger) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxBufferSize == 0 {
		opts.MaxBufferSize = 1 << 30
	}
	return &Device{
		opts:     opts,
		log:      log,
		nextAddr: 0x1000,
		live:     make(map[uint64]rhi.Resource),
	}
}

// Features implements rhi.Device.
func (d *Device) Features() rhi.Features {
	return rhi.Features{RayQuery: d.opts.RayQuery, MaxBufferSize: d.opts.MaxBufferSize}
}

func (d *Device) register(r rhi.Resource, id uint64) {
	d.live[id] = r
}

func (d *Device) id() uint64 {
	d.nextID++
	return d.nextID
}

// CreateBuffer implements rhi.Device.
func (d *Device) CreateBuffer(desc rhi.BufferDesc) (rhi.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q: zero size", desc.Label)
	}
	if desc.Size > d.opts.MaxBufferSize {
		return nil, fmt.Errorf("buffer %q: size %d exceeds device limit %d", desc.Label, desc.Size, d.opts.MaxBufferSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b := &Buffer{id: d.id(), desc: desc, Data: make([]byte, desc.Size)}
	d.register(b, b.id)
	return b, nil
}

// CreateTexture implements rhi.Device.
func (d *Device) CreateTexture(desc rhi.TextureDesc) (rhi.Texture, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("texture %q: invalid size %dx%d", desc.Label, desc.Width, desc.Height)
	}
	if desc.Layers <= 0 {
		desc.Layers = 1
	}
	if desc.Samples <= 0 {
		desc.Samples = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &Texture{id: d.id(), desc: desc}
	d.register(t, t.id)
	return t, nil
}

// CreateShaderModule implements rhi.Device.
func (d *Device) CreateShaderModule(desc rhi.ShaderModuleDesc) (rhi.ShaderModule, error) {
	if desc.Source == "" && len(desc.Bytecode) == 0 {
		return nil, fmt.Errorf("shader %q: empty module", desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m := &ShaderModule{id: d.id(), desc: desc}
	d.register(m, m.id)
	return m, nil
}

// CreatePipeline implements rhi.Device.
func (d *Device) CreatePipeline(desc rhi.PipelineDesc) (rhi.Pipeline, error) {
	if desc.Vertex == nil {
		return nil, fmt.Errorf("pipeline %q: missing vertex module", desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &Pipeline{id: d.id(), desc: desc}
	d.register(p, p.id)
	return p, nil
}

// CreateBindGroup implements rhi.Device.
func (d *Device) CreateBindGroup(desc rhi.BindGroupDesc) (rhi.BindGroup, error) {
	for _, e := range desc.Entries {
		n := 0
		if e.Buffer != nil {
			n++
		}
		if e.Texture != nil {
			n++
		}
		if e.Accel != nil {
			n++
		}
		if n != 1 {
			return nil, fmt.Errorf("bind group %q: binding %d must reference exactly one resource", desc.Label, e.Binding)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	bg := &BindGroup{id: d.id(), desc: desc}
	d.register(bg, bg.id)
	return bg, nil
}

// CreateBLAS implements rhi.Device.
func (d *Device) CreateBLAS(desc rhi.BLASDesc) (rhi.AccelStruct, error) {
	if !d.opts.RayQuery {
		return nil, rhi.ErrUnsupported
	}
	if desc.IndexCount%3 != 0 {
		return nil, fmt.Errorf("blas %q: index count %d is not a multiple of 3", desc.Label, desc.IndexCount)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	as := &AccelStruct{id: d.id(), label: desc.Label, address: d.allocAddress(), BLAS: desc}
	d.register(as, as.id)
	return as, nil
}

// CreateTLAS implements rhi.Device.
func (d *Device) CreateTLAS(desc rhi.TLASDesc) (rhi.AccelStruct, error) {
	if !d.opts.RayQuery {
		return nil, rhi.ErrUnsupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	as := &AccelStruct{id: d.id(), label: desc.Label, address: d.allocAddress(), TLAS: desc, top: true}
	d.register(as, as.id)
	return as, nil
}

func (d *Device) allocAddress() uint64 {
	addr := d.nextAddr
	d.nextAddr += 0x1000
	return addr
}

// Destroy implements rhi.Device.
func (d *Device) Destroy(r rhi.Resource) {
	id, ok := resourceID(r)
	if !ok {
		panic(fmt.Sprintf("headless: destroy of foreign resource %q", r.Label()))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, live := d.live[id]; !live {
		panic(fmt.Sprintf("headless: double destroy of %q", r.Label()))
	}
	delete(d.live, id)
	d.destroyed++
}

// Begin implements rhi.Device.
func (d *Device) Begin() rhi.Recorder {
	return &Recorder{dev: d}
}

// Submit implements rhi.Device.
func (d *Device) Submit(rec rhi.Recorder) rhi.Fence {
	r, ok := rec.(*Recorder)
	if !ok {
		panic("headless: foreign recorder")
	}
	if r.inPass {
		panic("headless: submit inside a render pass")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted++
	if lag := rhi.Fence(d.opts.FenceLatency); d.submitted > lag {
		if done := d.submitted - lag; done > d.completed {
			d.completed = done
		}
	}
	d.frames = append(d.frames, r.Commands)
	d.log.Debug("submitted", zap.Uint64("fence", uint64(d.submitted)), zap.Int("commands", len(r.Commands)))
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
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed = d.submitted
}

// Close implements rhi.Device.
func (d *Device) Close() {
	d.WaitIdle()
}

// LiveResources returns the number of resources not destroyed yet.
func (d *Device) LiveResources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Destroyed returns the number of destroyed resources.
func (d *Device) Destroyed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Frames returns the command logs of every submission so far.
func (d *Device) Frames() [][]Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]Command, len(d.frames))
	copy(out, d.frames)
	return out
}

// LastFrame returns the commands of the latest submission.
func (d *Device) LastFrame() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil
	}
	return d.frames[len(d.frames)-1]
}

var _ rhi.Device = (*Device)(nil)
