package lightmap

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/accel"
	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
	"github.com/Faultbox/midgard-bake/internal/engine/shader"
	"github.com/Faultbox/midgard-bake/pkg/atlas"
)

// GPU record sizes, matching the bake shaders.
const (
	TileRecordStride = 48
	DrawRecordStride = 8
	CopyRecordStride = 24
	ParamsSize       = 48
	blurParamsSize   = 16
	copyParamsSize   = 16
)

// rayQueryPrelude must precede everything else in a module that uses ray
// queries.
const rayQueryPrelude = "enable wgpu_ray_query;\n"

// Config configures the Baker.
type Config struct {
	// ImageSize is the side of the square bake image in texels.
	ImageSize int

	// Samples is the MSAA sample count of the raytrace target.
	Samples int

	// Padding keeps tiles apart in the bake image so the blur does not
	// bleed between them.
	Padding int

	// MaxDraws bounds the indirect draws of one batch.
	MaxDraws int

	// RingFrames is the number of per-frame regions in the draw ring.
	RingFrames int

	TraceBias   float32
	SunDistance float32

	// Filter decides which shader lumps the bake programs may include.
	Filter shader.IncludeFilter
}

// DefaultConfig returns the baker settings used when none are given.
func DefaultConfig() Config {
	return Config{
		ImageSize:   1024,
		Samples:     4,
		Padding:     3,
		MaxDraws:    4096,
		RingFrames:  3,
		TraceBias:   0.5,
		SunDistance: 1e5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ImageSize <= 0 {
		c.ImageSize = def.ImageSize
	}
	if c.Samples <= 0 {
		c.Samples = def.Samples
	}
	if c.Padding < 0 {
		c.Padding = def.Padding
	}
	if c.MaxDraws <= 0 {
		c.MaxDraws = def.MaxDraws
	}
	if c.RingFrames <= 0 {
		c.RingFrames = def.RingFrames
	}
	if c.TraceBias <= 0 {
		c.TraceBias = def.TraceBias
	}
	if c.SunDistance <= 0 {
		c.SunDistance = def.SunDistance
	}
	return c
}

// Result summarizes one UpdateLightmaps call.
type Result struct {
	Batch    uuid.UUID
	Selected int
	Rendered int
	Deferred int
	Draws    int
	Pages    int
}

// Baker bakes direct lighting for dirty tiles in four GPU stages: raytrace
// into a multisampled bake image, resolve, separable blur, and a copy into
// the atlas pages. A stage that cannot run is a no-op.
type Baker struct {
	dev     rhi.Device
	release *rhi.ReleaseQueue
	log     *zap.Logger
	cfg     Config

	mesh   *mesh.Mesh
	gpu    *mesh.GPUBuffers
	tracer accel.Tracer
	atlas  *Atlas

	// Sun lights sky-facing texels.
	Sun lighting.Sun

	raytrace rhi.Pipeline
	resolve  rhi.Pipeline
	blur     rhi.Pipeline
	copy     rhi.Pipeline

	msaa     rhi.Texture
	resolved rhi.Texture
	scratch  rhi.Texture

	tileBuf    rhi.Buffer
	drawBuf    rhi.Buffer
	argBuf     rhi.Buffer
	params     rhi.Buffer
	blurH      rhi.Buffer
	blurV      rhi.Buffer
	copies     rhi.Buffer
	copyParams rhi.Buffer

	batchGroup   rhi.BindGroup
	resolveGroup rhi.BindGroup
	blurHGroup   rhi.BindGroup
	blurVGroup   rhi.BindGroup
	copyGroup    rhi.BindGroup

	sceneGroup rhi.BindGroup
	sceneGen   int
	traceGroup rhi.BindGroup
	traceGen   int

	owned         []rhi.Resource
	staticWritten bool
	frame         int
	batch         *Batch
}

// NewBaker compiles the bake programs and creates the transient images
// and buffers. Shader errors are returned; a pipeline the device refuses
// is fatal.
func NewBaker(dev rhi.Device, release *rhi.ReleaseQueue, m *mesh.Mesh, gpu *mesh.GPUBuffers,
	tracer accel.Tracer, atl *Atlas, cache *shader.Cache, cfg Config, log *zap.Logger,
) (*Baker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if need := atl.Config().MaxTileSize + 2*cfg.Padding; need > cfg.ImageSize {
		return nil, fmt.Errorf("bake image %d cannot hold a padded %d texel tile", cfg.ImageSize, need)
	}

	b := &Baker{
		dev:     dev,
		release: release,
		log:     log,
		cfg:     cfg,
		mesh:    m,
		gpu:     gpu,
		tracer:  tracer,
		atlas:   atl,
		Sun:     lighting.Sun{Direction: lighting.SunDirection(45, 45), Color: mgl32.Vec3{1, 1, 1}},
		batch:   NewBatch(),
	}
	if err := b.createPipelines(cache); err != nil {
		b.Destroy()
		return nil, err
	}
	if err := b.createTargets(); err != nil {
		b.Destroy()
		return nil, err
	}
	if err := b.createStaticGroups(); err != nil {
		b.Destroy()
		return nil, err
	}

	log.Info("light baker ready",
		zap.Int("image", cfg.ImageSize),
		zap.Int("samples", cfg.Samples),
		zap.Int("max_draws", cfg.MaxDraws),
		zap.String("trace", tracer.ShaderVariant()))
	return b, nil
}

// Config returns the baker configuration.
func (b *Baker) Config() Config {
	return b.cfg
}

func (b *Baker) own(r rhi.Resource) {
	b.owned = append(b.owned, r)
}

// ProgramStage is the stage every bake program is compiled for.
const ProgramStage = rhi.ShaderStageVertex | rhi.ShaderStageFragment

// Program names the sources of one bake shader module.
type Program struct {
	Label   string
	Sources []string
}

// Programs returns the bake programs for a trace variant, raytrace first.
// Compiling them ahead of NewBaker warms the shader cache.
func Programs(variant string) []Program {
	prelude := ""
	if variant == accel.VariantRayQuery {
		prelude = rayQueryPrelude
	}
	include := func(name string) string { return "#include <" + name + ">\n" }
	return []Program{
		{"Bake Raytrace", []string{prelude, include(shader.BakeCommon), include(variant), include(shader.BakeRaytrace)}},
		{"Bake Resolve", []string{include(shader.BakeResolve)}},
		{"Bake Blur", []string{include(shader.BakeBlur)}},
		{"Bake Copy", []string{include(shader.BakeCopy)}},
	}
}

func (b *Baker) module(cache *shader.Cache, prog Program) (rhi.ShaderModule, error) {
	p, err := cache.Compile(ProgramStage, prog.Sources, b.cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prog.Label, err)
	}
	mod, err := b.dev.CreateShaderModule(rhi.ShaderModuleDesc{
		Label:    prog.Label,
		Stage:    ProgramStage,
		Source:   p.Source,
		Bytecode: p.Bytecode,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prog.Label, err)
	}
	b.own(mod)
	return mod, nil
}

func (b *Baker) pipeline(desc rhi.PipelineDesc) rhi.Pipeline {
	p, err := b.dev.CreatePipeline(desc)
	if err != nil {
		panic(fmt.Sprintf("lightmap: creating pipeline %q: %v", desc.Label, err))
	}
	b.own(p)
	return p
}

func (b *Baker) createPipelines(cache *shader.Cache) error {
	mods := make([]rhi.ShaderModule, 0, 4)
	for _, prog := range Programs(b.tracer.ShaderVariant()) {
		mod, err := b.module(cache, prog)
		if err != nil {
			return err
		}
		mods = append(mods, mod)
	}
	raytrace, resolve, blur, cp := mods[0], mods[1], mods[2], mods[3]

	b.raytrace = b.pipeline(rhi.PipelineDesc{
		Label:         "Bake Raytrace Pipeline",
		Vertex:        raytrace,
		VertexEntry:   "vs_main",
		Fragment:      raytrace,
		FragmentEntry: "fs_main",
		VertexBuffers: []rhi.VertexBufferLayout{{
			Stride: mesh.VertexStride,
			Attributes: []rhi.VertexAttribute{
				{Format: rhi.VertexFormatFloat32x3, Offset: 0, Location: 0},
				{Format: rhi.VertexFormatFloat32x2, Offset: 12, Location: 1},
			},
		}},
		ColorFormat: rhi.FormatRGBA16Float,
		Samples:     b.cfg.Samples,
	})
	fullscreen := func(label string, mod rhi.ShaderModule, format rhi.TextureFormat) rhi.Pipeline {
		return b.pipeline(rhi.PipelineDesc{
			Label:         label,
			Vertex:        mod,
			VertexEntry:   "vs_main",
			Fragment:      mod,
			FragmentEntry: "fs_main",
			ColorFormat:   format,
			Samples:       1,
		})
	}
	b.resolve = fullscreen("Bake Resolve Pipeline", resolve, rhi.FormatRGBA16Float)
	b.blur = fullscreen("Bake Blur Pipeline", blur, rhi.FormatRGBA16Float)
	b.copy = fullscreen("Bake Copy Pipeline", cp, b.atlas.Config().Format)
	return nil
}

func (b *Baker) createTargets() error {
	size := b.cfg.ImageSize
	textures := []struct {
		dst     *rhi.Texture
		label   string
		samples int
	}{
		{&b.msaa, "Bake Image MSAA", b.cfg.Samples},
		{&b.resolved, "Bake Image", 1},
		{&b.scratch, "Bake Scratch", 1},
	}
	for _, t := range textures {
		tex, err := b.dev.CreateTexture(rhi.TextureDesc{
			Label:   t.label,
			Width:   size,
			Height:  size,
			Layers:  1,
			Samples: t.samples,
			Format:  rhi.FormatRGBA16Float,
			Usage:   rhi.TextureUsageRenderTarget | rhi.TextureUsageSampled,
		})
		if err != nil {
			return fmt.Errorf("creating %s: %w", t.label, err)
		}
		b.own(tex)
		*t.dst = tex
	}

	ring := uint64(b.cfg.RingFrames * b.cfg.MaxDraws)
	storage := rhi.BufferUsageStorage | rhi.BufferUsageCopyDst
	uniform := rhi.BufferUsageUniform | rhi.BufferUsageCopyDst
	buffers := []struct {
		dst  *rhi.Buffer
		desc rhi.BufferDesc
	}{
		{&b.tileBuf, rhi.BufferDesc{Label: "Bake Tiles", Size: ring * TileRecordStride, Usage: storage}},
		{&b.drawBuf, rhi.BufferDesc{Label: "Bake Draws", Size: ring * DrawRecordStride, Usage: storage}},
		{&b.argBuf, rhi.BufferDesc{Label: "Bake Draw Ring", Size: ring * rhi.DrawIndexedIndirectStride, Usage: rhi.BufferUsageIndirect | rhi.BufferUsageCopyDst}},
		{&b.params, rhi.BufferDesc{Label: "Bake Params", Size: ParamsSize, Usage: uniform}},
		{&b.blurH, rhi.BufferDesc{Label: "Bake Blur H", Size: blurParamsSize, Usage: uniform}},
		{&b.blurV, rhi.BufferDesc{Label: "Bake Blur V", Size: blurParamsSize, Usage: uniform}},
		{&b.copies, rhi.BufferDesc{Label: "Bake Copies", Size: uint64(b.cfg.MaxDraws) * CopyRecordStride, Usage: storage}},
		{&b.copyParams, rhi.BufferDesc{Label: "Bake Copy Params", Size: copyParamsSize, Usage: uniform}},
	}
	for _, bd := range buffers {
		buf, err := b.dev.CreateBuffer(bd.desc)
		if err != nil {
			return fmt.Errorf("creating %s: %w", bd.desc.Label, err)
		}
		b.own(buf)
		*bd.dst = buf
	}
	return nil
}

func (b *Baker) group(desc rhi.BindGroupDesc) (rhi.BindGroup, error) {
	bg, err := b.dev.CreateBindGroup(desc)
	if err != nil {
		return nil, fmt.Errorf("creating bind group %q: %w", desc.Label, err)
	}
	return bg, nil
}

func (b *Baker) createStaticGroups() error {
	groups := []struct {
		dst  *rhi.BindGroup
		desc rhi.BindGroupDesc
	}{
		{&b.batchGroup, rhi.BindGroupDesc{Label: "Bake Batch", Pipeline: b.raytrace, Group: 2, Entries: []rhi.BindGroupEntry{
			{Binding: 0, Buffer: b.tileBuf},
			{Binding: 1, Buffer: b.drawBuf},
		}}},
		{&b.resolveGroup, rhi.BindGroupDesc{Label: "Bake Resolve", Pipeline: b.resolve, Entries: []rhi.BindGroupEntry{
			{Binding: 0, Texture: b.msaa},
		}}},
		{&b.blurHGroup, rhi.BindGroupDesc{Label: "Bake Blur H", Pipeline: b.blur, Entries: []rhi.BindGroupEntry{
			{Binding: 0, Texture: b.resolved},
			{Binding: 1, Buffer: b.blurH},
		}}},
		{&b.blurVGroup, rhi.BindGroupDesc{Label: "Bake Blur V", Pipeline: b.blur, Entries: []rhi.BindGroupEntry{
			{Binding: 0, Texture: b.scratch},
			{Binding: 1, Buffer: b.blurV},
		}}},
		{&b.copyGroup, rhi.BindGroupDesc{Label: "Bake Copy", Pipeline: b.copy, Entries: []rhi.BindGroupEntry{
			{Binding: 0, Texture: b.resolved},
			{Binding: 1, Buffer: b.copies},
			{Binding: 2, Buffer: b.copyParams},
		}}},
	}
	for _, g := range groups {
		bg, err := b.group(g.desc)
		if err != nil {
			return err
		}
		b.own(bg)
		*g.dst = bg
	}
	return nil
}

// bindScene refreshes the bind groups over mesh and tracer resources when
// either side reallocated. It reports false while a resource is missing.
func (b *Baker) bindScene() (bool, error) {
	kinds := []mesh.Kind{mesh.KindSurfaces, mesh.KindSurfaceIndexes, mesh.KindLights, mesh.KindLightIndexes}
	for _, k := range append(kinds, mesh.KindVertices, mesh.KindIndices) {
		if b.gpu.Buffer(k) == nil {
			return false, nil
		}
	}

	if b.sceneGroup == nil || b.sceneGen != b.gpu.Generation() {
		entries := make([]rhi.BindGroupEntry, 0, len(kinds)+1)
		for i, k := range kinds {
			entries = append(entries, rhi.BindGroupEntry{Binding: uint32(i), Buffer: b.gpu.Buffer(k)})
		}
		entries = append(entries, rhi.BindGroupEntry{Binding: uint32(len(kinds)), Buffer: b.params})
		bg, err := b.group(rhi.BindGroupDesc{Label: "Bake Scene", Pipeline: b.raytrace, Group: 0, Entries: entries})
		if err != nil {
			return false, err
		}
		b.release.Defer(b.sceneGroup)
		b.sceneGroup, b.sceneGen = bg, b.gpu.Generation()
	}

	if b.traceGroup == nil || b.traceGen != b.tracer.Generation() {
		bindings := b.tracer.Bindings()
		entries := make([]rhi.BindGroupEntry, len(bindings))
		for i, bd := range bindings {
			if bd.Buffer == nil && bd.Accel == nil {
				return false, nil
			}
			entries[i] = rhi.BindGroupEntry{Binding: uint32(i), Buffer: bd.Buffer, Accel: bd.Accel}
		}
		bg, err := b.group(rhi.BindGroupDesc{Label: "Bake Trace", Pipeline: b.raytrace, Group: 1, Entries: entries})
		if err != nil {
			return false, err
		}
		b.release.Defer(b.traceGroup)
		b.traceGroup, b.traceGen = bg, b.tracer.Generation()
	}
	return true, nil
}

func (b *Baker) bakePacker() atlas.Config {
	return atlas.Config{
		PageWidth:  b.cfg.ImageSize,
		PageHeight: b.cfg.ImageSize,
		Padding:    b.cfg.Padding,
		MaxPages:   1,
	}
}

func (b *Baker) liveSurfaces(t *Tile) int {
	n := 0
	for _, id := range t.Surfaces {
		if _, err := b.mesh.Surface(id); err == nil {
			n++
		}
	}
	return n
}

// warnOversized logs a tile that can never fit one batch. It stays
// flagged so that removing surfaces lets it bake.
func (b *Baker) warnOversized(t *Tile) {
	b.log.Warn("tile has more surfaces than the draw capacity",
		zap.Int("tile", int(t.ID)),
		zap.Int("surfaces", b.liveSurfaces(t)),
		zap.Int("max_draws", b.cfg.MaxDraws))
}

// SelectTiles packs the dirty tiles into the bake image of bt. Tiles that
// do not fit, or have more surfaces than one batch can draw, keep
// NeedsUpdate for a later batch. It returns the number of
// selected tiles.
func (b *Baker) SelectTiles(bt *Batch, tiles []*Tile) int {
	if bt.State != StateIdle && bt.State != StateCopied {
		return 0
	}
	bt.reset(b.bakePacker())

	for _, t := range tiles {
		if t == nil || !t.live || !t.placed || !t.NeedsUpdate {
			continue
		}
		n := b.liveSurfaces(t)
		if n == 0 {
			t.NeedsUpdate = false
			continue
		}
		if n > b.cfg.MaxDraws {
			b.warnOversized(t)
			continue
		}
		item, ok := bt.packer.Alloc(t.Location.Width, t.Location.Height)
		if !ok {
			continue
		}
		t.NeedsUpdate = false
		bt.Tiles = append(bt.Tiles, t)
		bt.placements = append(bt.placements, item)
	}
	if len(bt.Tiles) == 0 {
		return 0
	}

	bt.ID = uuid.New()
	bt.State = StateTilesSelected
	b.log.Debug("bake tiles selected",
		zap.Stringer("batch", bt.ID),
		zap.Int("tiles", len(bt.Tiles)),
		zap.Int("candidates", len(tiles)))
	return len(bt.Tiles)
}

// Render queues one indirect draw per live surface of every selected tile
// and rasterizes them into the multisampled bake image. When the draw
// capacity runs out, the tile that does not fit and every tile after it
// are re-flagged and dropped from the batch. A tile with more surfaces
// than the whole capacity is dropped on its own.
func (b *Baker) Render(rec rhi.Recorder, bt *Batch) error {
	if bt.State != StateTilesSelected {
		return nil
	}
	ready, err := b.bindScene()
	if err != nil {
		return err
	}
	if !ready {
		bt.deferFrom(0, 0)
		bt.State = StateIdle
		return nil
	}

	slot := b.frame % b.cfg.RingFrames
	base := slot * b.cfg.MaxDraws
	bt.tileData = grow(bt.tileData, len(bt.Tiles)*TileRecordStride)
	bt.drawData = grow(bt.drawData, b.cfg.MaxDraws*DrawRecordStride)
	bt.argData = grow(bt.argData, b.cfg.MaxDraws*rhi.DrawIndexedIndirectStride)

	draws, kept, stop := 0, 0, len(bt.Tiles)
	for i, t := range bt.Tiles {
		n := b.liveSurfaces(t)
		if n > b.cfg.MaxDraws {
			b.warnOversized(t)
			bt.deferTile(t)
			continue
		}
		if draws+n > b.cfg.MaxDraws {
			stop = i
			break
		}
		bt.Tiles[kept] = t
		bt.placements[kept] = bt.placements[i]
		putTileRecord(bt.tileData[kept*TileRecordStride:], t, bt.placements[kept])
		for _, id := range t.Surfaces {
			s, err := b.mesh.Surface(id)
			if err != nil {
				continue
			}
			dr := bt.drawData[draws*DrawRecordStride:]
			binary.LittleEndian.PutUint32(dr[0:], uint32(base+kept))
			binary.LittleEndian.PutUint32(dr[4:], uint32(id))
			rhi.DrawIndexedIndirectArgs{
				IndexCount:    uint32(s.Indices.Len()),
				InstanceCount: 1,
				FirstIndex:    uint32(s.Indices.Start),
				FirstInstance: uint32(base + draws),
			}.Put(bt.argData[draws*rhi.DrawIndexedIndirectStride:])
			draws++
		}
		kept++
	}
	bt.deferFrom(stop, kept)
	if draws == 0 {
		bt.State = StateIdle
		return nil
	}
	b.frame++
	bt.Draws = draws

	var params [ParamsSize]byte
	b.Sun.Put(params[:lighting.SunStride])
	putFloat(params[32:], float32(b.cfg.ImageSize))
	putFloat(params[36:], b.cfg.TraceBias)
	putFloat(params[40:], b.cfg.SunDistance)

	rec.WriteBuffer(b.tileBuf, uint64(base*TileRecordStride), bt.tileData[:len(bt.Tiles)*TileRecordStride])
	rec.WriteBuffer(b.drawBuf, uint64(base*DrawRecordStride), bt.drawData[:draws*DrawRecordStride])
	rec.WriteBuffer(b.argBuf, uint64(base*rhi.DrawIndexedIndirectStride), bt.argData[:draws*rhi.DrawIndexedIndirectStride])
	rec.WriteBuffer(b.params, 0, params[:])
	rec.Barrier(rhi.BarrierUploadToShader)

	size := float32(b.cfg.ImageSize)
	rec.BeginRenderPass(rhi.RenderPassDesc{Label: "Bake Raytrace", Target: b.msaa, Load: rhi.LoadOpClear})
	rec.SetViewport(0, 0, size, size)
	rec.SetPipeline(b.raytrace)
	rec.SetBindGroup(0, b.sceneGroup)
	rec.SetBindGroup(1, b.traceGroup)
	rec.SetBindGroup(2, b.batchGroup)
	rec.SetVertexBuffer(b.gpu.Buffer(mesh.KindVertices))
	rec.SetIndexBuffer(b.gpu.Buffer(mesh.KindIndices))
	rec.DrawIndexedIndirect(b.argBuf, uint64(base*rhi.DrawIndexedIndirectStride), draws)
	rec.EndRenderPass()
	rec.Barrier(rhi.BarrierColorToShader)

	bt.State = StateRendered
	b.log.Debug("bake rendered",
		zap.Stringer("batch", bt.ID),
		zap.Int("tiles", len(bt.Tiles)),
		zap.Int("draws", draws),
		zap.Int("deferred", len(bt.Deferred)),
		zap.Int("ring_slot", slot))
	return nil
}

// fullscreen records one fullscreen-triangle pass.
func (b *Baker) fullscreen(rec rhi.Recorder, label string, target rhi.Texture, p rhi.Pipeline, bg rhi.BindGroup) {
	size := float32(b.cfg.ImageSize)
	rec.BeginRenderPass(rhi.RenderPassDesc{Label: label, Target: target, Load: rhi.LoadOpClear})
	rec.SetViewport(0, 0, size, size)
	rec.SetPipeline(p)
	rec.SetBindGroup(0, bg)
	rec.Draw(3, 1, 0, 0)
	rec.EndRenderPass()
	rec.Barrier(rhi.BarrierColorToShader)
}

// Resolve averages the covered samples of the bake image.
func (b *Baker) Resolve(rec rhi.Recorder, bt *Batch) {
	if bt.State != StateRendered {
		return
	}
	b.fullscreen(rec, "Bake Resolve", b.resolved, b.resolve, b.resolveGroup)
	bt.State = StateResolved
}

// Blur runs the horizontal pass into the scratch image and the vertical
// pass back into the resolved image.
func (b *Baker) Blur(rec rhi.Recorder, bt *Batch) {
	if bt.State != StateResolved {
		return
	}
	b.writeStatic(rec)
	b.fullscreen(rec, "Bake Blur H", b.scratch, b.blur, b.blurHGroup)
	b.fullscreen(rec, "Bake Blur V", b.resolved, b.blur, b.blurVGroup)
	bt.State = StateBlurred
}

func (b *Baker) writeStatic(rec rhi.Recorder) {
	if b.staticWritten {
		return
	}
	var h, v [blurParamsSize]byte
	binary.LittleEndian.PutUint32(h[0:], 1)
	binary.LittleEndian.PutUint32(v[4:], 1)
	rec.WriteBuffer(b.blurH, 0, h[:])
	rec.WriteBuffer(b.blurV, 0, v[:])

	var cp [copyParamsSize]byte
	page := float32(b.atlas.Config().PageSize)
	putFloat(cp[0:], page)
	putFloat(cp[4:], page)
	rec.WriteBuffer(b.copyParams, 0, cp[:])
	rec.Barrier(rhi.BarrierUploadToShader)
	b.staticWritten = true
}

// Copy writes the blurred tiles into their atlas pages: one instanced
// quad draw per page, loading the existing page content. It returns the
// number of pages touched.
func (b *Baker) Copy(rec rhi.Recorder, bt *Batch) int {
	if bt.State != StateBlurred {
		return 0
	}
	b.writeStatic(rec)

	order := make([]int, len(bt.Tiles))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return bt.Tiles[order[i]].Location.Page < bt.Tiles[order[j]].Location.Page
	})

	bt.copyData = grow(bt.copyData, len(order)*CopyRecordStride)
	for n, i := range order {
		putCopyRecord(bt.copyData[n*CopyRecordStride:], bt.placements[i], bt.Tiles[i].Location)
	}
	rec.WriteBuffer(b.copies, 0, bt.copyData)
	rec.Barrier(rhi.BarrierUploadToShader)

	size := float32(b.atlas.Config().PageSize)
	pages := 0
	for first := 0; first < len(order); {
		page := bt.Tiles[order[first]].Location.Page
		last := first
		for last < len(order) && bt.Tiles[order[last]].Location.Page == page {
			last++
		}
		rec.BeginRenderPass(rhi.RenderPassDesc{
			Label:  fmt.Sprintf("Bake Copy Page %d", page),
			Target: b.atlas.Texture(),
			Layer:  page,
			Load:   rhi.LoadOpLoad,
		})
		rec.SetViewport(0, 0, size, size)
		rec.SetPipeline(b.copy)
		rec.SetBindGroup(0, b.copyGroup)
		rec.Draw(6, last-first, 0, first)
		rec.EndRenderPass()
		pages++
		first = last
	}
	rec.Barrier(rhi.BarrierColorToShader)

	for _, t := range bt.Tiles {
		t.Flags &^= NeedsInitialBake
	}
	bt.State = StateCopied
	b.log.Debug("bake copied",
		zap.Stringer("batch", bt.ID),
		zap.Int("tiles", len(bt.Tiles)),
		zap.Int("pages", pages))
	return pages
}

// UpdateBatch runs every stage for tiles using the caller's batch.
func (b *Baker) UpdateBatch(rec rhi.Recorder, bt *Batch, tiles []*Tile) (Result, error) {
	res := Result{Selected: b.SelectTiles(bt, tiles)}
	if res.Selected == 0 {
		return res, nil
	}
	res.Batch = bt.ID
	if err := b.Render(rec, bt); err != nil {
		bt.deferFrom(0, 0)
		bt.State = StateIdle
		return res, err
	}
	res.Deferred = len(bt.Deferred)
	res.Draws = bt.Draws
	b.Resolve(rec, bt)
	b.Blur(rec, bt)
	res.Pages = b.Copy(rec, bt)
	if bt.State == StateCopied {
		res.Rendered = len(bt.Tiles)
	}
	return res, nil
}

// UpdateLightmaps bakes as many of the dirty tiles as fit this frame using
// the baker's own batch.
func (b *Baker) UpdateLightmaps(rec rhi.Recorder, tiles []*Tile) (Result, error) {
	res, err := b.UpdateBatch(rec, b.batch, tiles)
	if err != nil {
		return res, err
	}
	if res.Selected > 0 {
		b.log.Info("lightmaps updated",
			zap.Stringer("batch", res.Batch),
			zap.Int("tiles", res.Rendered),
			zap.Int("deferred", res.Deferred),
			zap.Int("draws", res.Draws),
			zap.Int("pages", res.Pages))
	}
	return res, nil
}

// Destroy schedules every baker resource for release.
func (b *Baker) Destroy() {
	for _, r := range b.owned {
		b.release.Defer(r)
	}
	b.owned = nil
	b.release.Defer(b.sceneGroup)
	b.release.Defer(b.traceGroup)
	b.sceneGroup, b.traceGroup = nil, nil
}

func putTileRecord(buf []byte, t *Tile, at atlas.Item) {
	for i := 0; i < 4; i++ {
		putFloat(buf[i*4:], t.ProjU[i])
		putFloat(buf[16+i*4:], t.ProjV[i])
	}
	putFloat(buf[32:], float32(at.X))
	putFloat(buf[36:], float32(at.Y))
	putFloat(buf[40:], float32(at.Width))
	putFloat(buf[44:], float32(at.Height))
}

func putCopyRecord(buf []byte, src atlas.Item, dst AtlasLocation) {
	putFloat(buf[0:], float32(src.X))
	putFloat(buf[4:], float32(src.Y))
	putFloat(buf[8:], float32(dst.X))
	putFloat(buf[12:], float32(dst.Y))
	putFloat(buf[16:], float32(dst.Width))
	putFloat(buf[20:], float32(dst.Height))
}

func putFloat(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}
