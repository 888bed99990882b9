package rhi

import "fmt"

// PipelineStage flags used by barriers.
type PipelineStage uint32

const (
	PipelineStageTransfer PipelineStage = 1 << iota
	PipelineStageAccelBuild
	PipelineStageVertexShader
	PipelineStageFragmentShader
	PipelineStageColorOutput
)

// Access flags used by barriers.
type Access uint32

const (
	AccessTransferWrite Access = 1 << iota
	AccessAccelRead
	AccessAccelWrite
	AccessShaderRead
	AccessColorWrite
	AccessIndirectRead
)

// Barrier orders memory accesses between two sets of pipeline stages.
type Barrier struct {
	SrcStage  PipelineStage
	DstStage  PipelineStage
	SrcAccess Access
	DstAccess Access
}

func (b Barrier) String() string {
	return fmt.Sprintf("Barrier(stage %#x->%#x, access %#x->%#x)", b.SrcStage, b.DstStage, b.SrcAccess, b.DstAccess)
}

// Barriers used by the frame. Upload writes must land before the
// acceleration structure build reads them, builds must finish before
// shaders trace against them, and color output must be visible to the
// next stage of the bake pipeline.
var (
	BarrierUploadToBuild = Barrier{
		SrcStage:  PipelineStageTransfer,
		DstStage:  PipelineStageAccelBuild,
		SrcAccess: AccessTransferWrite,
		DstAccess: AccessAccelRead,
	}
	BarrierUploadToShader = Barrier{
		SrcStage:  PipelineStageTransfer,
		DstStage:  PipelineStageVertexShader | PipelineStageFragmentShader,
		SrcAccess: AccessTransferWrite,
		DstAccess: AccessShaderRead | AccessIndirectRead,
	}
	BarrierBuildToBuild = Barrier{
		SrcStage:  PipelineStageAccelBuild,
		DstStage:  PipelineStageAccelBuild,
		SrcAccess: AccessAccelWrite,
		DstAccess: AccessAccelRead,
	}
	BarrierBuildToShader = Barrier{
		SrcStage:  PipelineStageAccelBuild,
		DstStage:  PipelineStageFragmentShader,
		SrcAccess: AccessAccelWrite,
		DstAccess: AccessShaderRead,
	}
	BarrierColorToShader = Barrier{
		SrcStage:  PipelineStageColorOutput,
		DstStage:  PipelineStageFragmentShader,
		SrcAccess: AccessColorWrite,
		DstAccess: AccessShaderRead,
	}
)
