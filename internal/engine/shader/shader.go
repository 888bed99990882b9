// Package shader compiles WGSL shaders with #include expansion and caches
// the results by content. The bake shaders ship embedded as private lumps.
package shader

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/gogpu/naga"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

//go:embed wgsl/*.wgsl
var files embed.FS

// Private returns the embedded shader lumps, reachable through
// #include <name>.
func Private() fs.FS {
	sub, err := fs.Sub(files, "wgsl")
	if err != nil {
		panic(fmt.Sprintf("shader: embedded lumps: %v", err))
	}
	return sub
}

// Names of the embedded bake shaders.
const (
	BakeCommon    = "bake_common.wgsl"
	BakeRaytrace  = "bake_raytrace.wgsl"
	BakeResolve   = "bake_resolve.wgsl"
	BakeBlur      = "bake_blur.wgsl"
	BakeCopy      = "bake_copy.wgsl"
	TraceBVH      = "trace_bvh.wgsl"
	TraceRayQuery = "trace_rayquery.wgsl"
)

// Compiler turns expanded WGSL into device bytecode.
type Compiler interface {
	Compile(stage rhi.ShaderStage, source string) ([]byte, error)
}

// NagaCompiler compiles WGSL to SPIR-V with naga.
type NagaCompiler struct{}

// Compile implements Compiler.
func (NagaCompiler) Compile(stage rhi.ShaderStage, source string) ([]byte, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("naga (%s): %w", stage, err)
	}
	return spirv, nil
}

// PassthroughCompiler returns the WGSL text as bytecode, for backends that
// ingest WGSL directly.
type PassthroughCompiler struct{}

// Compile implements Compiler.
func (PassthroughCompiler) Compile(_ rhi.ShaderStage, source string) ([]byte, error) {
	return []byte(source), nil
}

// NewCompiler returns the compiler registered under name: "naga" or
// "passthrough".
func NewCompiler(name string) (Compiler, error) {
	switch name {
	case "", "naga":
		return NagaCompiler{}, nil
	case "passthrough":
		return PassthroughCompiler{}, nil
	default:
		return nil, fmt.Errorf("unknown shader compiler %q", name)
	}
}
