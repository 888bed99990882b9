package shader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

type mapLumps struct {
	mu      sync.Mutex
	private map[string]string
	public  map[string]string
}

func newMapLumps() *mapLumps {
	return &mapLumps{private: map[string]string{}, public: map[string]string{}}
}

func (l *mapLumps) set(m map[string]string, name, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m[name] = text
}

func (l *mapLumps) get(m map[string]string, name string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	text, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	return []byte(text), nil
}

func (l *mapLumps) LoadPrivateShaderLump(name string) ([]byte, error) { return l.get(l.private, name) }
func (l *mapLumps) LoadPublicShaderLump(name string) ([]byte, error)  { return l.get(l.public, name) }

type countingCompiler struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *countingCompiler) Compile(_ rhi.ShaderStage, source string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil {
		return nil, c.fail
	}
	return []byte(source), nil
}

const fragment = rhi.ShaderStageFragment

func TestCompileExpandsIncludesOnce(t *testing.T) {
	lumps := newMapLumps()
	lumps.set(lumps.private, "common.wgsl", "const A = 1;")
	lumps.set(lumps.public, "user.wgsl", "#include <common.wgsl>\nconst B = 2;")
	cache := NewCache(lumps, &countingCompiler{}, Options{}, nil)

	p, err := cache.Compile(fragment, []string{"#include <common.wgsl>\n", "#include \"user.wgsl\"\nfn main() {}"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(p.Source, "const A = 1;"), "include-once")
	assert.Contains(t, p.Source, "const B = 2;")
	assert.NotContains(t, p.Source, "#include")
	require.Len(t, p.Includes, 2)
	assert.Equal(t, Include{Name: "common.wgsl", System: true, Checksum: p.Includes[0].Checksum}, p.Includes[0])
	assert.False(t, p.Includes[1].System)
}

func TestCompileHitAndInvalidation(t *testing.T) {
	lumps := newMapLumps()
	lumps.set(lumps.public, "lib.wgsl", "const X = 1;")
	compiler := &countingCompiler{}
	cache := NewCache(lumps, compiler, Options{}, nil)
	sources := []string{"#include \"lib.wgsl\"\nfn main() {}"}

	first, err := cache.Compile(fragment, sources, nil)
	require.NoError(t, err)
	second, err := cache.Compile(fragment, sources, nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, compiler.calls)

	_, err = cache.Compile(rhi.ShaderStageVertex, sources, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, compiler.calls, "stage is part of the key")

	lumps.set(lumps.public, "lib.wgsl", "const X = 2;")
	third, err := cache.Compile(fragment, sources, nil)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Contains(t, third.Source, "const X = 2;")
	assert.Equal(t, 3, compiler.calls)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 3, stats.Misses)
	assert.Equal(t, 1, stats.Invalidations)
	assert.Equal(t, 2, stats.Entries)

	cache.Purge()
	assert.Zero(t, cache.Stats().Entries)
}

func TestCompileInvalidatesOnVanishedInclude(t *testing.T) {
	lumps := newMapLumps()
	lumps.set(lumps.public, "lib.wgsl", "const X = 1;")
	cache := NewCache(lumps, &countingCompiler{}, Options{}, nil)
	sources := []string{"#include \"lib.wgsl\""}

	_, err := cache.Compile(fragment, sources, nil)
	require.NoError(t, err)

	lumps.mu.Lock()
	delete(lumps.public, "lib.wgsl")
	lumps.mu.Unlock()

	_, err = cache.Compile(fragment, sources, nil)
	assert.ErrorIs(t, err, ErrLumpNotFound)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, 1, cache.Stats().Invalidations)
}

func TestCompileHitHonorsFilter(t *testing.T) {
	lumps := newMapLumps()
	lumps.set(lumps.public, "mod.wgsl", "const M = 1;")
	compiler := &countingCompiler{}
	cache := NewCache(lumps, compiler, Options{}, nil)

	src := []string{"#include \"mod.wgsl\"\nfn main() {}"}
	_, err := cache.Compile(fragment, src, nil)
	require.NoError(t, err)

	noPublic := func(name string, system bool) error {
		if !system {
			return errors.New("public includes disabled")
		}
		return nil
	}
	_, err = cache.Compile(fragment, src, noPublic)
	assert.ErrorIs(t, err, ErrIncludeRejected)
	assert.ErrorContains(t, err, `"mod.wgsl"`)
	assert.Zero(t, cache.Stats().Hits)

	p, err := cache.Compile(fragment, src, nil)
	require.NoError(t, err)
	assert.Len(t, p.Includes, 1)
	assert.Equal(t, 1, cache.Stats().Hits, "the entry survives a rejected lookup")
	assert.Equal(t, 1, compiler.calls)
}

func TestCompileErrors(t *testing.T) {
	lumps := newMapLumps()
	lumps.set(lumps.private, "loop.wgsl", "#include <loop2.wgsl>")
	lumps.set(lumps.private, "loop2.wgsl", "#include <loop3.wgsl>")
	lumps.set(lumps.private, "loop3.wgsl", "const Z = 0;")
	lumps.set(lumps.public, "secret.wgsl", "")

	compiler := &countingCompiler{}
	cache := NewCache(lumps, compiler, Options{MaxIncludeDepth: 2}, nil)

	for _, tc := range []struct {
		name   string
		source string
		filter IncludeFilter
		want   error
	}{
		{"depth", "#include <loop.wgsl>", nil, ErrIncludeDepth},
		{"missing", "#include <nope.wgsl>", nil, ErrLumpNotFound},
		{"malformed", "#include nope.wgsl", nil, ErrBadDirective},
		{"empty", "#include <>", nil, ErrBadDirective},
		{
			"rejected", "#include \"secret.wgsl\"",
			func(name string, system bool) error {
				if !system {
					return errors.New("public includes disabled")
				}
				return nil
			},
			ErrIncludeRejected,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cache.Compile(fragment, []string{tc.source}, tc.filter)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, compiler.calls, "nothing reaches the compiler")
	assert.Zero(t, cache.Stats().Entries)

	compiler.fail = errors.New("boom")
	_, err := cache.Compile(fragment, []string{"fn main() {}"}, nil)
	assert.ErrorContains(t, err, "boom")
	assert.Zero(t, cache.Stats().Entries, "failures are not cached")
}

func TestCompileConcurrent(t *testing.T) {
	lumps := newMapLumps()
	lumps.set(lumps.private, "common.wgsl", "const A = 1;")
	cache := NewCache(lumps, &countingCompiler{}, Options{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := fmt.Sprintf("#include <common.wgsl>\nconst N = %d;", i%2)
			_, err := cache.Compile(fragment, []string{src}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 2, cache.Stats().Entries)
}

func TestPrivateLumpsEmbedded(t *testing.T) {
	for _, name := range []string{BakeCommon, BakeRaytrace, BakeResolve, BakeBlur, BakeCopy, TraceBVH, TraceRayQuery} {
		data, err := fs.ReadFile(Private(), name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, data, name)
	}
}

func TestNagaCompilesWGSL(t *testing.T) {
	const src = `
@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    return vec4<f32>(f32(i), 0.0, 0.0, 1.0);
}
`
	spirv, err := NagaCompiler{}.Compile(rhi.ShaderStageVertex, src)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(spirv), 20)
	assert.Equal(t, uint32(0x07230203), binary.LittleEndian.Uint32(spirv), "SPIR-V magic")
}

func TestNewCompiler(t *testing.T) {
	c, err := NewCompiler("")
	require.NoError(t, err)
	assert.IsType(t, NagaCompiler{}, c)

	c, err = NewCompiler("passthrough")
	require.NoError(t, err)
	out, err := c.Compile(fragment, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)

	_, err = NewCompiler("glslang")
	assert.Error(t, err)
}
