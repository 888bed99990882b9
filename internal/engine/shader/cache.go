package shader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

// Program is a compiled, cached shader.
type Program struct {
	Key      [sha256.Size]byte
	Stage    rhi.ShaderStage
	Bytecode []byte
	Source   string // expanded WGSL
	Includes []Include
}

// ID returns a short printable form of the key.
func (p *Program) ID() string {
	return hex.EncodeToString(p.Key[:6])
}

// Stats counts cache outcomes.
type Stats struct {
	Hits          int
	Misses        int
	Invalidations int
	Entries       int
}

// Options configures a Cache.
type Options struct {
	MaxIncludeDepth int
}

// Cache compiles shaders and keeps them keyed by stage and source text.
// A hit is only served while every lump it included still has the
// checksum it was compiled with. It is safe for concurrent use.
type Cache struct {
	loader   LumpLoader
	compiler Compiler
	log      *zap.Logger
	maxDepth int

	mu      sync.Mutex
	entries map[[sha256.Size]byte]*Program
	stats   Stats
}

// NewCache creates a shader cache.
func NewCache(loader LumpLoader, compiler Compiler, opts Options, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxIncludeDepth <= 0 {
		opts.MaxIncludeDepth = DefaultMaxIncludeDepth
	}
	return &Cache{
		loader:   loader,
		compiler: compiler,
		log:      log,
		maxDepth: opts.MaxIncludeDepth,
		entries:  make(map[[sha256.Size]byte]*Program),
	}
}

func cacheKey(stage rhi.ShaderStage, sources []string) [sha256.Size]byte {
	h := sha256.New()
	fmt.Fprintf(h, "stage:%d\n", uint32(stage))
	for _, s := range sources {
		fmt.Fprintf(h, "%d:", len(s))
		h.Write([]byte(s))
	}
	var key [sha256.Size]byte
	h.Sum(key[:0])
	return key
}

// checkIncludes runs filter over the lumps a cached program pulled in.
func checkIncludes(p *Program, filter IncludeFilter) error {
	if filter == nil {
		return nil
	}
	for _, inc := range p.Includes {
		if err := filter(inc.Name, inc.System); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrIncludeRejected, includeKey(inc.Name, inc.System), err)
		}
	}
	return nil
}

// Compile returns the program for stage built from the concatenated
// sources, compiling it on a miss.
func (c *Cache) Compile(stage rhi.ShaderStage, sources []string, filter IncludeFilter) (*Program, error) {
	key := cacheKey(stage, sources)

	c.mu.Lock()
	p, ok := c.entries[key]
	c.mu.Unlock()

	if ok {
		if c.valid(p) {
			if err := checkIncludes(p, filter); err != nil {
				return nil, fmt.Errorf("expanding %s shader: %w", stage, err)
			}
			c.mu.Lock()
			c.stats.Hits++
			c.mu.Unlock()
			return p, nil
		}
		c.mu.Lock()
		if c.entries[key] == p {
			delete(c.entries, key)
			c.stats.Invalidations++
		}
		c.mu.Unlock()
		c.log.Debug("shader invalidated by include change", zap.String("program", p.ID()))
	}

	e := &expander{
		loader:   c.loader,
		filter:   filter,
		maxDepth: c.maxDepth,
		seen:     make(map[string]bool),
	}
	for i, src := range sources {
		if err := e.expand(src, fmt.Sprintf("source %d", i), 0); err != nil {
			return nil, fmt.Errorf("expanding %s shader: %w", stage, err)
		}
	}

	expanded := e.out.String()
	bytecode, err := c.compiler.Compile(stage, expanded)
	if err != nil {
		return nil, fmt.Errorf("compiling %s shader: %w", stage, err)
	}

	p = &Program{Key: key, Stage: stage, Bytecode: bytecode, Source: expanded, Includes: e.includes}
	c.mu.Lock()
	c.entries[key] = p
	c.stats.Misses++
	c.mu.Unlock()

	c.log.Debug("shader compiled",
		zap.String("program", p.ID()),
		zap.Stringer("stage", stage),
		zap.Int("includes", len(p.Includes)),
		zap.Int("bytes", len(bytecode)))
	return p, nil
}

// valid re-reads every include of p and compares checksums.
func (c *Cache) valid(p *Program) bool {
	e := expander{loader: c.loader}
	for _, inc := range p.Includes {
		data, err := e.load(inc.Name, inc.System)
		if err != nil || sha256.Sum256(data) != inc.Checksum {
			return false
		}
	}
	return true
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// Purge drops every cached program.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[[sha256.Size]byte]*Program)
}
