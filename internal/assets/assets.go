// Package assets resolves shader lumps by name.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"

	"go.uber.org/zap"
)

// Lumps serves shader lumps. Private lumps come from the engine's own file
// system and are cached; public lumps are searched in directories added
// with AddDir and read fresh on every call, so edits are picked up.
type Lumps struct {
	private fs.FS
	cache   *Cache
	log     *zap.Logger

	mu     sync.RWMutex
	public []fs.FS
	dirs   []string
}

// NewLumps creates a lump provider over the private file system.
func NewLumps(private fs.FS, log *zap.Logger) *Lumps {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lumps{
		private: private,
		cache:   NewCache(),
		log:     log,
	}
}

// AddDir adds a directory of public lumps.
// Directories are searched in reverse order (last added = highest priority).
func (l *Lumps) AddDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("adding lump directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("adding lump directory %s: not a directory", dir)
	}
	l.AddFS(dir, os.DirFS(dir))
	return nil
}

// AddFS adds a file system of public lumps under a display name.
func (l *Lumps) AddFS(name string, fsys fs.FS) {
	l.mu.Lock()
	l.public = append(l.public, fsys)
	l.dirs = append(l.dirs, name)
	l.mu.Unlock()

	l.log.Debug("public lump source added", zap.String("source", name))
}

// LoadPrivateShaderLump returns an engine lump.
func (l *Lumps) LoadPrivateShaderLump(name string) ([]byte, error) {
	if data, ok := l.cache.Get(name); ok {
		return data, nil
	}
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("private lump %q: %w", name, fs.ErrInvalid)
	}
	data, err := fs.ReadFile(l.private, name)
	if err != nil {
		return nil, fmt.Errorf("private lump %q: %w", name, err)
	}
	l.cache.Set(name, data)
	return data, nil
}

// LoadPublicShaderLump returns a user lump.
func (l *Lumps) LoadPublicShaderLump(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("public lump %q: %w", name, fs.ErrInvalid)
	}
	name = path.Clean(name)

	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.public) - 1; i >= 0; i-- {
		data, err := fs.ReadFile(l.public[i], name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("public lump %q in %s: %w", name, l.dirs[i], err)
		}
	}
	return nil, fmt.Errorf("public lump %q: %w", name, fs.ErrNotExist)
}

// CacheStats returns hit and miss counts of the private lump cache.
func (l *Lumps) CacheStats() (hits, misses int) {
	return l.cache.Stats()
}

// Close drops the cached lumps and public sources.
func (l *Lumps) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.public = nil
	l.dirs = nil
	l.cache.Clear()
}

// Cache is a simple in-memory cache for loaded lumps.
type Cache struct {
	data map[string][]byte
	mu   sync.Mutex

	// Stats
	hits   int
	misses int
}

// NewCache creates a new cache.
func NewCache() *Cache {
	return &Cache{
		data: make(map[string][]byte),
	}
}

// Get retrieves an item from cache.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.data[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return data, ok
}

// Set stores an item in cache.
func (c *Cache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
}

// Clear clears the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string][]byte)
	c.hits = 0
	c.misses = 0
}

// Stats returns cache statistics.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
