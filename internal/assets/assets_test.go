package assets

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestPrivateLumpsAreCached(t *testing.T) {
	l := NewLumps(fstest.MapFS{
		"common.wgsl": {Data: []byte("const A = 1;")},
	}, nil)

	for i := 0; i < 3; i++ {
		data, err := l.LoadPrivateShaderLump("common.wgsl")
		if err != nil {
			t.Fatalf("LoadPrivateShaderLump: %v", err)
		}
		if string(data) != "const A = 1;" {
			t.Errorf("data = %q", data)
		}
	}

	hits, misses := l.CacheStats()
	if hits != 2 || misses != 1 {
		t.Errorf("stats = %d hits, %d misses, want 2, 1", hits, misses)
	}

	if _, err := l.LoadPrivateShaderLump("missing.wgsl"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing lump error = %v, want fs.ErrNotExist", err)
	}
	if _, err := l.LoadPrivateShaderLump("../escape.wgsl"); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("escaping lump error = %v, want fs.ErrInvalid", err)
	}
}

func TestPublicLumpsPriorityAndFreshness(t *testing.T) {
	base := t.TempDir()
	mod := t.TempDir()
	writeFile(t, filepath.Join(base, "lib.wgsl"), "base")
	writeFile(t, filepath.Join(base, "only_base.wgsl"), "only base")
	writeFile(t, filepath.Join(mod, "lib.wgsl"), "mod")

	l := NewLumps(fstest.MapFS{}, nil)
	if err := l.AddDir(base); err != nil {
		t.Fatal(err)
	}
	if err := l.AddDir(mod); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		want string
	}{
		{"lib.wgsl", "mod"},
		{"only_base.wgsl", "only base"},
	}
	for _, tt := range tests {
		data, err := l.LoadPublicShaderLump(tt.name)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if string(data) != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, data, tt.want)
		}
	}

	writeFile(t, filepath.Join(mod, "lib.wgsl"), "mod v2")
	data, err := l.LoadPublicShaderLump("lib.wgsl")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "mod v2" {
		t.Errorf("public lump not re-read: %q", data)
	}

	if _, err := l.LoadPublicShaderLump("nope.wgsl"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing public lump error = %v", err)
	}
}

func TestAddDirRejectsFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")

	l := NewLumps(fstest.MapFS{}, nil)
	if err := l.AddDir(file); err == nil {
		t.Error("AddDir accepted a file")
	}
	if err := l.AddDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("AddDir accepted a missing directory")
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache()
	c.Set("a", []byte("1"))
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit")
	}
	c.Clear()
	if _, ok := c.Get("a"); ok {
		t.Error("expected miss after Clear")
	}
	if hits, misses := c.Stats(); hits != 0 || misses != 1 {
		t.Errorf("stats = %d, %d", hits, misses)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
