package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Faultbox/midgard-bake/internal/engine/lightmap"
	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
)

// Manifest records where every tile landed in the atlas so a renderer can
// map surfaces to lightmap texels.
type Manifest struct {
	PageSize int            `yaml:"page_size"`
	Pages    int            `yaml:"pages"`
	Format   string         `yaml:"format"`
	Tiles    []ManifestTile `yaml:"tiles"`
}

// ManifestTile is one tile of the manifest. Unplaced tiles have no page.
type ManifestTile struct {
	ID       int        `yaml:"id"`
	Surfaces []string   `yaml:"surfaces"`
	Placed   bool       `yaml:"placed"`
	Baked    bool       `yaml:"baked"`
	Page     int        `yaml:"page,omitempty"`
	X        int        `yaml:"x,omitempty"`
	Y        int        `yaml:"y,omitempty"`
	Width    int        `yaml:"width,omitempty"`
	Height   int        `yaml:"height,omitempty"`
	ProjU    [4]float32 `yaml:"proj_u,flow"`
	ProjV    [4]float32 `yaml:"proj_v,flow"`
}

// buildManifest snapshots the atlas. names maps surface ids back to scene
// names.
func buildManifest(a *lightmap.Atlas, names map[mesh.SurfaceID]string) Manifest {
	cfg := a.Config()
	m := Manifest{
		PageSize: cfg.PageSize,
		Pages:    cfg.Pages,
		Format:   cfg.Format.String(),
	}
	for _, t := range a.Tiles() {
		mt := ManifestTile{
			ID:     int(t.ID),
			Placed: t.Placed(),
			Baked:  t.Placed() && t.Flags&lightmap.NeedsInitialBake == 0,
			ProjU:  t.ProjU,
			ProjV:  t.ProjV,
		}
		for _, s := range t.Surfaces {
			mt.Surfaces = append(mt.Surfaces, names[s])
		}
		if mt.Placed {
			loc := t.Location
			mt.Page, mt.X, mt.Y, mt.Width, mt.Height = loc.Page, loc.X, loc.Y, loc.Width, loc.Height
		}
		m.Tiles = append(m.Tiles, mt)
	}
	return m
}

func writeManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
