package main

import (
	"fmt"
	"os"

	"github.com/go-gl/mathgl/mgl32"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
	"github.com/Faultbox/midgard-bake/internal/engine/lightmap"
	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
)

// Scene is a level description read from YAML.
type Scene struct {
	Lights   []SceneLight   `yaml:"lights"`
	Surfaces []SceneSurface `yaml:"surfaces"`
	Tiles    []SceneTile    `yaml:"tiles"`
}

// SceneLight is a point or spot light.
type SceneLight struct {
	Name             string     `yaml:"name"`
	Origin           [3]float32 `yaml:"origin"`
	Radius           float32    `yaml:"radius"`
	Intensity        float32    `yaml:"intensity"`
	Color            [3]float32 `yaml:"color"`
	SpotDir          [3]float32 `yaml:"spot_dir"`
	InnerAngle       float32    `yaml:"inner_angle"`
	OuterAngle       float32    `yaml:"outer_angle"`
	SoftShadowRadius float32    `yaml:"soft_shadow_radius"`
}

// SceneSurface is a planar polygon. Without indices the vertices are
// triangulated as a fan.
type SceneSurface struct {
	Name     string       `yaml:"name"`
	Vertices [][3]float32 `yaml:"vertices"`
	UVs      [][2]float32 `yaml:"uvs"`
	Indices  []uint32     `yaml:"indices"`
	Sky      bool         `yaml:"sky"`
	Alpha    float32      `yaml:"alpha"`
	Texture  int32        `yaml:"texture"`
	Lights   []string     `yaml:"lights"`
}

// SceneTile groups coplanar surfaces into one lightmap tile.
type SceneTile struct {
	Surfaces     []string `yaml:"surfaces"`
	AlwaysUpdate bool     `yaml:"always_update"`
}

// LoadScene reads a scene file.
func LoadScene(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene: %w", err)
	}
	return ParseScene(data)
}

// ParseScene decodes a scene and checks its references.
func ParseScene(data []byte) (*Scene, error) {
	var s Scene
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scene: %w", err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scene) check() error {
	lights := make(map[string]bool, len(s.Lights))
	for i, l := range s.Lights {
		if l.Name == "" {
			return fmt.Errorf("light %d: missing name", i)
		}
		if lights[l.Name] {
			return fmt.Errorf("light %q: duplicate name", l.Name)
		}
		lights[l.Name] = true
	}

	surfaces := make(map[string]bool, len(s.Surfaces))
	for i, sf := range s.Surfaces {
		if sf.Name == "" {
			return fmt.Errorf("surface %d: missing name", i)
		}
		if surfaces[sf.Name] {
			return fmt.Errorf("surface %q: duplicate name", sf.Name)
		}
		surfaces[sf.Name] = true
		if len(sf.Vertices) < 3 {
			return fmt.Errorf("surface %q: needs at least 3 vertices", sf.Name)
		}
		if len(sf.UVs) != 0 && len(sf.UVs) != len(sf.Vertices) {
			return fmt.Errorf("surface %q: %d uvs for %d vertices", sf.Name, len(sf.UVs), len(sf.Vertices))
		}
		for _, l := range sf.Lights {
			if !lights[l] {
				return fmt.Errorf("surface %q: unknown light %q", sf.Name, l)
			}
		}
	}

	used := make(map[string]bool)
	for i, t := range s.Tiles {
		if len(t.Surfaces) == 0 {
			return fmt.Errorf("tile %d: no surfaces", i)
		}
		for _, name := range t.Surfaces {
			if !surfaces[name] {
				return fmt.Errorf("tile %d: unknown surface %q", i, name)
			}
			if used[name] {
				return fmt.Errorf("tile %d: surface %q already in a tile", i, name)
			}
			used[name] = true
		}
	}
	return nil
}

func (sf SceneSurface) desc(lights map[string]mesh.LightID) mesh.SurfaceDesc {
	d := mesh.SurfaceDesc{
		Vertices: make([]mesh.Vertex, len(sf.Vertices)),
		Indices:  sf.Indices,
		Sky:      sf.Sky,
		Alpha:    sf.Alpha,
		Texture:  sf.Texture,
	}
	for i, v := range sf.Vertices {
		d.Vertices[i].Position = mgl32.Vec3(v)
		if len(sf.UVs) > 0 {
			d.Vertices[i].UV = mgl32.Vec2(sf.UVs[i])
		}
	}
	if len(d.Indices) == 0 {
		for i := 2; i < len(sf.Vertices); i++ {
			d.Indices = append(d.Indices, 0, uint32(i-1), uint32(i))
		}
	}
	for _, name := range sf.Lights {
		d.Lights = append(d.Lights, lights[name])
	}
	return d
}

func (l SceneLight) light() lighting.Light {
	return lighting.Light{
		Origin:           mgl32.Vec3(l.Origin),
		Radius:           l.Radius,
		Intensity:        l.Intensity,
		Color:            mgl32.Vec3(l.Color),
		InnerAngle:       l.InnerAngle,
		OuterAngle:       l.OuterAngle,
		SpotDir:          mgl32.Vec3(l.SpotDir),
		SoftShadowRadius: l.SoftShadowRadius,
	}
}

// Loaded maps scene names to the ids they received.
type Loaded struct {
	Lights   map[string]mesh.LightID
	Surfaces map[string]mesh.SurfaceID
	Tiles    []lightmap.TileID
}

// Apply adds the scene to the mesh and atlas.
func (s *Scene) Apply(m *mesh.Mesh, a *lightmap.Atlas) (*Loaded, error) {
	out := &Loaded{
		Lights:   make(map[string]mesh.LightID, len(s.Lights)),
		Surfaces: make(map[string]mesh.SurfaceID, len(s.Surfaces)),
	}
	for _, l := range s.Lights {
		out.Lights[l.Name] = m.AddLight(l.light())
	}
	for _, sf := range s.Surfaces {
		id, err := m.AddSurface(sf.desc(out.Lights))
		if err != nil {
			return nil, fmt.Errorf("surface %q: %w", sf.Name, err)
		}
		out.Surfaces[sf.Name] = id
	}
	for i, t := range s.Tiles {
		ids := make([]mesh.SurfaceID, len(t.Surfaces))
		for j, name := range t.Surfaces {
			ids[j] = out.Surfaces[name]
		}
		var flags lightmap.Flags
		if t.AlwaysUpdate {
			flags |= lightmap.AlwaysUpdate
		}
		id, err := a.AddTile(ids, flags)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", i, err)
		}
		out.Tiles = append(out.Tiles, id)
	}
	return out, nil
}

// SurfaceNames inverts the surface map.
func (l *Loaded) SurfaceNames() map[mesh.SurfaceID]string {
	out := make(map[mesh.SurfaceID]string, len(l.Surfaces))
	for name, id := range l.Surfaces {
		out[id] = name
	}
	return out
}
