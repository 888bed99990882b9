package shader

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxIncludeDepth bounds nested includes.
const DefaultMaxIncludeDepth = 16

var (
	// ErrIncludeDepth is returned when includes nest deeper than allowed.
	ErrIncludeDepth = errors.New("shader: include depth exceeded")

	// ErrIncludeRejected is returned when the include filter refuses a lump.
	ErrIncludeRejected = errors.New("shader: include rejected")

	// ErrLumpNotFound is returned when an included lump cannot be loaded.
	ErrLumpNotFound = errors.New("shader: lump not found")

	// ErrBadDirective is returned for a malformed #include line.
	ErrBadDirective = errors.New("shader: malformed #include")
)

// LumpLoader provides shader sources. Private lumps are the engine's own
// (#include <name>), public lumps may be overridden by users
// (#include "name").
type LumpLoader interface {
	LoadPrivateShaderLump(name string) ([]byte, error)
	LoadPublicShaderLump(name string) ([]byte, error)
}

// IncludeFilter decides whether a lump may be included. A nil filter
// allows everything.
type IncludeFilter func(name string, system bool) error

// Include records one lump pulled in while expanding a program.
type Include struct {
	Name     string
	System   bool
	Checksum [sha256.Size]byte
}

type expander struct {
	loader   LumpLoader
	filter   IncludeFilter
	maxDepth int

	out      strings.Builder
	seen     map[string]bool
	includes []Include
}

func includeKey(name string, system bool) string {
	if system {
		return "<" + name + ">"
	}
	return `"` + name + `"`
}

// parseInclude returns the lump named by an #include line.
func parseInclude(line string) (name string, system bool, ok bool, err error) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), "#include")
	if !found {
		return "", false, false, nil
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 {
		return "", false, true, fmt.Errorf("%w: %q", ErrBadDirective, line)
	}
	switch {
	case rest[0] == '"' && rest[len(rest)-1] == '"':
		name = rest[1 : len(rest)-1]
	case rest[0] == '<' && rest[len(rest)-1] == '>':
		name, system = rest[1:len(rest)-1], true
	default:
		return "", false, true, fmt.Errorf("%w: %q", ErrBadDirective, line)
	}
	if name == "" {
		return "", false, true, fmt.Errorf("%w: %q", ErrBadDirective, line)
	}
	return name, system, true, nil
}

func (e *expander) load(name string, system bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if system {
		data, err = e.loader.LoadPrivateShaderLump(name)
	} else {
		data, err = e.loader.LoadPublicShaderLump(name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLumpNotFound, includeKey(name, system), err)
	}
	return data, nil
}

func (e *expander) expand(source, from string, depth int) error {
	for lineNo, line := range strings.Split(source, "\n") {
		name, system, ok, err := parseInclude(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", from, lineNo+1, err)
		}
		if !ok {
			e.out.WriteString(line)
			e.out.WriteByte('\n')
			continue
		}

		key := includeKey(name, system)
		if e.seen[key] {
			continue
		}
		if depth+1 > e.maxDepth {
			return fmt.Errorf("%s:%d: %w: %s at depth %d", from, lineNo+1, ErrIncludeDepth, key, depth+1)
		}
		if e.filter != nil {
			if err := e.filter(name, system); err != nil {
				return fmt.Errorf("%s:%d: %w: %s: %w", from, lineNo+1, ErrIncludeRejected, key, err)
			}
		}
		data, err := e.load(name, system)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", from, lineNo+1, err)
		}

		e.seen[key] = true
		e.includes = append(e.includes, Include{Name: name, System: system, Checksum: sha256.Sum256(data)})
		if err := e.expand(string(data), name, depth+1); err != nil {
			return err
		}
	}
	return nil
}
