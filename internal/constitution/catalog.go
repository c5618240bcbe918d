// Package constitution resolves superego constitutions and assistant system prompts by id.
//
// Lookups walk an ordered list of sources; the first source that knows an id wins. The CLI puts
// the user's override directory in front of the embedded built-in catalog.
package constitution

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind distinguishes the two prompt namespaces.
type Kind string

const (
	KindConstitution Kind = "constitution"
	KindSystemPrompt Kind = "system_prompt"
)

// ErrNotFound is returned when no source knows the requested id.
var ErrNotFound = errors.New("prompt not found")

// Prompt is one named prompt text.
type Prompt struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Content string `yaml:"content" json:"content"`
	BuiltIn bool   `yaml:"-" json:"built_in"`
}

// Source is a read-only prompt lookup.
type Source interface {
	Lookup(ctx context.Context, kind Kind, id string) (Prompt, bool, error)
	List(ctx context.Context, kind Kind) ([]Prompt, error)
}

type catalogFile struct {
	Constitutions []Prompt `yaml:"constitutions"`
	SystemPrompts []Prompt `yaml:"system_prompts"`
}

// Catalog is an in-memory Source parsed from YAML.
type Catalog struct {
	byKind map[Kind][]Prompt
}

//go:embed builtin.yaml
var builtinYAML []byte

// Builtin returns the embedded catalog shipped with the binary.
func Builtin() *Catalog {
	c, err := ParseCatalog(builtinYAML, true)
	if err != nil {
		panic(fmt.Sprintf("constitution: invalid builtin catalog: %v", err))
	}
	return c
}

// ParseCatalog decodes a catalog document.
func ParseCatalog(raw []byte, builtIn bool) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	c := &Catalog{byKind: map[Kind][]Prompt{}}
	add := func(kind Kind, list []Prompt) error {
		seen := make(map[string]struct{}, len(list))
		for i, p := range list {
			p.ID = strings.TrimSpace(p.ID)
			if p.ID == "" {
				return fmt.Errorf("%s[%d]: missing id", kind, i)
			}
			if _, ok := seen[p.ID]; ok {
				return fmt.Errorf("%s[%d]: duplicate id %q", kind, i, p.ID)
			}
			seen[p.ID] = struct{}{}
			if strings.TrimSpace(p.Content) == "" {
				return fmt.Errorf("%s[%d]: empty content for %q", kind, i, p.ID)
			}
			p.Content = strings.TrimRight(p.Content, "\n")
			if strings.TrimSpace(p.Name) == "" {
				p.Name = p.ID
			}
			p.BuiltIn = builtIn
			c.byKind[kind] = append(c.byKind[kind], p)
		}
		return nil
	}
	if err := add(KindConstitution, f.Constitutions); err != nil {
		return nil, err
	}
	if err := add(KindSystemPrompt, f.SystemPrompts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Lookup(_ context.Context, kind Kind, id string) (Prompt, bool, error) {
	if c == nil {
		return Prompt{}, false, nil
	}
	id = strings.TrimSpace(id)
	for _, p := range c.byKind[kind] {
		if p.ID == id {
			return p, true, nil
		}
	}
	return Prompt{}, false, nil
}

func (c *Catalog) List(_ context.Context, kind Kind) ([]Prompt, error) {
	if c == nil {
		return nil, nil
	}
	out := make([]Prompt, len(c.byKind[kind]))
	copy(out, c.byKind[kind])
	return out, nil
}

// DirSource reads user catalogs from *.yaml / *.yml files in a directory.
//
// Files are re-read on every call so edits apply without a restart. A missing directory is empty.
type DirSource struct {
	Dir string
}

func (d DirSource) load() ([]*Catalog, error) {
	dir := strings.TrimSpace(d.Dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]*Catalog, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		c, err := ParseCatalog(raw, false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (d DirSource) Lookup(ctx context.Context, kind Kind, id string) (Prompt, bool, error) {
	catalogs, err := d.load()
	if err != nil {
		return Prompt{}, false, err
	}
	for _, c := range catalogs {
		if p, ok, _ := c.Lookup(ctx, kind, id); ok {
			return p, true, nil
		}
	}
	return Prompt{}, false, nil
}

func (d DirSource) List(ctx context.Context, kind Kind) ([]Prompt, error) {
	catalogs, err := d.load()
	if err != nil {
		return nil, err
	}
	var out []Prompt
	for _, c := range catalogs {
		list, _ := c.List(ctx, kind)
		out = append(out, list...)
	}
	return out, nil
}

// Resolver walks sources in order.
type Resolver struct {
	sources []Source
}

func NewResolver(sources ...Source) *Resolver {
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Resolver{sources: out}
}

// NewDefaultResolver layers overrideDir (if any) over the built-in catalog.
func NewDefaultResolver(overrideDir string) *Resolver {
	if strings.TrimSpace(overrideDir) == "" {
		return NewResolver(Builtin())
	}
	return NewResolver(DirSource{Dir: overrideDir}, Builtin())
}

func (r *Resolver) Lookup(ctx context.Context, kind Kind, id string) (Prompt, error) {
	id = strings.TrimSpace(id)
	if r == nil || id == "" {
		return Prompt{}, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	for _, s := range r.sources {
		p, ok, err := s.Lookup(ctx, kind, id)
		if err != nil {
			return Prompt{}, fmt.Errorf("%s %q: %w", kind, id, err)
		}
		if ok {
			return p, nil
		}
	}
	return Prompt{}, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Constitution returns the screening instructions for id.
func (r *Resolver) Constitution(ctx context.Context, id string) (string, error) {
	p, err := r.Lookup(ctx, KindConstitution, id)
	if err != nil {
		return "", err
	}
	return p.Content, nil
}

// SystemPrompt returns the base-model system prompt for id.
func (r *Resolver) SystemPrompt(ctx context.Context, id string) (string, error) {
	p, err := r.Lookup(ctx, KindSystemPrompt, id)
	if err != nil {
		return "", err
	}
	return p.Content, nil
}

// List merges all sources; an id defined by an earlier source shadows later ones.
func (r *Resolver) List(ctx context.Context, kind Kind) ([]Prompt, error) {
	if r == nil {
		return nil, nil
	}
	seen := map[string]struct{}{}
	var out []Prompt
	for _, s := range r.sources {
		list, err := s.List(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}
