// Package themes holds the character-theme tables that gate submission and
// drive script generation and rendering downstream.
package themes

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Character is one speaker in a theme.
type Character struct {
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`
	VoiceID string `yaml:"voice_id"`
	Image   string `yaml:"image"`
}

// Theme is a dialog style: two characters and which one opens.
type Theme struct {
	Name       string      `yaml:"name"`
	Starter    string      `yaml:"starter"`
	Characters []Character `yaml:"characters"`
}

// HasCharacter reports whether name is a speaker in this theme.
func (t Theme) HasCharacter(name string) bool {
	for _, c := range t.Characters {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Registry is the immutable allow-list enumerated at startup.
type Registry struct {
	themes map[string]Theme
}

type fileFormat struct {
	Themes []Theme `yaml:"themes"`
}

// Default returns the built-in theme table.
func Default() *Registry {
	return mustRegistry([]Theme{
		{
			Name:    "family_guy",
			Starter: "stewie",
			Characters: []Character{
				{Name: "stewie", Persona: "snarky and curious, asks probing questions", Image: "stewie_griffin.png"},
				{Name: "peter", Persona: "dim-witted but well-meaning explainer who does most of the teaching", Image: "peter_griffin.png"},
			},
		},
		{
			Name:    "rick_and_morty",
			Starter: "morty",
			Characters: []Character{
				{Name: "rick", Persona: "brilliant but cynical scientist who explains things condescendingly", Image: "rick.png"},
				{Name: "morty", Persona: "nervous teenager who asks lots of questions and stutters", Image: "morty.png"},
			},
		},
	})
}

// LoadFile reads a theme table from YAML. A missing file falls back to the
// built-in table so deployments without custom themes need no config.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("op=themes.LoadFile: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("op=themes.LoadFile: parse %s: %w", path, err)
	}
	if len(f.Themes) == 0 {
		return nil, fmt.Errorf("op=themes.LoadFile: %s: no themes defined", path)
	}
	for _, t := range f.Themes {
		if t.Name == "" || len(t.Characters) < 2 {
			return nil, fmt.Errorf("op=themes.LoadFile: theme %q: needs a name and at least two characters", t.Name)
		}
	}
	return mustRegistry(f.Themes), nil
}

func mustRegistry(ts []Theme) *Registry {
	m := make(map[string]Theme, len(ts))
	for _, t := range ts {
		m[t.Name] = t
	}
	return &Registry{themes: m}
}

// Valid reports whether name is an allowed theme.
func (r *Registry) Valid(name string) bool {
	_, ok := r.themes[name]
	return ok
}

// Get returns a theme by name.
func (r *Registry) Get(name string) (Theme, bool) {
	t, ok := r.themes[name]
	return t, ok
}

// Names returns the allowed theme names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.themes))
	for name := range r.themes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
