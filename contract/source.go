package contract

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/skillmesh/core"
)

// Source yields raw contract documents by skill name.
type Source interface {
	// Load returns the document for skill or an error wrapping core.ErrNotFound.
	Load(skill string) ([]byte, error)
}

// ModeSource is implemented by sources that also carry the execution-mode table.
type ModeSource interface {
	Modes() (map[string]Mode, error)
}

// ModesFile is the name of the optional mode table in a DirSource root.
const ModesFile = "modes.yaml"

// DirSource loads contracts from a directory tree. For a skill named s it
// tries <root>/s/contract.yaml, then <root>/s.yaml and <root>/s.yml.
type DirSource struct {
	root string
}

// NewDirSource returns a DirSource rooted at root.
func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

// Load implements Source.
func (s *DirSource) Load(skill string) ([]byte, error) {
	if skill == "" || strings.ContainsAny(skill, `/\`) || strings.HasPrefix(skill, ".") {
		return nil, fmt.Errorf("contract %q: invalid skill name: %w", skill, core.ErrNotFound)
	}
	candidates := []string{
		filepath.Join(s.root, skill, "contract.yaml"),
		filepath.Join(s.root, skill+".yaml"),
		filepath.Join(s.root, skill+".yml"),
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read contract %s: %w", p, err)
		}
	}
	return nil, fmt.Errorf("contract %q: %w", skill, core.ErrNotFound)
}

// Modes implements ModeSource by reading <root>/modes.yaml when present.
func (s *DirSource) Modes() (map[string]Mode, error) {
	data, err := os.ReadFile(filepath.Join(s.root, ModesFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Mode{}, nil
		}
		return nil, fmt.Errorf("read modes: %w", err)
	}
	return ParseModes(data)
}

// ParseModes decodes a YAML mapping of skill name to mode.
func ParseModes(data []byte) (map[string]Mode, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse modes: %w", err)
	}
	out := make(map[string]Mode, len(raw))
	for skill, m := range raw {
		out[skill] = ParseMode(m)
	}
	return out, nil
}

// MapSource is an in-memory Source, handy for tests and embedded contracts.
type MapSource struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	modes map[string]Mode
}

// NewMapSource returns an empty MapSource.
func NewMapSource() *MapSource {
	return &MapSource{docs: map[string][]byte{}, modes: map[string]Mode{}}
}

// Put stores the document for skill.
func (s *MapSource) Put(skill string, doc []byte) *MapSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[skill] = append([]byte(nil), doc...)
	return s
}

// PutMode sets the execution mode of skill.
func (s *MapSource) PutMode(skill string, m Mode) *MapSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[skill] = m
	return s
}

// Load implements Source.
func (s *MapSource) Load(skill string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[skill]
	if !ok {
		return nil, fmt.Errorf("contract %q: %w", skill, core.ErrNotFound)
	}
	return append([]byte(nil), doc...), nil
}

// Modes implements ModeSource.
func (s *MapSource) Modes() (map[string]Mode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Mode, len(s.modes))
	for k, v := range s.modes {
		out[k] = v
	}
	return out, nil
}
