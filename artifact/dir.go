package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir is a handle on one execution's artifact directory. The zero value is not
// usable; construct with Open or Root.For.
type Dir struct {
	path string
}

// Open returns a handle for an existing or new directory, creating it if needed.
func Open(path string) (Dir, error) {
	if path == "" {
		return Dir{}, fmt.Errorf("artifact dir: empty path")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Dir{}, fmt.Errorf("artifact dir: create %s: %w", path, err)
	}
	return Dir{path: path}, nil
}

// Path returns the directory path.
func (d Dir) Path() string { return d.path }

func (d Dir) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(d.path, clean), nil
}

// Save writes (or overwrites) the named artifact. Intermediate directories are
// created as needed.
func (d Dir) Save(name string, data []byte) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("save artifact %s: %w", name, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("save artifact %s: %w", name, err)
	}
	return nil
}

// SaveJSON writes v as indented JSON under name.
func (d Dir) SaveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", name, err)
	}
	return d.Save(name, data)
}

// Read returns the raw bytes of the named artifact or ErrNotFound.
func (d Dir) Read(name string) ([]byte, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	return data, nil
}

// ReadJSON decodes the named artifact into v.
func (d Dir) ReadJSON(name string, v any) error {
	data, err := d.Read(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode artifact %s: %w", name, err)
	}
	return nil
}

// Exists reports whether an artifact matching name is present. A name without
// an extension also matches any file with that stem, so "diff" matches
// "diff.patch" as well as "diff.txt".
func (d Dir) Exists(name string) bool {
	p, err := d.resolve(name)
	if err != nil {
		return false
	}
	if st, err := os.Stat(p); err == nil && !st.IsDir() {
		return true
	}
	if filepath.Ext(name) != "" {
		return false
	}
	entries, err := os.ReadDir(filepath.Dir(p))
	if err != nil {
		return false
	}
	stem := filepath.Base(p)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())) == stem {
			return true
		}
	}
	return false
}

// List returns all artifact names (slash separated, relative to the directory)
// in lexical order.
func (d Dir) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.path, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named artifact or returns ErrNotFound.
func (d Dir) Delete(name string) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("delete artifact %s: %w", name, err)
	}
	return nil
}
