package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Root allocates per-execution artifact directories below a base path.
//
// Layout: <base>/<skill>/<correlation id>
type Root struct {
	base string
}

// NewRoot returns a Root rooted at base.
func NewRoot(base string) *Root {
	return &Root{base: base}
}

// Base returns the root path.
func (r *Root) Base() string { return r.base }

// For returns (creating if needed) the directory for one skill execution.
// Turns of the same correlation id share the directory.
func (r *Root) For(skill, correlationID string) (Dir, error) {
	if err := checkSegment(skill); err != nil {
		return Dir{}, fmt.Errorf("artifact dir skill: %w", err)
	}
	if err := checkSegment(correlationID); err != nil {
		return Dir{}, fmt.Errorf("artifact dir correlation id: %w", err)
	}
	return Open(filepath.Join(r.base, skill, correlationID))
}

func checkSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return nil
}
