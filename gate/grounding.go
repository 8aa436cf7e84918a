package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/core"
)

// GroundingManifest is the content of grounding.json.
type GroundingManifest struct {
	ContractPath   string   `json:"contract_path"`
	LoaderPaths    []string `json:"loader_paths"`
	ReferencePaths []string `json:"reference_paths"`
	TestCommand    string   `json:"test_command"`
}

// GroundingOptions configures a GroundingGate.
type GroundingOptions struct {
	// RepoRoot resolves manifest paths. When empty, paths are only checked
	// for presence, not existence.
	RepoRoot string
}

// GroundingGate requires a manifest tying a change to its contract, loaders,
// reference implementations and test command.
type GroundingGate struct {
	opts GroundingOptions
}

// NewGroundingGate returns a GroundingGate.
func NewGroundingGate(optFns ...func(o *GroundingOptions)) *GroundingGate {
	opts := GroundingOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &GroundingGate{opts: opts}
}

// Name implements Gate.
func (g *GroundingGate) Name() string { return NameGrounding }

// Check implements Gate.
func (g *GroundingGate) Check(_ context.Context, in Input) core.GateResult {
	var m GroundingManifest
	if err := in.Dir.ReadJSON(artifact.GroundingManifest, &m); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return core.Fail(NameGrounding, "grounding manifest missing", map[string]any{"artifact": artifact.GroundingManifest})
		}
		return core.Fail(NameGrounding, fmt.Sprintf("grounding manifest unreadable: %v", err), nil)
	}

	var missing []string
	if strings.TrimSpace(m.ContractPath) == "" {
		missing = append(missing, "contract_path")
	}
	if len(m.LoaderPaths) == 0 {
		missing = append(missing, "loader_paths")
	}
	if len(m.ReferencePaths) == 0 {
		missing = append(missing, "reference_paths")
	}
	if strings.TrimSpace(m.TestCommand) == "" {
		missing = append(missing, "test_command")
	}
	if len(missing) > 0 {
		return core.Fail(NameGrounding, "grounding manifest incomplete", map[string]any{"missing": missing})
	}

	if g.opts.RepoRoot != "" {
		var absent []string
		all := append(append([]string{m.ContractPath}, m.LoaderPaths...), m.ReferencePaths...)
		for _, p := range all {
			if _, err := os.Stat(filepath.Join(g.opts.RepoRoot, filepath.FromSlash(p))); err != nil {
				absent = append(absent, p)
			}
		}
		if len(absent) > 0 {
			return core.Fail(NameGrounding, fmt.Sprintf("%d grounding path(s) do not exist", len(absent)), map[string]any{"absent": absent})
		}
	}
	return core.Pass(NameGrounding, fmt.Sprintf("grounded on %d loader(s) and %d reference(s)", len(m.LoaderPaths), len(m.ReferencePaths)))
}
