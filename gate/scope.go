package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/core"
)

// BuiltinDeny is merged into every scope file's forbidden list. Build,
// dependency, CI and migration files are never writable by a skill.
var BuiltinDeny = []string{
	"go.mod",
	"go.sum",
	"Makefile",
	"Dockerfile",
	"docker-compose*.yml",
	".github/**",
	".gitlab-ci.yml",
	"**/migrations/**",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"poetry.lock",
	"Cargo.lock",
	".env",
	".env.*",
}

// Scope is the content of scope.json.
type Scope struct {
	Allowed   []string `json:"allowed"`
	Forbidden []string `json:"forbidden,omitempty"`
	MaxFiles  int      `json:"max_files,omitempty"`
	// Paths are explicit candidate paths declared by the implementation.
	Paths []string `json:"paths,omitempty"`
}

// ChangeLister lists the working-tree paths touched so far.
type ChangeLister interface {
	// Changes returns staged, unstaged and untracked paths relative to the
	// repository root.
	Changes(ctx context.Context) ([]string, error)
}

// ScopeOptions configures a ScopeGate.
type ScopeOptions struct {
	// Changes supplies the working-tree diff. Nil means only explicit paths
	// are checked.
	Changes ChangeLister
	// ExtraDeny is appended to BuiltinDeny.
	ExtraDeny []string
}

// ScopeGate bounds the paths a write-capable skill may touch.
type ScopeGate struct {
	opts ScopeOptions
}

// NewScopeGate returns a ScopeGate.
func NewScopeGate(optFns ...func(o *ScopeOptions)) *ScopeGate {
	opts := ScopeOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ScopeGate{opts: opts}
}

// Name implements Gate.
func (g *ScopeGate) Name() string { return NameScope }

// Check implements Gate.
func (g *ScopeGate) Check(ctx context.Context, in Input) core.GateResult {
	var scope Scope
	if err := in.Dir.ReadJSON(artifact.ScopeFile, &scope); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return core.Fail(NameScope, "scope file missing", map[string]any{"artifact": artifact.ScopeFile})
		}
		return core.Fail(NameScope, fmt.Sprintf("scope file unreadable: %v", err), nil)
	}

	candidates := append([]string(nil), scope.Paths...)
	candidates = append(candidates, stringSlice(in.Outputs["files"])...)
	if g.opts.Changes != nil {
		changed, err := g.opts.Changes.Changes(ctx)
		if err != nil {
			return core.Fail(NameScope, fmt.Sprintf("listing working-tree changes: %v", err), nil)
		}
		candidates = append(candidates, changed...)
	}
	return g.evaluate(scope, candidates)
}

func (g *ScopeGate) evaluate(scope Scope, candidates []string) core.GateResult {
	if len(scope.Allowed) == 0 {
		return core.Fail(NameScope, "scope has no allow-list", nil)
	}
	deny := append(append(append([]string(nil), BuiltinDeny...), g.opts.ExtraDeny...), scope.Forbidden...)

	paths := dedupPaths(candidates)
	var denied, outside []string
	for _, p := range paths {
		if pat, ok := MatchAny(deny, p); ok {
			denied = append(denied, fmt.Sprintf("%s (%s)", p, pat))
			continue
		}
		if _, ok := MatchAny(scope.Allowed, p); !ok {
			outside = append(outside, p)
		}
	}

	details := map[string]any{"files": len(paths)}
	switch {
	case len(denied) > 0:
		details["denied"] = denied
		return core.Fail(NameScope, fmt.Sprintf("%d path(s) forbidden", len(denied)), details)
	case len(outside) > 0:
		details["outside"] = outside
		return core.Fail(NameScope, fmt.Sprintf("%d path(s) outside allow-list", len(outside)), details)
	case scope.MaxFiles > 0 && len(paths) > scope.MaxFiles:
		details["max_files"] = scope.MaxFiles
		return core.Fail(NameScope, fmt.Sprintf("%d files changed, limit %d", len(paths), scope.MaxFiles), details)
	}
	return core.Pass(NameScope, fmt.Sprintf("%d path(s) within scope", len(paths)))
}

// CheckPaths evaluates candidate paths against a scope without touching the
// artifact directory or working tree.
func (g *ScopeGate) CheckPaths(scope Scope, candidates []string) core.GateResult {
	return g.evaluate(scope, candidates)
}

func dedupPaths(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = normalizePath(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case map[string]any:
		out := make([]string, 0, len(s))
		for k := range s {
			out = append(out, k)
		}
		return out
	case map[string]string:
		out := make([]string, 0, len(s))
		for k := range s {
			out = append(out, k)
		}
		return out
	}
	return nil
}
