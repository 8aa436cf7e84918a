package gate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitChangeLister lists changes of a git working tree through the git CLI.
type GitChangeLister struct {
	// Dir is the repository root; empty means the process working directory.
	Dir string
	// Binary overrides the git executable, "git" by default.
	Binary string
}

var gitChangeCommands = [][]string{
	{"diff", "--name-only", "--cached"},
	{"diff", "--name-only"},
	{"ls-files", "--others", "--exclude-standard"},
}

// Changes implements ChangeLister. The result covers staged, unstaged and
// untracked paths.
func (g GitChangeLister) Changes(ctx context.Context) ([]string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	var paths []string
	for _, args := range gitChangeCommands {
		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Dir = g.Dir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		sc := bufio.NewScanner(bytes.NewReader(out))
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				paths = append(paths, line)
			}
		}
	}
	return dedupPaths(paths), nil
}

// StaticChanges is a fixed ChangeLister.
type StaticChanges []string

// Changes implements ChangeLister.
func (s StaticChanges) Changes(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}
