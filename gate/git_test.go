package gate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	git := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	write := func(name, body string) {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}

	git("init", "-q")
	write(".gitignore", "build/\n")
	write("src/tracked.go", "package src\n")
	write("src/staged.go", "package src\n")
	git("add", ".")
	git("commit", "-q", "-m", "init")

	write("src/tracked.go", "package src\n\nvar x = 1\n")
	write("src/staged.go", "package src\n\nvar y = 2\n")
	git("add", "src/staged.go")
	write("src/new.go", "package src\n")
	write("build/out.bin", "ignored")
	return dir
}

func TestGitChangeLister_StagedUnstagedUntracked(t *testing.T) {
	dir := initRepo(t)

	changes, err := GitChangeLister{Dir: dir}.Changes(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/tracked.go", "src/staged.go", "src/new.go"}, changes)
}

func TestGitChangeLister_NotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := GitChangeLister{Dir: t.TempDir()}.Changes(context.Background())
	assert.Error(t, err)
}

func TestGitChangeLister_MissingBinary(t *testing.T) {
	_, err := GitChangeLister{Dir: t.TempDir(), Binary: "git-does-not-exist"}.Changes(context.Background())
	assert.Error(t, err)
}
