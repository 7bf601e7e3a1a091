package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/patchspool/errors"
)

func TestNeedsShell(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"go build ./...", false},
		{`echo "hello world"`, false},
		{"test -f out/x.txt", false},
		{"go test ./... | tee out.log", true},
		{"make build && make test", true},
		{"echo $HOME", true},
		{"ls *.go", true},
		{"GOFLAGS=-mod=mod go build", true},
		{`grep "a=b" file`, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, needsShell(tt.line))
		})
	}
}

func TestExecRunnerExitCodes(t *testing.T) {
	r := ExecRunner{}
	dir := t.TempDir()

	res, err := r.Run(context.Background(), Command{Line: "true", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	res, err = r.Run(context.Background(), Command{Line: "echo oops >&2; exit 3", Dir: dir})
	require.NoError(t, err, "a non-zero exit is not a runner error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "oops")
}

func TestExecRunnerRunsInDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644))

	res, err := ExecRunner{}.Run(context.Background(), Command{Line: "test -f marker", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecRunnerTimeout(t *testing.T) {
	start := time.Now()
	res, err := ExecRunner{}.Run(context.Background(), Command{Line: "sleep 5", Dir: t.TempDir(), Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Contains(t, err.Error(), "sleep 5 exceeded")
}

func TestExecRunnerUnknownBinary(t *testing.T) {
	res, err := ExecRunner{}.Run(context.Background(), Command{Line: `definitely-not-a-binary-xyz "two words"`, Dir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, err.Error(), `failed to run definitely-not-a-binary-xyz 'two words'`)
}

func TestExecRunnerBadQuoting(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Command{Line: `echo "unterminated`, Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 8}
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("abc"))
	out := b.String()
	assert.True(t, strings.HasPrefix(out, "...\n"))
	assert.True(t, strings.HasSuffix(out, "6789abc"))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `echo 'a b'`, Quote("echo", "a b"))
}

func TestGitFinalizerCommitsAndTags(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("one"), 0o644))

	fin := GitFinalizer{
		AuthorName:  "patchspool",
		AuthorEmail: "patchspool@localhost",
		Now:         func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) },
	}
	hash, err := fin.Finalize(context.Background(), dir, "first patch", "p-1")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	tagged, err := HeadTag(dir, "p-1")
	require.NoError(t, err)
	assert.Equal(t, hash, tagged)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "first patch", commit.Message)
	assert.Equal(t, "patchspool", commit.Author.Name)

	status, err := mustWorktree(t, repo).Status()
	require.NoError(t, err)
	assert.True(t, status.IsClean())

	// reusing a tag is refused
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("two"), 0o644))
	_, err = fin.Finalize(context.Background(), dir, "second patch", "p-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func mustWorktree(t *testing.T, repo *git.Repository) *git.Worktree {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return wt
}
