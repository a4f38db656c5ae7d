package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/tree"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliFixture struct {
	app   *app
	store *services.MemoryStore
}

func newCLI(t *testing.T, keys ...string) *cliFixture {
	t.Helper()
	factory, err := services.NewStoreFactory(services.FactoryConfig{Kind: services.BackendMemory, PageSize: 2})
	require.NoError(t, err)
	a := &app{
		factory:     factory,
		cred:        services.Credential{BearerToken: "tok"},
		container:   "docs",
		treeOpts:    tree.Options{BatchSize: 2, MaxDescendants: 100},
		interactive: func() bool { return false },
	}
	raw, err := factory.NewStore(a.cred, "docs")
	require.NoError(t, err)
	store := raw.(*services.MemoryStore)
	for _, k := range keys {
		require.NoError(t, store.Put(t.Context(), k, strings.NewReader(k), 0, services.PutOptions{}))
	}
	return &cliFixture{app: a, store: store}
}

func (f *cliFixture) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(f.app)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	return out.String(), err
}

func TestLs(t *testing.T) {
	f := newCLI(t, "a/x.txt", "a/sub/.keep", "b.txt")

	out, err := f.run(t, "", "ls", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "sub/")
	assert.Contains(t, out, "x.txt")
	assert.NotContains(t, out, ".keep")
}

func TestFindAndStats(t *testing.T) {
	f := newCLI(t, "logs/app-1.log", "logs/old/app-0.log", "logs/readme.md")

	out, err := f.run(t, "", "find", "APP", "--prefix", "logs/")
	require.NoError(t, err)
	assert.Equal(t, "logs/app-1.log\nlogs/old/app-0.log\n", out)

	out, err = f.run(t, "", "stats", "logs")
	require.NoError(t, err)
	assert.Contains(t, out, "logs/: 3 files")
}

func TestMkdirPutRm(t *testing.T) {
	f := newCLI(t)

	_, err := f.run(t, "", "mkdir", "inbox")
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o600))
	out, err := f.run(t, "", "put", local, "inbox")
	require.NoError(t, err)
	assert.Contains(t, out, "inbox/note.txt")
	assert.Equal(t, []string{"inbox/.keep", "inbox/note.txt"}, f.store.Keys())

	_, err = f.run(t, "", "rm", "inbox/")
	assert.Error(t, err)

	_, err = f.run(t, "", "rm", "inbox/note.txt")
	require.NoError(t, err)

	out, err = f.run(t, "", "rmdir", "inbox")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 objects")
	assert.Empty(t, f.store.Keys())
}

func TestRename(t *testing.T) {
	f := newCLI(t, "a.txt", "dir/1", "dir/2")

	_, err := f.run(t, "", "rename", "a.txt", "b.txt")
	require.NoError(t, err)

	out, err := f.run(t, "", "rename", "dir/", "moved/")
	require.NoError(t, err)
	assert.Contains(t, out, "moved 2 objects")
	assert.Equal(t, []string{"b.txt", "moved/1", "moved/2"}, f.store.Keys())

	out, err = f.run(t, "", "rename", "dir/", "moved/")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to move")
}

func TestMv_SkipsConflictsWithoutTerminal(t *testing.T) {
	f := newCLI(t, "a.txt", "dst/a.txt")

	out, err := f.run(t, "", "mv", "a.txt", "dst/")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped")
	assert.Equal(t, []string{"a.txt", "dst/a.txt"}, f.store.Keys())
}

func TestMv_PromptsOnTerminal(t *testing.T) {
	f := newCLI(t, "a.txt", "b.txt", "dst/a.txt", "dst/b.txt")
	f.app.interactive = func() bool { return true }

	out, err := f.run(t, "a\n", "mv", "a.txt", "b.txt", "dst/")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "already exists"))
	assert.Equal(t, []string{"dst/a.txt", "dst/b.txt"}, f.store.Keys())
}

func TestCp_StaticDecisionAndFailure(t *testing.T) {
	f := newCLI(t, "a.txt", "dst/a.txt")

	_, err := f.run(t, "", "cp", "--on-conflict", "overwrite", "a.txt", "dst/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "dst/a.txt"}, f.store.Keys())

	_, err = f.run(t, "", "cp", "--on-conflict", "sometimes", "a.txt", "dst/")
	assert.Error(t, err)

	out, err := f.run(t, "", "cp", "--on-conflict", "skip", "missing.txt", "a.txt", "other/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.txt")
	assert.Contains(t, out, "copied")
	assert.Contains(t, f.store.Keys(), "other/a.txt")
}

func TestZip(t *testing.T) {
	f := newCLI(t, "p/a.txt", "p/q/b.txt", "p/.keep")
	out := filepath.Join(t.TempDir(), "p.zip")

	_, err := f.run(t, "", "zip", "p/", "-o", out)
	require.NoError(t, err)

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Equal(t, []string{"a.txt", "q/b.txt"}, names)

	_, err = f.run(t, "", "zip", "empty/", "-o", out)
	assert.Error(t, err)
}

func TestShare_MemoryBackend(t *testing.T) {
	f := newCLI(t, "a.txt")

	_, err := f.run(t, "", "share", "a.txt")
	assert.Error(t, err)
}
