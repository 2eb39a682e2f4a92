// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/codevoyage/pkg/gitlib"
)

// Author identifies the author of a test commit.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used by Commit.
var DefaultAuthor = Author{Name: "Test User", Email: "test@example.com"}

// Repo is a non-bare repository in a temporary directory.
type Repo struct {
	t      *testing.T
	Path   string
	native *git2go.Repository
	clock  time.Time
}

// New initializes an empty repository under t.TempDir().
func New(t *testing.T) *Repo {
	t.Helper()

	dir := t.TempDir()

	repo, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)

	t.Cleanup(repo.Free)

	return &Repo{
		t:      t,
		Path:   dir,
		native: repo,
		clock:  time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

// WriteFile creates or replaces a file in the working directory.
func (r *Repo) WriteFile(name, content string) {
	r.t.Helper()

	path := filepath.Join(r.Path, filepath.FromSlash(name))

	require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(r.t, os.WriteFile(path, []byte(content), 0o644))
}

// RemoveFile deletes a file from the working directory.
func (r *Repo) RemoveFile(name string) {
	r.t.Helper()

	require.NoError(r.t, os.Remove(filepath.Join(r.Path, filepath.FromSlash(name))))
}

// Commit stages the whole working directory and commits it as DefaultAuthor.
func (r *Repo) Commit(message string) gitlib.Hash {
	r.t.Helper()

	return r.CommitAs(DefaultAuthor, message)
}

// CommitAs stages the whole working directory and commits it as author.
// Each commit is one hour after the previous one.
func (r *Repo) CommitAs(author Author, message string) gitlib.Hash {
	r.t.Helper()

	index, err := r.native.Index()
	require.NoError(r.t, err)

	defer index.Free()

	require.NoError(r.t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(r.t, index.UpdateAll([]string{"*"}, nil))
	require.NoError(r.t, index.Write())

	treeID, err := index.WriteTree()
	require.NoError(r.t, err)

	tree, err := r.native.LookupTree(treeID)
	require.NoError(r.t, err)

	defer tree.Free()

	r.clock = r.clock.Add(time.Hour)

	sig := &git2go.Signature{Name: author.Name, Email: author.Email, When: r.clock}

	var parents []*git2go.Commit

	head, err := r.native.Head()
	if err == nil {
		parent, lookupErr := r.native.LookupCommit(head.Target())
		require.NoError(r.t, lookupErr)

		parents = append(parents, parent)

		head.Free()
	}

	oid, err := r.native.CreateCommit("HEAD", sig, sig, message, tree, parents...)
	require.NoError(r.t, err)

	for _, parent := range parents {
		parent.Free()
	}

	return gitlib.HashFromOid(oid)
}

// Linear creates n commits, each adding one Go file, and returns their hashes oldest first.
func (r *Repo) Linear(n int) []gitlib.Hash {
	r.t.Helper()

	hashes := make([]gitlib.Hash, 0, n)

	for idx := range n {
		name := filepath.ToSlash(filepath.Join("pkg", "file"+strconv.Itoa(idx)+".go"))
		r.WriteFile(name, "package pkg\n\nfunc F"+strconv.Itoa(idx)+"(x int) int {\n\tif x > 0 {\n\t\treturn x\n\t}\n\n\treturn -x\n}\n")
		hashes = append(hashes, r.Commit("add file "+strconv.Itoa(idx)))
	}

	return hashes
}
