package gitlib

import (
	"context"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// DiffStats summarizes the change a commit introduces relative to its first
// parent, or to the empty tree for root commits.
type DiffStats struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// DiffStats computes the diff statistics of the commit with the given hash.
func (r *Repository) DiffStats(ctx context.Context, hash Hash) (DiffStats, error) {
	if err := ctx.Err(); err != nil {
		return DiffStats{}, fmt.Errorf("diff stats: %w", err)
	}

	commit, err := r.repo.LookupCommit(hash.oid())
	if err != nil {
		return DiffStats{}, fmt.Errorf("lookup commit %s: %w", hash, err)
	}
	defer commit.Free()

	newTree, err := commit.Tree()
	if err != nil {
		return DiffStats{}, fmt.Errorf("get commit tree: %w", err)
	}
	defer newTree.Free()

	var oldTree *git2go.Tree

	if commit.ParentCount() > 0 {
		parent := commit.Parent(0)
		if parent != nil {
			defer parent.Free()

			parentTree, treeErr := parent.Tree()
			if treeErr != nil {
				return DiffStats{}, fmt.Errorf("get parent tree: %w", treeErr)
			}
			defer parentTree.Free()

			oldTree = parentTree
		}
	}

	opts, err := git2go.DefaultDiffOptions()
	if err != nil {
		return DiffStats{}, fmt.Errorf("get diff options: %w", err)
	}

	diff, err := r.repo.DiffTreeToTree(oldTree, newTree, &opts)
	if err != nil {
		return DiffStats{}, fmt.Errorf("diff trees: %w", err)
	}

	defer func() {
		_ = diff.Free()
	}()

	stats, err := diff.Stats()
	if err != nil {
		return DiffStats{}, fmt.Errorf("diff stats: %w", err)
	}

	defer func() {
		_ = stats.Free()
	}()

	return DiffStats{
		FilesChanged: stats.FilesChanged(),
		Insertions:   stats.Insertions(),
		Deletions:    stats.Deletions(),
	}, nil
}
