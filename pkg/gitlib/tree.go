package gitlib

import (
	"context"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// TreeFile is one blob of a tree, addressed by its slash-separated path.
type TreeFile struct {
	Path string
	Blob Hash
	Size int64
}

// FileTree lists every blob reachable from the tree of the given commit,
// in tree order.
func (r *Repository) FileTree(ctx context.Context, commitHash Hash) ([]TreeFile, error) {
	commit, err := r.repo.LookupCommit(commitHash.oid())
	if err != nil {
		return nil, fmt.Errorf("lookup commit %s: %w", commitHash, err)
	}
	defer commit.Free()

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("get commit tree: %w", err)
	}
	defer tree.Free()

	odb, err := r.repo.Odb()
	if err != nil {
		return nil, fmt.Errorf("open object database: %w", err)
	}
	defer odb.Free()

	var files []TreeFile

	walkErr := r.walkTree(ctx, odb, tree, "", &files)
	if walkErr != nil {
		return nil, walkErr
	}

	return files, nil
}

func (r *Repository) walkTree(ctx context.Context, odb *git2go.Odb, tree *git2go.Tree, prefix string, files *[]TreeFile) error {
	count := tree.EntryCount()

	for idx := range count {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("walk tree: %w", err)
		}

		entry := tree.EntryByIndex(idx)
		if entry == nil {
			continue
		}

		path := entry.Name
		if prefix != "" {
			path = prefix + "/" + entry.Name
		}

		switch entry.Type {
		case git2go.ObjectBlob:
			size, _, headerErr := odb.ReadHeader(entry.Id)
			if headerErr != nil {
				return fmt.Errorf("read header of %s: %w", path, headerErr)
			}

			*files = append(*files, TreeFile{Path: path, Blob: HashFromOid(entry.Id), Size: int64(size)})
		case git2go.ObjectTree:
			subtree, lookupErr := r.repo.LookupTree(entry.Id)
			if lookupErr != nil {
				return fmt.Errorf("lookup tree %s: %w", path, lookupErr)
			}

			walkErr := r.walkTree(ctx, odb, subtree, path, files)
			subtree.Free()

			if walkErr != nil {
				return walkErr
			}
		default:
			// Submodules and other entries carry no content in this repository.
		}
	}

	return nil
}

// ReadFile returns the contents of the blob with the given hash.
func (r *Repository) ReadFile(ctx context.Context, blobHash Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	blob, err := r.repo.LookupBlob(blobHash.oid())
	if err != nil {
		return nil, fmt.Errorf("lookup blob %s: %w", blobHash, err)
	}
	defer blob.Free()

	contents := blob.Contents()
	out := make([]byte, len(contents))
	copy(out, contents)

	return out, nil
}
