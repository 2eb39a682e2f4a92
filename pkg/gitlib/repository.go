package gitlib

import (
	"context"
	"errors"
	"fmt"
	"time"

	git2go "github.com/libgit2/git2go/v34"
)

// ErrEmptyRepository is returned when HEAD does not point at a commit.
var ErrEmptyRepository = errors.New("repository has no commits")

// Signature is a commit author or committer.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// CommitInfo describes one commit of the history.
type CommitInfo struct {
	Hash        Hash
	Message     string
	Author      Signature
	Committer   Signature
	ParentCount int
}

// Repository wraps a libgit2 repository. It is not safe for concurrent use.
type Repository struct {
	repo *git2go.Repository
	path string
}

// OpenRepository opens the git repository at path.
func OpenRepository(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// Path returns the repository path.
func (r *Repository) Path() string {
	return r.path
}

// Close releases the repository resources. Safe to call more than once.
func (r *Repository) Close() {
	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}

// Head returns the commit HEAD points at.
func (r *Repository) Head() (Hash, error) {
	ref, err := r.repo.Head()
	if err != nil {
		if git2go.IsErrorCode(err, git2go.ErrorCodeUnbornBranch) || git2go.IsErrorCode(err, git2go.ErrorCodeNotFound) {
			return Hash{}, fmt.Errorf("%w: %w", ErrEmptyRepository, err)
		}

		return Hash{}, fmt.Errorf("get HEAD: %w", err)
	}
	defer ref.Free()

	return HashFromOid(ref.Target()), nil
}

// ListCommits walks history from HEAD, newest first, and returns at most
// limit commits. A limit of zero or less means no limit.
func (r *Repository) ListCommits(ctx context.Context, limit int) ([]CommitInfo, error) {
	head, err := r.Head()
	if err != nil {
		return nil, err
	}

	walk, err := r.repo.Walk()
	if err != nil {
		return nil, fmt.Errorf("create revwalk: %w", err)
	}
	defer walk.Free()

	walk.Sorting(git2go.SortTime | git2go.SortTopological)

	pushErr := walk.Push(head.oid())
	if pushErr != nil {
		return nil, fmt.Errorf("push HEAD to revwalk: %w", pushErr)
	}

	var commits []CommitInfo

	oid := new(git2go.Oid)

	for limit <= 0 || len(commits) < limit {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("list commits: %w", ctxErr)
		}

		nextErr := walk.Next(oid)
		if git2go.IsErrorCode(nextErr, git2go.ErrorCodeIterOver) {
			break
		}

		if nextErr != nil {
			return nil, fmt.Errorf("revwalk next: %w", nextErr)
		}

		info, lookupErr := r.commitInfo(oid)
		if lookupErr != nil {
			return nil, lookupErr
		}

		commits = append(commits, info)
	}

	return commits, nil
}

func (r *Repository) commitInfo(oid *git2go.Oid) (CommitInfo, error) {
	commit, err := r.repo.LookupCommit(oid)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("lookup commit %s: %w", oid, err)
	}
	defer commit.Free()

	return CommitInfo{
		Hash:        HashFromOid(commit.Id()),
		Message:     commit.Message(),
		Author:      toSignature(commit.Author()),
		Committer:   toSignature(commit.Committer()),
		ParentCount: int(commit.ParentCount()),
	}, nil
}

func toSignature(sig *git2go.Signature) Signature {
	if sig == nil {
		return Signature{}
	}

	return Signature{Name: sig.Name, Email: sig.Email, When: sig.When}
}
