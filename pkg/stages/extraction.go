package stages

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/breaker"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
	"github.com/Sumatoshi-tech/codevoyage/pkg/gitlib"
	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
)

const extractionVersion = 1

// Extraction defaults.
const (
	DefaultMaxCommits       = 2000
	DefaultCommitStatsLimit = 1000
	DefaultCloneTimeout     = 10 * time.Minute
)

// Progress checkpoints inside the extraction stage.
const (
	cloneShare       = 0.4
	commitsDone      = 0.7
	contributorsDone = 0.8
	treeDone         = 0.95
	statsEvery       = 50
)

// Extraction statuses.
const (
	StatusCloning              = "cloning_repository"
	StatusCloneComplete        = "git_clone_complete"
	StatusCommitsComplete      = "commit_extraction_complete"
	StatusContributorsComplete = "contributor_extraction_complete"
	StatusFileTreeComplete     = "file_tree_extraction_complete"
)

// Workspaces hands out per-job checkouts.
type Workspaces interface {
	Ensure(ctx context.Context, jobID, url string, onProgress func(gitlib.TransferProgress)) (*gitlib.Repository, bool, error)
	Release(jobID string) error
}

// ExtractionConfig configures the extraction stage.
type ExtractionConfig struct {
	// MaxCommits caps the number of commits walked from HEAD.
	MaxCommits int `mapstructure:"max_commits"`
	// CommitStatsLimit is the number of newest commits whose diff stats are computed.
	CommitStatsLimit int `mapstructure:"commit_stats_limit"`
	// CloneTimeout bounds a clone. Zero disables the bound.
	CloneTimeout time.Duration `mapstructure:"clone_timeout"`
}

// DefaultExtractionConfig returns the default extraction limits.
func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		MaxCommits:       DefaultMaxCommits,
		CommitStatsLimit: DefaultCommitStatsLimit,
		CloneTimeout:     DefaultCloneTimeout,
	}
}

// Extraction clones the repository into the job workspace and reads its
// history, contributors, file tree and language statistics.
type Extraction struct {
	base

	cfg        ExtractionConfig
	workspaces Workspaces
	breaker    *breaker.Breaker
}

// NewExtraction creates the extraction executor. cb may be nil.
func NewExtraction(workspaces Workspaces, cb *breaker.Breaker, cfg ExtractionConfig, opts ...Option) *Extraction {
	if cfg.MaxCommits <= 0 {
		cfg.MaxCommits = DefaultMaxCommits
	}

	if cfg.CommitStatsLimit < 0 {
		cfg.CommitStatsLimit = 0
	}

	return &Extraction{base: newBase(opts), cfg: cfg, workspaces: workspaces, breaker: cb}
}

// Stage implements Executor.
func (e *Extraction) Stage() analysis.Stage {
	return analysis.StageExtraction
}

// Execute implements Executor.
func (e *Extraction) Execute(ctx context.Context, in Input) (analysis.Output, error) {
	repo, err := e.checkout(ctx, in)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	head, err := repo.Head()
	if err != nil {
		return nil, classifyGitError(err)
	}

	key := cache.Fingerprint(string(analysis.StageExtraction), extractionVersion,
		in.Repository.URL, head.String(), strconv.Itoa(e.cfg.MaxCommits), strconv.Itoa(e.cfg.CommitStatsLimit))

	out, hit, err := cached(ctx, e.base, in, key, func(ctx context.Context) (*analysis.ExtractionOutput, error) {
		return e.extract(ctx, in, repo, head, key)
	})
	if err != nil {
		return nil, classifyGitError(err)
	}

	e.logger.InfoContext(ctx, "extraction complete",
		"job_id", in.JobID, "head", head.String(), "commits", out.TotalCommits, "cache_hit", hit)

	return out, nil
}

// checkout reuses the job workspace or clones into it, guarded by the
// limiter and the breaker.
func (e *Extraction) checkout(ctx context.Context, in Input) (*gitlib.Repository, error) {
	err := e.acquire(ctx, ratelimit.ResourceGitHosting)
	if err != nil {
		return nil, err
	}

	onProgress := func(p gitlib.TransferProgress) {
		in.Report(p.Fraction()*cloneShare, StatusCloning)
	}

	var (
		repo     *gitlib.Repository
		reused   bool
		cloneErr error
	)

	clone := func(ctx context.Context) error {
		if e.cfg.CloneTimeout > 0 {
			var cancel context.CancelFunc

			ctx, cancel = context.WithTimeout(ctx, e.cfg.CloneTimeout)
			defer cancel()
		}

		repo, reused, cloneErr = e.workspaces.Ensure(ctx, in.JobID, in.Repository.URL, onProgress)
		if cloneErr != nil && gitlib.IsNetworkError(cloneErr) {
			return cloneErr
		}

		return nil
	}

	if e.breaker == nil {
		_ = clone(ctx)
	} else {
		err = e.breaker.Do(ctx, clone)
		if errors.Is(err, breaker.ErrOpen) {
			return nil, analysis.Transient(fmt.Errorf("clone %s: %w", in.Repository.URL, err))
		}
	}

	if cloneErr != nil {
		return nil, classifyGitError(fmt.Errorf("clone %s: %w", in.Repository.URL, cloneErr))
	}

	in.Report(cloneShare, StatusCloneComplete)
	e.logger.InfoContext(ctx, "workspace ready", "job_id", in.JobID, "reused", reused)

	return repo, nil
}

func (e *Extraction) extract(
	ctx context.Context, in Input, repo *gitlib.Repository, head gitlib.Hash, key string,
) (*analysis.ExtractionOutput, error) {
	infos, err := repo.ListCommits(ctx, e.cfg.MaxCommits)
	if err != nil {
		return nil, err
	}

	commits := make([]analysis.Commit, 0, len(infos))

	for idx, info := range infos {
		commit := analysis.Commit{
			SHA:         info.Hash.String(),
			Message:     info.Message,
			AuthorName:  info.Author.Name,
			AuthorEmail: info.Author.Email,
			CommittedAt: info.Committer.When.UTC(),
		}

		if idx < e.cfg.CommitStatsLimit {
			stats, statsErr := repo.DiffStats(ctx, info.Hash)
			if statsErr != nil {
				return nil, statsErr
			}

			commit.Stats = analysis.CommitStats{Files: stats.FilesChanged, Insertions: stats.Insertions, Deletions: stats.Deletions}
		}

		commits = append(commits, commit)

		if (idx+1)%statsEvery == 0 {
			err = in.Checkpoint(ctx)
			if err != nil {
				return nil, err
			}

			in.Report(cloneShare+(commitsDone-cloneShare)*float64(idx+1)/float64(len(infos)), "")
		}
	}

	in.Report(commitsDone, StatusCommitsComplete)

	contributors := Contributors(commits)
	in.Report(contributorsDone, StatusContributorsComplete)

	err = in.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	files, err := repo.FileTree(ctx, head)
	if err != nil {
		return nil, err
	}

	tree := BuildFileTree(files)
	in.Report(treeDone, StatusFileTreeComplete)

	return &analysis.ExtractionOutput{
		Digest:            key,
		Head:              head.String(),
		Commits:           commits,
		Contributors:      contributors,
		FileTree:          tree,
		LanguageStats:     LanguageStats(files),
		TotalCommits:      len(commits),
		TotalContributors: len(contributors),
	}, nil
}

// Contributors aggregates commits by author email in order of first
// appearance.
func Contributors(commits []analysis.Commit) []analysis.Contributor {
	index := make(map[string]int)

	var out []analysis.Contributor

	for _, commit := range commits {
		idx, ok := index[commit.AuthorEmail]
		if !ok {
			idx = len(out)
			index[commit.AuthorEmail] = idx
			out = append(out, analysis.Contributor{
				Name:        commit.AuthorName,
				Email:       commit.AuthorEmail,
				FirstCommit: commit.CommittedAt,
				LastCommit:  commit.CommittedAt,
			})
		}

		c := &out[idx]
		c.Commits++

		if commit.CommittedAt.Before(c.FirstCommit) {
			c.FirstCommit = commit.CommittedAt
		}

		if commit.CommittedAt.After(c.LastCommit) {
			c.LastCommit = commit.CommittedAt
		}
	}

	return out
}

// BuildFileTree nests tree files into directories. The root node is named
// "root" and has an empty path.
func BuildFileTree(files []gitlib.TreeFile) *analysis.FileNode {
	root := &analysis.FileNode{Name: "root", Type: analysis.NodeDirectory}
	dirs := map[string]*analysis.FileNode{"": root}

	var dirFor func(dir string) *analysis.FileNode

	dirFor = func(dir string) *analysis.FileNode {
		if node, ok := dirs[dir]; ok {
			return node
		}

		parent := dirFor(parentDir(dir))
		node := &analysis.FileNode{Name: path.Base(dir), Path: dir, Type: analysis.NodeDirectory}
		parent.Children = append(parent.Children, node)
		dirs[dir] = node

		return node
	}

	for _, file := range files {
		parent := dirFor(parentDir(file.Path))
		parent.Children = append(parent.Children, &analysis.FileNode{
			Name: path.Base(file.Path),
			Path: file.Path,
			Type: analysis.NodeFile,
			Size: file.Size,
		})
	}

	return root
}

func parentDir(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}

	return dir
}

// LanguageStats counts non-vendored files per detected language. Files
// enry cannot classify are counted under their extension.
func LanguageStats(files []gitlib.TreeFile) map[string]int {
	stats := make(map[string]int)

	for _, file := range files {
		if enry.IsVendor(file.Path) || enry.IsDotFile(file.Path) {
			continue
		}

		lang, _ := enry.GetLanguageByExtension(file.Path)
		if lang == "" {
			lang, _ = enry.GetLanguageByFilename(file.Path)
		}

		if lang == "" {
			lang = strings.TrimPrefix(path.Ext(file.Path), ".")
		}

		if lang == "" {
			continue
		}

		stats[lang]++
	}

	return stats
}
