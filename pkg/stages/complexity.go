package stages

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
	"github.com/Sumatoshi-tech/codevoyage/pkg/complexity"
	"github.com/Sumatoshi-tech/codevoyage/pkg/gitlib"
)

const complexityVersion = 1

// Complexity statuses.
const (
	StatusScanningFiles = "scanning_files"
	StatusScanComplete  = "complexity_scan_complete"
)

const checkpointEvery = 25

// Complexity measures the source files of the analyzed commit.
type Complexity struct {
	base

	cfg        complexity.Config
	scanner    *complexity.Scanner
	workspaces Workspaces
}

// NewComplexity creates the complexity executor.
func NewComplexity(workspaces Workspaces, cfg complexity.Config, opts ...Option) *Complexity {
	return &Complexity{
		base:       newBase(opts),
		cfg:        cfg,
		scanner:    complexity.NewScanner(cfg),
		workspaces: workspaces,
	}
}

// Stage implements Executor.
func (c *Complexity) Stage() analysis.Stage {
	return analysis.StageComplexity
}

// Execute implements Executor.
func (c *Complexity) Execute(ctx context.Context, in Input) (analysis.Output, error) {
	ext := in.Prior.Extraction
	if ext == nil {
		return nil, analysis.Internal(fmt.Errorf("complexity: %w: extraction", ErrMissingInput))
	}

	head, err := gitlib.ParseHash(ext.Head)
	if err != nil {
		return nil, analysis.Internal(fmt.Errorf("complexity: extraction head: %w", err))
	}

	key := cache.Fingerprint(string(analysis.StageComplexity), complexityVersion, ext.Fingerprint(),
		strconv.Itoa(c.cfg.MaxFiles), strconv.Itoa(c.cfg.HotspotCount), strconv.FormatInt(c.cfg.MaxFileBytes, 10))

	out, hit, err := cached(ctx, c.base, in, key, func(ctx context.Context) (*analysis.ComplexityOutput, error) {
		return c.scan(ctx, in, head, key)
	})
	if err != nil {
		return nil, classifyGitError(err)
	}

	c.logger.InfoContext(ctx, "complexity scan complete",
		"job_id", in.JobID, "files_scanned", out.FilesScanned, "hotspots", len(out.Hotspots), "cache_hit", hit)

	return out, nil
}

func (c *Complexity) scan(ctx context.Context, in Input, head gitlib.Hash, key string) (*analysis.ComplexityOutput, error) {
	repo, _, err := c.workspaces.Ensure(ctx, in.JobID, in.Repository.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	defer repo.Close()

	tree, err := repo.FileTree(ctx, head)
	if err != nil {
		return nil, err
	}

	blobs := make(map[string]gitlib.Hash, len(tree))
	files := make([]complexity.File, 0, len(tree))

	for _, entry := range tree {
		blobs[entry.Path] = entry.Blob
		files = append(files, complexity.File{Path: entry.Path, Size: entry.Size})
	}

	in.Report(0, StatusScanningFiles)

	read := func(ctx context.Context, file complexity.File) ([]byte, error) {
		return repo.ReadFile(ctx, blobs[file.Path])
	}

	progress := func(done, total int) error {
		if done%checkpointEvery == 0 || done == total {
			in.Report(float64(done)/float64(max(total, 1)), "")

			return in.Checkpoint(ctx)
		}

		return nil
	}

	result, err := c.scanner.Scan(ctx, files, read, progress)
	if err != nil {
		return nil, err
	}

	in.Report(1, StatusScanComplete)

	return &analysis.ComplexityOutput{
		Digest:       key,
		FilesScanned: result.FilesScanned,
		Capped:       result.Capped,
		Metrics:      result.Metrics,
		Hotspots:     result.Hotspots,
	}, nil
}
