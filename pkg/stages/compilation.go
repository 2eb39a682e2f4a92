package stages

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
)

const compilationVersion = 1

// ErrInvalidReport is returned when a compiled report violates the report schema.
var ErrInvalidReport = errors.New("compiled report violates schema")

//go:embed report-schema.json
var reportSchema []byte

const maxSchemaErrors = 5

// Compilation assembles the final report from the prior outputs, validates
// it and releases the job workspace.
type Compilation struct {
	base

	workspaces Workspaces
	schema     *gojsonschema.Schema
}

// NewCompilation creates the compilation executor. workspaces may be nil.
func NewCompilation(workspaces Workspaces, opts ...Option) (*Compilation, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(reportSchema))
	if err != nil {
		return nil, fmt.Errorf("load report schema: %w", err)
	}

	return &Compilation{base: newBase(opts), workspaces: workspaces, schema: schema}, nil
}

// Stage implements Executor.
func (c *Compilation) Stage() analysis.Stage {
	return analysis.StageCompilation
}

// Execute implements Executor.
func (c *Compilation) Execute(ctx context.Context, in Input) (analysis.Output, error) {
	ext, cx, ins := in.Prior.Extraction, in.Prior.Complexity, in.Prior.Insights
	if ext == nil || cx == nil || ins == nil {
		return nil, analysis.Internal(fmt.Errorf("compilation: %w: extraction, complexity and insights", ErrMissingInput))
	}

	key := cache.Fingerprint(string(analysis.StageCompilation), compilationVersion,
		in.Repository.ID, in.Repository.URL, ext.Fingerprint(), cx.Fingerprint(), ins.Fingerprint())

	report, hit, err := cached(ctx, c.base, in, key, func(context.Context) (*analysis.CompiledReport, error) {
		report := Compile(in.Repository, ext, cx, ins)
		report.Digest = key

		validateErr := c.Validate(report)
		if validateErr != nil {
			return nil, analysis.Internal(validateErr)
		}

		return report, nil
	})
	if err != nil {
		return nil, err
	}

	in.Report(1, "")

	if c.workspaces != nil {
		releaseErr := c.workspaces.Release(in.JobID)
		if releaseErr != nil {
			c.logger.WarnContext(ctx, "release workspace failed", "job_id", in.JobID, "error", releaseErr)
		}
	}

	c.logger.InfoContext(ctx, "report compiled",
		"job_id", in.JobID, "total_files", report.Summary.TotalFiles, "cache_hit", hit)

	return report, nil
}

// Validate checks report against the embedded report schema.
func (c *Compilation) Validate(report *analysis.CompiledReport) error {
	result, err := c.schema.Validate(gojsonschema.NewGoLoader(report))
	if err != nil {
		return fmt.Errorf("validate report: %w", err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, maxSchemaErrors)

	for _, resultErr := range result.Errors() {
		if len(violations) == maxSchemaErrors {
			break
		}

		violations = append(violations, resultErr.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidReport, strings.Join(violations, "; "))
}

// Compile assembles a report from the stage outputs.
func Compile(
	repo analysis.RepositoryRef, ext *analysis.ExtractionOutput, cx *analysis.ComplexityOutput, ins *analysis.InsightOutput,
) *analysis.CompiledReport {
	tree := ext.FileTree
	if tree == nil {
		tree = &analysis.FileNode{Name: "root", Type: analysis.NodeDirectory}
	}

	totalFiles := 0

	tree.Walk(func(node *analysis.FileNode, _ int) {
		if node.Type == analysis.NodeFile {
			totalFiles++
		}
	})

	return &analysis.CompiledReport{
		SchemaVersion: analysis.ReportSchemaVersion,
		Repository:    repo,
		Head:          ext.Head,
		Summary: analysis.ReportSummary{
			TotalCommits:      ext.TotalCommits,
			TotalContributors: ext.TotalContributors,
			TotalFiles:        totalFiles,
			FilesScanned:      cx.FilesScanned,
			HotspotCount:      len(cx.Hotspots),
		},
		FileTree:          tree,
		Contributors:      ext.Contributors,
		ComplexityMetrics: cx.Metrics,
		Hotspots:          cx.Hotspots,
		LanguageStats:     ext.LanguageStats,
		AIInsights:        ins.AIInsights,
	}
}
