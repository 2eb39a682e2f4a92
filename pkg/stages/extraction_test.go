package stages_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/breaker"
	"github.com/Sumatoshi-tech/codevoyage/pkg/gitlib"
	"github.com/Sumatoshi-tech/codevoyage/pkg/gitlib/gittest"
	"github.com/Sumatoshi-tech/codevoyage/pkg/stages"
	"github.com/Sumatoshi-tech/codevoyage/pkg/workspace"
)

const goSource = `package main

func classify(n int) string {
	if n < 0 {
		return "negative"
	}

	for i := 0; i < n; i++ {
		if i%2 == 0 {
			continue
		}
	}

	return "positive"
}
`

const pySource = `def build(targets):
    for target in targets:
        if target.startswith("_"):
            continue
        print(target)
`

type progressLog struct {
	mu        sync.Mutex
	fractions []float64
	statuses  []string
}

func (p *progressLog) report(fraction float64, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fractions = append(p.fractions, fraction)

	if status != "" {
		p.statuses = append(p.statuses, status)
	}
}

// sourceRepo builds a two-author repository and returns it with its head.
func sourceRepo(t *testing.T) (*gittest.Repo, gitlib.Hash) {
	t.Helper()

	src := gittest.New(t)
	src.WriteFile("main.go", goSource)
	src.WriteFile("README.md", "# demo\n")
	src.Commit("initial import")

	src.WriteFile("scripts/build.py", pySource)
	src.WriteFile("vendor/github.com/acme/lib/lib.go", "package lib\n")
	src.CommitAs(gittest.Author{Name: "Ada", Email: "ada@example.com"}, "add build script")

	src.WriteFile("README.md", "# demo\n\nUsage notes.\n")
	head := src.Commit("document usage")

	return src, head
}

func newWorkspaces(t *testing.T) *workspace.Manager {
	t.Helper()

	mgr, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	return mgr
}

func extractionInput(jobID, url string, log *progressLog) stages.Input {
	in := stages.Input{
		JobID:      jobID,
		Repository: analysis.RepositoryRef{ID: "demo", URL: url},
		Attempt:    1,
	}

	if log != nil {
		in.OnProgress = log.report
	}

	return in
}

func runExtraction(t *testing.T, mgr *workspace.Manager, jobID, url string) *analysis.ExtractionOutput {
	t.Helper()

	exec := stages.NewExtraction(mgr, nil, stages.DefaultExtractionConfig())

	out, err := exec.Execute(context.Background(), extractionInput(jobID, url, nil))
	require.NoError(t, err)

	ext, ok := out.(*analysis.ExtractionOutput)
	require.True(t, ok)

	return ext
}

func TestExtraction_Execute(t *testing.T) {
	t.Parallel()

	src, head := sourceRepo(t)
	mgr := newWorkspaces(t)
	log := &progressLog{}

	exec := stages.NewExtraction(mgr, nil, stages.DefaultExtractionConfig())
	assert.Equal(t, analysis.StageExtraction, exec.Stage())

	out, err := exec.Execute(context.Background(), extractionInput("job-1", src.Path, log))
	require.NoError(t, err)

	ext, ok := out.(*analysis.ExtractionOutput)
	require.True(t, ok)

	assert.Equal(t, head.String(), ext.Head)
	assert.NotEmpty(t, ext.Fingerprint())
	assert.Equal(t, 3, ext.TotalCommits)
	require.Len(t, ext.Commits, 3)
	assert.Equal(t, "document usage", ext.Commits[0].Message)
	assert.Positive(t, ext.Commits[1].Stats.Files)
	assert.Positive(t, ext.Commits[1].Stats.Insertions)

	require.Len(t, ext.Contributors, 2)
	assert.Equal(t, gittest.DefaultAuthor.Email, ext.Contributors[0].Email)
	assert.Equal(t, 2, ext.Contributors[0].Commits)
	assert.Equal(t, "ada@example.com", ext.Contributors[1].Email)
	assert.Equal(t, 2, ext.TotalContributors)

	assert.Equal(t, map[string]int{"Go": 1, "Markdown": 1, "Python": 1}, ext.LanguageStats)

	require.NotNil(t, ext.FileTree)
	assert.Equal(t, "root", ext.FileTree.Name)

	files := 0

	ext.FileTree.Walk(func(node *analysis.FileNode, _ int) {
		if node.Type == analysis.NodeFile {
			files++
		}
	})
	assert.Equal(t, 4, files)

	assert.Contains(t, log.statuses, stages.StatusCloneComplete)
	assert.Contains(t, log.statuses, stages.StatusCommitsComplete)
	assert.Equal(t, stages.StatusFileTreeComplete, log.statuses[len(log.statuses)-1])

	for idx := 1; idx < len(log.fractions); idx++ {
		assert.GreaterOrEqual(t, log.fractions[idx], log.fractions[idx-1])
	}

	assert.Less(t, log.fractions[len(log.fractions)-1], 1.0)
}

func TestExtraction_ReusesWorkspaceAndFingerprint(t *testing.T) {
	t.Parallel()

	src, _ := sourceRepo(t)
	mgr := newWorkspaces(t)

	first := runExtraction(t, mgr, "job-1", src.Path)
	second := runExtraction(t, mgr, "job-1", src.Path)

	assert.Equal(t, first.Fingerprint(), second.Fingerprint())

	src.WriteFile("main.go", goSource+"\n// trailing\n")
	src.Commit("touch main")

	third := runExtraction(t, mgr, "job-2", src.Path)
	assert.NotEqual(t, first.Fingerprint(), third.Fingerprint())
}

func TestExtraction_CommitLimits(t *testing.T) {
	t.Parallel()

	src := gittest.New(t)
	src.Linear(5)

	exec := stages.NewExtraction(newWorkspaces(t), nil, stages.ExtractionConfig{MaxCommits: 3, CommitStatsLimit: 1})

	out, err := exec.Execute(context.Background(), extractionInput("job-1", src.Path, nil))
	require.NoError(t, err)

	ext, ok := out.(*analysis.ExtractionOutput)
	require.True(t, ok)
	require.Len(t, ext.Commits, 3)

	assert.Positive(t, ext.Commits[0].Stats.Files)
	assert.Zero(t, ext.Commits[1].Stats.Files)
	assert.Zero(t, ext.Commits[2].Stats.Files)
}

func TestExtraction_Cancelled(t *testing.T) {
	t.Parallel()

	src, _ := sourceRepo(t)

	in := extractionInput("job-1", src.Path, nil)
	in.Cancelled = func(context.Context) (bool, error) { return true, nil }

	exec := stages.NewExtraction(newWorkspaces(t), nil, stages.DefaultExtractionConfig())

	_, err := exec.Execute(context.Background(), in)
	require.ErrorIs(t, err, analysis.ErrCancelled)
}

func TestExtraction_OpenBreakerIsTransient(t *testing.T) {
	t.Parallel()

	cb := breaker.New("git", breaker.Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	cb.Failure()

	exec := stages.NewExtraction(newWorkspaces(t), cb, stages.DefaultExtractionConfig())

	_, err := exec.Execute(context.Background(), extractionInput("job-1", "https://example.com/acme/demo.git", nil))
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, analysis.KindTransient, analysis.KindOf(err))
}

func TestContributors(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	commits := []analysis.Commit{
		{AuthorName: "Grace H", AuthorEmail: "grace@example.com", CommittedAt: day.Add(48 * time.Hour)},
		{AuthorName: "Linus", AuthorEmail: "linus@example.com", CommittedAt: day.Add(24 * time.Hour)},
		{AuthorName: "Grace Hopper", AuthorEmail: "grace@example.com", CommittedAt: day},
	}

	got := stages.Contributors(commits)
	require.Len(t, got, 2)

	assert.Equal(t, analysis.Contributor{
		Name: "Grace H", Email: "grace@example.com", Commits: 2,
		FirstCommit: day, LastCommit: day.Add(48 * time.Hour),
	}, got[0])
	assert.Equal(t, "linus@example.com", got[1].Email)
	assert.Equal(t, 1, got[1].Commits)

	assert.Empty(t, stages.Contributors(nil))
}

func TestBuildFileTree(t *testing.T) {
	t.Parallel()

	root := stages.BuildFileTree([]gitlib.TreeFile{
		{Path: "a/b/c.go", Size: 10},
		{Path: "a/d.go", Size: 20},
		{Path: "e.md", Size: 5},
	})

	assert.Equal(t, "root", root.Name)
	assert.Empty(t, root.Path)
	require.Len(t, root.Children, 2)

	dirA := root.Children[0]
	assert.Equal(t, analysis.NodeDirectory, dirA.Type)
	assert.Equal(t, "a", dirA.Path)
	require.Len(t, dirA.Children, 2)

	dirB := dirA.Children[0]
	assert.Equal(t, "a/b", dirB.Path)
	require.Len(t, dirB.Children, 1)
	assert.Equal(t, &analysis.FileNode{Name: "c.go", Path: "a/b/c.go", Type: analysis.NodeFile, Size: 10}, dirB.Children[0])

	assert.Equal(t, "d.go", dirA.Children[1].Name)
	assert.Equal(t, "e.md", root.Children[1].Name)

	empty := stages.BuildFileTree(nil)
	assert.Equal(t, analysis.NodeDirectory, empty.Type)
	assert.Empty(t, empty.Children)
}

func TestLanguageStats(t *testing.T) {
	t.Parallel()

	stats := stages.LanguageStats([]gitlib.TreeFile{
		{Path: "main.go"},
		{Path: "cmd/app/main.go"},
		{Path: "vendor/github.com/acme/lib/lib.go"},
		{Path: "scripts/build.py"},
		{Path: ".gitignore"},
		{Path: "Makefile"},
		{Path: "notes.zzz"},
	})

	assert.Equal(t, map[string]int{"Go": 2, "Python": 1, "Makefile": 1, "zzz": 1}, stats)
}
