package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/config"
	"github.com/Sumatoshi-tech/codevoyage/pkg/gitlib/gittest"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
)

func sampleReport() *analysis.CompiledReport {
	return &analysis.CompiledReport{
		Digest:        "abc",
		SchemaVersion: analysis.ReportSchemaVersion,
		Repository:    analysis.RepositoryRef{ID: "widgets", URL: "https://example.com/acme/widgets.git"},
		Head:          "0123456789abcdef0123",
		Summary:       analysis.ReportSummary{TotalCommits: 1234, TotalContributors: 2, TotalFiles: 10, FilesScanned: 8, HotspotCount: 1},
		Hotspots: []analysis.FileComplexity{{
			Path: "pkg/server/handler.go", Language: "Go", CyclomaticComplexity: 7.5, MaxComplexity: 12,
			FunctionCount: 4, LinesOfCode: 1500, MaintainabilityIndex: 42,
		}},
		Contributors: []analysis.Contributor{{
			Name: "Ada", Commits: 1000,
			FirstCommit: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
			LastCommit:  time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC),
		}},
		LanguageStats: map[string]int{"Go": 6, "Markdown": 2},
		AIInsights: analysis.AIInsights{
			Reason: analysis.ReasonDisabled,
			Deterministic: analysis.Insights{
				RiskFlags:       []analysis.RiskFlag{{Severity: "high", Message: "High ownership concentration."}},
				HealthScorecard: analysis.HealthScorecard{OverallScore: 81.5},
			},
		},
	}
}

func TestWriteStructured(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, writeStructured(&buf, FormatYAML, sampleReport()))

	var decoded map[string]any

	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "abc", decoded["fingerprint"])
	assert.Contains(t, decoded, "complexity_metrics")

	buf.Reset()
	require.NoError(t, writeStructured(&buf, FormatJSON, sampleReport()))

	var report analysis.CompiledReport

	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, 1234, report.Summary.TotalCommits)

	require.ErrorIs(t, writeStructured(&buf, "xml", nil), ErrUnknownFormat)
}

func TestRenderReport_Text(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, renderReport(&buf, sampleReport(), FormatText, true))

	out := buf.String()
	assert.Contains(t, out, "Repository: widgets")
	assert.Contains(t, out, "Head: 0123456789ab")
	assert.Contains(t, out, "81.5")
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "pkg/server/handler.go")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, "2023-01-02")
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "[high] High ownership concentration.")
	assert.Contains(t, out, analysis.ReasonDisabled)
	assert.NotContains(t, out, "\x1b[", "no escape codes without color")
}

func TestRenderJob(t *testing.T) {
	t.Parallel()

	now := time.Now()
	job := jobs.Job{
		ID:         "job-1",
		Repository: analysis.RepositoryRef{URL: "https://example.com/r.git"},
		Status:     jobs.StatusFailed,
		Stage:      analysis.StageComplexity,
		Attempt:    3,
		Progress:   40,
		StatusText: jobs.StatusTextFailed,
		Error:      &jobs.ErrorDetail{Reason: "scan timed out", Kind: analysis.ErrorKind("transient"), Stage: analysis.StageComplexity},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	log := []jobs.Transition{
		{Seq: 1, Stage: analysis.StageExtraction, Outcome: jobs.OutcomeStarted, Attempt: 1, At: now},
		{Seq: 2, Stage: analysis.StageExtraction, Outcome: jobs.OutcomeSucceeded, Attempt: 1, At: now, PayloadSize: 2048},
	}

	var buf bytes.Buffer

	renderJob(&buf, job, log, true)

	out := buf.String()
	assert.Contains(t, out, "Job job-1")
	assert.Contains(t, out, "complexity (attempt 3)")
	assert.Contains(t, out, "scan timed out")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "succeeded")
}

func TestFormatProgress(t *testing.T) {
	t.Parallel()

	line := formatProgress(progress.Event{Stage: analysis.StageExtraction, Progress: 12.5, Status: "cloning"}, true)
	assert.Equal(t, "[ 12.5%] extraction  cloning", line)

	line = formatProgress(progress.Event{
		Stage: analysis.StageInsights, Progress: 60, Status: "failed", State: "failed", Terminal: true, Error: "boom",
	}, true)
	assert.True(t, strings.HasSuffix(line, "failed boom"), line)
}

func TestResolveRepository(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	assert.Equal(t, "https://example.com/r.git", resolveRepository("https://example.com/r.git"))
	assert.Equal(t, dir, resolveRepository(dir))
}

// writeConfig stores a configuration rooted in a temporary directory.
func writeConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "codevoyage.yaml")

	content := fmt.Sprintf(`storage:
  path: %s
analysis:
  workspace_dir: %s
insights:
  enabled: false
workers:
  count: 2
queue:
  poll_interval: 10ms
logging:
  level: warn
`, filepath.Join(dir, "codevoyage.db"), filepath.Join(dir, "workspaces"))

	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCommand()

	var stdout, stderr bytes.Buffer

	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err := root.ExecuteContext(ctx)

	return stdout.String(), err
}

func TestAnalyzeCommand_EndToEnd(t *testing.T) {
	repo := gittest.New(t)
	repo.WriteFile("main.go", "package main\n\nfunc main() {\n\tif true {\n\t\tprintln(1)\n\t}\n}\n")
	repo.Commit("initial")
	repo.WriteFile("util/math.py", "def add(a, b):\n    if a:\n        return a + b\n    return b\n")
	repo.Commit("add util")
	repo.WriteFile("README.md", "# demo\n")
	repo.Commit("docs")

	out, err := execute(t, "analyze", repo.Path, "--config", writeConfig(t), "--format", "json", "--quiet", "--id", "demo")
	require.NoError(t, err)

	var report analysis.CompiledReport

	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, "demo", report.Repository.ID)
	assert.Equal(t, 3, report.Summary.TotalCommits)
	assert.Equal(t, 1, report.Summary.TotalContributors)
	assert.Equal(t, 2, report.Summary.FilesScanned)
	assert.NotEmpty(t, report.Hotspots)
	assert.False(t, report.AIInsights.Enabled)
}

func TestAnalyzeCommand_InvalidRepository(t *testing.T) {
	_, err := execute(t, "analyze", "ftp://example.com/repo.git", "--config", writeConfig(t), "--quiet")
	require.ErrorIs(t, err, analysis.ErrInvalidRepository)

	_, err = execute(t, "analyze", "x", "--format", "xml")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestStatusCommand_SQLite(t *testing.T) {
	cfgPath := writeConfig(t)

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)

	ctx := context.Background()

	a, err := buildApp(ctx, cfg, appOptions{})
	require.NoError(t, err)

	job, err := a.orch.Submit(ctx, analysis.RepositoryRef{URL: "https://example.com/acme/widgets.git"})
	require.NoError(t, err)

	a.close(ctx)

	out, err := execute(t, "status", job.ID, "--config", cfgPath, "--format", "json")
	require.NoError(t, err)

	var view jobView

	require.NoError(t, json.Unmarshal([]byte(out), &view), out)
	assert.Equal(t, job.ID, view.Job.ID)
	assert.Equal(t, jobs.StatusRunning, view.Job.Status)
	require.Len(t, view.Transitions, 1)
	assert.Equal(t, jobs.OutcomeStarted, view.Transitions[0].Outcome)

	out, err = execute(t, "status", "--config", cfgPath, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, job.ID)
	assert.Contains(t, strings.ToLower(out), "1 jobs")

	_, err = execute(t, "status", "missing", "--config", cfgPath)
	require.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)
}
