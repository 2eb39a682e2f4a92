package complexity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/complexity"
)

const goSource = `package sample

// Classify buckets x.
func Classify(x int) int {
	if x > 0 && x < 10 {
		return 1
	}

	for i := 0; i < x; i++ {
		x--
	}

	return 0
}

func Identity(x int) int {
	return x
}
`

const pythonSource = `def grade(score):
    # Map a score to a letter.
    if score > 90 and score <= 100:
        return "A"
    elif score > 80:
        return "B"
    return "C"
`

func TestAnalyzeFile_Go(t *testing.T) {
	t.Parallel()

	scanner := complexity.NewScanner(complexity.DefaultConfig())

	metrics, err := scanner.AnalyzeFile("pkg/sample.go", []byte(goSource))
	require.NoError(t, err)

	assert.Equal(t, 2, metrics.FunctionCount)
	assert.Equal(t, 4, metrics.MaxComplexity)
	assert.InDelta(t, 2.5, metrics.CyclomaticComplexity, 0.001)
	assert.Equal(t, "sample.go", metrics.Filename)
	assert.Equal(t, ".go", metrics.Extension)
	assert.Equal(t, "Go", metrics.Language)
	assert.Equal(t, 1, metrics.CommentLines)
	assert.Equal(t, 4, metrics.BlankLines)
	assert.Equal(t, 13, metrics.LinesOfCode)
	assert.GreaterOrEqual(t, metrics.MaintainabilityIndex, 0.0)
	assert.LessOrEqual(t, metrics.MaintainabilityIndex, 100.0)
}

func TestAnalyzeFile_Python(t *testing.T) {
	t.Parallel()

	scanner := complexity.NewScanner(complexity.DefaultConfig())

	metrics, err := scanner.AnalyzeFile("grade.py", []byte(pythonSource))
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.FunctionCount)
	assert.Equal(t, 4, metrics.MaxComplexity)
	assert.Equal(t, 1, metrics.CommentLines)
}

func TestAnalyzeFile_Unsupported(t *testing.T) {
	t.Parallel()

	scanner := complexity.NewScanner(complexity.DefaultConfig())

	_, err := scanner.AnalyzeFile("README.md", []byte("# hi"))
	require.ErrorIs(t, err, complexity.ErrUnsupported)
}

func TestCandidates_FiltersAndCaps(t *testing.T) {
	t.Parallel()

	scanner := complexity.NewScanner(complexity.Config{MaxFiles: 2})

	files := []complexity.File{
		{Path: "main.go", Size: 10},
		{Path: "README.md", Size: 10},
		{Path: "node_modules/lib/index.js", Size: 10},
		{Path: "vendor/github.com/x/y.go", Size: 10},
		{Path: "src/app.ts", Size: 10},
		{Path: "src/huge.py", Size: 10 << 20},
		{Path: "src/more.rb", Size: 10},
	}

	candidates, capped := scanner.Candidates(files)
	assert.True(t, capped)
	assert.Equal(t, []complexity.File{{Path: "main.go", Size: 10}, {Path: "src/app.ts", Size: 10}}, candidates)
}

func TestScan_ProgressAndHotspots(t *testing.T) {
	t.Parallel()

	sources := map[string]string{
		"a.go": goSource,
		"b.py": pythonSource,
		"c.go": "package c\n\nfunc C() {}\n",
	}

	files := []complexity.File{{Path: "a.go"}, {Path: "b.py"}, {Path: "c.go"}, {Path: "missing.go"}}

	read := func(_ context.Context, file complexity.File) ([]byte, error) {
		src, ok := sources[file.Path]
		if !ok {
			return nil, errors.New("not found")
		}

		return []byte(src), nil
	}

	var calls []int

	scanner := complexity.NewScanner(complexity.Config{HotspotCount: 2})

	result, err := scanner.Scan(context.Background(), files, read, func(done, total int) error {
		calls = append(calls, done)

		assert.Equal(t, 4, total)

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.FilesScanned)
	assert.False(t, result.Capped)
	require.Len(t, result.Metrics, 3)
	assert.Equal(t, []int{1, 2, 3}, calls)

	require.Len(t, result.Hotspots, 2)
	assert.Equal(t, "b.py", result.Hotspots[0].Path)
	assert.Equal(t, "a.go", result.Hotspots[1].Path)
}

func TestScan_ProgressErrorStops(t *testing.T) {
	t.Parallel()

	errStop := errors.New("stop")
	scanner := complexity.NewScanner(complexity.DefaultConfig())

	read := func(context.Context, complexity.File) ([]byte, error) { return []byte(goSource), nil }

	_, err := scanner.Scan(context.Background(), []complexity.File{{Path: "a.go"}, {Path: "b.go"}}, read,
		func(int, int) error { return errStop })
	require.ErrorIs(t, err, errStop)
}

func TestHotspots_TieBreakByPath(t *testing.T) {
	t.Parallel()

	metrics := []analysis.FileComplexity{
		{Path: "z.go", CyclomaticComplexity: 3},
		{Path: "a.go", CyclomaticComplexity: 3},
		{Path: "m.go", CyclomaticComplexity: 9},
	}

	hotspots := complexity.Hotspots(metrics, 5)
	require.Len(t, hotspots, 3)
	assert.Equal(t, []string{"m.go", "a.go", "z.go"}, []string{hotspots[0].Path, hotspots[1].Path, hotspots[2].Path})
}
