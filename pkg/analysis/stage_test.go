package analysis_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

func TestStageWeights_SumToComplete(t *testing.T) {
	t.Parallel()

	var sum float64
	for _, stage := range analysis.Stages() {
		sum += stage.Weight()
	}

	assert.InDelta(t, analysis.ProgressComplete, sum, 1e-9)
}

func TestStage_StartProgressIsSumOfPriorWeights(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.0, analysis.StageExtraction.StartProgress(), 1e-9)
	assert.InDelta(t, 25.0, analysis.StageComplexity.StartProgress(), 1e-9)
	assert.InDelta(t, 50.0, analysis.StageInsights.StartProgress(), 1e-9)
	assert.InDelta(t, 85.0, analysis.StageCompilation.StartProgress(), 1e-9)
	assert.InDelta(t, analysis.ProgressComplete, analysis.StageCompilation.EndProgress(), 1e-9)
}

func TestStage_ProgressAtStaysInsideStage(t *testing.T) {
	t.Parallel()

	stage := analysis.StageInsights

	assert.InDelta(t, stage.StartProgress(), stage.ProgressAt(-1), 1e-9)
	assert.Less(t, stage.ProgressAt(1), stage.EndProgress())
	assert.InDelta(t, 67.5, stage.ProgressAt(0.5), 1e-9)
}

func TestStage_Next(t *testing.T) {
	t.Parallel()

	next, ok := analysis.StageExtraction.Next()
	require.True(t, ok)
	assert.Equal(t, analysis.StageComplexity, next)

	_, ok = analysis.StageCompilation.Next()
	assert.False(t, ok)
	assert.True(t, analysis.StageCompilation.IsLast())
}

func TestParseStage(t *testing.T) {
	t.Parallel()

	stage, err := analysis.ParseStage("insights")
	require.NoError(t, err)
	assert.Equal(t, analysis.StageInsights, stage)

	_, err = analysis.ParseStage("render")
	require.ErrorIs(t, err, analysis.ErrUnknownStage)
}

func TestRepositoryRef_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "https", url: "https://github.com/octo/repo.git"},
		{name: "scp_like", url: "git@github.com:octo/repo.git"},
		{name: "absolute_path", url: "/srv/git/repo"},
		{name: "file_scheme", url: "file:///srv/git/repo"},
		{name: "empty", url: "  ", wantErr: true},
		{name: "ftp", url: "ftp://example.com/repo", wantErr: true},
		{name: "no_host", url: "https:///repo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := analysis.RepositoryRef{URL: tt.url}.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, analysis.ErrInvalidRepository)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestRepositoryRef_DisplayName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "repo", analysis.RepositoryRef{URL: "https://github.com/octo/repo.git"}.DisplayName())
	assert.Equal(t, "id-1", analysis.RepositoryRef{ID: "id-1", URL: "x"}.DisplayName())
}
