// Package analysis defines the vocabulary shared by every part of the analysis
// pipeline: stages and their progress weights, repository references, the
// typed stage outputs and the failure taxonomy.
package analysis

import (
	"errors"
	"fmt"
)

// Stage identifies one discrete, idempotent unit of the analysis pipeline.
type Stage string

const (
	// StageExtraction clones the repository and extracts history, contributors and the file tree.
	StageExtraction Stage = "extraction"
	// StageComplexity scans source files for complexity metrics.
	StageComplexity Stage = "complexity"
	// StageInsights derives deterministic and generated insights.
	StageInsights Stage = "insights"
	// StageCompilation assembles and validates the final report.
	StageCompilation Stage = "compilation"
)

// ProgressComplete is the progress reported by a completed job.
const ProgressComplete = 100.0

// ErrUnknownStage is returned when a stage name is not part of the pipeline.
var ErrUnknownStage = errors.New("unknown stage")

var stageOrder = []Stage{StageExtraction, StageComplexity, StageInsights, StageCompilation}

// stageWeights must sum to ProgressComplete.
var stageWeights = map[Stage]float64{
	StageExtraction:  25,
	StageComplexity:  25,
	StageInsights:    35,
	StageCompilation: 15,
}

var stageStatuses = map[Stage][2]string{
	StageExtraction:  {"analyzing_git_data", "git_analysis_complete"},
	StageComplexity:  {"analyzing_complexity", "complexity_analysis_complete"},
	StageInsights:    {"generating_ai_insights", "ai_insights_generated"},
	StageCompilation: {"compiling_results", "completed"},
}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)

	return out
}

// FirstStage returns the stage every job starts with.
func FirstStage() Stage {
	return stageOrder[0]
}

// ParseStage converts a stage name into a Stage.
func ParseStage(name string) (Stage, error) {
	stage := Stage(name)
	if !stage.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}

	return stage, nil
}

// Valid reports whether s is a pipeline stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index returns the position of s in the pipeline, or -1.
func (s Stage) Index() int {
	for idx, stage := range stageOrder {
		if stage == s {
			return idx
		}
	}

	return -1
}

// Next returns the stage that follows s. The second value is false for the last stage.
func (s Stage) Next() (Stage, bool) {
	idx := s.Index()
	if idx < 0 || idx+1 >= len(stageOrder) {
		return "", false
	}

	return stageOrder[idx+1], true
}

// IsLast reports whether s is the final stage of the pipeline.
func (s Stage) IsLast() bool {
	return s.Index() == len(stageOrder)-1
}

// Weight returns the share of overall progress attributed to s.
func (s Stage) Weight() float64 {
	return stageWeights[s]
}

// StartProgress returns the progress reported when s starts: the sum of the
// weights of all prior stages.
func (s Stage) StartProgress() float64 {
	var sum float64

	for _, stage := range stageOrder {
		if stage == s {
			return sum
		}

		sum += stageWeights[stage]
	}

	return sum
}

// EndProgress returns the progress reported once s has succeeded.
func (s Stage) EndProgress() float64 {
	return s.StartProgress() + s.Weight()
}

// ProgressAt maps a fraction of work done inside s onto overall progress.
// The fraction is clamped to [0, 1).
func (s Stage) ProgressAt(fraction float64) float64 {
	const maxFraction = 0.999

	fraction = max(0, min(fraction, maxFraction))

	return s.StartProgress() + s.Weight()*fraction
}

// StartStatus is the human-readable status shown while s runs.
func (s Stage) StartStatus() string {
	return stageStatuses[s][0]
}

// DoneStatus is the human-readable status shown once s has succeeded.
func (s Stage) DoneStatus() string {
	return stageStatuses[s][1]
}

func (s Stage) String() string {
	return string(s)
}
