package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/breaker"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
	"github.com/Sumatoshi-tech/codevoyage/pkg/insights"
	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
)

const insightsVersion = 1

// Insight statuses.
const (
	StatusInsightsSkipped   = "ai_insights_skipped"
	StatusInsightsGenerated = "ai_insights_generated"
)

const deterministicDone = 0.3

// degradedOutput carries an insight output that must not be cached because
// generation failed and a later attempt may succeed.
type degradedOutput struct {
	out *analysis.InsightOutput
}

func (d *degradedOutput) Error() string {
	return "insight generation degraded"
}

// Insights derives deterministic insights and, when a generator is
// configured, asks it for generated insights.
type Insights struct {
	base

	generator insights.Generator
	breaker   *breaker.Breaker
}

// NewInsights creates the insights executor. A nil generator disables
// generated insights; cb may be nil.
func NewInsights(generator insights.Generator, cb *breaker.Breaker, opts ...Option) *Insights {
	return &Insights{base: newBase(opts), generator: generator, breaker: cb}
}

// Stage implements Executor.
func (s *Insights) Stage() analysis.Stage {
	return analysis.StageInsights
}

// Execute implements Executor.
func (s *Insights) Execute(ctx context.Context, in Input) (analysis.Output, error) {
	ext, cx := in.Prior.Extraction, in.Prior.Complexity
	if ext == nil || cx == nil {
		return nil, analysis.Internal(fmt.Errorf("insights: %w: extraction and complexity", ErrMissingInput))
	}

	model := ""
	if s.generator != nil {
		model = s.generator.Model()
	}

	key := cache.Fingerprint(string(analysis.StageInsights), insightsVersion, ext.Fingerprint(), cx.Fingerprint(), model)

	out, hit, err := cached(ctx, s.base, in, key, func(ctx context.Context) (*analysis.InsightOutput, error) {
		return s.generate(ctx, in, ext, cx, key)
	})

	var degraded *degradedOutput
	if errors.As(err, &degraded) {
		return degraded.out, nil
	}

	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "insights ready",
		"job_id", in.JobID, "generated", out.AIInsights.Enabled, "cache_hit", hit)

	return out, nil
}

func (s *Insights) generate(
	ctx context.Context, in Input, ext *analysis.ExtractionOutput, cx *analysis.ComplexityOutput, key string,
) (*analysis.InsightOutput, error) {
	deterministic := insights.Build(ext, cx)
	in.Report(deterministicDone, "")

	out := &analysis.InsightOutput{
		Digest:     key,
		AIInsights: analysis.AIInsights{Deterministic: deterministic},
	}

	if s.generator == nil {
		out.AIInsights.Reason = analysis.ReasonDisabled
		in.Report(1, StatusInsightsSkipped)

		return out, nil
	}

	err := in.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	err = s.acquire(ctx, ratelimit.ResourceInsightLLM)
	if err != nil {
		return nil, err
	}

	var generated json.RawMessage

	call := func(ctx context.Context) error {
		var genErr error

		generated, genErr = s.generator.Generate(ctx, insights.NewPayload(in.Repository, ext, deterministic))

		return genErr
	}

	if s.breaker == nil {
		err = call(ctx)
	} else {
		err = s.breaker.Do(ctx, call)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if err != nil {
		s.logger.WarnContext(ctx, "insight generation failed, keeping deterministic insights",
			"job_id", in.JobID, "model", s.generator.Model(), "error", err)

		out.AIInsights.Reason = analysis.ReasonGenerationFailed
		out.AIInsights.Error = err.Error()
		in.Report(1, StatusInsightsGenerated)

		return nil, &degradedOutput{out: out}
	}

	out.AIInsights.Enabled = true
	out.AIInsights.Model = s.generator.Model()
	out.AIInsights.Generated = generated
	in.Report(1, StatusInsightsGenerated)

	return out, nil
}
