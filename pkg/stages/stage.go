// Package stages implements the executors of the four analysis stages.
// Executors are stateless between calls: everything they need arrives in
// Input, and everything they produce is returned as an analysis.Output.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
	"github.com/Sumatoshi-tech/codevoyage/pkg/gitlib"
	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
)

// ErrMissingInput is returned when a prior stage output an executor depends
// on is absent.
var ErrMissingInput = errors.New("missing prior stage output")

// Executor runs one stage.
type Executor interface {
	Stage() analysis.Stage
	Execute(ctx context.Context, in Input) (analysis.Output, error)
}

// Input is everything an executor receives for one attempt.
type Input struct {
	JobID      string
	Repository analysis.RepositoryRef
	Attempt    int
	Prior      analysis.Outputs

	// OnProgress receives the fraction of the stage done and an optional
	// human-readable status. It must not block.
	OnProgress func(fraction float64, status string)
	// Cancelled reports whether the job was cancelled.
	Cancelled func(ctx context.Context) (bool, error)
}

// Report forwards progress when a sink is attached.
func (in Input) Report(fraction float64, status string) {
	if in.OnProgress != nil {
		in.OnProgress(fraction, status)
	}
}

// Checkpoint returns an error when the attempt should stop: ctx ended or the
// job was cancelled. Executors call it between units of work.
func (in Input) Checkpoint(ctx context.Context) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	if in.Cancelled == nil {
		return nil
	}

	cancelled, err := in.Cancelled(ctx)
	if err != nil {
		return fmt.Errorf("check cancellation: %w", err)
	}

	if cancelled {
		return analysis.ErrCancelled
	}

	return nil
}

// Cacher is the subset of *cache.Cache the executors use.
type Cacher interface {
	GetOrCompute(ctx context.Context, key string, hint cache.Tier, compute func(context.Context) ([]byte, error)) ([]byte, bool, error)
}

// Option configures an executor.
type Option func(*base)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCache memoizes stage outputs by fingerprint.
func WithCache(c Cacher) Option {
	return func(b *base) {
		b.cache = c
	}
}

// WithLimiter guards external calls with the rate limiter.
// Calls that would wait longer than maxWait fail as rate exhausted.
func WithLimiter(limiter *ratelimit.Limiter, maxWait time.Duration) Option {
	return func(b *base) {
		b.limiter = limiter
		b.maxWait = maxWait
	}
}

// base holds the collaborators shared by every executor.
type base struct {
	logger  *slog.Logger
	cache   Cacher
	limiter *ratelimit.Limiter
	maxWait time.Duration
}

func newBase(opts []Option) base {
	b := base{logger: slog.Default()}

	for _, opt := range opts {
		opt(&b)
	}

	return b
}

// sharedComputeRetries bounds how often a caller restarts a shared cache
// computation that another job's cancellation aborted.
const sharedComputeRetries = 2

// cached returns the output stored under key, computing and storing it on a
// miss. Without a cache compute runs directly. Concurrent callers of one key
// share a single computation; when it stops because its owner was cancelled,
// callers that are still live start their own.
func cached[T analysis.Output](
	ctx context.Context, b base, in Input, key string, compute func(context.Context) (T, error),
) (T, bool, error) {
	if b.cache == nil {
		out, err := compute(ctx)

		return out, false, err
	}

	var (
		data []byte
		hit  bool
		err  error
	)

	for retry := 0; ; retry++ {
		data, hit, err = b.cache.GetOrCompute(ctx, key, cache.TierHot, func(ctx context.Context) ([]byte, error) {
			out, computeErr := compute(ctx)
			if computeErr != nil {
				return nil, computeErr
			}

			return analysis.EncodeOutput(out)
		})
		if err == nil || retry >= sharedComputeRetries || !abortedElsewhere(ctx, in, err) {
			break
		}

		b.logger.DebugContext(ctx, "shared computation aborted, recomputing",
			"job_id", in.JobID, "key", key, "reason", err)
	}

	if err != nil {
		var zero T

		return zero, false, err
	}

	out, err := analysis.DecodeAs[T](data)
	if err != nil {
		var zero T

		return zero, false, analysis.Internal(fmt.Errorf("decode cached output: %w", err))
	}

	return out, hit, nil
}

// abortedElsewhere reports whether err is a cancellation that did not come
// from this attempt.
func abortedElsewhere(ctx context.Context, in Input, err error) bool {
	if !errors.Is(err, analysis.ErrCancelled) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return in.Checkpoint(ctx) == nil
}

// classifyGitError maps repository access failures onto stage error kinds.
func classifyGitError(err error) error {
	var stageErr *analysis.StageError

	switch {
	case err == nil:
		return nil
	case errors.As(err, &stageErr), errors.Is(err, analysis.ErrCancelled):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return analysis.Transient(err)
	case gitlib.IsNetworkError(err):
		return analysis.Transient(err)
	case gitlib.IsNotFound(err), gitlib.IsCorrupt(err):
		return analysis.MalformedInput(err)
	default:
		return analysis.Transient(err)
	}
}

// acquire takes one token of resource, waiting up to maxWait.
func (b base) acquire(ctx context.Context, resource string) error {
	if b.limiter == nil {
		return nil
	}

	err := b.limiter.Wait(ctx, resource, 1, b.maxWait)
	if err != nil {
		return rateExhausted(err)
	}

	return nil
}

// rateExhausted converts a limiter rejection into a stage error.
func rateExhausted(err error) error {
	var exhausted *ratelimit.ExhaustedError
	if errors.As(err, &exhausted) {
		return analysis.RateExhausted(exhausted.RetryAfter, err)
	}

	return analysis.Transient(err)
}
