package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/codevoyage/internal/observability"
	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
)

// ErrJobFailed is returned by analyze when the job does not complete.
var ErrJobFailed = errors.New("analysis did not complete")

const analyzePollInterval = 500 * time.Millisecond

// AnalyzeCommand holds the flags of the analyze command.
type AnalyzeCommand struct {
	global     *globalFlags
	output     string
	format     string
	repoID     string
	workers    int
	hotspots   int
	noInsights bool
	noColor    bool
	quiet      bool
}

// NewAnalyzeCommand creates the one-shot analysis command.
func NewAnalyzeCommand(global *globalFlags) *cobra.Command {
	c := &AnalyzeCommand{global: global}

	cmd := &cobra.Command{
		Use:   "analyze <repository-url-or-path>",
		Short: "Analyze one repository in process and print the report",
		Long: `Run all four stages for one repository without a database or API and
print the compiled report. Progress goes to stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: c.Run,
	}

	cmd.Flags().StringVarP(&c.output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().StringVarP(&c.format, "format", "f", FormatText, "output format: text, json or yaml")
	cmd.Flags().StringVar(&c.repoID, "id", "", "repository identifier shown in the report")
	cmd.Flags().IntVarP(&c.workers, "workers", "n", 0, "number of concurrent workers (overrides workers.count)")
	cmd.Flags().IntVar(&c.hotspots, "hotspots", 0, "number of hotspots to report (overrides analysis.hotspot_count)")
	cmd.Flags().BoolVar(&c.noInsights, "no-insights", false, "skip generated insights")
	cmd.Flags().BoolVar(&c.noColor, "no-color", false, "disable colored output")
	cmd.Flags().BoolVarP(&c.quiet, "quiet", "q", false, "suppress progress output")

	return cmd
}

// Run executes the analyze command.
func (c *AnalyzeCommand) Run(cmd *cobra.Command, args []string) error {
	if !validFormat(c.format) {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, c.format)
	}

	cfg, err := c.global.load()
	if err != nil {
		return err
	}

	if c.workers > 0 {
		cfg.Workers.Count = c.workers
	}

	if c.hotspots > 0 {
		cfg.Analysis.HotspotCount = c.hotspots
	}

	if c.noInsights {
		cfg.Insights.Enabled = false
	}

	ctx := cmd.Context()

	quietLevel := slog.LevelWarn

	a, err := buildApp(ctx, cfg, appOptions{
		mode:       observability.ModeCLI,
		storage:    storageMemory,
		debug:      c.global.debug,
		withPool:   true,
		forceLevel: &quietLevel,
	})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	repo := analysis.RepositoryRef{ID: c.repoID, URL: resolveRepository(args[0])}

	job, err := a.orch.Submit(ctx, repo)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	progressOut := cmd.ErrOrStderr()
	if c.quiet {
		progressOut = io.Discard
	}

	job, err = c.runToCompletion(ctx, a, job.ID, newProgressPrinter(progressOut, c.noColor))
	if err != nil {
		return err
	}

	if job.Status != jobs.StatusCompleted {
		reason := string(job.Status)
		if job.Error != nil {
			reason = job.Error.Reason
		}

		return fmt.Errorf("%w: %s", ErrJobFailed, reason)
	}

	out, err := a.orch.Output(ctx, job.ID, analysis.StageCompilation)
	if err != nil {
		return err
	}

	report, ok := out.(*analysis.CompiledReport)
	if !ok {
		return fmt.Errorf("%w: unexpected compilation output %T", ErrJobFailed, out)
	}

	w, closeOut, err := c.writer(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeOut()

	return renderReport(w, report, c.format, c.noColor)
}

// runToCompletion runs the worker pool until the job is terminal and returns
// its final state. Interrupting the command cancels the job.
func (c *AnalyzeCommand) runToCompletion(ctx context.Context, a *app, jobID string, printer *progressPrinter) (jobs.Job, error) {
	poolCtx, stopPool := context.WithCancel(ctx)

	poolDone := make(chan error, 1)

	go func() {
		poolDone <- a.pool.Run(poolCtx)
	}()

	defer func() {
		stopPool()
		<-poolDone
	}()

	sub := a.bus.Subscribe(jobID)
	defer sub.Unsubscribe()

	events := sub.C

	ticker := time.NewTicker(analyzePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			job, cancelErr := a.orch.Cancel(context.WithoutCancel(ctx), jobID)
			if cancelErr == nil {
				printer.print(job.Event())
			}

			return job, ctx.Err()
		case err := <-poolDone:
			poolDone <- err

			return jobs.Job{}, fmt.Errorf("worker pool stopped: %w", err)
		case ev, ok := <-events:
			if !ok {
				events = nil

				continue
			}

			printer.print(ev)

			if ev.Terminal {
				return a.orch.Job(ctx, jobID)
			}
		case <-ticker.C:
			job, err := a.orch.Job(ctx, jobID)
			if err != nil {
				return job, err
			}

			if job.Status.Terminal() {
				printer.print(job.Event())

				return job, nil
			}
		}
	}
}

func (c *AnalyzeCommand) writer(stdout io.Writer) (io.Writer, func(), error) {
	if c.output == "" {
		return stdout, func() {}, nil
	}

	file, err := os.Create(c.output)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}

	return file, func() { _ = file.Close() }, nil
}

// resolveRepository turns an existing local path into an absolute one and
// leaves URLs untouched.
func resolveRepository(arg string) string {
	if _, err := os.Stat(arg); err != nil {
		return arg
	}

	abs, err := filepath.Abs(arg)
	if err != nil {
		return arg
	}

	return abs
}

// progressPrinter writes one line per progress change.
type progressPrinter struct {
	w       io.Writer
	noColor bool
	last    progress.Event
}

func newProgressPrinter(w io.Writer, noColor bool) *progressPrinter {
	return &progressPrinter{w: w, noColor: noColor}
}

func (p *progressPrinter) print(ev progress.Event) {
	if ev.Status == p.last.Status && ev.Progress == p.last.Progress && ev.State == p.last.State {
		return
	}

	p.last = ev

	_, _ = fmt.Fprintln(p.w, formatProgress(ev, p.noColor))
}
