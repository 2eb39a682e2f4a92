package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/codevoyage/internal/observability"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
)

const defaultStatusLimit = 20

// statusFlags hold the flags of the status command.
type statusFlags struct {
	format      string
	status      string
	limit       int
	transitions bool
	noColor     bool
}

// NewStatusCommand inspects jobs in the shared database.
func NewStatusCommand(global *globalFlags) *cobra.Command {
	flags := &statusFlags{}

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job, or list recent jobs",
		Long: `Read jobs directly from the database at storage.path. With a job id the
job is shown with its transition log; without one the most recent jobs are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validFormat(flags.format) {
				return fmt.Errorf("%w: %q", ErrUnknownFormat, flags.format)
			}

			cfg, err := global.load()
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cfg, appOptions{mode: observability.ModeCLI, debug: global.debug})
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			if len(args) == 1 {
				return showJob(cmd.Context(), cmd.OutOrStdout(), a.orch, args[0], flags)
			}

			return listJobs(cmd.Context(), cmd.OutOrStdout(), a.orch, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.format, "format", "f", FormatText, "output format: text, json or yaml")
	cmd.Flags().StringVar(&flags.status, "status", "", "list only jobs in this status")
	cmd.Flags().IntVarP(&flags.limit, "limit", "l", defaultStatusLimit, "maximum number of jobs listed")
	cmd.Flags().BoolVarP(&flags.transitions, "transitions", "t", true, "include the transition log of a job")
	cmd.Flags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")

	return cmd
}

// jobReader is the read side of the orchestrator.
type jobReader interface {
	Job(ctx context.Context, jobID string) (jobs.Job, error)
	Jobs(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error)
	Transitions(ctx context.Context, jobID string) ([]jobs.Transition, error)
}

// jobView is the structured form of a job with its log.
type jobView struct {
	Job         jobs.Job          `json:"job"`
	Transitions []jobs.Transition `json:"transitions,omitempty"`
}

func showJob(ctx context.Context, w io.Writer, r jobReader, jobID string, flags *statusFlags) error {
	job, err := r.Job(ctx, jobID)
	if err != nil {
		return err
	}

	var log []jobs.Transition

	if flags.transitions {
		log, err = r.Transitions(ctx, jobID)
		if err != nil {
			return err
		}
	}

	if flags.format != FormatText {
		return writeStructured(w, flags.format, jobView{Job: job, Transitions: log})
	}

	renderJob(w, job, log, flags.noColor)

	return nil
}

func listJobs(ctx context.Context, w io.Writer, r jobReader, flags *statusFlags) error {
	list, err := r.Jobs(ctx, jobs.ListFilter{Status: jobs.Status(flags.status), Limit: flags.limit})
	if err != nil {
		return err
	}

	if flags.format != FormatText {
		if list == nil {
			list = []jobs.Job{}
		}

		return writeStructured(w, flags.format, list)
	}

	renderJobs(w, list, flags.noColor)

	return nil
}
