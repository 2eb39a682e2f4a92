// Package commands implements the codevoyage CLI commands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/codevoyage/pkg/config"
	"github.com/Sumatoshi-tech/codevoyage/pkg/version"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	debug      bool
}

// NewRootCommand assembles the CLI.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "codevoyage",
		Short: "Repository analysis service",
		Long: `codevoyage analyzes git repositories in four stages: history extraction,
complexity measurement, insights and report compilation.

Commands:
  serve     HTTP API with optional embedded workers
  worker    Stage workers consuming the shared task queue
  analyze   One-shot in-process analysis of a repository
  status    Inspect jobs in the shared database
  mcp       Model Context Protocol server on stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to codevoyage.yaml")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "debug logging and tracing")

	root.AddCommand(
		NewServeCommand(flags),
		NewWorkerCommand(flags),
		NewAnalyzeCommand(flags),
		NewStatusCommand(flags),
		NewMCPCommand(flags),
		NewVersionCommand(),
	)

	return root
}

func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

// NewVersionCommand prints the build identity.
func NewVersionCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()

			if format == FormatText {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "codevoyage %s\n", info)

				return err
			}

			return writeStructured(cmd.OutOrStdout(), format, info)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", FormatText, "output format: text, json or yaml")

	return cmd
}
