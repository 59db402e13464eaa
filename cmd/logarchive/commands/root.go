// Package commands implements the logarchive command line.
package commands

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/karasz/logarchive"
	"github.com/karasz/logarchive/internal/logger"
)

var (
	configPath string
	jsonLog    bool
	verbose    bool
)

// NewRootCmd builds the command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "logarchive",
		Short: "Tamper-evident message log archives",
		Long: `logarchive - chained, signed and independently verifiable message log archives.

Records are staged in SQLite, batched per group into archives whose hash chain
continues from the group's previous archive, signed, optionally time-stamped
and encrypted, and written to an append-only directory.

Examples:
  logarchive keygen --out signing.pem         # Create a signing key
  logarchive stage --group g1 --query-id q1 --message req.xml
  logarchive archive                          # Archive everything pending
  logarchive verify archive.asice -f          # Verify the first archive of a group
  logarchive verify archive.asice 3f2a...     # Verify with the previous final hash
  logarchive verify-chain --group g1          # Verify all archives of a group`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Initialize(jsonLog, verbose); err != nil {
				return errors.Wrap(err, "initialize logger")
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.Mark(err, logarchive.ErrInput)
	})

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (TOML)")
	root.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Log as JSON")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newVerifyCmd(),
		newVerifyChainCmd(),
		newStageCmd(),
		newArchiveCmd(),
		newPurgeCmd(),
		newKeygenCmd(),
		newConfigCmd(),
	)
	return root
}

// Run executes the command line and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	defer logger.Sync()
	if err != nil {
		logarchive.ReportError(stderr, err)
	}
	return logarchive.ExitCode(err)
}

func loadConfig() (*logarchive.Config, error) {
	cfg, err := logarchive.LoadConfig(configPath)
	if err != nil {
		return nil, errors.Mark(err, logarchive.ErrInput)
	}
	return cfg, nil
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return errors.Mark(err, logarchive.ErrInput)
		}
		return nil
	}
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return errors.Mark(err, logarchive.ErrInput)
		}
		return nil
	}
}
