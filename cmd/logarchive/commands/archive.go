package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/karasz/logarchive"
	"github.com/karasz/logarchive/internal/logger"
)

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive all pending records",
		Long: `Batch the pending records of every group into signed archives. Each archive
continues the hash chain of the group's previous archive. When [signer] tsa_url
is set, every batch signature is time-stamped.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			a, cleanup, err := openArchiver(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			written, err := a.Run(ctx)
			out := cmd.OutOrStdout()
			for _, d := range written {
				fmt.Fprintf(out, "%s\t%d\t%s\t%s\n", d.Group, d.Sequence, d.Filename, d.FinalHash.Hex())
			}
			return err
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var keepDays int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete archived records from staging",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("keep-days") {
				cfg.Retention.KeepDays = keepDays
			}
			a, cleanup, err := openArchiver(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := a.Purge(context.Background(), cfg.RetentionCutoff(time.Now()), cfg.Retention.BatchSize)
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d records\n", n)
			return err
		},
	}
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "Override [retention] keep_days")
	return cmd
}

func openSigner(cfg *logarchive.Config) (logarchive.Signer, error) {
	key, err := logarchive.LoadEd25519Signer(cfg.Signer.KeyFile)
	if err != nil {
		return nil, errors.WithHint(errors.Mark(err, logarchive.ErrInput), "create a key with: logarchive keygen")
	}
	if cfg.Signer.TSAURL == "" {
		return key, nil
	}
	tsa := logarchive.NewHTTPTimestamper(cfg.Signer.TSAURL,
		time.Duration(cfg.Signer.TSATimeoutSeconds)*time.Second,
		cfg.Signer.TSARetries,
		logger.Named("tsa"))
	return &logarchive.TimestampingSigner{Signer: key, Timestamper: tsa}, nil
}

func openArchiver(cfg *logarchive.Config) (*logarchive.Archiver, func(), error) {
	alg, err := cfg.Algorithm()
	if err != nil {
		return nil, nil, err
	}
	signer, err := openSigner(cfg)
	if err != nil {
		return nil, nil, err
	}
	enc, err := cfg.Envelope()
	if err != nil {
		return nil, nil, err
	}
	store, err := logarchive.OpenStagingStore(cfg.Staging.DSN)
	if err != nil {
		return nil, nil, err
	}
	dir, err := logarchive.OpenArchiveDir(cfg.Archive.Directory)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	a, err := logarchive.NewArchiver(store, dir, signer, logarchive.ArchiverOptions{
		Algorithm:   alg,
		MaxRecords:  cfg.Archive.MaxRecords,
		Concurrency: cfg.Archive.Concurrency,
		Namer:       logarchive.Namer{Extension: cfg.Archive.Extension},
		Encrypter:   enc,
	}, logger.Named("archiver"))
	if err != nil {
		_ = dir.Close()
		_ = store.Close()
		return nil, nil, err
	}
	return a, func() {
		_ = dir.Close()
		_ = store.Close()
	}, nil
}
