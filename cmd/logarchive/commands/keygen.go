package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karasz/logarchive"
)

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create an ed25519 signing key",
		Long: `Create an ed25519 signing key. The private key is written to --out with
owner-only permissions and the public key next to it with a .pub suffix, for
use with verify --public-key.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := logarchive.GenerateEd25519Signer()
			if err != nil {
				return err
			}
			if err := s.SaveKey(out); err != nil {
				return err
			}
			if err := s.Public().SavePublicKey(out + ".pub"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s.pub\n", out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "signing.pem", "Private key file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logarchive.WriteDefaultConfig(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "archive.hash_algorithm = %s\n", cfg.Archive.HashAlgorithm)
			fmt.Fprintf(out, "archive.directory      = %s\n", cfg.Archive.Directory)
			fmt.Fprintf(out, "archive.max_records    = %d\n", cfg.Archive.MaxRecords)
			fmt.Fprintf(out, "staging.dsn            = %s\n", cfg.Staging.DSN)
			fmt.Fprintf(out, "retention.keep_days    = %d\n", cfg.Retention.KeepDays)
			fmt.Fprintf(out, "signer.key_file        = %s\n", cfg.Signer.KeyFile)
			fmt.Fprintf(out, "signer.tsa_url         = %s\n", cfg.Signer.TSAURL)
			fmt.Fprintf(out, "encryption.enabled     = %t\n", cfg.Encryption.Enabled)
			return nil
		},
	})
	return cfgCmd
}
