package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/karasz/logarchive"
	"github.com/karasz/logarchive/internal/logger"
)

type verifyFlags struct {
	first            bool
	publicKey        string
	requireTimestamp bool
	encryptionKey    string
}

func (f *verifyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.publicKey, "public-key", "", "Verify signatures with this ed25519 public key (PEM)")
	cmd.Flags().BoolVar(&f.requireTimestamp, "require-timestamp", false, "Fail archives without a time-stamp")
	cmd.Flags().StringVar(&f.encryptionKey, "encryption-key", "", "Hex key for encrypted archives (overrides config)")
}

func (f *verifyFlags) options() (logarchive.VerifyOptions, error) {
	opts := logarchive.VerifyOptions{RequireTimestamp: f.requireTimestamp}
	if f.publicKey != "" {
		v, err := logarchive.LoadEd25519Verifier(f.publicKey)
		if err != nil {
			return opts, errors.Mark(err, logarchive.ErrInput)
		}
		opts.Verifier = v
	}
	return opts, nil
}

func (f *verifyFlags) decrypter() (logarchive.Encrypter, error) {
	if f.encryptionKey != "" {
		key, err := hex.DecodeString(f.encryptionKey)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "--encryption-key"), logarchive.ErrInput)
		}
		env, err := logarchive.NewEnvelope(key)
		if err != nil {
			return nil, errors.Mark(err, logarchive.ErrInput)
		}
		return env, nil
	}
	return &configDecrypter{}, nil
}

// configDecrypter reads the key from the configuration file the first time an
// encrypted archive is opened, so plaintext archives verify without a config.
type configDecrypter struct {
	once sync.Once
	env  logarchive.Encrypter
	err  error
}

func (d *configDecrypter) resolve() (logarchive.Encrypter, error) {
	d.once.Do(func() {
		cfg, err := loadConfig()
		if err != nil {
			d.err = err
			return
		}
		if d.env, err = cfg.Envelope(); err != nil {
			d.err = errors.Mark(err, logarchive.ErrInput)
			return
		}
		if d.env == nil {
			d.err = errors.WithHint(errors.Wrap(logarchive.ErrInput, "archive is encrypted"),
				"configure [encryption] key_hex or pass --encryption-key")
		}
	})
	return d.env, d.err
}

func (d *configDecrypter) Seal(plaintext []byte) ([]byte, error) {
	env, err := d.resolve()
	if err != nil {
		return nil, err
	}
	return env.Seal(plaintext)
}

func (d *configDecrypter) Open(ciphertext []byte) ([]byte, error) {
	env, err := d.resolve()
	if err != nil {
		return nil, err
	}
	return env.Open(ciphertext)
}

func newVerifyCmd() *cobra.Command {
	var f verifyFlags
	cmd := &cobra.Command{
		Use:   "verify <archive-file> (<previous-hash-hex> | -f)",
		Short: "Verify one archive",
		Long: `Verify one archive without trusting the server that stored it.

Every record digest and chain link is recomputed from the archived message
parts. The chain must start from the previous archive's final hash, or from
the zero seed when -f marks the first archive of a group.

Exit codes: 0 ok, 2 input error, 3 malformed archive, 4 invalid log archive,
5 unsupported algorithm.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := logarchive.ParseArgs(args, f.first)
			if err != nil {
				return err
			}
			opts, err := f.options()
			if err != nil {
				return err
			}
			dec, err := f.decrypter()
			if err != nil {
				return err
			}
			v := logarchive.NewChainVerifier(req, opts, dec)
			res, err := v.Run()
			if err != nil {
				logger.Logger.Debugw("verification failed", "archive", req.ArchivePath, "state", v.State().String())
				return err
			}
			logarchive.ReportResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&f.first, "first", "f", false, "The archive is the first of its group")
	f.register(cmd)
	return cmd
}

func newVerifyChainCmd() *cobra.Command {
	var (
		f            verifyFlags
		group        string
		previousHash string
	)
	cmd := &cobra.Command{
		Use:   "verify-chain [directory]",
		Short: "Verify a group's archives in sequence",
		Long: `Verify every archive of one group, each archive's final hash seeding the
next. Without a directory the group's directory under [archive] directory is
used. A missing sequence number fails the whole chain.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := chainDir(args, group)
			if err != nil {
				return err
			}
			opts, err := f.options()
			if err != nil {
				return err
			}
			dec, err := f.decrypter()
			if err != nil {
				return err
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "read %s", dir), logarchive.ErrInput)
			}
			var archives []*logarchive.Container
			for _, e := range entries {
				if !e.Type().IsRegular() || filepath.Ext(e.Name()) == ".tmp" {
					continue
				}
				c, err := logarchive.LoadArchiveFile(filepath.Join(dir, e.Name()), dec)
				if err != nil {
					return errors.Wrapf(err, "%s", e.Name())
				}
				archives = append(archives, c)
			}
			if len(archives) == 0 {
				return errors.Wrapf(logarchive.ErrInput, "no archives in %s", dir)
			}

			alg := archives[0].Algorithm()
			seed := logarchive.ZeroSeed(alg)
			if previousHash != "" {
				if seed, err = logarchive.ParseDigestHex(alg, previousHash); err != nil {
					return errors.Mark(errors.Wrap(err, "--previous-hash"), logarchive.ErrInput)
				}
			}
			results, err := logarchive.VerifySequence(archives, seed, opts)
			out := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintf(out, "OK: %s/%d %d records final hash %s\n", r.Group, r.Sequence, r.Records, r.FinalHash.Hex())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Group whose archive directory to verify")
	cmd.Flags().StringVar(&previousHash, "previous-hash", "", "Final hash preceding the first archive (default: zero seed)")
	f.register(cmd)
	return cmd
}

func chainDir(args []string, group string) (string, error) {
	switch {
	case len(args) == 1 && group != "":
		return "", errors.Wrap(logarchive.ErrInput, "give either a directory or --group")
	case len(args) == 1:
		return args[0], nil
	case group == "":
		return "", errors.Wrap(logarchive.ErrInput, "a directory or --group is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	dir, err := logarchive.OpenArchiveDir(cfg.Archive.Directory)
	if err != nil {
		return "", err
	}
	defer dir.Close()
	return dir.GroupPath(group), nil
}
