package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/karasz/logarchive"
)

func newStageCmd() *cobra.Command {
	var (
		group       string
		queryID     string
		response    bool
		message     string
		attachments []string
		signature   string
		partHash    string
	)
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Stage a message for archiving",
		Long: `Stage one logged message (a request or response) with its attachments and
optional signature part. Parts are stored in the frozen order message,
attachment-1..N, signature.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" || queryID == "" || message == "" {
				return errors.Wrap(logarchive.ErrInput, "--group, --query-id and --message are required")
			}
			alg, err := logarchive.ParseAlgorithm(partHash)
			if err != nil {
				return errors.Mark(err, logarchive.ErrInput)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			rec := logarchive.Record{QueryID: queryID, Response: response, LoggedAt: time.Now().UTC()}
			add := func(name, path string) error {
				data, err := os.ReadFile(path)
				if err != nil {
					return errors.Mark(errors.Wrapf(err, "read %s part", name), logarchive.ErrInput)
				}
				rec.Parts = append(rec.Parts, logarchive.MessagePart{Name: name, HashAlgorithm: alg, Data: data})
				return nil
			}
			if err := add(logarchive.PartMessage, message); err != nil {
				return err
			}
			for i, a := range attachments {
				if err := add(logarchive.AttachmentPart(i+1), a); err != nil {
					return err
				}
			}
			if signature != "" {
				if err := add(logarchive.PartSignature, signature); err != nil {
					return err
				}
			}

			store, err := logarchive.OpenStagingStore(cfg.Staging.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.Stage(context.Background(), group, rec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staged record %d in group %s\n", id, group)
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Archive group (e.g. member/subsystem)")
	cmd.Flags().StringVar(&queryID, "query-id", "", "Query id of the message")
	cmd.Flags().BoolVar(&response, "response", false, "The message is a response")
	cmd.Flags().StringVar(&message, "message", "", "File holding the message part")
	cmd.Flags().StringArrayVar(&attachments, "attachment", nil, "File holding an attachment (repeatable, in order)")
	cmd.Flags().StringVar(&signature, "signature", "", "File holding the message signature part")
	cmd.Flags().StringVar(&partHash, "part-hash", logarchive.SHA256.String(), "Hash algorithm for part digests")
	return cmd
}
