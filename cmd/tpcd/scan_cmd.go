package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/coordlog"
)

func newScanCommand(logger pslog.Logger) *cobra.Command {
	var (
		cfg     tpcd.Config
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List durable coordinator documents straight from the backend",
		Long: `Reads every coordinator document from the backend without contacting a
running node. Documents awaiting votes belong to coordinators that never
decided; documents awaiting acks are decisions still being delivered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, cancel := contextWithTimeout(cmd, timeout)
			defer cancel()
			backend, err := tpcd.OpenBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()
			log, err := coordlog.New(coordlog.Config{Backend: backend, Logger: logger})
			if err != nil {
				return err
			}
			records, err := log.ScanAll(ctx)
			if err != nil {
				return err
			}
			docs := make([]api.CoordinatorDocument, 0, len(records))
			for _, rec := range records {
				docs = append(docs, rec.API())
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), api.CoordinatorDocumentsResponse{Documents: docs})
			}
			return printDocuments(cmd, docs, time.Now())
		},
	}
	registerStoreFlags(cmd, &cfg)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().DurationVar(&timeout, "timeout", clientTimeout, "overall scan timeout")
	return cmd
}

// registerStoreFlags binds the backend flags shared by commands that open
// the store directly. TPCD_* environment variables fill unset credentials
// the same way the server does.
func registerStoreFlags(cmd *cobra.Command, cfg *tpcd.Config) {
	cmd.Flags().StringVar(&cfg.Store, "store", envOr("TPCD_STORE", tpcd.DefaultStore), "coordinator log backend URL")
	cmd.Flags().StringVar(&cfg.S3Region, "s3-region", os.Getenv("TPCD_S3_REGION"), "region for s3:// and aws:// backends")
	cmd.Flags().StringVar(&cfg.S3AccessKeyID, "s3-access-key-id", os.Getenv("TPCD_S3_ACCESS_KEY_ID"), "access key for s3:// backends")
	cmd.Flags().StringVar(&cfg.S3SecretAccessKey, "s3-secret-access-key", os.Getenv("TPCD_S3_SECRET_ACCESS_KEY"), "secret key for s3:// backends")
	cmd.Flags().StringVar(&cfg.AzureAccount, "azure-account", "", "Azure Storage account")
	cmd.Flags().StringVar(&cfg.AzureKey, "azure-key", "", "Azure Storage account key")
	cmd.Flags().StringVar(&cfg.AzureEndpoint, "azure-endpoint", "", "Azure Blob service endpoint override")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printDocuments(cmd *cobra.Command, docs []api.CoordinatorDocument, now time.Time) error {
	if len(docs) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "no coordinator documents")
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TXN\tSTAGE\tDECISION\tCOMMIT_TS\tPARTICIPANTS\tCREATED\tDECIDED")
	for _, doc := range docs {
		decision, commitTS, decided := "-", "-", "-"
		if doc.Decision != "" {
			decision = string(doc.Decision)
		}
		if doc.CommitTS != 0 {
			commitTS = fmt.Sprint(doc.CommitTS)
		}
		if doc.DecidedAtUnix != 0 {
			decided = humanize.RelTime(time.Unix(doc.DecidedAtUnix, 0), now, "ago", "from now")
		}
		created := humanize.RelTime(time.Unix(doc.CreatedAtUnix, 0), now, "ago", "from now")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			doc.Txn, doc.Stage, decision, commitTS, strings.Join(doc.Participants, ","), created, decided)
	}
	return w.Flush()
}
