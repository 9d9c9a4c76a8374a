package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/internal/diagnostics/storagecheck"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand())
	return cmd
}

func newVerifyStoreCommand() *cobra.Command {
	var (
		cfg     tpcd.Config
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:          "store",
		Short:        "Verify the backend honours conditional writes",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify disk backend
TPCD_STORE=disk:///var/lib/tpcd tpcd verify store

# Verify S3-compatible service (MinIO)
TPCD_STORE=s3://localhost:9000/tpcd?insecure=1 TPCD_S3_ACCESS_KEY_ID=minio TPCD_S3_SECRET_ACCESS_KEY=minio123 tpcd verify store

# Verify Azure Blob using Shared Key credentials
tpcd verify store --store azure://myacct/tpcd --azure-key ...
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextWithTimeout(cmd, timeout)
			defer cancel()
			res, err := storagecheck.VerifyStore(ctx, cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", cfg.Store)
			fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			if res.Location != "" {
				fmt.Fprintf(out, "Location: %s\n", res.Location)
			}
			fmt.Fprintln(out)
			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Storage verification succeeded.")
				return nil
			}
			return fmt.Errorf("storage verification failed")
		},
	}
	registerStoreFlags(cmd, &cfg)
	cmd.Flags().DurationVar(&timeout, "timeout", clientTimeout, "overall verification timeout")
	return cmd
}
