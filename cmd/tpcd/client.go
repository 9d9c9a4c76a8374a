package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/participant"
	"pkt.systems/tpcd/internal/router"
)

const maxErrorBody = 1 << 20

// apiClient issues single admin and participant requests against one node.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(endpoint string, h2c bool) (*apiClient, error) {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("endpoint %q must be an absolute URL", endpoint)
	}
	return &apiClient{base: endpoint, http: participant.NewTransportClient(h2c)}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		var errResp api.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&errResp); err != nil || errResp.ErrorCode == "" {
			return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
		}
		return failure.FromResponse(resp.StatusCode, errResp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type clientFlags struct {
	endpoint string
	timeout  time.Duration
	h2c      bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.endpoint, "endpoint", "e", "http://127.0.0.1:9340", "tpcd node URL")
	cmd.Flags().DurationVar(&f.timeout, "timeout", clientTimeout, "overall request timeout")
	cmd.Flags().BoolVar(&f.h2c, "h2c", false, "speak cleartext HTTP/2")
}

func (f *clientFlags) client(cmd *cobra.Command) (*apiClient, context.Context, context.CancelFunc, error) {
	c, err := newAPIClient(f.endpoint, f.h2c)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := contextWithTimeout(cmd, f.timeout)
	return c, ctx, cancel, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTxnFlags(lsid string, number uint64) (api.TxnID, error) {
	txn := api.TxnID{LSID: strings.TrimSpace(lsid), TxnNumber: number}
	if err := txn.Validate(); err != nil {
		return api.TxnID{}, err
	}
	return txn, nil
}

func newCommitCommand(logger pslog.Logger) *cobra.Command {
	var (
		endpoints    []string
		lsid         string
		txnNumber    uint64
		participants []string
		timeout      time.Duration
		h2c          bool
	)
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Run coordinateCommit for a transaction, following failover until a decision",
		Long: `Runs coordinateCommit against the given nodes. The command follows leader
hints and retries across failovers until the transaction commits or aborts.
Prints the decision; exits 2 when the transaction aborted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if lsid == "" {
				lsid = xid.New().String()
			}
			txn, err := parseTxnFlags(lsid, txnNumber)
			if err != nil {
				return err
			}
			client, err := router.NewClient(router.ClientConfig{
				Endpoints:  endpoints,
				HTTPClient: participant.NewTransportClient(h2c),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			ctx, cancel := contextWithTimeout(cmd, timeout)
			defer cancel()
			resp, err := client.CoordinateCommit(ctx, txn, participants)
			if router.IsAborted(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "abort txn=%s\n", txn)
				return exitCode(2)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "commit txn=%s commit_ts=%d source=%s\n", txn, resp.CommitTS, resp.Source)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&endpoints, "endpoint", "e", []string{"http://127.0.0.1:9340"}, "tpcd node URLs (repeatable)")
	cmd.Flags().StringVar(&lsid, "lsid", "", "logical session id (generated when empty)")
	cmd.Flags().Uint64Var(&txnNumber, "txn-number", 1, "transaction number within the session")
	cmd.Flags().StringSliceVarP(&participants, "participant", "p", nil, "participant id (repeatable, in order)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	cmd.Flags().BoolVar(&h2c, "h2c", false, "speak cleartext HTTP/2")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

func newParticipantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "participant",
		Aliases: []string{"p"},
		Short:   "Drive the participant shard of a node",
	}
	cmd.AddCommand(newParticipantStageCommand())
	cmd.AddCommand(newParticipantReadCommand())
	cmd.AddCommand(newParticipantAbortLocalCommand())
	cmd.AddCommand(newParticipantTxnsCommand())
	return cmd
}

func newParticipantStageCommand() *cobra.Command {
	var (
		flags     clientFlags
		lsid      string
		txnNumber uint64
	)
	cmd := &cobra.Command{
		Use:   "stage KEY JSON",
		Short: "Stage a write in a transaction (use null to delete on commit)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			txn, err := parseTxnFlags(lsid, txnNumber)
			if err != nil {
				return err
			}
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("value %q is not valid JSON", args[1])
			}
			c, ctx, cancel, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			var resp api.StageResponse
			req := api.StageRequest{Txn: txn, Key: args[0], Value: json.RawMessage(args[1])}
			if err := c.do(ctx, http.MethodPost, "/v1/participant/stage", req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&lsid, "lsid", "", "logical session id")
	cmd.Flags().Uint64Var(&txnNumber, "txn-number", 1, "transaction number within the session")
	_ = cmd.MarkFlagRequired("lsid")
	return cmd
}

func newParticipantReadCommand() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "read KEY",
		Short: "Read a committed document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, ctx, cancel, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			var resp api.DocumentResponse
			if err := c.do(ctx, http.MethodGet, "/v1/participant/documents/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	return cmd
}

func newParticipantAbortLocalCommand() *cobra.Command {
	var (
		flags     clientFlags
		lsid      string
		txnNumber uint64
	)
	cmd := &cobra.Command{
		Use:   "abort-local",
		Short: "Abort an unprepared transaction on the participant, as a client would before commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			txn, err := parseTxnFlags(lsid, txnNumber)
			if err != nil {
				return err
			}
			c, ctx, cancel, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			var resp api.AckResponse
			if err := c.do(ctx, http.MethodPost, "/v1/participant/txns/abort-local", api.AbortRequest{Txn: txn}, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&lsid, "lsid", "", "logical session id")
	cmd.Flags().Uint64Var(&txnNumber, "txn-number", 1, "transaction number within the session")
	_ = cmd.MarkFlagRequired("lsid")
	return cmd
}

func newParticipantTxnsCommand() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "txns",
		Short: "List the transactions known to the participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, ctx, cancel, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			var resp api.ParticipantTxnsResponse
			if err := c.do(ctx, http.MethodGet, "/v1/participant/txns", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	return cmd
}

func newStepDownCommand() *cobra.Command {
	var (
		flags clientFlags
		hold  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stepdown",
		Short: "Make a node release the failover lease and stay passive for --hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if hold < 0 {
				return fmt.Errorf("--hold must not be negative")
			}
			c, ctx, cancel, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			var resp api.StepDownResponse
			req := api.StepDownRequest{HoldSeconds: int64(hold / time.Second)}
			if err := c.do(ctx, http.MethodPost, "/v1/admin/stepdown", req, &resp); err != nil {
				return err
			}
			until := time.Unix(resp.HoldUntilUnix, 0)
			fmt.Fprintf(cmd.OutOrStdout(), "stepped_down=%t hold_until=%s\n", resp.SteppedDown, until.UTC().Format(time.RFC3339))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&hold, "hold", 10*time.Second, "refuse to re-claim the lease for this long")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the failover lease and live coordinators of a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, ctx, cancel, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			var ha api.HAStatusResponse
			if err := c.do(ctx, http.MethodGet, "/v1/ha/status", nil, &ha); err != nil {
				return err
			}
			var coordinators api.CoordinatorListResponse
			if err := c.do(ctx, http.MethodGet, "/v1/txn/coordinators", nil, &coordinators); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				HA           api.HAStatusResponse        `json:"ha"`
				Coordinators api.CoordinatorListResponse `json:"coordinators"`
			}{ha, coordinators})
		},
	}
	flags.register(cmd)
	return cmd
}

func newFailpointCommand() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "failpoint [NAME MODE]",
		Short: "List failpoints, or set one to hang, error or off",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or NAME MODE")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, ctx, cancel, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			var resp api.FailpointResponse
			if len(args) == 2 {
				req := api.FailpointRequest{Name: args[0], Mode: args[1]}
				err = c.do(ctx, http.MethodPost, "/v1/admin/failpoints", req, &resp)
			} else {
				err = c.do(ctx, http.MethodGet, "/v1/admin/failpoints", nil, &resp)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	return cmd
}
