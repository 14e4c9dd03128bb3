package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tymefrontier/gatekeeper/internal/client"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query and verify the audit ledger",
	}
	cmd.AddCommand(newLedgerQueryCmd())
	cmd.AddCommand(newLedgerVerifyCmd())
	return cmd
}

func newLedgerQueryCmd() *cobra.Command {
	var actionID, kind, since, until, order string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if actionID != "" {
				q.Set("action_id", actionID)
			}
			if kind != "" {
				q.Set("kind", kind)
			}
			if since != "" {
				q.Set("since", since)
			}
			if until != "" {
				q.Set("until", until)
			}
			if order != "" {
				q.Set("order", order)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			cfg := getClientConfig(cmd)
			entries, err := client.New(cfg.serverAddr, cfg.apiKey).QueryLedger(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "Filter by action id")
	cmd.Flags().StringVar(&kind, "kind", "", "Comma-separated entry kinds, e.g. decision,approval")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 timestamp or relative duration like 1h")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 timestamp or relative duration like 5m")
	cmd.Flags().StringVar(&order, "order", "", "asc for oldest first")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip entries")
	return cmd
}

func newLedgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify ledger chain integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			out, err := client.New(cfg.serverAddr, cfg.apiKey).VerifyLedger(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if ok, _ := out["ok"].(bool); !ok {
				return &ExitError{code: 4, message: fmt.Sprintf("chain verification failed at seq %v", out["bad_seq"])}
			}
			return nil
		},
	}
}
