package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tymefrontier/gatekeeper/internal/client"
	"github.com/tymefrontier/gatekeeper/internal/contract"
	"github.com/tymefrontier/gatekeeper/pkg/types"
)

func newActionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Submit and inspect gated actions",
	}
	cmd.AddCommand(newActionSubmitCmd())
	cmd.AddCommand(newActionGetCmd())
	cmd.AddCommand(newActionListCmd())
	cmd.AddCommand(newActionResultCmd())
	return cmd
}

func newActionSubmitCmd() *cobra.Command {
	var req client.SubmitRequest
	var contractJSON string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an action for policy evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Class == "" {
				return fmt.Errorf("--class is required")
			}
			desc, err := parseContract(contractJSON)
			if err != nil {
				return err
			}
			req.Contract = desc

			cfg := getClientConfig(cmd)
			st, err := client.New(cfg.serverAddr, cfg.apiKey).SubmitAction(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, st); err != nil {
				return err
			}
			if st.State == types.StateDenied {
				return &ExitError{code: 3}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "Action id (server assigns one when empty)")
	cmd.Flags().StringVar(&req.AgentID, "agent", "", "Agent id (ignored when the server derives it from the API key)")
	cmd.Flags().StringVar(&req.Class, "class", "", "Action class, e.g. apply_patch")
	cmd.Flags().StringSliceVar(&req.TargetPaths, "path", nil, "Target path (repeatable)")
	cmd.Flags().StringSliceVar(&req.CommandTokens, "token", nil, "Command token (repeatable)")
	cmd.Flags().StringVar(&req.Node, "node", "", "Target node")
	cmd.Flags().Float64Var(&req.RiskScore, "risk", 0, "Advisory risk score")
	cmd.Flags().StringVar(&contractJSON, "contract", "", "Contract descriptor as JSON, or @file")
	return cmd
}

// parseContract accepts inline JSON or @path to a JSON file.
func parseContract(s string) (contract.Descriptor, error) {
	var d contract.Descriptor
	if s == "" {
		return d, fmt.Errorf("--contract is required")
	}
	raw := []byte(s)
	if strings.HasPrefix(s, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(s, "@"))
		if err != nil {
			return d, fmt.Errorf("read contract file: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("parse contract: %w", err)
	}
	return d, nil
}

func newActionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ACTION_ID",
		Short: "Show one action's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			st, err := client.New(cfg.serverAddr, cfg.apiKey).GetAction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func newActionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			out, err := client.New(cfg.serverAddr, cfg.apiKey).ListActions(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newActionResultCmd() *cobra.Command {
	var pass, fail bool
	var findings []string

	cmd := &cobra.Command{
		Use:   "result ACTION_ID",
		Short: "Report the execution outcome of an allowed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pass == fail {
				return fmt.Errorf("choose exactly one of --pass or --fail")
			}
			status := "fail"
			if pass {
				status = "pass"
			}
			cfg := getClientConfig(cmd)
			st, err := client.New(cfg.serverAddr, cfg.apiKey).ReportResult(cmd.Context(), args[0], types.ExecutionResult{
				Status:   status,
				Findings: findings,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().BoolVar(&pass, "pass", false, "Execution succeeded")
	cmd.Flags().BoolVar(&fail, "fail", false, "Execution failed")
	cmd.Flags().StringSliceVar(&findings, "finding", nil, "Finding (repeatable)")
	return cmd
}
