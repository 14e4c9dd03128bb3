package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tymefrontier/gatekeeper/internal/client"
)

func newApproveCmd() *cobra.Command {
	var role string
	var principal string

	cmd := &cobra.Command{
		Use:   "approve ACTION_ID",
		Short: "Record an approval signature for a gated action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role is required")
			}
			cfg := getClientConfig(cmd)
			st, err := client.New(cfg.serverAddr, cfg.apiKey).Approve(cmd.Context(), args[0], role, principal)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Approver role as configured in the policy gate, e.g. engineer")
	cmd.Flags().StringVar(&principal, "principal", "", "Principal id (ignored when the server derives it from the API key)")
	return cmd
}
