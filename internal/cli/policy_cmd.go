package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tymefrontier/gatekeeper/internal/client"
	"github.com/tymefrontier/gatekeeper/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and manage policy documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a policy document locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := policy.LoadFromFile(args[0])
			if err != nil {
				return &ExitError{code: 2, message: err.Error()}
			}
			// Compilation catches bad path globs that plain validation misses.
			if _, err := policy.NewEngine(doc); err != nil {
				return &ExitError{code: 2, message: err.Error()}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%d: ok\n", doc.Name, doc.Version)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the server's active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			out, err := client.New(cfg.serverAddr, cfg.apiKey).GetPolicy(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Reload the server's policy from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			out, err := client.New(cfg.serverAddr, cfg.apiKey).ReloadPolicy(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	})

	return cmd
}
