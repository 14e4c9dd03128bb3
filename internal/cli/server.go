package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/tymefrontier/gatekeeper/internal/config"
	"github.com/tymefrontier/gatekeeper/internal/server"
)

func newServerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the gatekeeper server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}

			s, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to server config YAML (default: ./config.yml, ./config.yaml, or /etc/gatekeeper/config.yaml)")
	return cmd
}

func defaultConfigPath() string {
	if v := os.Getenv("GATEKEEPER_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{
		"config.yml",
		"config.yaml",
		"/etc/gatekeeper/config.yaml",
		"/etc/gatekeeper/config.yml",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	// No config file anywhere: run on defaults plus env overrides.
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
