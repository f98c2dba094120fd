package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/wardenhq/warden/pkg/wsdk"
)

type contextKey string

const configContextKey contextKey = "wardenconfig"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "wardenctl",
		Short: "CLI for the warden controller (runs, sessions, health)",
		Long: `wardenctl is a command-line tool for a running warden controller.
It submits prompts for sandboxed execution, follows the event stream,
lists and cancels runs, and checks controller health. Configuration
comes from warden.yaml, .warden/config.yaml, and WARDEN_* environment
variables; flags override both.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := wsdk.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			if err := cfg.Viper().BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			ctx := context.WithValue(cmd.Context(), configContextKey, cfg)
			cmd.SetContext(ctx)

			return nil
		},
	}
)

// GetConfig retrieves the Config from the command context.
func GetConfig(cmd *cobra.Command) (*wsdk.Config, error) {
	cfg, ok := cmd.Context().Value(configContextKey).(*wsdk.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

func newClient(cmd *cobra.Command) (*wsdk.Client, error) {
	cfg, err := GetConfig(cmd)
	if err != nil {
		return nil, err
	}
	client := wsdk.NewClient(cfg)
	// Bound flags override file config.
	if v := cfg.GetString("base-url"); v != "" {
		client.BaseURL = v
	}
	if v := cfg.GetString("token"); v != "" {
		client.Token = v
	}
	return client, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML). Searches: warden.yaml, .warden/config.yaml")
	rootCmd.PersistentFlags().String("base-url", "", "Base URL for the warden controller (overrides config)")
	rootCmd.PersistentFlags().String("token", "", "Bearer token (overrides config)")
}
