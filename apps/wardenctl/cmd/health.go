package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the controller is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		backends, err := client.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("controller unreachable: %w", err)
		}

		fmt.Printf("Controller: %s\n", client.BaseURL)
		fmt.Printf("Status: ok\n")
		fmt.Printf("Backends: %s\n", strings.Join(backends, ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
