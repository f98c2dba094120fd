package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an active run",
	Long: `Cancel an active run and kill its sandbox.

Canceling a run that already finished is a no-op and succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		if err := client.CancelRun(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Run %s canceled.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
