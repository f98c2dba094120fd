package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	runsThread string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		runs, err := client.ListRuns(cmd.Context(), runsThread, runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tMODEL\tSTARTED\tCOST")
		for _, run := range runs {
			total := 0.0
			if run.Cost != nil {
				total = run.Cost.Total
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\n",
				run.ID, run.Status, run.Model, run.StartedAt, total)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().StringVar(&runsThread, "thread", "", "List runs in this thread instead of your own")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "Maximum number of runs")
}
