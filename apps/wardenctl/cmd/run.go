package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wardenhq/warden/pkg/wapi/schemas"
	"github.com/wardenhq/warden/pkg/wsdk"
)

var (
	runModel     string
	runBackend   string
	runImage     string
	runThread    string
	runTimeout   int
	runTools     []string
	runArtifacts []string
	runNoStream  bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <prompt>",
	Short: "Execute a prompt in a sandbox",
	Long: `Execute a prompt in a fresh sandbox and wait for the result.

By default the agent's events stream to stdout as they happen.

Examples:
  # Run a prompt with the configured defaults
  wardenctl run "summarize the open issues"

  # Pick a model and backend, capture an artifact
  wardenctl run --model claude-haiku-4-5 --backend docker \
    --artifact /workspace/report.md "write a report"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		req := schemas.ExecuteRequest{
			Prompt:        args[0],
			ThreadID:      runThread,
			Model:         runModel,
			Backend:       runBackend,
			Image:         runImage,
			TimeoutSec:    runTimeout,
			AllowedTools:  runTools,
			ArtifactPaths: runArtifacts,
			Env:           cfg.Env,
		}
		if req.Model == "" {
			req.Model = cfg.Model
		}
		if req.Backend == "" {
			req.Backend = cfg.Backend
		}

		ctx := cmd.Context()
		var outcome *schemas.RunResponse
		if runNoStream {
			outcome, err = client.ExecuteRun(ctx, req)
		} else {
			outcome, err = client.ExecuteRunStream(ctx, req, printEvent)
		}
		if err != nil {
			return err
		}
		if outcome == nil {
			return fmt.Errorf("stream ended without an outcome")
		}

		fmt.Printf("\nRun %s: %s\n", outcome.ID, outcome.Status)
		if outcome.Result != "" {
			fmt.Printf("Result:\n%s\n", outcome.Result)
		}
		if outcome.Error != nil {
			fmt.Printf("Error (%s): %s\n", outcome.Error.Kind, outcome.Error.Message)
		}
		if outcome.Cost != nil {
			fmt.Printf("Cost: $%.4f (%d tool calls, %d turns)\n",
				outcome.Cost.Total, outcome.Stats.ToolCalls, outcome.Stats.Turns)
		}
		for _, a := range outcome.Artifacts {
			fmt.Printf("Artifact: %s (%d bytes)\n", a.Name, a.Size)
		}

		if outcome.Status != "succeeded" {
			os.Exit(1)
		}
		return nil
	},
}

// printEvent renders one stream line for the terminal.
func printEvent(line wsdk.StreamLine) {
	switch line.Type {
	case "text":
		var data struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(line.Data, &data) == nil {
			fmt.Print(data.Text)
		}
	case "tool_use":
		var data struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(line.Data, &data) == nil {
			fmt.Printf("\n[tool: %s]\n", data.Name)
		}
	case "error":
		var data struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(line.Data, &data) == nil {
			fmt.Fprintf(os.Stderr, "\n[error] %s\n", data.Message)
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runModel, "model", "", "Model identifier")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "Sandbox backend")
	runCmd.Flags().StringVar(&runImage, "image", "", "Sandbox image or template")
	runCmd.Flags().StringVar(&runThread, "thread", "", "Thread ID to attach the run to")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "Agent timeout in seconds")
	runCmd.Flags().StringSliceVar(&runTools, "tool", nil, "Allowed tool (repeatable)")
	runCmd.Flags().StringSliceVar(&runArtifacts, "artifact", nil, "Sandbox file to capture (repeatable)")
	runCmd.Flags().BoolVar(&runNoStream, "no-stream", false, "Wait for the result without streaming events")
}
