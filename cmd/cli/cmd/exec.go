package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowpool/flowpool/pkg/client"
	"github.com/flowpool/flowpool/pkg/types"
)

var execCmd = &cobra.Command{
	Use:   "exec [flow-file]",
	Short: "Execute a flow on the pool",
	Long: `Execute a JavaScript flow on the container pool. The flow code is read
from the given file, or from stdin when no file (or "-") is passed.
Example: flowpool exec flow.js --input '{"message":"Pool Test"}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readCode(args)
		if err != nil {
			return err
		}

		input, err := readInput(cmd)
		if err != nil {
			return err
		}

		flowID, _ := cmd.Flags().GetString("flow-id")
		timeoutMs, _ := cmd.Flags().GetInt64("timeout")

		c := client.NewClient(baseURL)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		result, err := c.ExecuteFlow(ctx, code, input, types.ExecutionConfig{
			FlowID:    flowID,
			TimeoutMs: timeoutMs,
		})
		if err != nil {
			return fmt.Errorf("failed to execute flow: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(data))
			if !result.Success {
				return fmt.Errorf("flow failed: %s", result.Error)
			}
			return nil
		}

		if !result.Success {
			return fmt.Errorf("flow failed (%dms): %s", result.Meta.DurationMs, result.Error)
		}

		// Result value to stdout, status line to stderr so pipes stay clean.
		if len(result.Result) > 0 {
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, result.Result, "", "  "); err == nil {
				fmt.Println(pretty.String())
			} else {
				fmt.Println(string(result.Result))
			}
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ completed in %dms on %s\n",
			result.Meta.DurationMs, result.Meta.ContainerID)

		return nil
	},
}

func readCode(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("read flow file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func readInput(cmd *cobra.Command) (json.RawMessage, error) {
	inputStr, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	var raw []byte
	switch {
	case inputFile != "":
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		raw = data
	case inputStr != "":
		raw = []byte(inputStr)
	default:
		return nil, nil
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().String("input", "", "Flow input as a JSON string")
	execCmd.Flags().String("input-file", "", "Read flow input from a JSON file")
	execCmd.Flags().String("flow-id", "", "Flow identifier attached to the execution")
	execCmd.Flags().Int64("timeout", 0, "Per-flow timeout in milliseconds (0 uses the pool default)")
	execCmd.Flags().Bool("json", false, "Output the full execution result as JSON")
}
