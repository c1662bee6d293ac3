package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowpool/flowpool/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pool's container roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status, err := c.PoolStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get pool status: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if !status.Initialized {
			fmt.Println("Pool is not initialized")
			return nil
		}

		fmt.Printf("Pool: %d containers\n", status.PoolSize)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tHEALTHY\tBUSY")
		for _, ct := range status.Containers {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", ct.ID, ct.Name, ct.Healthy, ct.Busy)
		}
		w.Flush()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}
