package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var baseURL string

var rootCmd = &cobra.Command{
	Use:   "flowpool",
	Short: "flowpool CLI - Run flows on the container pool",
	Long: `flowpool is a command-line tool for the flowpool execution service.

It submits JavaScript flows to the pool and inspects the pool's container
roster. Flow code is read from a file or stdin; input is passed as JSON.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("FLOWPOOL_URL", "http://localhost:8080"), "flowpool API base URL")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
