package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trip-dispatch",
	Short: "trip dispatch and notification broadcast service",
	Long: `trip-dispatch accepts trip requests, broadcasts them to eligible drivers
in their own language until one accepts, and tracks the trip to completion.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
}

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
