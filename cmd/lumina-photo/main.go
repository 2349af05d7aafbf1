// Package main is the entry point for the lumina-photo binary.
// It serves the photo generation API and offers retention and token tooling.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/config"
)

func main() {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for lumina-photo.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lumina-photo",
		Short: "Real estate photo generation service",
		Long: `Accepts batches of listing photos, stores them, asks an image generation
service for an enhanced version of each and tracks every item through review.

Configuration is read from an optional YAML file and LUMINA_* environment
variables, which take precedence. A .env file in the working directory is
loaded first.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")

	rootCmd.AddCommand(newServeCmd(), newRetentionCmd(), newTokenCmd())
	return rootCmd
}

// loadConfig loads the file named by --config, or defaults plus environment
// overrides when no file is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	return config.Load(path)
}
