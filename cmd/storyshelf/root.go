package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "storyshelf",
	Short: "Personalized storybook illustration and print fulfillment",
	Long: `Storyshelf turns a short story into an illustrated, print-ready picture book.

The pipeline includes:
  - Page set construction from story text
  - Anchor portraits for consistent characters
  - Racing image generation with bounded retries
  - A free teaser before payment, the full book after
  - PDF assembly padded to the print minimum
  - Print vendor dispatch in draft or live mode`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.storyshelf/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "storyshelf home directory (default: ~/.storyshelf)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
