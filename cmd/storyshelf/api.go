package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running storyshelf server via HTTP.

These commands require a running server (storyshelf serve).
Use --server to specify a custom server URL.

Examples:
  storyshelf api health                       # Check server health
  storyshelf api books create story.json      # Create a book
  storyshelf api books generate <id>          # Paint the teaser (or full book once paid)
  storyshelf api books watch <id>             # Follow generation progress`,
}

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "Book management commands",
}

var fulfillmentCmd = &cobra.Command{
	Use:   "fulfillment",
	Short: "Print vendor commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))

	// Books as subcommand group
	booksCmd.AddCommand((&endpoints.UploadPhotoEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.CreateBookEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.ListBooksEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.GetBookEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.RebuildBookEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.GenerateImagesEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.ListImageRecordsEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.BookMetricsEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.PaidEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand((&endpoints.GeneratePDFEndpoint{}).Command(getServerURL))
	booksCmd.AddCommand(endpoints.WatchCommand(getServerURL))

	// Fulfillment as subcommand group
	fulfillmentCmd.AddCommand((&endpoints.DispatchEndpoint{}).Command(getServerURL))
	fulfillmentCmd.AddCommand((&endpoints.RefreshFulfillmentEndpoint{}).Command(getServerURL))

	apiCmd.AddCommand(booksCmd)
	apiCmd.AddCommand(fulfillmentCmd)
	rootCmd.AddCommand(apiCmd)
}
