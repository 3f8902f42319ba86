package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/svcctx"
)

// BookMetricsEndpoint handles GET /api/books/{id}/metrics.
type BookMetricsEndpoint struct{}

func (e *BookMetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books/{id}/metrics", e.handler
}

func (e *BookMetricsEndpoint) RequiresInit() bool { return true }

func (e *BookMetricsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	recorder := svcctx.RecorderFrom(r.Context())
	if recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not initialized")
		return
	}

	report, err := recorder.Report(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (e *BookMetricsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <id>",
		Short: "Show generation call metrics for a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp metrics.BookReport
			if err := client.Get(cmd.Context(), "/api/books/"+args[0]+"/metrics", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
