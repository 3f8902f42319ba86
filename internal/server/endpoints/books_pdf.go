package endpoints

import (
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/assemble"
	"github.com/jackzampolin/storyshelf/internal/svcctx"
)

// GeneratePDFEndpoint handles POST /api/books/{id}/pdf.
type GeneratePDFEndpoint struct{}

func (e *GeneratePDFEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/pdf", e.handler
}

func (e *GeneratePDFEndpoint) RequiresInit() bool { return true }

func (e *GeneratePDFEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = parsed
	}

	assembler := svcctx.AssemblerFrom(r.Context())
	if assembler == nil {
		writeError(w, http.StatusServiceUnavailable, "assembler not initialized")
		return
	}

	res, err := assembler.Assemble(r.Context(), id, force)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (e *GeneratePDFEndpoint) Command(getServerURL func() string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "pdf <id>",
		Short: "Assemble the print-ready PDF for an illustrated book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/books/" + args[0] + "/pdf"
			if force {
				path += "?force=true"
			}
			client := api.NewClient(getServerURL())
			var resp assemble.Result
			if err := client.Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Re-render even if a document exists")
	return cmd
}
