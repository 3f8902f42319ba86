package endpoints

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/pipeline"
	"github.com/jackzampolin/storyshelf/internal/svcctx"
)

// GenerateImagesResponse is returned when a generation phase is accepted.
type GenerateImagesResponse struct {
	BookID string         `json:"book_id"`
	Phase  pipeline.Phase `json:"phase"`
}

// GenerateImagesEndpoint handles POST /api/books/{id}/images.
type GenerateImagesEndpoint struct{}

func (e *GenerateImagesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/images", e.handler
}

func (e *GenerateImagesEndpoint) RequiresInit() bool { return true }

func (e *GenerateImagesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	orchestrator := svcctx.OrchestratorFrom(r.Context())
	if orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	phase, err := orchestrator.GenerateImages(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, GenerateImagesResponse{BookID: id, Phase: phase})
}

func (e *GenerateImagesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "generate <id>",
		Short: "Start the next image generation phase for a book",
		Long: `Starts the teaser phase for unpaid books or the full phase for paid
books. Generation runs in the background; use "books watch" to follow it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp GenerateImagesResponse
			if err := client.Post(cmd.Context(), "/api/books/"+args[0]+"/images", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ImageRecordView is an audit record with a freshly signed URL.
type ImageRecordView struct {
	book.ImageRecord
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ListImageRecordsResponse is the response for GET /api/books/{id}/images.
type ListImageRecordsResponse struct {
	Records []ImageRecordView `json:"records"`
}

// ListImageRecordsEndpoint handles GET /api/books/{id}/images.
type ListImageRecordsEndpoint struct{}

func (e *ListImageRecordsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books/{id}/images", e.handler
}

func (e *ListImageRecordsEndpoint) RequiresInit() bool { return true }

func (e *ListImageRecordsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	store := svcctx.StoreFrom(r.Context())
	signer := svcctx.SignerFrom(r.Context())
	if store == nil || signer == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	if _, err := store.GetBook(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	records, err := store.ListImageRecords(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := ListImageRecordsResponse{Records: make([]ImageRecordView, 0, len(records))}
	for _, rec := range records {
		signed, err := signer.Sign(rec.Ref, objstore.PageURLTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to sign %s: %v", rec.Ref, err))
			return
		}
		resp.Records = append(resp.Records, ImageRecordView{
			ImageRecord: rec,
			URL:         signed.URL,
			ExpiresAt:   signed.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListImageRecordsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "images <id>",
		Short: "List persisted images for a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListImageRecordsResponse
			if err := client.Get(cmd.Context(), "/api/books/"+args[0]+"/images", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
