package endpoints

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/svcctx"
)

// maxPhotoBytes bounds photo uploads.
const maxPhotoBytes = 10 << 20

// photoTypes maps accepted sniffed content types to file extensions.
var photoTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// UploadResponse names a stored photo. Photo is the value a story's photo
// field takes.
type UploadResponse struct {
	Ref         book.ObjectRef `json:"ref"`
	Photo       string         `json:"photo"`
	ContentType string         `json:"content_type"`
	Bytes       int            `json:"bytes"`
}

// UploadPhotoEndpoint handles POST /api/uploads.
type UploadPhotoEndpoint struct{}

func (e *UploadPhotoEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/uploads", e.handler
}

func (e *UploadPhotoEndpoint) RequiresInit() bool { return true }

func (e *UploadPhotoEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	objects := svcctx.ObjectsFrom(r.Context())
	if objects == nil {
		writeError(w, http.StatusServiceUnavailable, "object store not initialized")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxPhotoBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(data) > maxPhotoBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "photo exceeds 10MB")
		return
	}
	contentType := http.DetectContentType(data)
	ext, ok := photoTypes[contentType]
	if !ok {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported photo type %s", contentType))
		return
	}

	ref, err := objects.Put(r.Context(), objstore.UploadPath(uuid.NewString(), ext), data)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	svcctx.LoggerFrom(r.Context()).Info("photo uploaded", "ref", ref.String(), "bytes", len(data))
	writeJSON(w, http.StatusCreated, UploadResponse{
		Ref:         ref,
		Photo:       ref.String(),
		ContentType: contentType,
		Bytes:       len(data),
	})
}

func (e *UploadPhotoEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <photo>",
		Short: "Upload a photo for a story's first page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read photo: %w", err)
			}
			client := api.NewClient(getServerURL())
			var resp UploadResponse
			if err := client.PostRaw(cmd.Context(), "/api/uploads", raw, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
