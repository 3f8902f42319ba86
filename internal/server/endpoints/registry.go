package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/assemble"
	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/fulfillment"
	"github.com/jackzampolin/storyshelf/internal/pageset"
	"github.com/jackzampolin/storyshelf/internal/pipeline"
	"github.com/jackzampolin/storyshelf/internal/storage"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},

		// Book endpoints
		&UploadPhotoEndpoint{},
		&CreateBookEndpoint{},
		&ListBooksEndpoint{},
		&GetBookEndpoint{},
		&RebuildBookEndpoint{},

		// Generation endpoints
		&GenerateImagesEndpoint{},
		&ListImageRecordsEndpoint{},
		&BookMetricsEndpoint{},

		// Payment and fulfillment endpoints
		&PaidEndpoint{},
		&GeneratePDFEndpoint{},
		&DispatchEndpoint{},
		&RefreshFulfillmentEndpoint{},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var verr *fulfillment.VendorError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadGateway
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pageset.ErrInvalidStory), errors.Is(err, pageset.ErrMissingStoryPages):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotPaid):
		return http.StatusPaymentRequired
	case errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, book.ErrIllegalTransition),
		errors.Is(err, book.ErrPageSetMismatch),
		errors.Is(err, book.ErrStoryLocked),
		errors.Is(err, pipeline.ErrAlreadyRunning),
		errors.Is(err, pipeline.ErrNothingToGenerate),
		errors.Is(err, assemble.ErrNotReady),
		errors.Is(err, fulfillment.ErrNotReady),
		errors.Is(err, fulfillment.ErrNotDispatched),
		errors.Is(err, fulfillment.ErrDocumentMismatch):
		return http.StatusConflict
	case errors.Is(err, fulfillment.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status statusFor assigns.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *fulfillment.VendorError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadGateway, VendorErrorResponse{
			Error:        err.Error(),
			VendorStatus: verr.StatusCode,
			VendorBody:   verr.Body,
		})
		return
	}
	writeError(w, statusFor(err), err.Error())
}

// VendorErrorResponse carries the vendor's raw rejection.
type VendorErrorResponse struct {
	Error        string `json:"error"`
	VendorStatus int    `json:"vendor_status"`
	VendorBody   string `json:"vendor_body"`
}
