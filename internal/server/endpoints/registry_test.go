package endpoints

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/assemble"
	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/fulfillment"
	"github.com/jackzampolin/storyshelf/internal/pageset"
	"github.com/jackzampolin/storyshelf/internal/pipeline"
	"github.com/jackzampolin/storyshelf/internal/storage"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("book b1: %w", storage.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: missing pages", pageset.ErrInvalidStory), http.StatusBadRequest},
		{pipeline.ErrNotPaid, http.StatusPaymentRequired},
		{pipeline.ErrAlreadyRunning, http.StatusConflict},
		{pipeline.ErrNothingToGenerate, http.StatusConflict},
		{fmt.Errorf("%w: draft -> paid", book.ErrIllegalTransition), http.StatusConflict},
		{book.ErrPageSetMismatch, http.StatusConflict},
		{assemble.ErrNotReady, http.StatusConflict},
		{fulfillment.ErrNotReady, http.StatusConflict},
		{fulfillment.ErrDocumentMismatch, http.StatusConflict},
		{book.ErrStoryLocked, http.StatusConflict},
		{fulfillment.ErrNotConfigured, http.StatusServiceUnavailable},
		{&fulfillment.VendorError{StatusCode: 400, Body: "bad address"}, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}

func TestWriteServiceError_VendorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, fmt.Errorf("dispatch: %w", &fulfillment.VendorError{StatusCode: 422, Body: `{"detail":"invalid postcode"}`}))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{
		"error": "dispatch: vendor returned 422: {\"detail\":\"invalid postcode\"}",
		"vendor_status": 422,
		"vendor_body": "{\"detail\":\"invalid postcode\"}"
	}`, rec.Body.String())
}

func TestAll_UniqueRoutes(t *testing.T) {
	seen := map[string]bool{}
	for _, ep := range All() {
		method, path, handler := ep.Route()
		key := method + " " + path
		assert.False(t, seen[key], "duplicate route %s", key)
		assert.NotNil(t, handler)
		assert.NotNil(t, ep.Command(func() string { return "http://localhost:8080" }))
		seen[key] = true
	}
	assert.True(t, seen["POST /api/books/{id}/fulfillment/refresh"])
	assert.True(t, seen["GET /ready"])
}
