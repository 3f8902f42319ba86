package endpoints

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/fulfillment"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/svcctx"
)

// DispatchRequest overrides fields of the paid order. Empty fields fall
// back to the order snapshot.
type DispatchRequest struct {
	ShippingAddress  *book.Address `json:"shipping_address,omitempty"`
	Currency         string        `json:"currency,omitempty"`
	OrderReferenceID string        `json:"order_reference_id,omitempty"`
}

// DispatchResponse is returned after a vendor accepts an order.
type DispatchResponse struct {
	BookID string                  `json:"book_id"`
	Mode   string                  `json:"mode"`
	Order  fulfillment.VendorOrder `json:"order"`
}

// DispatchEndpoint handles POST /api/books/{id}/fulfillment.
type DispatchEndpoint struct{}

func (e *DispatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/fulfillment", e.handler
}

func (e *DispatchEndpoint) RequiresInit() bool { return true }

func (e *DispatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	store := svcctx.StoreFrom(r.Context())
	dispatcher := svcctx.DispatcherFrom(r.Context())
	if store == nil || dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not initialized")
		return
	}

	params := fulfillment.Params{BookID: id}
	order, err := store.GetOrderByBook(r.Context(), id)
	switch {
	case err == nil:
		params = fulfillment.ParamsFromOrder(order)
	case !errors.Is(err, storage.ErrNotFound):
		writeServiceError(w, err)
		return
	}
	if req.ShippingAddress != nil {
		params.ShippingAddress = *req.ShippingAddress
	}
	if req.Currency != "" {
		params.Currency = req.Currency
	}
	if req.OrderReferenceID != "" {
		params.OrderReferenceID = req.OrderReferenceID
	}

	if params.OrderReferenceID == "" || params.ShippingAddress.Line1 == "" {
		writeError(w, http.StatusBadRequest, "book has no paid order; shipping_address and order_reference_id are required")
		return
	}

	vo, err := dispatcher.Dispatch(r.Context(), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DispatchResponse{BookID: id, Mode: dispatcher.Mode(), Order: vo})
}

func (e *DispatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <id>",
		Short: "Send a book's PDF to the print vendor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp DispatchResponse
			if err := client.Post(cmd.Context(), "/api/books/"+args[0]+"/fulfillment", DispatchRequest{}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// RefreshFulfillmentEndpoint handles POST /api/books/{id}/fulfillment/refresh.
type RefreshFulfillmentEndpoint struct{}

func (e *RefreshFulfillmentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/fulfillment/refresh", e.handler
}

func (e *RefreshFulfillmentEndpoint) RequiresInit() bool { return true }

func (e *RefreshFulfillmentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	dispatcher := svcctx.DispatcherFrom(r.Context())
	if dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not initialized")
		return
	}

	vo, err := dispatcher.Refresh(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DispatchResponse{BookID: id, Mode: dispatcher.Mode(), Order: vo})
}

func (e *RefreshFulfillmentEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <id>",
		Short: "Poll the print vendor for a dispatched book's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp DispatchResponse
			if err := client.Post(cmd.Context(), "/api/books/"+args[0]+"/fulfillment/refresh", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
