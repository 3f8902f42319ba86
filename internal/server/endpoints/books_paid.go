package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/svcctx"
)

// PaidRequest is the payment processor's order snapshot.
type PaidRequest struct {
	ShippingAddress book.Address `json:"shipping_address"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
}

// PaidEndpoint handles POST /api/books/{id}/paid.
type PaidEndpoint struct{}

func (e *PaidEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/paid", e.handler
}

func (e *PaidEndpoint) RequiresInit() bool { return true }

func (e *PaidEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	var req PaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Currency == "" {
		writeError(w, http.StatusBadRequest, "currency is required")
		return
	}

	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}
	logger := svcctx.LoggerFrom(r.Context()).With("book_id", id)

	b, err := store.GetBook(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Payment events are redelivered; a paid book returns its order.
	existing, err := store.GetOrderByBook(r.Context(), id)
	switch {
	case err == nil && b.Status.Paid():
		writeJSON(w, http.StatusOK, existing)
		return
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		writeServiceError(w, err)
		return
	}

	if err := book.Transition(b.Status, book.StatusPaid); err != nil {
		writeServiceError(w, err)
		return
	}

	order := existing
	if order.ID == "" {
		order = book.Order{
			ID:              uuid.NewString(),
			BookID:          id,
			ShippingAddress: req.ShippingAddress,
			Amount:          req.Amount,
			Currency:        req.Currency,
			Status:          book.OrderPaid,
		}
		if err := store.CreateOrder(r.Context(), order); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if _, err := store.AdvanceStatus(r.Context(), id, book.StatusPaid); err != nil {
		writeServiceError(w, err)
		return
	}
	logger.Info("payment recorded", "order_id", order.ID, "amount", order.Amount, "currency", order.Currency)

	saved, err := store.GetOrderByBook(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (e *PaidEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "paid <id> <order.json>",
		Short: "Record payment for a book",
		Long: `Records a payment event. The order file holds the shipping address,
amount (minor units) and currency, e.g.

  {"shipping_address": {"name": "...", "line1": "...", "city": "...",
    "region": "CA", "postal_code": "94110", "country": "US"},
   "amount": 4900, "currency": "USD"}`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read order: %w", err)
			}
			var req PaidRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("failed to parse order: %w", err)
			}
			client := api.NewClient(getServerURL())
			var resp book.Order
			if err := client.Post(cmd.Context(), "/api/books/"+args[0]+"/paid", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
