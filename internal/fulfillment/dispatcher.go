// Package fulfillment submits assembled books to the print vendor.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/telemetry"
)

// VendorShipped is the vendor status for a shipped order.
const VendorShipped = "shipped"

const maxErrorBody = 64 << 10

var (
	// ErrNotReady is returned when the book has no document to print.
	ErrNotReady = errors.New("book is not ready for fulfillment")
	// ErrNotDispatched is returned when refreshing a book with no vendor order.
	ErrNotDispatched = errors.New("book has not been dispatched")
	// ErrNotConfigured is returned when no vendor endpoint is set.
	ErrNotConfigured = errors.New("fulfillment vendor is not configured")
	// ErrDocumentMismatch is returned when a dispatch names a document other
	// than the book's assembled PDF.
	ErrDocumentMismatch = errors.New("document is not the book's assembled pdf")
)

// VendorError is a non-2xx vendor response.
type VendorError struct {
	StatusCode int
	Body       string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor returned %d: %s", e.StatusCode, e.Body)
}

// Params describes one dispatch.
type Params struct {
	BookID           string          `json:"book_id"`
	DocumentRef      *book.ObjectRef `json:"document_ref,omitempty"` // must match the book's document when set
	ShippingAddress  book.Address    `json:"shipping_address"`
	Currency         string          `json:"currency"`
	OrderReferenceID string          `json:"order_reference_id"`
}

// ParamsFromOrder builds dispatch params from a paid order.
func ParamsFromOrder(o book.Order) Params {
	return Params{
		BookID:           o.BookID,
		ShippingAddress:  o.ShippingAddress,
		Currency:         o.Currency,
		OrderReferenceID: o.ID,
	}
}

// VendorOrder is the vendor's view of an order.
type VendorOrder struct {
	ID          string `json:"id"`
	Status      string `json:"fulfillment_status"`
	TrackingURL string `json:"tracking_url,omitempty"`
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Books      storage.BookStore
	Orders     storage.OrderStore
	Signer     *objstore.Signer
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Dispatcher submits orders and polls their status. Orders are never
// retried automatically.
type Dispatcher struct {
	env      Env
	minPages int
	books    storage.BookStore
	orders   storage.OrderStore
	signer   *objstore.Signer
	client   *http.Client
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(e Env, minPages int, deps Deps) *Dispatcher {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: e.Timeout}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		env:      e,
		minPages: minPages,
		books:    deps.Books,
		orders:   deps.Orders,
		signer:   deps.Signer,
		client:   client,
		logger:   logger,
	}
}

// Mode returns the configured submission mode.
func (d *Dispatcher) Mode() string {
	if d.env.Draft() {
		return ModeDraft
	}
	return ModeOrder
}

// Dispatch submits the book's document for printing and advances the book
// to printing, or printing_test in draft mode. Vendor failures return a
// *VendorError and leave state untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, p Params) (VendorOrder, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "fulfillment.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("book_id", p.BookID), attribute.String("mode", d.Mode()))

	if !d.env.Configured() {
		return VendorOrder{}, ErrNotConfigured
	}
	b, err := d.books.GetBook(ctx, p.BookID)
	if err != nil {
		return VendorOrder{}, err
	}
	if b.Status != book.StatusPDFReady && b.Status != book.StatusPrintingTest {
		return VendorOrder{}, fmt.Errorf("%w: book %s is %s", ErrNotReady, b.ID, b.Status)
	}
	if b.PDF == nil || b.PDF.IsZero() {
		return VendorOrder{}, fmt.Errorf("%w: book %s has no document", ErrNotReady, b.ID)
	}
	// FinalPageCount describes b.PDF only.
	if p.DocumentRef != nil && *p.DocumentRef != *b.PDF {
		return VendorOrder{}, fmt.Errorf("%w: %s is not %s", ErrDocumentMismatch, p.DocumentRef, b.PDF)
	}

	signed, err := d.signer.Sign(*b.PDF, objstore.VendorURLTTL)
	if err != nil {
		return VendorOrder{}, err
	}
	payload := BuildPayload(b, p, signed.URL, d.env, d.minPages)

	path := "/orders"
	next := book.StatusPrinting
	if d.env.Draft() {
		path = "/orders/draft"
		next = book.StatusPrintingTest
	}

	var vo VendorOrder
	if err := d.do(ctx, http.MethodPost, path, payload, &vo); err != nil {
		d.logger.Error("vendor rejected order", "book_id", b.ID, "mode", d.Mode(), "error", err)
		span.RecordError(err)
		return VendorOrder{}, err
	}

	if _, err := d.books.SetVendorOrder(ctx, b.ID, storage.VendorUpdate{OrderID: vo.ID, Status: vo.Status, Next: next}); err != nil {
		return VendorOrder{}, fmt.Errorf("failed to persist vendor order %s: %w", vo.ID, err)
	}
	if p.OrderReferenceID != "" && !d.env.Draft() {
		if err := d.orders.UpdateOrder(ctx, p.OrderReferenceID, book.OrderSubmitted, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return VendorOrder{}, fmt.Errorf("failed to update order: %w", err)
		}
	}

	d.logger.Info("order dispatched", "book_id", b.ID, "vendor_order_id", vo.ID, "mode", d.Mode(), "pages", payload.LineItems[0].PageCount)
	return vo, nil
}

// Refresh polls the vendor for a dispatched book and records the status.
// A shipped order stores its tracking URL and moves the book to shipped.
func (d *Dispatcher) Refresh(ctx context.Context, bookID string) (VendorOrder, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "fulfillment.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("book_id", bookID))

	if !d.env.Configured() {
		return VendorOrder{}, ErrNotConfigured
	}
	b, err := d.books.GetBook(ctx, bookID)
	if err != nil {
		return VendorOrder{}, err
	}
	if b.VendorOrderID == "" {
		return VendorOrder{}, fmt.Errorf("%w: %s", ErrNotDispatched, bookID)
	}

	var vo VendorOrder
	if err := d.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(b.VendorOrderID), nil, &vo); err != nil {
		span.RecordError(err)
		return VendorOrder{}, err
	}

	update := storage.VendorUpdate{Status: vo.Status}
	shipped := strings.EqualFold(vo.Status, VendorShipped) && b.Status == book.StatusPrinting
	if shipped {
		update.TrackingURL = vo.TrackingURL
		update.Next = book.StatusShipped
	}
	if _, err := d.books.SetVendorOrder(ctx, bookID, update); err != nil {
		return VendorOrder{}, fmt.Errorf("failed to persist vendor status: %w", err)
	}
	if shipped {
		order, err := d.orders.GetOrderByBook(ctx, bookID)
		switch {
		case err == nil:
			if err := d.orders.UpdateOrder(ctx, order.ID, book.OrderShipped, vo.TrackingURL); err != nil {
				return VendorOrder{}, fmt.Errorf("failed to update order: %w", err)
			}
		case !errors.Is(err, storage.ErrNotFound):
			return VendorOrder{}, err
		}
		d.logger.Info("order shipped", "book_id", bookID, "vendor_order_id", b.VendorOrderID)
	}
	return vo, nil
}

// do sends one vendor request and decodes a 2xx JSON response into out.
func (d *Dispatcher) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode vendor request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(d.env.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create vendor request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.env.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.env.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("vendor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &VendorError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode vendor response: %w", err)
	}
	return nil
}
