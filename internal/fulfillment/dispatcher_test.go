package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/storage/memory"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type vendorCall struct {
	Method string
	Path   string
	Auth   string
	Body   []byte
}

type fakeVendor struct {
	mu     sync.Mutex
	calls  []vendorCall
	status int
	reply  string
}

func (v *fakeVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	v.mu.Lock()
	v.calls = append(v.calls, vendorCall{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
	status, reply := v.status, v.reply
	v.mu.Unlock()
	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	io.WriteString(w, reply)
}

func (v *fakeVendor) Calls() []vendorCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vendorCall(nil), v.calls...)
}

func (v *fakeVendor) set(status int, reply string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status, v.reply = status, reply
}

type fixture struct {
	d      *Dispatcher
	vendor *fakeVendor
	store  *memory.Store
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	vendor := &fakeVendor{reply: `{"id":"v-100","fulfillment_status":"created"}`}
	srv := httptest.NewServer(vendor)
	t.Cleanup(srv.Close)

	signer, err := objstore.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "https://books.example", func() time.Time { return fixedNow })
	require.NoError(t, err)

	store := memory.New()
	ctx := context.Background()
	pdf := book.ObjectRef{Store: objstore.LocalStoreName, Path: objstore.DocumentPath("b1", "r1")}
	require.NoError(t, store.CreateBook(ctx, &book.Book{
		ID:             "b1",
		Status:         book.StatusPDFReady,
		PDF:            &pdf,
		FinalPageCount: 28,
		Metadata:       book.Metadata{Title: "Ada and the Fox", LeadName: "Ada"},
	}))
	require.NoError(t, store.CreateOrder(ctx, book.Order{ID: "ord-1", BookID: "b1", ShippingAddress: testAddress(), Currency: "CAD", Status: book.OrderPaid}))

	e := testEnv()
	e.Mode = mode
	e.BaseURL = srv.URL
	e.APIKey = "vendor-key"
	d := NewDispatcher(e, 28, Deps{Books: store, Orders: store, Signer: signer})
	return &fixture{d: d, vendor: vendor, store: store}
}

func (f *fixture) params(t *testing.T) Params {
	t.Helper()
	o, err := f.store.GetOrderByBook(context.Background(), "b1")
	require.NoError(t, err)
	return ParamsFromOrder(o)
}

func TestDispatch_OrderMode(t *testing.T) {
	f := newFixture(t, ModeOrder)
	ctx := context.Background()

	vo, err := f.d.Dispatch(ctx, f.params(t))
	require.NoError(t, err)
	assert.Equal(t, "v-100", vo.ID)

	require.Len(t, f.vendor.Calls(), 1)
	call := f.vendor.Calls()[0]
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "/orders", call.Path)
	assert.Equal(t, "Bearer vendor-key", call.Auth)

	var sent Payload
	require.NoError(t, json.Unmarshal(call.Body, &sent))
	assert.Equal(t, 28, sent.LineItems[0].PageCount)
	assert.Equal(t, "QC", sent.ShippingAddress.StateCode)
	assert.Equal(t, "ord-1", sent.ExternalID)

	// The vendor gets a 24h grant, never the long-lived document URL.
	signer, _ := objstore.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "", func() time.Time { return fixedNow.Add(23 * time.Hour) })
	token := tokenFrom(t, sent.LineItems[0].InteriorURL)
	_, err = signer.Verify(token)
	assert.NoError(t, err)
	late, _ := objstore.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "", func() time.Time { return fixedNow.Add(25 * time.Hour) })
	_, err = late.Verify(token)
	assert.ErrorIs(t, err, objstore.ErrExpiredToken)

	b, err := f.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusPrinting, b.Status)
	assert.Equal(t, "v-100", b.VendorOrderID)
	assert.Equal(t, "created", b.VendorOrderStatus)

	o, err := f.store.GetOrderByBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.OrderSubmitted, o.Status)
}

func TestDispatch_DraftMode(t *testing.T) {
	f := newFixture(t, ModeDraft)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, f.params(t))
	require.NoError(t, err)
	assert.Equal(t, "/orders/draft", f.vendor.Calls()[0].Path)

	b, err := f.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusPrintingTest, b.Status)

	o, err := f.store.GetOrderByBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.OrderPaid, o.Status, "draft orders do not submit the paid order")
}

func TestDispatch_VendorErrorLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, ModeOrder)
	f.vendor.set(http.StatusBadRequest, `{"errors":[{"path":"shipping_address.postcode","message":"invalid"}]}`)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, f.params(t))
	var verr *VendorError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, http.StatusBadRequest, verr.StatusCode)
	assert.Contains(t, verr.Body, "shipping_address.postcode")

	b, err := f.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusPDFReady, b.Status)
	assert.Empty(t, b.VendorOrderID)
	assert.Len(t, f.vendor.Calls(), 1, "orders are never retried")
}

func TestDispatch_RequiresDocument(t *testing.T) {
	f := newFixture(t, ModeOrder)
	ctx := context.Background()
	require.NoError(t, f.store.CreateBook(ctx, &book.Book{ID: "b2", Status: book.StatusIllustrated}))

	_, err := f.d.Dispatch(ctx, Params{BookID: "b2"})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, f.vendor.Calls())
}

func TestDispatch_RejectsForeignDocument(t *testing.T) {
	f := newFixture(t, ModeOrder)
	ctx := context.Background()

	p := f.params(t)
	p.DocumentRef = &book.ObjectRef{Store: objstore.LocalStoreName, Path: objstore.DocumentPath("other", "r1")}
	_, err := f.d.Dispatch(ctx, p)
	assert.ErrorIs(t, err, ErrDocumentMismatch)
	assert.Empty(t, f.vendor.Calls())

	b, err := f.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusPDFReady, b.Status)

	// Naming the book's own document is accepted.
	p.DocumentRef = b.PDF
	_, err = f.d.Dispatch(ctx, p)
	require.NoError(t, err)
	require.Len(t, f.vendor.Calls(), 1)
	var sent Payload
	require.NoError(t, json.Unmarshal(f.vendor.Calls()[0].Body, &sent))
	assert.Equal(t, 28, sent.LineItems[0].PageCount)
}

func TestDispatch_NotConfigured(t *testing.T) {
	d := NewDispatcher(Env{Mode: ModeDraft}, 28, Deps{})
	_, err := d.Dispatch(context.Background(), Params{BookID: "b1"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, ModeOrder)
	ctx := context.Background()

	_, err := f.d.Refresh(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotDispatched)

	_, err = f.d.Dispatch(ctx, f.params(t))
	require.NoError(t, err)

	f.vendor.set(http.StatusOK, `{"id":"v-100","fulfillment_status":"in_production"}`)
	vo, err := f.d.Refresh(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "in_production", vo.Status)
	b, _ := f.store.GetBook(ctx, "b1")
	assert.Equal(t, book.StatusPrinting, b.Status)
	assert.Equal(t, "in_production", b.VendorOrderStatus)

	calls := f.vendor.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, http.MethodGet, last.Method)
	assert.Equal(t, "/orders/v-100", last.Path)

	f.vendor.set(http.StatusOK, `{"id":"v-100","fulfillment_status":"shipped","tracking_url":"https://track.example/1Z999"}`)
	_, err = f.d.Refresh(ctx, "b1")
	require.NoError(t, err)
	b, _ = f.store.GetBook(ctx, "b1")
	assert.Equal(t, book.StatusShipped, b.Status)
	assert.Equal(t, "https://track.example/1Z999", b.TrackingURL)

	o, err := f.store.GetOrderByBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.OrderShipped, o.Status)
	assert.Equal(t, "https://track.example/1Z999", o.TrackingURL)
}

func TestRefresh_DraftOnlyRecordsStatus(t *testing.T) {
	f := newFixture(t, ModeDraft)
	ctx := context.Background()
	_, err := f.d.Dispatch(ctx, f.params(t))
	require.NoError(t, err)

	f.vendor.set(http.StatusOK, `{"id":"v-100","fulfillment_status":"shipped","tracking_url":"https://track.example/x"}`)
	_, err = f.d.Refresh(ctx, "b1")
	require.NoError(t, err)

	b, _ := f.store.GetBook(ctx, "b1")
	assert.Equal(t, book.StatusPrintingTest, b.Status)
	assert.Equal(t, "shipped", b.VendorOrderStatus)
	assert.Empty(t, b.TrackingURL)
}

func TestRefresh_VendorError(t *testing.T) {
	f := newFixture(t, ModeOrder)
	ctx := context.Background()
	_, err := f.d.Dispatch(ctx, f.params(t))
	require.NoError(t, err)

	f.vendor.set(http.StatusServiceUnavailable, "maintenance")
	_, err = f.d.Refresh(ctx, "b1")
	var verr *VendorError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "maintenance", verr.Body)

	b, _ := f.store.GetBook(ctx, "b1")
	assert.Equal(t, "created", b.VendorOrderStatus)
}

func tokenFrom(t *testing.T, rawURL string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req.URL.Query().Get("token")
}
