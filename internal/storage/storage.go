// Package storage defines persistence contracts for books, image records,
// orders and the generation-call ledger.
package storage

import (
	"context"
	"errors"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/metrics"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrVersionConflict indicates a page write lost an optimistic version check.
	ErrVersionConflict = errors.New("page version conflict")
)

// VendorUpdate records the print vendor's view of a dispatched book.
// An empty Next leaves the status unchanged.
type VendorUpdate struct {
	OrderID     string
	Status      string
	TrackingURL string
	Next        book.Status
}

// BookStore persists the Book aggregate with targeted per-field writes.
type BookStore interface {
	CreateBook(ctx context.Context, b *book.Book) error
	GetBook(ctx context.Context, id string) (*book.Book, error)
	ListBooks(ctx context.Context) ([]*book.Book, error)

	// MergePages applies book.MergePages against the stored pages and
	// replaces the metadata in one write. Books whose status is no longer
	// StoryEditable return book.ErrStoryLocked.
	MergePages(ctx context.Context, id string, md book.Metadata, pages []book.Page) (*book.Book, error)

	// SetPageImage writes one page's image if the stored version equals
	// expectedVersion. On conflict it returns the current page together
	// with ErrVersionConflict.
	SetPageImage(ctx context.Context, id string, pageNumber int, ref book.ObjectRef, expectedVersion int) (book.Page, error)

	// AdvanceStatus moves the book along the transition table. Illegal
	// moves return book.ErrIllegalTransition.
	AdvanceStatus(ctx context.Context, id string, to book.Status) (*book.Book, error)

	SetDegradedReferences(ctx context.Context, id string, degraded bool) error

	// SetDocument persists the assembled document and advances to pdf_ready
	// in one write.
	SetDocument(ctx context.Context, id string, ref book.ObjectRef, finalPageCount int) (*book.Book, error)

	SetVendorOrder(ctx context.Context, id string, update VendorUpdate) (*book.Book, error)
}

// ImageRecordStore persists the image audit trail.
type ImageRecordStore interface {
	PutImageRecord(ctx context.Context, rec book.ImageRecord) error
	ListImageRecords(ctx context.Context, bookID string) ([]book.ImageRecord, error)
}

// OrderStore persists payment-confirmed orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, o book.Order) error
	GetOrderByBook(ctx context.Context, bookID string) (book.Order, error)
	UpdateOrder(ctx context.Context, id string, status book.OrderStatus, trackingURL string) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	BookStore
	ImageRecordStore
	OrderStore
	metrics.Store
	Ping(ctx context.Context) error
	Close() error
}
