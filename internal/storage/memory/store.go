// Package memory implements storage.Store in process memory for unit tests
// and single-process development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/storage"
)

// Store implements storage.Store with in-memory maps.
// Error injection is supported for testing error handling paths.
type Store struct {
	mu sync.RWMutex

	books   map[string]*book.Book
	records map[string][]book.ImageRecord
	orders  map[string]book.Order // keyed by order ID
	metrics []metrics.Metric

	// history tracks every status a book has held, for test assertions
	history map[string][]book.Status

	now func() time.Time

	// --- Error injection fields for testing ---

	// SetPageImageErr is returned by SetPageImage when non-nil
	SetPageImageErr error

	// AdvanceStatusErr is returned by AdvanceStatus when non-nil
	AdvanceStatusErr error

	// SetDocumentErr is returned by SetDocument when non-nil
	SetDocumentErr error

	// PutImageRecordErr is returned by PutImageRecord when non-nil
	PutImageRecordErr error

	// ErrOnBook causes every write to a specific book to fail
	ErrOnBook map[string]error
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		books:   make(map[string]*book.Book),
		records: make(map[string][]book.ImageRecord),
		orders:  make(map[string]book.Order),
		history: make(map[string][]book.Status),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) bookErr(id string) error {
	if s.ErrOnBook != nil {
		if err, ok := s.ErrOnBook[id]; ok {
			return err
		}
	}
	return nil
}

// get returns the stored book; callers hold the lock.
func (s *Store) get(id string) (*book.Book, error) {
	b, ok := s.books[id]
	if !ok {
		return nil, fmt.Errorf("book %s: %w", id, storage.ErrNotFound)
	}
	return b, nil
}

func (s *Store) setStatus(b *book.Book, to book.Status) error {
	if err := book.Transition(b.Status, to); err != nil {
		return err
	}
	b.Status = to
	s.history[b.ID] = append(s.history[b.ID], to)
	return nil
}

func (s *Store) CreateBook(_ context.Context, b *book.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bookErr(b.ID); err != nil {
		return err
	}
	if _, ok := s.books[b.ID]; ok {
		return fmt.Errorf("book %s: %w", b.ID, storage.ErrAlreadyExists)
	}
	c := b.Clone()
	if c.Status == "" {
		c.Status = book.StatusDraft
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.books[c.ID] = c
	s.history[c.ID] = []book.Status{c.Status}
	return nil
}

func (s *Store) GetBook(_ context.Context, id string) (*book.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

func (s *Store) ListBooks(_ context.Context) ([]*book.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*book.Book, 0, len(s.books))
	for _, b := range s.books {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MergePages(_ context.Context, id string, md book.Metadata, pages []book.Page) (*book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bookErr(id); err != nil {
		return nil, err
	}
	b, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if !b.Status.StoryEditable() {
		return nil, fmt.Errorf("%w: book %s is %s", book.ErrStoryLocked, id, b.Status)
	}
	merged, err := book.MergePages(b.Pages, pages)
	if err != nil {
		return nil, err
	}
	b.Pages = merged
	b.Metadata = md
	if md.Photo != nil {
		ref := *md.Photo
		b.Metadata.Photo = &ref
	}
	b.UpdatedAt = s.now()
	return b.Clone(), nil
}

func (s *Store) SetPageImage(_ context.Context, id string, pageNumber int, ref book.ObjectRef, expectedVersion int) (book.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SetPageImageErr != nil {
		return book.Page{}, s.SetPageImageErr
	}
	if err := s.bookErr(id); err != nil {
		return book.Page{}, err
	}
	b, err := s.get(id)
	if err != nil {
		return book.Page{}, err
	}
	for i := range b.Pages {
		p := &b.Pages[i]
		if p.PageNumber != pageNumber {
			continue
		}
		if p.Version != expectedVersion {
			return clonePage(*p), fmt.Errorf("book %s page %d: %w", id, pageNumber, storage.ErrVersionConflict)
		}
		r := ref
		p.Image = &r
		p.Version++
		b.UpdatedAt = s.now()
		return clonePage(*p), nil
	}
	return book.Page{}, fmt.Errorf("book %s page %d: %w", id, pageNumber, storage.ErrNotFound)
}

func clonePage(p book.Page) book.Page {
	if p.Image != nil {
		r := *p.Image
		p.Image = &r
	}
	return p
}

func (s *Store) AdvanceStatus(_ context.Context, id string, to book.Status) (*book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AdvanceStatusErr != nil {
		return nil, s.AdvanceStatusErr
	}
	if err := s.bookErr(id); err != nil {
		return nil, err
	}
	b, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := s.setStatus(b, to); err != nil {
		return nil, err
	}
	b.UpdatedAt = s.now()
	return b.Clone(), nil
}

func (s *Store) SetDegradedReferences(_ context.Context, id string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bookErr(id); err != nil {
		return err
	}
	b, err := s.get(id)
	if err != nil {
		return err
	}
	b.DegradedReferences = degraded
	b.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetDocument(_ context.Context, id string, ref book.ObjectRef, finalPageCount int) (*book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SetDocumentErr != nil {
		return nil, s.SetDocumentErr
	}
	if err := s.bookErr(id); err != nil {
		return nil, err
	}
	b, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := s.setStatus(b, book.StatusPDFReady); err != nil {
		return nil, err
	}
	r := ref
	b.PDF = &r
	b.FinalPageCount = finalPageCount
	b.UpdatedAt = s.now()
	return b.Clone(), nil
}

func (s *Store) SetVendorOrder(_ context.Context, id string, update storage.VendorUpdate) (*book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bookErr(id); err != nil {
		return nil, err
	}
	b, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if update.Next != "" {
		if err := s.setStatus(b, update.Next); err != nil {
			return nil, err
		}
	}
	if update.OrderID != "" {
		b.VendorOrderID = update.OrderID
	}
	if update.Status != "" {
		b.VendorOrderStatus = update.Status
	}
	if update.TrackingURL != "" {
		b.TrackingURL = update.TrackingURL
	}
	b.UpdatedAt = s.now()
	return b.Clone(), nil
}

// StatusHistory returns every status the book has held, oldest first.
func (s *Store) StatusHistory(id string) []book.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]book.Status(nil), s.history[id]...)
}

func (s *Store) PutImageRecord(_ context.Context, rec book.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PutImageRecordErr != nil {
		return s.PutImageRecordErr
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.records[rec.BookID] = append(s.records[rec.BookID], rec)
	return nil
}

func (s *Store) ListImageRecords(_ context.Context, bookID string) ([]book.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]book.ImageRecord(nil), s.records[bookID]...), nil
}

func (s *Store) CreateOrder(_ context.Context, o book.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, storage.ErrAlreadyExists)
	}
	for _, existing := range s.orders {
		if existing.BookID == o.BookID {
			return fmt.Errorf("order for book %s: %w", o.BookID, storage.ErrAlreadyExists)
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.orders[o.ID] = o
	return nil
}

func (s *Store) GetOrderByBook(_ context.Context, bookID string) (book.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.BookID == bookID {
			return o, nil
		}
	}
	return book.Order{}, fmt.Errorf("order for book %s: %w", bookID, storage.ErrNotFound)
}

func (s *Store) UpdateOrder(_ context.Context, id string, status book.OrderStatus, trackingURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	o.Status = status
	if trackingURL != "" {
		o.TrackingURL = trackingURL
	}
	s.orders[id] = o
	return nil
}

func (s *Store) RecordMetric(_ context.Context, m metrics.Metric) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = strconv.Itoa(len(s.metrics) + 1)
	s.metrics = append(s.metrics, m)
	return m.ID, nil
}

func (s *Store) ListMetrics(_ context.Context, f metrics.Filter, limit int) ([]metrics.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metrics.Metric
	// Newest first.
	for i := len(s.metrics) - 1; i >= 0; i-- {
		if !f.Matches(s.metrics[i]) {
			continue
		}
		out = append(out, s.metrics[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
