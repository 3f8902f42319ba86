// Package storagetest is a conformance suite run against every
// storage.Store implementation.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/storage"
)

// NewBook returns a draft book with n pages.
func NewBook(id string, n int) *book.Book {
	b := &book.Book{ID: id, Status: book.StatusDraft, Metadata: book.Metadata{LeadName: "Ada", Companion: "Fox", Setting: "forest"}}
	for i := 1; i <= n; i++ {
		b.Pages = append(b.Pages, book.Page{PageNumber: i, Role: book.RoleStory, Text: "text", Prompt: "prompt"})
	}
	return b
}

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("CreateGetBook", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.CreateBook(ctx, NewBook("b1", 3)))

		got, err := s.GetBook(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, book.StatusDraft, got.Status)
		assert.Len(t, got.Pages, 3)
		assert.Equal(t, "Ada", got.Metadata.LeadName)
		assert.False(t, got.CreatedAt.IsZero())

		assert.ErrorIs(t, s.CreateBook(ctx, NewBook("b1", 1)), storage.ErrAlreadyExists)
		_, err = s.GetBook(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		books, err := s.ListBooks(ctx)
		require.NoError(t, err)
		assert.Len(t, books, 1)
	})

	t.Run("SetPageImageVersionCheck", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.CreateBook(ctx, NewBook("b1", 2)))

		ref := book.ObjectRef{Store: "local", Path: "books/b1/page-001.png"}
		page, err := s.SetPageImage(ctx, "b1", 1, ref, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Version)
		assert.Equal(t, ref, *page.Image)

		other := book.ObjectRef{Store: "local", Path: "books/b1/other.png"}
		current, err := s.SetPageImage(ctx, "b1", 1, other, 0)
		assert.ErrorIs(t, err, storage.ErrVersionConflict)
		require.NotNil(t, current.Image)
		assert.Equal(t, ref, *current.Image, "conflict returns the stored page")

		_, err = s.SetPageImage(ctx, "b1", 9, ref, 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		got, err := s.GetBook(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.PaintedCount())
	})

	t.Run("ConcurrentPagesDoNotClobber", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.CreateBook(ctx, NewBook("b1", 8)))

		var wg sync.WaitGroup
		for i := 1; i <= 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := s.SetPageImage(ctx, "b1", n, book.ObjectRef{Store: "local", Path: string(book.PageNumberKey(n))}, 0)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.GetBook(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 8, got.PaintedCount())
	})

	t.Run("MergePagesKeepsImages", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.CreateBook(ctx, NewBook("b1", 3)))
		ref := book.ObjectRef{Store: "local", Path: "p2"}
		_, err := s.SetPageImage(ctx, "b1", 2, ref, 0)
		require.NoError(t, err)

		rebuilt := NewBook("b1", 3)
		rebuilt.Pages[0].Text = "changed"
		photo := book.ObjectRef{Store: "local", Path: "uploads/ada.png"}
		rebuilt.Metadata.LeadName = "Ada Lovelace"
		rebuilt.Metadata.Photo = &photo
		got, err := s.MergePages(ctx, "b1", rebuilt.Metadata, rebuilt.Pages)
		require.NoError(t, err)
		assert.Equal(t, ref, *got.Pages[1].Image)
		assert.Equal(t, "changed", got.Pages[0].Text)

		got, err = s.GetBook(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "changed", got.Pages[0].Text)
		assert.Equal(t, "Ada Lovelace", got.Metadata.LeadName)
		require.NotNil(t, got.Metadata.Photo)
		assert.Equal(t, photo, *got.Metadata.Photo)

		_, err = s.MergePages(ctx, "b1", rebuilt.Metadata, rebuilt.Pages[:1])
		assert.ErrorIs(t, err, book.ErrPageSetMismatch)
	})

	t.Run("MergePagesLockedAfterAssembly", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		b := NewBook("b1", 3)
		require.NoError(t, s.CreateBook(ctx, b))
		for _, st := range []book.Status{book.StatusTeaserGenerating, book.StatusTeaserReady, book.StatusPaid, book.StatusGenerating, book.StatusIllustrated} {
			_, err := s.AdvanceStatus(ctx, "b1", st)
			require.NoError(t, err)
		}
		_, err := s.MergePages(ctx, "b1", b.Metadata, b.Pages)
		require.NoError(t, err, "illustrated books can still be rebuilt")

		_, err = s.SetDocument(ctx, "b1", book.ObjectRef{Store: "local", Path: "books/b1/book-r1.pdf"}, 28)
		require.NoError(t, err)

		longer := NewBook("b1", 5)
		_, err = s.MergePages(ctx, "b1", longer.Metadata, longer.Pages)
		assert.ErrorIs(t, err, book.ErrStoryLocked)

		got, err := s.GetBook(ctx, "b1")
		require.NoError(t, err)
		assert.Len(t, got.Pages, 3)
		assert.Equal(t, 28, got.FinalPageCount)
	})

	t.Run("AdvanceStatus", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.CreateBook(ctx, NewBook("b1", 1)))

		got, err := s.AdvanceStatus(ctx, "b1", book.StatusTeaserGenerating)
		require.NoError(t, err)
		assert.Equal(t, book.StatusTeaserGenerating, got.Status)

		_, err = s.AdvanceStatus(ctx, "b1", book.StatusPaid)
		assert.ErrorIs(t, err, book.ErrIllegalTransition)

		got, err = s.GetBook(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, book.StatusTeaserGenerating, got.Status, "illegal move leaves status")
	})

	t.Run("SetDocument", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.CreateBook(ctx, NewBook("b1", 1)))
		ref := book.ObjectRef{Store: "local", Path: "books/b1/book.pdf"}

		_, err := s.SetDocument(ctx, "b1", ref, 28)
		assert.ErrorIs(t, err, book.ErrIllegalTransition, "draft cannot jump to pdf_ready")

		for _, st := range []book.Status{book.StatusTeaserGenerating, book.StatusTeaserReady, book.StatusPaid, book.StatusGenerating, book.StatusIllustrated} {
			_, err := s.AdvanceStatus(ctx, "b1", st)
			require.NoError(t, err)
		}
		got, err := s.SetDocument(ctx, "b1", ref, 28)
		require.NoError(t, err)
		assert.Equal(t, book.StatusPDFReady, got.Status)
		assert.Equal(t, 28, got.FinalPageCount)
		assert.Equal(t, ref, *got.PDF)

		got, err = s.SetVendorOrder(ctx, "b1", storage.VendorUpdate{OrderID: "v-1", Status: "created", Next: book.StatusPrinting})
		require.NoError(t, err)
		assert.Equal(t, book.StatusPrinting, got.Status)
		assert.Equal(t, "v-1", got.VendorOrderID)

		got, err = s.SetVendorOrder(ctx, "b1", storage.VendorUpdate{Status: "shipped", TrackingURL: "https://track/1", Next: book.StatusShipped})
		require.NoError(t, err)
		assert.Equal(t, "v-1", got.VendorOrderID)
		assert.Equal(t, "https://track/1", got.TrackingURL)
		assert.Equal(t, book.StatusShipped, got.Status)
	})

	t.Run("DegradedReferences", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.CreateBook(ctx, NewBook("b1", 1)))
		require.NoError(t, s.SetDegradedReferences(ctx, "b1", true))
		got, err := s.GetBook(ctx, "b1")
		require.NoError(t, err)
		assert.True(t, got.DegradedReferences)
	})

	t.Run("ImageRecords", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		rec := book.ImageRecord{BookID: "b1", PageKey: book.AnchorLead, Ref: book.ObjectRef{Store: "local", Path: "a"}, Source: "openai:gpt-image-1"}
		require.NoError(t, s.PutImageRecord(ctx, rec))
		rec.PageKey = book.PageNumberKey(1)
		require.NoError(t, s.PutImageRecord(ctx, rec))

		got, err := s.ListImageRecords(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, book.AnchorLead, got[0].PageKey)
		assert.Equal(t, "openai:gpt-image-1", got[0].Source)
	})

	t.Run("Orders", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		o := book.Order{ID: "o1", BookID: "b1", Amount: 3999, Currency: "USD", Status: book.OrderPaid,
			ShippingAddress: book.Address{Name: "Sam", Region: "California", Country: "US"}}
		require.NoError(t, s.CreateOrder(ctx, o))
		assert.ErrorIs(t, s.CreateOrder(ctx, o), storage.ErrAlreadyExists)

		got, err := s.GetOrderByBook(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "California", got.ShippingAddress.Region)
		assert.Equal(t, int64(3999), got.Amount)

		require.NoError(t, s.UpdateOrder(ctx, "o1", book.OrderShipped, "https://track/1"))
		got, err = s.GetOrderByBook(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, book.OrderShipped, got.Status)
		assert.Equal(t, "https://track/1", got.TrackingURL)

		_, err = s.GetOrderByBook(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Metrics", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			_, err := s.RecordMetric(ctx, metrics.Metric{BookID: "b1", Stage: metrics.StageTeaser, ItemKey: "page-001", Success: i == 2, CreatedAt: base.Add(time.Duration(i) * time.Second)})
			require.NoError(t, err)
		}
		_, err := s.RecordMetric(ctx, metrics.Metric{BookID: "b2", Stage: metrics.StageFull, CreatedAt: base})
		require.NoError(t, err)

		got, err := s.ListMetrics(ctx, metrics.Filter{BookID: "b1"}, 0)
		require.NoError(t, err)
		assert.Len(t, got, 3)

		ok := true
		got, err = s.ListMetrics(ctx, metrics.Filter{BookID: "b1", Success: &ok}, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.NotEmpty(t, got[0].ID)

		got, err = s.ListMetrics(ctx, metrics.Filter{}, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}
