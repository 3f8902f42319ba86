package painter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/providers"
	"github.com/jackzampolin/storyshelf/internal/storage/memory"
	"github.com/jackzampolin/storyshelf/internal/storage/storagetest"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	painter *Painter
	gen     *providers.MockImageGenerator
	store   *memory.Store
	objects *objstore.LocalStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	objects, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	signer, err := objstore.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "http://localhost:8080", func() time.Time { return fixedNow })
	require.NoError(t, err)

	store := memory.New()
	require.NoError(t, store.CreateBook(context.Background(), storagetest.NewBook("b1", 4)))

	gen := providers.NewMockImageGenerator()
	gen.Latency = 0

	p := New(cfg, Deps{
		Generator: gen,
		Objects:   objects,
		Books:     store,
		Records:   store,
		Signer:    signer,
		Recorder:  metrics.NewRecorder(store),
	})
	return &fixture{painter: p, gen: gen, store: store, objects: objects}
}

func pageRequest(n int) Request {
	return Request{BookID: "b1", Key: book.PageNumberKey(n), Stage: metrics.StageTeaser, Prompt: "a fox on a hill"}
}

func TestPaint_FirstSuccessWinsAndCancelsLosers(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2, Attempts: 5, RetryDelay: 0})
	f.gen.Respond = func(ctx context.Context, call int64, _ *providers.ImageRequest) ([]byte, error) {
		if call == 1 {
			return providers.MockPNG(), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res, ok := f.painter.Paint(context.Background(), pageRequest(2))
	require.True(t, ok)
	assert.False(t, res.Existing)
	assert.Equal(t, "books/b1/page-002.png", res.Ref.Path)
	assert.Equal(t, fixedNow.Add(objstore.PageURLTTL), res.URL.ExpiresAt)
	assert.Equal(t, "mock:mock-image", res.Source)

	assert.Equal(t, int64(2), f.gen.RequestCount())
	assert.Equal(t, int64(1), f.gen.CancelledCount(), "losing racer must be cancelled")

	b, err := f.store.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	page, _ := b.Page(2)
	require.True(t, page.Painted())
	assert.Equal(t, 1, page.Version)

	data, err := f.objects.Get(context.Background(), res.Ref)
	require.NoError(t, err)
	assert.Equal(t, providers.MockPNG(), data)

	recs, err := f.store.ListImageRecords(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, book.PageNumberKey(2), recs[0].PageKey)

	calls, err := metrics.NewRecorder(f.store).List(context.Background(), metrics.Filter{BookID: "b1"}, 0)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	var winners, cancelled int
	for _, m := range calls {
		if m.Winner {
			winners++
		}
		if m.ErrorType == "cancelled" {
			cancelled++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, cancelled)
}

func TestPaint_BoundedAttempts(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2, Attempts: 5, RetryDelay: 0})
	f.gen.ShouldFail = true

	_, ok := f.painter.Paint(context.Background(), pageRequest(3))
	assert.False(t, ok)
	assert.Equal(t, int64(f.painter.MaxCalls()), f.gen.RequestCount())
	assert.Equal(t, int64(10), f.gen.RequestCount())

	b, err := f.store.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.PaintedCount(), "exhaustion leaves the page unpainted")
}

func TestPaint_RetriesAfterWholeAttemptFails(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2, Attempts: 5, RetryDelay: time.Millisecond})
	f.gen.Respond = func(_ context.Context, call int64, _ *providers.ImageRequest) ([]byte, error) {
		switch {
		case call <= 2:
			return nil, providers.ErrSafetyBlocked
		case call <= 4:
			return nil, nil // empty payload
		default:
			return providers.MockPNG(), nil
		}
	}

	_, ok := f.painter.Paint(context.Background(), pageRequest(4))
	require.True(t, ok)
	assert.LessOrEqual(t, f.gen.RequestCount(), int64(6))
	assert.GreaterOrEqual(t, f.gen.RequestCount(), int64(5))

	errs, err := metrics.NewRecorder(f.store).ErrorsByType(context.Background(), metrics.Filter{BookID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, 2, errs["safety_blocked"])
	assert.Equal(t, 2, errs["empty_image"])
}

func TestPaint_ConcurrentWriterAlreadyPainted(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1, Attempts: 1})
	theirs := book.ObjectRef{Store: objstore.LocalStoreName, Path: "books/b1/theirs.png"}

	var once atomic.Bool
	f.gen.Respond = func(ctx context.Context, _ int64, _ *providers.ImageRequest) ([]byte, error) {
		// Another painter lands its write while this call is in flight.
		if once.CompareAndSwap(false, true) {
			_, err := f.store.SetPageImage(ctx, "b1", 1, theirs, 0)
			assert.NoError(t, err)
		}
		return providers.MockPNG(), nil
	}

	res, ok := f.painter.Paint(context.Background(), pageRequest(1))
	require.True(t, ok)
	assert.True(t, res.Existing)
	assert.Equal(t, theirs, res.Ref)

	recs, err := f.store.ListImageRecords(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, recs, "the losing writer records nothing")
}

func TestPaint_VersionConflictOnUnpaintedPage(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1, Attempts: 1})
	req := pageRequest(2)
	req.Version = 7 // stale: the page was rebuilt since it was read

	_, ok := f.painter.Paint(context.Background(), req)
	assert.False(t, ok)

	b, err := f.store.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.PaintedCount())
}

func TestPaint_AnchorWritesRecordOnly(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2, Attempts: 1})

	res, ok := f.painter.Paint(context.Background(), Request{BookID: "b1", Key: book.AnchorLead, Stage: metrics.StageAnchor, Prompt: "portrait"})
	require.True(t, ok)
	assert.Equal(t, "books/b1/anchor-lead.png", res.Ref.Path)

	recs, err := f.store.ListImageRecords(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, book.AnchorLead, recs[0].PageKey)

	b, err := f.store.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.PaintedCount())
}

func TestPaint_TrimsReferences(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1, Attempts: 1})
	var seen atomic.Int64
	f.gen.Respond = func(_ context.Context, _ int64, req *providers.ImageRequest) ([]byte, error) {
		seen.Store(int64(len(req.References)))
		return providers.MockPNG(), nil
	}

	req := pageRequest(3)
	req.References = [][]byte{{1}, {2}, {3}}
	_, ok := f.painter.Paint(context.Background(), req)
	require.True(t, ok)
	assert.Equal(t, int64(providers.MaxReferences), seen.Load())
}

func TestPaint_PersistFailureLeavesPageUnpainted(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1, Attempts: 1})
	f.store.SetPageImageErr = errors.New("disk full")

	_, ok := f.painter.Paint(context.Background(), pageRequest(2))
	assert.False(t, ok)

	f.store.SetPageImageErr = nil
	b, err := f.store.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.PaintedCount())
}

func TestPaint_ContextCancelledStops(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2, Attempts: 5, RetryDelay: time.Hour})
	f.gen.ShouldFail = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := f.painter.Paint(ctx, pageRequest(2))
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(2), f.gen.RequestCount(), "no new attempt after cancellation")
}
