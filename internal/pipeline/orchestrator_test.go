package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/config"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/pageset"
	"github.com/jackzampolin/storyshelf/internal/painter"
	"github.com/jackzampolin/storyshelf/internal/providers"
	"github.com/jackzampolin/storyshelf/internal/references"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/storage/memory"
)

var leadRef = book.ObjectRef{Store: "local", Path: "books/b1/anchor-lead.png"}

// storePainter writes a page ref straight to the store.
type storePainter struct {
	store *memory.Store

	mu     sync.Mutex
	calls  []painter.Request
	active int
	peak   int
	hold   time.Duration
	fail   map[book.PageKey]bool
	onCall func(req painter.Request)
}

func (p *storePainter) Paint(ctx context.Context, req painter.Request) (painter.Result, bool) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.active++
	p.peak = max(p.peak, p.active)
	onCall := p.onCall
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()
	if onCall != nil {
		onCall(req)
	}
	if p.hold > 0 {
		time.Sleep(p.hold)
	}
	if p.fail[req.Key] {
		return painter.Result{}, false
	}
	n, _ := req.Key.PageNumber()
	ref := book.ObjectRef{Store: "local", Path: fmt.Sprintf("books/%s/%s.png", req.BookID, req.Key)}
	if _, err := p.store.SetPageImage(ctx, req.BookID, n, ref, req.Version); err != nil {
		return painter.Result{}, false
	}
	return painter.Result{Ref: ref}, true
}

func (p *storePainter) pages() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, c := range p.calls {
		n, _ := c.Key.PageNumber()
		out = append(out, n)
	}
	return out
}

type fakeAnchors struct {
	anchors references.Anchors
	err     error
	calls   int
}

func (f *fakeAnchors) Resolve(ctx context.Context, b *book.Book) (references.Anchors, error) {
	f.calls++
	return f.anchors, f.err
}

func completeAnchors() references.Anchors {
	return references.Anchors{
		Lead:      &references.Anchor{Key: book.AnchorLead, Ref: leadRef, Image: []byte("lead")},
		Companion: &references.Anchor{Key: book.AnchorCompanion, Ref: book.ObjectRef{Store: "local", Path: "books/b1/anchor-companion.png"}, Image: []byte("companion")},
	}
}

func storyBook(t *testing.T, id string, storyPages int) *book.Book {
	t.Helper()
	story := pageset.Story{LeadName: "Ada", Companion: "Pip the fox", Setting: "a pine forest"}
	for i := range storyPages {
		story.Pages = append(story.Pages, pageset.StoryPage{Text: fmt.Sprintf("line %d", i+1), Prompt: fmt.Sprintf("scene %d", i+1)})
	}
	pages, err := pageset.Build(story)
	require.NoError(t, err)
	md, err := story.Metadata()
	require.NoError(t, err)
	return &book.Book{ID: id, Status: book.StatusDraft, Pages: pages, Metadata: md}
}

type harness struct {
	orch    *Orchestrator
	store   *memory.Store
	painter *storePainter
	anchors *fakeAnchors
	sleeps  []time.Duration
}

func newHarness(t *testing.T, cfg Config, storyPages int) *harness {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.CreateBook(context.Background(), storyBook(t, "b1", storyPages)))

	h := &harness{
		store:   store,
		painter: &storePainter{store: store},
		anchors: &fakeAnchors{anchors: completeAnchors()},
	}
	h.orch = New(cfg, Deps{
		Books:   store,
		Records: store,
		Orders:  store,
		Anchors: h.anchors,
		Painter: h.painter,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	})
	return h
}

func testConfig() Config {
	return Config{TeaserPages: 7, BatchSize: 18, BatchDelay: 90 * time.Second, AnchorPolicy: config.AnchorPolicyDegrade}
}

func markPaid(t *testing.T, s *memory.Store, id string) {
	t.Helper()
	_, err := s.AdvanceStatus(context.Background(), id, book.StatusPaid)
	require.NoError(t, err)
	require.NoError(t, s.CreateOrder(context.Background(), book.Order{ID: "o-" + id, BookID: id, Status: book.OrderPaid}))
}

func TestRun_TeaserThenFull(t *testing.T) {
	h := newHarness(t, testConfig(), 23)
	ctx := context.Background()

	phase, err := h.orch.Run(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, PhaseTeaser, phase)

	b, err := h.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusTeaserReady, b.Status)
	assert.Equal(t, 7, b.PaintedCount())
	assert.ElementsMatch(t, []int{2, 3, 4, 5, 6, 7}, h.painter.pages())

	page1, _ := b.Page(1)
	require.NotNil(t, page1.Image)
	assert.Equal(t, leadRef, *page1.Image)

	records, err := h.store.ListImageRecords(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, AnchorSource, records[0].Source)

	_, err = h.orch.Run(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotPaid)

	markPaid(t, h.store, "b1")
	phase, err = h.orch.Run(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFull, phase)

	b, err = h.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusIllustrated, b.Status)
	assert.Len(t, b.Pages, 27)
	assert.Equal(t, 27, b.PaintedCount())
	assert.Len(t, h.painter.pages(), 6+20)
	assert.Equal(t, []time.Duration{90 * time.Second}, h.sleeps, "exactly one delay between two batches")

	for _, c := range h.painter.calls {
		n, _ := c.Key.PageNumber()
		if n <= 7 {
			assert.Equal(t, metrics.StageTeaser, c.Stage)
		} else {
			assert.Equal(t, metrics.StageFull, c.Stage)
		}
	}

	assert.Equal(t, []book.Status{
		book.StatusDraft, book.StatusTeaserGenerating, book.StatusTeaserReady,
		book.StatusPaid, book.StatusGenerating, book.StatusIllustrated,
	}, h.store.StatusHistory("b1"))
}

func TestRun_TeaserFansOutAllPages(t *testing.T) {
	h := newHarness(t, testConfig(), 23)
	h.painter.hold = 50 * time.Millisecond

	_, err := h.orch.Run(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 6, h.painter.peak)
}

func TestRun_FullSkipsPaintedPages(t *testing.T) {
	h := newHarness(t, testConfig(), 23)
	ctx := context.Background()
	_, err := h.orch.Run(ctx, "b1")
	require.NoError(t, err)
	markPaid(t, h.store, "b1")

	// Pre-paint a handful of full-phase pages as if a prior run got that far.
	for _, n := range []int{8, 9, 10} {
		_, err := h.store.SetPageImage(ctx, "b1", n, book.ObjectRef{Store: "local", Path: "x"}, 0)
		require.NoError(t, err)
	}

	_, err = h.orch.Run(ctx, "b1")
	require.NoError(t, err)
	for _, n := range h.painter.pages() {
		assert.NotContains(t, []int{8, 9, 10}, n)
	}
	assert.Len(t, h.painter.pages(), 6+17)
	assert.Empty(t, h.sleeps, "17 pages fit in a single batch")
}

func TestRun_PartialFailureStillCompletes(t *testing.T) {
	h := newHarness(t, testConfig(), 23)
	h.painter.fail = map[book.PageKey]bool{book.PageNumberKey(5): true}

	_, err := h.orch.Run(context.Background(), "b1")
	require.NoError(t, err)

	b, err := h.store.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusTeaserReady, b.Status)
	assert.Equal(t, 6, b.PaintedCount())

	// The full phase retries the unpainted teaser page.
	markPaid(t, h.store, "b1")
	h.painter.fail = nil
	_, err = h.orch.Run(context.Background(), "b1")
	require.NoError(t, err)
	assert.Contains(t, h.painter.pages()[6:], 5)
}

func TestRun_AnchorPolicy(t *testing.T) {
	missing := references.Anchors{
		Lead:    completeAnchors().Lead,
		Missing: []book.PageKey{book.AnchorCompanion},
	}

	t.Run("degrade", func(t *testing.T) {
		h := newHarness(t, testConfig(), 5)
		h.anchors.anchors = missing

		_, err := h.orch.Run(context.Background(), "b1")
		require.NoError(t, err)
		b, err := h.store.GetBook(context.Background(), "b1")
		require.NoError(t, err)
		assert.True(t, b.DegradedReferences)
		assert.Equal(t, book.StatusTeaserReady, b.Status)
	})

	t.Run("require", func(t *testing.T) {
		cfg := testConfig()
		cfg.AnchorPolicy = config.AnchorPolicyRequire
		h := newHarness(t, cfg, 5)
		h.anchors.anchors = missing

		_, err := h.orch.Run(context.Background(), "b1")
		assert.ErrorIs(t, err, ErrMissingAnchors)
		b, err := h.store.GetBook(context.Background(), "b1")
		require.NoError(t, err)
		assert.Equal(t, book.StatusFailed, b.Status)
		assert.Empty(t, h.painter.pages())
	})
}

func TestRun_FailedBookRetriesThePhaseItFailedIn(t *testing.T) {
	h := newHarness(t, testConfig(), 5)
	ctx := context.Background()
	h.anchors.err = errors.New("provider down")

	_, err := h.orch.Run(ctx, "b1")
	require.Error(t, err)
	b, _ := h.store.GetBook(ctx, "b1")
	assert.Equal(t, book.StatusFailed, b.Status)

	h.anchors.err = nil
	phase, err := h.orch.Run(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, PhaseTeaser, phase)

	markPaid(t, h.store, "b1")
	_, err = h.store.AdvanceStatus(ctx, "b1", book.StatusGenerating)
	require.NoError(t, err)
	_, err = h.store.AdvanceStatus(ctx, "b1", book.StatusFailed)
	require.NoError(t, err)

	phase, err = h.orch.Run(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFull, phase)
}

func TestGenerateImages_SingleFlight(t *testing.T) {
	h := newHarness(t, testConfig(), 5)
	release := make(chan struct{})
	started := make(chan struct{}, 16)
	h.painter.onCall = func(painter.Request) {
		started <- struct{}{}
		<-release
	}

	phase, err := h.orch.GenerateImages(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, PhaseTeaser, phase)
	<-started

	running, ok := h.orch.Running("b1")
	assert.True(t, ok)
	assert.Equal(t, PhaseTeaser, running)

	_, err = h.orch.GenerateImages(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	h.orch.Wait()

	_, ok = h.orch.Running("b1")
	assert.False(t, ok)
	b, err := h.store.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusTeaserReady, b.Status)
}

func TestGenerateImages_ValidatesSynchronously(t *testing.T) {
	h := newHarness(t, testConfig(), 3)
	ctx := context.Background()

	_, err := h.orch.GenerateImages(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = h.store.AdvanceStatus(ctx, "b1", book.StatusTeaserGenerating)
	require.NoError(t, err)
	_, err = h.store.AdvanceStatus(ctx, "b1", book.StatusTeaserReady)
	require.NoError(t, err)
	_, err = h.orch.GenerateImages(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotPaid)

	markPaid(t, h.store, "b1")
	_, err = h.store.AdvanceStatus(ctx, "b1", book.StatusGenerating)
	require.NoError(t, err)
	_, err = h.store.AdvanceStatus(ctx, "b1", book.StatusIllustrated)
	require.NoError(t, err)
	_, err = h.orch.GenerateImages(ctx, "b1")
	assert.ErrorIs(t, err, ErrNothingToGenerate)
	assert.Empty(t, h.painter.pages())
}

func TestRun_CancelledBetweenBatchesStaysResumable(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 5
	h := newHarness(t, cfg, 23)
	ctx := context.Background()
	_, err := h.orch.Run(ctx, "b1")
	require.NoError(t, err)
	markPaid(t, h.store, "b1")

	cctx, cancel := context.WithCancel(ctx)
	h.orch.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err = h.orch.Run(cctx, "b1")
	assert.ErrorIs(t, err, context.Canceled)

	b, err := h.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusGenerating, b.Status)
	assert.Equal(t, 12, b.PaintedCount())

	h.orch.sleep = func(context.Context, time.Duration) error { return nil }
	_, err = h.orch.Run(ctx, "b1")
	require.NoError(t, err)
	b, err = h.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusIllustrated, b.Status)
	assert.Equal(t, 27, b.PaintedCount())
}

// TestRun_EndToEndWithRacingPainter wires the real painter and anchor
// resolver against the mock provider.
func TestRun_EndToEndWithRacingPainter(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateBook(ctx, storyBook(t, "b1", 23)))

	objects, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	signer, err := objstore.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "http://localhost:8080", nil)
	require.NoError(t, err)
	gen := providers.NewMockImageGenerator()
	gen.Latency = 0

	p := painter.New(painter.Config{Concurrency: 1, Attempts: 2}, painter.Deps{
		Generator: gen,
		Objects:   objects,
		Books:     store,
		Records:   store,
		Signer:    signer,
		Recorder:  metrics.NewRecorder(store),
	})
	var sleeps int
	orch := New(testConfig(), Deps{
		Books:   store,
		Records: store,
		Orders:  store,
		Anchors: references.NewResolver(p, store, objects, nil),
		Painter: p,
		Sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
	})

	_, err = orch.Run(ctx, "b1")
	require.NoError(t, err)
	markPaid(t, store, "b1")
	_, err = orch.Run(ctx, "b1")
	require.NoError(t, err)

	b, err := store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, book.StatusIllustrated, b.Status)
	assert.Equal(t, 27, b.PaintedCount())
	assert.False(t, b.DegradedReferences)
	assert.Equal(t, 1, sleeps)

	// Every page but the photo page is painted with the anchors attached.
	assert.Equal(t, int64(26), gen.WithReferencesCount())

	records, err := store.ListImageRecords(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, records, 2+27)
}
