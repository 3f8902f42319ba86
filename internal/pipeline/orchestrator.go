// Package pipeline drives illustration generation across a book: a teaser
// phase before payment and a batched full phase after it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/config"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/painter"
	"github.com/jackzampolin/storyshelf/internal/prompts"
	"github.com/jackzampolin/storyshelf/internal/references"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/telemetry"
)

// Phase names a generation phase.
type Phase string

const (
	PhaseTeaser Phase = "teaser"
	PhaseFull   Phase = "full"
)

// AnchorSource tags image records for pages that reuse an anchor portrait.
const AnchorSource = "anchor"

var (
	// ErrAlreadyRunning is returned when a phase is already running for the book.
	ErrAlreadyRunning = errors.New("generation already running for book")
	// ErrNotPaid is returned when the full phase is requested before payment.
	ErrNotPaid = errors.New("full generation requires payment")
	// ErrNothingToGenerate is returned for books past the generation phases.
	ErrNothingToGenerate = errors.New("book has no generation phase to run")
	// ErrMissingAnchors is the failure cause under the require anchor policy.
	ErrMissingAnchors = errors.New("anchor portraits unavailable")
)

// Painter paints one image slot.
type Painter interface {
	Paint(ctx context.Context, req painter.Request) (painter.Result, bool)
}

// AnchorResolver resolves a book's anchor portraits.
type AnchorResolver interface {
	Resolve(ctx context.Context, b *book.Book) (references.Anchors, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config tunes the phases.
type Config struct {
	TeaserPages  int
	BatchSize    int
	BatchDelay   time.Duration
	AnchorPolicy string
}

// ConfigFrom maps the pipeline config section.
func ConfigFrom(c config.PipelineCfg) Config {
	return Config{
		TeaserPages:  c.TeaserPages,
		BatchSize:    c.BatchSize,
		BatchDelay:   c.BatchDelay(),
		AnchorPolicy: c.AnchorPolicy,
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Books    storage.BookStore
	Records  storage.ImageRecordStore
	Orders   storage.OrderStore
	Anchors  AnchorResolver
	Painter  Painter
	Sleep    Sleeper
	Logger   *slog.Logger
	Lifetime context.Context // background phases stop when it is done
}

// Orchestrator owns the generation phases and the status moves around them.
type Orchestrator struct {
	cfg      Config
	books    storage.BookStore
	records  storage.ImageRecordStore
	orders   storage.OrderStore
	anchors  AnchorResolver
	painter  Painter
	sleep    Sleeper
	logger   *slog.Logger
	lifetime context.Context

	mu      sync.Mutex
	running map[string]Phase
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.TeaserPages <= 0 {
		cfg.TeaserPages = 7
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 18
	}
	if cfg.AnchorPolicy == "" {
		cfg.AnchorPolicy = config.AnchorPolicyDegrade
	}
	o := &Orchestrator{
		cfg:      cfg,
		books:    deps.Books,
		records:  deps.Records,
		orders:   deps.Orders,
		anchors:  deps.Anchors,
		painter:  deps.Painter,
		sleep:    deps.Sleep,
		logger:   deps.Logger,
		lifetime: deps.Lifetime,
		running:  make(map[string]Phase),
	}
	if o.sleep == nil {
		o.sleep = Sleep
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.lifetime == nil {
		o.lifetime = context.Background()
	}
	return o
}

// GenerateImages validates the book and starts the phase its status calls
// for in the background. It returns once the phase has been claimed and
// the book moved into its generating status.
func (o *Orchestrator) GenerateImages(ctx context.Context, bookID string) (Phase, error) {
	phase, err := o.start(ctx, bookID)
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(bookID)
		o.run(o.lifetime, bookID, phase)
	}()
	return phase, nil
}

// Run claims and runs the book's next phase synchronously.
func (o *Orchestrator) Run(ctx context.Context, bookID string) (Phase, error) {
	phase, err := o.start(ctx, bookID)
	if err != nil {
		return "", err
	}
	defer o.release(bookID)
	return phase, o.run(ctx, bookID, phase)
}

// Wait blocks until every background phase has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Running reports the phase currently running for a book, if any.
func (o *Orchestrator) Running(bookID string) (Phase, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.running[bookID]
	return p, ok
}

func (o *Orchestrator) release(bookID string) {
	o.mu.Lock()
	delete(o.running, bookID)
	o.mu.Unlock()
}

// start picks the phase, claims the single-flight slot and writes the
// generating status.
func (o *Orchestrator) start(ctx context.Context, bookID string) (Phase, error) {
	b, err := o.books.GetBook(ctx, bookID)
	if err != nil {
		return "", err
	}
	phase, next, err := o.nextPhase(ctx, b)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if _, busy := o.running[bookID]; busy {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, bookID)
	}
	o.running[bookID] = phase
	o.mu.Unlock()

	if _, err := o.books.AdvanceStatus(ctx, bookID, next); err != nil {
		o.release(bookID)
		return "", err
	}
	return phase, nil
}

func (o *Orchestrator) nextPhase(ctx context.Context, b *book.Book) (Phase, book.Status, error) {
	switch b.Status {
	case book.StatusDraft, book.StatusTeaserGenerating:
		return PhaseTeaser, book.StatusTeaserGenerating, nil
	case book.StatusPaid, book.StatusGenerating:
		return PhaseFull, book.StatusGenerating, nil
	case book.StatusTeaserReady:
		return "", "", fmt.Errorf("%w: book %s", ErrNotPaid, b.ID)
	case book.StatusFailed:
		// An order on file means the failure happened after payment.
		_, err := o.orders.GetOrderByBook(ctx, b.ID)
		switch {
		case err == nil:
			return PhaseFull, book.StatusGenerating, nil
		case errors.Is(err, storage.ErrNotFound):
			return PhaseTeaser, book.StatusTeaserGenerating, nil
		default:
			return "", "", err
		}
	default:
		return "", "", fmt.Errorf("%w: book %s is %s", ErrNothingToGenerate, b.ID, b.Status)
	}
}

// run executes a claimed phase and writes the closing status.
func (o *Orchestrator) run(ctx context.Context, bookID string, phase Phase) error {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.phase")
	defer span.End()
	span.SetAttributes(attribute.String("book_id", bookID), attribute.String("phase", string(phase)))

	logger := o.logger.With("book_id", bookID, "phase", phase)
	start := time.Now()
	logger.Info("generation phase started")

	var err error
	switch phase {
	case PhaseTeaser:
		err = o.teaser(ctx, bookID, logger)
	case PhaseFull:
		err = o.full(ctx, bookID, logger)
	}

	// Use a context that survives shutdown for the closing write.
	writeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		next := book.StatusTeaserReady
		if phase == PhaseFull {
			next = book.StatusIllustrated
		}
		if _, err = o.books.AdvanceStatus(writeCtx, bookID, next); err != nil {
			logger.Error("failed to close phase", "error", err)
		} else {
			logger.Info("generation phase complete", "status", next, "duration", time.Since(start))
		}
	case ctx.Err() != nil:
		// Interrupted; the generating status makes the phase resumable.
		logger.Warn("generation phase interrupted", "error", err)
	default:
		logger.Error("generation phase failed", "error", err)
		if _, ferr := o.books.AdvanceStatus(writeCtx, bookID, book.StatusFailed); ferr != nil {
			logger.Error("failed to mark book failed", "error", ferr)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// prepare loads the book and resolves anchors under the configured policy.
func (o *Orchestrator) prepare(ctx context.Context, bookID string, logger *slog.Logger) (*book.Book, references.Anchors, error) {
	b, err := o.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, references.Anchors{}, err
	}
	anchors, err := o.anchors.Resolve(ctx, b)
	if err != nil {
		return nil, references.Anchors{}, fmt.Errorf("failed to resolve anchors: %w", err)
	}
	if !anchors.Complete() {
		if o.cfg.AnchorPolicy == config.AnchorPolicyRequire {
			return nil, references.Anchors{}, fmt.Errorf("%w: %v", ErrMissingAnchors, anchors.Missing)
		}
		logger.Warn("continuing without anchor portraits", "missing", anchors.Missing)
		if !b.DegradedReferences {
			if err := o.books.SetDegradedReferences(ctx, bookID, true); err != nil {
				return nil, references.Anchors{}, err
			}
		}
	} else if b.DegradedReferences {
		if err := o.books.SetDegradedReferences(ctx, bookID, false); err != nil {
			return nil, references.Anchors{}, err
		}
	}
	return b, anchors, nil
}

func (o *Orchestrator) teaser(ctx context.Context, bookID string, logger *slog.Logger) error {
	b, anchors, err := o.prepare(ctx, bookID, logger)
	if err != nil {
		return err
	}

	if err := o.copyLeadAnchor(ctx, b, anchors, logger); err != nil {
		return err
	}

	limit := min(o.cfg.TeaserPages, len(b.Pages))
	pages := unpainted(b.Pages[:limit])
	logger.Info("painting teaser pages", "pages", len(pages), "limit", limit)
	return o.paintAll(ctx, b.ID, metrics.StageTeaser, pages, anchors)
}

func (o *Orchestrator) full(ctx context.Context, bookID string, logger *slog.Logger) error {
	b, anchors, err := o.prepare(ctx, bookID, logger)
	if err != nil {
		return err
	}
	if err := o.copyLeadAnchor(ctx, b, anchors, logger); err != nil {
		return err
	}

	pages := unpainted(b.Pages)
	batches := batch(pages, o.cfg.BatchSize)
	logger.Info("painting remaining pages", "pages", len(pages), "batches", len(batches))
	for i, pb := range batches {
		if i > 0 {
			logger.Debug("sleeping between batches", "delay", o.cfg.BatchDelay)
			if err := o.sleep(ctx, o.cfg.BatchDelay); err != nil {
				return err
			}
		}
		if err := o.paintAll(ctx, b.ID, metrics.StageFull, pb, anchors); err != nil {
			return err
		}
	}
	return nil
}

// copyLeadAnchor gives page 1 the lead portrait when no user photo was
// supplied.
func (o *Orchestrator) copyLeadAnchor(ctx context.Context, b *book.Book, anchors references.Anchors, logger *slog.Logger) error {
	page, ok := b.Page(1)
	if !ok || page.Painted() || page.Role != book.RolePhoto || anchors.Lead == nil {
		return nil
	}
	ref := anchors.Lead.Ref
	updated, err := o.books.SetPageImage(ctx, b.ID, page.PageNumber, ref, page.Version)
	if errors.Is(err, storage.ErrVersionConflict) {
		logger.Debug("photo page written concurrently", "page", page.PageNumber)
		return o.refresh(ctx, b)
	}
	if err != nil {
		return fmt.Errorf("failed to set photo page: %w", err)
	}
	if err := o.records.PutImageRecord(ctx, book.ImageRecord{BookID: b.ID, PageKey: page.Key(), Ref: ref, Source: AnchorSource}); err != nil {
		return fmt.Errorf("failed to record photo page: %w", err)
	}
	for i := range b.Pages {
		if b.Pages[i].PageNumber == updated.PageNumber {
			b.Pages[i] = updated
		}
	}
	return nil
}

func (o *Orchestrator) refresh(ctx context.Context, b *book.Book) error {
	fresh, err := o.books.GetBook(ctx, b.ID)
	if err != nil {
		return err
	}
	*b = *fresh
	return nil
}

// paintAll paints every page concurrently. Unpainted pages after the
// painter gives up are not an error.
func (o *Orchestrator) paintAll(ctx context.Context, bookID, stage string, pages []book.Page, anchors references.Anchors) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, page := range pages {
		g.Go(func() error {
			refs := anchors.ForPage(page.Role)
			o.painter.Paint(gctx, painter.Request{
				BookID:     bookID,
				Key:        page.Key(),
				Stage:      stage,
				Prompt:     prompts.PagePrompt(page.Prompt, len(refs) > 0),
				References: refs,
				Version:    page.Version,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func unpainted(pages []book.Page) []book.Page {
	var out []book.Page
	for _, p := range pages {
		if !p.Painted() {
			out = append(out, p)
		}
	}
	return out
}

func batch(pages []book.Page, size int) [][]book.Page {
	var out [][]book.Page
	for len(pages) > 0 {
		n := min(size, len(pages))
		out = append(out, pages[:n])
		pages = pages[n:]
	}
	return out
}
