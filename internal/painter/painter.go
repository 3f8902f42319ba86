// Package painter paints one image slot by racing parallel generation
// calls, retrying whole attempts with a fixed delay.
package painter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/providers"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/telemetry"
)

// Defaults for racing.
const (
	DefaultConcurrency = 2
	DefaultAttempts    = 5
	DefaultRetryDelay  = 3 * time.Second
)

// Config tunes racing.
type Config struct {
	Concurrency int
	Attempts    int
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Request paints one slot. Page slots carry the page version observed when
// the caller decided to paint; anchor slots ignore it.
type Request struct {
	BookID     string
	Key        book.PageKey
	Stage      string
	Prompt     string
	References [][]byte
	Version    int
}

// Result is a persisted image with a fresh display URL.
type Result struct {
	Ref    book.ObjectRef
	URL    objstore.SignedURL
	Source string
	// Existing is set when another writer painted the page first and its
	// image was kept.
	Existing bool
}

// Deps are the painter's collaborators.
type Deps struct {
	Generator providers.ImageGenerator
	Objects   objstore.Store
	Books     storage.BookStore
	Records   storage.ImageRecordStore
	Signer    *objstore.Signer
	Recorder  *metrics.Recorder
	Logger    *slog.Logger
}

// Painter is the racing painter.
type Painter struct {
	cfg      Config
	gen      providers.ImageGenerator
	objects  objstore.Store
	books    storage.BookStore
	records  storage.ImageRecordStore
	signer   *objstore.Signer
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// New creates a Painter.
func New(cfg Config, deps Deps) *Painter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Painter{
		cfg:      cfg.withDefaults(),
		gen:      deps.Generator,
		objects:  deps.Objects,
		books:    deps.Books,
		records:  deps.Records,
		signer:   deps.Signer,
		recorder: deps.Recorder,
		logger:   logger,
	}
}

// MaxCalls is the most generation calls one Paint can issue.
func (p *Painter) MaxCalls() int {
	return p.cfg.Concurrency * p.cfg.Attempts
}

// Paint races generation calls until one succeeds or attempts run out.
// It returns false when the slot stays unpainted; that is not an error
// for the book.
func (p *Painter) Paint(ctx context.Context, req Request) (Result, bool) {
	ctx, span := telemetry.Tracer().Start(ctx, "painter.paint")
	defer span.End()
	span.SetAttributes(
		attribute.String("book_id", req.BookID),
		attribute.String("page_key", string(req.Key)),
		attribute.String("stage", req.Stage),
		attribute.Int("references", len(req.References)),
	)

	logger := p.logger.With("book_id", req.BookID, "page", req.Key, "stage", req.Stage)
	if len(req.References) > providers.MaxReferences {
		req.References = req.References[:providers.MaxReferences]
	}

	var (
		attempt int
		winner  *providers.ImageResult
	)
	err := retry.Do(
		func() error {
			attempt++
			res, err := p.race(ctx, req, attempt)
			if err != nil {
				logger.Debug("attempt failed", "attempt", attempt, "error", err)
				return err
			}
			winner = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.cfg.Attempts)),
		retry.Delay(p.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logger.Warn("slot left unpainted", "attempts", attempt, "error", err)
		span.SetStatus(codes.Error, "exhausted")
		return Result{}, false
	}
	span.SetAttributes(attribute.Int("attempts", attempt))

	result, err := p.persist(ctx, req, winner)
	if err != nil {
		logger.Error("failed to persist winning image", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist")
		return Result{}, false
	}
	logger.Info("slot painted", "attempts", attempt, "source", result.Source, "existing", result.Existing)
	return result, true
}

type outcome struct {
	racer    int
	res      *providers.ImageResult
	err      error
	duration time.Duration
}

// race runs one attempt: Concurrency identical calls, first success wins
// and the rest are cancelled. It returns only after every racer has
// returned.
func (p *Painter) race(ctx context.Context, req Request, attempt int) (*providers.ImageResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "painter.attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", attempt))

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := p.cfg.Concurrency
	results := make(chan outcome, n)
	for i := 1; i <= n; i++ {
		go func(racer int) {
			start := time.Now()
			res, err := p.gen.Generate(raceCtx, &providers.ImageRequest{
				Prompt:     req.Prompt,
				References: req.References,
				RequestID:  fmt.Sprintf("%s/%s/%d.%d", req.BookID, req.Key, attempt, racer),
			})
			if err == nil && (res == nil || len(res.Image) == 0) {
				err = providers.ErrEmptyImage
			}
			results <- outcome{racer: racer, res: res, err: err, duration: time.Since(start)}
		}(i)
	}

	opts := metrics.RecordOpts{BookID: req.BookID, Stage: req.Stage, ItemKey: string(req.Key), Attempt: attempt}
	var (
		winner *providers.ImageResult
		errs   []error
	)
	for i := 0; i < n; i++ {
		o := <-results
		opts.Racer = o.racer
		if o.err != nil {
			p.recordError(ctx, opts, o)
			if winner == nil {
				errs = append(errs, fmt.Errorf("racer %d: %w", o.racer, o.err))
			}
			continue
		}
		if winner == nil {
			winner = o.res
			cancel()
			p.recordResult(ctx, opts, o.res, true)
			continue
		}
		p.recordResult(ctx, opts, o.res, false)
	}

	if winner == nil {
		err := errors.Join(errs...)
		span.RecordError(err)
		return nil, err
	}
	return winner, nil
}

func (p *Painter) recordResult(ctx context.Context, opts metrics.RecordOpts, res *providers.ImageResult, winner bool) {
	if _, err := p.recorder.RecordGeneration(context.WithoutCancel(ctx), opts, res, winner); err != nil {
		p.logger.Warn("failed to record metric", "error", err)
	}
}

func (p *Painter) recordError(ctx context.Context, opts metrics.RecordOpts, o outcome) {
	if _, err := p.recorder.RecordError(context.WithoutCancel(ctx), opts, p.gen.Name(), p.gen.Model(), o.err, o.duration); err != nil {
		p.logger.Warn("failed to record metric", "error", err)
	}
}

// persist uploads the winner, writes the page under its version check and
// the audit record, and signs a display URL.
func (p *Painter) persist(ctx context.Context, req Request, res *providers.ImageResult) (Result, error) {
	pageNumber, isPage := req.Key.PageNumber()

	if isPage {
		if existing, ok, err := p.paintedPage(ctx, req.BookID, pageNumber); err != nil {
			return Result{}, err
		} else if ok {
			return p.existing(existing)
		}
	}

	ref, err := p.objects.Put(ctx, objstore.PagePath(req.BookID, req.Key), res.Image)
	if err != nil {
		return Result{}, fmt.Errorf("failed to upload image: %w", err)
	}

	if isPage {
		current, err := p.books.SetPageImage(ctx, req.BookID, pageNumber, ref, req.Version)
		if errors.Is(err, storage.ErrVersionConflict) {
			if current.Painted() {
				return p.existing(current)
			}
			return Result{}, fmt.Errorf("page %d changed while painting: %w", pageNumber, err)
		}
		if err != nil {
			return Result{}, fmt.Errorf("failed to write page image: %w", err)
		}
	}

	if err := p.records.PutImageRecord(ctx, book.ImageRecord{
		BookID:  req.BookID,
		PageKey: req.Key,
		Ref:     ref,
		Source:  res.Source(),
	}); err != nil {
		return Result{}, fmt.Errorf("failed to write image record: %w", err)
	}

	url, err := p.signer.Sign(ref, objstore.PageURLTTL)
	if err != nil {
		return Result{}, fmt.Errorf("failed to sign image url: %w", err)
	}
	return Result{Ref: ref, URL: url, Source: res.Source()}, nil
}

func (p *Painter) paintedPage(ctx context.Context, bookID string, pageNumber int) (book.Page, bool, error) {
	b, err := p.books.GetBook(ctx, bookID)
	if err != nil {
		return book.Page{}, false, fmt.Errorf("failed to read book: %w", err)
	}
	page, ok := b.Page(pageNumber)
	if !ok {
		return book.Page{}, false, fmt.Errorf("book %s has no page %d", bookID, pageNumber)
	}
	return page, page.Painted(), nil
}

func (p *Painter) existing(page book.Page) (Result, error) {
	url, err := p.signer.Sign(*page.Image, objstore.PageURLTTL)
	if err != nil {
		return Result{}, fmt.Errorf("failed to sign image url: %w", err)
	}
	return Result{Ref: *page.Image, URL: url, Existing: true}, nil
}
