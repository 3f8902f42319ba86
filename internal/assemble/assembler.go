// Package assemble renders a finished book into a print-ready PDF.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/telemetry"
)

// DefaultMinPageCount is the printer's minimum document length.
const DefaultMinPageCount = 28

// ErrNotReady is returned when a book is not in a state that can be assembled.
var ErrNotReady = errors.New("book is not ready for assembly")

// Result is an assembled document.
type Result struct {
	Ref       book.ObjectRef     `json:"ref"`
	URL       objstore.SignedURL `json:"url"`
	PageCount int                `json:"page_count"`
	Filler    int                `json:"filler_pages"`
	Reused    bool               `json:"reused,omitempty"`
}

// Config tunes the assembler.
type Config struct {
	MinPageCount int
	// PrintBaseURL is the origin the renderer loads the print page from.
	PrintBaseURL string
}

// Deps are the assembler's collaborators.
type Deps struct {
	Books       storage.BookStore
	Objects     objstore.Store
	Signer      *objstore.Signer
	NewRenderer func() Renderer
	Logger      *slog.Logger
}

// Assembler renders books page by page and stores the merged document.
type Assembler struct {
	cfg         Config
	books       storage.BookStore
	objects     objstore.Store
	signer      *objstore.Signer
	newRenderer func() Renderer
	logger      *slog.Logger
}

// New creates an Assembler.
func New(cfg Config, deps Deps) *Assembler {
	if cfg.MinPageCount <= 0 {
		cfg.MinPageCount = DefaultMinPageCount
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		cfg:         cfg,
		books:       deps.Books,
		objects:     deps.Objects,
		signer:      deps.Signer,
		newRenderer: deps.NewRenderer,
		logger:      logger,
	}
}

// Assemble renders an illustrated book. A book that already has a document
// is returned as-is unless force is set. Nothing is persisted on failure.
func (a *Assembler) Assemble(ctx context.Context, bookID string, force bool) (res Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "assemble.document")
	defer span.End()
	span.SetAttributes(attribute.String("book_id", bookID), attribute.Bool("force", force))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	b, err := a.books.GetBook(ctx, bookID)
	if err != nil {
		return Result{}, err
	}
	logger := a.logger.With("book_id", bookID)

	switch {
	case b.PDF != nil && !force && b.Status.Rank() >= book.StatusPDFReady.Rank():
		url, err := a.signer.Sign(*b.PDF, objstore.DocumentURLTTL)
		if err != nil {
			return Result{}, err
		}
		return Result{Ref: *b.PDF, URL: url, PageCount: b.FinalPageCount, Reused: true}, nil
	case b.Status == book.StatusIllustrated, b.Status == book.StatusPDFReady:
	default:
		return Result{}, fmt.Errorf("%w: book %s is %s", ErrNotReady, bookID, b.Status)
	}

	start := time.Now()
	doc, count, filler, err := a.render(ctx, b)
	if err != nil {
		logger.Error("assembly failed", "error", err)
		return Result{}, err
	}
	want := DocumentPageCount(b.StructuralPageCount(), a.cfg.MinPageCount)
	if count != want {
		return Result{}, fmt.Errorf("merged document has %d pages, expected %d", count, want)
	}

	ref, err := a.objects.Put(ctx, objstore.DocumentPath(bookID, uuid.NewString()), doc)
	if err != nil {
		return Result{}, fmt.Errorf("failed to store document: %w", err)
	}
	if _, err := a.books.SetDocument(ctx, bookID, ref, count); err != nil {
		if derr := a.objects.Delete(context.WithoutCancel(ctx), ref); derr != nil {
			logger.Warn("failed to remove unreferenced document", "ref", ref.String(), "error", derr)
		}
		return Result{}, fmt.Errorf("failed to persist document: %w", err)
	}
	url, err := a.signer.Sign(ref, objstore.DocumentURLTTL)
	if err != nil {
		return Result{}, err
	}

	logger.Info("document assembled", "pages", count, "filler", filler, "bytes", len(doc), "duration", time.Since(start))
	span.SetAttributes(attribute.Int("pages", count), attribute.Int("filler", filler))
	return Result{Ref: ref, URL: url, PageCount: count, Filler: filler}, nil
}

// render captures every block in one renderer session and merges them.
func (a *Assembler) render(ctx context.Context, b *book.Book) (doc []byte, count, filler int, err error) {
	printURL, err := PrintURL(a.signer, a.cfg.PrintBaseURL, b.ID)
	if err != nil {
		return nil, 0, 0, err
	}

	r := a.newRenderer()
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close renderer: %w", cerr)
		}
	}()
	if err := r.Open(ctx, printURL); err != nil {
		return nil, 0, 0, err
	}

	structural := b.StructuralPageCount()
	parts := make([][]byte, 0, structural)
	for i := range structural {
		part, err := r.CapturePage(ctx, i)
		if err != nil {
			return nil, 0, 0, err
		}
		parts = append(parts, part)
	}

	filler = DocumentPageCount(structural, a.cfg.MinPageCount) - structural
	var fillerPage []byte
	if filler > 0 {
		if fillerPage, err = r.CaptureFiller(ctx); err != nil {
			return nil, 0, 0, err
		}
	}

	doc, count, err = Merge(parts, fillerPage, filler)
	if err != nil {
		return nil, 0, 0, err
	}
	return doc, count, filler, nil
}
