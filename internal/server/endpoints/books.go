package endpoints

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/pageset"
	"github.com/jackzampolin/storyshelf/internal/pipeline"
	"github.com/jackzampolin/storyshelf/internal/svcctx"
)

// maxStoryBytes bounds story uploads.
const maxStoryBytes = 1 << 20

// PageView is a page with a freshly signed image URL.
type PageView struct {
	book.Page
	ImageURL       string     `json:"image_url,omitempty"`
	ImageExpiresAt *time.Time `json:"image_expires_at,omitempty"`
}

// BookView is the status read returned to clients. URLs are re-signed on
// every read.
type BookView struct {
	book.Book
	Pages        []PageView          `json:"pages"`
	Document     *objstore.SignedURL `json:"document,omitempty"`
	PaintedCount int                 `json:"painted_count"`
	Running      pipeline.Phase      `json:"running_phase,omitempty"`
}

// newBookView signs page images for an hour and the document for a week.
func newBookView(ctx context.Context, b *book.Book) (BookView, error) {
	view := BookView{
		Book:         *b,
		Pages:        make([]PageView, len(b.Pages)),
		PaintedCount: b.PaintedCount(),
	}
	signer := svcctx.SignerFrom(ctx)
	for i, p := range b.Pages {
		view.Pages[i] = PageView{Page: p}
		if !p.Painted() || signer == nil {
			continue
		}
		signed, err := signer.Sign(*p.Image, objstore.PageURLTTL)
		if err != nil {
			return BookView{}, fmt.Errorf("failed to sign page %d: %w", p.PageNumber, err)
		}
		view.Pages[i].ImageURL = signed.URL
		view.Pages[i].ImageExpiresAt = &signed.ExpiresAt
	}
	if b.PDF != nil && signer != nil {
		signed, err := signer.Sign(*b.PDF, objstore.DocumentURLTTL)
		if err != nil {
			return BookView{}, fmt.Errorf("failed to sign document: %w", err)
		}
		view.Document = &signed
	}
	if o := svcctx.OrchestratorFrom(ctx); o != nil {
		if phase, ok := o.Running(b.ID); ok {
			view.Running = phase
		}
	}
	return view, nil
}

// readStory reads and validates a story document from the request body.
func readStory(r *http.Request) (*pageset.Story, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxStoryBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pageset.ErrInvalidStory, err)
	}
	return pageset.ValidateStory(raw)
}

// verifyPhoto checks that a story's photo is an existing image uploaded to
// this server's object store.
func verifyPhoto(ctx context.Context, ref *book.ObjectRef) error {
	if ref == nil {
		return nil
	}
	objects := svcctx.ObjectsFrom(ctx)
	if objects == nil {
		return fmt.Errorf("object store not initialized")
	}
	if ref.Store != objects.Name() {
		return fmt.Errorf("%w: photo %s is not in store %q", pageset.ErrInvalidStory, ref, objects.Name())
	}
	data, err := objects.Get(ctx, *ref)
	if errors.Is(err, objstore.ErrNotFound) {
		return fmt.Errorf("%w: photo %s does not exist", pageset.ErrInvalidStory, ref)
	}
	if err != nil {
		return err
	}
	if _, ok := photoTypes[http.DetectContentType(data)]; !ok {
		return fmt.Errorf("%w: photo %s is not an image", pageset.ErrInvalidStory, ref)
	}
	return nil
}

// CreateBookEndpoint handles POST /api/books.
type CreateBookEndpoint struct{}

func (e *CreateBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books", e.handler
}

func (e *CreateBookEndpoint) RequiresInit() bool { return true }

func (e *CreateBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	story, err := readStory(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pages, err := pageset.Build(*story)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	md, err := story.Metadata()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := verifyPhoto(r.Context(), md.Photo); err != nil {
		writeServiceError(w, err)
		return
	}

	b := &book.Book{
		ID:       uuid.NewString(),
		Status:   book.StatusDraft,
		Pages:    pages,
		Metadata: md,
	}
	if err := store.CreateBook(r.Context(), b); err != nil {
		writeServiceError(w, err)
		return
	}
	svcctx.LoggerFrom(r.Context()).Info("book created", "book_id", b.ID, "pages", len(pages))

	created, err := store.GetBook(r.Context(), b.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	view, err := newBookView(r.Context(), created)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (e *CreateBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <story.json>",
		Short: "Create a book from a story document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read story: %w", err)
			}
			client := api.NewClient(getServerURL())
			var resp BookView
			if err := client.PostRaw(cmd.Context(), "/api/books", raw, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// RebuildBookEndpoint handles POST /api/books/{id}/story.
type RebuildBookEndpoint struct{}

func (e *RebuildBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/story", e.handler
}

func (e *RebuildBookEndpoint) RequiresInit() bool { return true }

func (e *RebuildBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	story, err := readStory(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	existing, err := store.GetBook(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !existing.Status.StoryEditable() {
		writeServiceError(w, fmt.Errorf("%w: book %s is %s", book.ErrStoryLocked, id, existing.Status))
		return
	}
	md, err := story.Metadata()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// A painted first page is kept by the merge, so its photo stays too.
	if first, ok := existing.Page(pageset.PhotoPage); md.Photo == nil || (ok && first.Painted()) {
		md.Photo = existing.Metadata.Photo
	} else if err := verifyPhoto(r.Context(), md.Photo); err != nil {
		writeServiceError(w, err)
		return
	}
	pages, err := pageset.Rebuild(existing.Pages, *story)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	updated, err := store.MergePages(r.Context(), id, md, pages)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	view, err := newBookView(r.Context(), updated)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (e *RebuildBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <id> <story.json>",
		Short: "Rebuild a book's page set, keeping painted images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read story: %w", err)
			}
			client := api.NewClient(getServerURL())
			var resp BookView
			if err := client.PostRaw(cmd.Context(), "/api/books/"+args[0]+"/story", raw, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetBookEndpoint handles GET /api/books/{id}.
type GetBookEndpoint struct{}

func (e *GetBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books/{id}", e.handler
}

func (e *GetBookEndpoint) RequiresInit() bool { return true }

func (e *GetBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	b, err := store.GetBook(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	view, err := newBookView(r.Context(), b)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (e *GetBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a book by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp BookView
			if err := client.Get(cmd.Context(), "/api/books/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// BookSummary is one row of the book listing.
type BookSummary struct {
	ID           string      `json:"id"`
	Title        string      `json:"title,omitempty"`
	Status       book.Status `json:"status"`
	PageCount    int         `json:"page_count"`
	PaintedCount int         `json:"painted_count"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ListBooksResponse is the response for GET /api/books.
type ListBooksResponse struct {
	Books []BookSummary `json:"books"`
}

// ListBooksEndpoint handles GET /api/books.
type ListBooksEndpoint struct{}

func (e *ListBooksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books", e.handler
}

func (e *ListBooksEndpoint) RequiresInit() bool { return true }

func (e *ListBooksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	books, err := store.ListBooks(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := ListBooksResponse{Books: make([]BookSummary, 0, len(books))}
	for _, b := range books {
		resp.Books = append(resp.Books, BookSummary{
			ID:           b.ID,
			Title:        b.Metadata.Title,
			Status:       b.Status,
			PageCount:    len(b.Pages),
			PaintedCount: b.PaintedCount(),
			CreatedAt:    b.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListBooksEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all books",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListBooksResponse
			if err := client.Get(cmd.Context(), "/api/books", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
