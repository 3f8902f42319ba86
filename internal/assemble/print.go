package assemble

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/storage"
)

// PrintStore is the pseudo-store named in print page tokens.
const PrintStore = "print"

//go:embed templates/*.tmpl
var templateFS embed.FS

var printTemplate = template.Must(template.New("print.html.tmpl").
	Funcs(template.FuncMap{"add": func(a, b int) int { return a + b }}).
	ParseFS(templateFS, "templates/print.html.tmpl"))

type printPage struct {
	Number int
	Text   string
	Image  string
}

type printView struct {
	Title      string
	LeadName   string
	CoverImage string
	Pages      []printPage
}

// printRef is the token subject granting access to a book's print page.
func printRef(bookID string) book.ObjectRef {
	return book.ObjectRef{Store: PrintStore, Path: "books/" + bookID}
}

// PrintURL returns the signed print page URL for a book under baseURL.
func PrintURL(signer *objstore.Signer, baseURL, bookID string) (string, error) {
	token, _, err := signer.Token(printRef(bookID), objstore.PageURLTTL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/print/books/%s?token=%s", baseURL, url.PathEscape(bookID), url.QueryEscape(token)), nil
}

// RenderPrintPage renders the print page for b. Image sources are
// same-origin object URLs signed for the display TTL.
func RenderPrintPage(b *book.Book, signer *objstore.Signer) ([]byte, error) {
	view := printView{
		Title:    b.Metadata.Title,
		LeadName: b.Metadata.LeadName,
	}
	if view.Title == "" {
		view.Title = b.Metadata.LeadName + "'s Story"
	}
	for _, p := range b.Pages {
		pp := printPage{Number: p.PageNumber, Text: p.Text}
		if p.Painted() {
			src, err := objectSrc(signer, *p.Image)
			if err != nil {
				return nil, err
			}
			pp.Image = src
			if view.CoverImage == "" {
				view.CoverImage = src
			}
		}
		view.Pages = append(view.Pages, pp)
	}

	var buf bytes.Buffer
	if err := printTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("failed to render print page: %w", err)
	}
	return buf.Bytes(), nil
}

func objectSrc(signer *objstore.Signer, ref book.ObjectRef) (string, error) {
	token, _, err := signer.Token(ref, objstore.PageURLTTL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/objects/%s?token=%s", ref.Path, url.QueryEscape(token)), nil
}

// PrintHandler serves GET /print/books/{id}. The token must grant the
// book's print page.
func PrintHandler(books storage.BookStore, signer *objstore.Signer, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ref, err := signer.Verify(r.URL.Query().Get("token"))
		if err != nil {
			status := http.StatusForbidden
			if errors.Is(err, objstore.ErrExpiredToken) {
				status = http.StatusGone
			}
			http.Error(w, err.Error(), status)
			return
		}
		if ref != printRef(id) {
			http.Error(w, "token does not grant this book", http.StatusForbidden)
			return
		}

		b, err := books.GetBook(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "book not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to load book for print", "book_id", id, "error", err)
			http.Error(w, "failed to load book", http.StatusInternalServerError)
			return
		}

		body, err := RenderPrintPage(b, signer)
		if err != nil {
			logger.Error("failed to render print page", "book_id", id, "error", err)
			http.Error(w, "failed to render print page", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(body)
	}
}
