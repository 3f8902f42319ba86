// Package sqlite provides a SQLite-backed storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/storage/sqlite/migrations"
)

// Store persists storyshelf state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Read-check-write sequences run in transactions; one connection keeps
	// them from racing each other into SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func refString(ref *book.ObjectRef) string {
	if ref == nil || ref.IsZero() {
		return ""
	}
	return ref.String()
}

func parseRef(value string) (*book.ObjectRef, error) {
	if value == "" {
		return nil, nil
	}
	ref, err := book.ParseObjectRef(value)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateBook inserts a book and its pages.
func (s *Store) CreateBook(ctx context.Context, b *book.Book) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("book id is required")
	}
	status := b.Status
	if status == "" {
		status = book.StatusDraft
	}
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO books (
			   id, status, title, lead_name, companion, setting, photo_ref,
			   degraded_references, created_at, updated_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID,
			string(status),
			b.Metadata.Title,
			b.Metadata.LeadName,
			b.Metadata.Companion,
			b.Metadata.Setting,
			refString(b.Metadata.Photo),
			b.DegradedReferences,
			toMillis(createdAt),
			toMillis(createdAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("book %s: %w", b.ID, storage.ErrAlreadyExists)
			}
			return fmt.Errorf("create book: %w", err)
		}
		return insertPages(ctx, tx, b.ID, b.Pages)
	})
}

func insertPages(ctx context.Context, tx *sql.Tx, bookID string, pages []book.Page) error {
	for _, p := range pages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pages (book_id, page_number, role, text, prompt, image_ref, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			bookID, p.PageNumber, string(p.Role), p.Text, p.Prompt, refString(p.Image), p.Version,
		); err != nil {
			return fmt.Errorf("insert page %d: %w", p.PageNumber, err)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const bookColumns = `id, status, title, lead_name, companion, setting, photo_ref,
	final_page_count, pdf_ref, vendor_order_id, vendor_order_status, tracking_url,
	degraded_references, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*book.Book, error) {
	var (
		b                    book.Book
		status               string
		photoRef, pdfRef     string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&b.ID, &status, &b.Metadata.Title, &b.Metadata.LeadName, &b.Metadata.Companion,
		&b.Metadata.Setting, &photoRef, &b.FinalPageCount, &pdfRef, &b.VendorOrderID,
		&b.VendorOrderStatus, &b.TrackingURL, &b.DegradedReferences, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = book.Status(status)
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)

	var err error
	if b.Metadata.Photo, err = parseRef(photoRef); err != nil {
		return nil, fmt.Errorf("photo ref: %w", err)
	}
	if b.PDF, err = parseRef(pdfRef); err != nil {
		return nil, fmt.Errorf("pdf ref: %w", err)
	}
	return &b, nil
}

func loadBook(ctx context.Context, q queryer, id string) (*book.Book, error) {
	b, err := scanBook(q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if b.Pages, err = loadPages(ctx, q, id); err != nil {
		return nil, err
	}
	return b, nil
}

func loadPages(ctx context.Context, q queryer, bookID string) ([]book.Page, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT page_number, role, text, prompt, image_ref, version
		 FROM pages WHERE book_id = ? ORDER BY page_number`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []book.Page
	for rows.Next() {
		var (
			p        book.Page
			role     string
			imageRef string
		)
		if err := rows.Scan(&p.PageNumber, &role, &p.Text, &p.Prompt, &imageRef, &p.Version); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.Role = book.Role(role)
		if p.Image, err = parseRef(imageRef); err != nil {
			return nil, fmt.Errorf("page %d image ref: %w", p.PageNumber, err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// GetBook returns one book with its pages.
func (s *Store) GetBook(ctx context.Context, id string) (*book.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return loadBook(ctx, s.sqlDB, id)
}

// ListBooks returns every book, oldest first.
func (s *Store) ListBooks(ctx context.Context) ([]*book.Book, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM books ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan book id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	books := make([]*book.Book, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBook(ctx, id)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

// MergePages merges a rebuilt page list into the stored one.
func (s *Store) MergePages(ctx context.Context, id string, md book.Metadata, pages []book.Page) (*book.Book, error) {
	var out *book.Book
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := loadBook(ctx, tx, id)
		if err != nil {
			return err
		}
		if !b.Status.StoryEditable() {
			return fmt.Errorf("%w: book %s is %s", book.ErrStoryLocked, id, b.Status)
		}
		merged, err := book.MergePages(b.Pages, pages)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE book_id = ?`, id); err != nil {
			return fmt.Errorf("clear pages: %w", err)
		}
		if err := insertPages(ctx, tx, id, merged); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE books SET title = ?, lead_name = ?, companion = ?, setting = ?, photo_ref = ?, updated_at = ?
			 WHERE id = ?`,
			md.Title, md.LeadName, md.Companion, md.Setting, refString(md.Photo), toMillis(time.Now()), id,
		); err != nil {
			return fmt.Errorf("update metadata: %w", err)
		}
		b.Pages = merged
		b.Metadata = md
		out = b
		return nil
	})
	return out, err
}

func touch(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE books SET updated_at = ? WHERE id = ?`, toMillis(time.Now()), id); err != nil {
		return fmt.Errorf("touch book: %w", err)
	}
	return nil
}

// SetPageImage writes one page's image under an optimistic version check.
func (s *Store) SetPageImage(ctx context.Context, id string, pageNumber int, ref book.ObjectRef, expectedVersion int) (book.Page, error) {
	var out book.Page
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pages SET image_ref = ?, version = version + 1
			 WHERE book_id = ? AND page_number = ? AND version = ?`,
			ref.String(), id, pageNumber, expectedVersion)
		if err != nil {
			return fmt.Errorf("set page image: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set page image: %w", err)
		}

		pages, err := loadPages(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, p := range pages {
			if p.PageNumber == pageNumber {
				out = p
				if n == 0 {
					return fmt.Errorf("book %s page %d: %w", id, pageNumber, storage.ErrVersionConflict)
				}
				return touch(ctx, tx, id)
			}
		}
		return fmt.Errorf("book %s page %d: %w", id, pageNumber, storage.ErrNotFound)
	})
	return out, err
}

// updateStatus validates and writes a status change inside tx.
func updateStatus(ctx context.Context, tx *sql.Tx, b *book.Book, to book.Status) error {
	if err := book.Transition(b.Status, to); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE books SET status = ? WHERE id = ?`, string(to), b.ID); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	b.Status = to
	return nil
}

// AdvanceStatus moves the book along the transition table.
func (s *Store) AdvanceStatus(ctx context.Context, id string, to book.Status) (*book.Book, error) {
	var out *book.Book
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := loadBook(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := updateStatus(ctx, tx, b, to); err != nil {
			return err
		}
		out = b
		return touch(ctx, tx, id)
	})
	return out, err
}

// SetDegradedReferences flags a book whose anchors are incomplete.
func (s *Store) SetDegradedReferences(ctx context.Context, id string, degraded bool) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE books SET degraded_references = ?, updated_at = ? WHERE id = ?`,
		degraded, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set degraded references: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("book %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// SetDocument persists the document reference and advances to pdf_ready.
func (s *Store) SetDocument(ctx context.Context, id string, ref book.ObjectRef, finalPageCount int) (*book.Book, error) {
	var out *book.Book
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := loadBook(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := updateStatus(ctx, tx, b, book.StatusPDFReady); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE books SET pdf_ref = ?, final_page_count = ? WHERE id = ?`,
			ref.String(), finalPageCount, id); err != nil {
			return fmt.Errorf("set document: %w", err)
		}
		r := ref
		b.PDF = &r
		b.FinalPageCount = finalPageCount
		out = b
		return touch(ctx, tx, id)
	})
	return out, err
}

// SetVendorOrder records vendor fields and optionally advances status.
func (s *Store) SetVendorOrder(ctx context.Context, id string, update storage.VendorUpdate) (*book.Book, error) {
	var out *book.Book
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := loadBook(ctx, tx, id)
		if err != nil {
			return err
		}
		if update.Next != "" {
			if err := updateStatus(ctx, tx, b, update.Next); err != nil {
				return err
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
		if _, err := tx.ExecContext(ctx,
			`UPDATE books SET vendor_order_id = ?, vendor_order_status = ?, tracking_url = ? WHERE id = ?`,
			b.VendorOrderID, b.VendorOrderStatus, b.TrackingURL, id); err != nil {
			return fmt.Errorf("set vendor order: %w", err)
		}
		out = b
		return touch(ctx, tx, id)
	})
	return out, err
}
