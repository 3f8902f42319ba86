package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/storage/storagetest"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "storyshelf.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTempStore(t) })
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storyshelf.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	b := storagetest.NewBook("b1", 2)
	b.Metadata.Photo = &book.ObjectRef{Store: "local", Path: "uploads/photo.png"}
	if err := store.CreateBook(ctx, b); err != nil {
		t.Fatalf("create book: %v", err)
	}
	if _, err := store.SetPageImage(ctx, "b1", 2, book.ObjectRef{Store: "local", Path: "books/b1/page-002.png"}, 0); err != nil {
		t.Fatalf("set page image: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Migrations must be idempotent across opens.
	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()

	got, err := store.GetBook(ctx, "b1")
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if got.Metadata.Photo == nil || got.Metadata.Photo.Path != "uploads/photo.png" {
		t.Fatalf("photo ref = %v", got.Metadata.Photo)
	}
	if got.PaintedCount() != 1 || got.Pages[1].Version != 1 {
		t.Fatalf("unexpected pages after reopen: %+v", got.Pages)
	}
}

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE x (id TEXT);\n-- +migrate Down\nDROP TABLE x;\n"
	got := extractUpMigration(content)
	if got != "\nCREATE TABLE x (id TEXT);\n" {
		t.Fatalf("extractUpMigration() = %q", got)
	}
}
