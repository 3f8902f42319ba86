package references

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/painter"
	"github.com/jackzampolin/storyshelf/internal/storage/memory"
	"github.com/jackzampolin/storyshelf/internal/storage/storagetest"
)

// fakePainter writes the key name as image bytes unless the key fails.
type fakePainter struct {
	mu      sync.Mutex
	objects objstore.Store
	fail    map[book.PageKey]bool
	calls   []painter.Request
	active  int
	peak    int
	delay   time.Duration
}

func (f *fakePainter) Paint(ctx context.Context, req painter.Request) (painter.Result, bool) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	time.Sleep(f.delay)
	if f.fail[req.Key] {
		return painter.Result{}, false
	}
	ref, err := f.objects.Put(ctx, objstore.PagePath(req.BookID, req.Key), []byte(req.Key))
	if err != nil {
		return painter.Result{}, false
	}
	return painter.Result{Ref: ref}, true
}

func newResolver(t *testing.T, fail map[book.PageKey]bool) (*Resolver, *fakePainter, *memory.Store) {
	t.Helper()
	objects, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	store := memory.New()
	fp := &fakePainter{objects: objects, fail: fail, delay: 20 * time.Millisecond}
	return NewResolver(fp, store, objects, nil), fp, store
}

func TestResolve_PaintsBothInParallel(t *testing.T) {
	r, fp, _ := newResolver(t, nil)
	b := storagetest.NewBook("b1", 1)

	anchors, err := r.Resolve(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, anchors.Complete())
	require.NotNil(t, anchors.Lead)
	require.NotNil(t, anchors.Companion)
	assert.Equal(t, []byte(book.AnchorLead), anchors.Lead.Image)
	assert.Equal(t, []byte(book.AnchorCompanion), anchors.Companion.Image)

	require.Len(t, fp.calls, 2)
	assert.Equal(t, 2, fp.peak, "anchors are painted concurrently")
	for _, c := range fp.calls {
		assert.Equal(t, metrics.StageAnchor, c.Stage)
		assert.Empty(t, c.References)
		if c.Key == book.AnchorLead {
			assert.True(t, strings.Contains(c.Prompt, "Ada"))
		}
	}
}

func TestResolve_MissingAnchor(t *testing.T) {
	r, _, _ := newResolver(t, map[book.PageKey]bool{book.AnchorCompanion: true})

	anchors, err := r.Resolve(context.Background(), storagetest.NewBook("b1", 1))
	require.NoError(t, err)
	assert.False(t, anchors.Complete())
	assert.Equal(t, []book.PageKey{book.AnchorCompanion}, anchors.Missing)
	assert.NotNil(t, anchors.Lead)
	assert.Nil(t, anchors.Companion)

	refs := anchors.ForPage(book.RoleStory)
	assert.Len(t, refs, 1, "missing reference is omitted, not fatal")
}

func TestResolve_ReusesRecordedAnchors(t *testing.T) {
	r, fp, store := newResolver(t, nil)
	ctx := context.Background()

	ref, err := fp.objects.Put(ctx, objstore.PagePath("b1", book.AnchorLead), []byte("recorded"))
	require.NoError(t, err)
	require.NoError(t, store.PutImageRecord(ctx, book.ImageRecord{BookID: "b1", PageKey: book.AnchorLead, Ref: ref, Source: "mock:mock-image"}))

	anchors, err := r.Resolve(ctx, storagetest.NewBook("b1", 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("recorded"), anchors.Lead.Image)
	require.Len(t, fp.calls, 1, "only the missing anchor is painted")
	assert.Equal(t, book.AnchorCompanion, fp.calls[0].Key)
}

func TestAnchors_ForPage(t *testing.T) {
	a := Anchors{
		Lead:      &Anchor{Key: book.AnchorLead, Image: []byte("L")},
		Companion: &Anchor{Key: book.AnchorCompanion, Image: []byte("C")},
	}
	assert.Nil(t, a.ForPage(book.RolePhoto))
	assert.Equal(t, [][]byte{[]byte("L"), []byte("C")}, a.ForPage(book.RoleStory))
	assert.Equal(t, [][]byte{[]byte("C"), []byte("L")}, a.ForPage(book.RoleCompanion))
	assert.Empty(t, Anchors{}.ForPage(book.RoleEpilogue))
}
