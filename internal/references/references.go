// Package references resolves the two anchor portraits used to keep
// characters consistent across a book's illustrations.
package references

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/painter"
	"github.com/jackzampolin/storyshelf/internal/prompts"
	"github.com/jackzampolin/storyshelf/internal/storage"
)

// Painter paints one image slot.
type Painter interface {
	Paint(ctx context.Context, req painter.Request) (painter.Result, bool)
}

// Anchor is a resolved portrait.
type Anchor struct {
	Key   book.PageKey
	Ref   book.ObjectRef
	Image []byte
}

// Anchors is the outcome of resolution. Missing lists anchors that could
// not be painted; callers decide whether to degrade or fail.
type Anchors struct {
	Lead      *Anchor
	Companion *Anchor
	Missing   []book.PageKey
}

// Complete reports whether both anchors resolved.
func (a Anchors) Complete() bool {
	return len(a.Missing) == 0
}

// ForPage returns the reference images for a page, lead first. The
// companion introduction leads with the companion. Photo pages take none.
func (a Anchors) ForPage(role book.Role) [][]byte {
	var refs [][]byte
	add := func(anchor *Anchor) {
		if anchor != nil && len(anchor.Image) > 0 {
			refs = append(refs, anchor.Image)
		}
	}
	switch role {
	case book.RolePhoto:
		return nil
	case book.RoleCompanion:
		add(a.Companion)
		add(a.Lead)
	default:
		add(a.Lead)
		add(a.Companion)
	}
	return refs
}

// Resolver paints or reloads a book's anchors.
type Resolver struct {
	painter Painter
	records storage.ImageRecordStore
	objects objstore.Store
	logger  *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(p Painter, records storage.ImageRecordStore, objects objstore.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{painter: p, records: records, objects: objects, logger: logger}
}

// Resolve returns both anchors for b, painting the ones without an image
// record in parallel. Exhausted painting leaves an anchor missing; only
// storage failures are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, b *book.Book) (Anchors, error) {
	existing, err := r.existing(ctx, b.ID)
	if err != nil {
		return Anchors{}, err
	}

	data := prompts.Data{LeadName: b.Metadata.LeadName, Companion: b.Metadata.Companion, Setting: b.Metadata.Setting}
	slots := [2]struct {
		key      book.PageKey
		template string
	}{
		{book.AnchorLead, prompts.AnchorLead},
		{book.AnchorCompanion, prompts.AnchorCompanion},
	}

	var resolved [2]*Anchor
	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range slots {
		g.Go(func() error {
			anchor, err := r.resolveOne(gctx, b.ID, slot.key, slot.template, data, existing)
			resolved[i] = anchor
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Anchors{}, err
	}

	anchors := Anchors{Lead: resolved[0], Companion: resolved[1]}
	if anchors.Lead == nil {
		anchors.Missing = append(anchors.Missing, book.AnchorLead)
	}
	if anchors.Companion == nil {
		anchors.Missing = append(anchors.Missing, book.AnchorCompanion)
	}
	return anchors, nil
}

// resolveOne reloads a recorded anchor or paints a new one. A nil anchor
// with nil error means painting was exhausted.
func (r *Resolver) resolveOne(ctx context.Context, bookID string, key book.PageKey, template string, data prompts.Data, existing map[book.PageKey]book.ObjectRef) (*Anchor, error) {
	if ref, ok := existing[key]; ok {
		img, err := r.objects.Get(ctx, ref)
		if err == nil {
			return &Anchor{Key: key, Ref: ref, Image: img}, nil
		}
		r.logger.Warn("anchor image unreadable, repainting", "book_id", bookID, "anchor", key, "error", err)
	}

	prompt, err := prompts.Render(template, data)
	if err != nil {
		return nil, err
	}
	res, ok := r.painter.Paint(ctx, painter.Request{
		BookID: bookID,
		Key:    key,
		Stage:  metrics.StageAnchor,
		Prompt: prompt,
	})
	if !ok {
		return nil, nil
	}
	img, err := r.objects.Get(ctx, res.Ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load anchor %s: %w", key, err)
	}
	return &Anchor{Key: key, Ref: res.Ref, Image: img}, nil
}

// existing returns the latest recorded ref per anchor key.
func (r *Resolver) existing(ctx context.Context, bookID string) (map[book.PageKey]book.ObjectRef, error) {
	recs, err := r.records.ListImageRecords(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list image records: %w", err)
	}
	out := make(map[book.PageKey]book.ObjectRef)
	for _, rec := range recs {
		if rec.PageKey.IsAnchor() {
			out[rec.PageKey] = rec.Ref
		}
	}
	return out, nil
}
