// Package book holds the storybook aggregate: its ordered pages, status
// lifecycle, typed object references and image audit records.
package book

import (
	"time"
)

// Role tags the structural purpose of a page.
type Role string

const (
	RolePhoto     Role = "photo"
	RoleScene     Role = "scene"
	RoleCompanion Role = "companion"
	RoleStory     Role = "story"
	RoleEpilogue  Role = "epilogue"
)

// IsStory reports whether the role is one of the story-role positions.
// Scene and companion introductions count as story pages.
func (r Role) IsStory() bool {
	return r == RoleScene || r == RoleCompanion || r == RoleStory
}

// Page is one illustrated page of a book. Version increments on every write
// to the page and guards concurrent image writes.
type Page struct {
	PageNumber int        `json:"page_number"`
	Role       Role       `json:"role"`
	Text       string     `json:"text"`
	Prompt     string     `json:"prompt"`
	Image      *ObjectRef `json:"image,omitempty"`
	Version    int        `json:"version"`
}

// Painted reports whether the page carries a durable image.
func (p Page) Painted() bool {
	return p.Image != nil && !p.Image.IsZero()
}

// Key returns the page key used for object paths and image records.
func (p Page) Key() PageKey {
	return PageNumberKey(p.PageNumber)
}

// Metadata is the character/setting information the page set is built from.
type Metadata struct {
	Title     string     `json:"title"`
	LeadName  string     `json:"lead_name"`
	Companion string     `json:"companion"`
	Setting   string     `json:"setting"`
	Photo     *ObjectRef `json:"photo,omitempty"`
}

// Book is the storybook aggregate.
type Book struct {
	ID                 string     `json:"id"`
	Status             Status     `json:"status"`
	Pages              []Page     `json:"pages"`
	Metadata           Metadata   `json:"metadata"`
	FinalPageCount     int        `json:"final_page_count,omitempty"`
	PDF                *ObjectRef `json:"pdf,omitempty"`
	VendorOrderID      string     `json:"vendor_order_id,omitempty"`
	VendorOrderStatus  string     `json:"vendor_order_status,omitempty"`
	TrackingURL        string     `json:"tracking_url,omitempty"`
	DegradedReferences bool       `json:"degraded_references,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Page returns the page with the given number.
func (b *Book) Page(number int) (Page, bool) {
	for _, p := range b.Pages {
		if p.PageNumber == number {
			return p, true
		}
	}
	return Page{}, false
}

// PaintedCount returns how many pages carry an image.
func (b *Book) PaintedCount() int {
	n := 0
	for _, p := range b.Pages {
		if p.Painted() {
			n++
		}
	}
	return n
}

// StructuralPageCount is the number of document pages before any filler:
// one cover block plus one block per page.
func (b *Book) StructuralPageCount() int {
	return len(b.Pages) + 1
}

// Clone returns a deep copy safe to hand across goroutines.
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	c := *b
	c.Pages = make([]Page, len(b.Pages))
	for i, p := range b.Pages {
		if p.Image != nil {
			ref := *p.Image
			p.Image = &ref
		}
		c.Pages[i] = p
	}
	if b.PDF != nil {
		ref := *b.PDF
		c.PDF = &ref
	}
	if b.Metadata.Photo != nil {
		ref := *b.Metadata.Photo
		c.Metadata.Photo = &ref
	}
	return &c
}

// ImageRecord is the audit trail entry written for every persisted image,
// independent of the Book aggregate.
type ImageRecord struct {
	BookID    string    `json:"book_id"`
	PageKey   PageKey   `json:"page_key"`
	Ref       ObjectRef `json:"ref"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}
