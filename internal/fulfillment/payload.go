package fulfillment

import (
	"github.com/jackzampolin/storyshelf/internal/book"
)

// Payload is the vendor order request.
type Payload struct {
	ExternalID      string          `json:"external_id"`
	ContactEmail    string          `json:"contact_email,omitempty"`
	Currency        string          `json:"currency"`
	ShippingLevel   string          `json:"shipping_level"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	LineItems       []LineItem      `json:"line_items"`
}

// ShippingAddress is the vendor's address shape.
type ShippingAddress struct {
	Name        string `json:"name"`
	Street1     string `json:"street1"`
	Street2     string `json:"street2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code"`
	PostCode    string `json:"postcode"`
	CountryCode string `json:"country_code"`
	Phone       string `json:"phone_number,omitempty"`
	Email       string `json:"email,omitempty"`
}

// LineItem is one printed book.
type LineItem struct {
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Quantity    int    `json:"quantity"`
	PackageID   string `json:"pod_package_id"`
	PageCount   int    `json:"page_count"`
	InteriorURL string `json:"interior_source_url"`
}

// BuildPayload assembles the single-item order for b. The declared page
// count is the assembled document's count, or minPages when unknown.
func BuildPayload(b *book.Book, p Params, documentURL string, e Env, minPages int) Payload {
	pages := b.FinalPageCount
	if pages <= 0 {
		pages = minPages
	}
	title := b.Metadata.Title
	if title == "" {
		title = b.Metadata.LeadName + "'s Story"
	}
	addr := p.ShippingAddress
	return Payload{
		ExternalID:    p.OrderReferenceID,
		ContactEmail:  addr.Email,
		Currency:      p.Currency,
		ShippingLevel: e.ShippingLevel,
		ShippingAddress: ShippingAddress{
			Name:        addr.Name,
			Street1:     addr.Line1,
			Street2:     addr.Line2,
			City:        addr.City,
			StateCode:   NormalizeRegion(addr.Region),
			PostCode:    addr.PostalCode,
			CountryCode: addr.Country,
			Phone:       addr.Phone,
			Email:       addr.Email,
		},
		LineItems: []LineItem{{
			ExternalID:  b.ID,
			Title:       title,
			Quantity:    1,
			PackageID:   e.PackageID,
			PageCount:   pages,
			InteriorURL: documentURL,
		}},
	}
}
