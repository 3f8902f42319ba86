package book

import "time"

// Address is a shipping address snapshot.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

// OrderStatus tracks the commercial side of a book order.
type OrderStatus string

const (
	OrderPaid      OrderStatus = "paid"
	OrderSubmitted OrderStatus = "submitted"
	OrderShipped   OrderStatus = "shipped"
)

// Order is created when payment is confirmed for a book.
type Order struct {
	ID              string      `json:"id"`
	BookID          string      `json:"book_id"`
	ShippingAddress Address     `json:"shipping_address"`
	Amount          int64       `json:"amount"`
	Currency        string      `json:"currency"`
	Status          OrderStatus `json:"status"`
	TrackingURL     string      `json:"tracking_url,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}
