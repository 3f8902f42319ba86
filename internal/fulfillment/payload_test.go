package fulfillment

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/book"
)

func testAddress() book.Address {
	return book.Address{
		Name:       "Ada Lovelace",
		Line1:      "12 Rue des Fleurs",
		City:       "Montréal",
		Region:     "Québec",
		PostalCode: "H2X 1Y4",
		Country:    "CA",
		Email:      "ada@example.com",
	}
}

func testEnv() Env {
	return Env{Mode: ModeDraft, PackageID: "0800X1100FCSTDPB080CW444GXX", ShippingLevel: "MAIL"}
}

func TestBuildPayload_Golden(t *testing.T) {
	b := &book.Book{ID: "b1", FinalPageCount: 28, Metadata: book.Metadata{Title: "Ada and the Fox", LeadName: "Ada"}}
	p := Params{BookID: "b1", ShippingAddress: testAddress(), Currency: "CAD", OrderReferenceID: "ord-1"}

	payload := BuildPayload(b, p, "https://books.example/objects/books/b1/book.pdf?token=abc", testEnv(), 28)
	data, err := json.MarshalIndent(payload, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "order_payload", append(data, '\n'))
}

func TestBuildPayload_PageCountFallsBackToMinimum(t *testing.T) {
	b := &book.Book{ID: "b1", Metadata: book.Metadata{LeadName: "Ada"}}
	payload := BuildPayload(b, Params{}, "u", testEnv(), 28)
	require.Len(t, payload.LineItems, 1)
	assert.Equal(t, 28, payload.LineItems[0].PageCount)
	assert.Equal(t, "Ada's Story", payload.LineItems[0].Title)
	assert.Equal(t, 1, payload.LineItems[0].Quantity)
}

func TestNormalizeRegion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"California", "CA"},
		{"  new   york ", "NY"},
		{"QUÉBEC", "QC"},
		{"Quebec", "QC"},
		{"District of Columbia", "DC"},
		{"TX", "TX"},
		{"Bavaria", "Bavaria"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRegion(tt.in))
		})
	}
}

func TestEnv(t *testing.T) {
	t.Setenv("STORYSHELF_FULFILLMENT_URL", "https://vendor.example")
	t.Setenv("STORYSHELF_FULFILLMENT_MODE", "unset")
	require.NoError(t, os.Unsetenv("STORYSHELF_FULFILLMENT_MODE"))

	e, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, ModeDraft, e.Mode)
	assert.True(t, e.Draft())
	assert.True(t, e.Configured())
	assert.Equal(t, "MAIL", e.ShippingLevel)

	t.Setenv("STORYSHELF_FULFILLMENT_MODE", "order")
	e, err = LoadEnv()
	require.NoError(t, err)
	assert.False(t, e.Draft())

	t.Setenv("STORYSHELF_FULFILLMENT_MODE", "live")
	_, err = LoadEnv()
	assert.ErrorContains(t, err, "invalid fulfillment mode")
}
