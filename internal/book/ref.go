package book

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectRef is a typed reference into an object store. Access URLs are
// derived from it by signing; they are never stored.
type ObjectRef struct {
	Store string `json:"store"`
	Path  string `json:"path"`
}

// IsZero reports whether the reference is empty.
func (r ObjectRef) IsZero() bool {
	return r.Store == "" && r.Path == ""
}

// String renders the reference as store://path.
func (r ObjectRef) String() string {
	return r.Store + "://" + r.Path
}

// ParseObjectRef parses a store://path reference.
func ParseObjectRef(s string) (ObjectRef, error) {
	store, path, ok := strings.Cut(s, "://")
	if !ok || store == "" || path == "" {
		return ObjectRef{}, fmt.Errorf("invalid object reference %q", s)
	}
	return ObjectRef{Store: store, Path: path}, nil
}

// PageKey identifies an image slot: a page number or a reserved anchor key.
type PageKey string

const (
	AnchorLead      PageKey = "anchor-lead"
	AnchorCompanion PageKey = "anchor-companion"
)

// PageNumberKey returns the key for a numbered page.
func PageNumberKey(n int) PageKey {
	return PageKey(fmt.Sprintf("page-%03d", n))
}

// PageNumber extracts the page number from a page key.
func (k PageKey) PageNumber() (int, bool) {
	rest, ok := strings.CutPrefix(string(k), "page-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// IsAnchor reports whether the key is a reserved anchor key.
func (k PageKey) IsAnchor() bool {
	return k == AnchorLead || k == AnchorCompanion
}
