package book

import (
	"errors"
	"fmt"
)

// ErrPageSetMismatch is returned when a rebuilt page list would drop a
// page that already carries an image.
var ErrPageSetMismatch = errors.New("rebuilt page set drops a painted page")

// MergePages merges a freshly built page list into an existing one.
// Painted pages are kept exactly as stored. Unpainted pages take the
// rebuilt text and prompt, bumping their version when either changed so
// an in-flight painter holding the old prompt loses its write. A rebuilt
// photo page that arrives with a user photo replaces an unpainted one.
func MergePages(existing, rebuilt []Page) ([]Page, error) {
	byNumber := make(map[int]Page, len(existing))
	for _, p := range existing {
		byNumber[p.PageNumber] = p
	}

	merged := make([]Page, len(rebuilt))
	seen := make(map[int]bool, len(rebuilt))
	for i, p := range rebuilt {
		seen[p.PageNumber] = true
		old, ok := byNumber[p.PageNumber]
		switch {
		case !ok:
			merged[i] = p
		case old.Painted():
			merged[i] = old
		case p.Role == RolePhoto && p.Painted():
			p.Version = old.Version + 1
			merged[i] = p
		default:
			p.Image = nil
			p.Version = old.Version
			if p.Text != old.Text || p.Prompt != old.Prompt || p.Role != old.Role {
				p.Version++
			}
			merged[i] = p
		}
	}

	for _, p := range existing {
		if p.Painted() && !seen[p.PageNumber] {
			return nil, fmt.Errorf("%w: page %d", ErrPageSetMismatch, p.PageNumber)
		}
	}
	return merged, nil
}
