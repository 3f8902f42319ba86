package book

import (
	"errors"
	"fmt"
)

// Status is the book lifecycle state.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusTeaserGenerating Status = "teaser_generating"
	StatusTeaserReady      Status = "teaser_ready"
	StatusPaid             Status = "paid"
	StatusGenerating       Status = "generating"
	StatusIllustrated      Status = "illustrated"
	StatusPDFReady         Status = "pdf_ready"
	StatusPrinting         Status = "printing"
	StatusPrintingTest     Status = "printing_test"
	StatusShipped          Status = "shipped"
	StatusFailed           Status = "failed"
)

var (
	// ErrIllegalTransition is returned when a status change is not in the
	// transition table.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrStoryLocked is returned when a page set rebuild is attempted after
	// the document was assembled.
	ErrStoryLocked = errors.New("story is locked once the document is assembled")
)

// transitions lists every permitted move. Self-moves on the generating
// states resume an interrupted phase; pdf_ready to itself is a forced
// regeneration. Moves out of failed are retries into a generation phase;
// a book that already had every page painted passes back through generating.
var transitions = map[Status][]Status{
	StatusDraft:            {StatusTeaserGenerating},
	StatusTeaserGenerating: {StatusTeaserGenerating, StatusTeaserReady, StatusFailed},
	StatusTeaserReady:      {StatusPaid},
	StatusPaid:             {StatusGenerating},
	StatusGenerating:       {StatusGenerating, StatusIllustrated, StatusFailed},
	StatusIllustrated:      {StatusPDFReady, StatusFailed},
	StatusPDFReady:         {StatusPDFReady, StatusPrinting, StatusPrintingTest},
	StatusPrintingTest:     {StatusPrintingTest, StatusPrinting},
	StatusPrinting:         {StatusShipped},
	StatusShipped:          {},
	StatusFailed:           {StatusTeaserGenerating, StatusGenerating},
}

// rank orders the forward chain. Failed has no rank.
var rank = map[Status]int{
	StatusDraft:            0,
	StatusTeaserGenerating: 1,
	StatusTeaserReady:      2,
	StatusPaid:             3,
	StatusGenerating:       4,
	StatusIllustrated:      5,
	StatusPDFReady:         6,
	StatusPrintingTest:     7,
	StatusPrinting:         8,
	StatusShipped:          9,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Rank returns the position of s in the forward chain, or -1 for failed
// and unknown values.
func (s Status) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether moving from s to next is permitted.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates a move, returning ErrIllegalTransition when the
// table does not permit it.
func Transition(from, to Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Paid reports whether the book has passed the payment gate.
func (s Status) Paid() bool {
	return s.Rank() >= StatusPaid.Rank()
}

// StoryEditable reports whether the page set may still be rebuilt. An
// assembled document fixes the page count sent to the printer.
func (s Status) StoryEditable() bool {
	return s == StatusFailed || (s.Valid() && s.Rank() <= StatusIllustrated.Rank())
}
