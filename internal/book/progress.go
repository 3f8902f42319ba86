package book

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStaleRead is returned when an observed book reports less progress than
// a previous observation.
var ErrStaleRead = errors.New("stale progress read")

// ProgressWatermark enforces read-side monotonicity of painted-page counts
// and status. Readers keep one watermark per book and discard reads that
// Observe rejects.
type ProgressWatermark struct {
	mu      sync.Mutex
	painted int
	rank    int
}

// Observe records a read. It returns ErrStaleRead, leaving the watermark
// unchanged, if the read regresses.
func (w *ProgressWatermark) Observe(painted int, status Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if painted < w.painted {
		return fmt.Errorf("%w: %d painted pages after observing %d", ErrStaleRead, painted, w.painted)
	}
	r := status.Rank()
	if r >= 0 && r < w.rank {
		return fmt.Errorf("%w: status %s behind observed progress", ErrStaleRead, status)
	}
	w.painted = painted
	if r > w.rank {
		w.rank = r
	}
	return nil
}

// Painted returns the highest painted count observed.
func (w *ProgressWatermark) Painted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.painted
}
