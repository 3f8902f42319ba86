package assemble

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Merge concatenates single-page documents in order, then appends filler
// copies of the filler document. It returns the merged bytes and their
// verified page count.
func Merge(parts [][]byte, filler []byte, fillerCount int) ([]byte, int, error) {
	if len(parts) == 0 {
		return nil, 0, fmt.Errorf("no pages to merge")
	}
	if fillerCount > 0 && len(filler) == 0 {
		return nil, 0, fmt.Errorf("filler page required for %d filler pages", fillerCount)
	}

	readers := make([]io.ReadSeeker, 0, len(parts)+fillerCount)
	for _, p := range parts {
		readers = append(readers, bytes.NewReader(p))
	}
	for range fillerCount {
		readers = append(readers, bytes.NewReader(filler))
	}

	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, false, pdfConfig()); err != nil {
		return nil, 0, fmt.Errorf("failed to merge pages: %w", err)
	}

	count, err := PageCount(out.Bytes())
	if err != nil {
		return nil, 0, err
	}
	return out.Bytes(), count, nil
}

// PageCount returns the number of pages in a PDF.
func PageCount(doc []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(doc), pdfConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// DocumentPageCount is the final page count for a book with the given
// structural count under the minimum.
func DocumentPageCount(structural, minimum int) int {
	return max(structural, minimum)
}
