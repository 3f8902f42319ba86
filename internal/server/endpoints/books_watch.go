package endpoints

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/book"
)

// terminal reports whether a watch can stop at s.
func terminal(s book.Status) bool {
	switch s {
	case book.StatusTeaserReady, book.StatusIllustrated, book.StatusPDFReady,
		book.StatusPrintingTest, book.StatusPrinting, book.StatusShipped, book.StatusFailed:
		return true
	}
	return false
}

// BookGetter reads one book view.
type BookGetter func(ctx context.Context, id string) (BookView, error)

// Watch polls a book until it reaches a resting status. Reads that report
// fewer painted pages than already seen are written to errOut and dropped.
func Watch(ctx context.Context, get BookGetter, id string, interval time.Duration, out, errOut io.Writer) (BookView, error) {
	var mark book.ProgressWatermark
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last BookView
	for {
		view, err := get(ctx, id)
		if err != nil {
			return last, err
		}
		if err := mark.Observe(view.PaintedCount, view.Status); err != nil {
			if !errors.Is(err, book.ErrStaleRead) {
				return last, err
			}
			fmt.Fprintf(errOut, "discarded read: %v\n", err)
		} else {
			if view.Status != last.Status || view.PaintedCount != last.PaintedCount {
				fmt.Fprintf(out, "%s  %-18s %d/%d painted\n",
					time.Now().Format(time.TimeOnly), view.Status, view.PaintedCount, len(view.Pages))
			}
			last = view
			if terminal(view.Status) && view.Running == "" {
				return view, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WatchCommand returns the "books watch" CLI command. It has no HTTP route
// of its own; it polls GET /api/books/{id}.
func WatchCommand(getServerURL func() string) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a book's generation progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			get := func(ctx context.Context, id string) (BookView, error) {
				var view BookView
				err := client.Get(ctx, "/api/books/"+id, &view)
				return view, err
			}
			_, err := Watch(cmd.Context(), get, args[0], interval, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval")
	return cmd
}
