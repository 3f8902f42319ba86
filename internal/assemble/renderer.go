package assemble

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/jackzampolin/storyshelf/internal/config"
)

// Page geometry in inches.
const (
	PageWidthIn  = 8.0
	PageHeightIn = 11.0
)

// Renderer is one browser session over the print page. Blocks are indexed
// from zero: the cover first, then one per book page.
type Renderer interface {
	Open(ctx context.Context, url string) error
	CapturePage(ctx context.Context, index int) ([]byte, error)
	CaptureFiller(ctx context.Context) ([]byte, error)
	Close() error
}

// ChromeRenderer drives a headless Chrome through chromedp.
type ChromeRenderer struct {
	execPath   string
	navTimeout time.Duration

	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// NewChromeRenderer creates a renderer from the renderer config section.
func NewChromeRenderer(cfg config.RendererCfg) *ChromeRenderer {
	timeout := cfg.NavigationTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChromeRenderer{execPath: cfg.ExecPath, navTimeout: timeout}
}

// Open starts the browser and loads url, waiting until every image on the
// page has loaded.
func (r *ChromeRenderer) Open(ctx context.Context, url string) error {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.NoSandbox, chromedp.DisableGPU)
	if r.execPath != "" {
		opts = append(opts, chromedp.ExecPath(r.execPath))
	}

	// The browser lives on a detached context so it outlives per-call
	// deadlines; Close tears it down.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	r.ctx, r.cancelTab, r.cancelAlloc = tabCtx, cancelTab, cancelAlloc

	if err := chromedp.Run(tabCtx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}

	navCtx, cancel := context.WithTimeout(tabCtx, r.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady(`body[data-ready="true"]`, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to load print page: %w", err)
	}
	return nil
}

// CapturePage prints the block at index as a single page.
func (r *ChromeRenderer) CapturePage(ctx context.Context, index int) ([]byte, error) {
	return r.capture(ctx, fmt.Sprintf("showBlock(%d)", index))
}

// CaptureFiller prints the filler block as a single page.
func (r *ChromeRenderer) CaptureFiller(ctx context.Context) ([]byte, error) {
	return r.capture(ctx, "showFiller()")
}

func (r *ChromeRenderer) capture(ctx context.Context, show string) ([]byte, error) {
	if r.ctx == nil {
		return nil, fmt.Errorf("renderer is not open")
	}
	runCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var found bool
	var buf []byte
	err := chromedp.Run(runCtx,
		chromedp.Evaluate(show, &found),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if !found {
				return fmt.Errorf("print page has no block for %s", show)
			}
			var err error
			buf, _, err = page.PrintToPDF().
				WithPaperWidth(PageWidthIn).
				WithPaperHeight(PageHeightIn).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				WithPrintBackground(true).
				WithPageRanges("1").
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to capture %s: %w", show, err)
	}
	return buf, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (r *ChromeRenderer) Close() error {
	if r.cancelTab != nil {
		r.cancelTab()
		r.cancelTab = nil
	}
	if r.cancelAlloc != nil {
		r.cancelAlloc()
		r.cancelAlloc = nil
	}
	r.ctx = nil
	return nil
}
