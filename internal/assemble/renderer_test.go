package assemble

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/config"
	"github.com/jackzampolin/storyshelf/internal/objstore"
)

func findBrowser(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome or Chromium binary on PATH")
	return ""
}

func TestChromeRenderer_CapturesSinglePages(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	execPath := findBrowser(t)

	signer, err := objstore.NewSigner(signingKey, "", nil)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := RenderPrintPage(illustratedBook("b1", 1), signer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write(body)
	}))
	defer srv.Close()

	r := NewChromeRenderer(config.RendererCfg{ExecPath: execPath, NavigationTimeoutSeconds: 30})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, r.Open(ctx, srv.URL))

	page, err := r.CapturePage(ctx, 1)
	require.NoError(t, err)
	n, err := PageCount(page)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	filler, err := r.CaptureFiller(ctx)
	require.NoError(t, err)
	n, err = PageCount(filler)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.CapturePage(ctx, 99)
	assert.Error(t, err)
}
