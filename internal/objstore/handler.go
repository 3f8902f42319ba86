package objstore

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
)

// Handler serves objects granted by a signed token. It expects to be
// mounted at GET /objects/{path...}.
func Handler(store Store, signer *Signer, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		objectPath := r.PathValue("path")
		ref, err := signer.Verify(r.URL.Query().Get("token"))
		if err != nil {
			status := http.StatusForbidden
			if errors.Is(err, ErrExpiredToken) {
				status = http.StatusGone
			}
			http.Error(w, err.Error(), status)
			return
		}
		if ref.Path != objectPath || ref.Store != store.Name() {
			http.Error(w, "token does not grant this object", http.StatusForbidden)
			return
		}

		data, err := store.Get(r.Context(), ref)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to read object", "ref", ref.String(), "error", err)
			http.Error(w, "failed to read object", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType(ref.Path))
		w.Header().Set("Cache-Control", "private, no-store")
		w.Write(data)
	}
}

func contentType(p string) string {
	switch path.Ext(p) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
