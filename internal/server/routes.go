package server

import (
	"net/http"

	"github.com/jackzampolin/storyshelf/internal/assemble"
	"github.com/jackzampolin/storyshelf/internal/objstore"
)

// registerRoutes sets up the routes that have no CLI counterpart: signed
// object downloads and the renderer's print page.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	svc := s.services
	mux.HandleFunc("GET /objects/{path...}", objstore.Handler(svc.Objects, svc.Signer, s.logger))
	mux.HandleFunc("GET /print/books/{id}", assemble.PrintHandler(svc.Store, svc.Signer, s.logger))
}
