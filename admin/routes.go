package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin router. Every route requires the secret when
// one is configured.
func NewRouter(handlers *AdminHandlers, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Route("/insts", func(r chi.Router) {
		r.Get("/", handlers.handleListInsts)
	})

	r.Route("/inst", func(r chi.Router) {
		r.Get("/", handlers.handleGetInst)
		r.Delete("/", handlers.handleDeleteInst)
	})

	r.Route("/branch", func(r chi.Router) {
		r.Get("/", handlers.handleGetBranch)
		r.Delete("/", handlers.handleDeleteBranch)
		r.Get("/updates", handlers.handleBranchUpdates)
		r.Get("/connections", handlers.handleBranchConnections)
	})

	r.Get("/dirty", handlers.handleDirty)
	r.Post("/flush", handlers.handleFlush)
	r.Get("/signals", handlers.handleSignals)

	r.Route("/connections", func(r chi.Router) {
		r.Get("/", handlers.handleConnectionStats)
		r.Get("/{connID}", handlers.handleGetConnection)
		r.Delete("/{connID}", handlers.handleClearConnection)
	})

	return r
}

// RegisterRoutes mounts the admin router under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := NewRouter(handlers, secret)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
}
