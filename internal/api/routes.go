package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/graphtect/sheetmail/internal/config"
	"github.com/graphtect/sheetmail/internal/pkg/httputil"
)

// SetupRoutes configures the router. The pixel and health endpoints are
// always open; campaign endpoints sit behind the bearer guard.
func SetupRoutes(cfg config.ServerConfig, h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", h.HandleHealth)
	r.Get("/healthz", h.HandleHealth)
	r.Get("/px", h.HandlePixel)

	r.Group(func(r chi.Router) {
		r.Use(bearerGuard(cfg.BatchToken))
		r.Post("/send-from-sheet", h.HandleSendFromSheet)
		r.Post("/send-batch", h.HandleSendBatch)
		r.Post("/send-daily", h.HandleSendDaily)
		r.Get("/sheet-preview", h.HandleSheetPreview)
		r.Get("/smtp-check", h.HandleSMTPCheck)
	})

	return r
}

// bearerGuard requires "Authorization: Bearer <token>". An unset token
// leaves the routes open, matching a tokenless local setup.
func bearerGuard(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httputil.Unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
