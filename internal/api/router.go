package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/jobs"
	"github.com/starford/hiedb/internal/recordservice"
	"github.com/starford/hiedb/internal/storage"
)

// Config carries the collaborators and auth settings of the router.
type Config struct {
	Service *recordservice.Service
	Jobs    *jobs.Manager
	// Inbox, if non-nil, accepts submission uploads at POST /inbox.
	Inbox storage.Provider
	// Events, if non-nil, is mounted at GET /events inside the auth group.
	Events      http.Handler
	AuthEnabled bool
	Tokens      map[string]auth.Principal
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(cfg Config) chi.Router {
	h := NewHandler(cfg.Service, cfg.Jobs)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(cfg.AuthEnabled, cfg.Tokens))

	// Records.
	r.Get("/records", h.ListRecords)
	r.Post("/records", h.CreateRecord)
	r.Get("/records/{key}", h.GetRecord)
	r.Put("/records/{key}", h.UpdateRecord)
	r.Delete("/records/{key}", h.ObsoleteRecord)
	r.Get("/records/{key}/history", h.History)
	r.Get("/records/{key}/versions/{seq}", h.GetVersion)
	r.Post("/records/{key}/notes", h.AddNote)

	// Bundles.
	r.Post("/bundles", h.SubmitBundle)

	// Relationships.
	r.Get("/relationships", h.ListRelationships)
	r.Post("/relationships", h.AddRelationship)
	r.Delete("/relationships/{key}", h.RemoveRelationship)

	// Search.
	r.Get("/search", h.Search)

	// Catalog.
	r.Get("/authorities", h.ListAuthorities)
	r.Post("/authorities", h.RegisterAuthority)
	r.Get("/rules", h.ListRules)
	r.Post("/rules", h.AddRule)
	r.Delete("/rules/{key}", h.DeleteRule)

	// MDM.
	r.Route("/mdm", func(r chi.Router) {
		r.Get("/masters/{key}/locals", h.Locals)
		r.Get("/duplicates", h.Duplicates)
		r.Post("/duplicates/ignore", h.IgnoreDuplicate)
		r.Post("/relink", h.Relink)
		r.Post("/merge", h.Merge)
	})

	// Jobs.
	if cfg.Jobs != nil {
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/start", h.StartJob)
		r.Post("/jobs/{id}/cancel", h.CancelJob)
	}

	// Inbox upload.
	if cfg.Inbox != nil {
		r.Post("/inbox", NewInboxHandler(cfg.Inbox).Upload)
	}

	// SSE endpoint (protected by same auth middleware).
	if cfg.Events != nil {
		r.Get("/events", cfg.Events.ServeHTTP)
	}

	return r
}
