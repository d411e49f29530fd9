// Package httpserver exposes the operational HTTP endpoints: health probes
// and a per-site cache overview.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ctldap/internal/site"
)

type healthResponse struct {
	Status string `json:"status"`
}

type siteStatus struct {
	Name         string `json:"name"`
	BaseDN       string `json:"base_dn"`
	CachedUsers  int    `json:"cached_users"`
	CachedGroups int    `json:"cached_groups"`
}

// NewRouter configures the operational HTTP router.
func NewRouter(registry *site.Registry, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
	})

	r.Get("/v1/sites", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		statuses := make([]siteStatus, 0, len(registry.Sites()))
		for _, s := range registry.Sites() {
			users, groups := s.Directory.CachedCounts()
			statuses = append(statuses, siteStatus{
				Name:         s.Name,
				BaseDN:       s.BaseDN,
				CachedUsers:  users,
				CachedGroups: groups,
			})
		}
		if err := json.NewEncoder(w).Encode(statuses); err != nil {
			log.Error().Err(err).Msg("encode site status")
		}
	})

	return r
}
