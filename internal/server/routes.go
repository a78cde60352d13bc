package server

import (
	"github.com/pulsefeed/pulsefeed/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes(opts Options) {
	health := opts.Health
	if health == nil {
		health = handlers.NewHealthManager(opts.Version)
	}

	s.router.Get("/health", health.HealthHandler)
	s.router.Get("/health/live", health.LivenessHandler)
	s.router.Get("/health/ready", health.ReadinessHandler)

	s.router.Get("/version", handlers.VersionHandler)

	if opts.Ingest != nil {
		s.router.Get("/status", opts.Ingest.StatusHandler)
		s.router.Post("/sync", opts.Ingest.SyncHandler)
		s.router.Post("/control/start", opts.Ingest.StartHandler)
		s.router.Post("/control/stop", opts.Ingest.StopHandler)
		s.router.Get("/accounts/{accountID}/posts", opts.Ingest.PostsHandler)
	}
}
